/*
main.go - Application entry point

PURPOSE:
  Starts the expense fund ledger HTTP service. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and environment config, apply flag overrides
  2. Open the store backend (migrations run here)
  3. Build the init policy and the ledger engine
  4. Register observers: billing bridge, metrics
  5. Connect the AMQP alert publisher when AMQP_URL is set
  6. Sync pending billing alerts, start the reconcile scheduler
  7. Start the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_DB_PATH)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and the alert publisher
  4. Close the database connection

SEE ALSO:
  - config/config.go: environment keys
  - app/app.go: store and ledger wiring
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/expense-fund/api"
	"github.com/warp/expense-fund/app"
	"github.com/warp/expense-fund/billing"
	"github.com/warp/expense-fund/config"
	"github.com/warp/expense-fund/fund"
	"github.com/warp/expense-fund/logger"
	"github.com/warp/expense-fund/notify/amqp"
	"github.com/warp/expense-fund/observability"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLiteDBPath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.SQLiteDBPath = *dbPath

	log := logger.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to initialize store")
	}
	defer stores.Close()

	ledger, err := app.NewLedger(cfg, stores, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build ledger")
	}

	var bridgeOpts []billing.Option
	bridgeOpts = append(bridgeOpts, billing.WithLogger(log.With().Str("component", "billing").Logger()))
	if cfg.AMQPURL != "" {
		publisher, err := amqp.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to AMQP")
		}
		defer publisher.Close()
		bridgeOpts = append(bridgeOpts, billing.WithPublisher(publisher))
	}
	bridge := billing.NewBridge(ledger, bridgeOpts...)
	metrics := observability.NewMetrics()

	for _, o := range []fund.Observer{bridge, metrics} {
		if err := ledger.Observers().Register(o); err != nil {
			log.Fatal().Err(err).Msg("failed to register observer")
		}
	}
	go bridge.Run(ctx)

	for _, year := range cfg.ReconcileYears {
		if err := bridge.Sync(ctx, year); err != nil {
			log.Warn().Err(err).Str("year", string(year)).Msg("failed to sync billing alerts")
		}
	}

	scheduler := api.NewReconciliationScheduler(ledger, cfg.ReconcileYears, log.With().Str("component", "scheduler").Logger())
	scheduler.CheckInterval = cfg.ReconcileInterval
	scheduler.OnReport = metrics.ObserveReconcile
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(ledger, stores.Admissions, bridge)
	handler.Metrics = metrics.Handler()
	handler.OnReconcile = metrics.ObserveReconcile

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      api.NewRouter(handler, log, nil),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("backend", stores.Backend).
			Bool("amqp", cfg.AMQPURL != "").
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}
