/*
Package app wires configuration into a running ledger. The server and the
reconcile command share it so both see the same stores and engine
settings.

WIRING:
  config.Config
    -> Stores      (memory | sqlite | postgres)
    -> InitPolicy  (policy.Factory over the admissions registry)
    -> fund.Ledger (retry, fan-out, deficit cache settings)
*/
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/warp/expense-fund/config"
	"github.com/warp/expense-fund/fund"
	"github.com/warp/expense-fund/fund/store"
	"github.com/warp/expense-fund/policy"
	"github.com/warp/expense-fund/store/postgres"
	"github.com/warp/expense-fund/store/sqlite"
)

// Stores is one backend's fund store, journal and admissions registry.
type Stores struct {
	Backend    string
	Funds      fund.FundStore
	Journal    fund.Journal
	Admissions fund.AdmissionRegistry

	close func() error
}

// Close releases the backend connection.
func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// OpenStores opens and migrates the configured backend.
func OpenStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Stores, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		mem := store.NewMemory()
		return &Stores{
			Backend:    cfg.StoreBackend,
			Funds:      mem.Funds,
			Journal:    mem.Journal,
			Admissions: mem.Admissions,
		}, nil

	case config.BackendSQLite:
		s, err := sqlite.New(cfg.SQLiteDBPath, logger)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Backend:    cfg.StoreBackend,
			Funds:      s.Funds(),
			Journal:    s.Journal(),
			Admissions: s.Admissions(),
			close:      s.Close,
		}, nil

	case config.BackendPostgres:
		s, err := postgres.New(ctx, cfg.PostgresDSN, postgres.DefaultOptions(), logger)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Backend:    cfg.StoreBackend,
			Funds:      s.Funds(),
			Journal:    s.Journal(),
			Admissions: s.Admissions(),
			close:      s.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// NewLedger builds the init policy and the engine over stores.
func NewLedger(cfg *config.Config, stores *Stores, logger zerolog.Logger) (*fund.Ledger, error) {
	initPolicy, err := policy.NewFactory(stores.Admissions).Parse(cfg.Policy())
	if err != nil {
		return nil, err
	}
	return fund.NewLedger(stores.Funds, stores.Journal, initPolicy,
		fund.WithLogger(logger.With().Str("component", "ledger").Logger()),
		fund.WithMaxAttempts(cfg.MaxAttempts),
		fund.WithRetryBackoff(cfg.RetryBase, fund.DefaultRetryMax),
		fund.WithFanoutConcurrency(cfg.FanoutConcurrency),
		fund.WithDeficitCacheTTL(cfg.DeficitCacheTTL),
		fund.WithReconcileGrace(cfg.ReconcileGrace),
	), nil
}
