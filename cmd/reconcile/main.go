/*
main.go - One-off reconcile pass

PURPOSE:
  Repairs the funds of one or more academic years after a crash, then
  exits. Uses the same configuration as the server and is safe to run
  next to it. Entries younger than -grace are left to their writers;
  -grace 0 repairs everything and belongs to a stopped server.

USAGE:
  reconcile -year 2025-2026
  reconcile -year 2024-2025 -year 2025-2026 -db ./data/expense-fund.db
  reconcile                       # uses RECONCILE_YEARS
  reconcile -year 2025-2026 -grace 0

EXIT CODES:
  0  every year reconciled, no balance mismatches
  1  configuration or store error
  2  a fund still disagrees with its journal (see the log)
*/
package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/warp/expense-fund/app"
	"github.com/warp/expense-fund/config"
	"github.com/warp/expense-fund/fund"
	"github.com/warp/expense-fund/logger"
)

// yearList collects repeated -year flags.
type yearList []fund.AcademicYear

func (y *yearList) String() string {
	parts := make([]string, len(*y))
	for i, v := range *y {
		parts[i] = string(v)
	}
	return strings.Join(parts, ",")
}

func (y *yearList) Set(v string) error {
	*y = append(*y, fund.AcademicYear(strings.TrimSpace(v)))
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()
	cfg := config.Load()

	var years yearList
	flag.Var(&years, "year", "academic year to reconcile (repeatable)")
	dbPath := flag.String("db", cfg.SQLiteDBPath, "SQLite database path")
	grace := flag.Duration("grace", cfg.ReconcileGrace, "minimum entry age before a missing debit is applied")
	flag.Parse()
	cfg.SQLiteDBPath = *dbPath
	if len(years) == 0 {
		years = cfg.ReconcileYears
	}

	log := logger.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	cfg.ReconcileGrace = *grace
	if len(years) == 0 {
		log.Error().Msg("no academic year given, use -year or RECONCILE_YEARS")
		return 1
	}

	ctx := context.Background()
	stores, err := app.OpenStores(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize store")
		return 1
	}
	defer stores.Close()

	ledger, err := app.NewLedger(cfg, stores, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to build ledger")
		return 1
	}

	code := 0
	for _, year := range years {
		report, err := ledger.Reconcile(ctx, year)
		if err != nil {
			log.Error().Err(err).Str("year", string(year)).Msg("reconcile failed")
			code = 1
			continue
		}
		if len(report.Mismatches) > 0 && code == 0 {
			code = 2
		}
	}
	return code
}
