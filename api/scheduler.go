/*
scheduler.go - Periodic reconcile of open academic years

PURPOSE:
  Runs fund.Ledger.Reconcile for each configured academic year on a fixed
  interval, so journal entries left half-applied by a crash are repaired
  without an operator.

DESIGN:
  - One background goroutine with a ticker
  - Runs once immediately on Start
  - Years are processed one after another; a failing year is logged and
    the next one still runs
  - The latest report per year is kept for the admin UI
  - Passes run alongside live traffic; the ledger's reconcile grace period
    keeps them off entries whose writers are still retrying

USAGE:
  scheduler := NewReconciliationScheduler(ledger, years, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (on-demand pass)
  - fund/reconcile.go: the repair rules
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/expense-fund/fund"
)

// Reconciler is implemented by *fund.Ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, year fund.AcademicYear) (fund.ReconcileReport, error)
}

// ReconciliationScheduler handles periodic reconcile passes.
type ReconciliationScheduler struct {
	Reconciler    Reconciler
	Years         []fund.AcademicYear
	CheckInterval time.Duration
	Enabled       bool

	// OnReport, when set, sees every successful report.
	OnReport func(fund.ReconcileReport)

	logger zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   map[fund.AcademicYear]fund.ReconcileReport
}

// NewReconciliationScheduler creates a scheduler with a 15 minute interval.
func NewReconciliationScheduler(r Reconciler, years []fund.AcademicYear, logger zerolog.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Reconciler:    r,
		Years:         years,
		CheckInterval: 15 * time.Minute,
		Enabled:       len(years) > 0,
		logger:        logger,
		last:          make(map[fund.AcademicYear]fund.ReconcileReport),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info().Msg("reconcile scheduler disabled, not starting")
		return
	}
	if rs.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.wg.Add(1)
	go rs.run(ctx)

	rs.logger.Info().
		Dur("interval", rs.CheckInterval).
		Int("years", len(rs.Years)).
		Msg("reconcile scheduler started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	cancel := rs.cancel
	rs.cancel = nil
	rs.mu.Unlock()

	if cancel != nil {
		cancel()
		rs.wg.Wait()
		rs.logger.Info().Msg("reconcile scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	ticker := time.NewTicker(rs.CheckInterval)
	defer ticker.Stop()

	rs.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			rs.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce reconciles every configured year and returns the reports that
// succeeded.
func (rs *ReconciliationScheduler) RunOnce(ctx context.Context) []fund.ReconcileReport {
	var reports []fund.ReconcileReport
	for _, year := range rs.Years {
		if ctx.Err() != nil {
			break
		}
		report, err := rs.Reconciler.Reconcile(ctx, year)
		if err != nil {
			rs.logger.Error().Err(err).Str("year", string(year)).Msg("scheduled reconcile failed")
			continue
		}
		rs.mu.Lock()
		rs.last[year] = report
		rs.mu.Unlock()
		if rs.OnReport != nil {
			rs.OnReport(report)
		}
		reports = append(reports, report)
	}
	return reports
}

// LastReport returns the most recent successful report for a year.
func (rs *ReconciliationScheduler) LastReport(year fund.AcademicYear) (fund.ReconcileReport, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.last[year]
	return r, ok
}
