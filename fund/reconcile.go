/*
reconcile.go - Crash recovery for the ledger

PURPOSE:
  The fund store and the journal are atomic only on their own. A process
  that dies between a journal write and the matching fund write leaves the
  two out of step. Reconcile walks a year's journal and brings every
  entry to a terminal state using the applied-delta register:

    reversed  debit  credit   action
    --------  -----  ------   ------------------------------------------
    no        no     -        apply the debit (append landed, apply didn't)
    yes       yes    no       apply the credit (reversal committed)
    no        yes    yes      mark reversed (credit landed, mark didn't)
    yes       no     -        nothing (voided before its debit landed)
    no        yes    no       nothing (healthy)
    yes       yes    yes      nothing (fully reversed)

CONCURRENCY:
  Reconcile runs alongside live writes (the server schedules it). Three
  rules keep it from racing the request paths:

  - Entries younger than the grace period (WithReconcileGrace) are left
    alone: their writer may still be retrying. The grace period must stay
    well above the retry budget.
  - The store refuses a debit for an entry that is already reversed, so
    an entry voided between our read and our write is never rolled
    forward. Reconcile skips it.
  - Credits and marks are idempotent. A ReverseEntry that loses its mark
    to Reconcile after applying its own credit still succeeds.

  Repairs emit the same balance-sign signals as the request paths.

BALANCE CHECK:
  After repairs each settled fund is compared to initial - sum(non-reversed).
  A fund is settled when no entry is mid-flight and its version did not
  move while it was read. Mismatches are reported and logged, never
  auto-corrected; unsettled funds are counted and checked next pass.
*/
package fund

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReconcileReport summarizes one Reconcile pass.
type ReconcileReport struct {
	AcademicYear       AcademicYear
	FundsScanned       int
	EntriesScanned     int
	DebitsApplied      int
	CreditsApplied     int
	ReversalsCompleted int
	Deferred           int
	Unsettled          int
	Mismatches         []FundKey
	StartedAt          time.Time
	FinishedAt         time.Time
}

// Repaired is the number of entries Reconcile had to act on.
func (r ReconcileReport) Repaired() int {
	return r.DebitsApplied + r.CreditsApplied + r.ReversalsCompleted
}

// Reconcile repairs every fund of the year. See the file header for the rules.
func (l *Ledger) Reconcile(ctx context.Context, year AcademicYear) (ReconcileReport, error) {
	const op = "reconcile"
	report := ReconcileReport{AcademicYear: year, StartedAt: l.now()}
	if year == "" {
		return report, fmt.Errorf("%w: academic year is required", ErrInvalidInput)
	}

	funds, err := l.funds.ListByYear(ctx, year)
	if err != nil {
		return report, storeErr(op, FundKey{AcademicYear: year}, err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.fanout)
	for _, f := range funds {
		g.Go(func() error {
			r, err := l.reconcileFund(gctx, op, f.Key())
			if err != nil {
				return err
			}
			mu.Lock()
			report.merge(r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, l.fail(ctx, op, err)
	}

	report.FundsScanned = len(funds)
	sort.Slice(report.Mismatches, func(i, j int) bool {
		return report.Mismatches[i].StudentID < report.Mismatches[j].StudentID
	})
	report.FinishedAt = l.now()
	if report.Repaired() > 0 {
		l.invalidateDeficits(year)
	}

	l.logger.Info().
		Str("year", string(year)).
		Int("funds", report.FundsScanned).
		Int("entries", report.EntriesScanned).
		Int("debits_applied", report.DebitsApplied).
		Int("credits_applied", report.CreditsApplied).
		Int("reversals_completed", report.ReversalsCompleted).
		Int("deferred", report.Deferred).
		Int("unsettled", report.Unsettled).
		Int("mismatches", len(report.Mismatches)).
		Msg("reconcile finished")
	return report, nil
}

func (l *Ledger) reconcileFund(ctx context.Context, op string, key FundKey) (ReconcileReport, error) {
	var r ReconcileReport
	entries, err := l.journal.History(ctx, key)
	if err != nil {
		return r, storeErr(op, key, err)
	}
	r.EntriesScanned = len(entries)
	cutoff := l.now().Add(-l.reconcileGrace)

	for _, e := range entries {
		debit, credit, err := l.deltaState(ctx, e)
		if err != nil {
			return r, err
		}
		switch {
		case !e.Reversed && !debit:
			if e.CreatedAt.After(cutoff) {
				r.Deferred++
				continue
			}
			change, err := l.applyDelta(ctx, op, key, e.Amount, DeltaRef{EntryID: e.ID, Op: OpDebit})
			if errors.Is(err, ErrAlreadyReversed) {
				l.logger.Debug().Str("entry_id", string(e.ID)).Msg("entry voided during reconcile, debit skipped")
				continue
			}
			if err != nil {
				return r, err
			}
			change.entry = e
			l.emitChange(ctx, change)
			r.DebitsApplied++
			l.logger.Warn().Str("entry_id", string(e.ID)).Str("fund", key.String()).Msg("reconcile applied missing debit")

		case e.Reversed && debit && !credit:
			change, err := l.applyDelta(ctx, op, key, e.Amount.Neg(), DeltaRef{EntryID: e.ID, Op: OpCredit})
			if err != nil {
				return r, err
			}
			change.entry = e
			l.emitChange(ctx, change)
			r.CreditsApplied++
			l.logger.Warn().Str("entry_id", string(e.ID)).Str("fund", key.String()).Msg("reconcile applied missing credit")

		case !e.Reversed && debit && credit:
			if _, err := l.journal.MarkReversed(ctx, e.ID); err != nil {
				if errors.Is(err, ErrAlreadyReversed) {
					continue
				}
				if !isPermanent(err) {
					return r, storeErr(op, key, err)
				}
			}
			r.ReversalsCompleted++
			l.logger.Warn().Str("entry_id", string(e.ID)).Str("fund", key.String()).Msg("reconcile completed reversal")
		}
	}

	settled, ok, err := l.balanced(ctx, key)
	if err != nil {
		return r, err
	}
	switch {
	case !settled:
		r.Unsettled++
	case !ok:
		r.Mismatches = append(r.Mismatches, key)
	}
	return r, nil
}

// balanced re-reads the fund and its history and checks the balance
// identity. settled is false when an entry is mid-flight or the fund moved
// during the read; ok is meaningful only for a settled fund.
func (l *Ledger) balanced(ctx context.Context, key FundKey) (settled, ok bool, err error) {
	before, err := l.funds.Get(ctx, key)
	if err != nil {
		return false, false, storeErr("reconcile", key, err)
	}
	entries, err := l.journal.History(ctx, key)
	if err != nil {
		return false, false, storeErr("reconcile", key, err)
	}
	spent := Zero
	for _, e := range entries {
		debit, credit, err := l.deltaState(ctx, e)
		if err != nil {
			return false, false, err
		}
		if e.Reversed {
			if debit && !credit {
				return false, false, nil
			}
			continue
		}
		if !debit || credit {
			return false, false, nil
		}
		spent = spent.Add(e.Amount)
	}
	after, err := l.funds.Get(ctx, key)
	if err != nil {
		return false, false, storeErr("reconcile", key, err)
	}
	if after.Version != before.Version {
		return false, false, nil
	}

	want := after.InitialAmount.Sub(spent)
	if !after.RemainingBalance.Equal(want) || after.IsNegative != want.IsNegative() {
		l.logger.Error().
			Str("fund", key.String()).
			Str("remaining", after.RemainingBalance.String()).
			Str("expected", want.String()).
			Msg("fund balance does not match journal")
		return true, false, nil
	}
	return true, true, nil
}

func (r *ReconcileReport) merge(o ReconcileReport) {
	r.EntriesScanned += o.EntriesScanned
	r.DebitsApplied += o.DebitsApplied
	r.CreditsApplied += o.CreditsApplied
	r.ReversalsCompleted += o.ReversalsCompleted
	r.Deferred += o.Deferred
	r.Unsettled += o.Unsettled
	r.Mismatches = append(r.Mismatches, o.Mismatches...)
}
