/*
ledger.go - The ledger engine: the only writer of funds and journal entries

PURPOSE:
  Keeps the fund store and the journal in lockstep. Every debit, fan-out,
  and reversal goes through Ledger; stationary and medical code never touch
  a FundStore directly.

WRITE PATH (individual expense):
  1. validate                 (InvalidAmount / InvalidInput, no store access)
  2. GetOrInit fund           (lazy init from the InitPolicy)
  3. Journal.Append           (tentative entry, written exactly once)
  4. GetOrInit + ApplyDelta   (CAS, retried with backoff on conflict)
  5. emit signals

  Only step 4 is retried. Retrying the append as well would journal the
  same debit twice. If step 4 runs out of attempts the entry is voided
  (marked reversed, credit applied if the debit did land) and the caller
  gets ErrLedgerBusy with nothing left behind.

FAN-OUT (common expense):
  Shares are computed in cents, all entries are appended with AppendBatch
  (all-or-nothing), then each student's debit runs concurrently with its
  own retries. If any student fails, the batch is compensated:

    MarkBatchReversed  (one atomic write, the rollback commit point)
    credit every debit that landed (idempotent by entry id)

  A crash before the mark leaves a batch Reconcile rolls forward (N
  debits); a crash after it leaves a batch Reconcile finishes rolling back
  (0 debits). There is no third outcome.

REVERSAL:
  ReverseEntry credits first and marks second; the mark is the commit
  point. A retry after a crash in between finds the credit already applied
  (same DeltaRef) and only writes the mark. If Reconcile writes the mark
  first, the call whose credit landed still reports success.

SEE ALSO:
  - store.go: FundStore / Journal contracts
  - reconcile.go: crash recovery pass
  - events.go: signals emitted after each write
*/
package fund

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxAttempts       = 3
	DefaultRetryBase         = 20 * time.Millisecond
	DefaultRetryMax          = 500 * time.Millisecond
	DefaultFanoutConcurrency = 8
	DefaultDeficitCacheTTL   = 30 * time.Second
	DefaultReconcileGrace    = time.Minute

	deficitCacheSize = 16
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the expense fund engine. Safe for concurrent use.
type Ledger struct {
	funds     FundStore
	journal   Journal
	policy    InitPolicy
	observers *Registry
	logger    zerolog.Logger
	now       func() time.Time

	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
	fanout      int

	deficitTTL time.Duration
	deficits   *lru.Cache

	reconcileGrace time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithRegistry shares an observer registry instead of creating a private one.
func WithRegistry(r *Registry) Option {
	return func(l *Ledger) { l.observers = r }
}

// WithMaxAttempts bounds the CAS attempts per fund write. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n >= 1 {
			l.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the exponential backoff between CAS attempts.
func WithRetryBackoff(base, maxDelay time.Duration) Option {
	return func(l *Ledger) {
		if base > 0 {
			l.retryBase = base
		}
		if maxDelay >= base {
			l.retryMax = maxDelay
		}
	}
}

// WithFanoutConcurrency caps concurrent per-student writes in one batch.
func WithFanoutConcurrency(n int) Option {
	return func(l *Ledger) {
		if n >= 1 {
			l.fanout = n
		}
	}
}

// WithDeficitCacheTTL sets how long a ListNegativeBalances scan is reused.
// Zero disables the cache.
func WithDeficitCacheTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.deficitTTL = ttl }
}

// WithReconcileGrace sets how old an entry must be before Reconcile rolls
// its missing debit forward. Zero repairs every entry at once, which is only
// safe while no writes are in flight.
func WithReconcileGrace(d time.Duration) Option {
	return func(l *Ledger) {
		if d >= 0 {
			l.reconcileGrace = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger builds an engine over the given stores.
func NewLedger(funds FundStore, journal Journal, policy InitPolicy, opts ...Option) *Ledger {
	l := &Ledger{
		funds:       funds,
		journal:     journal,
		policy:      policy,
		logger:      zerolog.Nop(),
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: DefaultMaxAttempts,
		retryBase:   DefaultRetryBase,
		retryMax:    DefaultRetryMax,
		fanout:      DefaultFanoutConcurrency,
		deficitTTL:  DefaultDeficitCacheTTL,

		reconcileGrace: DefaultReconcileGrace,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.observers == nil {
		l.observers = NewRegistry(l.logger)
	}

	cache, err := lru.New(deficitCacheSize)
	if err != nil {
		panic(fmt.Sprintf("fund: deficit cache: %v", err))
	}
	l.deficits = cache
	return l
}

// Observers returns the registry signals are dispatched through.
func (l *Ledger) Observers() *Registry {
	return l.observers
}

// =============================================================================
// FUND LIFECYCLE
// =============================================================================

// OpenFund returns the fund for key, creating it from the init policy if it
// does not exist. Used at admission and at promotion, where it creates the
// new year's fund and leaves the previous year's fund untouched.
func (l *Ledger) OpenFund(ctx context.Context, key FundKey) (FundSnapshot, bool, error) {
	const op = "open_fund"
	if err := key.Validate(); err != nil {
		return FundSnapshot{}, false, err
	}
	f, created, err := l.openFund(ctx, op, key)
	if err != nil {
		return FundSnapshot{}, false, l.fail(ctx, op, err)
	}
	if created {
		l.logger.Info().
			Str("fund", key.String()).
			Str("initial_amount", f.InitialAmount.String()).
			Msg("fund opened")
	}
	return f, created, nil
}

func (l *Ledger) openFund(ctx context.Context, op string, key FundKey) (ExpenseFund, bool, error) {
	var created bool
	f, err := withRetry(ctx, l, op, key, func() (ExpenseFund, error) {
		f, c, err := l.funds.GetOrInit(ctx, key, l.policy)
		created = c
		return f, err
	})
	return f, created, err
}

// =============================================================================
// INDIVIDUAL EXPENSE
// =============================================================================

// RecordIndividualExpense debits one student's fund. Overdraft is allowed:
// a debit larger than the balance succeeds and sets IsNegative.
func (l *Ledger) RecordIndividualExpense(ctx context.Context, req IndividualExpense) (IndividualResult, error) {
	const op = "record_individual_expense"
	key := FundKey{StudentID: req.StudentID, AcademicYear: req.AcademicYear}
	if err := validateDebit(key.Validate, req.Category, req.Amount, "amount"); err != nil {
		return IndividualResult{}, err
	}

	now := l.now()
	entry := LedgerEntry{
		ID:           NewEntryID(),
		StudentID:    req.StudentID,
		AcademicYear: req.AcademicYear,
		Category:     req.Category,
		Kind:         KindIndividual,
		Amount:       req.Amount,
		Description:  req.Description,
		Date:         dateOr(req.Date, now),
		RecordedBy:   req.RecordedBy,
		CreatedAt:    now,
	}

	if _, _, err := l.openFund(ctx, op, key); err != nil {
		return IndividualResult{}, l.fail(ctx, op, err)
	}
	if _, err := l.journal.Append(ctx, entry); err != nil {
		return IndividualResult{}, l.fail(ctx, op, storeErr(op, key, err))
	}

	change, err := l.applyDelta(ctx, op, key, entry.Amount, DeltaRef{EntryID: entry.ID, Op: OpDebit})
	if err != nil {
		l.voidEntry(ctx, op, entry)
		return IndividualResult{}, l.fail(ctx, op, err)
	}
	change.entry = entry

	l.invalidateDeficits(key.AcademicYear)
	l.logger.Info().
		Str("entry_id", string(entry.ID)).
		Str("fund", key.String()).
		Str("category", string(entry.Category)).
		Str("amount", entry.Amount.String()).
		Str("remaining", change.after.RemainingBalance.String()).
		Msg("expense recorded")

	l.observers.emitExpenseRecorded(ctx, entry, change.after)
	l.emitChange(ctx, change)

	return IndividualResult{EntryID: entry.ID, Fund: change.after}, nil
}

// voidEntry undoes a journaled entry whose debit did not commit (or whose
// outcome is unknown). Runs detached from ctx so a cancelled request still
// cleans up.
func (l *Ledger) voidEntry(ctx context.Context, op string, entry LedgerEntry) {
	cctx := context.WithoutCancel(ctx)
	key := entry.FundKey()

	_, err := withRetry(cctx, l, op, key, func() (LedgerEntry, error) {
		return l.journal.MarkReversed(cctx, entry.ID)
	})
	if err != nil && !errors.Is(err, ErrAlreadyReversed) {
		l.logger.Error().Err(err).
			Str("entry_id", string(entry.ID)).
			Str("fund", key.String()).
			Msg("could not void entry, reconcile will apply its debit")
		return
	}
	if _, err := l.creditLanded(cctx, op, []LedgerEntry{entry}); err != nil {
		l.logger.Error().Err(err).
			Str("entry_id", string(entry.ID)).
			Str("fund", key.String()).
			Msg("entry voided, credit pending reconcile")
	}
}

// =============================================================================
// COMMON (FAN-OUT) EXPENSE
// =============================================================================

// RecordCommonExpense splits TotalAmount evenly across Students and debits
// every student's fund, or none of them.
func (l *Ledger) RecordCommonExpense(ctx context.Context, req CommonExpense) (BatchResult, error) {
	const op = "record_common_expense"
	yearOnly := func() error {
		if req.AcademicYear == "" {
			return fmt.Errorf("%w: academic year is required", ErrInvalidInput)
		}
		return nil
	}
	if err := validateDebit(yearOnly, req.Category, req.TotalAmount, "total_amount"); err != nil {
		return BatchResult{}, err
	}
	students, err := normalizeStudents(req.Students)
	if err != nil {
		return BatchResult{}, err
	}
	shares, err := SplitEven(req.TotalAmount, len(students))
	if err != nil {
		return BatchResult{}, err
	}

	now := l.now()
	batchID := NewBatchID()
	event := CommonExpenseEvent{
		BatchID:      batchID,
		AcademicYear: req.AcademicYear,
		Category:     req.Category,
		TotalAmount:  req.TotalAmount,
		Description:  req.Description,
		Date:         dateOr(req.Date, now),
		RecordedBy:   req.RecordedBy,
		Students:     students,
		Shares:       shares,
	}
	entries := make([]LedgerEntry, len(students))
	for i, s := range students {
		entries[i] = LedgerEntry{
			ID:           NewEntryID(),
			StudentID:    s,
			AcademicYear: req.AcademicYear,
			Category:     req.Category,
			Kind:         KindCommon,
			Amount:       shares[i],
			Description:  req.Description,
			Date:         event.Date,
			RecordedBy:   req.RecordedBy,
			BatchID:      batchID,
			CreatedAt:    now,
		}
	}

	// Funds are opened before anything is journaled; failing here leaves no trace.
	if err := l.openFunds(ctx, op, req.AcademicYear, students); err != nil {
		return BatchResult{}, l.fail(ctx, op, err)
	}
	if _, err := l.journal.AppendBatch(ctx, entries, batchID); err != nil {
		return BatchResult{}, l.fail(ctx, op, storeErr(op, FundKey{AcademicYear: req.AcademicYear}, err))
	}

	changes, applied, err := l.debitAll(ctx, op, entries)
	if err != nil {
		failure := &batchFailure{batchID: batchID, applied: applied, total: len(entries), cause: err}
		l.compensate(ctx, op, failure, entries)
		return BatchResult{}, l.fail(ctx, op, failure.translate(op, req.AcademicYear))
	}

	result := BatchResult{
		BatchID: batchID,
		Event:   event,
		Funds:   make(map[StudentID]FundSnapshot, len(changes)),
	}
	for _, c := range changes {
		result.Funds[c.entry.StudentID] = c.after
	}

	l.invalidateDeficits(req.AcademicYear)
	l.logger.Info().
		Str("batch_id", string(batchID)).
		Str("year", string(req.AcademicYear)).
		Str("category", string(req.Category)).
		Str("total", req.TotalAmount.String()).
		Int("students", len(students)).
		Msg("common expense recorded")

	l.observers.emitBatchRecorded(ctx, result)
	for _, c := range changes {
		l.emitChange(ctx, c)
	}
	return result, nil
}

func (l *Ledger) openFunds(ctx context.Context, op string, year AcademicYear, students []StudentID) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.fanout)
	for _, s := range students {
		g.Go(func() error {
			_, _, err := l.openFund(gctx, op, FundKey{StudentID: s, AcademicYear: year})
			return err
		})
	}
	return g.Wait()
}

func (l *Ledger) debitAll(ctx context.Context, op string, entries []LedgerEntry) ([]balanceChange, int, error) {
	changes := make([]balanceChange, len(entries))
	var applied atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.fanout)
	for i, e := range entries {
		g.Go(func() error {
			c, err := l.applyDelta(gctx, op, e.FundKey(), e.Amount, DeltaRef{EntryID: e.ID, Op: OpDebit})
			if err != nil {
				return err
			}
			c.entry = e
			changes[i] = c
			applied.Add(1)
			return nil
		})
	}
	err := g.Wait()
	return changes, int(applied.Load()), err
}

// compensate rolls a failed batch back to zero applied debits.
func (l *Ledger) compensate(ctx context.Context, op string, failure *batchFailure, entries []LedgerEntry) {
	cctx := context.WithoutCancel(ctx)
	log := l.logger.With().Str("batch_id", string(failure.batchID)).Logger()
	log.Warn().Err(failure).Msg("rolling back partial common expense")

	year := entries[0].AcademicYear
	_, err := withRetry(cctx, l, op, FundKey{AcademicYear: year}, func() ([]LedgerEntry, error) {
		return l.journal.MarkBatchReversed(cctx, failure.batchID)
	})
	if err != nil {
		log.Error().Err(err).Msg("rollback not committed, reconcile will roll the batch forward")
		return
	}
	if _, err := l.creditLanded(cctx, op, entries); err != nil {
		log.Error().Err(err).Msg("rollback committed, credits pending reconcile")
		return
	}
	l.invalidateDeficits(year)
}

// =============================================================================
// REVERSAL
// =============================================================================

// ReverseEntry restores the entry's amount to its fund and marks it reversed.
func (l *Ledger) ReverseEntry(ctx context.Context, id EntryID) (FundSnapshot, error) {
	const op = "reverse_entry"
	if id == "" {
		return FundSnapshot{}, fmt.Errorf("%w: entry id is required", ErrInvalidInput)
	}

	entry, err := l.journal.Get(ctx, id)
	if err != nil {
		return FundSnapshot{}, l.fail(ctx, op, storeErr(op, FundKey{}, err))
	}
	if entry.Reversed {
		return FundSnapshot{}, fmt.Errorf("%w: %s", ErrAlreadyReversed, id)
	}
	key := entry.FundKey()

	changes, err := l.creditLanded(ctx, op, []LedgerEntry{entry})
	if err != nil {
		return FundSnapshot{}, l.fail(ctx, op, err)
	}
	change := changes[0]
	marked, err := withRetry(ctx, l, op, key, func() (LedgerEntry, error) {
		return l.journal.MarkReversed(ctx, id)
	})
	if errors.Is(err, ErrAlreadyReversed) && change.wrote {
		// Our credit landed and Reconcile wrote the mark first.
		marked, err = l.journal.Get(ctx, id)
	}
	if err != nil {
		return FundSnapshot{}, l.fail(ctx, op, err)
	}

	l.invalidateDeficits(key.AcademicYear)
	l.logger.Info().
		Str("entry_id", string(id)).
		Str("fund", key.String()).
		Str("amount", entry.Amount.String()).
		Str("remaining", change.after.RemainingBalance.String()).
		Msg("entry reversed")

	l.observers.emitEntryReversed(ctx, marked, change.after)
	l.emitChange(ctx, change)
	return change.after, nil
}

// ReverseBatch reverses every non-reversed entry of a common expense as one
// unit. Funds are returned in student id order.
func (l *Ledger) ReverseBatch(ctx context.Context, batchID BatchID) ([]FundSnapshot, error) {
	const op = "reverse_batch"
	if batchID == "" {
		return nil, fmt.Errorf("%w: batch id is required", ErrInvalidInput)
	}

	entries, err := l.journal.Batch(ctx, batchID)
	if err != nil {
		return nil, l.fail(ctx, op, storeErr(op, FundKey{}, err))
	}
	yearKey := FundKey{AcademicYear: entries[0].AcademicYear}

	marked, err := withRetry(ctx, l, op, yearKey, func() ([]LedgerEntry, error) {
		return l.journal.MarkBatchReversed(ctx, batchID)
	})
	if err != nil {
		return nil, l.fail(ctx, op, err)
	}
	if len(marked) == 0 {
		// Already reversed. Finish credits an earlier attempt left behind.
		pending, err := l.uncredited(ctx, entries)
		if err != nil {
			return nil, l.fail(ctx, op, err)
		}
		if len(pending) == 0 {
			return nil, fmt.Errorf("%w: batch %s", ErrAlreadyReversed, batchID)
		}
		marked = pending
	}

	changes, err := l.creditLanded(context.WithoutCancel(ctx), op, marked)
	if err != nil {
		l.logger.Error().Err(err).Str("batch_id", string(batchID)).
			Msg("batch reversal committed, credits pending")
		return nil, l.fail(ctx, op, err)
	}

	l.invalidateDeficits(yearKey.AcademicYear)
	l.logger.Info().
		Str("batch_id", string(batchID)).
		Int("entries", len(marked)).
		Msg("batch reversed")

	funds := make([]FundSnapshot, 0, len(changes))
	for _, c := range changes {
		if c.entry.ID == "" {
			continue
		}
		funds = append(funds, c.after)
		l.observers.emitEntryReversed(ctx, c.entry, c.after)
		l.emitChange(ctx, c)
	}
	return funds, nil
}

// creditLanded applies the credit for every entry whose debit reached its
// fund. Entries whose debit never landed are reported with their current
// fund and no write. Results keep the input order.
func (l *Ledger) creditLanded(ctx context.Context, op string, entries []LedgerEntry) ([]balanceChange, error) {
	changes := make([]balanceChange, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.fanout)
	for i, e := range entries {
		g.Go(func() error {
			key := e.FundKey()
			landed, err := l.funds.IsApplied(gctx, DeltaRef{EntryID: e.ID, Op: OpDebit})
			if err != nil {
				return storeErr(op, key, err)
			}
			if !landed {
				f, err := l.funds.Get(gctx, key)
				if IsNotFound(err) {
					return nil
				}
				if err != nil {
					return storeErr(op, key, err)
				}
				changes[i] = balanceChange{entry: e, before: f, after: f}
				return nil
			}
			c, err := l.applyDelta(gctx, op, key, e.Amount.Neg(), DeltaRef{EntryID: e.ID, Op: OpCredit})
			if err != nil {
				return err
			}
			c.entry = e
			changes[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return changes, nil
}

// uncredited returns reversed entries whose debit landed but whose credit did not.
func (l *Ledger) uncredited(ctx context.Context, entries []LedgerEntry) ([]LedgerEntry, error) {
	var pending []LedgerEntry
	for _, e := range entries {
		if !e.Reversed {
			continue
		}
		debit, credit, err := l.deltaState(ctx, e)
		if err != nil {
			return nil, err
		}
		if debit && !credit {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

func (l *Ledger) deltaState(ctx context.Context, e LedgerEntry) (debit, credit bool, err error) {
	debit, err = l.funds.IsApplied(ctx, DeltaRef{EntryID: e.ID, Op: OpDebit})
	if err != nil {
		return false, false, storeErr("delta_state", e.FundKey(), err)
	}
	if !debit {
		return false, false, nil
	}
	credit, err = l.funds.IsApplied(ctx, DeltaRef{EntryID: e.ID, Op: OpCredit})
	if err != nil {
		return false, false, storeErr("delta_state", e.FundKey(), err)
	}
	return debit, credit, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetBalance returns the fund or ErrNotFound. Read-only.
func (l *Ledger) GetBalance(ctx context.Context, key FundKey) (FundSnapshot, error) {
	if err := key.Validate(); err != nil {
		return FundSnapshot{}, err
	}
	f, err := l.funds.Get(ctx, key)
	if err != nil {
		return FundSnapshot{}, storeErr("get_balance", key, err)
	}
	return f, nil
}

// History returns the fund's entries, newest date first, reversed ones included.
func (l *Ledger) History(ctx context.Context, key FundKey) ([]LedgerEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	entries, err := l.journal.History(ctx, key)
	if err != nil {
		return nil, storeErr("history", key, err)
	}
	return entries, nil
}

// GetEntry returns a single journal entry.
func (l *Ledger) GetEntry(ctx context.Context, id EntryID) (LedgerEntry, error) {
	e, err := l.journal.Get(ctx, id)
	if err != nil {
		return LedgerEntry{}, storeErr("get_entry", FundKey{}, err)
	}
	return e, nil
}

// BatchEntries returns the entries of a common expense ordered by student id.
func (l *Ledger) BatchEntries(ctx context.Context, batchID BatchID) ([]LedgerEntry, error) {
	entries, err := l.journal.Batch(ctx, batchID)
	if err != nil {
		return nil, storeErr("batch_entries", FundKey{}, err)
	}
	return entries, nil
}

type deficitScan struct {
	entries  []DeficitEntry
	loadedAt time.Time
}

// ListNegativeBalances returns the students of the year with a negative
// balance, ordered by student id. Scans are cached for the deficit TTL and
// dropped on every write to the year.
func (l *Ledger) ListNegativeBalances(ctx context.Context, year AcademicYear) ([]DeficitEntry, error) {
	if year == "" {
		return nil, fmt.Errorf("%w: academic year is required", ErrInvalidInput)
	}
	now := l.now()
	if l.deficitTTL > 0 {
		if v, ok := l.deficits.Get(string(year)); ok {
			scan := v.(deficitScan)
			if now.Sub(scan.loadedAt) < l.deficitTTL {
				return append([]DeficitEntry(nil), scan.entries...), nil
			}
			l.deficits.Remove(string(year))
		}
	}

	funds, err := l.funds.ListNegative(ctx, year)
	if err != nil {
		return nil, storeErr("list_negative_balances", FundKey{AcademicYear: year}, err)
	}
	out := make([]DeficitEntry, len(funds))
	for i, f := range funds {
		out[i] = DeficitEntry{
			StudentID:        f.StudentID,
			AcademicYear:     f.AcademicYear,
			RemainingBalance: f.RemainingBalance,
			Version:          f.Version,
		}
	}
	if l.deficitTTL > 0 {
		l.deficits.Add(string(year), deficitScan{entries: out, loadedAt: now})
	}
	return append([]DeficitEntry(nil), out...), nil
}

func (l *Ledger) invalidateDeficits(year AcademicYear) {
	l.deficits.Remove(string(year))
}

// =============================================================================
// INTERNALS
// =============================================================================

// balanceChange is one fund write. wrote is false when the delta had
// already been applied by an earlier attempt or by Reconcile.
type balanceChange struct {
	entry  LedgerEntry
	before ExpenseFund
	after  ExpenseFund
	wrote  bool
}

// applyDelta re-reads the fund and applies delta under ref until the CAS
// succeeds or attempts run out.
func (l *Ledger) applyDelta(ctx context.Context, op string, key FundKey, delta Money, ref DeltaRef) (balanceChange, error) {
	var before ExpenseFund
	after, err := withRetry(ctx, l, op, key, func() (ExpenseFund, error) {
		cur, _, err := l.funds.GetOrInit(ctx, key, l.policy)
		if err != nil {
			return ExpenseFund{}, err
		}
		before = cur
		return l.funds.ApplyDelta(ctx, key, delta, cur.Version, ref)
	})
	if err != nil {
		return balanceChange{}, err
	}
	wrote := after.Version == before.Version+1 && after.TotalExpenses.Equal(before.TotalExpenses.Add(delta))
	return balanceChange{before: before, after: after, wrote: wrote}, nil
}

func (l *Ledger) emitChange(ctx context.Context, c balanceChange) {
	if c.wrote {
		l.observers.emitTransition(ctx, c.before, c.after, c.entry.ID, l.now())
	}
}

// withRetry runs fn with exponential backoff. Permanent errors stop at once
// and are returned as-is; anything else becomes a *BusyError once the
// attempts (or ctx) run out.
func withRetry[T any](ctx context.Context, l *Ledger, op string, key FundKey, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retryBase
	b.MaxInterval = l.retryMax

	attempts := 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := fn()
		if err != nil && isPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(l.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Debug().Err(err).
				Str("op", op).
				Str("fund", key.String()).
				Int("attempt", attempts).
				Dur("backoff", next).
				Msg("retrying")
		}),
	)
	if err == nil {
		return v, nil
	}

	var zero T
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return zero, perm.Unwrap()
	}
	if isPermanent(err) {
		return zero, err
	}
	var busy *BusyError
	if errors.As(err, &busy) {
		return zero, busy
	}
	return zero, &BusyError{Op: op, Key: key, Attempts: attempts, Last: err}
}

// storeErr translates a store error from a single, unretried call.
func storeErr(op string, key FundKey, err error) error {
	if err == nil || isPermanent(err) {
		return err
	}
	var busy *BusyError
	if errors.As(err, &busy) {
		return busy
	}
	return &BusyError{Op: op, Key: key, Attempts: 1, Last: err}
}

// fail logs and signals exhausted operations before they are returned.
func (l *Ledger) fail(ctx context.Context, op string, err error) error {
	if errors.Is(err, ErrLedgerBusy) {
		l.logger.Warn().Err(err).Str("op", op).Msg("ledger busy")
		l.observers.emitBusy(ctx, op, err)
	}
	return err
}

func (f *batchFailure) translate(op string, year AcademicYear) error {
	var busy *BusyError
	if errors.As(f.cause, &busy) {
		return busy
	}
	if isPermanent(f.cause) {
		return f.cause
	}
	return &BusyError{Op: op, Key: FundKey{AcademicYear: year}, Attempts: 1, Last: f.cause}
}

func validateDebit(validateKey func() error, category Category, amount Money, field string) error {
	if err := validateKey(); err != nil {
		return err
	}
	if !category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, category)
	}
	if !amount.IsPositive() {
		return &AmountError{Field: field, Value: amount}
	}
	return nil
}

// normalizeStudents returns a sorted copy, rejecting empty and duplicate ids.
func normalizeStudents(ids []StudentID) ([]StudentID, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one student is required", ErrInvalidInput)
	}
	out := make([]StudentID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	for i, id := range out {
		if id == "" {
			return nil, fmt.Errorf("%w: empty student id", ErrInvalidInput)
		}
		if i > 0 && out[i-1] == id {
			return nil, fmt.Errorf("%w: duplicate student %s", ErrInvalidInput, id)
		}
	}
	return out, nil
}

func dateOr(d, fallback time.Time) time.Time {
	if d.IsZero() {
		return fallback
	}
	return d
}
