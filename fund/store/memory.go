// Package store provides in-memory implementations of the fund stores.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/expense-fund/fund"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory bundles the three in-memory stores a Ledger needs.
type Memory struct {
	Funds      *Funds
	Journal    *Journal
	Admissions *Admissions
}

// NewMemory links Funds to Journal so a debit for a reversed entry is refused.
func NewMemory() *Memory {
	journal := NewJournal()
	funds := NewFunds()
	funds.journal = journal
	return &Memory{
		Funds:      funds,
		Journal:    journal,
		Admissions: NewAdmissions(),
	}
}

func utcNow() time.Time { return time.Now().UTC() }

// =============================================================================
// FUNDS
// =============================================================================

// Funds implements fund.FundStore.
type Funds struct {
	mu      sync.RWMutex
	funds   map[fund.FundKey]fund.ExpenseFund
	applied map[fund.DeltaRef]bool

	// journal, when set, is consulted under mu before a debit is applied.
	journal *Journal
}

func NewFunds() *Funds {
	return &Funds{
		funds:   make(map[fund.FundKey]fund.ExpenseFund),
		applied: make(map[fund.DeltaRef]bool),
	}
}

func (s *Funds) Get(_ context.Context, key fund.FundKey) (fund.ExpenseFund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.funds[key]
	if !ok {
		return fund.ExpenseFund{}, fmt.Errorf("%w: fund %s", fund.ErrNotFound, key)
	}
	return f, nil
}

// GetOrInit calls the policy without holding the lock; policies may do I/O.
func (s *Funds) GetOrInit(ctx context.Context, key fund.FundKey, policy fund.InitPolicy) (fund.ExpenseFund, bool, error) {
	s.mu.RLock()
	f, ok := s.funds[key]
	s.mu.RUnlock()
	if ok {
		return f, false, nil
	}

	initial, err := policy.InitialAmount(ctx, key.StudentID, key.AcademicYear)
	if err != nil {
		return fund.ExpenseFund{}, false, fmt.Errorf("init policy for %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.funds[key]; ok {
		return f, false, nil
	}
	f = fund.NewExpenseFund(key, initial, utcNow())
	s.funds[key] = f
	return f, true, nil
}

func (s *Funds) ApplyDelta(_ context.Context, key fund.FundKey, delta fund.Money, expectedVersion int64, ref fund.DeltaRef) (fund.ExpenseFund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.funds[key]
	if !ok {
		return fund.ExpenseFund{}, fmt.Errorf("%w: fund %s", fund.ErrNotFound, key)
	}
	if s.applied[ref] {
		return cur, nil
	}
	if ref.Op == fund.OpDebit && s.journal != nil && s.journal.isReversed(ref.EntryID) {
		return fund.ExpenseFund{}, fmt.Errorf("%w: debit for %s", fund.ErrAlreadyReversed, ref.EntryID)
	}
	if cur.Version != expectedVersion {
		return fund.ExpenseFund{}, fund.ErrConcurrentModification
	}

	next := cur.WithDelta(delta, utcNow())
	s.funds[key] = next
	s.applied[ref] = true
	return next, nil
}

func (s *Funds) IsApplied(_ context.Context, ref fund.DeltaRef) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied[ref], nil
}

func (s *Funds) ListByYear(_ context.Context, year fund.AcademicYear) ([]fund.ExpenseFund, error) {
	return s.list(year, func(fund.ExpenseFund) bool { return true }), nil
}

func (s *Funds) ListNegative(_ context.Context, year fund.AcademicYear) ([]fund.ExpenseFund, error) {
	return s.list(year, func(f fund.ExpenseFund) bool { return f.IsNegative }), nil
}

func (s *Funds) list(year fund.AcademicYear, keep func(fund.ExpenseFund) bool) []fund.ExpenseFund {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []fund.ExpenseFund
	for k, f := range s.funds {
		if k.AcademicYear == year && keep(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}

// =============================================================================
// JOURNAL
// =============================================================================

// Journal implements fund.Journal.
type Journal struct {
	mu      sync.RWMutex
	entries map[fund.EntryID]fund.LedgerEntry
	byFund  map[fund.FundKey][]fund.EntryID
	batches map[fund.BatchID][]fund.EntryID
}

func NewJournal() *Journal {
	return &Journal{
		entries: make(map[fund.EntryID]fund.LedgerEntry),
		byFund:  make(map[fund.FundKey][]fund.EntryID),
		batches: make(map[fund.BatchID][]fund.EntryID),
	}
}

// Append adds a single entry. Append-only.
func (j *Journal) Append(_ context.Context, entry fund.LedgerEntry) (fund.EntryID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, exists := j.entries[entry.ID]; exists {
		return "", fmt.Errorf("%w: %s", fund.ErrDuplicateEntry, entry.ID)
	}
	j.appendLocked(entry)
	return entry.ID, nil
}

// AppendBatch adds all entries atomically.
func (j *Journal) AppendBatch(_ context.Context, entries []fund.LedgerEntry, batchID fund.BatchID) ([]fund.EntryID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	// Check everything first so a failure writes nothing
	seen := make(map[fund.EntryID]bool, len(entries))
	for _, e := range entries {
		if _, exists := j.entries[e.ID]; exists || seen[e.ID] {
			return nil, fmt.Errorf("%w: %s", fund.ErrDuplicateEntry, e.ID)
		}
		seen[e.ID] = true
	}

	ids := make([]fund.EntryID, len(entries))
	for i, e := range entries {
		e.BatchID = batchID
		j.appendLocked(e)
		j.batches[batchID] = append(j.batches[batchID], e.ID)
		ids[i] = e.ID
	}
	return ids, nil
}

func (j *Journal) appendLocked(e fund.LedgerEntry) {
	j.entries[e.ID] = e
	k := e.FundKey()
	j.byFund[k] = append(j.byFund[k], e.ID)
}

func (j *Journal) MarkReversed(_ context.Context, id fund.EntryID) (fund.LedgerEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, ok := j.entries[id]
	if !ok {
		return fund.LedgerEntry{}, fmt.Errorf("%w: entry %s", fund.ErrNotFound, id)
	}
	if e.Reversed {
		return fund.LedgerEntry{}, fmt.Errorf("%w: %s", fund.ErrAlreadyReversed, id)
	}
	return j.reverseLocked(e), nil
}

func (j *Journal) MarkBatchReversed(_ context.Context, batchID fund.BatchID) ([]fund.LedgerEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ids, ok := j.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", fund.ErrNotFound, batchID)
	}
	var flipped []fund.LedgerEntry
	for _, id := range ids {
		if e := j.entries[id]; !e.Reversed {
			flipped = append(flipped, j.reverseLocked(e))
		}
	}
	sortByStudent(flipped)
	return flipped, nil
}

func (j *Journal) isReversed(id fund.EntryID) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.entries[id].Reversed
}

func (j *Journal) reverseLocked(e fund.LedgerEntry) fund.LedgerEntry {
	at := utcNow()
	e.Reversed = true
	e.ReversedAt = &at
	j.entries[e.ID] = e
	return e
}

func (j *Journal) Get(_ context.Context, id fund.EntryID) (fund.LedgerEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.entries[id]
	if !ok {
		return fund.LedgerEntry{}, fmt.Errorf("%w: entry %s", fund.ErrNotFound, id)
	}
	return e, nil
}

// History returns entries newest date first; ties break on id, newest first.
func (j *Journal) History(_ context.Context, key fund.FundKey) ([]fund.LedgerEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	ids := j.byFund[key]
	out := make([]fund.LedgerEntry, len(ids))
	for i, id := range ids {
		out[i] = j.entries[id]
	}
	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].Date.Equal(out[b].Date) {
			return out[a].Date.After(out[b].Date)
		}
		return out[a].ID > out[b].ID
	})
	return out, nil
}

func (j *Journal) Batch(_ context.Context, batchID fund.BatchID) ([]fund.LedgerEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	ids, ok := j.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", fund.ErrNotFound, batchID)
	}
	out := make([]fund.LedgerEntry, len(ids))
	for i, id := range ids {
		out[i] = j.entries[id]
	}
	sortByStudent(out)
	return out, nil
}

func sortByStudent(entries []fund.LedgerEntry) {
	sort.Slice(entries, func(a, b int) bool { return entries[a].StudentID < entries[b].StudentID })
}

// =============================================================================
// ADMISSIONS
// =============================================================================

// Admissions implements fund.AdmissionRegistry.
type Admissions struct {
	mu    sync.RWMutex
	years map[fund.StudentID]fund.AcademicYear
}

func NewAdmissions() *Admissions {
	return &Admissions{years: make(map[fund.StudentID]fund.AcademicYear)}
}

// SaveAdmission records (or corrects) a student's admission year.
func (a *Admissions) SaveAdmission(_ context.Context, studentID fund.StudentID, year fund.AcademicYear) error {
	if studentID == "" || year == "" {
		return fmt.Errorf("%w: student id and admission year are required", fund.ErrInvalidInput)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.years[studentID] = year
	return nil
}

func (a *Admissions) AdmissionYear(_ context.Context, studentID fund.StudentID) (fund.AcademicYear, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	y, ok := a.years[studentID]
	if !ok {
		return "", fmt.Errorf("%w: admission for %s", fund.ErrNotFound, studentID)
	}
	return y, nil
}
