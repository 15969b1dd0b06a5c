/*
store.go - Persistence interfaces for funds and the expense journal

PURPOSE:
  Defines the boundary between the ledger engine and the database. Two
  stores, each atomic only at its own granularity:

    FundStore: one record per (student, academic year), compare-and-swap
    Journal:   append-only entries, all-or-nothing batch insert

  Nothing outside the engine writes to either store. The engine keeps
  them in lockstep.

OPTIMISTIC CONCURRENCY:
  ApplyDelta takes the version the caller read. If the stored version
  differs, the write is refused with ErrConcurrentModification and the
  caller re-reads and tries again. Two simultaneous debits therefore
  never overwrite each other's balance.

APPLIED-DELTA REGISTER:
  Every ApplyDelta names the entry it belongs to (DeltaRef). The store
  records the ref in the same atomic write as the new fund version. A
  repeated ref is a no-op that returns the current fund. This makes
  crash recovery idempotent by entry id:

    journal append ok, crash before ApplyDelta  -> Reconcile applies debit
    credit applied, crash before MarkReversed   -> retry is a no-op credit

  A debit is refused once its entry is marked reversed. A voided entry
  therefore can never have its debit rolled forward later.

APPEND-ONLY CONTRACT:
  Journal has no update or delete. Marking an entry reversed (singly or
  for a whole batch) is the only state change an entry can undergo, and
  it happens at most once.

IMPLEMENTATIONS:
  - fund/store/memory.go: in-memory, for tests and dev
  - store/sqlite: SQLite (go-sqlite3)
  - store/postgres: PostgreSQL (lib/pq)

SEE ALSO:
  - ledger.go: the engine that drives both stores
*/
package fund

import "context"

// =============================================================================
// INIT POLICY - Opaque initial-amount rule supplied by the caller
// =============================================================================

// InitPolicy decides a new fund's initial amount (new admission vs promoted).
// The ledger treats it as opaque.
type InitPolicy interface {
	InitialAmount(ctx context.Context, studentID StudentID, year AcademicYear) (Money, error)
}

// InitPolicyFunc adapts a plain function to InitPolicy.
type InitPolicyFunc func(ctx context.Context, studentID StudentID, year AcademicYear) (Money, error)

func (f InitPolicyFunc) InitialAmount(ctx context.Context, studentID StudentID, year AcademicYear) (Money, error) {
	return f(ctx, studentID, year)
}

// =============================================================================
// FUND STORE
// =============================================================================

// FundStore persists ExpenseFund records with single-key atomicity.
type FundStore interface {
	// Get returns the fund or ErrNotFound.
	Get(ctx context.Context, key FundKey) (ExpenseFund, error)

	// GetOrInit returns the existing fund, or creates it with the amount the
	// policy returns. Concurrent first calls for the same key create exactly
	// one fund. created reports whether this call created it.
	GetOrInit(ctx context.Context, key FundKey, policy InitPolicy) (fund ExpenseFund, created bool, err error)

	// ApplyDelta adds delta to TotalExpenses if the stored version equals
	// expectedVersion, otherwise returns ErrConcurrentModification.
	// A ref that was already applied returns the current fund unchanged.
	// A debit ref whose entry is already reversed fails with
	// ErrAlreadyReversed; the check and the write are one atomic step.
	ApplyDelta(ctx context.Context, key FundKey, delta Money, expectedVersion int64, ref DeltaRef) (ExpenseFund, error)

	// IsApplied reports whether ref was applied to some fund.
	IsApplied(ctx context.Context, ref DeltaRef) (bool, error)

	// ListByYear returns every fund of the year ordered by student id.
	ListByYear(ctx context.Context, year AcademicYear) ([]ExpenseFund, error)

	// ListNegative returns the funds of the year whose balance is below zero,
	// ordered by student id.
	ListNegative(ctx context.Context, year AcademicYear) ([]ExpenseFund, error)
}

// =============================================================================
// JOURNAL
// =============================================================================

// Journal is the append-only history of debits.
type Journal interface {
	// Append inserts a single entry. Fails with ErrDuplicateEntry if the id exists.
	Append(ctx context.Context, entry LedgerEntry) (EntryID, error)

	// AppendBatch inserts all entries with the batch id, or none of them.
	AppendBatch(ctx context.Context, entries []LedgerEntry, batchID BatchID) ([]EntryID, error)

	// MarkReversed flips Reversed to true. Fails with ErrAlreadyReversed or
	// ErrNotFound.
	MarkReversed(ctx context.Context, id EntryID) (LedgerEntry, error)

	// MarkBatchReversed flips every non-reversed entry of the batch in one
	// atomic write and returns the entries it flipped. ErrNotFound if the
	// batch does not exist.
	MarkBatchReversed(ctx context.Context, batchID BatchID) ([]LedgerEntry, error)

	// Get returns a single entry or ErrNotFound.
	Get(ctx context.Context, id EntryID) (LedgerEntry, error)

	// History returns a fund's entries, newest date first.
	History(ctx context.Context, key FundKey) ([]LedgerEntry, error)

	// Batch returns the entries of a batch ordered by student id, or ErrNotFound.
	Batch(ctx context.Context, batchID BatchID) ([]LedgerEntry, error)
}

// =============================================================================
// ADMISSIONS - Input to the initial-amount policy
// =============================================================================

// AdmissionRegistry records the academic year each student was admitted in.
// Policies use it to tell a new admission from a promoted student.
type AdmissionRegistry interface {
	SaveAdmission(ctx context.Context, studentID StudentID, year AcademicYear) error

	// AdmissionYear returns ErrNotFound for unknown students.
	AdmissionYear(ctx context.Context, studentID StudentID) (AcademicYear, error)
}
