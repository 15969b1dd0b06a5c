/*
Package fund provides the per-student expense fund ledger.

PURPOSE:
  A student's expense fund is a prepaid balance for one academic year that
  is drawn down by stationary and medical expenses, both individually and
  through class-wide common expenses. This package owns the data model, the
  balance-update algorithm, and the consistency contract between the fund
  record and its journal of entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - ExpenseFund: one balance record per (student, academic year)
  - LedgerEntry: one immutable journal line per debit
  - CommonExpenseEvent: one class-wide action expanded into a batch of entries
  - DeltaRef: identifies a single balance change so it can be applied once

INVARIANTS:
  - RemainingBalance == InitialAmount - sum(non-reversed entry amounts)
  - IsNegative == (RemainingBalance < 0), recomputed on every write
  - every non-reversed entry has its debit reflected in the fund, and
    every fund change has a journal entry
  - a common expense applies to all of its students or to none
  - a reversal restores exactly the entry amount, at most once

  The first two are enforced in exactly one place: ExpenseFund.WithDelta.
  Every store implementation builds the new fund version through it.

SEE ALSO:
  - store.go: FundStore and Journal persistence interfaces
  - ledger.go: the Ledger engine, the only writer
  - errors.go: error taxonomy
*/
package fund

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StudentID string

// AcademicYear labels a school year, e.g. "2025-2026".
type AcademicYear string

type EntryID string
type BatchID string

// FundKey is the composite identity of an ExpenseFund.
type FundKey struct {
	StudentID    StudentID
	AcademicYear AcademicYear
}

func (k FundKey) String() string {
	return fmt.Sprintf("%s/%s", k.AcademicYear, k.StudentID)
}

// Validate rejects keys with an empty component.
func (k FundKey) Validate() error {
	if k.StudentID == "" {
		return fmt.Errorf("%w: student id is required", ErrInvalidInput)
	}
	if k.AcademicYear == "" {
		return fmt.Errorf("%w: academic year is required", ErrInvalidInput)
	}
	return nil
}

// =============================================================================
// CATEGORY / KIND
// =============================================================================

// Category is the subsystem that incurred an expense.
type Category string

const (
	CategoryMedical    Category = "medical"
	CategoryStationary Category = "stationary"
)

// Categories lists every valid category.
var Categories = []Category{CategoryMedical, CategoryStationary}

func (c Category) Valid() bool {
	return c == CategoryMedical || c == CategoryStationary
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidInput, s)
	}
	return c, nil
}

// EntryKind distinguishes single-student debits from fan-out shares.
type EntryKind string

const (
	KindIndividual EntryKind = "individual"
	KindCommon     EntryKind = "common"
)

// =============================================================================
// EXPENSE FUND - Aggregate root
// =============================================================================

// ExpenseFund is a student's prepaid balance for one academic year.
// RemainingBalance and IsNegative are derived but persisted for fast reads.
type ExpenseFund struct {
	StudentID        StudentID
	AcademicYear     AcademicYear
	InitialAmount    Money
	TotalExpenses    Money
	RemainingBalance Money
	IsNegative       bool

	// Version increments on every write; stores use it for compare-and-swap.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FundSnapshot is the value returned to callers after every operation.
// Callers render from it instead of predicting the new balance.
type FundSnapshot = ExpenseFund

func (f ExpenseFund) Key() FundKey {
	return FundKey{StudentID: f.StudentID, AcademicYear: f.AcademicYear}
}

// NewExpenseFund creates version 1 of a fund with nothing spent.
func NewExpenseFund(key FundKey, initial Money, now time.Time) ExpenseFund {
	return ExpenseFund{
		StudentID:        key.StudentID,
		AcademicYear:     key.AcademicYear,
		InitialAmount:    initial,
		TotalExpenses:    Zero,
		RemainingBalance: initial,
		IsNegative:       initial.IsNegative(),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// WithDelta returns the next version of the fund with delta added to
// TotalExpenses (positive for a debit, negative for a reversal).
func (f ExpenseFund) WithDelta(delta Money, now time.Time) ExpenseFund {
	next := f
	next.TotalExpenses = f.TotalExpenses.Add(delta)
	next.RemainingBalance = f.InitialAmount.Sub(next.TotalExpenses)
	next.IsNegative = next.RemainingBalance.IsNegative()
	next.Version = f.Version + 1
	next.UpdatedAt = now
	return next
}

// Deficit is the amount owed beyond the prepaid pool; zero when non-negative.
func (f ExpenseFund) Deficit() Money {
	if !f.IsNegative {
		return Zero
	}
	return f.RemainingBalance.Neg()
}

// =============================================================================
// LEDGER ENTRY - Immutable journal line
// =============================================================================

// LedgerEntry records one debit against one fund.
// Entries are never edited. Reversed is set only by Journal.MarkReversed.
type LedgerEntry struct {
	ID           EntryID
	StudentID    StudentID
	AcademicYear AcademicYear
	Category     Category
	Kind         EntryKind
	Amount       Money
	Description  string
	Date         time.Time
	RecordedBy   string

	// BatchID is set for KindCommon entries only.
	BatchID BatchID

	Reversed   bool
	ReversedAt *time.Time
	CreatedAt  time.Time
}

func (e LedgerEntry) FundKey() FundKey {
	return FundKey{StudentID: e.StudentID, AcademicYear: e.AcademicYear}
}

// =============================================================================
// COMMON EXPENSE - Fan-out event
// =============================================================================

// CommonExpenseEvent is one administrative action that debits a share from
// every affected student. It expands into one LedgerEntry per student.
type CommonExpenseEvent struct {
	BatchID      BatchID
	AcademicYear AcademicYear
	Category     Category
	TotalAmount  Money
	Description  string
	Date         time.Time
	RecordedBy   string

	// Students is sorted; Shares[i] belongs to Students[i].
	Students []StudentID
	Shares   []Money
}

// ShareFor returns the share assigned to a student.
func (e CommonExpenseEvent) ShareFor(id StudentID) (Money, bool) {
	for i, s := range e.Students {
		if s == id {
			return e.Shares[i], true
		}
	}
	return Zero, false
}

// =============================================================================
// DELTA REFERENCE - Idempotency key for balance changes
// =============================================================================

// DeltaOp says whether a delta debits or credits the fund.
type DeltaOp string

const (
	OpDebit  DeltaOp = "debit"
	OpCredit DeltaOp = "credit"
)

// DeltaRef ties a fund balance change to the entry that caused it.
// A store applies each (EntryID, Op) pair at most once.
type DeltaRef struct {
	EntryID EntryID
	Op      DeltaOp
}

func (r DeltaRef) String() string {
	return fmt.Sprintf("%s:%s", r.EntryID, r.Op)
}

// =============================================================================
// REQUESTS / RESULTS
// =============================================================================

// IndividualExpense is the input to RecordIndividualExpense.
type IndividualExpense struct {
	StudentID    StudentID
	AcademicYear AcademicYear
	Category     Category
	Amount       Money
	Description  string
	Date         time.Time
	RecordedBy   string
}

// CommonExpense is the input to RecordCommonExpense.
type CommonExpense struct {
	AcademicYear AcademicYear
	Category     Category
	TotalAmount  Money
	Description  string
	Date         time.Time
	Students     []StudentID
	RecordedBy   string
}

// IndividualResult is returned by RecordIndividualExpense.
type IndividualResult struct {
	EntryID EntryID
	Fund    FundSnapshot
}

// BatchResult is returned by RecordCommonExpense.
type BatchResult struct {
	BatchID BatchID
	Event   CommonExpenseEvent
	Funds   map[StudentID]FundSnapshot
}

// PerStudentShare returns the share for a student in this batch.
func (r BatchResult) PerStudentShare(id StudentID) Money {
	share, _ := r.Event.ShareFor(id)
	return share
}

// DeficitEntry is one row of ListNegativeBalances.
type DeficitEntry struct {
	StudentID        StudentID
	AcademicYear     AcademicYear
	RemainingBalance Money
	Version          int64
}
