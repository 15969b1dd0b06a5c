/*
manager.go - Category-bound expense manager over the fund ledger

PURPOSE:
  Wraps the ledger engine with the rules of one expense category. The
  stationary and medical subsystems each hold a Manager and never see the
  engine or a store directly.

    stationary := expense.NewManager(ledger, fund.CategoryStationary)
    medical    := expense.NewManager(ledger, fund.CategoryMedical)

CATEGORY ISOLATION:
  A manager only edits, deletes, and lists entries of its own category.
  Touching another category's entry returns a CategoryMismatchError, which
  unwraps to fund.ErrInvalidInput.

EDIT:
  Journal entries are immutable. Edit reverses the original entry and
  records a replacement with the changed fields. The replacement is
  validated before the reversal, so a bad amount leaves the original
  untouched. If the ledger fails after the reversal, the error says so and
  the original stays reversed.

  A share of a common expense cannot be edited: its replacement would not
  belong to the batch, and reversing the batch later would leave it
  debited. Delete the share or reverse the whole batch instead.

SEE ALSO:
  - fund/ledger.go: the engine this wraps
*/
package expense

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/expense-fund/fund"
)

// Engine is the subset of *fund.Ledger a Manager uses.
type Engine interface {
	RecordIndividualExpense(ctx context.Context, req fund.IndividualExpense) (fund.IndividualResult, error)
	RecordCommonExpense(ctx context.Context, req fund.CommonExpense) (fund.BatchResult, error)
	ReverseEntry(ctx context.Context, id fund.EntryID) (fund.FundSnapshot, error)
	GetEntry(ctx context.Context, id fund.EntryID) (fund.LedgerEntry, error)
	History(ctx context.Context, key fund.FundKey) ([]fund.LedgerEntry, error)
	GetBalance(ctx context.Context, key fund.FundKey) (fund.FundSnapshot, error)
}

// =============================================================================
// ERRORS
// =============================================================================

// CategoryMismatchError is returned when a manager is asked to change an
// entry recorded by another category.
type CategoryMismatchError struct {
	EntryID  fund.EntryID
	Want     fund.Category
	Recorded fund.Category
}

func (e *CategoryMismatchError) Error() string {
	return fmt.Sprintf("expense: entry %s belongs to %s, not %s", e.EntryID, e.Recorded, e.Want)
}

func (e *CategoryMismatchError) Unwrap() error {
	return fund.ErrInvalidInput
}

// BatchShareError is returned when Edit is asked to change one share of a
// common expense.
type BatchShareError struct {
	EntryID fund.EntryID
	BatchID fund.BatchID
}

func (e *BatchShareError) Error() string {
	return fmt.Sprintf("expense: entry %s is a share of common expense %s and cannot be edited", e.EntryID, e.BatchID)
}

func (e *BatchShareError) Unwrap() error {
	return fund.ErrInvalidInput
}

// =============================================================================
// MANAGER
// =============================================================================

// Expense is a single-student expense as entered by the category UI.
type Expense struct {
	StudentID    fund.StudentID
	AcademicYear fund.AcademicYear
	Amount       fund.Money
	Description  string
	Date         time.Time
	RecordedBy   string
}

// CommonExpense is an expense shared by a set of students.
type CommonExpense struct {
	AcademicYear fund.AcademicYear
	TotalAmount  fund.Money
	Description  string
	Date         time.Time
	Students     []fund.StudentID
	RecordedBy   string
}

// Changes are the editable fields of an entry. Empty Description and zero
// Date keep the original values.
type Changes struct {
	Amount      fund.Money
	Description string
	Date        time.Time
	RecordedBy  string
}

// EditResult carries both halves of an edit.
type EditResult struct {
	Reversed    fund.LedgerEntry
	Replacement fund.IndividualResult
}

// Manager records and maintains the expenses of one category.
type Manager struct {
	engine   Engine
	category fund.Category
}

// NewManager panics on an unknown category; managers are wired at startup.
func NewManager(engine Engine, category fund.Category) *Manager {
	if !category.Valid() {
		panic(fmt.Sprintf("expense: unknown category %q", category))
	}
	return &Manager{engine: engine, category: category}
}

func (m *Manager) Category() fund.Category { return m.category }

// Record debits one student's fund.
func (m *Manager) Record(ctx context.Context, e Expense) (fund.IndividualResult, error) {
	return m.engine.RecordIndividualExpense(ctx, fund.IndividualExpense{
		StudentID:    e.StudentID,
		AcademicYear: e.AcademicYear,
		Category:     m.category,
		Amount:       e.Amount,
		Description:  e.Description,
		Date:         e.Date,
		RecordedBy:   e.RecordedBy,
	})
}

// RecordCommon splits the total across the students and debits each share.
func (m *Manager) RecordCommon(ctx context.Context, e CommonExpense) (fund.BatchResult, error) {
	return m.engine.RecordCommonExpense(ctx, fund.CommonExpense{
		AcademicYear: e.AcademicYear,
		Category:     m.category,
		TotalAmount:  e.TotalAmount,
		Description:  e.Description,
		Date:         e.Date,
		Students:     e.Students,
		RecordedBy:   e.RecordedBy,
	})
}

// Edit replaces an individual entry: reverse the original, record the
// replacement on the same fund. Shares of a common expense are refused
// with a BatchShareError.
func (m *Manager) Edit(ctx context.Context, id fund.EntryID, c Changes) (EditResult, error) {
	if !c.Amount.IsPositive() {
		return EditResult{}, &fund.AmountError{Field: "amount", Value: c.Amount}
	}
	original, err := m.owned(ctx, id)
	if err != nil {
		return EditResult{}, err
	}
	if original.Reversed {
		return EditResult{}, fmt.Errorf("expense: edit %s: %w", id, fund.ErrAlreadyReversed)
	}
	if original.BatchID != "" {
		return EditResult{}, &BatchShareError{EntryID: id, BatchID: original.BatchID}
	}

	if _, err := m.engine.ReverseEntry(ctx, id); err != nil {
		return EditResult{}, err
	}
	original.Reversed = true

	replacement := Expense{
		StudentID:    original.StudentID,
		AcademicYear: original.AcademicYear,
		Amount:       c.Amount,
		Description:  original.Description,
		Date:         original.Date,
		RecordedBy:   original.RecordedBy,
	}
	if c.Description != "" {
		replacement.Description = c.Description
	}
	if !c.Date.IsZero() {
		replacement.Date = c.Date
	}
	if c.RecordedBy != "" {
		replacement.RecordedBy = c.RecordedBy
	}

	res, err := m.Record(ctx, replacement)
	if err != nil {
		return EditResult{Reversed: original}, fmt.Errorf("expense: entry %s reversed but replacement failed: %w", id, err)
	}
	return EditResult{Reversed: original, Replacement: res}, nil
}

// Delete reverses an entry of this category.
func (m *Manager) Delete(ctx context.Context, id fund.EntryID) (fund.FundSnapshot, error) {
	if _, err := m.owned(ctx, id); err != nil {
		return fund.FundSnapshot{}, err
	}
	return m.engine.ReverseEntry(ctx, id)
}

// History returns this category's entries for a fund, newest first.
// Reversed entries are included and flagged.
func (m *Manager) History(ctx context.Context, key fund.FundKey) ([]fund.LedgerEntry, error) {
	entries, err := m.engine.History(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]fund.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if e.Category == m.category {
			out = append(out, e)
		}
	}
	return out, nil
}

// Balance returns the fund as all categories see it.
func (m *Manager) Balance(ctx context.Context, key fund.FundKey) (fund.FundSnapshot, error) {
	return m.engine.GetBalance(ctx, key)
}

// Spent sums this category's non-reversed entries for a fund.
func (m *Manager) Spent(ctx context.Context, key fund.FundKey) (fund.Money, error) {
	entries, err := m.History(ctx, key)
	if err != nil {
		return fund.Zero, err
	}
	total := fund.Zero
	for _, e := range entries {
		if !e.Reversed {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (m *Manager) owned(ctx context.Context, id fund.EntryID) (fund.LedgerEntry, error) {
	entry, err := m.engine.GetEntry(ctx, id)
	if err != nil {
		return fund.LedgerEntry{}, err
	}
	if entry.Category != m.category {
		return fund.LedgerEntry{}, &CategoryMismatchError{EntryID: id, Want: m.category, Recorded: entry.Category}
	}
	return entry, nil
}

// IsCategoryMismatch reports whether err is a CategoryMismatchError.
func IsCategoryMismatch(err error) bool {
	var target *CategoryMismatchError
	return errors.As(err, &target)
}
