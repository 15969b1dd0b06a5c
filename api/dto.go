/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API, decoupled from the fund types so fields
  can be renamed without touching the engine.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND DATES:
  Amounts are decimal strings ("1200.00"); requests also accept bare
  numbers. Expense dates are calendar days ("2025-09-15"); timestamps are
  RFC 3339.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/expense-fund/billing"
	"github.com/warp/expense-fund/fund"
)

const dateLayout = "2006-01-02"

// =============================================================================
// FUNDS
// =============================================================================

// FundDTO is a fund snapshot. Clients re-render from it after every write.
type FundDTO struct {
	StudentID        string     `json:"student_id"`
	AcademicYear     string     `json:"academic_year"`
	InitialAmount    fund.Money `json:"initial_amount"`
	TotalExpenses    fund.Money `json:"total_expenses"`
	RemainingBalance fund.Money `json:"remaining_balance"`
	IsNegative       bool       `json:"is_negative"`
	Version          int64      `json:"version"`
	UpdatedAt        string     `json:"updated_at"`
}

// OpenFundDTO is returned by the open endpoint.
type OpenFundDTO struct {
	Fund    FundDTO `json:"fund"`
	Created bool    `json:"created"`
}

// DeficitDTO is one student's outstanding deficit.
type DeficitDTO struct {
	StudentID    string     `json:"student_id"`
	AcademicYear string     `json:"academic_year"`
	Deficit      fund.Money `json:"deficit"`
}

// =============================================================================
// ENTRIES
// =============================================================================

// EntryDTO is one journal entry.
type EntryDTO struct {
	ID           string     `json:"id"`
	StudentID    string     `json:"student_id"`
	AcademicYear string     `json:"academic_year"`
	Category     string     `json:"category"`
	Kind         string     `json:"kind"`
	Amount       fund.Money `json:"amount"`
	Description  string     `json:"description"`
	Date         string     `json:"date"`
	RecordedBy   string     `json:"recorded_by,omitempty"`
	BatchID      string     `json:"batch_id,omitempty"`
	Reversed     bool       `json:"reversed"`
	ReversedAt   *string    `json:"reversed_at,omitempty"`
	CreatedAt    string     `json:"created_at"`
}

// RecordExpenseRequest is the body of POST /api/{category}/expenses.
type RecordExpenseRequest struct {
	StudentID    string     `json:"student_id"`
	AcademicYear string     `json:"academic_year"`
	Amount       fund.Money `json:"amount"`
	Description  string     `json:"description"`
	Date         string     `json:"date,omitempty"`
	RecordedBy   string     `json:"recorded_by,omitempty"`
}

// RecordExpenseDTO is the result of an individual expense.
type RecordExpenseDTO struct {
	EntryID string  `json:"entry_id"`
	Fund    FundDTO `json:"fund"`
}

// CommonExpenseRequest is the body of POST /api/{category}/expenses/common.
type CommonExpenseRequest struct {
	AcademicYear string     `json:"academic_year"`
	TotalAmount  fund.Money `json:"total_amount"`
	Description  string     `json:"description"`
	Date         string     `json:"date,omitempty"`
	StudentIDs   []string   `json:"student_ids"`
	RecordedBy   string     `json:"recorded_by,omitempty"`
}

// ShareDTO is one student's part of a common expense.
type ShareDTO struct {
	StudentID string     `json:"student_id"`
	Share     fund.Money `json:"share"`
	Fund      *FundDTO   `json:"fund,omitempty"`
}

// BatchDTO is the result of a common expense.
type BatchDTO struct {
	BatchID      string     `json:"batch_id"`
	AcademicYear string     `json:"academic_year"`
	Category     string     `json:"category"`
	TotalAmount  fund.Money `json:"total_amount"`
	Description  string     `json:"description"`
	Date         string     `json:"date"`
	Shares       []ShareDTO `json:"shares"`
}

// EditExpenseRequest is the body of PUT /api/{category}/expenses/{id}.
type EditExpenseRequest struct {
	Amount      fund.Money `json:"amount"`
	Description string     `json:"description,omitempty"`
	Date        string     `json:"date,omitempty"`
	RecordedBy  string     `json:"recorded_by,omitempty"`
}

// EditExpenseDTO is the result of an edit.
type EditExpenseDTO struct {
	ReversedEntryID string  `json:"reversed_entry_id"`
	EntryID         string  `json:"entry_id"`
	Fund            FundDTO `json:"fund"`
}

// =============================================================================
// BILLING / ADMIN
// =============================================================================

// AlertDTO is a pending "due in fees" alert.
type AlertDTO struct {
	Kind         string     `json:"kind"`
	StudentID    string     `json:"student_id"`
	AcademicYear string     `json:"academic_year"`
	Deficit      fund.Money `json:"deficit"`
	EntryID      string     `json:"entry_id,omitempty"`
	FundVersion  int64      `json:"fund_version"`
	At           string     `json:"at,omitempty"`
}

// AdmissionRequest records the year a student was admitted.
type AdmissionRequest struct {
	StudentID    string `json:"student_id"`
	AcademicYear string `json:"academic_year"`
}

// ReconcileRequest is the body of POST /api/admin/reconcile.
type ReconcileRequest struct {
	AcademicYear string `json:"academic_year"`
}

// ReconcileReportDTO summarizes a reconcile pass.
type ReconcileReportDTO struct {
	AcademicYear       string   `json:"academic_year"`
	FundsScanned       int      `json:"funds_scanned"`
	EntriesScanned     int      `json:"entries_scanned"`
	DebitsApplied      int      `json:"debits_applied"`
	CreditsApplied     int      `json:"credits_applied"`
	ReversalsCompleted int      `json:"reversals_completed"`
	Deferred           int      `json:"deferred"`
	Unsettled          int      `json:"unsettled"`
	Mismatches         []string `json:"mismatches"`
	StartedAt          string   `json:"started_at"`
	FinishedAt         string   `json:"finished_at"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toFundDTO(f fund.FundSnapshot) FundDTO {
	return FundDTO{
		StudentID:        string(f.StudentID),
		AcademicYear:     string(f.AcademicYear),
		InitialAmount:    f.InitialAmount,
		TotalExpenses:    f.TotalExpenses,
		RemainingBalance: f.RemainingBalance,
		IsNegative:       f.IsNegative,
		Version:          f.Version,
		UpdatedAt:        f.UpdatedAt.Format(time.RFC3339),
	}
}

func toEntryDTO(e fund.LedgerEntry) EntryDTO {
	dto := EntryDTO{
		ID:           string(e.ID),
		StudentID:    string(e.StudentID),
		AcademicYear: string(e.AcademicYear),
		Category:     string(e.Category),
		Kind:         string(e.Kind),
		Amount:       e.Amount,
		Description:  e.Description,
		Date:         e.Date.Format(dateLayout),
		RecordedBy:   e.RecordedBy,
		BatchID:      string(e.BatchID),
		Reversed:     e.Reversed,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
	}
	if e.ReversedAt != nil {
		s := e.ReversedAt.Format(time.RFC3339)
		dto.ReversedAt = &s
	}
	return dto
}

func toEntryDTOs(entries []fund.LedgerEntry) []EntryDTO {
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = toEntryDTO(e)
	}
	return out
}

func toBatchDTO(r fund.BatchResult) BatchDTO {
	ev := r.Event
	dto := BatchDTO{
		BatchID:      string(r.BatchID),
		AcademicYear: string(ev.AcademicYear),
		Category:     string(ev.Category),
		TotalAmount:  ev.TotalAmount,
		Description:  ev.Description,
		Date:         ev.Date.Format(dateLayout),
		Shares:       make([]ShareDTO, len(ev.Students)),
	}
	for i, s := range ev.Students {
		share := ShareDTO{StudentID: string(s), Share: ev.Shares[i]}
		if f, ok := r.Funds[s]; ok {
			fd := toFundDTO(f)
			share.Fund = &fd
		}
		dto.Shares[i] = share
	}
	return dto
}

func toAlertDTO(a billing.Alert) AlertDTO {
	dto := AlertDTO{
		Kind:         string(a.Kind),
		StudentID:    string(a.StudentID),
		AcademicYear: string(a.AcademicYear),
		Deficit:      a.Deficit,
		EntryID:      string(a.EntryID),
		FundVersion:  a.FundVersion,
	}
	if !a.At.IsZero() {
		dto.At = a.At.Format(time.RFC3339)
	}
	return dto
}

func toReconcileReportDTO(r fund.ReconcileReport) ReconcileReportDTO {
	dto := ReconcileReportDTO{
		AcademicYear:       string(r.AcademicYear),
		FundsScanned:       r.FundsScanned,
		EntriesScanned:     r.EntriesScanned,
		DebitsApplied:      r.DebitsApplied,
		CreditsApplied:     r.CreditsApplied,
		ReversalsCompleted: r.ReversalsCompleted,
		Deferred:           r.Deferred,
		Unsettled:          r.Unsettled,
		Mismatches:         make([]string, len(r.Mismatches)),
		StartedAt:          r.StartedAt.Format(time.RFC3339),
		FinishedAt:         r.FinishedAt.Format(time.RFC3339),
	}
	for i, k := range r.Mismatches {
		dto.Mismatches[i] = string(k.StudentID)
	}
	return dto
}
