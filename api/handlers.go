/*
handlers.go - HTTP API handlers for the expense fund ledger

PURPOSE:
  Exposes the ledger engine, the category managers, and the billing bridge
  over REST. Handlers parse, call one domain operation, and render the
  returned snapshot. They never compute balances themselves.

ENDPOINTS:
  Funds:
    POST   /api/funds/{year}/{student}/open     Open (or fetch) a fund
    GET    /api/funds/{year}/{student}          Current balance
    GET    /api/funds/{year}/{student}/entries  History (?category=)
    GET    /api/funds/{year}/{student}/deficit  Outstanding deficit

  Expenses (category = stationary | medical):
    POST   /api/{category}/expenses             Individual expense
    POST   /api/{category}/expenses/common      Common (fan-out) expense
    PUT    /api/{category}/expenses/{id}        Edit (reverse + record)
    DELETE /api/{category}/expenses/{id}        Delete (reverse)

  Entries and batches:
    POST   /api/entries/{id}/reverse
    GET    /api/batches/{id}
    POST   /api/batches/{id}/reverse

  Billing:
    GET    /api/years/{year}/deficits           Negative funds of a year
    GET    /api/billing/alerts                  Pending alerts (?year=)

  Admin:
    POST   /api/admissions                      Record an admission year
    POST   /api/admin/reconcile                 Run reconcile for a year

ERROR HANDLING:
  - 400: invalid amount or input, category mismatch
  - 404: fund, entry, or batch not found
  - 409: entry already reversed
  - 503: ledger busy (Retry-After set); re-read the balance before retrying
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/expense-fund/billing"
	"github.com/warp/expense-fund/expense"
	"github.com/warp/expense-fund/fund"
	"github.com/warp/expense-fund/logger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *fund.Ledger
	Admissions fund.AdmissionRegistry
	Bridge     *billing.Bridge
	Managers   map[fund.Category]*expense.Manager

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// OnReconcile, when set, sees every report from the admin endpoint.
	OnReconcile func(fund.ReconcileReport)
}

// NewHandler creates a handler with one manager per category.
func NewHandler(ledger *fund.Ledger, admissions fund.AdmissionRegistry, bridge *billing.Bridge) *Handler {
	managers := make(map[fund.Category]*expense.Manager, len(fund.Categories))
	for _, c := range fund.Categories {
		managers[c] = expense.NewManager(ledger, c)
	}
	return &Handler{
		Ledger:     ledger,
		Admissions: admissions,
		Bridge:     bridge,
		Managers:   managers,
	}
}

// =============================================================================
// FUND HANDLERS
// =============================================================================

// OpenFund creates the fund from the init policy if it does not exist.
// POST /api/funds/{year}/{student}/open
func (h *Handler) OpenFund(w http.ResponseWriter, r *http.Request) {
	snap, created, err := h.Ledger.OpenFund(r.Context(), fundKey(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, OpenFundDTO{Fund: toFundDTO(snap), Created: created})
}

// GetFund returns the current balance.
// GET /api/funds/{year}/{student}
func (h *Handler) GetFund(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Ledger.GetBalance(r.Context(), fundKey(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFundDTO(snap))
}

// GetEntries returns the fund history, newest first.
// GET /api/funds/{year}/{student}/entries?category=medical
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	key := fundKey(r)
	var (
		entries []fund.LedgerEntry
		err     error
	)
	if c := r.URL.Query().Get("category"); c != "" {
		m, ok := h.manager(w, r, c)
		if !ok {
			return
		}
		entries, err = m.History(r.Context(), key)
	} else {
		entries, err = h.Ledger.History(r.Context(), key)
	}
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// GetDeficit returns max(0, -remaining); zero for an unknown fund.
// GET /api/funds/{year}/{student}/deficit
func (h *Handler) GetDeficit(w http.ResponseWriter, r *http.Request) {
	key := fundKey(r)
	deficit, err := h.Bridge.GetOutstandingDeficit(r.Context(), key)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeficitDTO{
		StudentID:    string(key.StudentID),
		AcademicYear: string(key.AcademicYear),
		Deficit:      deficit,
	})
}

// =============================================================================
// EXPENSE HANDLERS
// =============================================================================

// RecordExpense records an individual expense.
// POST /api/{category}/expenses
func (h *Handler) RecordExpense(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r, chi.URLParam(r, "category"))
	if !ok {
		return
	}
	var req RecordExpenseRequest
	if !decode(w, r, &req) {
		return
	}
	date, ok := parseDate(w, req.Date)
	if !ok {
		return
	}

	res, err := m.Record(r.Context(), expense.Expense{
		StudentID:    fund.StudentID(req.StudentID),
		AcademicYear: fund.AcademicYear(req.AcademicYear),
		Amount:       req.Amount,
		Description:  req.Description,
		Date:         date,
		RecordedBy:   req.RecordedBy,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordExpenseDTO{EntryID: string(res.EntryID), Fund: toFundDTO(res.Fund)})
}

// RecordCommonExpense splits a total across students.
// POST /api/{category}/expenses/common
func (h *Handler) RecordCommonExpense(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r, chi.URLParam(r, "category"))
	if !ok {
		return
	}
	var req CommonExpenseRequest
	if !decode(w, r, &req) {
		return
	}
	date, ok := parseDate(w, req.Date)
	if !ok {
		return
	}
	students := make([]fund.StudentID, len(req.StudentIDs))
	for i, s := range req.StudentIDs {
		students[i] = fund.StudentID(s)
	}

	res, err := m.RecordCommon(r.Context(), expense.CommonExpense{
		AcademicYear: fund.AcademicYear(req.AcademicYear),
		TotalAmount:  req.TotalAmount,
		Description:  req.Description,
		Date:         date,
		Students:     students,
		RecordedBy:   req.RecordedBy,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(res))
}

// EditExpense replaces an entry with a corrected one.
// PUT /api/{category}/expenses/{id}
func (h *Handler) EditExpense(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r, chi.URLParam(r, "category"))
	if !ok {
		return
	}
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	var req EditExpenseRequest
	if !decode(w, r, &req) {
		return
	}
	date, ok := parseDate(w, req.Date)
	if !ok {
		return
	}

	res, err := m.Edit(r.Context(), id, expense.Changes{
		Amount:      req.Amount,
		Description: req.Description,
		Date:        date,
		RecordedBy:  req.RecordedBy,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EditExpenseDTO{
		ReversedEntryID: string(res.Reversed.ID),
		EntryID:         string(res.Replacement.EntryID),
		Fund:            toFundDTO(res.Replacement.Fund),
	})
}

// DeleteExpense reverses an entry of the category.
// DELETE /api/{category}/expenses/{id}
func (h *Handler) DeleteExpense(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r, chi.URLParam(r, "category"))
	if !ok {
		return
	}
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	snap, err := m.Delete(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFundDTO(snap))
}

// =============================================================================
// ENTRY / BATCH HANDLERS
// =============================================================================

// ReverseEntry reverses any entry regardless of category.
// POST /api/entries/{id}/reverse
func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	snap, err := h.Ledger.ReverseEntry(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFundDTO(snap))
}

// GetBatch returns the entries of a common expense.
// GET /api/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	entries, err := h.Ledger.BatchEntries(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// ReverseBatch reverses a whole common expense.
// POST /api/batches/{id}/reverse
func (h *Handler) ReverseBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	snaps, err := h.Ledger.ReverseBatch(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	out := make([]FundDTO, len(snaps))
	for i, s := range snaps {
		out[i] = toFundDTO(s)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// BILLING HANDLERS
// =============================================================================

// ListDeficits returns the negative funds of a year.
// GET /api/years/{year}/deficits
func (h *Handler) ListDeficits(w http.ResponseWriter, r *http.Request) {
	deficits, err := h.Bridge.ListDeficits(r.Context(), fund.AcademicYear(chi.URLParam(r, "year")))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	out := make([]DeficitDTO, len(deficits))
	for i, d := range deficits {
		out[i] = DeficitDTO{StudentID: string(d.StudentID), AcademicYear: string(d.AcademicYear), Deficit: d.Deficit}
	}
	writeJSON(w, http.StatusOK, out)
}

// ListAlerts returns pending "due in fees" alerts.
// GET /api/billing/alerts?year=2025-2026
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.Bridge.PendingAlerts(fund.AcademicYear(r.URL.Query().Get("year")))
	out := make([]AlertDTO, len(alerts))
	for i, a := range alerts {
		out[i] = toAlertDTO(a)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// SaveAdmission records the year a student was admitted.
// POST /api/admissions
func (h *Handler) SaveAdmission(w http.ResponseWriter, r *http.Request) {
	var req AdmissionRequest
	if !decode(w, r, &req) {
		return
	}
	key := fund.FundKey{StudentID: fund.StudentID(req.StudentID), AcademicYear: fund.AcademicYear(req.AcademicYear)}
	if err := key.Validate(); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if err := h.Admissions.SaveAdmission(r.Context(), key.StudentID, key.AcademicYear); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// Reconcile runs one reconcile pass for a year.
// POST /api/admin/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !decode(w, r, &req) {
		return
	}
	report, err := h.Ledger.Reconcile(r.Context(), fund.AcademicYear(req.AcademicYear))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if h.OnReconcile != nil {
		h.OnReconcile(report)
	}
	writeJSON(w, http.StatusOK, toReconcileReportDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func fundKey(r *http.Request) fund.FundKey {
	return fund.FundKey{
		StudentID:    fund.StudentID(chi.URLParam(r, "student")),
		AcademicYear: fund.AcademicYear(chi.URLParam(r, "year")),
	}
}

func (h *Handler) manager(w http.ResponseWriter, r *http.Request, name string) (*expense.Manager, bool) {
	c, err := fund.ParseCategory(name)
	if err != nil {
		writeLedgerError(w, r, err)
		return nil, false
	}
	return h.Managers[c], true
}

func entryID(w http.ResponseWriter, r *http.Request) (fund.EntryID, bool) {
	id, err := fund.ParseEntryID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid entry id", err)
		return "", false
	}
	return id, true
}

func batchID(w http.ResponseWriter, r *http.Request) (fund.BatchID, bool) {
	id, err := fund.ParseBatchID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch id", err)
		return "", false
	}
	return id, true
}

// parseDate accepts "" (today, decided by the ledger) or YYYY-MM-DD.
func parseDate(w http.ResponseWriter, s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, true
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD", err)
		return time.Time{}, false
	}
	return d, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	return true
}

// statusFor maps the ledger error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fund.ErrAlreadyReversed):
		return http.StatusConflict
	case fund.IsClientError(err):
		return http.StatusBadRequest
	case fund.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, fund.ErrLedgerBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := http.StatusText(status)
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		message = "Ledger busy, re-read the balance and retry"
	case http.StatusInternalServerError:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
