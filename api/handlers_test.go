/*
handlers_test.go - HTTP tests for the expense fund API

Tests for:
- The three end-to-end fund scenarios over HTTP
- Category isolation on edit/delete
- Error mapping (400/404/409/503)
- Batches, deficits, alerts, admissions, reconcile
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/expense-fund/billing"
	"github.com/warp/expense-fund/fund"
	"github.com/warp/expense-fund/fund/store"
	"github.com/warp/expense-fund/observability"
	"github.com/warp/expense-fund/policy"
)

const year = "2025-2026"

type testServer struct {
	t      *testing.T
	router http.Handler
	mem    *store.Memory
	ledger *fund.Ledger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	ledger := fund.NewLedger(mem.Funds, mem.Journal, policy.NewTiered(mem.Admissions))
	bridge := billing.NewBridge(ledger)
	require.NoError(t, ledger.Observers().Register(bridge))

	metrics := observability.NewMetrics()
	require.NoError(t, ledger.Observers().Register(metrics))

	h := NewHandler(ledger, mem.Admissions, bridge)
	h.Metrics = metrics.Handler()
	return &testServer{t: t, router: NewRouter(h, zerolog.Nop(), nil), mem: mem, ledger: ledger}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) record(category, student, amount string) RecordExpenseDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/"+category+"/expenses", map[string]any{
		"student_id": student, "academic_year": year, "amount": amount, "description": "test", "date": "2025-09-15",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[RecordExpenseDTO](s.t, rec)
}

func TestAPI_ScenarioNewStudentWithCommonExpense(t *testing.T) {
	// GIVEN: A new student (tiered policy gives 9000)
	// WHEN: A 1200 stationary expense and a 3000 medical expense shared by 6 students are recorded
	// THEN: Balance goes 7800 then 7300

	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/funds/"+year+"/s1/open", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	opened := decodeBody[OpenFundDTO](t, rec)
	assert.True(t, opened.Created)
	assert.Equal(t, "9000.00", opened.Fund.InitialAmount.String())

	rec = s.do(http.MethodPost, "/api/funds/"+year+"/s1/open", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	res := s.record("stationary", "s1", "1200")
	assert.Equal(t, "7800.00", res.Fund.RemainingBalance.String())
	assert.False(t, res.Fund.IsNegative)

	rec = s.do(http.MethodPost, "/api/medical/expenses/common", map[string]any{
		"academic_year": year,
		"total_amount":  3000,
		"description":   "vaccination drive",
		"student_ids":   []string{"s1", "s2", "s3", "s4", "s5", "s6"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	batch := decodeBody[BatchDTO](t, rec)
	require.Len(t, batch.Shares, 6)
	assert.Equal(t, "500.00", batch.Shares[0].Share.String())
	assert.Equal(t, "7300.00", batch.Shares[0].Fund.RemainingBalance.String())

	rec = s.do(http.MethodGet, "/api/funds/"+year+"/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "7300.00", decodeBody[FundDTO](t, rec).RemainingBalance.String())

	rec = s.do(http.MethodGet, "/api/batches/"+batch.BatchID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]EntryDTO](t, rec), 6)
}

func TestAPI_ScenarioOverdraftAndReversal(t *testing.T) {
	// GIVEN: A student with balance 300
	// WHEN: An 800 medical expense is recorded, then reversed
	// THEN: Balance -500 with deficit 500 and a pending alert, then back to 300

	s := newTestServer(t)
	s.record("medical", "s1", "8700")

	overdraft := s.record("medical", "s1", "800")
	assert.Equal(t, "-500.00", overdraft.Fund.RemainingBalance.String())
	assert.True(t, overdraft.Fund.IsNegative)

	rec := s.do(http.MethodGet, "/api/funds/"+year+"/s1/deficit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "500.00", decodeBody[DeficitDTO](t, rec).Deficit.String())

	rec = s.do(http.MethodGet, "/api/billing/alerts?year="+year, nil)
	alerts := decodeBody[[]AlertDTO](t, rec)
	require.Len(t, alerts, 1)
	assert.Equal(t, "deficit.crossed", alerts[0].Kind)

	rec = s.do(http.MethodGet, "/api/years/"+year+"/deficits", nil)
	assert.Len(t, decodeBody[[]DeficitDTO](t, rec), 1)

	rec = s.do(http.MethodPost, "/api/entries/"+overdraft.EntryID+"/reverse", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeBody[FundDTO](t, rec)
	assert.Equal(t, "300.00", snap.RemainingBalance.String())
	assert.False(t, snap.IsNegative)

	rec = s.do(http.MethodPost, "/api/entries/"+overdraft.EntryID+"/reverse", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, "/api/billing/alerts", nil)
	assert.Empty(t, decodeBody[[]AlertDTO](t, rec))
}

func TestAPI_EditAndDeleteRespectCategory(t *testing.T) {
	s := newTestServer(t)
	med := s.record("medical", "s1", "300")

	rec := s.do(http.MethodDelete, "/api/stationary/expenses/"+med.EntryID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, "/api/medical/expenses/"+med.EntryID, map[string]any{"amount": "250"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edit := decodeBody[EditExpenseDTO](t, rec)
	assert.Equal(t, med.EntryID, edit.ReversedEntryID)
	assert.Equal(t, "8750.00", edit.Fund.RemainingBalance.String())

	rec = s.do(http.MethodDelete, "/api/medical/expenses/"+edit.EntryID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "9000.00", decodeBody[FundDTO](t, rec).RemainingBalance.String())

	rec = s.do(http.MethodGet, "/api/funds/"+year+"/s1/entries?category=medical", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]EntryDTO](t, rec)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, e.Reversed)
	}
}

func TestAPI_BatchReverse(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/stationary/expenses/common", map[string]any{
		"academic_year": year, "total_amount": "100", "student_ids": []string{"a", "b", "c"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	batch := decodeBody[BatchDTO](t, rec)

	rec = s.do(http.MethodPost, "/api/batches/"+batch.BatchID+"/reverse", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	funds := decodeBody[[]FundDTO](t, rec)
	require.Len(t, funds, 3)
	for _, f := range funds {
		assert.Equal(t, "9000.00", f.RemainingBalance.String())
	}

	rec = s.do(http.MethodPost, "/api/batches/"+batch.BatchID+"/reverse", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"zero amount", http.MethodPost, "/api/medical/expenses", map[string]any{"student_id": "s1", "academic_year": year, "amount": 0}, http.StatusBadRequest},
		{"negative amount", http.MethodPost, "/api/medical/expenses", map[string]any{"student_id": "s1", "academic_year": year, "amount": "-5"}, http.StatusBadRequest},
		{"missing student", http.MethodPost, "/api/medical/expenses", map[string]any{"academic_year": year, "amount": 5}, http.StatusBadRequest},
		{"unknown category", http.MethodPost, "/api/sports/expenses", map[string]any{"student_id": "s1", "academic_year": year, "amount": 5}, http.StatusBadRequest},
		{"bad date", http.MethodPost, "/api/medical/expenses", map[string]any{"student_id": "s1", "academic_year": year, "amount": 5, "date": "15/09/2025"}, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/medical/expenses", "not an object", http.StatusBadRequest},
		{"duplicate students", http.MethodPost, "/api/medical/expenses/common", map[string]any{"academic_year": year, "total_amount": 10, "student_ids": []string{"a", "a"}}, http.StatusBadRequest},
		{"unknown fund", http.MethodGet, "/api/funds/" + year + "/ghost", nil, http.StatusNotFound},
		{"unknown entry", http.MethodPost, "/api/entries/" + string(fund.NewEntryID()) + "/reverse", nil, http.StatusNotFound},
		{"malformed entry id", http.MethodPost, "/api/entries/nope/reverse", nil, http.StatusBadRequest},
		{"unknown batch", http.MethodGet, "/api/batches/" + string(fund.NewBatchID()), nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Error)
		})
	}
}

func TestStatusFor(t *testing.T) {
	busy := &fund.BusyError{Op: "record", Attempts: 3, Last: fund.ErrConcurrentModification}
	tests := []struct {
		err  error
		want int
	}{
		{fund.ErrInvalidAmount, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", fund.ErrInvalidInput), http.StatusBadRequest},
		{fund.ErrNotFound, http.StatusNotFound},
		{fund.ErrAlreadyReversed, http.StatusConflict},
		{busy, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

func TestWriteLedgerError_BusySetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/medical/expenses", nil)
	writeLedgerError(rec, req, &fund.BusyError{Op: "record", Attempts: 3})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestAPI_AdmissionsDrivePolicy(t *testing.T) {
	// GIVEN: s1 admitted in 2024-2025
	// WHEN: The 2025-2026 fund is opened
	// THEN: The promoted amount (7000) applies

	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/admissions", map[string]any{"student_id": "s1", "academic_year": "2024-2025"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodPost, "/api/funds/"+year+"/s1/open", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "7000.00", decodeBody[OpenFundDTO](t, rec).Fund.InitialAmount.String())

	rec = s.do(http.MethodPost, "/api/admissions", map[string]any{"student_id": "s2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ReconcileRepairsMissingDebit(t *testing.T) {
	// GIVEN: A journal entry whose debit never reached the fund
	// WHEN: The admin reconcile endpoint runs
	// THEN: The debit is applied and reported

	s := newTestServer(t)
	ctx := context.Background()
	_, _, err := s.ledger.OpenFund(ctx, fund.FundKey{StudentID: "s1", AcademicYear: year})
	require.NoError(t, err)
	_, err = s.mem.Journal.Append(ctx, fund.LedgerEntry{
		ID:           fund.NewEntryID(),
		StudentID:    "s1",
		AcademicYear: year,
		Category:     fund.CategoryMedical,
		Kind:         fund.KindIndividual,
		Amount:       fund.MustParseMoney("40"),
	})
	require.NoError(t, err)

	var seen []fund.ReconcileReport
	s.router = func() http.Handler {
		bridge := billing.NewBridge(s.ledger)
		h := NewHandler(s.ledger, s.mem.Admissions, bridge)
		h.OnReconcile = func(r fund.ReconcileReport) { seen = append(seen, r) }
		return NewRouter(h, zerolog.Nop(), nil)
	}()

	rec := s.do(http.MethodPost, "/api/admin/reconcile", map[string]any{"academic_year": year})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[ReconcileReportDTO](t, rec)
	assert.Equal(t, 1, report.DebitsApplied)
	assert.Empty(t, report.Mismatches)
	require.Len(t, seen, 1)

	rec = s.do(http.MethodGet, "/api/funds/"+year+"/s1", nil)
	assert.Equal(t, "8960.00", decodeBody[FundDTO](t, rec).RemainingBalance.String())

	rec = s.do(http.MethodPost, "/api/admin/reconcile", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Metrics(t *testing.T) {
	s := newTestServer(t)
	s.record("stationary", "s1", "10")

	rec := s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `expense_fund_expenses_recorded_total{category="stationary",kind="individual"} 1`)
}
