package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/expense-fund/fund"
	"github.com/warp/expense-fund/fund/store"
	"github.com/warp/expense-fund/policy"
)

func TestMetrics_CountsLedgerSignals(t *testing.T) {
	// GIVEN: Metrics registered on a ledger
	// WHEN: An individual expense overdraws a fund, a batch is recorded, and the first entry is reversed
	// THEN: Every counter moves accordingly

	ctx := context.Background()
	mem := store.NewMemory()
	ledger := fund.NewLedger(mem.Funds, mem.Journal, policy.Flat{Amount: fund.MustParseMoney("100")})
	m := NewMetrics()
	require.NoError(t, ledger.Observers().Register(m))

	res, err := ledger.RecordIndividualExpense(ctx, fund.IndividualExpense{
		StudentID: "s1", AcademicYear: "2025-2026", Category: fund.CategoryMedical, Amount: fund.MustParseMoney("150"),
	})
	require.NoError(t, err)
	_, err = ledger.RecordCommonExpense(ctx, fund.CommonExpense{
		AcademicYear: "2025-2026", Category: fund.CategoryStationary, TotalAmount: fund.MustParseMoney("30"),
		Students: []fund.StudentID{"s2", "s3", "s4"},
	})
	require.NoError(t, err)
	_, err = ledger.ReverseEntry(ctx, res.EntryID)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.expensesRecorded.WithLabelValues("medical", "individual")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.expensesRecorded.WithLabelValues("stationary", "common")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.expenseAmount.WithLabelValues("medical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchesRecorded.WithLabelValues("stationary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entriesReversed.WithLabelValues("medical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.negativeCrossed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.negativeCleared))
}

func TestMetrics_BusyAndReconcile(t *testing.T) {
	m := NewMetrics()
	m.OnLedgerBusy(context.Background(), "record_individual_expense", errors.New("boom"))
	m.ObserveReconcile(fund.ReconcileReport{DebitsApplied: 2, ReversalsCompleted: 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerBusy.WithLabelValues("record_individual_expense")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconcileRepairs.WithLabelValues("debit")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.reconcileRepairs.WithLabelValues("credit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcileRepairs.WithLabelValues("reversal")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.OnNegativeBalanceCrossed(context.Background(), fund.NegativeBalanceCrossed{})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "expense_fund_negative_crossed_total 1")
}
