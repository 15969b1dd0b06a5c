package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/expense-fund/fund"
)

type fakeReconciler struct {
	mu    sync.Mutex
	calls []fund.AcademicYear
	fail  fund.AcademicYear
}

func (f *fakeReconciler) Reconcile(_ context.Context, year fund.AcademicYear) (fund.ReconcileReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, year)
	if year == f.fail {
		return fund.ReconcileReport{}, errors.New("store unavailable")
	}
	return fund.ReconcileReport{AcademicYear: year, DebitsApplied: 1}, nil
}

func (f *fakeReconciler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestScheduler_RunOnceContinuesPastFailure(t *testing.T) {
	r := &fakeReconciler{fail: "2024-2025"}
	rs := NewReconciliationScheduler(r, []fund.AcademicYear{"2024-2025", "2025-2026"}, zerolog.Nop())

	var observed int
	rs.OnReport = func(fund.ReconcileReport) { observed++ }

	reports := rs.RunOnce(context.Background())
	require.Len(t, reports, 1)
	assert.Equal(t, fund.AcademicYear("2025-2026"), reports[0].AcademicYear)
	assert.Equal(t, 1, observed)

	_, ok := rs.LastReport("2024-2025")
	assert.False(t, ok)
	last, ok := rs.LastReport("2025-2026")
	require.True(t, ok)
	assert.Equal(t, 1, last.DebitsApplied)
}

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	r := &fakeReconciler{}
	rs := NewReconciliationScheduler(r, []fund.AcademicYear{"2025-2026"}, zerolog.Nop())
	rs.CheckInterval = time.Hour

	rs.Start()
	assert.Eventually(t, func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)
	rs.Stop()
	rs.Stop()
	assert.Equal(t, 1, r.count())
}

func TestScheduler_DisabledWithoutYears(t *testing.T) {
	r := &fakeReconciler{}
	rs := NewReconciliationScheduler(r, nil, zerolog.Nop())
	assert.False(t, rs.Enabled)

	rs.Start()
	rs.Stop()
	assert.Zero(t, r.count())
}
