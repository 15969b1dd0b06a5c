package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/expense-fund/billing"
	"github.com/warp/expense-fund/fund"
	"github.com/warp/expense-fund/fund/store"
	"github.com/warp/expense-fund/policy"
)

const year = fund.AcademicYear("2025-2026")

func money(s string) fund.Money { return fund.MustParseMoney(s) }

type capturePublisher struct {
	mu     sync.Mutex
	alerts []billing.Alert
	err    error
}

func (p *capturePublisher) PublishAlert(_ context.Context, a billing.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return p.err
}

func (p *capturePublisher) snapshot() []billing.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]billing.Alert(nil), p.alerts...)
}

func newLedger(t *testing.T, initial string, opts ...billing.Option) (*fund.Ledger, *billing.Bridge) {
	t.Helper()
	mem := store.NewMemory()
	ledger := fund.NewLedger(mem.Funds, mem.Journal, policy.Flat{Amount: money(initial)})
	bridge := billing.NewBridge(ledger, opts...)
	require.NoError(t, ledger.Observers().Register(bridge))
	return ledger, bridge
}

func debit(t *testing.T, l *fund.Ledger, student fund.StudentID, amount string) fund.IndividualResult {
	t.Helper()
	res, err := l.RecordIndividualExpense(context.Background(), fund.IndividualExpense{
		StudentID:    student,
		AcademicYear: year,
		Category:     fund.CategoryMedical,
		Amount:       money(amount),
	})
	require.NoError(t, err)
	return res
}

func TestBridge_DeficitScenario(t *testing.T) {
	// GIVEN: A fund with balance 300
	// WHEN: An 800 medical expense is recorded, then reversed
	// THEN: The deficit is 500 and pending while negative, zero and cleared after

	ctx := context.Background()
	ledger, bridge := newLedger(t, "1100")
	key := fund.FundKey{StudentID: "s1", AcademicYear: year}

	debit(t, ledger, "s1", "800")
	res := debit(t, ledger, "s1", "800")
	assert.True(t, res.Fund.IsNegative)

	deficit, err := bridge.GetOutstandingDeficit(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "500.00", deficit.String())

	pending := bridge.PendingAlerts(year)
	require.Len(t, pending, 1)
	assert.Equal(t, billing.AlertCrossed, pending[0].Kind)
	assert.Equal(t, res.EntryID, pending[0].EntryID)
	assert.Equal(t, "500.00", pending[0].Deficit.String())

	_, err = ledger.ReverseEntry(ctx, res.EntryID)
	require.NoError(t, err)

	deficit, err = bridge.GetOutstandingDeficit(ctx, key)
	require.NoError(t, err)
	assert.True(t, deficit.IsZero())
	assert.Empty(t, bridge.PendingAlerts(""))
}

func TestBridge_MissingFundHasNoDeficit(t *testing.T) {
	_, bridge := newLedger(t, "9000")
	deficit, err := bridge.GetOutstandingDeficit(context.Background(), fund.FundKey{StudentID: "ghost", AcademicYear: year})
	require.NoError(t, err)
	assert.True(t, deficit.IsZero())
}

func TestBridge_RefreshesPendingDeficit(t *testing.T) {
	// GIVEN: A fund already below zero
	// WHEN: Another expense deepens the deficit
	// THEN: The pending alert carries the new amount

	ledger, bridge := newLedger(t, "100")
	debit(t, ledger, "s1", "150")
	debit(t, ledger, "s1", "25")

	pending := bridge.PendingAlerts(year)
	require.Len(t, pending, 1)
	assert.Equal(t, "75.00", pending[0].Deficit.String())
}

func TestBridge_ListDeficitsAndSync(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	ledger := fund.NewLedger(mem.Funds, mem.Journal, policy.Flat{Amount: money("100")})

	// Recorded before the bridge existed, so no signals were seen.
	debit(t, ledger, "s2", "130")
	debit(t, ledger, "s1", "110")
	debit(t, ledger, "s3", "50")

	bridge := billing.NewBridge(ledger)
	assert.Empty(t, bridge.PendingAlerts(year))

	deficits, err := bridge.ListDeficits(ctx, year)
	require.NoError(t, err)
	require.Len(t, deficits, 2)
	assert.Equal(t, fund.StudentID("s1"), deficits[0].StudentID)
	assert.Equal(t, "10.00", deficits[0].Deficit.String())
	assert.Equal(t, "30.00", deficits[1].Deficit.String())

	require.NoError(t, bridge.Sync(ctx, year))
	assert.Len(t, bridge.PendingAlerts(year), 2)
	assert.Empty(t, bridge.PendingAlerts("2024-2025"))
}

func TestBridge_PublishesThroughRun(t *testing.T) {
	// GIVEN: A bridge with a publisher and Run draining its queue
	// WHEN: A fund crosses below zero and back
	// THEN: Both alerts are published in order

	pub := &capturePublisher{}
	ledger, bridge := newLedger(t, "100", billing.WithPublisher(pub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	res := debit(t, ledger, "s1", "120")
	_, err := ledger.ReverseEntry(context.Background(), res.EntryID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	alerts := pub.snapshot()
	assert.Equal(t, billing.AlertCrossed, alerts[0].Kind)
	assert.Equal(t, "20.00", alerts[0].Deficit.String())
	assert.Equal(t, billing.AlertCleared, alerts[1].Kind)
}

func TestBridge_PublishErrorDoesNotAffectLedger(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	ledger, bridge := newLedger(t, "100", billing.WithPublisher(pub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	res := debit(t, ledger, "s1", "120")
	assert.True(t, res.Fund.IsNegative)
	assert.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, bridge.PendingAlerts(year), 1)
}

func TestBridge_FullQueueDrops(t *testing.T) {
	pub := &capturePublisher{}
	ledger, bridge := newLedger(t, "10", billing.WithPublisher(pub), billing.WithQueueSize(1))

	// No Run: the second alert has nowhere to go.
	debit(t, ledger, "s1", "20")
	debit(t, ledger, "s2", "20")
	assert.Len(t, bridge.PendingAlerts(year), 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)
	assert.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(pub.snapshot()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestBridge_OutOfOrderSignals_StaleIgnored(t *testing.T) {
	// GIVEN: A fund that crossed below zero (v2) and was cleared by a reversal (v3)
	// WHEN: A second bridge receives the cleared signal before the crossed one
	// THEN: The stale crossing is neither pending nor published, and a newer crossing still counts

	ctx := context.Background()
	mem := store.NewMemory()
	ledger := fund.NewLedger(mem.Funds, mem.Journal, policy.Flat{Amount: money("300")})
	key := fund.FundKey{StudentID: "s1", AcademicYear: year}

	res := debit(t, ledger, "s1", "800")
	crossedFund := res.Fund
	clearedFund, err := ledger.ReverseEntry(ctx, res.EntryID)
	require.NoError(t, err)
	require.Greater(t, clearedFund.Version, crossedFund.Version)

	pub := &capturePublisher{}
	bridge := billing.NewBridge(ledger, billing.WithPublisher(pub))
	bridge.OnNegativeBalanceCleared(ctx, fund.NegativeBalanceCleared{Fund: clearedFund, EntryID: res.EntryID})
	bridge.OnNegativeBalanceCrossed(ctx, fund.NegativeBalanceCrossed{Fund: crossedFund, EntryID: res.EntryID})

	assert.Empty(t, bridge.PendingAlerts(year))
	deficit, err := bridge.GetOutstandingDeficit(ctx, key)
	require.NoError(t, err)
	assert.True(t, deficit.IsZero())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go bridge.Run(runCtx)
	assert.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(pub.snapshot()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, billing.AlertCleared, pub.snapshot()[0].Kind)

	again := debit(t, ledger, "s1", "400")
	require.True(t, again.Fund.IsNegative)
	bridge.OnNegativeBalanceCrossed(ctx, fund.NegativeBalanceCrossed{Fund: again.Fund, EntryID: again.EntryID})

	pending := bridge.PendingAlerts(year)
	require.Len(t, pending, 1)
	assert.Equal(t, "100.00", pending[0].Deficit.String())
	assert.Equal(t, again.Fund.Version, pending[0].FundVersion)
}
