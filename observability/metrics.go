/*
Package observability exports ledger activity as Prometheus metrics.

METRICS:
  expense_fund_expenses_recorded_total{category,kind}
  expense_fund_expense_amount_total{category}
  expense_fund_batches_recorded_total{category}
  expense_fund_entries_reversed_total{category}
  expense_fund_negative_crossed_total
  expense_fund_negative_cleared_total
  expense_fund_ledger_busy_total{op}
  expense_fund_reconcile_repairs_total{kind}

Metrics is a ledger observer; register it next to the billing bridge.
The collectors live on their own registry so tests can create as many
Metrics as they like.
*/
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/expense-fund/fund"
)

const namespace = "expense_fund"

// Metrics counts ledger signals.
type Metrics struct {
	registry *prometheus.Registry

	expensesRecorded *prometheus.CounterVec
	expenseAmount    *prometheus.CounterVec
	batchesRecorded  *prometheus.CounterVec
	entriesReversed  *prometheus.CounterVec
	negativeCrossed  prometheus.Counter
	negativeCleared  prometheus.Counter
	ledgerBusy       *prometheus.CounterVec
	reconcileRepairs *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry, along with the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		expensesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expenses_recorded_total",
			Help:      "Ledger entries written, by category and kind.",
		}, []string{"category", "kind"}),
		expenseAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expense_amount_total",
			Help:      "Sum of recorded expense amounts, by category.",
		}, []string{"category"}),
		batchesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_recorded_total",
			Help:      "Common expenses recorded, by category.",
		}, []string{"category"}),
		entriesReversed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_reversed_total",
			Help:      "Entries reversed, by category.",
		}, []string{"category"}),
		negativeCrossed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negative_crossed_total",
			Help:      "Funds that went below zero.",
		}),
		negativeCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negative_cleared_total",
			Help:      "Funds that came back to zero or above.",
		}),
		ledgerBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_busy_total",
			Help:      "Operations that ran out of retries, by operation.",
		}, []string{"op"}),
		reconcileRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_repairs_total",
			Help:      "Entries repaired by reconcile, by repair kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.expensesRecorded,
		m.expenseAmount,
		m.batchesRecorded,
		m.entriesReversed,
		m.negativeCrossed,
		m.negativeCleared,
		m.ledgerBusy,
		m.reconcileRepairs,
	)
	return m
}

// Registry exposes the underlying registry (for tests and extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Name() string { return "metrics" }

func (m *Metrics) OnExpenseRecorded(_ context.Context, entry fund.LedgerEntry, _ fund.FundSnapshot) {
	m.expensesRecorded.WithLabelValues(string(entry.Category), string(entry.Kind)).Inc()
	m.expenseAmount.WithLabelValues(string(entry.Category)).Add(entry.Amount.Value.InexactFloat64())
}

func (m *Metrics) OnBatchRecorded(_ context.Context, result fund.BatchResult) {
	category := string(result.Event.Category)
	m.batchesRecorded.WithLabelValues(category).Inc()
	m.expensesRecorded.WithLabelValues(category, string(fund.KindCommon)).Add(float64(len(result.Event.Students)))
	m.expenseAmount.WithLabelValues(category).Add(result.Event.TotalAmount.Value.InexactFloat64())
}

func (m *Metrics) OnEntryReversed(_ context.Context, entry fund.LedgerEntry, _ fund.FundSnapshot) {
	m.entriesReversed.WithLabelValues(string(entry.Category)).Inc()
}

func (m *Metrics) OnNegativeBalanceCrossed(context.Context, fund.NegativeBalanceCrossed) {
	m.negativeCrossed.Inc()
}

func (m *Metrics) OnNegativeBalanceCleared(context.Context, fund.NegativeBalanceCleared) {
	m.negativeCleared.Inc()
}

func (m *Metrics) OnLedgerBusy(_ context.Context, op string, _ error) {
	m.ledgerBusy.WithLabelValues(op).Inc()
}

// ObserveReconcile records the repairs of one reconcile pass.
func (m *Metrics) ObserveReconcile(r fund.ReconcileReport) {
	m.reconcileRepairs.WithLabelValues("debit").Add(float64(r.DebitsApplied))
	m.reconcileRepairs.WithLabelValues("credit").Add(float64(r.CreditsApplied))
	m.reconcileRepairs.WithLabelValues("reversal").Add(float64(r.ReversalsCompleted))
}
