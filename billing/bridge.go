/*
bridge.go - Pool accounting bridge for the fee-billing subsystem

PURPOSE:
  Read-only projection of fund deficits. Billing asks how much a student
  owes beyond the prepaid pool, and gets a pending "due in fees" list
  without polling every fund.

QUERIES:
  GetOutstandingDeficit  max(0, -remainingBalance); zero for a missing fund
  ListDeficits           every negative fund of a year (ledger scan)
  PendingAlerts          funds currently below zero, as seen by signals

SIGNALS:
  The bridge registers as a ledger observer:

    OnNegativeBalanceCrossed  add to pending, publish "deficit.crossed"
    OnNegativeBalanceCleared  drop from pending, publish "deficit.cleared"
    OnExpenseRecorded,
    OnBatchRecorded,
    OnEntryReversed           refresh the amount of a pending alert

  Signals for one fund can arrive out of order (each writer dispatches on
  its own goroutine). Every alert carries the fund version it was built
  from, and the bridge remembers the last version it applied per fund,
  cleared funds included. An older signal is ignored and not published.

  Publishing is queued and drained by Run, so a slow broker never holds up
  a ledger write. A full queue drops the message with a warning; the
  pending set is still correct and Sync rebuilds it from the ledger.

  The bridge never writes to the ledger.

SEE ALSO:
  - fund/events.go: signal definitions
  - notify/amqp: Publisher implementation
*/
package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/expense-fund/fund"
)

const (
	// ObserverName is the registry name of the bridge.
	ObserverName = "billing-bridge"

	defaultQueueSize = 256
)

// Reader is the read side of the ledger the bridge needs.
type Reader interface {
	GetBalance(ctx context.Context, key fund.FundKey) (fund.FundSnapshot, error)
	ListNegativeBalances(ctx context.Context, year fund.AcademicYear) ([]fund.DeficitEntry, error)
}

// =============================================================================
// ALERTS
// =============================================================================

// AlertKind says whether a fund went below zero or came back.
type AlertKind string

const (
	AlertCrossed AlertKind = "deficit.crossed"
	AlertCleared AlertKind = "deficit.cleared"
)

// Alert is one "due in fees" notification.
type Alert struct {
	Kind         AlertKind
	StudentID    fund.StudentID
	AcademicYear fund.AcademicYear
	Deficit      fund.Money
	EntryID      fund.EntryID
	FundVersion  int64
	At           time.Time
}

func (a Alert) Key() fund.FundKey {
	return fund.FundKey{StudentID: a.StudentID, AcademicYear: a.AcademicYear}
}

// Publisher forwards alerts to the billing subsystem.
type Publisher interface {
	PublishAlert(ctx context.Context, alert Alert) error
}

// =============================================================================
// BRIDGE
// =============================================================================

// Bridge is safe for concurrent use.
type Bridge struct {
	reader    Reader
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	pending map[fund.FundKey]Alert
	applied map[fund.FundKey]int64

	outbox chan Alert
}

type Option func(*Bridge)

// WithPublisher forwards alerts through p. Call Run to drain the queue.
func WithPublisher(p Publisher) Option {
	return func(b *Bridge) { b.publisher = p }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithQueueSize sets the publish queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.outbox = make(chan Alert, n)
		}
	}
}

func NewBridge(reader Reader, opts ...Option) *Bridge {
	b := &Bridge{
		reader:  reader,
		logger:  zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[fund.FundKey]Alert),
		applied: make(map[fund.FundKey]int64),
		outbox:  make(chan Alert, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) Name() string { return ObserverName }

// GetOutstandingDeficit returns what the student owes beyond the pool.
func (b *Bridge) GetOutstandingDeficit(ctx context.Context, key fund.FundKey) (fund.Money, error) {
	f, err := b.reader.GetBalance(ctx, key)
	if errors.Is(err, fund.ErrNotFound) {
		return fund.Zero, nil
	}
	if err != nil {
		return fund.Zero, err
	}
	return f.Deficit(), nil
}

// ListDeficits returns every negative fund of the year with its deficit,
// ordered by student id.
func (b *Bridge) ListDeficits(ctx context.Context, year fund.AcademicYear) ([]Alert, error) {
	entries, err := b.reader.ListNegativeBalances(ctx, year)
	if err != nil {
		return nil, err
	}
	out := make([]Alert, 0, len(entries))
	for _, e := range entries {
		out = append(out, Alert{
			Kind:         AlertCrossed,
			StudentID:    e.StudentID,
			AcademicYear: e.AcademicYear,
			Deficit:      e.RemainingBalance.Neg(),
			FundVersion:  e.Version,
		})
	}
	return out, nil
}

// PendingAlerts returns the funds currently below zero, ordered by year
// then student. An empty year returns all years.
func (b *Bridge) PendingAlerts(year fund.AcademicYear) []Alert {
	b.mu.RLock()
	out := make([]Alert, 0, len(b.pending))
	for _, a := range b.pending {
		if year == "" || a.AcademicYear == year {
			out = append(out, a)
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AcademicYear != out[j].AcademicYear {
			return out[i].AcademicYear < out[j].AcademicYear
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out
}

// Sync replaces the pending alerts of a year with a fresh ledger scan.
// Used at startup, since pending alerts live in memory.
func (b *Bridge) Sync(ctx context.Context, year fund.AcademicYear) error {
	deficits, err := b.ListDeficits(ctx, year)
	if err != nil {
		return err
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.pending {
		if k.AcademicYear == year {
			delete(b.pending, k)
		}
	}
	for _, d := range deficits {
		d.At = now
		b.pending[d.Key()] = d
		if d.FundVersion > b.applied[d.Key()] {
			b.applied[d.Key()] = d.FundVersion
		}
	}
	b.logger.Info().Str("year", string(year)).Int("pending", len(deficits)).Msg("billing alerts synced")
	return nil
}

// =============================================================================
// OBSERVER HOOKS
// =============================================================================

func (b *Bridge) OnNegativeBalanceCrossed(_ context.Context, ev fund.NegativeBalanceCrossed) {
	b.transition(Alert{
		Kind:         AlertCrossed,
		StudentID:    ev.Fund.StudentID,
		AcademicYear: ev.Fund.AcademicYear,
		Deficit:      ev.Fund.Deficit(),
		EntryID:      ev.EntryID,
		FundVersion:  ev.Fund.Version,
		At:           ev.At,
	})
}

func (b *Bridge) OnNegativeBalanceCleared(_ context.Context, ev fund.NegativeBalanceCleared) {
	b.transition(Alert{
		Kind:         AlertCleared,
		StudentID:    ev.Fund.StudentID,
		AcademicYear: ev.Fund.AcademicYear,
		Deficit:      fund.Zero,
		EntryID:      ev.EntryID,
		FundVersion:  ev.Fund.Version,
		At:           ev.At,
	})
}

// transition applies a crossed or cleared alert unless a newer version of
// the fund was already applied.
func (b *Bridge) transition(alert Alert) {
	key := alert.Key()
	b.mu.Lock()
	if alert.FundVersion <= b.applied[key] {
		b.mu.Unlock()
		b.logger.Debug().
			Str("kind", string(alert.Kind)).
			Str("fund", key.String()).
			Int64("version", alert.FundVersion).
			Msg("stale balance signal ignored")
		return
	}
	b.applied[key] = alert.FundVersion
	if alert.Kind == AlertCrossed {
		b.pending[key] = alert
	} else {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	b.enqueue(alert)
}

func (b *Bridge) OnExpenseRecorded(_ context.Context, _ fund.LedgerEntry, f fund.FundSnapshot) {
	b.refresh(f)
}

func (b *Bridge) OnBatchRecorded(_ context.Context, result fund.BatchResult) {
	for _, f := range result.Funds {
		b.refresh(f)
	}
}

func (b *Bridge) OnEntryReversed(_ context.Context, _ fund.LedgerEntry, f fund.FundSnapshot) {
	b.refresh(f)
}

// refresh updates the deficit of a fund that is already pending, when f is
// newer than the pending alert. Transitions are left to the crossed/cleared
// hooks.
func (b *Bridge) refresh(f fund.FundSnapshot) {
	if !f.IsNegative {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.pending[f.Key()]; ok && f.Version > a.FundVersion {
		a.Deficit = f.Deficit()
		a.FundVersion = f.Version
		b.pending[f.Key()] = a
	}
}

// =============================================================================
// PUBLISHING
// =============================================================================

func (b *Bridge) enqueue(a Alert) {
	if b.publisher == nil {
		return
	}
	select {
	case b.outbox <- a:
	default:
		b.logger.Warn().
			Str("kind", string(a.Kind)).
			Str("fund", a.Key().String()).
			Msg("billing alert queue full, dropping message")
	}
}

// Run publishes queued alerts until ctx is done. Without a publisher it
// returns immediately.
func (b *Bridge) Run(ctx context.Context) {
	if b.publisher == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-b.outbox:
			if err := b.publisher.PublishAlert(ctx, a); err != nil {
				b.logger.Error().Err(err).
					Str("kind", string(a.Kind)).
					Str("fund", a.Key().String()).
					Msg("failed to publish billing alert")
			}
		}
	}
}
