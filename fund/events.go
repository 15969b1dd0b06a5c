/*
events.go - Lifecycle signals emitted by the ledger engine

PURPOSE:
  Collaborators (the billing bridge, metrics, alert publishers) observe the
  ledger without being called from inside its write path logic. An observer
  implements Observer plus any of the optional On* interfaces; the registry
  caches which interfaces each observer implements so dispatch is a slice
  walk.

SIGNALS:
  OnExpenseRecorded         every successful individual debit
  OnBatchRecorded           every successful common expense
  OnEntryReversed           every successful reversal
  OnNegativeBalanceCrossed  a write moved IsNegative from false to true
  OnNegativeBalanceCleared  a write moved IsNegative from true to false
  OnLedgerBusy              an operation ran out of retries

DELIVERY:
  Dispatch is synchronous, after the write is committed, on the caller's
  goroutine. Observers must be quick and must not call back into a write
  operation. A panicking observer is recovered and logged.

  Writers to the same fund dispatch on different goroutines, so signals
  for one fund can arrive out of order. Fund.Version orders them.
*/
package fund

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NegativeBalanceCrossed is emitted when a fund goes below zero.
type NegativeBalanceCrossed struct {
	Fund    FundSnapshot
	EntryID EntryID
	At      time.Time
}

// NegativeBalanceCleared is emitted when a reversal brings a fund back to zero or above.
type NegativeBalanceCleared struct {
	Fund    FundSnapshot
	EntryID EntryID
	At      time.Time
}

// Observer is the base interface; Name must be unique per registry.
type Observer interface {
	Name() string
}

type OnExpenseRecorded interface {
	OnExpenseRecorded(ctx context.Context, entry LedgerEntry, fund FundSnapshot)
}

type OnBatchRecorded interface {
	OnBatchRecorded(ctx context.Context, result BatchResult)
}

type OnEntryReversed interface {
	OnEntryReversed(ctx context.Context, entry LedgerEntry, fund FundSnapshot)
}

type OnNegativeBalanceCrossed interface {
	OnNegativeBalanceCrossed(ctx context.Context, event NegativeBalanceCrossed)
}

type OnNegativeBalanceCleared interface {
	OnNegativeBalanceCleared(ctx context.Context, event NegativeBalanceCleared)
}

type OnLedgerBusy interface {
	OnLedgerBusy(ctx context.Context, op string, err error)
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds observers with type-cached dispatch lists.
type Registry struct {
	mu        sync.RWMutex
	observers []Observer
	logger    zerolog.Logger

	onExpenseRecorded []OnExpenseRecorded
	onBatchRecorded   []OnBatchRecorded
	onEntryReversed   []OnEntryReversed
	onCrossed         []OnNegativeBalanceCrossed
	onCleared         []OnNegativeBalanceCleared
	onBusy            []OnLedgerBusy
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an observer. Duplicate names are rejected.
func (r *Registry) Register(o Observer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.observers {
		if existing.Name() == o.Name() {
			return fmt.Errorf("fund: duplicate observer registration: %s", o.Name())
		}
	}
	r.observers = append(r.observers, o)

	if v, ok := o.(OnExpenseRecorded); ok {
		r.onExpenseRecorded = append(r.onExpenseRecorded, v)
	}
	if v, ok := o.(OnBatchRecorded); ok {
		r.onBatchRecorded = append(r.onBatchRecorded, v)
	}
	if v, ok := o.(OnEntryReversed); ok {
		r.onEntryReversed = append(r.onEntryReversed, v)
	}
	if v, ok := o.(OnNegativeBalanceCrossed); ok {
		r.onCrossed = append(r.onCrossed, v)
	}
	if v, ok := o.(OnNegativeBalanceCleared); ok {
		r.onCleared = append(r.onCleared, v)
	}
	if v, ok := o.(OnLedgerBusy); ok {
		r.onBusy = append(r.onBusy, v)
	}
	return nil
}

// Observers returns the registered observers in registration order.
func (r *Registry) Observers() []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Observer, len(r.observers))
	copy(out, r.observers)
	return out
}

func (r *Registry) emitExpenseRecorded(ctx context.Context, entry LedgerEntry, f FundSnapshot) {
	r.mu.RLock()
	list := r.onExpenseRecorded
	r.mu.RUnlock()
	for _, o := range list {
		r.safe("OnExpenseRecorded", func() { o.OnExpenseRecorded(ctx, entry, f) })
	}
}

func (r *Registry) emitBatchRecorded(ctx context.Context, result BatchResult) {
	r.mu.RLock()
	list := r.onBatchRecorded
	r.mu.RUnlock()
	for _, o := range list {
		r.safe("OnBatchRecorded", func() { o.OnBatchRecorded(ctx, result) })
	}
}

func (r *Registry) emitEntryReversed(ctx context.Context, entry LedgerEntry, f FundSnapshot) {
	r.mu.RLock()
	list := r.onEntryReversed
	r.mu.RUnlock()
	for _, o := range list {
		r.safe("OnEntryReversed", func() { o.OnEntryReversed(ctx, entry, f) })
	}
}

func (r *Registry) emitCrossed(ctx context.Context, ev NegativeBalanceCrossed) {
	r.mu.RLock()
	list := r.onCrossed
	r.mu.RUnlock()
	for _, o := range list {
		r.safe("OnNegativeBalanceCrossed", func() { o.OnNegativeBalanceCrossed(ctx, ev) })
	}
}

func (r *Registry) emitCleared(ctx context.Context, ev NegativeBalanceCleared) {
	r.mu.RLock()
	list := r.onCleared
	r.mu.RUnlock()
	for _, o := range list {
		r.safe("OnNegativeBalanceCleared", func() { o.OnNegativeBalanceCleared(ctx, ev) })
	}
}

func (r *Registry) emitBusy(ctx context.Context, op string, err error) {
	r.mu.RLock()
	list := r.onBusy
	r.mu.RUnlock()
	for _, o := range list {
		r.safe("OnLedgerBusy", func() { o.OnLedgerBusy(ctx, op, err) })
	}
}

func (r *Registry) safe(hook string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("hook", hook).Msg("observer panicked")
		}
	}()
	fn()
}

// emitTransition emits crossed/cleared when IsNegative changed between before and after.
func (r *Registry) emitTransition(ctx context.Context, before, after ExpenseFund, entryID EntryID, now time.Time) {
	switch {
	case !before.IsNegative && after.IsNegative:
		r.emitCrossed(ctx, NegativeBalanceCrossed{Fund: after, EntryID: entryID, At: now})
	case before.IsNegative && !after.IsNegative:
		r.emitCleared(ctx, NegativeBalanceCleared{Fund: after, EntryID: entryID, At: now})
	}
}
