/*
errors.go - Error taxonomy for the fund ledger

PURPOSE:
  All error types in one place. Callers match with errors.Is against the
  sentinels; structured errors carry context and unwrap to a sentinel.

ERROR CATEGORIES:
  1. Caller errors (permanent): ErrInvalidAmount, ErrInvalidInput,
     ErrNotFound, ErrAlreadyReversed
  2. Transient: ErrConcurrentModification, retried inside the engine and
     never surfaced unless retries are exhausted
  3. Exhausted: ErrLedgerBusy, the whole logical operation may be retried
     later; nothing partial was left behind

STORE ERRORS:
  Stores return ErrNotFound, ErrConcurrentModification, ErrAlreadyReversed,
  ErrDuplicateEntry, or a wrapped driver error. The engine translates
  everything into the taxonomy above before returning.

SEE ALSO:
  - ledger.go: translates store errors
  - api/handlers.go: maps the taxonomy to HTTP status codes
*/
package fund

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for a non-positive amount, before any
	// store interaction.
	ErrInvalidAmount = errors.New("fund: invalid amount")

	// ErrInvalidInput is returned for malformed requests (missing ids,
	// unknown category, duplicate students in a common expense).
	ErrInvalidInput = errors.New("fund: invalid input")

	// ErrNotFound is returned when a fund, entry, or batch does not exist.
	ErrNotFound = errors.New("fund: not found")

	// ErrAlreadyReversed is returned when reversing a reversed entry.
	ErrAlreadyReversed = errors.New("fund: entry already reversed")

	// ErrConcurrentModification is returned by a store when the fund version
	// changed between read and write.
	ErrConcurrentModification = errors.New("fund: concurrent modification detected")

	// ErrLedgerBusy is returned when bounded retries are exhausted.
	ErrLedgerBusy = errors.New("fund: ledger busy, retry later")

	// ErrDuplicateEntry is returned by a journal when an entry id already exists.
	ErrDuplicateEntry = errors.New("fund: duplicate entry id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AmountError reports which amount was rejected.
type AmountError struct {
	Field string
	Value Money
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("fund: invalid amount: %s must be positive, got %s", e.Field, e.Value)
}

func (e *AmountError) Unwrap() error {
	return ErrInvalidAmount
}

// BusyError reports an operation that ran out of retries.
type BusyError struct {
	Op       string
	Key      FundKey
	Attempts int
	Last     error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("fund: ledger busy: %s on %s failed after %d attempts: %v",
		e.Op, e.Key, e.Attempts, e.Last)
}

// Unwrap exposes both ErrLedgerBusy and the last underlying error, so a
// context deadline can still be matched with errors.Is.
func (e *BusyError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrLedgerBusy}
	}
	return []error{ErrLedgerBusy, e.Last}
}

// batchFailure is the internal partial-fan-out condition. The engine
// compensates and converts it before returning; it never crosses the
// package boundary.
type batchFailure struct {
	batchID BatchID
	applied int
	total   int
	cause   error
}

func (e *batchFailure) Error() string {
	return fmt.Sprintf("batch %s applied %d/%d: %v", e.batchID, e.applied, e.total, e.cause)
}

func (e *batchFailure) Unwrap() error {
	return e.cause
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether the caller may retry the whole operation later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrLedgerBusy)
}

// IsClientError reports whether the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrAlreadyReversed)
}

// IsNotFound reports whether the error indicates a missing fund, entry, or batch.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// isPermanent reports store errors that no amount of retrying will fix.
func isPermanent(err error) bool {
	return IsClientError(err) || IsNotFound(err) || errors.Is(err, ErrDuplicateEntry)
}
