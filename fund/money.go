/*
money.go - Fixed-point monetary values

PURPOSE:
  Every balance, debit, and share in the fund ledger is a Money value.
  Money wraps decimal.Decimal and is always rounded to cents at the
  boundary, so arithmetic never drifts and persisted values compare
  exactly.

SPLITTING:
  SplitEven divides a total into n cent-exact shares. The remainder left
  by integer division is handed out one cent at a time to the first
  shares, so the shares always sum to the total:

    SplitEven(100.00, 3) = [33.34, 33.33, 33.33]

  Callers decide which student gets which share index (the engine sorts
  student IDs first so the assignment is deterministic).

SEE ALSO:
  - types.go: ExpenseFund and LedgerEntry use Money
  - ledger.go: RecordCommonExpense uses SplitEven
*/
package fund

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// centPlaces is the fixed-point precision of every Money value.
const centPlaces = 2

// Money is a cent-precision monetary amount.
type Money struct {
	Value decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{Value: decimal.Zero}

// NewMoney builds a Money from a float, rounding half away from zero to cents.
// Prefer MoneyFromCents or ParseMoney outside of tests.
func NewMoney(value float64) Money {
	return Money{Value: decimal.NewFromFloat(value).Round(centPlaces)}
}

// MoneyFromCents builds a Money from an integer number of cents.
func MoneyFromCents(cents int64) Money {
	return Money{Value: decimal.New(cents, -centPlaces)}
}

// MoneyFromDecimal rounds d to cents.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money{Value: d.Round(centPlaces)}
}

// ParseMoney parses a decimal string such as "1200" or "12.50".
// More than two fractional digits are rejected rather than rounded.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	if !d.Equal(d.Round(centPlaces)) {
		return Money{}, fmt.Errorf("parse money %q: more than %d decimal places", s, centPlaces)
	}
	return Money{Value: d.Round(centPlaces)}, nil
}

// MustParseMoney is ParseMoney for constants; it panics on error.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Cents returns the amount as an integer number of cents.
func (m Money) Cents() int64 { return m.Value.Shift(centPlaces).IntPart() }

func (m Money) Add(o Money) Money { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money { return Money{Value: m.Value.Neg()} }
func (m Money) IsZero() bool { return m.Value.IsZero() }
func (m Money) IsNegative() bool { return m.Value.IsNegative() }
func (m Money) IsPositive() bool { return m.Value.IsPositive() }
func (m Money) Equal(o Money) bool { return m.Value.Equal(o.Value) }
func (m Money) LessThan(o Money) bool { return m.Value.LessThan(o.Value) }
func (m Money) GreaterThan(o Money) bool { return m.Value.GreaterThan(o.Value) }
func (m Money) String() string { return m.Value.StringFixed(centPlaces) }
func (m Money) MarshalJSON() ([]byte, error) { return m.Value.Round(centPlaces).MarshalJSON() }

// Max returns the larger of m and o.
func (m Money) Max(o Money) Money {
	if m.GreaterThan(o) {
		return m
	}
	return o
}

// UnmarshalJSON accepts both quoted decimal strings and bare numbers.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	m.Value = d.Round(centPlaces)
	return nil
}

// =============================================================================
// SPLITTING
// =============================================================================

// SplitEven divides total into n shares that sum to total exactly.
// The first (total mod n) shares carry one extra cent.
func SplitEven(total Money, n int) ([]Money, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: cannot split across %d students", ErrInvalidInput, n)
	}
	cents := total.Cents()
	if cents <= 0 {
		return nil, &AmountError{Field: "total_amount", Value: total}
	}
	base := cents / int64(n)
	remainder := cents % int64(n)
	if base == 0 {
		// Some students would get a zero share.
		return nil, &AmountError{Field: "per_student_share", Value: MoneyFromCents(base)}
	}

	shares := make([]Money, n)
	for i := range shares {
		c := base
		if int64(i) < remainder {
			c++
		}
		shares[i] = MoneyFromCents(c)
	}
	return shares, nil
}
