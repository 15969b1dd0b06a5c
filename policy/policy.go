/*
Package policy provides the initial-amount rules for new expense funds.

PURPOSE:
  The ledger treats the initial amount of a fund as an opaque function of
  (student, academic year). This package supplies the school's rules:

    Tiered: a higher amount in the year a student is admitted, a lower
            amount for every later (promoted) year
    Flat:   the same amount for everyone

  The amounts are configuration, not ledger logic. The defaults below
  (9000 / 7000) are what the school has used so far.

ADMISSION LOOKUP:
  Tiered asks an AdmissionRegistry for the student's admission year. A
  student with no admission record is treated as a new admission, so a
  fund opened before the admissions office records the student is not
  under-funded.

SEE ALSO:
  - factory.go: JSON policy definitions
  - fund/store.go: InitPolicy interface
*/
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/expense-fund/fund"
)

// =============================================================================
// DEFAULTS
// =============================================================================

var (
	DefaultNewAdmissionAmount = fund.MustParseMoney("9000")
	DefaultPromotedAmount     = fund.MustParseMoney("7000")
)

// =============================================================================
// TIERED - New admission vs promoted
// =============================================================================

// Tiered charges NewAdmission in the admission year and Promoted afterwards.
type Tiered struct {
	NewAdmission fund.Money
	Promoted     fund.Money
	Admissions   fund.AdmissionRegistry
}

// NewTiered returns the default tiered policy.
func NewTiered(admissions fund.AdmissionRegistry) *Tiered {
	return &Tiered{
		NewAdmission: DefaultNewAdmissionAmount,
		Promoted:     DefaultPromotedAmount,
		Admissions:   admissions,
	}
}

func (p *Tiered) InitialAmount(ctx context.Context, studentID fund.StudentID, year fund.AcademicYear) (fund.Money, error) {
	admitted, err := p.Admissions.AdmissionYear(ctx, studentID)
	if errors.Is(err, fund.ErrNotFound) {
		return p.NewAdmission, nil
	}
	if err != nil {
		return fund.Money{}, fmt.Errorf("policy: admission lookup for %s: %w", studentID, err)
	}
	if admitted == year {
		return p.NewAdmission, nil
	}
	return p.Promoted, nil
}

// =============================================================================
// FLAT
// =============================================================================

// Flat gives every fund the same initial amount.
type Flat struct {
	Amount fund.Money
}

func (p Flat) InitialAmount(context.Context, fund.StudentID, fund.AcademicYear) (fund.Money, error) {
	return p.Amount, nil
}
