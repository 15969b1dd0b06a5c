package policy

import (
	"encoding/json"
	"fmt"

	"github.com/warp/expense-fund/fund"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// Policy type names accepted in JSON.
const (
	TypeTiered = "tiered"
	TypeFlat   = "flat"
)

// PolicyJSON is the JSON representation of an init policy.
//
//	{"type": "tiered", "new_admission_amount": 9000, "promoted_amount": 7000}
//	{"type": "flat", "amount": "8000.00"}
type PolicyJSON struct {
	Type               string      `json:"type"`
	NewAdmissionAmount *fund.Money `json:"new_admission_amount,omitempty"`
	PromotedAmount     *fund.Money `json:"promoted_amount,omitempty"`
	Amount             *fund.Money `json:"amount,omitempty"`
}

// DefaultJSON is the tiered policy with the default amounts.
const DefaultJSON = `{"type": "tiered", "new_admission_amount": 9000, "promoted_amount": 7000}`

// =============================================================================
// POLICY FACTORY
// =============================================================================

// Factory turns JSON definitions into fund.InitPolicy values.
type Factory struct {
	admissions fund.AdmissionRegistry
}

// NewFactory creates a factory; tiered policies read admissions from the registry.
func NewFactory(admissions fund.AdmissionRegistry) *Factory {
	return &Factory{admissions: admissions}
}

// Parse parses a JSON string into an InitPolicy.
func (f *Factory) Parse(jsonStr string) (fund.InitPolicy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON validates pj and builds the policy. Missing tiered amounts take
// the defaults; amounts may not be negative.
func (f *Factory) FromJSON(pj PolicyJSON) (fund.InitPolicy, error) {
	switch pj.Type {
	case TypeTiered, "":
		if f.admissions == nil {
			return nil, fmt.Errorf("policy: tiered policy needs an admission registry")
		}
		p := NewTiered(f.admissions)
		if pj.NewAdmissionAmount != nil {
			p.NewAdmission = *pj.NewAdmissionAmount
		}
		if pj.PromotedAmount != nil {
			p.Promoted = *pj.PromotedAmount
		}
		if err := nonNegative("new_admission_amount", p.NewAdmission); err != nil {
			return nil, err
		}
		if err := nonNegative("promoted_amount", p.Promoted); err != nil {
			return nil, err
		}
		return p, nil

	case TypeFlat:
		if pj.Amount == nil {
			return nil, fmt.Errorf("policy: flat policy requires amount")
		}
		if err := nonNegative("amount", *pj.Amount); err != nil {
			return nil, err
		}
		return Flat{Amount: *pj.Amount}, nil

	default:
		return nil, fmt.Errorf("policy: unknown policy type %q", pj.Type)
	}
}

func nonNegative(field string, m fund.Money) error {
	if m.IsNegative() {
		return fmt.Errorf("policy: %s must not be negative, got %s", field, m)
	}
	return nil
}
