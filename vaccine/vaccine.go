/*
Package vaccine defines the vaccine formulations tracked by the stock ledger.

PURPOSE:
  Every quantity in the ledger is counted in vials, but shipments and
  requests are expressed in doses. The conversion factor is a fixed property
  of the formulation (doses per vial), so it lives here, in one table, and
  is injected into every component that converts.

KEY CONCEPTS:
  - Type: the vaccine code (nOPV2, mOPV2, bOPV, ...)
  - Formulations: the doses-per-vial table, keyed by Type
  - VialsFromDoses: ceil(doses / doses_per_vial), nil in -> nil out

CONVERSION RULE:
  A partially filled vial is still a vial. 1001 doses of nOPV2 (50/vial)
  occupy 21 vials, never 20.02.

  vials := f.VialsFromDoses(vaccine.NOPV2, &doses)

SEE ALSO:
  - config.go: JSON loader for formulation overrides
  - stock/calculator.go: the main consumer of the table
*/
package vaccine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VACCINE TYPES
// =============================================================================

// Type is a vaccine code as stored on stocks, request forms and campaigns.
type Type string

const (
	MOPV2 Type = "mOPV2"
	NOPV2 Type = "nOPV2"
	BOPV  Type = "bOPV"
)

func (t Type) String() string { return string(t) }

// ErrUnknownVaccine is returned for a vaccine code missing from the table.
var ErrUnknownVaccine = errors.New("unknown vaccine")

// =============================================================================
// FORMULATIONS - doses-per-vial table
// =============================================================================

// Formulations maps a vaccine type to its doses-per-vial constant.
// The zero value is an empty table; use DefaultFormulations for the
// formulations supported out of the box.
type Formulations map[Type]int

// DefaultFormulations returns the built-in table.
func DefaultFormulations() Formulations {
	return Formulations{
		MOPV2: 20,
		NOPV2: 50,
		BOPV:  20,
	}
}

// With returns a copy of f overlaid with the entries of other.
func (f Formulations) With(other Formulations) Formulations {
	merged := make(Formulations, len(f)+len(other))
	for t, n := range f {
		merged[t] = n
	}
	for t, n := range other {
		merged[t] = n
	}
	return merged
}

// Known reports whether t has a doses-per-vial entry.
func (f Formulations) Known(t Type) bool {
	_, ok := f[t]
	return ok
}

// Parse resolves a vaccine code, ignoring case ("nopv2" -> nOPV2).
func (f Formulations) Parse(code string) (Type, error) {
	code = strings.TrimSpace(code)
	if f.Known(Type(code)) {
		return Type(code), nil
	}
	for t := range f {
		if strings.EqualFold(string(t), code) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVaccine, code)
}

// Types returns the known vaccine types in a stable order.
func (f Formulations) Types() []Type {
	types := make([]Type, 0, len(f))
	for t := range f {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// DosesPerVial returns the conversion constant for t.
func (f Formulations) DosesPerVial(t Type) (int, error) {
	n, ok := f[t]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownVaccine, t)
	}
	return n, nil
}

// VialsFromDoses converts a dose count to vials, rounding up.
// A nil dose count stays nil: "not reported" is not the same as zero.
func (f Formulations) VialsFromDoses(t Type, doses *int) (*int, error) {
	perVial, err := f.DosesPerVial(t)
	if err != nil {
		return nil, err
	}
	if doses == nil {
		return nil, nil
	}
	vials := CeilDiv(*doses, perVial)
	return &vials, nil
}

// DosesFromVials converts a vial count to doses.
func (f Formulations) DosesFromVials(t Type, vials int) (int, error) {
	perVial, err := f.DosesPerVial(t)
	if err != nil {
		return 0, err
	}
	return vials * perVial, nil
}

// CeilDiv returns ceil(n / d) computed in decimal so that large counts never
// pick up float rounding. d must be positive.
func CeilDiv(n, d int) int {
	q := decimal.NewFromInt(int64(n)).Div(decimal.NewFromInt(int64(d)))
	return int(q.Ceil().IntPart())
}
