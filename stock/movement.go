/*
movement.go - Classification of source rows into ledger effects

PURPOSE:
  The five source tables do not map one-to-one onto the three ledgers.
  An incident report can land in the usable or the unusable ledger
  depending on its reason; an earmark touches two ledgers at once.
  This file turns every row into a Movement of one MovementKind, and each
  kind has exactly one entry in the effect table below.

EFFECT TABLE:
  Kind                 usable   unusable   earmarked
  -------------------  -------  ---------  ---------
  Arrival              in
  Usage                out
  Destruction                   out
  IncidentUsableIn     in
  IncidentUsableOut    out
  IncidentUnusableIn            in
  EarmarkCreated       out                 in
  EarmarkUsed                              out
  EarmarkReturned      in                  out

  Every earmark transition is two-sided except "used": its usable side was
  debited when the reservation was created.

SEE ALSO:
  - calculator.go: builds movements from rows and posts them
  - line.go: Line and Ledger
*/
package stock

import (
	"fmt"
	"time"

	"github.com/warp/vaccine-stock/vaccine"
)

// =============================================================================
// MOVEMENT KIND - tagged variant
// =============================================================================

type MovementKind int

const (
	KindArrival MovementKind = iota + 1
	KindUsage
	KindDestruction
	KindIncidentUsableIn
	KindIncidentUsableOut
	KindIncidentUnusableIn
	KindEarmarkCreated
	KindEarmarkUsed
	KindEarmarkReturned
)

var kindNames = map[MovementKind]string{
	KindArrival:            "arrival",
	KindUsage:              "usage",
	KindDestruction:        "destruction",
	KindIncidentUsableIn:   "incident_usable_in",
	KindIncidentUsableOut:  "incident_usable_out",
	KindIncidentUnusableIn: "incident_unusable_in",
	KindEarmarkCreated:     "earmark_created",
	KindEarmarkUsed:        "earmark_used",
	KindEarmarkReturned:    "earmark_returned",
}

func (k MovementKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Effect is one side of a movement: which ledger, which direction.
type Effect struct {
	Ledger    LedgerName
	Direction Direction
}

var effects = map[MovementKind][]Effect{
	KindArrival:            {{LedgerUsable, In}},
	KindUsage:              {{LedgerUsable, Out}},
	KindDestruction:        {{LedgerUnusable, Out}},
	KindIncidentUsableIn:   {{LedgerUsable, In}},
	KindIncidentUsableOut:  {{LedgerUsable, Out}},
	KindIncidentUnusableIn: {{LedgerUnusable, In}},
	KindEarmarkCreated:     {{LedgerUsable, Out}, {LedgerEarmarked, In}},
	KindEarmarkUsed:        {{LedgerEarmarked, Out}},
	KindEarmarkReturned:    {{LedgerUsable, In}, {LedgerEarmarked, Out}},
}

// Effects returns the ledger effects of the kind.
func (k MovementKind) Effects() []Effect {
	return effects[k]
}

// Type returns the line type reported to clients.
func (k MovementKind) Type() MovementType {
	switch k {
	case KindArrival:
		return TypeArrival
	case KindUsage:
		return TypeOutgoing
	case KindDestruction:
		return TypeDestruction
	case KindIncidentUsableIn, KindIncidentUsableOut, KindIncidentUnusableIn:
		return TypeIncident
	case KindEarmarkCreated:
		return TypeEarmarkCreated
	case KindEarmarkUsed:
		return TypeEarmarkUsed
	case KindEarmarkReturned:
		return TypeEarmarkReturned
	}
	return ""
}

// =============================================================================
// INCIDENT CLASSIFICATION
// =============================================================================

// StockCorrection is the reason of an incident report.
type StockCorrection string

const (
	CorrectionPhysicalInventoryAdd    StockCorrection = "physical_inventory_add"
	CorrectionPhysicalInventoryRemove StockCorrection = "physical_inventory_remove"
	CorrectionMissing                 StockCorrection = "missing"
	CorrectionReturn                  StockCorrection = "return"
	CorrectionStealing                StockCorrection = "stealing"
	CorrectionBroken                  StockCorrection = "broken"
	CorrectionVaccineExpired          StockCorrection = "vaccine_expired"
	CorrectionVVMReachedDiscardPoint  StockCorrection = "vvm_reached_discard_point"
	CorrectionUnreadableLabel         StockCorrection = "unreadable_label"
)

// StockCorrections lists every accepted reason.
var StockCorrections = []StockCorrection{
	CorrectionPhysicalInventoryAdd,
	CorrectionPhysicalInventoryRemove,
	CorrectionMissing,
	CorrectionReturn,
	CorrectionStealing,
	CorrectionBroken,
	CorrectionVaccineExpired,
	CorrectionVVMReachedDiscardPoint,
	CorrectionUnreadableLabel,
}

var correctionLabels = map[StockCorrection]string{
	CorrectionPhysicalInventoryAdd:    "Physical inventory (add)",
	CorrectionPhysicalInventoryRemove: "Physical inventory (remove)",
	CorrectionMissing:                 "Missing",
	CorrectionReturn:                  "Return",
	CorrectionStealing:                "Stealing",
	CorrectionBroken:                  "Broken",
	CorrectionVaccineExpired:          "Vaccine expired",
	CorrectionVVMReachedDiscardPoint:  "VVM reached discard point",
	CorrectionUnreadableLabel:         "Unreadable label",
}

// Label is the human-readable reason used as ledger action.
func (c StockCorrection) Label() string {
	if label, ok := correctionLabels[c]; ok {
		return label
	}
	return string(c)
}

// ClassifyCorrection maps an incident reason to its movement kind.
func ClassifyCorrection(c StockCorrection) (MovementKind, error) {
	switch c {
	case CorrectionPhysicalInventoryAdd:
		return KindIncidentUsableIn, nil
	case CorrectionMissing, CorrectionReturn, CorrectionStealing, CorrectionBroken,
		CorrectionPhysicalInventoryRemove:
		return KindIncidentUsableOut, nil
	case CorrectionVaccineExpired, CorrectionVVMReachedDiscardPoint, CorrectionUnreadableLabel:
		return KindIncidentUnusableIn, nil
	}
	return 0, invalid("stock_correction", "unknown reason %q", c)
}

// =============================================================================
// MOVEMENT - one classified row
// =============================================================================

// Movement is a source row reduced to what the ledgers need.
type Movement struct {
	Kind   MovementKind
	Date   time.Time
	Action string
	Vials  int
	Doses  int
	Ref    string // ID of the source row
}

// Posting is a line destined for one ledger.
type Posting struct {
	Ledger LedgerName
	Line   Line
}

// Postings expands the movement into one line per effect.
func (m Movement) Postings() []Posting {
	out := make([]Posting, 0, 2)
	for _, e := range m.Kind.Effects() {
		out = append(out, Posting{
			Ledger: e.Ledger,
			Line: Line{
				Date:      Day(m.Date),
				Action:    m.Action,
				Direction: e.Direction,
				Vials:     m.Vials,
				Doses:     m.Doses,
				Type:      m.Kind.Type(),
				Ref:       m.Ref,
			},
		})
	}
	return out
}

// =============================================================================
// ROW -> MOVEMENT, one function per source
// =============================================================================

func arrivalMovement(r ArrivalReport, dosesPerVial int) Movement {
	doses := valueOr(r.DosesReceived)
	action := "Stock Arrival"
	if r.PONumber != "" {
		action = "PO #" + r.PONumber
	}
	return Movement{
		Kind:   KindArrival,
		Date:   r.ArrivalReportDate,
		Action: action,
		Vials:  vaccine.CeilDiv(doses, dosesPerVial),
		Doses:  doses,
		Ref:    r.ID,
	}
}

// usageMovement nets out the vials covered by linked earmarks: those were
// already taken out of usable stock when the reservation was created.
func usageMovement(m OutgoingMovement, covered int, label string, dosesPerVial int) Movement {
	action := "Form A"
	if label != "" {
		action += " - " + label
	}
	vials := m.UsableVialsUsed
	if covered > 0 {
		vials = m.UsableVialsUsed - covered
		action += fmt.Sprintf(" (%d vials from earmarked stock, %d vials from general stock)", covered, vials)
	}
	return Movement{
		Kind:   KindUsage,
		Date:   m.ReportDate,
		Action: action,
		Vials:  vials,
		Doses:  vials * dosesPerVial,
		Ref:    m.ID,
	}
}

// usedMovement reports the full usage of a Form A, earmarked or not.
func usedMovement(m OutgoingMovement, label string, dosesPerVial int) Movement {
	action := "Form A"
	if label != "" {
		action += " - " + label
	}
	return Movement{
		Kind:   KindUsage,
		Date:   m.ReportDate,
		Action: action,
		Vials:  m.UsableVialsUsed,
		Doses:  m.UsableVialsUsed * dosesPerVial,
		Ref:    m.ID,
	}
}

func destructionMovement(r DestructionReport, dosesPerVial int) Movement {
	action := r.Action
	if action == "" {
		action = "Destruction report"
	}
	return Movement{
		Kind:   KindDestruction,
		Date:   r.DestructionReportDate,
		Action: action,
		Vials:  r.UnusableVialsDestroyed,
		Doses:  r.UnusableVialsDestroyed * dosesPerVial,
		Ref:    r.ID,
	}
}

func incidentMovement(r IncidentReport, dosesPerVial int) (Movement, error) {
	kind, err := ClassifyCorrection(r.StockCorrection)
	if err != nil {
		return Movement{}, err
	}
	vials := valueOr(r.UsableVials)
	if kind == KindIncidentUnusableIn {
		vials = valueOr(r.UnusableVials)
	}
	return Movement{
		Kind:   kind,
		Date:   r.DateOfIncidentReport,
		Action: r.StockCorrection.Label(),
		Vials:  vials,
		Doses:  vials * dosesPerVial,
		Ref:    r.ID,
	}, nil
}

func earmarkMovement(e Earmark, label string, dosesPerVial int) (Movement, error) {
	var (
		kind   MovementKind
		action string
	)
	switch e.Type {
	case EarmarkCreated:
		kind, action = KindEarmarkCreated, "Earmarked stock reserved"
	case EarmarkUsed:
		kind, action = KindEarmarkUsed, "Earmarked stock used"
	case EarmarkReturned:
		kind, action = KindEarmarkReturned, "Earmarked stock returned"
	default:
		return Movement{}, invalid("earmarked_stock_type", "unknown type %q", e.Type)
	}
	if label != "" {
		action += " for " + label
	}
	return Movement{
		Kind:   kind,
		Date:   e.Date,
		Action: action,
		Vials:  e.VialsEarmarked,
		Doses:  e.VialsEarmarked * dosesPerVial,
		Ref:    e.ID,
	}, nil
}

func valueOr(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
