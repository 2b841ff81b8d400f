/*
line.go - Ledger lines and running ledgers

PURPOSE:
  A Ledger is an ordered list of dated Lines, each moving vials (and the
  matching doses) in or out of one of the three stock buckets:

    usable     vials that can be sent to the field
    unusable   expired/damaged vials waiting for destruction
    earmarked  usable vials reserved for a round, not generally available

  A balance is never stored: it is the sum of a ledger's lines.

  Total physical vials = usable + unusable + earmarked. Every movement
  posts to the ledgers so that this sum only changes through arrivals,
  usage, destruction and incident corrections.

SEE ALSO:
  - movement.go: how source rows become lines
  - calculator.go: builds the three ledgers for a stock
*/
package stock

import (
	"sort"
	"time"
)

// Quantity is a (vials, doses) pair.
type Quantity struct {
	Vials int `json:"vials"`
	Doses int `json:"doses"`
}

func (q Quantity) Add(o Quantity) Quantity {
	return Quantity{Vials: q.Vials + o.Vials, Doses: q.Doses + o.Doses}
}

func (q Quantity) Sub(o Quantity) Quantity {
	return Quantity{Vials: q.Vials - o.Vials, Doses: q.Doses - o.Doses}
}

func (q Quantity) IsZero() bool { return q.Vials == 0 && q.Doses == 0 }

// LedgerName identifies one of the three stock buckets.
type LedgerName string

const (
	LedgerUsable    LedgerName = "usable"
	LedgerUnusable  LedgerName = "unusable"
	LedgerEarmarked LedgerName = "earmarked"
)

// ParseLedgerName accepts the three bucket names plus "used", the
// reporting view of administered vials.
func ParseLedgerName(s string) (LedgerName, error) {
	switch LedgerName(s) {
	case LedgerUsable, LedgerUnusable, LedgerEarmarked, LedgerUsed:
		return LedgerName(s), nil
	}
	return "", invalid("ledger", "unknown ledger %q", s)
}

// LedgerUsed is not a bucket: it lists Form A usage at full count.
const LedgerUsed LedgerName = "used"

// Direction of a line relative to its ledger.
type Direction int

const (
	In Direction = iota + 1
	Out
)

func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// MovementType is the client-facing type of a line.
type MovementType string

const (
	TypeArrival         MovementType = "vaccine_arrival"
	TypeOutgoing        MovementType = "outgoing_stock_movement"
	TypeDestruction     MovementType = "destruction_report"
	TypeIncident        MovementType = "incident_report"
	TypeEarmarkCreated  MovementType = "earmarked_stock__created"
	TypeEarmarkUsed     MovementType = "earmarked_stock__used"
	TypeEarmarkReturned MovementType = "earmarked_stock__returned"
)

// =============================================================================
// LINE
// =============================================================================

// Line is one dated entry of a ledger. Only the side matching Direction
// carries a value; the other side is reported as absent.
type Line struct {
	Date      time.Time
	Action    string
	Direction Direction
	Vials     int
	Doses     int
	Type      MovementType
	Ref       string

	// Identity is set on expanded lines only.
	Identity *Identity
}

func (l Line) VialsIn() *int  { return l.side(In, l.Vials) }
func (l Line) DosesIn() *int  { return l.side(In, l.Doses) }
func (l Line) VialsOut() *int { return l.side(Out, l.Vials) }
func (l Line) DosesOut() *int { return l.side(Out, l.Doses) }

func (l Line) side(d Direction, v int) *int {
	if l.Direction != d {
		return nil
	}
	return &v
}

// Signed returns the line's effect on its ledger's balance.
func (l Line) Signed() Quantity {
	if l.Direction == Out {
		return Quantity{Vials: -l.Vials, Doses: -l.Doses}
	}
	return Quantity{Vials: l.Vials, Doses: l.Doses}
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the ordered line list of one bucket.
type Ledger struct {
	Name  LedgerName
	Lines []Line
}

// Post appends a line.
func (l *Ledger) Post(line Line) {
	l.Lines = append(l.Lines, line)
}

// Total is the ledger balance: sum in minus sum out.
func (l Ledger) Total() Quantity {
	var q Quantity
	for _, line := range l.Lines {
		q = q.Add(line.Signed())
	}
	return q
}

func (l Ledger) TotalIn() Quantity  { return l.sum(In) }
func (l Ledger) TotalOut() Quantity { return l.sum(Out) }

func (l Ledger) sum(d Direction) Quantity {
	var q Quantity
	for _, line := range l.Lines {
		if line.Direction == d {
			q = q.Add(Quantity{Vials: line.Vials, Doses: line.Doses})
		}
	}
	return q
}

// Running returns the balance after each line, in line order.
func (l Ledger) Running() []Quantity {
	out := make([]Quantity, len(l.Lines))
	var q Quantity
	for i, line := range l.Lines {
		q = q.Add(line.Signed())
		out[i] = q
	}
	return out
}

// SortByDate orders lines by date, keeping posting order for ties.
func SortByDate(lines []Line) {
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Date.Before(lines[j].Date)
	})
}
