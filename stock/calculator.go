/*
calculator.go - Read-side projection of a stock's ledgers

PURPOSE:
  Answers "how many vials of this stock are usable, unusable or earmarked,
  as of date D?" by reading the five movement sources and replaying them.
  There is no persisted balance: every call recomputes from scratch.

AS-OF RULES:
  With an end date, a movement counts when its own date is on or before
  the end date. Arrivals are additionally restricted at request-form level:
  only forms with at least one of their rounds covering the stock's vaccine
  and ended by the end date contribute. Without an end date everything
  counts.

DOUBLE COUNTING:
  An earmark "created" already took its vials out of usable stock. When a
  Form A consumes those vials, its usable-out line carries only the part not
  covered by linked "used" earmarks:

    real_vials_used = usable_vials_used - sum(linked used earmark vials)

  The Used ledger is a reporting view and always carries the full count.

CONCURRENCY:
  A Calculator holds no mutable state and can be shared between goroutines.

EXAMPLE:
  calc := stock.NewCalculator(store, vaccine.DefaultFormulations())
  p, err := calc.Project(ctx, stockID, stock.DatePtr(asOf))
  usable := p.TotalUsable() // {Vials: 15, Doses: 750}

SEE ALSO:
  - movement.go: row classification and effect table
  - line.go: Ledger arithmetic
  - history.go: freezes projections at round boundaries
*/
package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/vaccine-stock/vaccine"
)

// =============================================================================
// PROJECTION - every ledger of one stock as of one date
// =============================================================================

// Projection is the result of one replay.
type Projection struct {
	Stock        VaccineStock
	Identity     Identity
	End          *time.Time
	DosesPerVial int

	Usable    Ledger
	Unusable  Ledger
	Earmarked Ledger

	// Used lists every Form A at its full usable_vials_used.
	Used Ledger
}

func (p *Projection) TotalUsable() Quantity    { return p.Usable.Total() }
func (p *Projection) TotalUnusable() Quantity  { return p.Unusable.Total() }
func (p *Projection) TotalEarmarked() Quantity { return p.Earmarked.Total() }

// TotalPhysical is usable + unusable + earmarked.
func (p *Projection) TotalPhysical() Quantity {
	return p.TotalUsable().Add(p.TotalUnusable()).Add(p.TotalEarmarked())
}

// VialsReceived sums the arrival lines.
func (p *Projection) VialsReceived() int {
	return p.sumType(p.Usable, TypeArrival)
}

// VialsUsed sums the Used view.
func (p *Projection) VialsUsed() int {
	return p.Used.TotalOut().Vials
}

// VialsDestroyed sums the destruction lines.
func (p *Projection) VialsDestroyed() int {
	return p.sumType(p.Unusable, TypeDestruction)
}

func (p *Projection) sumType(l Ledger, t MovementType) int {
	n := 0
	for _, line := range l.Lines {
		if line.Type == t {
			n += line.Vials
		}
	}
	return n
}

// Ledger returns the named ledger.
func (p *Projection) Ledger(name LedgerName) (Ledger, error) {
	switch name {
	case LedgerUsable:
		return p.Usable, nil
	case LedgerUnusable:
		return p.Unusable, nil
	case LedgerEarmarked:
		return p.Earmarked, nil
	case LedgerUsed:
		return p.Used, nil
	}
	return Ledger{}, invalid("ledger", "unknown ledger %q", name)
}

// Lines returns a copy of the named ledger's lines. With expanded set,
// each line carries the stock identity so lines of many stocks can be
// flattened into one table.
func (p *Projection) Lines(name LedgerName, expanded bool) ([]Line, error) {
	l, err := p.Ledger(name)
	if err != nil {
		return nil, err
	}
	lines := make([]Line, len(l.Lines))
	copy(lines, l.Lines)
	if expanded {
		id := p.Identity
		for i := range lines {
			lines[i].Identity = &id
		}
	}
	return lines, nil
}

// =============================================================================
// CALCULATOR
// =============================================================================

// Calculator replays movement sources into a Projection.
type Calculator struct {
	Store        Reader
	Formulations vaccine.Formulations
}

func NewCalculator(store Reader, formulations vaccine.Formulations) *Calculator {
	return &Calculator{Store: store, Formulations: formulations}
}

// Project reads every movement source of the stock and builds its ledgers
// as of end (nil = unbounded).
func (c *Calculator) Project(ctx context.Context, stockID string, end *time.Time) (*Projection, error) {
	s, err := c.Store.Stock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	perVial, err := c.Formulations.DosesPerVial(s.Vaccine)
	if err != nil {
		return nil, &ComputationError{Op: "project stock " + s.ID, Err: err}
	}

	src, err := c.load(ctx, *s, end)
	if err != nil {
		return nil, err
	}

	p := &Projection{
		Stock:        *s,
		Identity:     src.identity,
		End:          end,
		DosesPerVial: perVial,
		Usable:       Ledger{Name: LedgerUsable},
		Unusable:     Ledger{Name: LedgerUnusable},
		Earmarked:    Ledger{Name: LedgerEarmarked},
		Used:         Ledger{Name: LedgerUsed},
	}

	var movements []Movement
	for _, a := range src.arrivals {
		movements = append(movements, arrivalMovement(a, perVial))
	}

	covered := coverage(src.earmarks)
	for _, m := range src.outgoing {
		label := src.labels[m.RoundID]
		movements = append(movements, usageMovement(m, covered[m.ID], label, perVial))
		p.Used.Post(usedMovement(m, label, perVial).Postings()[0].Line)
	}

	for _, r := range src.incidents {
		mv, err := incidentMovement(r, perVial)
		if err != nil {
			return nil, &ComputationError{Op: "classify incident " + r.ID, Err: err}
		}
		movements = append(movements, mv)
	}

	for _, r := range src.destructions {
		movements = append(movements, destructionMovement(r, perVial))
	}

	for _, e := range src.earmarks {
		mv, err := earmarkMovement(e, earmarkLabel(e, src.labels), perVial)
		if err != nil {
			return nil, &ComputationError{Op: "classify earmark " + e.ID, Err: err}
		}
		movements = append(movements, mv)
	}

	for _, mv := range movements {
		for _, posting := range mv.Postings() {
			switch posting.Ledger {
			case LedgerUsable:
				p.Usable.Post(posting.Line)
			case LedgerUnusable:
				p.Unusable.Post(posting.Line)
			case LedgerEarmarked:
				p.Earmarked.Post(posting.Line)
			}
		}
	}

	SortByDate(p.Usable.Lines)
	SortByDate(p.Unusable.Lines)
	SortByDate(p.Earmarked.Lines)
	SortByDate(p.Used.Lines)
	return p, nil
}

// coverage sums, per outgoing movement, the vials of the "used" earmarks
// linked to it. The link is the only signal; quantities are never matched.
func coverage(earmarks []Earmark) map[string]int {
	covered := make(map[string]int)
	for _, e := range earmarks {
		if e.Type == EarmarkUsed && e.Linked() {
			covered[*e.MovementID] += e.VialsEarmarked
		}
	}
	return covered
}

func earmarkLabel(e Earmark, labels map[string]string) string {
	if label, ok := labels[e.RoundID]; ok && e.RoundID != "" {
		return label
	}
	return e.TemporaryCampaignName
}

// =============================================================================
// SOURCE LOADING
// =============================================================================

type sources struct {
	identity     Identity
	labels       map[string]string // round ID -> "<obr> R<n>"
	arrivals     []ArrivalReport
	outgoing     []OutgoingMovement
	destructions []DestructionReport
	incidents    []IncidentReport
	earmarks     []Earmark
}

func (c *Calculator) load(ctx context.Context, s VaccineStock, end *time.Time) (*sources, error) {
	src := &sources{
		identity: Identity{
			StockID:     s.ID,
			CountryID:   s.CountryID,
			CountryName: s.CountryID,
			Vaccine:     s.Vaccine,
		},
		labels: make(map[string]string),
	}

	country, err := c.Store.Country(ctx, s.CountryID)
	switch {
	case err == nil:
		src.identity.CountryName = country.Name
	case !IsNotFound(err):
		return nil, fmt.Errorf("load country: %w", err)
	}

	campaigns, err := c.Store.Campaigns(ctx, s.CountryID)
	if err != nil {
		return nil, fmt.Errorf("load campaigns: %w", err)
	}
	for _, camp := range campaigns {
		for _, r := range camp.Rounds {
			src.labels[r.ID] = camp.RoundLabel(r)
		}
	}

	forms, err := c.Store.RequestForms(ctx, RequestFormQuery{
		CountryID:     s.CountryID,
		Vaccine:       s.Vaccine,
		RoundsEndedBy: end,
	})
	if err != nil {
		return nil, fmt.Errorf("load request forms: %w", err)
	}
	if len(forms) > 0 {
		ids := make([]string, len(forms))
		for i, f := range forms {
			ids[i] = f.ID
		}
		if src.arrivals, err = c.Store.ArrivalReports(ctx, ids, end); err != nil {
			return nil, fmt.Errorf("load arrival reports: %w", err)
		}
	}

	if src.outgoing, err = c.Store.OutgoingMovements(ctx, s.ID, end); err != nil {
		return nil, fmt.Errorf("load outgoing movements: %w", err)
	}
	if src.destructions, err = c.Store.DestructionReports(ctx, s.ID, end); err != nil {
		return nil, fmt.Errorf("load destruction reports: %w", err)
	}
	if src.incidents, err = c.Store.IncidentReports(ctx, s.ID, end); err != nil {
		return nil, fmt.Errorf("load incident reports: %w", err)
	}
	if src.earmarks, err = c.Store.Earmarks(ctx, s.ID, end); err != nil {
		return nil, fmt.Errorf("load earmarks: %w", err)
	}
	return src, nil
}

// =============================================================================
// CONVENIENCE QUERIES - one projection per call
// =============================================================================

func (c *Calculator) TotalUsableVials(ctx context.Context, stockID string, end *time.Time) (Quantity, error) {
	p, err := c.Project(ctx, stockID, end)
	if err != nil {
		return Quantity{}, err
	}
	return p.TotalUsable(), nil
}

func (c *Calculator) TotalUnusableVials(ctx context.Context, stockID string, end *time.Time) (Quantity, error) {
	p, err := c.Project(ctx, stockID, end)
	if err != nil {
		return Quantity{}, err
	}
	return p.TotalUnusable(), nil
}

func (c *Calculator) TotalEarmarked(ctx context.Context, stockID string, end *time.Time) (Quantity, error) {
	p, err := c.Project(ctx, stockID, end)
	if err != nil {
		return Quantity{}, err
	}
	return p.TotalEarmarked(), nil
}

func (c *Calculator) VialsReceived(ctx context.Context, stockID string, end *time.Time) (int, error) {
	p, err := c.Project(ctx, stockID, end)
	if err != nil {
		return 0, err
	}
	return p.VialsReceived(), nil
}

func (c *Calculator) VialsUsed(ctx context.Context, stockID string, end *time.Time) (int, error) {
	p, err := c.Project(ctx, stockID, end)
	if err != nil {
		return 0, err
	}
	return p.VialsUsed(), nil
}

func (c *Calculator) VialsDestroyed(ctx context.Context, stockID string, end *time.Time) (int, error) {
	p, err := c.Project(ctx, stockID, end)
	if err != nil {
		return 0, err
	}
	return p.VialsDestroyed(), nil
}

func (c *Calculator) UsableVials(ctx context.Context, stockID string, end *time.Time, expanded bool) ([]Line, error) {
	return c.lines(ctx, stockID, LedgerUsable, end, expanded)
}

func (c *Calculator) UnusableVials(ctx context.Context, stockID string, end *time.Time, expanded bool) ([]Line, error) {
	return c.lines(ctx, stockID, LedgerUnusable, end, expanded)
}

func (c *Calculator) EarmarkedVials(ctx context.Context, stockID string, end *time.Time, expanded bool) ([]Line, error) {
	return c.lines(ctx, stockID, LedgerEarmarked, end, expanded)
}

// UsedVials lists Form A usage at full count, earmark coverage included.
func (c *Calculator) UsedVials(ctx context.Context, stockID string, end *time.Time, expanded bool) ([]Line, error) {
	return c.lines(ctx, stockID, LedgerUsed, end, expanded)
}

func (c *Calculator) lines(ctx context.Context, stockID string, name LedgerName, end *time.Time, expanded bool) ([]Line, error) {
	p, err := c.Project(ctx, stockID, end)
	if err != nil {
		return nil, err
	}
	return p.Lines(name, expanded)
}
