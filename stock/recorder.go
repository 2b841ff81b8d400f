/*
recorder.go - Validated, transactional writes

PURPOSE:
  Every row that the calculator later replays enters the system here.
  Malformed input fails fast with a ValidationError before anything is
  stored; the read path then never has to guess.

WRITE-TIME CHECKS:
  - vaccine codes must exist in the formulation table
  - counts must be >= 0
  - incident reasons must be one of the nine known corrections, and the
    count matching the reason's ledger must be present
  - an earmark needs a reservation scope: a round or a temporary name
  - only "used" earmarks may point at a Form A, on the Form A's date, and
    the linked vials may not exceed the Form A's usage
  - "used" and "returned" earmarks may not drive their lineage negative,
    neither on their own date nor overall

TRANSACTIONS:
  Each Record* call runs in one TxStore.WithTx. RecordOutgoingMovement
  writes the Form A and the earmarks it consumes together, so a reader
  never sees a Form A whose coverage is only partially stored.

SEE ALSO:
  - validate.go: struct tag validation
  - movement.go: ClassifyCorrection
  - history.go: the other writer, for round snapshots
*/
package stock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/vaccine-stock/vaccine"
)

// Recorder is the write side of the ledger.
type Recorder struct {
	Store        TxStore
	Formulations vaccine.Formulations
	Validator    *Validator
	Logger       *zap.Logger

	// Now and NewID are replaceable in tests.
	Now   func() time.Time
	NewID func() string
}

func NewRecorder(store TxStore, formulations vaccine.Formulations, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		Store:        store,
		Formulations: formulations,
		Validator:    NewValidator(formulations),
		Logger:       logger,
		Now:          time.Now,
		NewID:        uuid.NewString,
	}
}

func (r *Recorder) stamp(id *string, created *time.Time) {
	if *id == "" {
		*id = r.NewID()
	}
	if created.IsZero() {
		*created = r.Now().UTC()
	}
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (r *Recorder) RecordCountry(ctx context.Context, c Country) (*Country, error) {
	if err := r.Validator.Struct(c); err != nil {
		return nil, err
	}
	if err := r.Store.SaveCountry(ctx, c); err != nil {
		return nil, fmt.Errorf("save country: %w", err)
	}
	return &c, nil
}

// EnsureStock returns the stock of (country, vaccine), creating it on first
// use. The country must exist.
func (r *Recorder) EnsureStock(ctx context.Context, accountID, countryID string, v vaccine.Type) (*VaccineStock, error) {
	candidate := VaccineStock{AccountID: accountID, CountryID: countryID, Vaccine: v}
	if err := r.Validator.Struct(candidate); err != nil {
		return nil, err
	}

	var result *VaccineStock
	err := r.Store.WithTx(ctx, func(st Store) error {
		existing, err := st.StockFor(ctx, countryID, v)
		if err == nil {
			result = existing
			return nil
		}
		if !IsNotFound(err) {
			return err
		}
		if _, err := st.Country(ctx, countryID); err != nil {
			return err
		}
		r.stamp(&candidate.ID, &candidate.CreatedAt)
		if err := st.SaveStock(ctx, candidate); err != nil {
			return fmt.Errorf("save stock: %w", err)
		}
		r.Logger.Info("stock created",
			zap.String("stock_id", candidate.ID),
			zap.String("country_id", countryID),
			zap.String("vaccine", string(v)))
		result = &candidate
		return nil
	})
	if errors.Is(err, ErrDuplicate) {
		// Created concurrently between the lookup and the insert.
		return r.Store.StockFor(ctx, countryID, v)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordCampaign stores a campaign and its rounds, assigning missing IDs.
func (r *Recorder) RecordCampaign(ctx context.Context, c Campaign) (*Campaign, error) {
	if err := r.Validator.Struct(c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = r.NewID()
	}
	seen := make(map[int]bool)
	for i := range c.Rounds {
		rd := &c.Rounds[i]
		if rd.ID == "" {
			rd.ID = r.NewID()
		}
		rd.CampaignID = c.ID
		if seen[rd.Number] {
			return nil, invalid(fmt.Sprintf("rounds[%d].number", i), "duplicate round number %d", rd.Number)
		}
		seen[rd.Number] = true
		if rd.StartedAt != nil {
			rd.StartedAt = DatePtr(*rd.StartedAt)
		}
		if rd.EndedAt != nil {
			rd.EndedAt = DatePtr(*rd.EndedAt)
		}
		if rd.StartedAt != nil && rd.EndedAt != nil && rd.EndedAt.Before(*rd.StartedAt) {
			return nil, invalid(fmt.Sprintf("rounds[%d].ended_at", i), "before started_at")
		}
	}

	err := r.Store.WithTx(ctx, func(st Store) error {
		if _, err := st.Country(ctx, c.CountryID); err != nil {
			return err
		}
		return st.SaveCampaign(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RecordRequestForm stores a VRF. Its rounds must belong to its campaign.
func (r *Recorder) RecordRequestForm(ctx context.Context, f RequestForm) (*RequestForm, error) {
	if err := r.Validator.Struct(f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		f.Type = RequestNormal
	}
	if f.DateVRFSignature != nil {
		f.DateVRFSignature = DatePtr(*f.DateVRFSignature)
	}
	r.stamp(&f.ID, &f.CreatedAt)

	err := r.Store.WithTx(ctx, func(st Store) error {
		camp, err := st.Campaign(ctx, f.CampaignID)
		if err != nil {
			return err
		}
		for i, id := range f.RoundIDs {
			if _, ok := camp.Round(id); !ok {
				return invalid(fmt.Sprintf("round_ids[%d]", i), "round %s is not part of campaign %s", id, camp.ID)
			}
		}
		return st.SaveRequestForm(ctx, f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *Recorder) RecordPreAlert(ctx context.Context, p PreAlert) (*PreAlert, error) {
	if err := r.Validator.Struct(p); err != nil {
		return nil, err
	}
	if p.EstimatedArrivalDate != nil {
		p.EstimatedArrivalDate = DatePtr(*p.EstimatedArrivalDate)
	}
	r.stamp(&p.ID, &p.CreatedAt)

	err := r.Store.WithTx(ctx, func(st Store) error {
		if _, err := st.RequestForm(ctx, p.RequestFormID); err != nil {
			return err
		}
		return st.AppendPreAlert(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func (r *Recorder) RecordArrivalReport(ctx context.Context, a ArrivalReport) (*ArrivalReport, error) {
	if err := r.Validator.Struct(a); err != nil {
		return nil, err
	}
	a.ArrivalReportDate = Day(a.ArrivalReportDate)
	r.stamp(&a.ID, &a.CreatedAt)

	err := r.Store.WithTx(ctx, func(st Store) error {
		if _, err := st.RequestForm(ctx, a.RequestFormID); err != nil {
			return err
		}
		return st.AppendArrivalReport(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	r.Logger.Info("arrival report recorded",
		zap.String("request_form_id", a.RequestFormID),
		zap.String("kind", KindArrival.String()))
	return &a, nil
}

// RecordOutgoingMovement stores a Form A together with the "used" earmarks
// that cover part or all of it. Each earmark is linked to the movement and
// dated with its report date.
func (r *Recorder) RecordOutgoingMovement(ctx context.Context, m OutgoingMovement, used ...Earmark) (*OutgoingMovement, []Earmark, error) {
	if err := r.Validator.Struct(m); err != nil {
		return nil, nil, err
	}
	m.ReportDate = Day(m.ReportDate)
	if m.FormAReceptionDate != nil {
		m.FormAReceptionDate = DatePtr(*m.FormAReceptionDate)
	}
	r.stamp(&m.ID, &m.CreatedAt)

	for i := range used {
		e := &used[i]
		if e.Type == "" {
			e.Type = EarmarkUsed
		}
		if e.Type != EarmarkUsed {
			return nil, nil, invalid(fmt.Sprintf("earmarks[%d].earmarked_stock_type", i), "only used earmarks can cover a movement")
		}
		if e.StockID == "" {
			e.StockID = m.StockID
		}
		if e.StockID != m.StockID {
			return nil, nil, invalid(fmt.Sprintf("earmarks[%d].stock_id", i), "must match the movement's stock")
		}
		if e.Date.IsZero() {
			e.Date = m.ReportDate
		}
		id := m.ID
		e.MovementID = &id
		if err := r.Validator.Struct(*e); err != nil {
			return nil, nil, err
		}
	}

	covered := 0
	err := r.Store.WithTx(ctx, func(st Store) error {
		stk, err := st.Stock(ctx, m.StockID)
		if err != nil {
			return err
		}
		for i := range used {
			if err := r.fillQuantities(*stk, &used[i]); err != nil {
				return err
			}
			covered += used[i].VialsEarmarked
		}
		if covered > m.UsableVialsUsed {
			return invalid("earmarks", "cover %d vials but the movement uses %d", covered, m.UsableVialsUsed)
		}
		if err := r.checkRound(ctx, st, m.CampaignID, m.RoundID, "round_id"); err != nil {
			return err
		}
		if err := st.AppendOutgoingMovement(ctx, m); err != nil {
			return fmt.Errorf("append outgoing movement: %w", err)
		}
		for i := range used {
			if err := r.appendEarmark(ctx, st, *stk, &used[i], &m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	r.Logger.Info("outgoing movement recorded",
		zap.String("stock_id", m.StockID),
		zap.String("round_id", m.RoundID),
		zap.Int("vials", m.UsableVialsUsed),
		zap.Int("earmark_covered", covered))
	return &m, used, nil
}

func (r *Recorder) RecordDestruction(ctx context.Context, d DestructionReport) (*DestructionReport, error) {
	if err := r.Validator.Struct(d); err != nil {
		return nil, err
	}
	d.DestructionReportDate = Day(d.DestructionReportDate)
	if d.RRTReceptionDate != nil {
		d.RRTReceptionDate = DatePtr(*d.RRTReceptionDate)
	}
	r.stamp(&d.ID, &d.CreatedAt)

	err := r.Store.WithTx(ctx, func(st Store) error {
		if _, err := st.Stock(ctx, d.StockID); err != nil {
			return err
		}
		return st.AppendDestructionReport(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	r.Logger.Info("destruction report recorded",
		zap.String("stock_id", d.StockID),
		zap.Int("vials", d.UnusableVialsDestroyed))
	return &d, nil
}

// RecordIncident stores an incident report. The count read by the ledger
// (usable_vials or unusable_vials, by reason) must be present.
func (r *Recorder) RecordIncident(ctx context.Context, in IncidentReport) (*IncidentReport, error) {
	if err := r.Validator.Struct(in); err != nil {
		return nil, err
	}
	kind, err := ClassifyCorrection(in.StockCorrection)
	if err != nil {
		return nil, err
	}
	if kind == KindIncidentUnusableIn && in.UnusableVials == nil {
		return nil, invalid("unusable_vials", "is required for %s", in.StockCorrection)
	}
	if kind != KindIncidentUnusableIn && in.UsableVials == nil {
		return nil, invalid("usable_vials", "is required for %s", in.StockCorrection)
	}
	in.DateOfIncidentReport = Day(in.DateOfIncidentReport)
	if in.ReceivedByRRT != nil {
		in.ReceivedByRRT = DatePtr(*in.ReceivedByRRT)
	}
	r.stamp(&in.ID, &in.CreatedAt)

	err = r.Store.WithTx(ctx, func(st Store) error {
		if _, err := st.Stock(ctx, in.StockID); err != nil {
			return err
		}
		return st.AppendIncidentReport(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	r.Logger.Info("incident report recorded",
		zap.String("stock_id", in.StockID),
		zap.String("kind", kind.String()))
	return &in, nil
}

// RecordEarmark stores one earmark event. A "used" earmark may point at an
// existing Form A of the same stock through MovementID.
func (r *Recorder) RecordEarmark(ctx context.Context, e Earmark) (*Earmark, error) {
	if err := r.Validator.Struct(e); err != nil {
		return nil, err
	}
	if e.Linked() && e.Type != EarmarkUsed {
		return nil, invalid("outgoing_movement_id", "only used earmarks can be linked to a movement")
	}

	err := r.Store.WithTx(ctx, func(st Store) error {
		stk, err := st.Stock(ctx, e.StockID)
		if err != nil {
			return err
		}
		if err := r.fillQuantities(*stk, &e); err != nil {
			return err
		}
		var movement *OutgoingMovement
		if e.Linked() {
			if movement, err = st.OutgoingMovement(ctx, *e.MovementID); err != nil {
				return err
			}
			if err := r.checkLinkCapacity(ctx, st, e, movement); err != nil {
				return err
			}
		}
		return r.appendEarmark(ctx, st, *stk, &e, movement)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// =============================================================================
// EARMARK HELPERS
// =============================================================================

// appendEarmark completes and checks e, then appends it. movement is the
// Form A the earmark is linked to, or nil.
func (r *Recorder) appendEarmark(ctx context.Context, st Store, stk VaccineStock, e *Earmark, movement *OutgoingMovement) error {
	if e.StockID != stk.ID {
		return invalid("stock_id", "must be %s", stk.ID)
	}
	if e.Lineage() == "" {
		return invalid("round_id", "an earmark needs a round or a temporary_campaign_name")
	}
	if err := r.checkRound(ctx, st, e.CampaignID, e.RoundID, "round_id"); err != nil {
		return err
	}
	if err := r.fillQuantities(stk, e); err != nil {
		return err
	}
	if movement != nil {
		if movement.StockID != stk.ID {
			return invalid("outgoing_movement_id", "movement belongs to another stock")
		}
		if e.Date.IsZero() {
			e.Date = movement.ReportDate
		}
		if !Day(e.Date).Equal(Day(movement.ReportDate)) {
			return invalid("date", "a linked earmark must be dated %s", FormatDate(movement.ReportDate))
		}
	}
	if e.Date.IsZero() {
		return invalid("date", "is required")
	}
	e.Date = Day(e.Date)
	r.stamp(&e.ID, &e.CreatedAt)

	if e.Type == EarmarkUsed || e.Type == EarmarkReturned {
		if err := r.checkLineage(ctx, st, *e); err != nil {
			return err
		}
	}
	if err := st.AppendEarmark(ctx, *e); err != nil {
		return fmt.Errorf("append earmark: %w", err)
	}
	r.Logger.Info("earmark recorded",
		zap.String("stock_id", e.StockID),
		zap.String("lineage", e.Lineage()),
		zap.String("kind", string(e.Type)),
		zap.Int("vials", e.VialsEarmarked))
	return nil
}

// fillQuantities derives the missing side of (vials, doses).
func (r *Recorder) fillQuantities(stk VaccineStock, e *Earmark) error {
	perVial, err := r.Formulations.DosesPerVial(stk.Vaccine)
	if err != nil {
		return invalid("vaccine", "%v", err)
	}
	switch {
	case e.VialsEarmarked == 0 && e.DosesEarmarked > 0:
		e.VialsEarmarked = vaccine.CeilDiv(e.DosesEarmarked, perVial)
	case e.DosesEarmarked == 0:
		e.DosesEarmarked = e.VialsEarmarked * perVial
	}
	return nil
}

// checkLineage rejects an event that would take more vials out of its
// reservation than it holds on the event's date or on any later date.
// The event lowers every end-of-day balance from its date onward, so the
// vials available are the lowest of those balances.
func (r *Recorder) checkLineage(ctx context.Context, st Store, e Earmark) error {
	events, err := st.Earmarks(ctx, e.StockID, nil)
	if err != nil {
		return fmt.Errorf("load earmarks: %w", err)
	}
	lineage := e.Lineage()
	var steps []Earmark
	for _, ev := range events {
		if ev.Lineage() == lineage {
			steps = append(steps, ev)
		}
	}
	slices.SortStableFunc(steps, func(a, b Earmark) int {
		return Day(a.Date).Compare(Day(b.Date))
	})

	// Balance at the end of the event's own day.
	balance, i := 0, 0
	for ; i < len(steps) && OnOrBefore(steps[i].Date, &e.Date); i++ {
		balance += steps[i].delta()
	}
	available := balance

	// End-of-day balances of every later day.
	for ; i < len(steps); i++ {
		balance += steps[i].delta()
		lastOfDay := i+1 == len(steps) || !Day(steps[i+1].Date).Equal(Day(steps[i].Date))
		if lastOfDay && balance < available {
			available = balance
		}
	}

	if e.VialsEarmarked > available {
		return &EarmarkBalanceError{
			StockID:   e.StockID,
			Lineage:   lineage,
			Available: max(available, 0),
			Requested: e.VialsEarmarked,
		}
	}
	return nil
}

// checkLinkCapacity rejects a linked earmark that would make the Form A's
// earmark coverage exceed its usage.
func (r *Recorder) checkLinkCapacity(ctx context.Context, st Store, e Earmark, m *OutgoingMovement) error {
	events, err := st.Earmarks(ctx, m.StockID, nil)
	if err != nil {
		return fmt.Errorf("load earmarks: %w", err)
	}
	covered := coverage(events)[m.ID]
	if covered+e.VialsEarmarked > m.UsableVialsUsed {
		return invalid("vials_earmarked", "movement %s uses %d vials, %d already covered", m.ID, m.UsableVialsUsed, covered)
	}
	return nil
}

// checkRound verifies that roundID, when set, belongs to campaignID.
func (r *Recorder) checkRound(ctx context.Context, st Reader, campaignID, roundID, field string) error {
	if campaignID == "" && roundID == "" {
		return nil
	}
	if campaignID == "" {
		return invalid("campaign_id", "is required with %s", field)
	}
	camp, err := st.Campaign(ctx, campaignID)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return invalid("campaign_id", "unknown campaign %s", campaignID)
		}
		return err
	}
	if roundID != "" {
		if _, ok := camp.Round(roundID); !ok {
			return invalid(field, "round %s is not part of campaign %s", roundID, campaignID)
		}
	}
	return nil
}
