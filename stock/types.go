/*
Package stock provides the vaccine stock ledger and balance calculator.

PURPOSE:
  Reconstructs, for one (country, vaccine) stock, how many vials are usable,
  unusable or earmarked at any date, by replaying five independent streams
  of dated, append-only movement records:

    Arrival reports      -> usable in
    Form A usage         -> usable out
    Destruction reports  -> unusable out
    Incident reports     -> usable in/out or unusable in, by reason
    Earmark events       -> moves vials between usable and earmarked

  Nothing here stores a running balance. Balances are always derived by
  replaying the movements, the same way a ledger is replayed.

KEY CONCEPTS IN THIS FILE (types.go):
  - VaccineStock: identity of a stock, unique per (country, vaccine)
  - Campaign / Round: used to decide which request forms count as of a date
  - RequestForm, PreAlert, ArrivalReport: the supply chain inflow
  - OutgoingMovement (Form A), DestructionReport, IncidentReport, Earmark:
    the other movement sources
  - History: per-round opening/closing snapshot

DESIGN PRINCIPLES:
  1. Append-only: movement rows are never updated or deleted
  2. Vials are the unit of account; doses are derived with the
     vaccine's doses-per-vial constant, never stored per movement
  3. Absent optional counts read as zero

SEE ALSO:
  - movement.go: classification of rows into ledger effects
  - calculator.go: the read-side projection
  - recorder.go: validated writes
*/
package stock

import (
	"strconv"
	"time"

	"github.com/warp/vaccine-stock/vaccine"
)

// =============================================================================
// STOCK IDENTITY
// =============================================================================

// Country is the owner of stocks and campaigns.
type Country struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`
}

// VaccineStock is the stock of one vaccine in one country.
type VaccineStock struct {
	ID        string       `json:"id"`
	AccountID string       `json:"account_id"`
	CountryID string       `json:"country_id" validate:"required"`
	Vaccine   vaccine.Type `json:"vaccine" validate:"required,vaccine"`
	CreatedAt time.Time    `json:"created_at"`
}

// Identity is attached to ledger lines when lines of several stocks are
// flattened into one table.
type Identity struct {
	StockID     string       `json:"stock_id"`
	CountryID   string       `json:"country_id"`
	CountryName string       `json:"country_name"`
	Vaccine     vaccine.Type `json:"vaccine"`
}

// =============================================================================
// CAMPAIGNS & ROUNDS
// =============================================================================

// Campaign groups rounds. Its vaccine scope applies to every round unless
// SeparateScopesPerRound is set, in which case each round carries its own.
type Campaign struct {
	ID                     string         `json:"id"`
	ObrName                string         `json:"obr_name" validate:"required"`
	AccountID              string         `json:"account_id"`
	CountryID              string         `json:"country_id" validate:"required"`
	Vaccines               []vaccine.Type `json:"vaccines" validate:"dive,vaccine"`
	SeparateScopesPerRound bool           `json:"separate_scopes_per_round"`
	Rounds                 []Round        `json:"rounds" validate:"dive"`
}

// Round is one vaccination round of a campaign.
type Round struct {
	ID         string         `json:"id"`
	CampaignID string         `json:"campaign_id"`
	Number     int            `json:"number" validate:"gte=0"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Vaccines   []vaccine.Type `json:"vaccines" validate:"dive,vaccine"`
}

// Round looks up a round of the campaign by ID.
func (c Campaign) Round(id string) (Round, bool) {
	for _, r := range c.Rounds {
		if r.ID == id {
			return r, true
		}
	}
	return Round{}, false
}

// RoundVaccines returns the effective vaccine scope of r.
func (c Campaign) RoundVaccines(r Round) []vaccine.Type {
	if c.SeparateScopesPerRound {
		return r.Vaccines
	}
	return c.Vaccines
}

// RoundCovers reports whether the effective scope of r includes v.
func (c Campaign) RoundCovers(r Round, v vaccine.Type) bool {
	for _, scoped := range c.RoundVaccines(r) {
		if scoped == v {
			return true
		}
	}
	return false
}

// HasRoundEndedBy reports whether any of roundIDs is a round of c that
// covers v and ended on or before end. This is the eligibility rule for
// request forms in as-of queries.
func (c Campaign) HasRoundEndedBy(roundIDs []string, v vaccine.Type, end time.Time) bool {
	for _, id := range roundIDs {
		r, ok := c.Round(id)
		if !ok || r.EndedAt == nil {
			continue
		}
		if OnOrBefore(*r.EndedAt, &end) && c.RoundCovers(r, v) {
			return true
		}
	}
	return false
}

// RoundLabel renders "<obr name> R<number>" for ledger action texts.
func (c Campaign) RoundLabel(r Round) string {
	return c.ObrName + " R" + strconv.Itoa(r.Number)
}

// =============================================================================
// SUPPLY: REQUEST FORMS, PRE-ALERTS, ARRIVALS
// =============================================================================

// RequestFormType classifies a vaccine request form.
type RequestFormType string

const (
	RequestNormal      RequestFormType = "normal"
	RequestMissing     RequestFormType = "missing"
	RequestNotRequired RequestFormType = "not_required"
)

// RequestForm (VRF) is a request for doses tied to a campaign and rounds.
type RequestForm struct {
	ID               string          `json:"id"`
	CampaignID       string          `json:"campaign_id" validate:"required"`
	Vaccine          vaccine.Type    `json:"vaccine" validate:"required,vaccine"`
	RoundIDs         []string        `json:"round_ids"`
	Type             RequestFormType `json:"vrf_type" validate:"omitempty,oneof=normal missing not_required"`
	DateVRFSignature *time.Time      `json:"date_vrf_signature,omitempty"`
	DosesRequested   *int            `json:"doses_requested,omitempty" validate:"omitempty,gte=0"`
	CreatedAt        time.Time       `json:"created_at"`
}

// PreAlert announces a shipment before it arrives.
type PreAlert struct {
	ID                   string     `json:"id"`
	RequestFormID        string     `json:"request_form_id" validate:"required"`
	PONumber             string     `json:"po_number"`
	EstimatedArrivalDate *time.Time `json:"estimated_arrival_date,omitempty"`
	DosesShipped         *int       `json:"doses_shipped,omitempty" validate:"omitempty,gte=0"`
	CreatedAt            time.Time  `json:"created_at"`
}

// ArrivalReport records doses physically received. It is the only source of
// usable inflow from outside the country.
type ArrivalReport struct {
	ID                string    `json:"id"`
	RequestFormID     string    `json:"request_form_id" validate:"required"`
	PONumber          string    `json:"po_number"`
	ArrivalReportDate time.Time `json:"arrival_report_date" validate:"required"`
	DosesReceived     *int      `json:"doses_received,omitempty" validate:"omitempty,gte=0"`
	DosesShipped      *int      `json:"doses_shipped,omitempty" validate:"omitempty,gte=0"`
	CreatedAt         time.Time `json:"created_at"`
}

// =============================================================================
// OUTFLOW & CORRECTIONS
// =============================================================================

// OutgoingMovement is a Form A: vials administered during a campaign round.
type OutgoingMovement struct {
	ID                 string     `json:"id"`
	StockID            string     `json:"stock_id" validate:"required"`
	CampaignID         string     `json:"campaign_id"`
	RoundID            string     `json:"round_id"`
	ReportDate         time.Time  `json:"report_date" validate:"required"`
	FormAReceptionDate *time.Time `json:"form_a_reception_date,omitempty"`
	UsableVialsUsed    int        `json:"usable_vials_used" validate:"gte=0"`
	Comment            string     `json:"comment,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// DestructionReport records unusable vials destroyed.
type DestructionReport struct {
	ID                     string     `json:"id"`
	StockID                string     `json:"stock_id" validate:"required"`
	Action                 string     `json:"action"`
	RRTReceptionDate       *time.Time `json:"rrt_destruction_report_reception_date,omitempty"`
	DestructionReportDate  time.Time  `json:"destruction_report_date" validate:"required"`
	UnusableVialsDestroyed int        `json:"unusable_vials_destroyed" validate:"gte=0"`
	CreatedAt              time.Time  `json:"created_at"`
}

// IncidentReport corrects the stock. Only the count matching the reason's
// classification is read; the other one is ignored.
type IncidentReport struct {
	ID                   string          `json:"id"`
	StockID              string          `json:"stock_id" validate:"required"`
	StockCorrection      StockCorrection `json:"stock_correction" validate:"required"`
	DateOfIncidentReport time.Time       `json:"date_of_incident_report" validate:"required"`
	ReceivedByRRT        *time.Time      `json:"incident_report_received_by_rrt,omitempty"`
	UsableVials          *int            `json:"usable_vials,omitempty" validate:"omitempty,gte=0"`
	UnusableVials        *int            `json:"unusable_vials,omitempty" validate:"omitempty,gte=0"`
	CreatedAt            time.Time       `json:"created_at"`
}

// =============================================================================
// EARMARKS
// =============================================================================

// EarmarkType is the transition recorded by an earmark row.
// Valid lifecycle of a reservation: created -> used | returned.
type EarmarkType string

const (
	EarmarkCreated  EarmarkType = "created"
	EarmarkUsed     EarmarkType = "used"
	EarmarkReturned EarmarkType = "returned"
)

// Earmark reserves usable vials for a round (or a provisional campaign
// name), then consumes or releases them.
type Earmark struct {
	ID                    string      `json:"id"`
	StockID               string      `json:"stock_id" validate:"required"`
	Type                  EarmarkType `json:"earmarked_stock_type" validate:"required,oneof=created used returned"`
	VialsEarmarked        int         `json:"vials_earmarked" validate:"gte=0"`
	DosesEarmarked        int         `json:"doses_earmarked" validate:"gte=0"`
	CampaignID            string      `json:"campaign_id,omitempty"`
	RoundID               string      `json:"round_id,omitempty"`
	TemporaryCampaignName string      `json:"temporary_campaign_name,omitempty"`
	MovementID            *string     `json:"outgoing_movement_id,omitempty"`
	Comment               string      `json:"comment,omitempty"`
	Date                  time.Time   `json:"date" validate:"required"`
	CreatedAt             time.Time   `json:"created_at"`
}

// Lineage identifies the reservation an earmark belongs to. Events of one
// lineage share a balance that must never go negative.
func (e Earmark) Lineage() string {
	if e.RoundID != "" {
		return "round:" + e.RoundID
	}
	if e.TemporaryCampaignName != "" {
		return "temporary:" + e.TemporaryCampaignName
	}
	return ""
}

// delta is the event's effect on its lineage balance.
func (e Earmark) delta() int {
	if e.Type == EarmarkCreated {
		return e.VialsEarmarked
	}
	return -e.VialsEarmarked
}

// Linked reports whether the earmark points at an outgoing movement.
func (e Earmark) Linked() bool {
	return e.MovementID != nil && *e.MovementID != ""
}

// =============================================================================
// HISTORY SNAPSHOT
// =============================================================================

// History freezes a stock's balances around one round.
type History struct {
	ID              string    `json:"id"`
	StockID         string    `json:"stock_id"`
	RoundID         string    `json:"round_id"`
	OpeningUsable   Quantity  `json:"opening_usable"`
	ClosingUsable   Quantity  `json:"closing_usable"`
	OpeningUnusable Quantity  `json:"opening_unusable"`
	ClosingUnusable Quantity  `json:"closing_unusable"`
	CreatedAt       time.Time `json:"created_at"`
}
