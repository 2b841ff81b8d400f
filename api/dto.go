/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Request types carry
  dates as "YYYY-MM-DD" strings and are converted to stock records in
  handlers; the records are then validated by the Recorder.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

LINES:
  A ledger line reports only its active side. vials_in/doses_in are null on
  an out line and vials_out/doses_out are null on an in line.

SEE ALSO:
  - handlers.go: Uses these types
  - stock/types.go: the records behind them
*/
package api

import (
	"time"

	"github.com/warp/vaccine-stock/report"
	"github.com/warp/vaccine-stock/stock"
	"github.com/warp/vaccine-stock/vaccine"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// StockDTO represents a vaccine stock.
type StockDTO struct {
	ID        string       `json:"id"`
	AccountID string       `json:"account_id,omitempty"`
	CountryID string       `json:"country_id"`
	Vaccine   vaccine.Type `json:"vaccine"`
	CreatedAt string       `json:"created_at,omitempty"`
}

// SummaryDTO is the totals of one stock.
type SummaryDTO struct {
	StockID        string         `json:"stock_id"`
	CountryID      string         `json:"country_id"`
	CountryName    string         `json:"country_name"`
	Vaccine        vaccine.Type   `json:"vaccine"`
	EndDate        *string        `json:"end_date"`
	Usable         stock.Quantity `json:"usable"`
	Unusable       stock.Quantity `json:"unusable"`
	Earmarked      stock.Quantity `json:"earmarked"`
	VialsReceived  int            `json:"vials_received"`
	VialsUsed      int            `json:"vials_used"`
	VialsDestroyed int            `json:"vials_destroyed"`
	UsageRate      string         `json:"usage_rate"`
}

// LineDTO is one ledger line. Identity fields are present on expanded
// lines only.
type LineDTO struct {
	Date     string `json:"date"`
	Action   string `json:"action"`
	VialsIn  *int   `json:"vials_in"`
	DosesIn  *int   `json:"doses_in"`
	VialsOut *int   `json:"vials_out"`
	DosesOut *int   `json:"doses_out"`
	Type     string `json:"type"`

	*stock.Identity
}

// VaccineDTO is one row of the formulation table.
type VaccineDTO struct {
	Vaccine      vaccine.Type `json:"vaccine"`
	DosesPerVial int          `json:"doses_per_vial"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// ValidationDetails is the details object of a 400 caused by a field.
type ValidationDetails struct {
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateStockRequest ensures the stock of a (country, vaccine) pair.
type CreateStockRequest struct {
	AccountID string `json:"account_id"`
	CountryID string `json:"country_id"`
	Vaccine   string `json:"vaccine"`
}

// CountryRequest creates or renames a country.
type CountryRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RoundRequest is one round of a CampaignRequest.
type RoundRequest struct {
	ID        string         `json:"id"`
	Number    int            `json:"number"`
	StartedAt string         `json:"started_at"`
	EndedAt   string         `json:"ended_at"`
	Vaccines  []vaccine.Type `json:"vaccines"`
}

// CampaignRequest creates or replaces a campaign and its rounds.
type CampaignRequest struct {
	ID                     string         `json:"id"`
	ObrName                string         `json:"obr_name"`
	AccountID              string         `json:"account_id"`
	CountryID              string         `json:"country_id"`
	Vaccines               []vaccine.Type `json:"vaccines"`
	SeparateScopesPerRound bool           `json:"separate_scopes_per_round"`
	Rounds                 []RoundRequest `json:"rounds"`
}

// RequestFormRequest creates or replaces a vaccine request form.
type RequestFormRequest struct {
	ID               string   `json:"id"`
	CampaignID       string   `json:"campaign_id"`
	Vaccine          string   `json:"vaccine"`
	RoundIDs         []string `json:"round_ids"`
	Type             string   `json:"vrf_type"`
	DateVRFSignature string   `json:"date_vrf_signature"`
	DosesRequested   *int     `json:"doses_requested"`
}

// PreAlertRequest announces a shipment for a request form.
type PreAlertRequest struct {
	ID                   string `json:"id"`
	PONumber             string `json:"po_number"`
	EstimatedArrivalDate string `json:"estimated_arrival_date"`
	DosesShipped         *int   `json:"doses_shipped"`
}

// ArrivalReportRequest records doses received for a request form.
type ArrivalReportRequest struct {
	ID                string `json:"id"`
	PONumber          string `json:"po_number"`
	ArrivalReportDate string `json:"arrival_report_date"`
	DosesReceived     *int   `json:"doses_received"`
	DosesShipped      *int   `json:"doses_shipped"`
}

// UsedEarmarkRequest is a "used" earmark submitted with its Form A.
type UsedEarmarkRequest struct {
	VialsEarmarked        int    `json:"vials_earmarked"`
	DosesEarmarked        int    `json:"doses_earmarked"`
	CampaignID            string `json:"campaign_id"`
	RoundID               string `json:"round_id"`
	TemporaryCampaignName string `json:"temporary_campaign_name"`
	Comment               string `json:"comment"`
}

// OutgoingMovementRequest records a Form A.
type OutgoingMovementRequest struct {
	ID                 string               `json:"id"`
	CampaignID         string               `json:"campaign_id"`
	RoundID            string               `json:"round_id"`
	ReportDate         string               `json:"report_date"`
	FormAReceptionDate string               `json:"form_a_reception_date"`
	UsableVialsUsed    int                  `json:"usable_vials_used"`
	Comment            string               `json:"comment"`
	Earmarks           []UsedEarmarkRequest `json:"earmarks"`
}

// OutgoingMovementResponse echoes the stored Form A and its earmarks.
type OutgoingMovementResponse struct {
	Movement stock.OutgoingMovement `json:"movement"`
	Earmarks []stock.Earmark        `json:"earmarks"`
}

// DestructionReportRequest records destroyed unusable vials.
type DestructionReportRequest struct {
	ID                     string `json:"id"`
	Action                 string `json:"action"`
	RRTReceptionDate       string `json:"rrt_destruction_report_reception_date"`
	DestructionReportDate  string `json:"destruction_report_date"`
	UnusableVialsDestroyed int    `json:"unusable_vials_destroyed"`
}

// IncidentReportRequest records a stock correction.
type IncidentReportRequest struct {
	ID                   string `json:"id"`
	StockCorrection      string `json:"stock_correction"`
	DateOfIncidentReport string `json:"date_of_incident_report"`
	ReceivedByRRT        string `json:"incident_report_received_by_rrt"`
	UsableVials          *int   `json:"usable_vials"`
	UnusableVials        *int   `json:"unusable_vials"`
}

// EarmarkRequest records one earmark event.
type EarmarkRequest struct {
	ID                    string `json:"id"`
	Type                  string `json:"earmarked_stock_type"`
	VialsEarmarked        int    `json:"vials_earmarked"`
	DosesEarmarked        int    `json:"doses_earmarked"`
	CampaignID            string `json:"campaign_id"`
	RoundID               string `json:"round_id"`
	TemporaryCampaignName string `json:"temporary_campaign_name"`
	MovementID            string `json:"outgoing_movement_id"`
	Comment               string `json:"comment"`
	Date                  string `json:"date"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toStockDTO(s stock.VaccineStock) StockDTO {
	dto := StockDTO{ID: s.ID, AccountID: s.AccountID, CountryID: s.CountryID, Vaccine: s.Vaccine}
	if !s.CreatedAt.IsZero() {
		dto.CreatedAt = s.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toSummaryDTO(s report.Summary) SummaryDTO {
	dto := SummaryDTO{
		StockID:        s.Identity.StockID,
		CountryID:      s.Identity.CountryID,
		CountryName:    s.Identity.CountryName,
		Vaccine:        s.Identity.Vaccine,
		Usable:         s.Usable,
		Unusable:       s.Unusable,
		Earmarked:      s.Earmarked,
		VialsReceived:  s.VialsReceived,
		VialsUsed:      s.VialsUsed,
		VialsDestroyed: s.VialsDestroyed,
		UsageRate:      s.UsageRate.StringFixed(4),
	}
	if s.End != nil {
		end := stock.FormatDate(*s.End)
		dto.EndDate = &end
	}
	return dto
}

func toLineDTOs(lines []stock.Line) []LineDTO {
	dtos := make([]LineDTO, len(lines))
	for i, l := range lines {
		dtos[i] = LineDTO{
			Date:     stock.FormatDate(l.Date),
			Action:   l.Action,
			VialsIn:  l.VialsIn(),
			DosesIn:  l.DosesIn(),
			VialsOut: l.VialsOut(),
			DosesOut: l.DosesOut(),
			Type:     string(l.Type),
			Identity: l.Identity,
		}
	}
	return dtos
}

// =============================================================================
// DATE PARSING
// =============================================================================

// parseDate parses a required or optional date field. An empty string is
// the zero time; required dates are then rejected by validation.
func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := stock.ParseDate(s)
	if err != nil {
		return time.Time{}, &stock.ValidationError{Field: field, Reason: err.Error()}
	}
	return t, nil
}

func parseOptDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseDate(field, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
