package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/vaccine-stock/stock"
	"github.com/warp/vaccine-stock/vaccine"
)

// conn runs queries on either the database or an open transaction.
type conn struct {
	q sqlx.ExtContext
}

func (c *conn) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, c.q, dest, c.q.Rebind(query), args...)
}

func (c *conn) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, c.q, dest, c.q.Rebind(query), args...)
}

func (c *conn) exec(ctx context.Context, query string, args ...any) error {
	_, err := c.q.ExecContext(ctx, c.q.Rebind(query), args...)
	return err
}

// selectIn expands "IN (?)" for ids; no ids selects nothing.
func (c *conn) selectIn(ctx context.Context, dest any, query string, ids []string, args ...any) error {
	if len(ids) == 0 {
		return nil
	}
	expanded, params, err := sqlx.In(query, append([]any{ids}, args...)...)
	if err != nil {
		return err
	}
	return c.selectAll(ctx, dest, expanded, params...)
}

// =============================================================================
// COUNTRIES & STOCKS
// =============================================================================

func (c *conn) Country(ctx context.Context, id string) (*stock.Country, error) {
	var row stock.Country
	err := c.get(ctx, &row, `SELECT id, name FROM countries WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "country", id)
	}
	return &row, nil
}

func (c *conn) Countries(ctx context.Context) ([]stock.Country, error) {
	var rows []stock.Country
	if err := c.selectAll(ctx, &rows, `SELECT id, name FROM countries ORDER BY name`); err != nil {
		return nil, fmt.Errorf("query countries: %w", err)
	}
	return rows, nil
}

func (c *conn) SaveCountry(ctx context.Context, ct stock.Country) error {
	return c.exec(ctx, `
		INSERT INTO countries (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		ct.ID, ct.Name)
}

type stockRow struct {
	ID        string `db:"id"`
	AccountID string `db:"account_id"`
	CountryID string `db:"country_id"`
	Vaccine   string `db:"vaccine"`
	CreatedAt string `db:"created_at"`
}

func (r stockRow) toStock() stock.VaccineStock {
	return stock.VaccineStock{
		ID:        r.ID,
		AccountID: r.AccountID,
		CountryID: r.CountryID,
		Vaccine:   vaccine.Type(r.Vaccine),
		CreatedAt: parseTimestamp(r.CreatedAt),
	}
}

const stockColumns = `id, account_id, country_id, vaccine, created_at`

func (c *conn) Stock(ctx context.Context, id string) (*stock.VaccineStock, error) {
	var row stockRow
	if err := c.get(ctx, &row, `SELECT `+stockColumns+` FROM vaccine_stocks WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "stock", id)
	}
	s := row.toStock()
	return &s, nil
}

func (c *conn) StockFor(ctx context.Context, countryID string, v vaccine.Type) (*stock.VaccineStock, error) {
	var row stockRow
	err := c.get(ctx, &row, `SELECT `+stockColumns+` FROM vaccine_stocks WHERE country_id = ? AND vaccine = ?`,
		countryID, string(v))
	if err != nil {
		return nil, notFound(err, "stock", countryID+"/"+string(v))
	}
	s := row.toStock()
	return &s, nil
}

func (c *conn) Stocks(ctx context.Context) ([]stock.VaccineStock, error) {
	var rows []stockRow
	if err := c.selectAll(ctx, &rows, `SELECT `+stockColumns+` FROM vaccine_stocks ORDER BY country_id, vaccine`); err != nil {
		return nil, fmt.Errorf("query stocks: %w", err)
	}
	out := make([]stock.VaccineStock, len(rows))
	for i, r := range rows {
		out[i] = r.toStock()
	}
	return out, nil
}

func (c *conn) SaveStock(ctx context.Context, s stock.VaccineStock) error {
	err := c.exec(ctx, `INSERT INTO vaccine_stocks (`+stockColumns+`) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.AccountID, s.CountryID, string(s.Vaccine), formatTimestamp(s.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("stock %s/%s: %w", s.CountryID, s.Vaccine, stock.ErrDuplicate)
	}
	return err
}

// =============================================================================
// CAMPAIGNS & ROUNDS
// =============================================================================

type campaignRow struct {
	ID                     string `db:"id"`
	ObrName                string `db:"obr_name"`
	AccountID              string `db:"account_id"`
	CountryID              string `db:"country_id"`
	Vaccines               string `db:"vaccines"`
	SeparateScopesPerRound int    `db:"separate_scopes_per_round"`
}

type roundRow struct {
	ID         string         `db:"id"`
	CampaignID string         `db:"campaign_id"`
	Number     int            `db:"number"`
	StartedAt  sql.NullString `db:"started_at"`
	EndedAt    sql.NullString `db:"ended_at"`
	Vaccines   string         `db:"vaccines"`
}

const campaignColumns = `id, obr_name, account_id, country_id, vaccines, separate_scopes_per_round`
const roundColumns = `id, campaign_id, number, started_at, ended_at, vaccines`

func (c *conn) Campaign(ctx context.Context, id string) (*stock.Campaign, error) {
	var row campaignRow
	if err := c.get(ctx, &row, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "campaign", id)
	}
	campaigns, err := c.withRounds(ctx, []campaignRow{row})
	if err != nil {
		return nil, err
	}
	return &campaigns[0], nil
}

func (c *conn) Campaigns(ctx context.Context, countryID string) ([]stock.Campaign, error) {
	var rows []campaignRow
	var err error
	if countryID == "" {
		err = c.selectAll(ctx, &rows, `SELECT `+campaignColumns+` FROM campaigns ORDER BY id`)
	} else {
		err = c.selectAll(ctx, &rows, `SELECT `+campaignColumns+` FROM campaigns WHERE country_id = ? ORDER BY id`, countryID)
	}
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	return c.withRounds(ctx, rows)
}

func (c *conn) withRounds(ctx context.Context, rows []campaignRow) ([]stock.Campaign, error) {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var rounds []roundRow
	err := c.selectIn(ctx, &rounds, `SELECT `+roundColumns+` FROM rounds WHERE campaign_id IN (?) ORDER BY number`, ids)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	byCampaign := make(map[string][]stock.Round)
	for _, r := range rounds {
		byCampaign[r.CampaignID] = append(byCampaign[r.CampaignID], stock.Round{
			ID:         r.ID,
			CampaignID: r.CampaignID,
			Number:     r.Number,
			StartedAt:  parseOptDate(r.StartedAt),
			EndedAt:    parseOptDate(r.EndedAt),
			Vaccines:   splitVaccines(r.Vaccines),
		})
	}

	out := make([]stock.Campaign, len(rows))
	for i, r := range rows {
		out[i] = stock.Campaign{
			ID:                     r.ID,
			ObrName:                r.ObrName,
			AccountID:              r.AccountID,
			CountryID:              r.CountryID,
			Vaccines:               splitVaccines(r.Vaccines),
			SeparateScopesPerRound: r.SeparateScopesPerRound != 0,
			Rounds:                 byCampaign[r.ID],
		}
	}
	return out, nil
}

func (c *conn) SaveCampaign(ctx context.Context, cp stock.Campaign) error {
	err := c.exec(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			obr_name = excluded.obr_name,
			account_id = excluded.account_id,
			country_id = excluded.country_id,
			vaccines = excluded.vaccines,
			separate_scopes_per_round = excluded.separate_scopes_per_round`,
		cp.ID, cp.ObrName, cp.AccountID, cp.CountryID, joinVaccines(cp.Vaccines), boolInt(cp.SeparateScopesPerRound))
	if err != nil {
		return fmt.Errorf("save campaign: %w", err)
	}
	if err := c.exec(ctx, `DELETE FROM rounds WHERE campaign_id = ?`, cp.ID); err != nil {
		return fmt.Errorf("replace rounds: %w", err)
	}
	for _, r := range cp.Rounds {
		err := c.exec(ctx, `INSERT INTO rounds (`+roundColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, cp.ID, r.Number, optDate(r.StartedAt), optDate(r.EndedAt), joinVaccines(r.Vaccines))
		if err != nil {
			return fmt.Errorf("save round %d: %w", r.Number, err)
		}
	}
	return nil
}

// =============================================================================
// REQUEST FORMS, PRE-ALERTS, ARRIVALS
// =============================================================================

type requestFormRow struct {
	ID               string         `db:"id"`
	CampaignID       string         `db:"campaign_id"`
	Vaccine          string         `db:"vaccine"`
	Type             string         `db:"vrf_type"`
	DateVRFSignature sql.NullString `db:"date_vrf_signature"`
	DosesRequested   sql.NullInt64  `db:"doses_requested"`
	CreatedAt        string         `db:"created_at"`
}

type formRoundRow struct {
	RequestFormID string `db:"request_form_id"`
	RoundID       string `db:"round_id"`
}

const requestFormColumns = `f.id, f.campaign_id, f.vaccine, f.vrf_type, f.date_vrf_signature, f.doses_requested, f.created_at`

func (c *conn) RequestForm(ctx context.Context, id string) (*stock.RequestForm, error) {
	var row requestFormRow
	if err := c.get(ctx, &row, `SELECT `+requestFormColumns+` FROM request_forms f WHERE f.id = ?`, id); err != nil {
		return nil, notFound(err, "request form", id)
	}
	forms, err := c.withFormRounds(ctx, []requestFormRow{row})
	if err != nil {
		return nil, err
	}
	return &forms[0], nil
}

// RequestForms filters at form level. With RoundsEndedBy, a form qualifies
// when at least one of its own rounds ended by the date and covers the
// vaccine under its campaign's scope rule.
func (c *conn) RequestForms(ctx context.Context, q stock.RequestFormQuery) ([]stock.RequestForm, error) {
	query := `
		SELECT ` + requestFormColumns + `
		FROM request_forms f
		JOIN campaigns c ON c.id = f.campaign_id
		WHERE c.country_id = ? AND f.vaccine = ?`
	args := []any{q.CountryID, string(q.Vaccine)}

	if q.RoundsEndedBy != nil {
		pattern := "%," + string(q.Vaccine) + ",%"
		query += `
		AND EXISTS (
			SELECT 1
			FROM request_form_rounds fr
			JOIN rounds r ON r.id = fr.round_id AND r.campaign_id = c.id
			WHERE fr.request_form_id = f.id
			  AND r.ended_at IS NOT NULL
			  AND r.ended_at <= ?
			  AND (
				(c.separate_scopes_per_round = 1 AND (',' || r.vaccines || ',') LIKE ?)
				OR (c.separate_scopes_per_round = 0 AND (',' || c.vaccines || ',') LIKE ?)
			  )
		)`
		args = append(args, formatDate(*q.RoundsEndedBy), pattern, pattern)
	}
	query += ` ORDER BY f.id`

	var rows []requestFormRow
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query request forms: %w", err)
	}
	return c.withFormRounds(ctx, rows)
}

func (c *conn) withFormRounds(ctx context.Context, rows []requestFormRow) ([]stock.RequestForm, error) {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var links []formRoundRow
	err := c.selectIn(ctx, &links,
		`SELECT request_form_id, round_id FROM request_form_rounds WHERE request_form_id IN (?) ORDER BY round_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("query request form rounds: %w", err)
	}
	roundIDs := make(map[string][]string)
	for _, l := range links {
		roundIDs[l.RequestFormID] = append(roundIDs[l.RequestFormID], l.RoundID)
	}

	out := make([]stock.RequestForm, len(rows))
	for i, r := range rows {
		out[i] = stock.RequestForm{
			ID:               r.ID,
			CampaignID:       r.CampaignID,
			Vaccine:          vaccine.Type(r.Vaccine),
			RoundIDs:         roundIDs[r.ID],
			Type:             stock.RequestFormType(r.Type),
			DateVRFSignature: parseOptDate(r.DateVRFSignature),
			DosesRequested:   parseOptInt(r.DosesRequested),
			CreatedAt:        parseTimestamp(r.CreatedAt),
		}
	}
	return out, nil
}

func (c *conn) SaveRequestForm(ctx context.Context, f stock.RequestForm) error {
	err := c.exec(ctx, `
		INSERT INTO request_forms (id, campaign_id, vaccine, vrf_type, date_vrf_signature, doses_requested, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			campaign_id = excluded.campaign_id,
			vaccine = excluded.vaccine,
			vrf_type = excluded.vrf_type,
			date_vrf_signature = excluded.date_vrf_signature,
			doses_requested = excluded.doses_requested`,
		f.ID, f.CampaignID, string(f.Vaccine), string(f.Type), optDate(f.DateVRFSignature),
		optInt(f.DosesRequested), formatTimestamp(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("save request form: %w", err)
	}
	if err := c.exec(ctx, `DELETE FROM request_form_rounds WHERE request_form_id = ?`, f.ID); err != nil {
		return fmt.Errorf("replace request form rounds: %w", err)
	}
	for _, roundID := range f.RoundIDs {
		err := c.exec(ctx, `INSERT INTO request_form_rounds (request_form_id, round_id) VALUES (?, ?)`, f.ID, roundID)
		if err != nil {
			return fmt.Errorf("link round %s: %w", roundID, err)
		}
	}
	return nil
}

type preAlertRow struct {
	ID                   string         `db:"id"`
	RequestFormID        string         `db:"request_form_id"`
	PONumber             string         `db:"po_number"`
	EstimatedArrivalDate sql.NullString `db:"estimated_arrival_date"`
	DosesShipped         sql.NullInt64  `db:"doses_shipped"`
	CreatedAt            string         `db:"created_at"`
}

func (c *conn) PreAlerts(ctx context.Context, formIDs []string) ([]stock.PreAlert, error) {
	var rows []preAlertRow
	err := c.selectIn(ctx, &rows, `
		SELECT id, request_form_id, po_number, estimated_arrival_date, doses_shipped, created_at
		FROM pre_alerts WHERE request_form_id IN (?) ORDER BY created_at`, formIDs)
	if err != nil {
		return nil, fmt.Errorf("query pre-alerts: %w", err)
	}
	out := make([]stock.PreAlert, len(rows))
	for i, r := range rows {
		out[i] = stock.PreAlert{
			ID:                   r.ID,
			RequestFormID:        r.RequestFormID,
			PONumber:             r.PONumber,
			EstimatedArrivalDate: parseOptDate(r.EstimatedArrivalDate),
			DosesShipped:         parseOptInt(r.DosesShipped),
			CreatedAt:            parseTimestamp(r.CreatedAt),
		}
	}
	return out, nil
}

func (c *conn) AppendPreAlert(ctx context.Context, p stock.PreAlert) error {
	return appendErr(c.exec(ctx, `
		INSERT INTO pre_alerts (id, request_form_id, po_number, estimated_arrival_date, doses_shipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.RequestFormID, p.PONumber, optDate(p.EstimatedArrivalDate), optInt(p.DosesShipped),
		formatTimestamp(p.CreatedAt)), "pre-alert", p.ID)
}

type arrivalRow struct {
	ID                string        `db:"id"`
	RequestFormID     string        `db:"request_form_id"`
	PONumber          string        `db:"po_number"`
	ArrivalReportDate string        `db:"arrival_report_date"`
	DosesReceived     sql.NullInt64 `db:"doses_received"`
	DosesShipped      sql.NullInt64 `db:"doses_shipped"`
	CreatedAt         string        `db:"created_at"`
}

func (c *conn) ArrivalReports(ctx context.Context, formIDs []string, until *time.Time) ([]stock.ArrivalReport, error) {
	query := `
		SELECT id, request_form_id, po_number, arrival_report_date, doses_received, doses_shipped, created_at
		FROM arrival_reports WHERE request_form_id IN (?)`
	var args []any
	if until != nil {
		query += ` AND arrival_report_date <= ?`
		args = append(args, formatDate(*until))
	}
	query += ` ORDER BY arrival_report_date, created_at`

	var rows []arrivalRow
	if err := c.selectIn(ctx, &rows, query, formIDs, args...); err != nil {
		return nil, fmt.Errorf("query arrival reports: %w", err)
	}
	out := make([]stock.ArrivalReport, len(rows))
	for i, r := range rows {
		out[i] = stock.ArrivalReport{
			ID:                r.ID,
			RequestFormID:     r.RequestFormID,
			PONumber:          r.PONumber,
			ArrivalReportDate: parseDate(r.ArrivalReportDate),
			DosesReceived:     parseOptInt(r.DosesReceived),
			DosesShipped:      parseOptInt(r.DosesShipped),
			CreatedAt:         parseTimestamp(r.CreatedAt),
		}
	}
	return out, nil
}

func (c *conn) AppendArrivalReport(ctx context.Context, a stock.ArrivalReport) error {
	return appendErr(c.exec(ctx, `
		INSERT INTO arrival_reports (id, request_form_id, po_number, arrival_report_date, doses_received, doses_shipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RequestFormID, a.PONumber, formatDate(a.ArrivalReportDate), optInt(a.DosesReceived),
		optInt(a.DosesShipped), formatTimestamp(a.CreatedAt)), "arrival report", a.ID)
}

// =============================================================================
// OUTFLOW & CORRECTIONS
// =============================================================================

type outgoingRow struct {
	ID                 string         `db:"id"`
	StockID            string         `db:"stock_id"`
	CampaignID         string         `db:"campaign_id"`
	RoundID            string         `db:"round_id"`
	ReportDate         string         `db:"report_date"`
	FormAReceptionDate sql.NullString `db:"form_a_reception_date"`
	UsableVialsUsed    int            `db:"usable_vials_used"`
	Comment            string         `db:"comment"`
	CreatedAt          string         `db:"created_at"`
}

func (r outgoingRow) toMovement() stock.OutgoingMovement {
	return stock.OutgoingMovement{
		ID:                 r.ID,
		StockID:            r.StockID,
		CampaignID:         r.CampaignID,
		RoundID:            r.RoundID,
		ReportDate:         parseDate(r.ReportDate),
		FormAReceptionDate: parseOptDate(r.FormAReceptionDate),
		UsableVialsUsed:    r.UsableVialsUsed,
		Comment:            r.Comment,
		CreatedAt:          parseTimestamp(r.CreatedAt),
	}
}

const outgoingColumns = `id, stock_id, campaign_id, round_id, report_date, form_a_reception_date, usable_vials_used, comment, created_at`

func (c *conn) OutgoingMovement(ctx context.Context, id string) (*stock.OutgoingMovement, error) {
	var row outgoingRow
	if err := c.get(ctx, &row, `SELECT `+outgoingColumns+` FROM outgoing_movements WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "outgoing movement", id)
	}
	m := row.toMovement()
	return &m, nil
}

func (c *conn) OutgoingMovements(ctx context.Context, stockID string, until *time.Time) ([]stock.OutgoingMovement, error) {
	var rows []outgoingRow
	query, args := untilQuery(`SELECT `+outgoingColumns+` FROM outgoing_movements WHERE stock_id = ?`,
		"report_date", stockID, until)
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query outgoing movements: %w", err)
	}
	out := make([]stock.OutgoingMovement, len(rows))
	for i, r := range rows {
		out[i] = r.toMovement()
	}
	return out, nil
}

func (c *conn) AppendOutgoingMovement(ctx context.Context, m stock.OutgoingMovement) error {
	return appendErr(c.exec(ctx, `INSERT INTO outgoing_movements (`+outgoingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.StockID, m.CampaignID, m.RoundID, formatDate(m.ReportDate), optDate(m.FormAReceptionDate),
		m.UsableVialsUsed, m.Comment, formatTimestamp(m.CreatedAt)), "outgoing movement", m.ID)
}

type destructionRow struct {
	ID                     string         `db:"id"`
	StockID                string         `db:"stock_id"`
	Action                 string         `db:"action"`
	RRTReceptionDate       sql.NullString `db:"rrt_reception_date"`
	DestructionReportDate  string         `db:"destruction_report_date"`
	UnusableVialsDestroyed int            `db:"unusable_vials_destroyed"`
	CreatedAt              string         `db:"created_at"`
}

const destructionColumns = `id, stock_id, action, rrt_reception_date, destruction_report_date, unusable_vials_destroyed, created_at`

func (c *conn) DestructionReports(ctx context.Context, stockID string, until *time.Time) ([]stock.DestructionReport, error) {
	var rows []destructionRow
	query, args := untilQuery(`SELECT `+destructionColumns+` FROM destruction_reports WHERE stock_id = ?`,
		"destruction_report_date", stockID, until)
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query destruction reports: %w", err)
	}
	out := make([]stock.DestructionReport, len(rows))
	for i, r := range rows {
		out[i] = stock.DestructionReport{
			ID:                     r.ID,
			StockID:                r.StockID,
			Action:                 r.Action,
			RRTReceptionDate:       parseOptDate(r.RRTReceptionDate),
			DestructionReportDate:  parseDate(r.DestructionReportDate),
			UnusableVialsDestroyed: r.UnusableVialsDestroyed,
			CreatedAt:              parseTimestamp(r.CreatedAt),
		}
	}
	return out, nil
}

func (c *conn) AppendDestructionReport(ctx context.Context, d stock.DestructionReport) error {
	return appendErr(c.exec(ctx, `INSERT INTO destruction_reports (`+destructionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.StockID, d.Action, optDate(d.RRTReceptionDate), formatDate(d.DestructionReportDate),
		d.UnusableVialsDestroyed, formatTimestamp(d.CreatedAt)), "destruction report", d.ID)
}

type incidentRow struct {
	ID                   string         `db:"id"`
	StockID              string         `db:"stock_id"`
	StockCorrection      string         `db:"stock_correction"`
	DateOfIncidentReport string         `db:"date_of_incident_report"`
	ReceivedByRRT        sql.NullString `db:"received_by_rrt"`
	UsableVials          sql.NullInt64  `db:"usable_vials"`
	UnusableVials        sql.NullInt64  `db:"unusable_vials"`
	CreatedAt            string         `db:"created_at"`
}

const incidentColumns = `id, stock_id, stock_correction, date_of_incident_report, received_by_rrt, usable_vials, unusable_vials, created_at`

func (c *conn) IncidentReports(ctx context.Context, stockID string, until *time.Time) ([]stock.IncidentReport, error) {
	var rows []incidentRow
	query, args := untilQuery(`SELECT `+incidentColumns+` FROM incident_reports WHERE stock_id = ?`,
		"date_of_incident_report", stockID, until)
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query incident reports: %w", err)
	}
	out := make([]stock.IncidentReport, len(rows))
	for i, r := range rows {
		out[i] = stock.IncidentReport{
			ID:                   r.ID,
			StockID:              r.StockID,
			StockCorrection:      stock.StockCorrection(r.StockCorrection),
			DateOfIncidentReport: parseDate(r.DateOfIncidentReport),
			ReceivedByRRT:        parseOptDate(r.ReceivedByRRT),
			UsableVials:          parseOptInt(r.UsableVials),
			UnusableVials:        parseOptInt(r.UnusableVials),
			CreatedAt:            parseTimestamp(r.CreatedAt),
		}
	}
	return out, nil
}

func (c *conn) AppendIncidentReport(ctx context.Context, in stock.IncidentReport) error {
	return appendErr(c.exec(ctx, `INSERT INTO incident_reports (`+incidentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.StockID, string(in.StockCorrection), formatDate(in.DateOfIncidentReport), optDate(in.ReceivedByRRT),
		optInt(in.UsableVials), optInt(in.UnusableVials), formatTimestamp(in.CreatedAt)), "incident report", in.ID)
}

// =============================================================================
// EARMARKS & HISTORY
// =============================================================================

type earmarkRow struct {
	ID                    string         `db:"id"`
	StockID               string         `db:"stock_id"`
	Type                  string         `db:"earmarked_stock_type"`
	VialsEarmarked        int            `db:"vials_earmarked"`
	DosesEarmarked        int            `db:"doses_earmarked"`
	CampaignID            string         `db:"campaign_id"`
	RoundID               string         `db:"round_id"`
	TemporaryCampaignName string         `db:"temporary_campaign_name"`
	MovementID            sql.NullString `db:"outgoing_movement_id"`
	Comment               string         `db:"comment"`
	Date                  string         `db:"date"`
	CreatedAt             string         `db:"created_at"`
}

const earmarkColumns = `id, stock_id, earmarked_stock_type, vials_earmarked, doses_earmarked, campaign_id, round_id,
	temporary_campaign_name, outgoing_movement_id, comment, date, created_at`

func (c *conn) Earmarks(ctx context.Context, stockID string, until *time.Time) ([]stock.Earmark, error) {
	var rows []earmarkRow
	query, args := untilQuery(`SELECT `+earmarkColumns+` FROM earmarks WHERE stock_id = ?`, "date", stockID, until)
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query earmarks: %w", err)
	}
	out := make([]stock.Earmark, len(rows))
	for i, r := range rows {
		e := stock.Earmark{
			ID:                    r.ID,
			StockID:               r.StockID,
			Type:                  stock.EarmarkType(r.Type),
			VialsEarmarked:        r.VialsEarmarked,
			DosesEarmarked:        r.DosesEarmarked,
			CampaignID:            r.CampaignID,
			RoundID:               r.RoundID,
			TemporaryCampaignName: r.TemporaryCampaignName,
			Comment:               r.Comment,
			Date:                  parseDate(r.Date),
			CreatedAt:             parseTimestamp(r.CreatedAt),
		}
		if r.MovementID.Valid {
			id := r.MovementID.String
			e.MovementID = &id
		}
		out[i] = e
	}
	return out, nil
}

func (c *conn) AppendEarmark(ctx context.Context, e stock.Earmark) error {
	var movementID any
	if e.Linked() {
		movementID = *e.MovementID
	}
	return appendErr(c.exec(ctx, `INSERT INTO earmarks (`+earmarkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.StockID, string(e.Type), e.VialsEarmarked, e.DosesEarmarked, e.CampaignID, e.RoundID,
		e.TemporaryCampaignName, movementID, e.Comment, formatDate(e.Date), formatTimestamp(e.CreatedAt)), "earmark", e.ID)
}

type historyRow struct {
	ID                   string `db:"id"`
	StockID              string `db:"stock_id"`
	RoundID              string `db:"round_id"`
	OpeningUsableVials   int    `db:"opening_usable_vials"`
	OpeningUsableDoses   int    `db:"opening_usable_doses"`
	ClosingUsableVials   int    `db:"closing_usable_vials"`
	ClosingUsableDoses   int    `db:"closing_usable_doses"`
	OpeningUnusableVials int    `db:"opening_unusable_vials"`
	OpeningUnusableDoses int    `db:"opening_unusable_doses"`
	ClosingUnusableVials int    `db:"closing_unusable_vials"`
	ClosingUnusableDoses int    `db:"closing_unusable_doses"`
	CreatedAt            string `db:"created_at"`
}

const historyColumns = `id, stock_id, round_id, opening_usable_vials, opening_usable_doses,
	closing_usable_vials, closing_usable_doses, opening_unusable_vials, opening_unusable_doses,
	closing_unusable_vials, closing_unusable_doses, created_at`

func (c *conn) Histories(ctx context.Context, stockID string) ([]stock.History, error) {
	var rows []historyRow
	err := c.selectAll(ctx, &rows, `SELECT `+historyColumns+` FROM stock_histories WHERE stock_id = ? ORDER BY created_at`, stockID)
	if err != nil {
		return nil, fmt.Errorf("query histories: %w", err)
	}
	out := make([]stock.History, len(rows))
	for i, r := range rows {
		out[i] = stock.History{
			ID:              r.ID,
			StockID:         r.StockID,
			RoundID:         r.RoundID,
			OpeningUsable:   stock.Quantity{Vials: r.OpeningUsableVials, Doses: r.OpeningUsableDoses},
			ClosingUsable:   stock.Quantity{Vials: r.ClosingUsableVials, Doses: r.ClosingUsableDoses},
			OpeningUnusable: stock.Quantity{Vials: r.OpeningUnusableVials, Doses: r.OpeningUnusableDoses},
			ClosingUnusable: stock.Quantity{Vials: r.ClosingUnusableVials, Doses: r.ClosingUnusableDoses},
			CreatedAt:       parseTimestamp(r.CreatedAt),
		}
	}
	return out, nil
}

func (c *conn) AppendHistory(ctx context.Context, h stock.History) error {
	err := c.exec(ctx, `INSERT INTO stock_histories (`+historyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.StockID, h.RoundID,
		h.OpeningUsable.Vials, h.OpeningUsable.Doses, h.ClosingUsable.Vials, h.ClosingUsable.Doses,
		h.OpeningUnusable.Vials, h.OpeningUnusable.Doses, h.ClosingUnusable.Vials, h.ClosingUnusable.Doses,
		formatTimestamp(h.CreatedAt))
	if isUniqueViolation(err) {
		return stock.ErrHistoryExists
	}
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func untilQuery(base, dateColumn, stockID string, until *time.Time) (string, []any) {
	args := []any{stockID}
	if until != nil {
		base += ` AND ` + dateColumn + ` <= ?`
		args = append(args, formatDate(*until))
	}
	return base + ` ORDER BY ` + dateColumn + `, created_at`, args
}

func notFound(err error, kind, key string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return stock.NotFound(kind, key)
	}
	return fmt.Errorf("query %s: %w", kind, err)
}

func appendErr(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s %s: %w", kind, id, stock.ErrDuplicate)
	}
	return fmt.Errorf("append %s: %w", kind, err)
}

// isUniqueViolation recognises unique/primary-key violations from both
// drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func formatDate(t time.Time) string {
	return stock.Day(t).Format(stock.DateLayout)
}

func parseDate(s string) time.Time {
	t, err := time.Parse(stock.DateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func optDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatDate(*t)
}

func parseOptDate(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseDate(ns.String)
	return &t
}

func optInt(n *int) any {
	if n == nil {
		return nil
	}
	return int64(*n)
}

func parseOptInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	n := int(ni.Int64)
	return &n
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func joinVaccines(vs []vaccine.Type) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = string(v)
	}
	return strings.Join(parts, ",")
}

func splitVaccines(s string) []vaccine.Type {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]vaccine.Type, len(parts))
	for i, p := range parts {
		out[i] = vaccine.Type(p)
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
