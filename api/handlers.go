/*
handlers.go - HTTP API handlers for the vaccine stock ledger

PURPOSE:
  Exposes the recorder, calculator and reports via REST API. Handles HTTP
  request/response and JSON serialization, and delegates to the stock
  package.

ENDPOINTS:
  Stocks:
    GET    /api/stocks                         Summaries of every stock
    POST   /api/stocks                         Ensure the stock of (country, vaccine)
    GET    /api/stocks/{id}/summary            Totals of one stock
    GET    /api/stocks/{id}/usable             Usable ledger lines
    GET    /api/stocks/{id}/unusable           Unusable ledger lines
    GET    /api/stocks/{id}/earmarked          Earmarked ledger lines
    GET    /api/stocks/{id}/used               Form A usage at full count
    GET    /api/stocks/{id}/export.xlsx        Workbook of all ledgers
    GET    /api/stocks/{id}/history            Round snapshots
    POST   /api/stocks/{id}/rounds/{round}/close

  Movements:
    POST   /api/stocks/{id}/outgoing-movements  Form A (+ used earmarks)
    POST   /api/stocks/{id}/destruction-reports
    POST   /api/stocks/{id}/incident-reports
    POST   /api/stocks/{id}/earmarks
    POST   /api/request-forms/{id}/pre-alerts
    POST   /api/request-forms/{id}/arrival-reports

  Reference data:
    POST   /api/countries, /api/campaigns, /api/request-forms
    GET    /api/vaccines

  Cross-stock:
    GET    /api/lines/{ledger}                 Expanded lines of every stock

  Scheduler:
    GET    /api/scheduler                      Interval and last run
    POST   /api/scheduler/run                  Close due rounds now

QUERY PARAMETERS (line and summary endpoints):
  end_date   YYYY-MM-DD, inclusive; absent means unbounded
  expanded   true to attach stock identity to each line
  order      "date" (default) or "-date"
  offset     lines to skip
  limit      page size; absent or 0 returns all

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Stock, campaign, form or movement not found
  - 409: Earmark balance would go negative, history already written
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/vaccine-stock/report"
	"github.com/warp/vaccine-stock/stock"
	"github.com/warp/vaccine-stock/vaccine"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the API needs: transactional reads and writes
// plus a full reset for demo scenarios.
type Store interface {
	stock.TxStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        Store
	Formulations vaccine.Formulations
	Recorder     *stock.Recorder
	Calculator   *stock.Calculator
	History      *stock.HistoryManager
	Logger       *zap.Logger

	// Scheduler is optional; set by the server when round closing runs in
	// the background.
	Scheduler *HistoryScheduler

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the given store.
func NewHandler(store Store, formulations vaccine.Formulations, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	calc := stock.NewCalculator(store, formulations)
	return &Handler{
		Store:        store,
		Formulations: formulations,
		Recorder:     stock.NewRecorder(store, formulations, logger),
		Calculator:   calc,
		History:      stock.NewHistoryManager(store, calc, logger),
		Logger:       logger,
	}
}

// =============================================================================
// STOCK READ HANDLERS
// =============================================================================

// ListStocks returns the summary of every stock.
// GET /api/stocks?end_date=
func (h *Handler) ListStocks(w http.ResponseWriter, r *http.Request) {
	end, err := stock.ParseAsOf(r.URL.Query().Get("end_date"))
	if err != nil {
		h.writeStockError(w, "Invalid end_date", &stock.ValidationError{Field: "end_date", Reason: err.Error()})
		return
	}
	ids, err := h.stockIDs(r.Context())
	if err != nil {
		h.writeStockError(w, "Failed to list stocks", err)
		return
	}
	summaries, err := report.SummarizeAll(r.Context(), h.Calculator, ids, end)
	if err != nil {
		h.writeStockError(w, "Failed to compute summaries", err)
		return
	}

	dtos := make([]SummaryDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = toSummaryDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSummary returns the totals of one stock.
// GET /api/stocks/{id}/summary?end_date=
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	end, err := stock.ParseAsOf(r.URL.Query().Get("end_date"))
	if err != nil {
		h.writeStockError(w, "Invalid end_date", &stock.ValidationError{Field: "end_date", Reason: err.Error()})
		return
	}
	p, err := h.Calculator.Project(r.Context(), chi.URLParam(r, "id"), end)
	if err != nil {
		h.writeStockError(w, "Failed to compute summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(report.Summarize(p)))
}

// GetLines returns the handler serving one ledger of a stock.
// GET /api/stocks/{id}/{ledger}?end_date=&expanded=&order=&offset=&limit=
func (h *Handler) GetLines(name stock.LedgerName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseLineQuery(r)
		if err != nil {
			h.writeStockError(w, "Invalid query", err)
			return
		}
		p, err := h.Calculator.Project(r.Context(), chi.URLParam(r, "id"), q.end)
		if err != nil {
			h.writeStockError(w, "Failed to compute ledger", err)
			return
		}
		lines, err := p.Lines(name, q.expanded)
		if err != nil {
			h.writeStockError(w, "Failed to compute ledger", err)
			return
		}
		writeJSON(w, http.StatusOK, toLineDTOs(report.Page(lines, q.order, q.offset, q.limit)))
	}
}

// ListAllLines returns the expanded lines of one ledger across every stock.
// GET /api/lines/{ledger}?end_date=&order=&offset=&limit=
func (h *Handler) ListAllLines(w http.ResponseWriter, r *http.Request) {
	name, err := stock.ParseLedgerName(chi.URLParam(r, "ledger"))
	if err != nil {
		h.writeStockError(w, "Unknown ledger", err)
		return
	}
	q, err := parseLineQuery(r)
	if err != nil {
		h.writeStockError(w, "Invalid query", err)
		return
	}
	ids, err := h.stockIDs(r.Context())
	if err != nil {
		h.writeStockError(w, "Failed to list stocks", err)
		return
	}
	lines, err := report.Lines(r.Context(), h.Calculator, ids, name, q.end)
	if err != nil {
		h.writeStockError(w, "Failed to compute ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTOs(report.Page(lines, q.order, q.offset, q.limit)))
}

// ExportWorkbook streams an XLSX export of a stock's ledgers.
// GET /api/stocks/{id}/export.xlsx?end_date=
func (h *Handler) ExportWorkbook(w http.ResponseWriter, r *http.Request) {
	end, err := stock.ParseAsOf(r.URL.Query().Get("end_date"))
	if err != nil {
		h.writeStockError(w, "Invalid end_date", &stock.ValidationError{Field: "end_date", Reason: err.Error()})
		return
	}
	p, err := h.Calculator.Project(r.Context(), chi.URLParam(r, "id"), end)
	if err != nil {
		h.writeStockError(w, "Failed to compute ledger", err)
		return
	}

	filename := fmt.Sprintf("stock-%s-%s.xlsx", p.Identity.CountryID, p.Identity.Vaccine)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	if err := report.WriteWorkbook(w, p); err != nil {
		// Headers may already be sent; log only.
		h.Logger.Error("workbook export failed", zap.String("stock_id", p.Stock.ID), zap.Error(err))
	}
}

// ListHistory returns the round snapshots of a stock.
// GET /api/stocks/{id}/history
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.Stock(r.Context(), id); err != nil {
		h.writeStockError(w, "Failed to get stock", err)
		return
	}
	histories, err := h.Store.Histories(r.Context(), id)
	if err != nil {
		h.writeStockError(w, "Failed to list history", err)
		return
	}
	if histories == nil {
		histories = []stock.History{}
	}
	writeJSON(w, http.StatusOK, histories)
}

// CloseRound snapshots a stock's balances around an ended round.
// POST /api/stocks/{id}/rounds/{round}/close
func (h *Handler) CloseRound(w http.ResponseWriter, r *http.Request) {
	hist, err := h.History.CloseRound(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "round"))
	if err != nil {
		h.writeStockError(w, "Failed to close round", err)
		return
	}
	writeJSON(w, http.StatusCreated, hist)
}

// ListVaccines returns the doses-per-vial table.
// GET /api/vaccines
func (h *Handler) ListVaccines(w http.ResponseWriter, r *http.Request) {
	types := h.Formulations.Types()
	dtos := make([]VaccineDTO, len(types))
	for i, t := range types {
		dtos[i] = VaccineDTO{Vaccine: t, DosesPerVial: h.Formulations[t]}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REFERENCE DATA HANDLERS
// =============================================================================

// CreateStock ensures the stock of a (country, vaccine) pair.
// POST /api/stocks
func (h *Handler) CreateStock(w http.ResponseWriter, r *http.Request) {
	var req CreateStockRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.Recorder.EnsureStock(r.Context(), req.AccountID, req.CountryID, vaccine.Type(req.Vaccine))
	if err != nil {
		h.writeStockError(w, "Failed to create stock", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStockDTO(*s))
}

// CreateCountry creates or renames a country.
// POST /api/countries
func (h *Handler) CreateCountry(w http.ResponseWriter, r *http.Request) {
	var req CountryRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Recorder.RecordCountry(r.Context(), stock.Country{ID: req.ID, Name: req.Name})
	if err != nil {
		h.writeStockError(w, "Failed to save country", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// CreateCampaign creates or replaces a campaign with its rounds.
// POST /api/campaigns
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if !decode(w, r, &req) {
		return
	}
	c := stock.Campaign{
		ID:                     req.ID,
		ObrName:                req.ObrName,
		AccountID:              req.AccountID,
		CountryID:              req.CountryID,
		Vaccines:               req.Vaccines,
		SeparateScopesPerRound: req.SeparateScopesPerRound,
	}
	for i, rr := range req.Rounds {
		started, err := parseOptDate(fmt.Sprintf("rounds[%d].started_at", i), rr.StartedAt)
		if err != nil {
			h.writeStockError(w, "Invalid round", err)
			return
		}
		ended, err := parseOptDate(fmt.Sprintf("rounds[%d].ended_at", i), rr.EndedAt)
		if err != nil {
			h.writeStockError(w, "Invalid round", err)
			return
		}
		c.Rounds = append(c.Rounds, stock.Round{
			ID: rr.ID, Number: rr.Number, StartedAt: started, EndedAt: ended, Vaccines: rr.Vaccines,
		})
	}

	saved, err := h.Recorder.RecordCampaign(r.Context(), c)
	if err != nil {
		h.writeStockError(w, "Failed to save campaign", err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// CreateRequestForm creates or replaces a vaccine request form.
// POST /api/request-forms
func (h *Handler) CreateRequestForm(w http.ResponseWriter, r *http.Request) {
	var req RequestFormRequest
	if !decode(w, r, &req) {
		return
	}
	signed, err := parseOptDate("date_vrf_signature", req.DateVRFSignature)
	if err != nil {
		h.writeStockError(w, "Invalid request form", err)
		return
	}
	f, err := h.Recorder.RecordRequestForm(r.Context(), stock.RequestForm{
		ID:               req.ID,
		CampaignID:       req.CampaignID,
		Vaccine:          vaccine.Type(req.Vaccine),
		RoundIDs:         req.RoundIDs,
		Type:             stock.RequestFormType(req.Type),
		DateVRFSignature: signed,
		DosesRequested:   req.DosesRequested,
	})
	if err != nil {
		h.writeStockError(w, "Failed to save request form", err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// CreatePreAlert announces a shipment for a request form.
// POST /api/request-forms/{id}/pre-alerts
func (h *Handler) CreatePreAlert(w http.ResponseWriter, r *http.Request) {
	var req PreAlertRequest
	if !decode(w, r, &req) {
		return
	}
	eta, err := parseOptDate("estimated_arrival_date", req.EstimatedArrivalDate)
	if err != nil {
		h.writeStockError(w, "Invalid pre-alert", err)
		return
	}
	p, err := h.Recorder.RecordPreAlert(r.Context(), stock.PreAlert{
		ID:                   req.ID,
		RequestFormID:        chi.URLParam(r, "id"),
		PONumber:             req.PONumber,
		EstimatedArrivalDate: eta,
		DosesShipped:         req.DosesShipped,
	})
	if err != nil {
		h.writeStockError(w, "Failed to save pre-alert", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// =============================================================================
// MOVEMENT HANDLERS
// =============================================================================

// CreateArrivalReport records doses received for a request form.
// POST /api/request-forms/{id}/arrival-reports
func (h *Handler) CreateArrivalReport(w http.ResponseWriter, r *http.Request) {
	var req ArrivalReportRequest
	if !decode(w, r, &req) {
		return
	}
	arrived, err := parseDate("arrival_report_date", req.ArrivalReportDate)
	if err != nil {
		h.writeStockError(w, "Invalid arrival report", err)
		return
	}
	a, err := h.Recorder.RecordArrivalReport(r.Context(), stock.ArrivalReport{
		ID:                req.ID,
		RequestFormID:     chi.URLParam(r, "id"),
		PONumber:          req.PONumber,
		ArrivalReportDate: arrived,
		DosesReceived:     req.DosesReceived,
		DosesShipped:      req.DosesShipped,
	})
	if err != nil {
		h.writeStockError(w, "Failed to save arrival report", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// CreateOutgoingMovement records a Form A and the used earmarks covering it.
// POST /api/stocks/{id}/outgoing-movements
func (h *Handler) CreateOutgoingMovement(w http.ResponseWriter, r *http.Request) {
	var req OutgoingMovementRequest
	if !decode(w, r, &req) {
		return
	}
	reported, err := parseDate("report_date", req.ReportDate)
	if err != nil {
		h.writeStockError(w, "Invalid outgoing movement", err)
		return
	}
	received, err := parseOptDate("form_a_reception_date", req.FormAReceptionDate)
	if err != nil {
		h.writeStockError(w, "Invalid outgoing movement", err)
		return
	}

	used := make([]stock.Earmark, len(req.Earmarks))
	for i, e := range req.Earmarks {
		used[i] = stock.Earmark{
			Type:                  stock.EarmarkUsed,
			VialsEarmarked:        e.VialsEarmarked,
			DosesEarmarked:        e.DosesEarmarked,
			CampaignID:            e.CampaignID,
			RoundID:               e.RoundID,
			TemporaryCampaignName: e.TemporaryCampaignName,
			Comment:               e.Comment,
		}
	}

	m, earmarks, err := h.Recorder.RecordOutgoingMovement(r.Context(), stock.OutgoingMovement{
		ID:                 req.ID,
		StockID:            chi.URLParam(r, "id"),
		CampaignID:         req.CampaignID,
		RoundID:            req.RoundID,
		ReportDate:         reported,
		FormAReceptionDate: received,
		UsableVialsUsed:    req.UsableVialsUsed,
		Comment:            req.Comment,
	}, used...)
	if err != nil {
		h.writeStockError(w, "Failed to save outgoing movement", err)
		return
	}
	if earmarks == nil {
		earmarks = []stock.Earmark{}
	}
	writeJSON(w, http.StatusCreated, OutgoingMovementResponse{Movement: *m, Earmarks: earmarks})
}

// CreateDestructionReport records destroyed unusable vials.
// POST /api/stocks/{id}/destruction-reports
func (h *Handler) CreateDestructionReport(w http.ResponseWriter, r *http.Request) {
	var req DestructionReportRequest
	if !decode(w, r, &req) {
		return
	}
	destroyed, err := parseDate("destruction_report_date", req.DestructionReportDate)
	if err != nil {
		h.writeStockError(w, "Invalid destruction report", err)
		return
	}
	received, err := parseOptDate("rrt_destruction_report_reception_date", req.RRTReceptionDate)
	if err != nil {
		h.writeStockError(w, "Invalid destruction report", err)
		return
	}
	d, err := h.Recorder.RecordDestruction(r.Context(), stock.DestructionReport{
		ID:                     req.ID,
		StockID:                chi.URLParam(r, "id"),
		Action:                 req.Action,
		RRTReceptionDate:       received,
		DestructionReportDate:  destroyed,
		UnusableVialsDestroyed: req.UnusableVialsDestroyed,
	})
	if err != nil {
		h.writeStockError(w, "Failed to save destruction report", err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// CreateIncidentReport records a stock correction.
// POST /api/stocks/{id}/incident-reports
func (h *Handler) CreateIncidentReport(w http.ResponseWriter, r *http.Request) {
	var req IncidentReportRequest
	if !decode(w, r, &req) {
		return
	}
	reported, err := parseDate("date_of_incident_report", req.DateOfIncidentReport)
	if err != nil {
		h.writeStockError(w, "Invalid incident report", err)
		return
	}
	received, err := parseOptDate("incident_report_received_by_rrt", req.ReceivedByRRT)
	if err != nil {
		h.writeStockError(w, "Invalid incident report", err)
		return
	}
	in, err := h.Recorder.RecordIncident(r.Context(), stock.IncidentReport{
		ID:                   req.ID,
		StockID:              chi.URLParam(r, "id"),
		StockCorrection:      stock.StockCorrection(req.StockCorrection),
		DateOfIncidentReport: reported,
		ReceivedByRRT:        received,
		UsableVials:          req.UsableVials,
		UnusableVials:        req.UnusableVials,
	})
	if err != nil {
		h.writeStockError(w, "Failed to save incident report", err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

// CreateEarmark records one earmark event.
// POST /api/stocks/{id}/earmarks
func (h *Handler) CreateEarmark(w http.ResponseWriter, r *http.Request) {
	var req EarmarkRequest
	if !decode(w, r, &req) {
		return
	}
	on, err := parseDate("date", req.Date)
	if err != nil {
		h.writeStockError(w, "Invalid earmark", err)
		return
	}
	e, err := h.Recorder.RecordEarmark(r.Context(), stock.Earmark{
		ID:                    req.ID,
		StockID:               chi.URLParam(r, "id"),
		Type:                  stock.EarmarkType(req.Type),
		VialsEarmarked:        req.VialsEarmarked,
		DosesEarmarked:        req.DosesEarmarked,
		CampaignID:            req.CampaignID,
		RoundID:               req.RoundID,
		TemporaryCampaignName: req.TemporaryCampaignName,
		MovementID:            optString(req.MovementID),
		Comment:               req.Comment,
		Date:                  on,
	})
	if err != nil {
		h.writeStockError(w, "Failed to save earmark", err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) stockIDs(ctx context.Context) ([]string, error) {
	stocks, err := h.Store.Stocks(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(stocks))
	for i, s := range stocks {
		ids[i] = s.ID
	}
	return ids, nil
}

type lineQuery struct {
	end      *time.Time
	expanded bool
	order    report.Order
	offset   int
	limit    int
}

func parseLineQuery(r *http.Request) (lineQuery, error) {
	values := r.URL.Query()
	var (
		q   lineQuery
		err error
	)
	if q.end, err = stock.ParseAsOf(values.Get("end_date")); err != nil {
		return q, &stock.ValidationError{Field: "end_date", Reason: err.Error()}
	}
	if v := values.Get("expanded"); v != "" {
		if q.expanded, err = strconv.ParseBool(v); err != nil {
			return q, &stock.ValidationError{Field: "expanded", Reason: "must be true or false"}
		}
	}
	if q.order, err = report.ParseOrder(values.Get("order")); err != nil {
		return q, err
	}
	if q.offset, err = nonNegative(values.Get("offset"), "offset"); err != nil {
		return q, err
	}
	if q.limit, err = nonNegative(values.Get("limit"), "limit"); err != nil {
		return q, err
	}
	return q, nil
}

func nonNegative(s, field string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, &stock.ValidationError{Field: field, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

// decode reads a JSON body; on failure it writes a 400 and returns false.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// writeStockError maps stock errors to HTTP statuses. A *ValidationError
// answers 400 with details. Conflicts are checked before the remaining
// client errors: an earmark balance error matches both.
func (h *Handler) writeStockError(w http.ResponseWriter, message string, err error) {
	var ve *stock.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   message,
			Details: ValidationDetails{Field: ve.Field, Reason: ve.Reason},
		})
	case stock.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case stock.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case stock.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	default:
		h.Logger.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
