/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for demos. Each scenario creates countries, campaigns, request
	forms and stock movements that demonstrate one ledger behaviour.

AVAILABLE SCENARIOS:

	arrival-and-usage:      arrival of 1000 nOPV2 doses, Form A of 5 vials
	earmarked-round:        reservation consumed by a linked Form A
	expiry-and-destruction: expired vials moved to unusable, then destroyed
	multi-country:          two countries, bOPV and nOPV2, separate round
	                        scopes, provisional earmarks and corrections

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Record countries, campaigns and request forms
 3. Record arrivals
 4. Record movements and earmarks through the Recorder, so every write is
    validated exactly like an API call

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "earmarked-round"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies
  - stock/recorder.go: validated writes
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/vaccine-stock/stock"
	"github.com/warp/vaccine-stock/vaccine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "arrival-and-usage",
		Name:        "Arrival and Usage",
		Description: "1000 nOPV2 doses arrive, a Form A reports 5 vials used",
		Category:    "usable",
	},
	{
		ID:          "earmarked-round",
		Name:        "Earmarked Round",
		Description: "5 vials reserved for a round, then consumed by a linked Form A",
		Category:    "earmarked",
	},
	{
		ID:          "expiry-and-destruction",
		Name:        "Expiry and Destruction",
		Description: "3 vials expire and are destroyed two weeks later",
		Category:    "unusable",
	},
	{
		ID:          "multi-country",
		Name:        "Multi-Country",
		Description: "Two countries with bOPV and nOPV2, per-round scopes, provisional earmarks and corrections",
		Category:    "reporting",
	},
}

var scenarioLoaders = map[string]func(*Handler, context.Context) error{
	"arrival-and-usage":      (*Handler).loadArrivalAndUsageScenario,
	"earmarked-round":        (*Handler).loadEarmarkedRoundScenario,
	"expiry-and-destruction": (*Handler).loadExpiryAndDestructionScenario,
	"multi-country":          (*Handler).loadMultiCountryScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Load(r.Context(), req.ScenarioID); err != nil {
		h.writeStockError(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "loaded",
		"scenario_id": req.ScenarioID,
	})
}

// ResetDatabase clears the store.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeStockError(w, "Failed to reset", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// Load resets the store and loads the scenario with the given ID.
func (h *Handler) Load(ctx context.Context, scenarioID string) error {
	loader, ok := scenarioLoaders[scenarioID]
	if !ok {
		return &stock.ValidationError{Field: "scenario_id", Reason: fmt.Sprintf("unknown scenario %q", scenarioID)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	h.currentScenario = ""
	if err := loader(h, ctx); err != nil {
		return fmt.Errorf("scenario %s: %w", scenarioID, err)
	}
	h.currentScenario = scenarioID
	h.Logger.Info("scenario loaded", zap.String("scenario_id", scenarioID))
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func day(y int, m time.Month, d int) *time.Time {
	t := stock.NewDate(y, m, d)
	return &t
}

func intPtr(n int) *int { return &n }

// seedCampaign records a country, a one-round campaign (10 -> 20 Jan 2024)
// for v, its request form and the stock. It returns the stock ID.
func (h *Handler) seedCampaign(ctx context.Context, countryID, countryName, obr string, v vaccine.Type) (string, error) {
	rec := h.Recorder
	if _, err := rec.RecordCountry(ctx, stock.Country{ID: countryID, Name: countryName}); err != nil {
		return "", err
	}
	campaignID := countryID + "-" + obr
	if _, err := rec.RecordCampaign(ctx, stock.Campaign{
		ID:        campaignID,
		ObrName:   obr,
		CountryID: countryID,
		Vaccines:  []vaccine.Type{v},
		Rounds: []stock.Round{{
			ID:        campaignID + "-r1",
			Number:    1,
			StartedAt: day(2024, time.January, 10),
			EndedAt:   day(2024, time.January, 20),
		}},
	}); err != nil {
		return "", err
	}
	stk, err := rec.EnsureStock(ctx, "", countryID, v)
	if err != nil {
		return "", err
	}
	if _, err := rec.RecordRequestForm(ctx, stock.RequestForm{
		ID:             campaignID + "-vrf",
		CampaignID:     campaignID,
		Vaccine:        v,
		RoundIDs:       []string{campaignID + "-r1"},
		DosesRequested: intPtr(1000),
	}); err != nil {
		return "", err
	}
	if _, err := rec.RecordPreAlert(ctx, stock.PreAlert{
		RequestFormID:        campaignID + "-vrf",
		PONumber:             "PO-" + obr,
		EstimatedArrivalDate: day(2024, time.January, 4),
		DosesShipped:         intPtr(1000),
	}); err != nil {
		return "", err
	}
	if _, err := rec.RecordArrivalReport(ctx, stock.ArrivalReport{
		RequestFormID:     campaignID + "-vrf",
		PONumber:          "PO-" + obr,
		ArrivalReportDate: stock.NewDate(2024, time.January, 5),
		DosesReceived:     intPtr(1000),
		DosesShipped:      intPtr(1000),
	}); err != nil {
		return "", err
	}
	return stk.ID, nil
}

func (h *Handler) loadArrivalAndUsageScenario(ctx context.Context) error {
	stockID, err := h.seedCampaign(ctx, "NG", "Nigeria", "2024-NIE-01nOPV2", vaccine.NOPV2)
	if err != nil {
		return err
	}
	_, _, err = h.Recorder.RecordOutgoingMovement(ctx, stock.OutgoingMovement{
		StockID:         stockID,
		CampaignID:      "NG-2024-NIE-01nOPV2",
		RoundID:         "NG-2024-NIE-01nOPV2-r1",
		ReportDate:      stock.NewDate(2024, time.January, 15),
		UsableVialsUsed: 5,
	})
	return err
}

func (h *Handler) loadEarmarkedRoundScenario(ctx context.Context) error {
	const campaignID, roundID = "NG-2024-NIE-01nOPV2", "NG-2024-NIE-01nOPV2-r1"
	stockID, err := h.seedCampaign(ctx, "NG", "Nigeria", "2024-NIE-01nOPV2", vaccine.NOPV2)
	if err != nil {
		return err
	}
	if _, err := h.Recorder.RecordEarmark(ctx, stock.Earmark{
		StockID:        stockID,
		Type:           stock.EarmarkCreated,
		VialsEarmarked: 5,
		CampaignID:     campaignID,
		RoundID:        roundID,
		Date:           stock.NewDate(2024, time.January, 8),
	}); err != nil {
		return err
	}
	_, _, err = h.Recorder.RecordOutgoingMovement(ctx, stock.OutgoingMovement{
		StockID:         stockID,
		CampaignID:      campaignID,
		RoundID:         roundID,
		ReportDate:      stock.NewDate(2024, time.January, 15),
		UsableVialsUsed: 5,
	}, stock.Earmark{VialsEarmarked: 5, CampaignID: campaignID, RoundID: roundID})
	return err
}

func (h *Handler) loadExpiryAndDestructionScenario(ctx context.Context) error {
	stockID, err := h.seedCampaign(ctx, "NG", "Nigeria", "2024-NIE-01nOPV2", vaccine.NOPV2)
	if err != nil {
		return err
	}
	if _, err := h.Recorder.RecordIncident(ctx, stock.IncidentReport{
		StockID:              stockID,
		StockCorrection:      stock.CorrectionVaccineExpired,
		DateOfIncidentReport: stock.NewDate(2024, time.February, 1),
		UnusableVials:        intPtr(3),
	}); err != nil {
		return err
	}
	_, err = h.Recorder.RecordDestruction(ctx, stock.DestructionReport{
		StockID:                stockID,
		Action:                 "Incinerated",
		DestructionReportDate:  stock.NewDate(2024, time.February, 15),
		RRTReceptionDate:       day(2024, time.February, 20),
		UnusableVialsDestroyed: 3,
	})
	return err
}

func (h *Handler) loadMultiCountryScenario(ctx context.Context) error {
	rec := h.Recorder

	// Nigeria: nOPV2 stock with a used round and a stolen box.
	ngStock, err := h.seedCampaign(ctx, "NG", "Nigeria", "2024-NIE-01nOPV2", vaccine.NOPV2)
	if err != nil {
		return err
	}
	if _, _, err := rec.RecordOutgoingMovement(ctx, stock.OutgoingMovement{
		StockID:         ngStock,
		CampaignID:      "NG-2024-NIE-01nOPV2",
		RoundID:         "NG-2024-NIE-01nOPV2-r1",
		ReportDate:      stock.NewDate(2024, time.January, 18),
		UsableVialsUsed: 8,
	}); err != nil {
		return err
	}
	if _, err := rec.RecordIncident(ctx, stock.IncidentReport{
		StockID:              ngStock,
		StockCorrection:      stock.CorrectionStealing,
		DateOfIncidentReport: stock.NewDate(2024, time.January, 25),
		UsableVials:          intPtr(2),
	}); err != nil {
		return err
	}

	// Mali: one campaign with bOPV in round 1 and nOPV2 in round 2.
	if _, err := rec.RecordCountry(ctx, stock.Country{ID: "ML", Name: "Mali"}); err != nil {
		return err
	}
	if _, err := rec.RecordCampaign(ctx, stock.Campaign{
		ID:                     "ML-2024-MAL-01",
		ObrName:                "2024-MAL-01",
		CountryID:              "ML",
		Vaccines:               []vaccine.Type{vaccine.BOPV, vaccine.NOPV2},
		SeparateScopesPerRound: true,
		Rounds: []stock.Round{
			{ID: "ML-r1", Number: 1, StartedAt: day(2024, time.February, 1), EndedAt: day(2024, time.February, 7), Vaccines: []vaccine.Type{vaccine.BOPV}},
			{ID: "ML-r2", Number: 2, StartedAt: day(2024, time.March, 1), EndedAt: day(2024, time.March, 7), Vaccines: []vaccine.Type{vaccine.NOPV2}},
		},
	}); err != nil {
		return err
	}

	mlStocks := map[vaccine.Type]string{}
	for _, v := range []vaccine.Type{vaccine.BOPV, vaccine.NOPV2} {
		stk, err := rec.EnsureStock(ctx, "", "ML", v)
		if err != nil {
			return err
		}
		mlStocks[v] = stk.ID
		formID := "ML-vrf-" + string(v)
		if _, err := rec.RecordRequestForm(ctx, stock.RequestForm{
			ID:         formID,
			CampaignID: "ML-2024-MAL-01",
			Vaccine:    v,
			RoundIDs:   []string{"ML-r1", "ML-r2"},
		}); err != nil {
			return err
		}
		if _, err := rec.RecordArrivalReport(ctx, stock.ArrivalReport{
			RequestFormID:     formID,
			PONumber:          "ML-" + string(v),
			ArrivalReportDate: stock.NewDate(2024, time.January, 28),
			DosesReceived:     intPtr(2000),
		}); err != nil {
			return err
		}
	}

	// A provisional reservation before the nOPV2 round had an ID, later
	// returned in part.
	if _, err := rec.RecordEarmark(ctx, stock.Earmark{
		StockID:               mlStocks[vaccine.NOPV2],
		Type:                  stock.EarmarkCreated,
		VialsEarmarked:        10,
		TemporaryCampaignName: "MAL-outbreak-response",
		Date:                  stock.NewDate(2024, time.February, 10),
	}); err != nil {
		return err
	}
	if _, err := rec.RecordEarmark(ctx, stock.Earmark{
		StockID:               mlStocks[vaccine.NOPV2],
		Type:                  stock.EarmarkReturned,
		VialsEarmarked:        4,
		TemporaryCampaignName: "MAL-outbreak-response",
		Date:                  stock.NewDate(2024, time.February, 20),
	}); err != nil {
		return err
	}

	// bOPV: a Form A, vials past their VVM discard point, destroyed, and one
	// vial found at the physical count.
	if _, _, err := rec.RecordOutgoingMovement(ctx, stock.OutgoingMovement{
		StockID:         mlStocks[vaccine.BOPV],
		CampaignID:      "ML-2024-MAL-01",
		RoundID:         "ML-r1",
		ReportDate:      stock.NewDate(2024, time.February, 6),
		UsableVialsUsed: 60,
	}); err != nil {
		return err
	}
	if _, err := rec.RecordIncident(ctx, stock.IncidentReport{
		StockID:              mlStocks[vaccine.BOPV],
		StockCorrection:      stock.CorrectionVVMReachedDiscardPoint,
		DateOfIncidentReport: stock.NewDate(2024, time.February, 9),
		UnusableVials:        intPtr(4),
	}); err != nil {
		return err
	}
	if _, err := rec.RecordIncident(ctx, stock.IncidentReport{
		StockID:              mlStocks[vaccine.BOPV],
		StockCorrection:      stock.CorrectionPhysicalInventoryAdd,
		DateOfIncidentReport: stock.NewDate(2024, time.February, 12),
		UsableVials:          intPtr(1),
	}); err != nil {
		return err
	}
	if _, err := rec.RecordDestruction(ctx, stock.DestructionReport{
		StockID:                mlStocks[vaccine.BOPV],
		DestructionReportDate:  stock.NewDate(2024, time.February, 28),
		UnusableVialsDestroyed: 4,
	}); err != nil {
		return err
	}

	// Snapshot every ended round.
	_, err = h.History.CloseDueRounds(ctx)
	return err
}
