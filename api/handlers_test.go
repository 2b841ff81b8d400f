/*
handlers_test.go - HTTP contract tests

Drives the router end to end over the in-memory store: reference data,
movements, summaries, ledger lines, exports and error mapping.
*/
package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/warp/vaccine-stock/api"
	"github.com/warp/vaccine-stock/stock/store"
	"github.com/warp/vaccine-stock/vaccine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type server struct {
	t       *testing.T
	handler *api.Handler
	router  http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	h := api.NewHandler(store.NewMemory(), vaccine.DefaultFormulations(), zap.NewNop())
	return &server{t: t, handler: h, router: api.NewRouter(h, []string{"http://localhost:5173"})}
}

func (s *server) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// must performs the request and requires the given status.
func (s *server) must(status int, method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	rec := s.do(method, path, body)
	require.Equal(s.t, status, rec.Code, rec.Body.String())
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// seed creates Nigeria, a nOPV2 campaign whose round runs 10 -> 20 Jan 2024,
// its request form, the stock and an arrival of 1000 doses on 5 Jan.
func (s *server) seed() string {
	s.t.Helper()
	s.must(http.StatusCreated, "POST", "/api/countries", map[string]any{"id": "NG", "name": "Nigeria"})
	s.must(http.StatusCreated, "POST", "/api/campaigns", map[string]any{
		"id":         "c1",
		"obr_name":   "2024-NIE-01nOPV2",
		"country_id": "NG",
		"vaccines":   []string{"nOPV2"},
		"rounds": []map[string]any{
			{"id": "r1", "number": 1, "started_at": "2024-01-10", "ended_at": "2024-01-20"},
		},
	})
	s.must(http.StatusCreated, "POST", "/api/request-forms", map[string]any{
		"id": "f1", "campaign_id": "c1", "vaccine": "nOPV2", "round_ids": []string{"r1"}, "doses_requested": 1000,
	})
	stk := decodeBody[api.StockDTO](s.t, s.must(http.StatusCreated, "POST", "/api/stocks", map[string]any{
		"country_id": "NG", "vaccine": "nOPV2",
	}))
	s.must(http.StatusCreated, "POST", "/api/request-forms/f1/pre-alerts", map[string]any{
		"po_number": "PO-1", "estimated_arrival_date": "2024-01-04", "doses_shipped": 1000,
	})
	s.must(http.StatusCreated, "POST", "/api/request-forms/f1/arrival-reports", map[string]any{
		"po_number": "PO-1", "arrival_report_date": "2024-01-05", "doses_received": 1000,
	})
	return stk.ID
}

func (s *server) summary(stockID, query string) api.SummaryDTO {
	s.t.Helper()
	return decodeBody[api.SummaryDTO](s.t, s.must(http.StatusOK, "GET", "/api/stocks/"+stockID+"/summary"+query, nil))
}

// =============================================================================
// SUMMARIES AND LEDGERS
// =============================================================================

func TestAPI_ArrivalAndUsage(t *testing.T) {
	s := newServer(t)
	stockID := s.seed()

	// THEN: the arrival alone gives 20 usable vials
	sum := s.summary(stockID, "")
	assert.Equal(t, 20, sum.VialsReceived)
	assert.Equal(t, 20, sum.Usable.Vials)
	assert.Equal(t, 1000, sum.Usable.Doses)
	assert.Nil(t, sum.EndDate)

	// WHEN: a Form A reports 5 vials
	s.must(http.StatusCreated, "POST", "/api/stocks/"+stockID+"/outgoing-movements", map[string]any{
		"campaign_id": "c1", "round_id": "r1", "report_date": "2024-01-15", "usable_vials_used": 5,
	})

	// THEN: usable drops to 15 and the used view shows 5
	sum = s.summary(stockID, "")
	assert.Equal(t, 15, sum.Usable.Vials)
	assert.Equal(t, 750, sum.Usable.Doses)
	assert.Equal(t, 5, sum.VialsUsed)
	assert.Equal(t, "0.2500", sum.UsageRate)

	// AND: before the arrival everything is zero
	early := s.summary(stockID, "?end_date=2024-01-01")
	assert.Zero(t, early.Usable.Vials)
	require.NotNil(t, early.EndDate)
	assert.Equal(t, "2024-01-01", *early.EndDate)
}

func TestAPI_LinesHaveNullInactiveSide(t *testing.T) {
	s := newServer(t)
	stockID := s.seed()
	s.must(http.StatusCreated, "POST", "/api/stocks/"+stockID+"/outgoing-movements", map[string]any{
		"campaign_id": "c1", "round_id": "r1", "report_date": "2024-01-15", "usable_vials_used": 5,
	})

	lines := decodeBody[[]map[string]any](t, s.must(http.StatusOK, "GET", "/api/stocks/"+stockID+"/usable", nil))
	require.Len(t, lines, 2)

	arrival := lines[0]
	assert.Equal(t, "2024-01-05", arrival["date"])
	assert.Equal(t, "vaccine_arrival", arrival["type"])
	assert.EqualValues(t, 20, arrival["vials_in"])
	assert.EqualValues(t, 1000, arrival["doses_in"])
	assert.Contains(t, arrival, "vials_out")
	assert.Nil(t, arrival["vials_out"])
	assert.Nil(t, arrival["doses_out"])
	assert.NotContains(t, arrival, "stock_id", "identity only on expanded lines")

	usage := lines[1]
	assert.Nil(t, usage["vials_in"])
	assert.EqualValues(t, 5, usage["vials_out"])
	assert.EqualValues(t, 250, usage["doses_out"])

	// Expanded and paged, newest first.
	page := decodeBody[[]map[string]any](t, s.must(http.StatusOK, "GET",
		"/api/stocks/"+stockID+"/usable?expanded=true&order=-date&limit=1", nil))
	require.Len(t, page, 1)
	assert.Equal(t, "2024-01-15", page[0]["date"])
	assert.Equal(t, stockID, page[0]["stock_id"])
	assert.Equal(t, "Nigeria", page[0]["country_name"])
	assert.Equal(t, "nOPV2", page[0]["vaccine"])

	used := decodeBody[[]map[string]any](t, s.must(http.StatusOK, "GET", "/api/stocks/"+stockID+"/used", nil))
	require.Len(t, used, 1)
	assert.EqualValues(t, 5, used[0]["vials_out"])
}

func TestAPI_EarmarkedRound(t *testing.T) {
	s := newServer(t)
	stockID := s.seed()

	// GIVEN: 5 vials reserved for round 1
	s.must(http.StatusCreated, "POST", "/api/stocks/"+stockID+"/earmarks", map[string]any{
		"earmarked_stock_type": "created", "vials_earmarked": 5, "campaign_id": "c1", "round_id": "r1", "date": "2024-01-08",
	})
	sum := s.summary(stockID, "")
	assert.Equal(t, 15, sum.Usable.Vials)
	assert.Equal(t, 5, sum.Earmarked.Vials)

	// WHEN: the Form A consumes the reservation
	rec := s.must(http.StatusCreated, "POST", "/api/stocks/"+stockID+"/outgoing-movements", map[string]any{
		"campaign_id": "c1", "round_id": "r1", "report_date": "2024-01-15", "usable_vials_used": 5,
		"earmarks": []map[string]any{{"vials_earmarked": 5, "campaign_id": "c1", "round_id": "r1"}},
	})
	resp := decodeBody[api.OutgoingMovementResponse](t, rec)
	require.Len(t, resp.Earmarks, 1)
	require.NotNil(t, resp.Earmarks[0].MovementID)
	assert.Equal(t, resp.Movement.ID, *resp.Earmarks[0].MovementID)

	// THEN: no double counting
	sum = s.summary(stockID, "")
	assert.Equal(t, 15, sum.Usable.Vials)
	assert.Zero(t, sum.Earmarked.Vials)
	assert.Equal(t, 5, sum.VialsUsed)
}

func TestAPI_ExpiryAndDestruction(t *testing.T) {
	s := newServer(t)
	stockID := s.seed()

	s.must(http.StatusCreated, "POST", "/api/stocks/"+stockID+"/incident-reports", map[string]any{
		"stock_correction": "vaccine_expired", "date_of_incident_report": "2024-02-01", "unusable_vials": 3,
	})
	sum := s.summary(stockID, "")
	assert.Equal(t, 3, sum.Unusable.Vials)
	assert.Equal(t, 150, sum.Unusable.Doses)
	assert.Equal(t, 20, sum.Usable.Vials)

	s.must(http.StatusCreated, "POST", "/api/stocks/"+stockID+"/destruction-reports", map[string]any{
		"destruction_report_date": "2024-02-15", "unusable_vials_destroyed": 3,
	})
	sum = s.summary(stockID, "")
	assert.Zero(t, sum.Unusable.Vials)
	assert.Equal(t, 3, sum.VialsDestroyed)
}

func TestAPI_ListStocksAndCrossStockLines(t *testing.T) {
	s := newServer(t)
	stockID := s.seed()

	summaries := decodeBody[[]api.SummaryDTO](t, s.must(http.StatusOK, "GET", "/api/stocks", nil))
	require.Len(t, summaries, 1)
	assert.Equal(t, stockID, summaries[0].StockID)

	lines := decodeBody[[]map[string]any](t, s.must(http.StatusOK, "GET", "/api/lines/usable", nil))
	require.Len(t, lines, 1)
	assert.Equal(t, "NG", lines[0]["country_id"])

	s.must(http.StatusBadRequest, "GET", "/api/lines/physical", nil)
}

func TestAPI_ExportWorkbook(t *testing.T) {
	s := newServer(t)
	stockID := s.seed()

	rec := s.must(http.StatusOK, "GET", "/api/stocks/"+stockID+"/export.xlsx", nil)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "stock-NG-nOPV2.xlsx")

	f, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("usable")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestAPI_History(t *testing.T) {
	s := newServer(t)
	stockID := s.seed()

	rec := s.must(http.StatusCreated, "POST", "/api/stocks/"+stockID+"/rounds/r1/close", nil)
	h := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "r1", h["round_id"])

	s.must(http.StatusConflict, "POST", "/api/stocks/"+stockID+"/rounds/r1/close", nil)

	list := decodeBody[[]map[string]any](t, s.must(http.StatusOK, "GET", "/api/stocks/"+stockID+"/history", nil))
	assert.Len(t, list, 1)

	s.must(http.StatusNotFound, "GET", "/api/stocks/missing/history", nil)
}

func TestAPI_Vaccines(t *testing.T) {
	s := newServer(t)

	got := decodeBody[[]api.VaccineDTO](t, s.must(http.StatusOK, "GET", "/api/vaccines", nil))
	assert.Equal(t, []api.VaccineDTO{
		{Vaccine: vaccine.BOPV, DosesPerVial: 20},
		{Vaccine: vaccine.MOPV2, DosesPerVial: 20},
		{Vaccine: vaccine.NOPV2, DosesPerVial: 50},
	}, got)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_ErrorMapping(t *testing.T) {
	s := newServer(t)
	stockID := s.seed()

	t.Run("validation carries the field", func(t *testing.T) {
		rec := s.must(http.StatusBadRequest, "POST", "/api/stocks/"+stockID+"/outgoing-movements", map[string]any{
			"report_date": "2024-01-15", "usable_vials_used": -1,
		})
		body := decodeBody[map[string]any](t, rec)
		details, ok := body["details"].(map[string]any)
		require.True(t, ok, rec.Body.String())
		assert.Equal(t, "usable_vials_used", details["field"])
	})

	t.Run("bad date", func(t *testing.T) {
		rec := s.must(http.StatusBadRequest, "POST", "/api/stocks/"+stockID+"/destruction-reports", map[string]any{
			"destruction_report_date": "15/02/2024", "unusable_vials_destroyed": 1,
		})
		body := decodeBody[map[string]any](t, rec)
		assert.Equal(t, "destruction_report_date", body["details"].(map[string]any)["field"])
	})

	t.Run("bad query", func(t *testing.T) {
		s.must(http.StatusBadRequest, "GET", "/api/stocks/"+stockID+"/summary?end_date=yesterday", nil)
		s.must(http.StatusBadRequest, "GET", "/api/stocks/"+stockID+"/usable?limit=-1", nil)
		s.must(http.StatusBadRequest, "GET", "/api/stocks/"+stockID+"/usable?order=vials", nil)
		s.must(http.StatusBadRequest, "GET", "/api/stocks/"+stockID+"/usable?expanded=maybe", nil)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/countries", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid request body", decodeBody[api.ErrorResponse](t, rec).Error)
	})

	t.Run("unknown stock", func(t *testing.T) {
		s.must(http.StatusNotFound, "GET", "/api/stocks/missing/summary", nil)
		s.must(http.StatusNotFound, "POST", "/api/stocks/missing/incident-reports", map[string]any{
			"stock_correction": "missing", "date_of_incident_report": "2024-02-01", "usable_vials": 1,
		})
	})

	t.Run("unknown vaccine", func(t *testing.T) {
		s.must(http.StatusBadRequest, "POST", "/api/stocks", map[string]any{"country_id": "NG", "vaccine": "IPV"})
	})

	t.Run("earmark balance is a conflict", func(t *testing.T) {
		rec := s.must(http.StatusConflict, "POST", "/api/stocks/"+stockID+"/earmarks", map[string]any{
			"earmarked_stock_type": "returned", "vials_earmarked": 2, "campaign_id": "c1", "round_id": "r1", "date": "2024-01-09",
		})
		assert.Contains(t, decodeBody[api.ErrorResponse](t, rec).Details, "earmark balance")
	})
}
