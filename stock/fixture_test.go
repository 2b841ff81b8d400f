package stock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/vaccine-stock/stock"
	"github.com/warp/vaccine-stock/stock/store"
	"github.com/warp/vaccine-stock/vaccine"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================
// One country, one nOPV2 campaign with a single round (10 -> 20 Jan 2024)
// and one request form tied to that round. Arrivals, Form A and earmarks
// are added per test.
// =============================================================================

const (
	countryID  = "country-a"
	campaignID = "camp-1"
	roundID    = "round-1"
	formID     = "vrf-1"
)

var fixedNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *store.Memory
	recorder *stock.Recorder
	calc     *stock.Calculator
	history  *stock.HistoryManager
	stockID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	formulations := vaccine.DefaultFormulations()

	rec := stock.NewRecorder(mem, formulations, zap.NewNop())
	rec.Now = func() time.Time { return fixedNow }
	calc := stock.NewCalculator(mem, formulations)
	hm := stock.NewHistoryManager(mem, calc, zap.NewNop())
	hm.Now = func() time.Time { return fixedNow }

	f := &fixture{t: t, ctx: ctx, store: mem, recorder: rec, calc: calc, history: hm}

	_, err := rec.RecordCountry(ctx, stock.Country{ID: countryID, Name: "Country A"})
	require.NoError(t, err)

	_, err = rec.RecordCampaign(ctx, stock.Campaign{
		ID:        campaignID,
		ObrName:   "2024-NIE-01nOPV2",
		CountryID: countryID,
		Vaccines:  []vaccine.Type{vaccine.NOPV2},
		Rounds: []stock.Round{{
			ID:        roundID,
			Number:    1,
			StartedAt: date(2024, time.January, 10),
			EndedAt:   date(2024, time.January, 20),
		}},
	})
	require.NoError(t, err)

	stk, err := rec.EnsureStock(ctx, "", countryID, vaccine.NOPV2)
	require.NoError(t, err)
	f.stockID = stk.ID

	_, err = rec.RecordRequestForm(ctx, stock.RequestForm{
		ID:         formID,
		CampaignID: campaignID,
		Vaccine:    vaccine.NOPV2,
		RoundIDs:   []string{roundID},
	})
	require.NoError(t, err)
	return f
}

func date(y int, m time.Month, d int) *time.Time {
	t := stock.NewDate(y, m, d)
	return &t
}

func intPtr(n int) *int { return &n }

func qty(vials, doses int) stock.Quantity {
	return stock.Quantity{Vials: vials, Doses: doses}
}

func (f *fixture) arrival(doses int, on *time.Time) {
	f.t.Helper()
	_, err := f.recorder.RecordArrivalReport(f.ctx, stock.ArrivalReport{
		RequestFormID:     formID,
		PONumber:          "PO-1",
		ArrivalReportDate: *on,
		DosesReceived:     intPtr(doses),
	})
	require.NoError(f.t, err)
}

func (f *fixture) formA(vials int, on *time.Time, used ...stock.Earmark) *stock.OutgoingMovement {
	f.t.Helper()
	m, _, err := f.recorder.RecordOutgoingMovement(f.ctx, stock.OutgoingMovement{
		StockID:         f.stockID,
		CampaignID:      campaignID,
		RoundID:         roundID,
		ReportDate:      *on,
		UsableVialsUsed: vials,
	}, used...)
	require.NoError(f.t, err)
	return m
}

func (f *fixture) earmark(typ stock.EarmarkType, vials int, on *time.Time) stock.Earmark {
	return stock.Earmark{
		StockID:        f.stockID,
		Type:           typ,
		VialsEarmarked: vials,
		CampaignID:     campaignID,
		RoundID:        roundID,
		Date:           *on,
	}
}

func (f *fixture) recordEarmark(typ stock.EarmarkType, vials int, on *time.Time) {
	f.t.Helper()
	_, err := f.recorder.RecordEarmark(f.ctx, f.earmark(typ, vials, on))
	require.NoError(f.t, err)
}

func (f *fixture) incident(reason stock.StockCorrection, usable, unusable *int, on *time.Time) {
	f.t.Helper()
	_, err := f.recorder.RecordIncident(f.ctx, stock.IncidentReport{
		StockID:              f.stockID,
		StockCorrection:      reason,
		DateOfIncidentReport: *on,
		UsableVials:          usable,
		UnusableVials:        unusable,
	})
	require.NoError(f.t, err)
}

func (f *fixture) destruction(vials int, on *time.Time) {
	f.t.Helper()
	_, err := f.recorder.RecordDestruction(f.ctx, stock.DestructionReport{
		StockID:                f.stockID,
		DestructionReportDate:  *on,
		UnusableVialsDestroyed: vials,
	})
	require.NoError(f.t, err)
}

func (f *fixture) project(end *time.Time) *stock.Projection {
	f.t.Helper()
	p, err := f.calc.Project(f.ctx, f.stockID, end)
	require.NoError(f.t, err)
	return p
}
