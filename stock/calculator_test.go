/*
calculator_test.go - Behaviour of the balance calculator

ORGANIZATION:
  1. Walkthrough: arrival, Form A, earmark, incident, destruction, as-of
  2. No double counting between Form A and earmark "used" events
  3. As-of rules, including the request-form round filter
  4. Conservation and non-negativity
  5. Resilience to partially populated rows

Each test has GIVEN/WHEN/THEN comments describing the scenario.
*/
package stock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/vaccine-stock/stock"
	"github.com/warp/vaccine-stock/vaccine"
)

// =============================================================================
// 1. WALKTHROUGH
// =============================================================================

func TestCalculator_ArrivalReport(t *testing.T) {
	// GIVEN: one arrival of 1000 nOPV2 doses (50 doses per vial)
	f := newFixture(t)
	f.arrival(1000, date(2024, time.January, 5))

	// WHEN: the stock is projected without end date
	p := f.project(nil)

	// THEN: 20 vials were received and are usable
	assert.Equal(t, 20, p.VialsReceived())
	assert.Equal(t, qty(20, 1000), p.TotalUsable())
	assert.Equal(t, qty(0, 0), p.TotalUnusable())
	assert.Equal(t, qty(0, 0), p.TotalEarmarked())
}

func TestCalculator_ArrivalRoundsUpPartialVials(t *testing.T) {
	// GIVEN: 1001 doses, one more than 20 full vials
	f := newFixture(t)
	f.arrival(1001, date(2024, time.January, 5))

	// THEN: the partial vial counts as a vial
	assert.Equal(t, qty(21, 1001), f.project(nil).TotalUsable())
}

func TestCalculator_FormAWithoutEarmark(t *testing.T) {
	// GIVEN: 20 vials received
	f := newFixture(t)
	f.arrival(1000, date(2024, time.January, 5))

	// WHEN: a Form A reports 5 vials used, with no earmark link
	f.formA(5, date(2024, time.January, 15))

	// THEN: usable drops by 5 and the used view reports 5
	p := f.project(nil)
	assert.Equal(t, qty(15, 750), p.TotalUsable())
	assert.Equal(t, 5, p.VialsUsed())
}

func TestCalculator_EarmarkedFormANotDoubleCounted(t *testing.T) {
	// GIVEN: 20 vials received and a first Form A of 5 vials
	f := newFixture(t)
	f.arrival(1000, date(2024, time.January, 5))
	f.formA(5, date(2024, time.January, 12))

	// WHEN: 5 vials are earmarked for round 1
	f.recordEarmark(stock.EarmarkCreated, 5, date(2024, time.January, 13))

	// THEN: they leave usable stock and enter earmarked stock
	p := f.project(nil)
	require.Equal(t, qty(10, 500), p.TotalUsable())
	require.Equal(t, qty(5, 250), p.TotalEarmarked())

	// WHEN: a second Form A uses exactly the earmarked 5 vials
	m := f.formA(5, date(2024, time.January, 15), stock.Earmark{
		VialsEarmarked: 5,
		CampaignID:     campaignID,
		RoundID:        roundID,
	})

	// THEN: usable is unchanged, earmarked is consumed, used reports both Form As
	p = f.project(nil)
	assert.Equal(t, qty(10, 500), p.TotalUsable(), "earmarked vials must not leave usable stock twice")
	assert.Equal(t, qty(0, 0), p.TotalEarmarked())
	assert.Equal(t, 10, p.VialsUsed())

	var usage, used *stock.Line
	for i, l := range p.Usable.Lines {
		if l.Ref == m.ID {
			usage = &p.Usable.Lines[i]
		}
	}
	for i, l := range p.Used.Lines {
		if l.Ref == m.ID {
			used = &p.Used.Lines[i]
		}
	}
	require.NotNil(t, usage)
	require.NotNil(t, used)
	assert.Equal(t, 0, usage.Vials, "real usage is usable_vials_used minus earmark coverage")
	assert.Contains(t, usage.Action, "5 vials from earmarked stock, 0 vials from general stock")
	assert.Equal(t, 5, used.Vials, "used view keeps the full count")
}

func TestCalculator_PartialEarmarkCoverage(t *testing.T) {
	// GIVEN: 20 vials received, 3 of them earmarked
	f := newFixture(t)
	f.arrival(1000, date(2024, time.January, 5))
	f.recordEarmark(stock.EarmarkCreated, 3, date(2024, time.January, 8))

	// WHEN: a Form A uses 8 vials, 3 of which come from the earmark
	f.formA(8, date(2024, time.January, 15), stock.Earmark{
		VialsEarmarked: 3,
		CampaignID:     campaignID,
		RoundID:        roundID,
	})

	// THEN: 20 - 3 (reserved) - 5 (general) = 12 usable
	p := f.project(nil)
	assert.Equal(t, 12, p.TotalUsable().Vials)
	assert.Equal(t, 0, p.TotalEarmarked().Vials)
	assert.Equal(t, 8, p.VialsUsed())
}

func TestCalculator_ExpiredIncidentThenDestruction(t *testing.T) {
	// GIVEN: 20 vials received
	f := newFixture(t)
	f.arrival(1000, date(2024, time.January, 5))

	// WHEN: 3 vials are reported expired
	f.incident(stock.CorrectionVaccineExpired, nil, intPtr(3), date(2024, time.January, 25))

	// THEN: they appear as unusable, usable is untouched
	p := f.project(nil)
	assert.Equal(t, qty(3, 150), p.TotalUnusable())
	assert.Equal(t, qty(20, 1000), p.TotalUsable())

	// WHEN: the 3 unusable vials are destroyed
	f.destruction(3, date(2024, time.February, 2))

	// THEN: unusable is back to zero
	p = f.project(nil)
	assert.Equal(t, qty(0, 0), p.TotalUnusable())
	assert.Equal(t, 3, p.VialsDestroyed())
}

func TestCalculator_EndDateBeforeArrival(t *testing.T) {
	// GIVEN: a full history starting with an arrival on 5 Jan
	f := newFixture(t)
	f.arrival(1000, date(2024, time.January, 5))
	f.formA(5, date(2024, time.January, 15))
	f.incident(stock.CorrectionVaccineExpired, nil, intPtr(3), date(2024, time.January, 25))

	// WHEN: projected as of 1 Jan
	p := f.project(date(2024, time.January, 1))

	// THEN: every total is zero
	assert.Equal(t, qty(0, 0), p.TotalUsable())
	assert.Equal(t, qty(0, 0), p.TotalUnusable())
	assert.Equal(t, qty(0, 0), p.TotalEarmarked())
	assert.Zero(t, p.VialsReceived())
	assert.Zero(t, p.VialsUsed())
}

// =============================================================================
// 2. INCIDENT CLASSIFICATION
// =============================================================================

func TestCalculator_IncidentReasons(t *testing.T) {
	cases := []struct {
		reason   stock.StockCorrection
		usable   int
		unusable int
	}{
		{stock.CorrectionPhysicalInventoryAdd, 24, 0},
		{stock.CorrectionPhysicalInventoryRemove, 16, 0},
		{stock.CorrectionMissing, 16, 0},
		{stock.CorrectionReturn, 16, 0},
		{stock.CorrectionStealing, 16, 0},
		{stock.CorrectionBroken, 16, 0},
		{stock.CorrectionVaccineExpired, 20, 4},
		{stock.CorrectionVVMReachedDiscardPoint, 20, 4},
		{stock.CorrectionUnreadableLabel, 20, 4},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			// GIVEN: 20 usable vials
			f := newFixture(t)
			f.arrival(1000, date(2024, time.January, 5))

			// WHEN: an incident of 4 vials is reported, both counts filled
			f.incident(tc.reason, intPtr(4), intPtr(4), date(2024, time.January, 25))

			// THEN: only the count matching the reason is read
			p := f.project(nil)
			assert.Equal(t, tc.usable, p.TotalUsable().Vials)
			assert.Equal(t, tc.unusable, p.TotalUnusable().Vials)
		})
	}
}

// =============================================================================
// 3. AS-OF RULES
// =============================================================================

func TestCalculator_ArrivalsWaitForRoundEnd(t *testing.T) {
	// GIVEN: an arrival on 5 Jan for a request form whose round ends on 20 Jan
	f := newFixture(t)
	f.arrival(1000, date(2024, time.January, 5))

	// WHEN/THEN: before the round ends the form does not count yet
	assert.Zero(t, f.project(date(2024, time.January, 19)).VialsReceived())

	// WHEN/THEN: from the round's end date on, it does
	assert.Equal(t, 20, f.project(date(2024, time.January, 20)).VialsReceived())
}

func TestCalculator_ArrivalsOfFormWithoutEndedRoundExcluded(t *testing.T) {
	// GIVEN: a second campaign whose round never ended, with its own form and arrival
	f := newFixture(t)
	_, err := f.recorder.RecordCampaign(f.ctx, stock.Campaign{
		ID:        "camp-2",
		ObrName:   "2024-NIE-02nOPV2",
		CountryID: countryID,
		Vaccines:  []vaccine.Type{vaccine.NOPV2},
		Rounds:    []stock.Round{{ID: "round-2", Number: 1, StartedAt: date(2024, time.February, 1)}},
	})
	require.NoError(t, err)
	_, err = f.recorder.RecordRequestForm(f.ctx, stock.RequestForm{
		ID: "vrf-2", CampaignID: "camp-2", Vaccine: vaccine.NOPV2, RoundIDs: []string{"round-2"},
	})
	require.NoError(t, err)
	_, err = f.recorder.RecordArrivalReport(f.ctx, stock.ArrivalReport{
		RequestFormID: "vrf-2", ArrivalReportDate: stock.NewDate(2024, time.February, 3), DosesReceived: intPtr(500),
	})
	require.NoError(t, err)
	f.arrival(1000, date(2024, time.January, 5))

	// WHEN: projected as of March, and without end date
	asOf := f.project(date(2024, time.March, 1))
	all := f.project(nil)

	// THEN: the open round's arrival only counts in the unbounded view
	assert.Equal(t, 20, asOf.VialsReceived())
	assert.Equal(t, 30, all.VialsReceived())
}

func TestCalculator_SeparateRoundScopes(t *testing.T) {
	// GIVEN: a campaign with per-round scopes where only round 2 covers nOPV2
	f := newFixture(t)
	_, err := f.recorder.RecordCampaign(f.ctx, stock.Campaign{
		ID:                     "camp-3",
		ObrName:                "2024-NIE-03",
		CountryID:              countryID,
		Vaccines:               []vaccine.Type{vaccine.NOPV2, vaccine.BOPV},
		SeparateScopesPerRound: true,
		Rounds: []stock.Round{
			{ID: "r3-1", Number: 1, EndedAt: date(2024, time.January, 10), Vaccines: []vaccine.Type{vaccine.BOPV}},
			{ID: "r3-2", Number: 2, EndedAt: date(2024, time.February, 10), Vaccines: []vaccine.Type{vaccine.NOPV2}},
		},
	})
	require.NoError(t, err)
	_, err = f.recorder.RecordRequestForm(f.ctx, stock.RequestForm{
		ID: "vrf-3", CampaignID: "camp-3", Vaccine: vaccine.NOPV2, RoundIDs: []string{"r3-1", "r3-2"},
	})
	require.NoError(t, err)
	_, err = f.recorder.RecordArrivalReport(f.ctx, stock.ArrivalReport{
		RequestFormID: "vrf-3", ArrivalReportDate: stock.NewDate(2024, time.January, 3), DosesReceived: intPtr(100),
	})
	require.NoError(t, err)

	// THEN: round 1 ending does not qualify the form, round 2 ending does
	assert.Zero(t, f.project(date(2024, time.January, 15)).VialsReceived())
	assert.Equal(t, 2, f.project(date(2024, time.February, 10)).VialsReceived())
}

func TestCalculator_AsOfMonotonicity(t *testing.T) {
	// GIVEN: movements up to 25 Jan, nothing in February
	f := newFixture(t)
	f.arrival(1000, date(2024, time.January, 5))
	f.formA(5, date(2024, time.January, 15))
	f.recordEarmark(stock.EarmarkCreated, 2, date(2024, time.January, 16))
	f.incident(stock.CorrectionBroken, intPtr(1), nil, date(2024, time.January, 25))

	// WHEN: projected on two dates with no movement in between
	d1 := f.project(date(2024, time.February, 1))
	d2 := f.project(date(2024, time.February, 20))

	// THEN: totals are identical
	assert.Equal(t, d1.TotalUsable(), d2.TotalUsable())
	assert.Equal(t, d1.TotalUnusable(), d2.TotalUnusable())
	assert.Equal(t, d1.TotalEarmarked(), d2.TotalEarmarked())

	// AND: an earlier projection is a prefix of the later one
	early := f.project(date(2024, time.January, 20))
	require.LessOrEqual(t, len(early.Usable.Lines), len(d2.Usable.Lines))
	for i, l := range early.Usable.Lines {
		assert.Equal(t, l, d2.Usable.Lines[i])
	}
}

// =============================================================================
// 4. CONSERVATION
// =============================================================================

func TestCalculator_Conservation(t *testing.T) {
	// GIVEN: every movement kind
	f := newFixture(t)
	f.arrival(1000, date(2024, time.January, 5))
	f.formA(5, date(2024, time.January, 12))
	f.recordEarmark(stock.EarmarkCreated, 6, date(2024, time.January, 13))
	f.formA(4, date(2024, time.January, 15), stock.Earmark{VialsEarmarked: 4, CampaignID: campaignID, RoundID: roundID})
	f.recordEarmark(stock.EarmarkReturned, 2, date(2024, time.January, 21))
	f.incident(stock.CorrectionPhysicalInventoryAdd, intPtr(2), nil, date(2024, time.January, 22))
	f.incident(stock.CorrectionMissing, intPtr(1), nil, date(2024, time.January, 23))
	f.incident(stock.CorrectionVVMReachedDiscardPoint, nil, intPtr(3), date(2024, time.January, 24))
	f.destruction(2, date(2024, time.January, 30))

	p := f.project(nil)

	// THEN: physical stock = received + corrections in - used - corrections out - destroyed
	expected := 20 + 2 + 3 - 9 - 1 - 2
	assert.Equal(t, expected, p.TotalPhysical().Vials)
	assert.Equal(t, 12, p.TotalUsable().Vials)
	assert.Equal(t, 1, p.TotalUnusable().Vials)
	assert.Equal(t, 0, p.TotalEarmarked().Vials)

	// AND: each total is the sum of its ledger's lines and never dips below zero
	for _, l := range []stock.Ledger{p.Usable, p.Unusable, p.Earmarked} {
		assert.Equal(t, l.TotalIn().Sub(l.TotalOut()), l.Total(), l.Name)
		for i, q := range l.Running() {
			assert.GreaterOrEqual(t, q.Vials, 0, "%s line %d", l.Name, i)
		}
	}
}

// =============================================================================
// 5. RESILIENCE & ERRORS
// =============================================================================

func TestCalculator_AbsentCountsReadAsZero(t *testing.T) {
	// GIVEN: rows written straight to the store with optional counts missing
	f := newFixture(t)
	require.NoError(t, f.store.AppendArrivalReport(f.ctx, stock.ArrivalReport{
		ID: "legacy-arrival", RequestFormID: formID, ArrivalReportDate: stock.NewDate(2024, time.January, 5),
	}))
	require.NoError(t, f.store.AppendIncidentReport(f.ctx, stock.IncidentReport{
		ID: "legacy-incident", StockID: f.stockID, StockCorrection: stock.CorrectionBroken,
		DateOfIncidentReport: stock.NewDate(2024, time.January, 6),
	}))

	// WHEN: projected
	p, err := f.calc.Project(f.ctx, f.stockID, nil)

	// THEN: no error, zero quantities
	require.NoError(t, err)
	assert.Equal(t, qty(0, 0), p.TotalUsable())
	assert.Len(t, p.Usable.Lines, 2)
}

func TestCalculator_UnknownStock(t *testing.T) {
	f := newFixture(t)
	_, err := f.calc.Project(f.ctx, "missing", nil)
	assert.True(t, stock.IsNotFound(err))
}

func TestCalculator_MissingFormulation(t *testing.T) {
	// GIVEN: a calculator whose table lacks nOPV2
	f := newFixture(t)
	calc := stock.NewCalculator(f.store, vaccine.Formulations{vaccine.BOPV: 20})

	// THEN: projecting the nOPV2 stock is a computation error
	_, err := calc.Project(f.ctx, f.stockID, nil)
	assert.ErrorIs(t, err, stock.ErrComputation)
	assert.ErrorIs(t, err, vaccine.ErrUnknownVaccine)
}

func TestCalculator_ConcurrentProjections(t *testing.T) {
	f := newFixture(t)
	f.arrival(1000, date(2024, time.January, 5))
	f.formA(5, date(2024, time.January, 15))

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			q, err := f.calc.TotalUsableVials(ctx, f.stockID, nil)
			if err != nil {
				return err
			}
			assert.Equal(t, qty(15, 750), q)
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

// =============================================================================
// LINE LISTS
// =============================================================================

func TestCalculator_LineLists(t *testing.T) {
	f := newFixture(t)
	f.arrival(1000, date(2024, time.January, 5))
	f.formA(5, date(2024, time.January, 15))

	lines, err := f.calc.UsableVials(f.ctx, f.stockID, nil, false)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	arrival, usage := lines[0], lines[1]
	assert.Equal(t, "PO #PO-1", arrival.Action)
	assert.Equal(t, stock.TypeArrival, arrival.Type)
	require.NotNil(t, arrival.VialsIn())
	assert.Equal(t, 20, *arrival.VialsIn())
	assert.Nil(t, arrival.VialsOut())

	assert.Equal(t, "Form A - 2024-NIE-01nOPV2 R1", usage.Action)
	assert.Equal(t, stock.TypeOutgoing, usage.Type)
	assert.Nil(t, usage.DosesIn())
	require.NotNil(t, usage.DosesOut())
	assert.Equal(t, 250, *usage.DosesOut())
	assert.Nil(t, usage.Identity)

	expanded, err := f.calc.UsableVials(f.ctx, f.stockID, nil, true)
	require.NoError(t, err)
	require.NotNil(t, expanded[0].Identity)
	assert.Equal(t, "Country A", expanded[0].Identity.CountryName)
	assert.Equal(t, vaccine.NOPV2, expanded[0].Identity.Vaccine)
	assert.Equal(t, f.stockID, expanded[0].Identity.StockID)
}
