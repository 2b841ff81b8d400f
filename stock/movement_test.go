package stock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestClassifyCorrection_EachReasonHasOneEffect(t *testing.T) {
	want := map[StockCorrection]Effect{
		CorrectionPhysicalInventoryAdd:    {LedgerUsable, In},
		CorrectionPhysicalInventoryRemove: {LedgerUsable, Out},
		CorrectionMissing:                 {LedgerUsable, Out},
		CorrectionReturn:                  {LedgerUsable, Out},
		CorrectionStealing:                {LedgerUsable, Out},
		CorrectionBroken:                  {LedgerUsable, Out},
		CorrectionVaccineExpired:          {LedgerUnusable, In},
		CorrectionVVMReachedDiscardPoint:  {LedgerUnusable, In},
		CorrectionUnreadableLabel:         {LedgerUnusable, In},
	}
	require.Len(t, StockCorrections, len(want))

	for _, reason := range StockCorrections {
		mv, err := incidentMovement(IncidentReport{
			ID:                   "inc",
			StockCorrection:      reason,
			DateOfIncidentReport: NewDate(2024, time.January, 1),
			UsableVials:          intPtr(2),
			UnusableVials:        intPtr(2),
		}, 20)
		require.NoError(t, err, reason)

		postings := mv.Postings()
		require.Len(t, postings, 1, "%s must post exactly one line", reason)
		assert.Equal(t, want[reason].Ledger, postings[0].Ledger, reason)
		assert.Equal(t, want[reason].Direction, postings[0].Line.Direction, reason)
		assert.Equal(t, 2, postings[0].Line.Vials, reason)
		assert.Equal(t, 40, postings[0].Line.Doses, reason)
		assert.Equal(t, TypeIncident, postings[0].Line.Type, reason)
		assert.Equal(t, reason.Label(), postings[0].Line.Action)
	}
}

func TestClassifyCorrection_UnknownReason(t *testing.T) {
	_, err := ClassifyCorrection("lost_in_transit")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMovementKind_EffectTable(t *testing.T) {
	cases := []struct {
		kind      MovementKind
		usable    int
		unusable  int
		earmarked int
	}{
		{KindArrival, 1, 0, 0},
		{KindUsage, -1, 0, 0},
		{KindDestruction, 0, -1, 0},
		{KindIncidentUsableIn, 1, 0, 0},
		{KindIncidentUsableOut, -1, 0, 0},
		{KindIncidentUnusableIn, 0, 1, 0},
		{KindEarmarkCreated, -1, 0, 1},
		{KindEarmarkUsed, 0, 0, -1},
		{KindEarmarkReturned, 1, 0, -1},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			got := map[LedgerName]int{}
			for _, p := range (Movement{Kind: tc.kind, Vials: 1}).Postings() {
				got[p.Ledger] += p.Line.Signed().Vials
			}
			assert.Equal(t, tc.usable, got[LedgerUsable])
			assert.Equal(t, tc.unusable, got[LedgerUnusable])
			assert.Equal(t, tc.earmarked, got[LedgerEarmarked])
			assert.NotEmpty(t, tc.kind.Type())
		})
	}
}

func TestArrivalMovement_ActionAndRounding(t *testing.T) {
	mv := arrivalMovement(ArrivalReport{ID: "a", DosesReceived: intPtr(1001)}, 50)
	assert.Equal(t, 21, mv.Vials)
	assert.Equal(t, 1001, mv.Doses)
	assert.Equal(t, "Stock Arrival", mv.Action)

	mv = arrivalMovement(ArrivalReport{ID: "a", PONumber: "1234"}, 50)
	assert.Equal(t, 0, mv.Vials, "absent doses read as zero")
	assert.Equal(t, "PO #1234", mv.Action)
}

func TestUsageMovement_NetsOutCoverage(t *testing.T) {
	m := OutgoingMovement{ID: "fa", UsableVialsUsed: 8, ReportDate: NewDate(2024, time.January, 3)}

	mv := usageMovement(m, 3, "OBR R1", 20)
	assert.Equal(t, 5, mv.Vials)
	assert.Equal(t, 100, mv.Doses)
	assert.Equal(t, "Form A - OBR R1 (3 vials from earmarked stock, 5 vials from general stock)", mv.Action)

	full := usedMovement(m, "OBR R1", 20)
	assert.Equal(t, 8, full.Vials)
	assert.Equal(t, "Form A - OBR R1", full.Action)
}

func TestEarmarkMovement_UnknownType(t *testing.T) {
	_, err := earmarkMovement(Earmark{Type: "cancelled"}, "", 20)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLedger_SidesAndRunning(t *testing.T) {
	var l Ledger
	l.Post(Line{Date: NewDate(2024, time.January, 2), Direction: Out, Vials: 3, Doses: 60})
	l.Post(Line{Date: NewDate(2024, time.January, 1), Direction: In, Vials: 10, Doses: 200})
	SortByDate(l.Lines)

	assert.Equal(t, Quantity{Vials: 7, Doses: 140}, l.Total())
	assert.Equal(t, []Quantity{{10, 200}, {7, 140}}, l.Running())

	in, out := l.Lines[0], l.Lines[1]
	assert.Nil(t, in.VialsOut())
	assert.Nil(t, in.DosesOut())
	assert.Equal(t, 10, *in.VialsIn())
	assert.Nil(t, out.VialsIn())
	assert.Equal(t, 60, *out.DosesOut())
}

func TestParseLedgerName(t *testing.T) {
	for _, name := range []string{"usable", "unusable", "earmarked", "used"} {
		got, err := ParseLedgerName(name)
		require.NoError(t, err)
		assert.Equal(t, LedgerName(name), got)
	}
	_, err := ParseLedgerName("reserved")
	assert.True(t, IsClientError(err))
}
