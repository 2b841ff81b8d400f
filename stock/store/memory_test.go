package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/vaccine-stock/stock"
	"github.com/warp/vaccine-stock/stock/store"
	"github.com/warp/vaccine-stock/vaccine"
)

func day(y int, m time.Month, d int) *time.Time {
	t := stock.NewDate(y, m, d)
	return &t
}

func seed(t *testing.T, mem *store.Memory) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.SaveCountry(ctx, stock.Country{ID: "ng", Name: "Nigeria"}))
	require.NoError(t, mem.SaveStock(ctx, stock.VaccineStock{ID: "s1", CountryID: "ng", Vaccine: vaccine.NOPV2}))
	require.NoError(t, mem.SaveCampaign(ctx, stock.Campaign{
		ID:        "c1",
		ObrName:   "NIE-01",
		CountryID: "ng",
		Vaccines:  []vaccine.Type{vaccine.NOPV2},
		Rounds: []stock.Round{
			{ID: "r1", CampaignID: "c1", Number: 1, EndedAt: day(2024, time.January, 20)},
			{ID: "r2", CampaignID: "c1", Number: 2, EndedAt: day(2024, time.February, 20)},
		},
	}))
	require.NoError(t, mem.SaveRequestForm(ctx, stock.RequestForm{ID: "f1", CampaignID: "c1", Vaccine: vaccine.NOPV2, RoundIDs: []string{"r1"}}))
	require.NoError(t, mem.SaveRequestForm(ctx, stock.RequestForm{ID: "f2", CampaignID: "c1", Vaccine: vaccine.NOPV2, RoundIDs: []string{"r2"}}))
	require.NoError(t, mem.SaveRequestForm(ctx, stock.RequestForm{ID: "f3", CampaignID: "c1", Vaccine: vaccine.BOPV, RoundIDs: []string{"r1"}}))
}

func TestMemory_RequestFormsAsOf(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)
	ctx := context.Background()

	all, err := mem.RequestForms(ctx, stock.RequestFormQuery{CountryID: "ng", Vaccine: vaccine.NOPV2})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	asOf, err := mem.RequestForms(ctx, stock.RequestFormQuery{
		CountryID: "ng", Vaccine: vaccine.NOPV2, RoundsEndedBy: day(2024, time.January, 31),
	})
	require.NoError(t, err)
	require.Len(t, asOf, 1)
	assert.Equal(t, "f1", asOf[0].ID)

	other, err := mem.RequestForms(ctx, stock.RequestFormQuery{CountryID: "ml", Vaccine: vaccine.NOPV2})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemory_UntilIsInclusive(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)
	ctx := context.Background()

	for i, d := range []*time.Time{day(2024, time.January, 10), day(2024, time.January, 5), day(2024, time.January, 20)} {
		require.NoError(t, mem.AppendOutgoingMovement(ctx, stock.OutgoingMovement{
			ID: string(rune('a' + i)), StockID: "s1", ReportDate: *d, UsableVialsUsed: 1,
		}))
	}

	got, err := mem.OutgoingMovements(ctx, "s1", day(2024, time.January, 10))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID, "sorted by date")
	assert.Equal(t, "a", got[1].ID)
}

func TestMemory_WithTxRollsBack(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)
	ctx := context.Background()

	boom := errors.New("boom")
	err := mem.WithTx(ctx, func(st stock.Store) error {
		require.NoError(t, st.AppendDestructionReport(ctx, stock.DestructionReport{
			ID: "d1", StockID: "s1", DestructionReportDate: stock.NewDate(2024, time.January, 1), UnusableVialsDestroyed: 1,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := mem.DestructionReports(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemory_Uniqueness(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)
	ctx := context.Background()

	err := mem.SaveStock(ctx, stock.VaccineStock{ID: "s2", CountryID: "ng", Vaccine: vaccine.NOPV2})
	assert.ErrorIs(t, err, stock.ErrDuplicate)

	h := stock.History{ID: "h1", StockID: "s1", RoundID: "r1"}
	require.NoError(t, mem.AppendHistory(ctx, h))
	h.ID = "h2"
	assert.ErrorIs(t, mem.AppendHistory(ctx, h), stock.ErrHistoryExists)
}

func TestMemory_NotFound(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	_, err := mem.Stock(ctx, "nope")
	assert.True(t, stock.IsNotFound(err))
	_, err = mem.StockFor(ctx, "ng", vaccine.NOPV2)
	assert.True(t, stock.IsNotFound(err))
	_, err = mem.Campaign(ctx, "nope")
	assert.True(t, stock.IsNotFound(err))
	_, err = mem.OutgoingMovement(ctx, "nope")
	assert.True(t, stock.IsNotFound(err))
}

func TestMemory_CampaignsAreCopies(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)
	ctx := context.Background()

	c, err := mem.Campaign(ctx, "c1")
	require.NoError(t, err)
	c.Rounds[0].Number = 99

	again, err := mem.Campaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Rounds[0].Number)
}
