package vaccine_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vaccine-stock/vaccine"
)

func intPtr(n int) *int { return &n }

func TestDefaultFormulations_DosesPerVial(t *testing.T) {
	f := vaccine.DefaultFormulations()

	for _, tc := range []struct {
		vaccine vaccine.Type
		want    int
	}{
		{vaccine.MOPV2, 20},
		{vaccine.NOPV2, 50},
		{vaccine.BOPV, 20},
	} {
		got, err := f.DosesPerVial(tc.vaccine)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.vaccine)
	}
}

func TestDosesPerVial_UnknownVaccine(t *testing.T) {
	_, err := vaccine.DefaultFormulations().DosesPerVial("IPV")
	assert.ErrorIs(t, err, vaccine.ErrUnknownVaccine)
}

func TestVialsFromDoses_RoundsUp(t *testing.T) {
	f := vaccine.DefaultFormulations()

	cases := []struct {
		doses int
		want  int
	}{
		{0, 0},
		{1, 1},
		{50, 1},
		{51, 2},
		{1000, 20},
		{1001, 21},
	}
	for _, tc := range cases {
		got, err := f.VialsFromDoses(vaccine.NOPV2, intPtr(tc.doses))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, tc.want, *got, "doses=%d", tc.doses)
	}
}

func TestVialsFromDoses_NilStaysNil(t *testing.T) {
	got, err := vaccine.DefaultFormulations().VialsFromDoses(vaccine.MOPV2, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDosesFromVials(t *testing.T) {
	got, err := vaccine.DefaultFormulations().DosesFromVials(vaccine.BOPV, 7)
	require.NoError(t, err)
	assert.Equal(t, 140, got)
}

func TestParse_CaseInsensitive(t *testing.T) {
	f := vaccine.DefaultFormulations()

	got, err := f.Parse("nopv2")
	require.NoError(t, err)
	assert.Equal(t, vaccine.NOPV2, got)

	_, err = f.Parse("nOPV3")
	assert.ErrorIs(t, err, vaccine.ErrUnknownVaccine)
}

func TestParseFormulations(t *testing.T) {
	table, err := vaccine.ParseFormulations([]byte(`{"formulations":[{"vaccine":"nOPV2","doses_per_vial":10},{"vaccine":"IPV","doses_per_vial":5}]}`))
	require.NoError(t, err)
	assert.Equal(t, 10, table[vaccine.NOPV2])
	assert.Equal(t, 5, table["IPV"])
}

func TestParseFormulations_Rejects(t *testing.T) {
	for name, doc := range map[string]string{
		"not json":  `{`,
		"empty":     `{"formulations":[{"vaccine":"","doses_per_vial":10}]}`,
		"zero":      `{"formulations":[{"vaccine":"IPV","doses_per_vial":0}]}`,
		"duplicate": `{"formulations":[{"vaccine":"IPV","doses_per_vial":5},{"vaccine":"IPV","doses_per_vial":5}]}`,
	} {
		_, err := vaccine.ParseFormulations([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadFormulations_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formulations.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"formulations":[{"vaccine":"IPV","doses_per_vial":5}]}`), 0o600))

	table, err := vaccine.LoadFormulations(path)
	require.NoError(t, err)
	assert.Equal(t, 5, table["IPV"])
	assert.Equal(t, 50, table[vaccine.NOPV2])

	defaults, err := vaccine.LoadFormulations("")
	require.NoError(t, err)
	assert.Equal(t, vaccine.DefaultFormulations(), defaults)
}

func TestWith_DoesNotMutateReceiver(t *testing.T) {
	base := vaccine.DefaultFormulations()
	_ = base.With(vaccine.Formulations{vaccine.NOPV2: 1})
	assert.Equal(t, 50, base[vaccine.NOPV2])
}
