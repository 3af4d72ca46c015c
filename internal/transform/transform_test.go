package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gowthamrao/eurostat-ingest/internal/model"
	"github.com/gowthamrao/eurostat-ingest/internal/tsv"
)

func TestSplitValueFlag(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		wantValue *float64
		wantFlag  *string
	}{
		{name: "plain", raw: "123.4", wantValue: ptr(123.4)},
		{name: "with flag", raw: "123.4 p", wantValue: ptr(123.4), wantFlag: strp("p")},
		{name: "multiple flag letters no space", raw: "99.1bu", wantValue: ptr(99.1), wantFlag: strp("bu")},
		{name: "negative", raw: "-5.0 e", wantValue: ptr(-5.0), wantFlag: strp("e")},
		{name: "flag only (confidential)", raw: "c", wantFlag: strp("c")},
		{name: "flag only (break in series)", raw: "b", wantFlag: strp("b")},
		{name: "missing sentinel surfaced as flag", raw: ":", wantFlag: strp(":")},
		{name: "malformed multi-dot value degrades to flag", raw: "1.2.3 p", wantFlag: strp("1.2.3 p")},
		{name: "empty", raw: "", wantValue: nil, wantFlag: nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			value, flags := splitValueFlag(tc.raw)
			if tc.wantValue == nil {
				assert.Nil(t, value)
			} else {
				require.NotNil(t, value)
				assert.InDelta(t, *tc.wantValue, *value, 1e-9)
			}
			if tc.wantFlag == nil {
				assert.Nil(t, flags)
			} else {
				require.NotNil(t, flags)
				assert.Equal(t, *tc.wantFlag, *flags)
			}
		})
	}
}

func ptr(f float64) *float64 { return &f }
func strp(s string) *string  { return &s }

func TestChunkDropsOnlyWhollyMissingCellsAndDegradesFlagOnlyCells(t *testing.T) {
	header := tsv.Header{DimensionCols: []string{"geo", "unit"}, PeriodCols: []string{"2020", "2021", "2022"}}
	present := "12.3 p"
	flagOnly := "c"
	rows := []tsv.Row{
		{Dimensions: []string{"DE", "EUR"}, Periods: []*string{&present, nil, &flagOnly}},
	}

	obs := Chunk(Options{Representation: model.RepresentationStandard}, header, rows)

	// Period 2021 is nil (no cell at all) and is dropped; 2020 and 2022
	// both survive, the latter as a flag-only observation.
	require.Len(t, obs, 2)

	assert.Equal(t, "2020", obs[0].TimePeriod)
	require.NotNil(t, obs[0].Value)
	assert.InDelta(t, 12.3, *obs[0].Value, 1e-9)
	require.NotNil(t, obs[0].Flags)
	assert.Equal(t, "p", *obs[0].Flags)

	assert.Equal(t, "2022", obs[1].TimePeriod)
	assert.Nil(t, obs[1].Value)
	require.NotNil(t, obs[1].Flags)
	assert.Equal(t, "c", *obs[1].Flags)
}

func TestDimensionMapFullRepresentationResolvesLabels(t *testing.T) {
	dsd := model.DSD{
		Dimensions: []model.Dimension{
			{ID: "geo", Position: 0, CodelistID: "CL_GEO"},
			{ID: "unit", Position: 1, CodelistID: ""},
		},
	}
	codelists := map[string]model.Codelist{
		"CL_GEO": {ID: "CL_GEO", Codes: map[string]model.Code{
			"DE": {ID: "DE", Name: "Germany"},
		}},
	}

	out := dimensionMap(Options{DSD: dsd, Codelists: codelists, Representation: model.RepresentationFull}, []string{"geo", "unit"}, []string{"DE", "EUR"})

	assert.Equal(t, "Germany", out["geo"])
	assert.Equal(t, "EUR", out["unit"])
}

func TestDimensionMapStandardRepresentationKeepsCodes(t *testing.T) {
	dsd := model.DSD{
		Dimensions: []model.Dimension{{ID: "geo", Position: 0, CodelistID: "CL_GEO"}},
	}
	codelists := map[string]model.Codelist{
		"CL_GEO": {ID: "CL_GEO", Codes: map[string]model.Code{"DE": {ID: "DE", Name: "Germany"}}},
	}

	out := dimensionMap(Options{DSD: dsd, Codelists: codelists, Representation: model.RepresentationStandard}, []string{"geo"}, []string{"DE"})

	assert.Equal(t, "DE", out["geo"])
}

func TestDimensionMapFullRepresentationFallsBackToCodeWhenUnmapped(t *testing.T) {
	dsd := model.DSD{
		Dimensions: []model.Dimension{{ID: "geo", Position: 0, CodelistID: "CL_GEO"}},
	}
	codelists := map[string]model.Codelist{"CL_GEO": {ID: "CL_GEO", Codes: map[string]model.Code{}}}

	out := dimensionMap(Options{DSD: dsd, Codelists: codelists, Representation: model.RepresentationFull}, []string{"geo"}, []string{"XX"})

	assert.Equal(t, "XX", out["geo"])
}
