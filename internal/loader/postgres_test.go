package loader

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gowthamrao/eurostat-ingest/internal/config"
	"github.com/gowthamrao/eurostat-ingest/internal/model"
)

func TestNewPostgresRequiresPassword(t *testing.T) {
	db := config.DatabaseSettings{Host: "localhost", Port: 5432, User: "postgres", Name: "eurostat"}
	_, err := NewPostgres(context.Background(), db, logr.Discard())
	require.Error(t, err)
}

func TestRequiredColumnsIncludesDimensionsMeasureFlagAndTimePeriod(t *testing.T) {
	dsd := model.DSD{
		ID: "TEST",
		Dimensions: []model.Dimension{
			{ID: "geo", DataType: model.DataTypeString},
			{ID: "unit", DataType: model.DataTypeString},
		},
		Attributes:       []model.Attribute{{ID: "OBS_FLAG"}},
		Measures:         []model.Measure{{ID: "OBS_VALUE", DataType: model.DataTypeDouble}},
		PrimaryMeasureID: "OBS_VALUE",
	}

	cols := requiredColumns(dsd)

	assert.Equal(t, "TEXT", cols["geo"])
	assert.Equal(t, "TEXT", cols["unit"])
	assert.Equal(t, "DOUBLE PRECISION", cols["OBS_VALUE"])
	assert.Equal(t, "TEXT", cols["OBS_FLAG"])
	assert.Equal(t, "TEXT", cols["time_period"])
}

func TestRequiredColumnsDefaultsUnknownMeasureToDoublePrecision(t *testing.T) {
	dsd := model.DSD{PrimaryMeasureID: "OBS_VALUE"}
	cols := requiredColumns(dsd)
	assert.Equal(t, "DOUBLE PRECISION", cols["OBS_VALUE"])
}

func TestNormalizePGType(t *testing.T) {
	cases := map[string]string{
		"character varying(255)": "text",
		"char(10)":                "text",
		"float8":                  "double precision",
		"int8":                    "bigint",
		"int4":                    "integer",
		"int2":                    "smallint",
		"timestamp without time zone": "timestamptz",
		"numeric":                 "numeric",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizePGType(in), in)
	}
}

func TestCodeRowsIteratesAllCodesOnce(t *testing.T) {
	codes := []model.Code{
		{ID: "DE", Name: "Germany"},
		{ID: "FR", Name: "France", ParentID: "EU"},
	}
	r := &codeRows{codes: codes}

	var seen []string
	for r.Next() {
		values, err := r.Values()
		require.NoError(t, err)
		seen = append(seen, values[0].(string))
	}
	assert.Equal(t, []string{"DE", "FR"}, seen)
	require.NoError(t, r.Err())
	assert.False(t, r.Next())
}

func TestObsRowsReadsFromChannelUntilClosed(t *testing.T) {
	ch := make(chan model.Observation, 2)
	v := 1.5
	ch <- model.Observation{Dimensions: map[string]string{"geo": "DE"}, TimePeriod: "2020", Value: &v}
	close(ch)

	r := &obsRows{ch: ch, dimOrder: []string{"geo"}}
	require.True(t, r.Next())
	values, err := r.Values()
	require.NoError(t, err)
	assert.Equal(t, "DE", values[0])
	assert.Equal(t, "2020", values[1])
	assert.Equal(t, 1.5, values[2])
	assert.Nil(t, values[3])

	require.False(t, r.Next())
}
