package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObsFlagAttributeIDFindsCaseInsensitiveMatch(t *testing.T) {
	dsd := DSD{Attributes: []Attribute{{ID: "obs_status"}, {ID: "Obs_Flag"}}}
	assert.Equal(t, "Obs_Flag", dsd.ObsFlagAttributeID())
}

func TestObsFlagAttributeIDDefaultsWhenAbsent(t *testing.T) {
	dsd := DSD{Attributes: []Attribute{{ID: "UNIT_MULT"}}}
	assert.Equal(t, "obs_flags", dsd.ObsFlagAttributeID())
}

func TestPrimaryMeasureLookup(t *testing.T) {
	dsd := DSD{
		Measures:         []Measure{{ID: "OBS_VALUE", DataType: DataTypeDouble}},
		PrimaryMeasureID: "OBS_VALUE",
	}
	m, ok := dsd.PrimaryMeasure()
	assert.True(t, ok)
	assert.Equal(t, DataTypeDouble, m.DataType)

	dsd.PrimaryMeasureID = "MISSING"
	_, ok = dsd.PrimaryMeasure()
	assert.False(t, ok)
}
