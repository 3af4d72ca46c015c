// Package model defines the core domain objects shared across the ingestion
// pipeline: SDMX metadata (DSD, Codelist), observation records, and the
// ingestion history ledger. These types are the DTOs passed between the
// fetcher, parser, transformer and loader stages.
package model

import (
	"strings"
	"time"
)

// DataType is the SDMX semantic type of a dimension, attribute, or measure.
type DataType string

const (
	DataTypeString       DataType = "String"
	DataTypeText         DataType = "Text"
	DataTypeDouble       DataType = "Double"
	DataTypeFloat        DataType = "Float"
	DataTypeDecimal      DataType = "Decimal"
	DataTypeInteger      DataType = "Integer"
	DataTypeCount        DataType = "Count"
	DataTypeYear         DataType = "Year"
	DataTypeLong         DataType = "Long"
	DataTypeBigInteger   DataType = "BigInteger"
	DataTypePositiveInt  DataType = "PositiveInteger"
	DataTypeShort        DataType = "Short"
	DataTypeBoolean      DataType = "Boolean"
	DataTypeDate         DataType = "Date"
	DataTypeDateTime     DataType = "DateTime"
	DataTypeTimePeriod   DataType = "TimePeriod"
	DataTypeAnyURI       DataType = "AnyURI"
)

// Dimension is an ordered coordinate of an Observation. CodelistID is empty
// when the dimension is not enumerated.
type Dimension struct {
	ID         string
	Name       string
	Position   int
	CodelistID string
	DataType   DataType
}

// Attribute qualifies an Observation (e.g. the OBS_FLAG attribute).
type Attribute struct {
	ID         string
	Name       string
	CodelistID string
	DataType   DataType
}

// Measure is a numeric fact carried by an Observation.
type Measure struct {
	ID       string
	Name     string
	DataType DataType
}

// DSD is a Data Structure Definition: the schema of one dataset.
type DSD struct {
	ID               string
	Name             string
	Version          string
	Dimensions       []Dimension
	Attributes       []Attribute
	Measures         []Measure
	PrimaryMeasureID string
}

// PrimaryMeasure returns the Measure named by PrimaryMeasureID, or false if
// the DSD does not declare it (the loader then defaults to floating point).
func (d DSD) PrimaryMeasure() (Measure, bool) {
	for _, m := range d.Measures {
		if m.ID == d.PrimaryMeasureID {
			return m, true
		}
	}
	return Measure{}, false
}

// ObsFlagAttributeID returns the id of the first attribute whose id contains
// "FLAG" (case-insensitive), or "obs_flags" if none match.
func (d DSD) ObsFlagAttributeID() string {
	for _, a := range d.Attributes {
		if strings.Contains(strings.ToUpper(a.ID), "FLAG") {
			return a.ID
		}
	}
	return "obs_flags"
}

// Code is one entry of a Codelist.
type Code struct {
	ID          string
	Name        string
	Description string
	ParentID    string
}

// Codelist is an enumerated set of Codes referenced by dimensions.
type Codelist struct {
	ID      string
	Version string
	Codes   map[string]Code
}

// Observation is a single (dimensions, time_period) -> (value, flags) record.
type Observation struct {
	Dimensions map[string]string
	TimePeriod string
	Value      *float64
	Flags      *string
}

// Representation selects whether dimension values stay coded or are
// replaced with human-readable labels.
type Representation string

const (
	RepresentationStandard Representation = "Standard"
	RepresentationFull     Representation = "Full"
)

// LoadStrategy selects whether a dataset is fully replaced or merged.
type LoadStrategy string

const (
	LoadStrategyFull  LoadStrategy = "Full"
	LoadStrategyDelta LoadStrategy = "Delta"
)

// IngestionStatus is the lifecycle state of an IngestionHistory row.
type IngestionStatus string

const (
	IngestionPending IngestionStatus = "PENDING"
	IngestionRunning IngestionStatus = "RUNNING"
	IngestionSuccess IngestionStatus = "SUCCESS"
	IngestionFailed  IngestionStatus = "FAILED"
)

// IngestionHistory is one row of the _ingestion_history ledger.
type IngestionHistory struct {
	IngestionID      int64
	DatasetID        string
	DSDVersion       string
	LoadStrategy     LoadStrategy
	Representation   Representation
	Status           IngestionStatus
	StartTime        time.Time
	EndTime          *time.Time
	RowsLoaded       int64
	SourceLastUpdate *time.Time
	ErrorDetails     string
}
