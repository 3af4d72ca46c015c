// Package transform unpivots wide Eurostat TSV rows into tidy Observations,
// splitting each raw cell into a numeric value and trailing status flags and,
// in Full representation, substituting codelist labels for dimension codes.
// This mirrors py_load_eurostat/transformer.py's melt-then-split pipeline,
// expressed as a pure, allocation-light row-at-a-time Go function so it
// composes with the chunked tsv.Reader without ever materializing a whole
// dataset in memory.
package transform

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gowthamrao/eurostat-ingest/internal/model"
	"github.com/gowthamrao/eurostat-ingest/internal/tsv"
)

// valueFlag splits a raw observation cell into a leading numeric value and
// trailing alphabetic flag characters, e.g. "123.4 p" -> ("123.4", "p").
var valueFlag = regexp.MustCompile(`^\s*(-?[0-9.eE+-]+)\s*([a-zA-Z\s]*)\s*$`)

// Options configures a transform pass.
type Options struct {
	DSD            model.DSD
	Codelists      map[string]model.Codelist
	Representation model.Representation
}

// Chunk transforms one tsv.Row chunk into Observations, dropping periods
// with no cell at all (already nil from the parser). A cell that has no
// parseable numeric value but is otherwise non-empty (e.g. "c", "1.2.3 p")
// still produces an Observation with Value=nil, matching
// transformer.py's "only skip when both value and flags are absent" rule.
func Chunk(opts Options, header tsv.Header, rows []tsv.Row) []model.Observation {
	obs := make([]model.Observation, 0, len(rows)*len(header.PeriodCols))
	for _, row := range rows {
		dims := dimensionMap(opts, header.DimensionCols, row.Dimensions)
		for i, period := range header.PeriodCols {
			if i >= len(row.Periods) || row.Periods[i] == nil {
				continue
			}
			value, flags := splitValueFlag(*row.Periods[i])
			if value == nil && flags == nil {
				continue
			}
			obs = append(obs, model.Observation{
				Dimensions: dims,
				TimePeriod: period,
				Value:      value,
				Flags:      flags,
			})
		}
	}
	return obs
}

// dimensionMap builds the dimension-id -> value map for one row, resolving
// codes to labels when Representation is Full and a codelist is available.
func dimensionMap(opts Options, dimIDs []string, values []string) map[string]string {
	out := make(map[string]string, len(dimIDs))
	for i, id := range dimIDs {
		if i >= len(values) {
			continue
		}
		v := values[i]
		if opts.Representation == model.RepresentationFull {
			if dim := findDimension(opts.DSD, id); dim.CodelistID != "" {
				if cl, ok := opts.Codelists[dim.CodelistID]; ok {
					if code, ok := cl.Codes[v]; ok && code.Name != "" {
						v = code.Name
					}
				}
			}
		}
		out[id] = v
	}
	return out
}

func findDimension(dsd model.DSD, id string) model.Dimension {
	for _, d := range dsd.Dimensions {
		if d.ID == id {
			return d
		}
	}
	return model.Dimension{}
}

// splitValueFlag parses a raw cell like "123.4 p" into (123.4, "p"). When
// the cell carries no leading numeric value — a flag-only cell such as "c"
// (confidential) or "b" (break in series), or a malformed value like
// "1.2.3 p" — it degrades to (nil, raw) rather than dropping the cell, the
// way the original's _parse_value falls back to "return None, raw_value".
// Only a wholly empty cell yields (nil, nil).
func splitValueFlag(raw string) (value *float64, flags *string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	if m := valueFlag.FindStringSubmatch(trimmed); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			value = &f
			if flagStr := strings.Join(strings.Fields(m[2]), ""); flagStr != "" {
				flags = &flagStr
			}
			return value, flags
		}
	}

	flags = &trimmed
	return nil, flags
}
