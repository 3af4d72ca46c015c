// Package inventory parses the Eurostat bulk-download inventory TSV into a
// case-insensitive, O(1)-lookup index of {last_update, download_url} per
// dataset id.
package inventory

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gowthamrao/eurostat-ingest/internal/eserrors"
)

// Entry is the inventory row for one dataset.
type Entry struct {
	LastUpdate  time.Time
	DownloadURL string
}

// Index is the parsed, lower-cased-key inventory.
type Index struct {
	byID map[string]Entry
}

const (
	colCode        = "Code"
	colType        = "Type"
	colLastChange  = "Last data change"
	colDownloadURL = "Data download url (tsv)"
	typeDataset    = "DATASET"
)

// Parse reads the inventory TSV at path and builds an Index. Rows whose
// Type column is not DATASET are skipped; rows missing code, timestamp or
// URL are skipped.
func Parse(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening inventory file %q: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, &eserrors.ParseError{Source: path, Err: err}
	}

	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{colCode, colType, colLastChange, colDownloadURL} {
		if _, ok := col[required]; !ok {
			return nil, &eserrors.ParseError{
				Source: path,
				Err:    fmt.Errorf("missing required column %q", required),
			}
		}
	}

	idx := &Index{byID: make(map[string]Entry)}
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &eserrors.ParseError{Source: path, Err: err}
		}

		if row[col[colType]] != typeDataset {
			continue
		}
		code := strings.TrimSpace(row[col[colCode]])
		rawTime := strings.TrimSpace(row[col[colLastChange]])
		downloadURL := strings.TrimSpace(row[col[colDownloadURL]])
		if code == "" || rawTime == "" || downloadURL == "" {
			continue
		}

		ts, err := parseTimestamp(rawTime)
		if err != nil {
			continue
		}
		idx.byID[strings.ToLower(code)] = Entry{LastUpdate: ts, DownloadURL: downloadURL}
	}
	return idx, nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(raw string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// LastUpdate returns the last-update instant for id, normalized to UTC.
func (idx *Index) LastUpdate(id string) (time.Time, bool) {
	e, ok := idx.byID[strings.ToLower(id)]
	return e.LastUpdate, ok
}

// DownloadURL returns the TSV download URL for id.
func (idx *Index) DownloadURL(id string) (string, bool) {
	e, ok := idx.byID[strings.ToLower(id)]
	return e.DownloadURL, ok
}
