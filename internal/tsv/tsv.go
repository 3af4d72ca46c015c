// Package tsv streams Eurostat's wide gzipped TSV format into fixed-size
// row chunks without buffering the whole file, the way the teacher's
// live.go streams RDF/JSON data files through a bounded channel rather
// than loading them wholesale. Gzip decoding uses
// github.com/klauspost/compress/gzip, already an indirect dependency of
// the teacher's stack and a drop-in, faster replacement for compress/gzip.
package tsv

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/gowthamrao/eurostat-ingest/internal/eserrors"
)

// ChunkSize is the recommended number of rows materialized per chunk.
const ChunkSize = 100_000

// missingSentinels are raw cell values treated as absent.
var missingSentinels = map[string]struct{}{
	":":  {},
	": ": {},
}

// Row is one wide-format input row: parsed dimension values in header
// order, plus one raw cell string per time-period column (nil = absent).
type Row struct {
	Dimensions []string
	Periods    []*string
}

// Header describes the parsed first line of the TSV.
type Header struct {
	DimensionCols []string
	PeriodCols    []string
}

// Reader streams row chunks from a gzipped Eurostat wide TSV file.
type Reader struct {
	file   *os.File
	gz     *gzip.Reader
	csvR   *csv.Reader
	Header Header
}

// Open validates and reads the header line, then prepares the reader to
// stream row chunks via Next. Callers must call Close when done.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening tsv file %q: %w", path, err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, &eserrors.ParseError{Source: path, Err: err}
	}

	br := bufio.NewReader(gz)
	headerLine, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		gz.Close()
		f.Close()
		return nil, &eserrors.ParseError{Source: path, Err: err}
	}
	headerLine = strings.TrimRight(headerLine, "\r\n")

	header, err := parseHeader(headerLine)
	if err != nil {
		gz.Close()
		f.Close()
		return nil, &eserrors.ParseError{Source: path, Err: err}
	}

	csvR := csv.NewReader(br)
	csvR.Comma = '\t'
	csvR.FieldsPerRecord = -1
	csvR.LazyQuotes = true

	return &Reader{file: f, gz: gz, csvR: csvR, Header: header}, nil
}

func parseHeader(line string) (Header, error) {
	tabIdx := strings.Index(line, "\t")
	if tabIdx < 0 {
		return Header{}, fmt.Errorf("invalid TSV header format: %q", line)
	}
	dimPart, timePart := line[:tabIdx], line[tabIdx+1:]

	bsIdx := strings.Index(dimPart, "\\")
	if bsIdx < 0 {
		return Header{}, fmt.Errorf("invalid TSV header format: %q", line)
	}
	dimsOnly := dimPart[:bsIdx]

	var dims []string
	for _, d := range strings.Split(dimsOnly, ",") {
		dims = append(dims, strings.TrimSpace(d))
	}

	var periods []string
	for _, p := range strings.Split(timePart, "\t") {
		periods = append(periods, strings.TrimSpace(p))
	}

	return Header{DimensionCols: dims, PeriodCols: periods}, nil
}

// Next reads up to ChunkSize rows and returns them, or io.EOF with a nil
// slice when the stream is exhausted. Memory use is bounded by chunk size
// times column count: the underlying gzip/csv readers are never buffered
// beyond one chunk.
func (r *Reader) Next() ([]Row, error) {
	rows := make([]Row, 0, ChunkSize)
	for len(rows) < ChunkSize {
		record, err := r.csvR.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &eserrors.ParseError{Source: "tsv stream", Err: err}
		}
		if len(record) == 0 {
			continue
		}

		dims, err := splitDimensions(record[0], len(r.Header.DimensionCols))
		if err != nil {
			return nil, &eserrors.ParseError{Source: "tsv stream", Err: err}
		}

		cells := record[1:]
		periods := make([]*string, len(r.Header.PeriodCols))
		for i := range periods {
			if i >= len(cells) {
				continue
			}
			v := strings.TrimSpace(cells[i])
			if _, missing := missingSentinels[v]; missing || v == "" {
				continue
			}
			vv := v
			periods[i] = &vv
		}

		rows = append(rows, Row{Dimensions: dims, Periods: periods})
	}

	if len(rows) == 0 {
		return nil, io.EOF
	}
	return rows, nil
}

// splitDimensions parses the comma-joined first field of a wide data row
// (e.g. "A,DE") into exactly want values.
func splitDimensions(field string, want int) ([]string, error) {
	parts := strings.Split(field, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	if want > 0 && len(parts) != want {
		return nil, fmt.Errorf("expected %d dimension values, got %d in %q", want, len(parts), field)
	}
	return parts, nil
}

// Close releases the underlying file and gzip reader.
func (r *Reader) Close() error {
	gzErr := r.gz.Close()
	fErr := r.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}
