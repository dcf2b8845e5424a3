package table

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/denabel/GeoCliP/internal/fsutil"
	"github.com/denabel/GeoCliP/internal/models"
)

const (
	DayLayout  = "20060102"
	HourLayout = "2006010215"

	ColStation  = "station"
	ColDatetime = "datetime"
	ColQuality  = "QN_9"
)

// RowError describes one malformed input row. Row errors are collected and
// never abort a read.
type RowError struct {
	Source string
	Line   int
	Err    error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Source, e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// ParseValue parses a numeric cell. Empty cells, NA/NaN and the DWD sentinel
// -999 are null. Infinite values are rejected.
func ParseValue(s string) (sql.NullFloat64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan":
		return sql.NullFloat64{}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) {
		return sql.NullFloat64{}, fmt.Errorf("invalid number %q", s)
	}
	if v == models.MissingValue || math.IsNaN(v) {
		return sql.NullFloat64{}, nil
	}
	return sql.NullFloat64{Float64: v, Valid: true}, nil
}

func parseQuality(s string) (sql.NullInt64, error) {
	v, err := ParseValue(s)
	if err != nil || !v.Valid {
		return sql.NullInt64{}, err
	}
	return sql.NullInt64{Int64: int64(v.Float64), Valid: true}, nil
}

func formatValue(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'f', -1, 64)
}

// Format describes the CSV layout of a table file. When StationID is set the
// file has no station column and every row belongs to that station.
type Format struct {
	Layout    string
	StationID string
}

// ReadCSV reads a table with header `[station,]datetime,<variables...>[,QN_9]`.
// The returned error is fatal (unreadable header or I/O). Malformed rows and
// duplicates are skipped and returned as *RowError values in rowErrs.
func ReadCSV(r io.Reader, source string, f Format) (t *Table, rowErrs *multierror.Error, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header of %s: %w", source, err)
	}
	stationCol, timeCol, qualityCol := -1, -1, -1
	var vars []models.Variable
	var varCols []int
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		switch h {
		case ColStation:
			stationCol = i
		case ColDatetime:
			timeCol = i
		case ColQuality:
			qualityCol = i
		case "", "eor":
		default:
			vars = append(vars, models.Variable(h))
			varCols = append(varCols, i)
		}
	}
	if timeCol < 0 {
		return nil, nil, fmt.Errorf("%s: missing %s column", source, ColDatetime)
	}
	if stationCol < 0 && f.StationID == "" {
		return nil, nil, fmt.Errorf("%s: missing %s column", source, ColStation)
	}

	t = New(vars...)
	line := 1
	for {
		rec, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				rowErrs = multierror.Append(rowErrs, &RowError{Source: source, Line: line, Err: err})
				continue
			}
			return nil, nil, fmt.Errorf("read %s: %w", source, err)
		}
		row, err := parseRecord(rec, len(header), f, stationCol, timeCol, qualityCol, varCols)
		if err == nil {
			err = t.Insert(row)
		}
		if err != nil {
			rowErrs = multierror.Append(rowErrs, &RowError{Source: source, Line: line, Err: err})
		}
	}
	return t, rowErrs, nil
}

func parseRecord(rec []string, width int, f Format, stationCol, timeCol, qualityCol int, varCols []int) (Row, error) {
	if len(rec) != width {
		return Row{}, fmt.Errorf("got %d fields, want %d", len(rec), width)
	}
	station := f.StationID
	if stationCol >= 0 {
		station = NormalizeStationID(rec[stationCol])
	}
	if station == "" {
		return Row{}, errors.New("empty station id")
	}
	at, err := time.ParseInLocation(f.Layout, strings.TrimSpace(rec[timeCol]), time.UTC)
	if err != nil {
		return Row{}, fmt.Errorf("invalid datetime %q", rec[timeCol])
	}
	row := Row{StationID: station, Time: at, Values: make([]sql.NullFloat64, len(varCols))}
	for i, c := range varCols {
		if row.Values[i], err = ParseValue(rec[c]); err != nil {
			return Row{}, err
		}
	}
	if qualityCol >= 0 {
		if row.Quality, err = parseQuality(rec[qualityCol]); err != nil {
			return Row{}, err
		}
	}
	return row, nil
}

// NormalizeStationID strips whitespace and leading zeros so that "00044" and
// "44" name the same station.
func NormalizeStationID(s string) string {
	s = strings.TrimSpace(s)
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" && s != "" {
		return "0"
	}
	return trimmed
}

// WriteCSV writes t in the layout read by ReadCSV. Null cells are empty.
// The quality column is written only when some row carries a flag.
func WriteCSV(w io.Writer, t *Table, f Format) error {
	withQuality := false
	for _, r := range t.rows {
		if r.Quality.Valid {
			withQuality = true
			break
		}
	}

	cw := csv.NewWriter(w)
	header := make([]string, 0, len(t.variables)+3)
	if f.StationID == "" {
		header = append(header, ColStation)
	}
	header = append(header, ColDatetime)
	for _, v := range t.variables {
		header = append(header, string(v))
	}
	if withQuality {
		header = append(header, ColQuality)
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	rec := make([]string, len(header))
	for _, r := range t.rows {
		rec = rec[:0]
		if f.StationID == "" {
			rec = append(rec, r.StationID)
		}
		rec = append(rec, r.Time.Format(f.Layout))
		for _, v := range r.Values {
			rec = append(rec, formatValue(v))
		}
		if withQuality {
			q := ""
			if r.Quality.Valid {
				q = strconv.FormatInt(r.Quality.Int64, 10)
			}
			rec = append(rec, q)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadFile opens path and reads it with ReadCSV.
func ReadFile(path string, f Format) (*Table, *multierror.Error, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	return ReadCSV(file, path, f)
}

// WriteFile writes t to path atomically.
func WriteFile(path string, t *Table, f Format) error {
	return fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		return WriteCSV(w, t, f)
	})
}

// Rejections converts collected row errors into run store records.
func Rejections(stage string, errs *multierror.Error) []models.Rejection {
	if errs == nil {
		return nil
	}
	out := make([]models.Rejection, 0, len(errs.Errors))
	for _, err := range errs.Errors {
		rej := models.Rejection{Stage: stage, Reason: err.Error()}
		var re *RowError
		if errors.As(err, &re) {
			rej.Source, rej.Line, rej.Reason = re.Source, re.Line, re.Err.Error()
		}
		out = append(out, rej)
	}
	return out
}
