// Package validate compares district values with an independent reference
// table and summarizes the differences.
package validate

import (
	"bufio"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/denabel/GeoCliP/internal/fsutil"
	"github.com/denabel/GeoCliP/internal/table"
)

var ErrNoOverlap = errors.New("no district has both a value and a reference")

// Options describes the comparison. The difference is
// reference - (value + Offset).
type Options struct {
	IDColumn        string
	ValueColumn     string
	ReferenceColumn string
	Offset          float64
	BinLow          float64
	BinHigh         float64
	BinWidth        float64
}

func DefaultOptions() Options {
	return Options{
		IDColumn:        "AGS",
		ValueColumn:     "TT_TU",
		ReferenceColumn: "dwd_air_temperature_mean",
		Offset:          273.15,
		BinLow:          -4.5,
		BinHigh:         4.5,
		BinWidth:        0.1,
	}
}

// Column is one numeric column keyed by district id.
type Column struct {
	IDs    []string
	Values map[string]sql.NullFloat64
}

// ReadColumn reads the id column and one value column of a CSV table.
// Ids are compared without leading zeros so integer-typed AGS match.
func ReadColumn(r io.Reader, source, idCol, valueCol string) (Column, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	header, err := cr.Read()
	if err != nil {
		return Column{}, fmt.Errorf("%s: read header: %w", source, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	idIdx, valIdx := slices.Index(header, idCol), slices.Index(header, valueCol)
	if idIdx < 0 || valIdx < 0 {
		return Column{}, fmt.Errorf("%s: need columns %q and %q, have %v", source, idCol, valueCol, header)
	}

	col := Column{Values: make(map[string]sql.NullFloat64)}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Column{}, fmt.Errorf("%s: %w", source, err)
		}
		id := table.NormalizeStationID(rec[idIdx])
		if id == "" {
			return Column{}, &table.RowError{Source: source, Line: line, Err: fmt.Errorf("empty %s", idCol)}
		}
		if _, dup := col.Values[id]; dup {
			return Column{}, &table.RowError{Source: source, Line: line, Err: fmt.Errorf("%w: %s %s", table.ErrDuplicateKey, idCol, rec[idIdx])}
		}
		v, err := table.ParseValue(rec[valIdx])
		if err != nil {
			return Column{}, &table.RowError{Source: source, Line: line, Err: err}
		}
		col.IDs = append(col.IDs, id)
		col.Values[id] = v
	}
	return col, nil
}

func ReadColumnFile(path, idCol, valueCol string) (Column, error) {
	f, err := os.Open(path)
	if err != nil {
		return Column{}, err
	}
	defer f.Close()
	return ReadColumn(f, path, idCol, valueCol)
}

// Difference is the comparison of one district.
type Difference struct {
	ID        string
	Value     float64
	Reference float64
	Diff      float64
}

type Bin struct {
	Low   float64
	High  float64
	Count int
}

// Report summarizes the differences of the districts present on both
// sides. Districts missing on either side are counted, never filled.
type Report struct {
	Differences      []Difference
	MissingValue     int
	MissingReference int

	Count int
	Mean  float64
	Std   float64
	MAE   float64
	Min   float64
	Max   float64

	Bins    []Bin
	Outside int
}

// Compare joins values and reference on id and computes the statistics.
func Compare(values, reference Column, o Options) (*Report, error) {
	ids := slices.Clone(values.IDs)
	for _, id := range reference.IDs {
		if _, ok := values.Values[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, table.CompareStationIDs)

	rep := &Report{}
	for _, id := range ids {
		v, ref := values.Values[id], reference.Values[id]
		switch {
		case !v.Valid:
			rep.MissingValue++
		case !ref.Valid:
			rep.MissingReference++
		default:
			rep.Differences = append(rep.Differences, Difference{
				ID:        id,
				Value:     v.Float64,
				Reference: ref.Float64,
				Diff:      ref.Float64 - (v.Float64 + o.Offset),
			})
		}
	}
	if len(rep.Differences) == 0 {
		return rep, ErrNoOverlap
	}

	diffs := make([]float64, len(rep.Differences))
	abs := make([]float64, len(diffs))
	for i, d := range rep.Differences {
		diffs[i] = d.Diff
		abs[i] = math.Abs(d.Diff)
	}
	rep.Count = len(diffs)
	rep.Mean = stat.Mean(diffs, nil)
	rep.MAE = stat.Mean(abs, nil)
	rep.Min = floats.Min(diffs)
	rep.Max = floats.Max(diffs)
	rep.Std = math.NaN()
	if len(diffs) > 1 {
		rep.Std = stat.StdDev(diffs, nil)
	}

	rep.Bins, rep.Outside = histogram(diffs, o.BinLow, o.BinHigh, o.BinWidth)
	return rep, nil
}

// histogram counts x into bins of width w from lo to hi. Bins are half
// open except the last, which includes hi.
func histogram(x []float64, lo, hi, w float64) ([]Bin, int) {
	n := int(math.Round((hi - lo) / w))
	if n <= 0 {
		return nil, len(x)
	}
	dividers := make([]float64, n+1)
	for i := range dividers {
		// Rounded so that edges such as -4.5 + 45*0.1 are exactly 0.
		dividers[i] = math.Round((lo+float64(i)*w)*1e9) / 1e9
	}

	inside := make([]float64, 0, len(x))
	atTop, outside := 0, 0
	for _, v := range x {
		switch {
		case v == dividers[n]:
			atTop++
		case v < dividers[0] || v > dividers[n]:
			outside++
		default:
			inside = append(inside, v)
		}
	}
	slices.Sort(inside)

	counts := make([]float64, n)
	if len(inside) > 0 {
		stat.Histogram(counts, dividers, inside, nil)
	}
	counts[n-1] += float64(atTop)

	bins := make([]Bin, n)
	for i := range bins {
		bins[i] = Bin{Low: dividers[i], High: dividers[i+1], Count: int(counts[i])}
	}
	return bins, outside
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteSummary writes the statistics as metric,value rows.
func WriteSummary(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	rows := [][]string{
		{"metric", "value"},
		{"count", strconv.Itoa(r.Count)},
		{"missing_value", strconv.Itoa(r.MissingValue)},
		{"missing_reference", strconv.Itoa(r.MissingReference)},
		{"mean", formatFloat(r.Mean)},
		{"std", formatFloat(r.Std)},
		{"mae", formatFloat(r.MAE)},
		{"min", formatFloat(r.Min)},
		{"max", formatFloat(r.Max)},
		{"outside_histogram", strconv.Itoa(r.Outside)},
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

func WriteHistogram(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"bin_low", "bin_high", "count"}); err != nil {
		return err
	}
	for _, b := range r.Bins {
		if err := cw.Write([]string{formatFloat(b.Low), formatFloat(b.High), strconv.Itoa(b.Count)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteDifferences(w io.Writer, r *Report, o Options) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{o.IDColumn, o.ValueColumn, o.ReferenceColumn, "diff"}); err != nil {
		return err
	}
	for _, d := range r.Differences {
		if err := cw.Write([]string{d.ID, formatFloat(d.Value), formatFloat(d.Reference), formatFloat(d.Diff)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Output file names inside the output directory.
const (
	SummaryFile     = "validation_summary.csv"
	HistogramFile   = "validation_histogram.csv"
	DifferencesFile = "validation_differences.csv"
)

// Run reads both tables, compares them and writes the report files into
// outDir.
func Run(valuesPath, referencePath, outDir string, o Options, logger *slog.Logger) (*Report, error) {
	values, err := ReadColumnFile(valuesPath, o.IDColumn, o.ValueColumn)
	if err != nil {
		return nil, fmt.Errorf("read district values: %w", err)
	}
	reference, err := ReadColumnFile(referencePath, o.IDColumn, o.ReferenceColumn)
	if err != nil {
		return nil, fmt.Errorf("read reference: %w", err)
	}
	rep, err := Compare(values, reference, o)
	if err != nil {
		return rep, err
	}

	outputs := []struct {
		name  string
		write func(io.Writer) error
	}{
		{SummaryFile, func(w io.Writer) error { return WriteSummary(w, rep) }},
		{HistogramFile, func(w io.Writer) error { return WriteHistogram(w, rep) }},
		{DifferencesFile, func(w io.Writer) error { return WriteDifferences(w, rep, o) }},
	}
	for _, out := range outputs {
		if err := fsutil.WriteFileAtomic(filepath.Join(outDir, out.name), out.write); err != nil {
			return rep, fmt.Errorf("write %s: %w", out.name, err)
		}
	}

	logger.Info("validation complete",
		"component", "validate",
		"districts", rep.Count,
		"missing_value", rep.MissingValue,
		"missing_reference", rep.MissingReference,
		"mean_diff", rep.Mean,
		"mae", rep.MAE,
		"std", rep.Std)
	return rep, nil
}
