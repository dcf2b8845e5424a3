package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/denabel/GeoCliP/internal/metrics"
	"github.com/denabel/GeoCliP/internal/models"
	"github.com/denabel/GeoCliP/internal/table"
)

const stageDaymean = "daymean"

type DailyOptions struct {
	HoursPerDay      int
	CoverageVariable models.Variable
	// Start and End bound the kept dates, inclusive. Zero means unbounded.
	Start time.Time
	End   time.Time
}

type DailyStats struct {
	Days        int
	Excluded    int
	OutOfPeriod int
}

func (s *DailyStats) add(o DailyStats) {
	s.Days += o.Days
	s.Excluded += o.Excluded
	s.OutOfPeriod += o.OutOfPeriod
}

// ReduceDaily turns an hourly table into daily means. A station day is kept
// only when the coverage variable has exactly HoursPerDay non-null readings.
// Each variable is averaged over its non-null readings and the day's quality
// flag is the minimum of the hourly flags.
func ReduceDaily(hourly *table.Table, opts DailyOptions) (*table.Table, DailyStats, error) {
	var stats DailyStats
	vars := hourly.Variables()
	cov := hourly.Column(opts.CoverageVariable)
	if cov < 0 {
		return nil, stats, fmt.Errorf("coverage variable %s not in table", opts.CoverageVariable)
	}
	if opts.HoursPerDay <= 0 {
		return nil, stats, fmt.Errorf("hours per day must be positive, got %d", opts.HoursPerDay)
	}

	hourly.Sort()
	rows := hourly.Rows()
	daily := table.New(vars...)

	for start := 0; start < len(rows); {
		day := truncateDay(rows[start].Time)
		end := start
		for end < len(rows) && rows[end].StationID == rows[start].StationID && truncateDay(rows[end].Time).Equal(day) {
			end++
		}
		group := rows[start:end]
		start = end

		if !inPeriod(day, opts) {
			stats.OutOfPeriod++
			continue
		}
		covered := 0
		for _, r := range group {
			if r.Values[cov].Valid {
				covered++
			}
		}
		if covered != opts.HoursPerDay {
			stats.Excluded++
			continue
		}

		out := table.Row{StationID: group[0].StationID, Time: day, Values: make([]sql.NullFloat64, len(vars))}
		for c := range vars {
			sum, n := 0.0, 0
			for _, r := range group {
				if r.Values[c].Valid {
					sum += r.Values[c].Float64
					n++
				}
			}
			if n > 0 {
				out.Values[c] = sql.NullFloat64{Float64: sum / float64(n), Valid: true}
			}
		}
		for _, r := range group {
			if r.Quality.Valid && (!out.Quality.Valid || r.Quality.Int64 < out.Quality.Int64) {
				out.Quality = r.Quality
			}
		}
		if err := daily.Insert(out); err != nil {
			return nil, stats, err
		}
		stats.Days++
	}
	return daily, stats, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func inPeriod(day time.Time, opts DailyOptions) bool {
	if !opts.Start.IsZero() && day.Before(truncateDay(opts.Start)) {
		return false
	}
	if !opts.End.IsZero() && day.After(truncateDay(opts.End)) {
		return false
	}
	return true
}

// DailyReducer reads the per-station hourly CSVs of a directory, keeps the
// stations selected by the filter and builds the consolidated daily table.
type DailyReducer struct {
	opts    DailyOptions
	filter  StationFilter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewDailyReducer(opts DailyOptions, filter StationFilter, logger *slog.Logger, m *metrics.Metrics) *DailyReducer {
	return &DailyReducer{opts: opts, filter: filter, logger: logger.With("component", stageDaymean), metrics: m}
}

// Run returns the daily table of all selected stations and the rows rejected
// on the way.
func (d *DailyReducer) Run(ctx context.Context, stationDir string) (*table.Table, []models.Rejection, error) {
	files, err := d.stationFiles(stationDir)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("%w: no station files selected in %s", ErrMissingInput, stationDir)
	}

	var combined *table.Table
	var rowErrs *multierror.Error
	var stats DailyStats
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		hourly, errs, err := table.ReadFile(filepath.Join(stationDir, f.Name), table.Format{Layout: table.HourLayout, StationID: f.StationID})
		if err != nil {
			return nil, nil, err
		}
		rowErrs = multierror.Append(rowErrs, errorsOf(errs)...)

		daily, st, err := ReduceDaily(hourly, d.opts)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		stats.add(st)
		d.logger.Debug("station reduced", "station", f.StationID, "days", st.Days, "excluded", st.Excluded)

		if combined == nil {
			combined = table.New(daily.Variables()...)
		}
		for _, r := range daily.Rows() {
			if err := combined.Insert(r); err != nil {
				rowErrs = multierror.Append(rowErrs, &table.RowError{Source: f.Name, Err: err})
			}
		}
	}
	combined.Sort()

	rej := table.Rejections(stageDaymean, rowErrs)
	d.metrics.RowErrors.WithLabelValues(stageDaymean).Add(float64(len(rej)))
	d.metrics.DaysExcluded.Add(float64(stats.Excluded))
	d.metrics.RowsIngested.WithLabelValues(stageDaymean).Add(float64(stats.Days))
	d.logger.Info("daily means computed",
		"stations", len(files),
		"days", stats.Days,
		"excluded_incomplete", stats.Excluded,
		"outside_period", stats.OutOfPeriod,
		"rejected_rows", len(rej))
	return combined, rej, nil
}

func (d *DailyReducer) stationFiles(dir string) ([]StationRange, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read station dir: %w", err)
	}
	var files []StationRange
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		r, ok := ParseStationFileName(e.Name())
		if !ok || !d.filter.Keep(r) {
			continue
		}
		files = append(files, r)
	}
	slices.SortFunc(files, func(a, b StationRange) int {
		if c := table.CompareStationIDs(a.StationID, b.StationID); c != 0 {
			return c
		}
		return a.First.Compare(b.First)
	})
	return files, nil
}

func errorsOf(errs *multierror.Error) []error {
	if errs == nil {
		return nil
	}
	return errs.Errors
}
