package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sony/gobreaker"

	"github.com/denabel/GeoCliP/internal/metrics"
	"github.com/denabel/GeoCliP/internal/models"
	"github.com/denabel/GeoCliP/internal/table"
)

const stageFetch = "fetch"

// Recorder persists station metadata, archive digests and rejected rows
// for a run.
type Recorder interface {
	UpsertStations(ctx context.Context, stations []models.Station) error
	RecordArchives(ctx context.Context, archives []models.Archive) error
	RecordRejections(ctx context.Context, rejections []models.Rejection) error
}

type FetchOptions struct {
	OutDir string
	Filter StationFilter
	// MaxConsecutiveFailures trips the breaker and aborts the fetch.
	MaxConsecutiveFailures uint32
}

type FetchSummary struct {
	Listed   int
	Selected int
	Fetched  int
	Failed   int
	Missing  int
	Bytes    uint64
}

// Fetcher downloads station archives and writes the per-station hourly CSVs
// and the stations table.
type Fetcher struct {
	source   ArchiveSource
	opts     FetchOptions
	recorder Recorder
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewFetcher(source ArchiveSource, opts FetchOptions, recorder Recorder, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	if opts.MaxConsecutiveFailures == 0 {
		opts.MaxConsecutiveFailures = 5
	}
	maxFailures := opts.MaxConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "archive-source",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})
	return &Fetcher{
		source:   source,
		opts:     opts,
		recorder: recorder,
		breaker:  cb,
		logger:   logger.With("component", stageFetch),
		metrics:  m,
	}
}

// Run lists the source, downloads every selected archive and writes its
// outputs. A failed archive is logged and skipped; the run aborts when the
// breaker opens or ctx is cancelled.
func (f *Fetcher) Run(ctx context.Context) (FetchSummary, error) {
	var sum FetchSummary

	names, err := f.source.List(ctx)
	if err != nil {
		return sum, fmt.Errorf("list archives: %w", err)
	}
	slices.Sort(names)
	sum.Listed = len(names)

	var selected []StationRange
	for _, name := range names {
		r, ok := ParseArchiveName(name)
		if !ok || !f.opts.Filter.Keep(r) {
			f.metrics.ArchivesFetched.WithLabelValues("skipped").Inc()
			continue
		}
		selected = append(selected, r)
	}
	sum.Selected = len(selected)
	f.logger.Info("archives selected", "listed", sum.Listed, "selected", sum.Selected)

	var stations []models.Station
	var archives []models.Archive
	var rejections []models.Rejection
	for i, r := range selected {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		start := time.Now()
		missing := false
		res, err := f.breaker.Execute(func() (interface{}, error) {
			data, err := f.source.Fetch(ctx, r.Name)
			if errors.Is(err, ErrNotFound) {
				missing = true
				return nil, nil
			}
			return data, err
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return sum, fmt.Errorf("fetch aborted after %d consecutive failures: %w", f.opts.MaxConsecutiveFailures, err)
		}
		if err != nil {
			sum.Failed++
			f.metrics.ArchivesFetched.WithLabelValues("error").Inc()
			f.logger.Warn("archive fetch failed", "archive", r.Name, "error", err)
			continue
		}
		if missing {
			sum.Missing++
			f.metrics.ArchivesFetched.WithLabelValues("error").Inc()
			f.logger.Warn("archive not found", "archive", r.Name)
			continue
		}

		data := res.([]byte)
		f.metrics.FetchLatency.Observe(time.Since(start).Seconds())
		f.metrics.BytesDownloaded.Add(float64(len(data)))
		sum.Bytes += uint64(len(data))

		st, rej, err := f.writeStation(r, data)
		if err != nil {
			sum.Failed++
			f.metrics.ArchivesFetched.WithLabelValues("error").Inc()
			f.logger.Warn("archive unusable", "archive", r.Name, "error", err)
			continue
		}
		sum.Fetched++
		f.metrics.ArchivesFetched.WithLabelValues("ok").Inc()
		stations = append(stations, st)
		sha := sha256.Sum256(data)
		archives = append(archives, models.Archive{
			Name:      r.Name,
			StationID: r.StationID,
			SHA256:    hex.EncodeToString(sha[:]),
			Bytes:     int64(len(data)),
		})
		rejections = append(rejections, rej...)
		f.logger.Debug("archive fetched",
			"archive", r.Name,
			"size", humanize.Bytes(uint64(len(data))),
			"progress", fmt.Sprintf("%d/%d", i+1, len(selected)))
	}

	if err := WriteStations(filepath.Join(f.opts.OutDir, StationsFile), stations); err != nil {
		return sum, err
	}
	if f.recorder != nil {
		if err := f.recorder.UpsertStations(ctx, stations); err != nil {
			return sum, fmt.Errorf("record stations: %w", err)
		}
		if err := f.recorder.RecordArchives(ctx, archives); err != nil {
			return sum, fmt.Errorf("record archives: %w", err)
		}
		if err := f.recorder.RecordRejections(ctx, rejections); err != nil {
			return sum, fmt.Errorf("record rejections: %w", err)
		}
	}

	f.logger.Info("fetch complete",
		"fetched", sum.Fetched,
		"failed", sum.Failed,
		"missing", sum.Missing,
		"downloaded", humanize.Bytes(sum.Bytes),
		"rejected_rows", len(rejections))
	return sum, nil
}

func (f *Fetcher) writeStation(r StationRange, data []byte) (models.Station, []models.Rejection, error) {
	arch, err := ReadArchive(r.Name, data)
	if err != nil {
		return models.Station{}, nil, err
	}
	rej := table.Rejections(stageFetch, arch.RowErrors)
	f.metrics.RowErrors.WithLabelValues(stageFetch).Add(float64(len(rej)))
	countFlags(f.metrics, arch.Observations)

	if len(arch.Observations) == 0 {
		return models.Station{}, rej, fmt.Errorf("no observations in %s", r.Name)
	}
	if arch.Station.StationID == "" {
		arch.Station.StationID = r.StationID
	}

	hourly, err := HourlyTable(arch.Observations)
	if err != nil {
		return models.Station{}, rej, err
	}
	hourly.Sort()
	rows := hourly.Rows()
	first, last := rows[0].Time, rows[len(rows)-1].Time
	path := filepath.Join(f.opts.OutDir, StationFileName(r.StationID, first, last))
	if err := table.WriteFile(path, hourly, table.Format{Layout: table.HourLayout, StationID: r.StationID}); err != nil {
		return models.Station{}, rej, err
	}
	f.metrics.RowsIngested.WithLabelValues(stageFetch).Add(float64(len(rows)))
	return arch.Station, rej, nil
}

func countFlags(m *metrics.Metrics, obs []models.HourlyObservation) {
	for _, o := range obs {
		for _, flag := range o.Flags {
			m.FlaggedValues.WithLabelValues(flag).Inc()
		}
	}
}
