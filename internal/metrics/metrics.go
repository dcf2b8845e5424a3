package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "geoclip"

// Metrics holds the pipeline instruments. All of them are registered on the
// registry passed to New so a run can be exported on its own.
type Metrics struct {
	registry *prometheus.Registry

	ArchivesFetched *prometheus.CounterVec // labels: status={ok,error,skipped}
	BytesDownloaded prometheus.Counter
	FetchLatency    prometheus.Histogram

	RowsIngested  *prometheus.CounterVec // labels: stage
	RowErrors     *prometheus.CounterVec // labels: stage
	DaysExcluded  prometheus.Counter
	FlaggedValues *prometheus.CounterVec // labels: flag

	ImputeIterations *prometheus.GaugeVec // labels: variable
	ResidualNulls    *prometheus.GaugeVec // labels: variable
	CellsImputed     *prometheus.CounterVec

	DistanceCache      *prometheus.CounterVec // labels: result={hit,miss,invalid}
	DistrictsUncovered *prometheus.GaugeVec   // labels: variable
	StationsExcluded   prometheus.Gauge

	StageDuration *prometheus.HistogramVec // labels: stage
	LastRunStatus *prometheus.GaugeVec     // labels: stage; 1 ok, 0 failed
}

func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ArchivesFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archives_fetched_total",
			Help:      "Station archives processed by outcome.",
		}, []string{"status"}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_bytes_downloaded_total",
			Help:      "Bytes of station archives downloaded.",
		}),
		FetchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_fetch_seconds",
			Help:      "Latency of a single archive download.",
			Buckets:   prometheus.DefBuckets,
		}),
		RowsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_ingested_total",
			Help:      "Rows accepted per ingestion stage.",
		}, []string{"stage"}),
		RowErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "row_errors_total",
			Help:      "Malformed or duplicate rows skipped per stage.",
		}, []string{"stage"}),
		DaysExcluded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "days_excluded_total",
			Help:      "Station days dropped for incomplete hourly coverage.",
		}),
		FlaggedValues: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flagged_values_total",
			Help:      "Hourly values nulled by plausibility checks.",
		}, []string{"flag"}),
		ImputeIterations: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "impute_iterations",
			Help:      "Imputation rounds run before convergence.",
		}, []string{"variable"}),
		ResidualNulls: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "impute_residual_nulls",
			Help:      "Cells left null after imputation.",
		}, []string{"variable"}),
		CellsImputed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "impute_cells_filled_total",
			Help:      "Null cells filled by imputation.",
		}, []string{"variable"}),
		DistanceCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distance_cache_total",
			Help:      "Distance matrix cache lookups by result.",
		}, []string{"result"}),
		DistrictsUncovered: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "districts_uncovered",
			Help:      "Districts with no station inside the cutoff radius.",
		}, []string{"variable"}),
		StationsExcluded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stations_excluded",
			Help:      "Stations dropped from aggregation for lack of a mean.",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time per pipeline stage.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"stage"}),
		LastRunStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_last_success",
			Help:      "1 if the last run of the stage succeeded, 0 otherwise.",
		}, []string{"stage"}),
	}
}

// NewDiscard returns metrics on a private registry that is never exported.
func NewDiscard() *Metrics {
	return New(prometheus.NewRegistry())
}

// WriteTextfile writes all metrics in the text exposition format for the
// node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
