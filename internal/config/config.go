// Package config holds the validated run configuration.
//
// Values come from command line flags, then GEOCLIP_* environment variables
// (optionally loaded from a .env file), then the defaults in the struct tags.
// A Config is passed by value; components receive the derived option
// structs, never the Config itself.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"github.com/denabel/GeoCliP/internal/aggregate"
	"github.com/denabel/GeoCliP/internal/boundary"
	"github.com/denabel/GeoCliP/internal/impute"
	"github.com/denabel/GeoCliP/internal/ingest"
	"github.com/denabel/GeoCliP/internal/models"
	"github.com/denabel/GeoCliP/internal/validate"
)

const dateLayout = "2006-01-02"

// Paths locate inputs, intermediates and outputs.
type Paths struct {
	StationDir string `name:"station-dir" env:"GEOCLIP_STATION_DIR" default:"data/stations" help:"Per-station hourly CSVs and stations.csv." validate:"required"`
	WorkDir    string `name:"work-dir" env:"GEOCLIP_WORK_DIR" default:"data/work" help:"Daily and imputed tables." validate:"required"`
	OutputDir  string `name:"output-dir" env:"GEOCLIP_OUTPUT_DIR" default:"data/output" help:"District values and validation reports." validate:"required"`
	CacheDir   string `name:"cache-dir" env:"GEOCLIP_CACHE_DIR" default:"data/cache" help:"Distance matrix cache." validate:"required"`
	DBPath     string `name:"db" env:"GEOCLIP_DB" default:"data/geoclip.db" help:"SQLite run store." validate:"required"`

	BoundaryPath  string `name:"boundaries" env:"GEOCLIP_BOUNDARIES" help:"District polygons (.shp or .geojson)."`
	ReferencePath string `name:"reference" env:"GEOCLIP_REFERENCE" help:"Reference table for validation."`
}

// Ingest configures archive download and the daily reduction.
type Ingest struct {
	SourceURL    string        `name:"source-url" env:"GEOCLIP_SOURCE_URL" default:"https://opendata.dwd.de/climate_environment/CDC/observations_germany/climate/hourly/air_temperature/historical/" help:"Archive directory (https or ftp)." validate:"required,url"`
	HTTPTimeout  time.Duration `name:"http-timeout" env:"GEOCLIP_HTTP_TIMEOUT" default:"60s" validate:"gt=0"`
	LastYear     int           `name:"last-year" env:"GEOCLIP_LAST_YEAR" default:"2023" help:"Keep stations whose record ends in this year (0 disables)." validate:"gte=0"`
	FirstYearMax int           `name:"first-year-max" env:"GEOCLIP_FIRST_YEAR_MAX" default:"2005" help:"Keep stations whose record starts no later than this year (0 disables)." validate:"gte=0"`
	MaxFailures  uint32        `name:"max-failures" env:"GEOCLIP_MAX_FAILURES" default:"5" help:"Consecutive download failures before the fetch aborts." validate:"gte=1"`

	StartDate   string `name:"start" env:"GEOCLIP_START" default:"2008-01-01" help:"First day of the study period." validate:"omitempty,datetime=2006-01-02"`
	EndDate     string `name:"end" env:"GEOCLIP_END" default:"2023-12-31" help:"Last day of the study period." validate:"omitempty,datetime=2006-01-02"`
	HoursPerDay int    `name:"hours-per-day" env:"GEOCLIP_HOURS_PER_DAY" default:"24" help:"Hourly readings required to keep a day." validate:"gte=1,lte=24"`
}

// Impute configures the gap filler.
type Impute struct {
	Enabled        bool    `name:"impute" env:"GEOCLIP_IMPUTE" default:"true" negatable:"" help:"Fill gaps before aggregation."`
	SampleFraction float64 `name:"sample-fraction" env:"GEOCLIP_SAMPLE_FRACTION" default:"0.1" validate:"gt=0,lte=1"`
	Seed           uint64  `name:"seed" env:"GEOCLIP_SEED" default:"0"`
	CVFolds        int     `name:"cv-folds" env:"GEOCLIP_CV_FOLDS" default:"10" validate:"gte=2"`
	NumAlphas      int     `name:"alphas" env:"GEOCLIP_ALPHAS" default:"100" validate:"gte=1"`
	MaxIter        int     `name:"max-iter" env:"GEOCLIP_MAX_ITER" default:"100" help:"Round-robin rounds." validate:"gte=1"`
	Tol            float64 `name:"tol" env:"GEOCLIP_TOL" default:"0.001" help:"Round-robin convergence tolerance." validate:"gt=0"`
	LassoTol       float64 `name:"lasso-tol" env:"GEOCLIP_LASSO_TOL" default:"0.01" validate:"gt=0"`
	LassoMaxIter   int     `name:"lasso-max-iter" env:"GEOCLIP_LASSO_MAX_ITER" default:"1000" validate:"gte=1"`
}

// Aggregate configures the district projection and its validation.
type Aggregate struct {
	CRS             string  `name:"crs" env:"GEOCLIP_CRS" default:"EPSG:25832" help:"CRS of the boundary file."`
	IDField         string  `name:"id-field" env:"GEOCLIP_ID_FIELD" default:"AGS" validate:"required"`
	NameField       string  `name:"name-field" env:"GEOCLIP_NAME_FIELD" default:"GEN"`
	CutoffKm        float64 `name:"cutoff-km" env:"GEOCLIP_CUTOFF_KM" default:"100" validate:"gt=0"`
	Weighting       string  `name:"weighting" env:"GEOCLIP_WEIGHTING" default:"distance" enum:"distance,inverse" validate:"oneof=distance inverse"`
	Power           float64 `name:"power" env:"GEOCLIP_POWER" default:"1" help:"Exponent of inverse weighting." validate:"gt=0"`
	Recompute       bool    `name:"recompute-distances" env:"GEOCLIP_RECOMPUTE_DISTANCES" help:"Ignore a cached distance matrix."`
	ReferenceColumn string  `name:"reference-column" env:"GEOCLIP_REFERENCE_COLUMN" default:"dwd_air_temperature_mean" validate:"required"`
	Offset          float64 `name:"offset" env:"GEOCLIP_OFFSET" default:"273.15" help:"Added to values before comparing with the reference."`
}

// Config is the complete run configuration.
type Config struct {
	Paths     `embed:""`
	Ingest    `embed:""`
	Impute    `embed:""`
	Aggregate `embed:""`

	Variables []string `name:"variables" env:"GEOCLIP_VARIABLES" default:"TT_TU,RF_TU" sep:"," validate:"min=1,unique,dive,oneof=TT_TU RF_TU"`
	Workers   int      `name:"workers" env:"GEOCLIP_WORKERS" default:"4" validate:"gte=1"`

	LogLevel    string `name:"log-level" env:"GEOCLIP_LOG_LEVEL" default:"info" enum:"debug,info,warn,error" validate:"oneof=debug info warn error"`
	LogFormat   string `name:"log-format" env:"GEOCLIP_LOG_FORMAT" default:"text" enum:"text,json" validate:"oneof=text json"`
	MetricsFile string `name:"metrics-file" env:"GEOCLIP_METRICS_FILE" help:"Write Prometheus metrics here at the end of a run."`
}

// Default returns the configuration with every tag default applied.
func Default() Config {
	return Config{
		Paths: Paths{
			StationDir: "data/stations",
			WorkDir:    "data/work",
			OutputDir:  "data/output",
			CacheDir:   "data/cache",
			DBPath:     "data/geoclip.db",
		},
		Ingest: Ingest{
			SourceURL:    ingest.DefaultSourceURL,
			HTTPTimeout:  60 * time.Second,
			LastYear:     2023,
			FirstYearMax: 2005,
			MaxFailures:  5,
			StartDate:    "2008-01-01",
			EndDate:      "2023-12-31",
			HoursPerDay:  24,
		},
		Impute: Impute{
			Enabled:        true,
			SampleFraction: 0.1,
			CVFolds:        10,
			NumAlphas:      100,
			MaxIter:        100,
			Tol:            1e-3,
			LassoTol:       1e-2,
			LassoMaxIter:   1000,
		},
		Aggregate: Aggregate{
			CRS:             "EPSG:25832",
			IDField:         boundary.DefaultIDField,
			NameField:       boundary.DefaultNameField,
			CutoffKm:        100,
			Weighting:       string(aggregate.WeightDistance),
			Power:           1,
			ReferenceColumn: "dwd_air_temperature_mean",
			Offset:          273.15,
		},
		Variables: []string{string(models.VarTemperature), string(models.VarHumidity)},
		Workers:   4,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the study period.
func (c Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			var merr *multierror.Error
			for _, fe := range verrs {
				merr = multierror.Append(merr, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %w", merr.ErrorOrNil())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	start, end, err := c.Period()
	if err != nil {
		return err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return fmt.Errorf("invalid configuration: end %s before start %s", c.EndDate, c.StartDate)
	}
	return nil
}

// Period returns the study period bounds; a zero time is unbounded.
func (c Config) Period() (start, end time.Time, err error) {
	if c.StartDate != "" {
		if start, err = time.Parse(dateLayout, c.StartDate); err != nil {
			return start, end, fmt.Errorf("start date: %w", err)
		}
	}
	if c.EndDate != "" {
		if end, err = time.Parse(dateLayout, c.EndDate); err != nil {
			return start, end, fmt.Errorf("end date: %w", err)
		}
	}
	return start, end, nil
}

func (c Config) Vars() []models.Variable {
	vars := make([]models.Variable, len(c.Variables))
	for i, v := range c.Variables {
		vars[i] = models.Variable(v)
	}
	return vars
}

// RequireFiles reports every path that does not exist. It wraps
// ingest.ErrMissingInput.
func RequireFiles(paths ...string) error {
	var merr *multierror.Error
	for _, p := range paths {
		if p == "" {
			merr = multierror.Append(merr, fmt.Errorf("%w: path not configured", ingest.ErrMissingInput))
			continue
		}
		if _, err := os.Stat(p); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%w: %s", ingest.ErrMissingInput, p))
		}
	}
	return merr.ErrorOrNil()
}

func (c Config) FetchOptions() ingest.FetchOptions {
	return ingest.FetchOptions{
		OutDir:                 c.StationDir,
		Filter:                 c.StationFilter(),
		MaxConsecutiveFailures: c.MaxFailures,
	}
}

func (c Config) StationFilter() ingest.StationFilter {
	return ingest.StationFilter{LastYear: c.LastYear, FirstYearMax: c.FirstYearMax}
}

func (c Config) DailyOptions() ingest.DailyOptions {
	start, end, _ := c.Period()
	return ingest.DailyOptions{
		HoursPerDay:      c.HoursPerDay,
		CoverageVariable: models.VarTemperature,
		Start:            start,
		End:              end,
	}
}

func (c Config) ImputeOptions() impute.Options {
	o := impute.DefaultOptions()
	o.SampleFraction = c.SampleFraction
	o.Seed = c.Seed
	o.CVFolds = c.CVFolds
	o.NumAlphas = c.NumAlphas
	o.MaxIter = c.MaxIter
	o.Tol = c.Tol
	o.LassoTol = c.LassoTol
	o.LassoMaxIter = c.LassoMaxIter
	o.Workers = c.Workers
	return o
}

func (c Config) AggregateOptions() aggregate.Options {
	return aggregate.Options{
		CutoffKm:  c.CutoffKm,
		Weighting: aggregate.Weighting(c.Weighting),
		Power:     c.Power,
	}
}

func (c Config) BoundaryOptions() boundary.Options {
	return boundary.Options{IDField: c.IDField, NameField: c.NameField, CRS: c.CRS}
}

func (c Config) ValidateOptions() validate.Options {
	o := validate.DefaultOptions()
	o.IDColumn = c.IDField
	o.ReferenceColumn = c.ReferenceColumn
	o.Offset = c.Offset
	return o
}

// Named intermediate and output files.
func (c Config) DaymeanPath() string  { return filepath.Join(c.WorkDir, "daymean.csv") }
func (c Config) ExpandedPath() string { return filepath.Join(c.WorkDir, "daymean_expanded.csv") }
func (c Config) ImputedPath() string  { return filepath.Join(c.WorkDir, "daymean_imputed.csv") }

func (c Config) ImputedVariablePath(v models.Variable) string {
	return filepath.Join(c.WorkDir, fmt.Sprintf("daymean_imputed_%s.csv", v))
}

func (c Config) DistrictValuesPath() string {
	return filepath.Join(c.OutputDir, aggregate.OutputName(c.CutoffKm))
}

// Logger builds the process logger.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Snapshot renders the configuration as JSON for the run audit.
func (c Config) Snapshot() string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}
