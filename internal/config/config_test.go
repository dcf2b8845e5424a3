package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denabel/GeoCliP/internal/aggregate"
	"github.com/denabel/GeoCliP/internal/ingest"
	"github.com/denabel/GeoCliP/internal/models"
)

func parse(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	var cfg Config
	parser, err := kong.New(&cfg, kong.Name("geoclip"), kong.Exit(func(int) { t.Fatal("kong exited") }))
	require.NoError(t, err)
	_, err = parser.Parse(args)
	return cfg, err
}

func TestDefaultMatchesTags(t *testing.T) {
	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestFlagsAndEnvironment(t *testing.T) {
	t.Setenv("GEOCLIP_CUTOFF_KM", "50")
	t.Setenv("GEOCLIP_VARIABLES", "TT_TU")

	cfg, err := parse(t, "--weighting=inverse", "--power=2", "--no-impute", "--cutoff-km=75")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 75.0, cfg.CutoffKm, "flag wins over environment")
	assert.Equal(t, []models.Variable{models.VarTemperature}, cfg.Vars())
	assert.False(t, cfg.Enabled)
	assert.Equal(t, aggregate.Options{CutoffKm: 75, Weighting: aggregate.WeightInverse, Power: 2}, cfg.AggregateOptions())
	assert.Equal(t, filepath.Join("data/output", "district_values_75km.csv"), cfg.DistrictValuesPath())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"cutoff", func(c *Config) { c.CutoffKm = 0 }, "CutoffKm"},
		{"weighting", func(c *Config) { c.Weighting = "gaussian" }, "Weighting"},
		{"variable", func(c *Config) { c.Variables = []string{"TT_TU", "PP_10"} }, "Variables[1]"},
		{"duplicate variable", func(c *Config) { c.Variables = []string{"TT_TU", "TT_TU"} }, "Variables"},
		{"sample fraction", func(c *Config) { c.SampleFraction = 1.5 }, "SampleFraction"},
		{"folds", func(c *Config) { c.CVFolds = 1 }, "CVFolds"},
		{"hours", func(c *Config) { c.HoursPerDay = 25 }, "HoursPerDay"},
		{"date", func(c *Config) { c.StartDate = "01.01.2000" }, "StartDate"},
		{"url", func(c *Config) { c.SourceURL = "not a url" }, "SourceURL"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "LogFormat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	cfg := Default()
	cfg.StartDate, cfg.EndDate = "2020-01-02", "2020-01-01"
	assert.ErrorContains(t, cfg.Validate(), "before start")
}

func TestDerivedOptions(t *testing.T) {
	cfg := Default()
	cfg.Seed = 7
	cfg.Workers = 2

	daily := cfg.DailyOptions()
	assert.Equal(t, 24, daily.HoursPerDay)
	assert.Equal(t, time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC), daily.Start)
	assert.Equal(t, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), daily.End)

	imp := cfg.ImputeOptions()
	assert.Equal(t, uint64(7), imp.Seed)
	assert.Equal(t, 2, imp.Workers)
	assert.Equal(t, 0.1, imp.SampleFraction)

	assert.Equal(t, ingest.StationFilter{LastYear: 2023, FirstYearMax: 2005}, cfg.FetchOptions().Filter)
	assert.Equal(t, "AGS", cfg.ValidateOptions().IDColumn)
	assert.Equal(t, filepath.Join("data/work", "daymean_imputed_RF_TU.csv"), cfg.ImputedVariablePath(models.VarHumidity))
}

func TestRequireFiles(t *testing.T) {
	present := filepath.Join(t.TempDir(), "present.csv")
	require.NoError(t, os.WriteFile(present, nil, 0o644))

	assert.NoError(t, RequireFiles(present))

	err := RequireFiles(present, "/does/not/exist.shp", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingest.ErrMissingInput))
	assert.Contains(t, err.Error(), "/does/not/exist.shp")
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	logger := cfg.Logger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "component", "config")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"component":"config"`)
}
