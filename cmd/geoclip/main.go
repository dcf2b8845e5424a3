package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/denabel/GeoCliP/internal/config"
	"github.com/denabel/GeoCliP/internal/metrics"
	"github.com/denabel/GeoCliP/internal/pipeline"
	"github.com/denabel/GeoCliP/internal/store"
)

type CLI struct {
	config.Config `embed:""`

	Fetch     FetchCmd     `cmd:"" help:"Download station archives and write per-station hourly files."`
	Daymean   DaymeanCmd   `cmd:"" help:"Reduce hourly files to daily means."`
	Impute    ImputeCmd    `cmd:"" help:"Expand the daily table and fill gaps."`
	Aggregate AggregateCmd `cmd:"" help:"Project station means onto district boundaries."`
	Validate  ValidateCmd  `cmd:"" help:"Compare district values with a reference table."`
	Run       RunCmd       `cmd:"" default:"withargs" help:"Run every stage."`
	Runs      RunsCmd      `cmd:"" help:"List recent runs."`
}

// env is shared by every command.
type env struct {
	ctx      context.Context
	pipeline *pipeline.Pipeline
	store    *store.Store
}

type FetchCmd struct{}

func (FetchCmd) Run(e *env) error {
	_, err := e.pipeline.Fetch(e.ctx)
	return err
}

type DaymeanCmd struct{}

func (DaymeanCmd) Run(e *env) error {
	_, err := e.pipeline.Daymean(e.ctx)
	return err
}

type ImputeCmd struct{}

func (ImputeCmd) Run(e *env) error {
	_, err := e.pipeline.Impute(e.ctx)
	return err
}

type AggregateCmd struct{}

func (AggregateCmd) Run(e *env) error {
	_, err := e.pipeline.Aggregate(e.ctx)
	return err
}

type ValidateCmd struct{}

func (ValidateCmd) Run(e *env) error {
	_, err := e.pipeline.Validate(e.ctx)
	return err
}

type RunCmd struct {
	SkipFetch bool `name:"skip-fetch" help:"Use the station files already on disk."`
}

func (c RunCmd) Run(e *env) error {
	_, err := e.pipeline.RunAll(e.ctx, !c.SkipFetch)
	return err
}

type RunsCmd struct {
	Limit int `default:"10" help:"Number of runs to list."`
}

func (c RunsCmd) Run(e *env) error {
	runs, err := e.store.RecentRuns(e.ctx, c.Limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		status := "failed"
		if r.Success {
			status = "ok"
		} else if !r.FinishedAt.Valid {
			status = "running"
		}
		fmt.Printf("%s  %-9s  %-7s  %s  %s\n", r.ID, r.Command, status, r.StartedAt.Format("2006-01-02 15:04:05"), r.ErrorMessage.String)
	}
	return nil
}

func main() {
	// Existing environment variables take precedence over .env.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("geoclip"),
		kong.Description("Aggregate DWD station temperatures onto German municipalities."),
		kong.UsageOnError(),
	)

	cfg := cli.Config
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration", "error", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, kctx, cfg, logger); err != nil {
		logger.Error("geoclip failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, kctx *kong.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.New(db, clockwork.NewRealClock(), logger)
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	m := metrics.New(prometheus.NewRegistry())
	e := &env{
		ctx:      ctx,
		pipeline: pipeline.New(cfg, st, logger, m),
		store:    st,
	}
	return kctx.Run(e)
}
