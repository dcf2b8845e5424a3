// Package pipeline runs the processing stages as audited runs against the
// run store.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/denabel/GeoCliP/internal/config"
	"github.com/denabel/GeoCliP/internal/httputil"
	"github.com/denabel/GeoCliP/internal/metrics"
	"github.com/denabel/GeoCliP/internal/store"
)

type Pipeline struct {
	cfg     config.Config
	store   *store.Store
	clock   clockwork.Clock
	client  *http.Client
	newID   func() string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Pipeline)

func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) { p.client = c }
}

// WithRunIDs replaces the random run id generator.
func WithRunIDs(next func() string) Option {
	return func(p *Pipeline) { p.newID = next }
}

func New(cfg config.Config, st *store.Store, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		store:   st,
		clock:   clockwork.NewRealClock(),
		client:  httputil.NewClient(cfg.HTTPTimeout),
		newID:   uuid.NewString,
		logger:  logger,
		metrics: m,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// run carries the per-run state shared by the stages.
type run struct {
	id       string
	recorder *store.RunRecorder
}

type stage struct {
	name string
	fn   func(ctx context.Context, r *run) (detail string, err error)
}

// execute runs the stages in order under one run id and stops at the first
// failure. Stage and run outcomes are recorded even when ctx is cancelled.
func (p *Pipeline) execute(ctx context.Context, command string, stages ...stage) (string, error) {
	id := p.newID()
	logger := p.logger.With("run_id", id)

	audit, err := p.store.StartRun(ctx, id, command, p.cfg.Snapshot())
	if err != nil {
		return id, err
	}
	logger.Info("run started", "command", command, "stages", len(stages))

	r := &run{id: id, recorder: p.store.ForRun(id)}
	bg := context.WithoutCancel(ctx)
	var runErr error
	for _, s := range stages {
		started := p.clock.Now()
		detail, err := s.fn(ctx, r)
		elapsed := p.clock.Since(started)

		p.metrics.StageDuration.WithLabelValues(s.name).Observe(elapsed.Seconds())
		status := 1.0
		if err != nil {
			status = 0
		}
		p.metrics.LastRunStatus.WithLabelValues(s.name).Set(status)

		if ferr := p.store.FinishStage(bg, id, s.name, started, err, detail); ferr != nil {
			logger.Warn("failed to record stage", "stage", s.name, "error", ferr)
		}
		if err != nil {
			logger.Error("stage failed", "stage", s.name, "duration", elapsed, "error", err)
			runErr = fmt.Errorf("%s: %w", s.name, err)
			break
		}
		logger.Info("stage complete", "stage", s.name, "duration", elapsed, "detail", detail)
	}

	if err := p.store.CompleteRun(bg, audit, runErr); err != nil {
		logger.Warn("failed to complete run", "error", err)
	}
	if p.cfg.MetricsFile != "" {
		if err := p.metrics.WriteTextfile(p.cfg.MetricsFile); err != nil {
			logger.Warn("failed to write metrics", "error", err)
		}
	}
	if runErr == nil {
		logger.Info("run complete", "command", command)
	}
	return id, runErr
}

// Fetch downloads the station archives.
func (p *Pipeline) Fetch(ctx context.Context) (string, error) {
	return p.execute(ctx, "fetch", p.fetchStage())
}

// Daymean reduces the per-station hourly files to daily means.
func (p *Pipeline) Daymean(ctx context.Context) (string, error) {
	return p.execute(ctx, "daymean", p.daymeanStage())
}

// Impute expands the daily table and fills its gaps.
func (p *Pipeline) Impute(ctx context.Context) (string, error) {
	return p.execute(ctx, "impute", p.expandStage(), p.imputeStage())
}

// Aggregate projects station means onto the districts.
func (p *Pipeline) Aggregate(ctx context.Context) (string, error) {
	if err := config.RequireFiles(p.cfg.BoundaryPath); err != nil {
		return "", err
	}
	return p.execute(ctx, "aggregate", p.aggregateStage())
}

// Validate compares the district values with the reference table.
func (p *Pipeline) Validate(ctx context.Context) (string, error) {
	if err := config.RequireFiles(p.cfg.ReferencePath); err != nil {
		return "", err
	}
	return p.execute(ctx, "validate", p.validateStage())
}

// RunAll runs every stage. The fetch is skipped when fetch is false; the
// imputation when it is disabled in the configuration; the validation when
// no reference is configured.
func (p *Pipeline) RunAll(ctx context.Context, fetch bool) (string, error) {
	required := []string{p.cfg.BoundaryPath}
	if p.cfg.ReferencePath != "" {
		required = append(required, p.cfg.ReferencePath)
	}
	if err := config.RequireFiles(required...); err != nil {
		return "", err
	}

	var stages []stage
	if fetch {
		stages = append(stages, p.fetchStage())
	}
	stages = append(stages, p.daymeanStage(), p.expandStage())
	if p.cfg.Enabled {
		stages = append(stages, p.imputeStage())
	}
	stages = append(stages, p.aggregateStage())
	if p.cfg.ReferencePath != "" {
		stages = append(stages, p.validateStage())
	}
	return p.execute(ctx, "run", stages...)
}
