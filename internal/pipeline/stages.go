package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/denabel/GeoCliP/internal/aggregate"
	"github.com/denabel/GeoCliP/internal/boundary"
	"github.com/denabel/GeoCliP/internal/config"
	"github.com/denabel/GeoCliP/internal/geodist"
	"github.com/denabel/GeoCliP/internal/impute"
	"github.com/denabel/GeoCliP/internal/ingest"
	"github.com/denabel/GeoCliP/internal/table"
	"github.com/denabel/GeoCliP/internal/validate"
)

var dailyFormat = table.Format{Layout: table.DayLayout}

// readDaily reads a daily table and records its malformed rows.
func (p *Pipeline) readDaily(ctx context.Context, r *run, stageName, path string) (*table.Table, error) {
	if err := config.RequireFiles(path); err != nil {
		return nil, err
	}
	t, rowErrs, err := table.ReadFile(path, dailyFormat)
	if err != nil {
		return nil, err
	}
	if rej := table.Rejections(stageName, rowErrs); len(rej) > 0 {
		p.logger.Warn("rows rejected", "run_id", r.id, "stage", stageName, "path", path, "count", len(rej))
		if err := r.recorder.RecordRejections(ctx, rej); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (p *Pipeline) fetchStage() stage {
	return stage{name: "fetch", fn: func(ctx context.Context, r *run) (string, error) {
		source, err := ingest.NewSource(p.cfg.SourceURL, p.client, ingest.RetryPolicy{})
		if err != nil {
			return "", err
		}
		fetcher := ingest.NewFetcher(source, p.cfg.FetchOptions(), r.recorder, p.logger, p.metrics)
		sum, err := fetcher.Run(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d of %d archives fetched, %d failed, %s",
			sum.Fetched, sum.Selected, sum.Failed, humanize.Bytes(sum.Bytes)), nil
	}}
}

func (p *Pipeline) daymeanStage() stage {
	return stage{name: "daymean", fn: func(ctx context.Context, r *run) (string, error) {
		reducer := ingest.NewDailyReducer(p.cfg.DailyOptions(), p.cfg.StationFilter(), p.logger, p.metrics)
		daily, rej, err := reducer.Run(ctx, p.cfg.StationDir)
		if err != nil {
			return "", err
		}
		if err := r.recorder.RecordRejections(ctx, rej); err != nil {
			return "", err
		}
		if err := table.WriteFile(p.cfg.DaymeanPath(), daily, dailyFormat); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d station days, %d rows rejected", daily.Len(), len(rej)), nil
	}}
}

func (p *Pipeline) expandStage() stage {
	return stage{name: "expand", fn: func(ctx context.Context, r *run) (string, error) {
		daily, err := p.readDaily(ctx, r, "expand", p.cfg.DaymeanPath())
		if err != nil {
			return "", err
		}
		expanded := table.Expand(daily)
		if err := table.WriteFile(p.cfg.ExpandedPath(), expanded, dailyFormat); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d stations x %d dates", len(expanded.Stations()), len(expanded.Times())), nil
	}}
}

func (p *Pipeline) imputeStage() stage {
	return stage{name: "impute", fn: func(ctx context.Context, r *run) (string, error) {
		expanded, err := p.readDaily(ctx, r, "impute", p.cfg.ExpandedPath())
		if err != nil {
			return "", err
		}
		im := impute.New(p.cfg.ImputeOptions(), p.logger, p.metrics)
		vars := p.cfg.Vars()
		merged, parts, results, err := im.ImputeAll(ctx, expanded, vars)
		if err != nil {
			return "", err
		}
		residual := 0
		for i, v := range vars {
			if err := table.WriteFile(p.cfg.ImputedVariablePath(v), parts[i], dailyFormat); err != nil {
				return "", err
			}
			residual += results[i].ResidualNulls
		}
		if err := table.WriteFile(p.cfg.ImputedPath(), merged, dailyFormat); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d rows, %d residual nulls", merged.Len(), residual), nil
	}}
}

func (p *Pipeline) aggregateStage() stage {
	return stage{name: "aggregate", fn: func(ctx context.Context, r *run) (string, error) {
		input := p.cfg.ExpandedPath()
		if p.cfg.Enabled {
			input = p.cfg.ImputedPath()
		}
		stationsPath := filepath.Join(p.cfg.StationDir, ingest.StationsFile)
		if err := config.RequireFiles(input, stationsPath, p.cfg.BoundaryPath); err != nil {
			return "", err
		}

		districts, err := boundary.Load(p.cfg.BoundaryPath, p.cfg.BoundaryOptions(), p.logger)
		if err != nil {
			return "", err
		}
		stations, err := ingest.ReadStations(stationsPath)
		if err != nil {
			return "", err
		}
		daily, err := p.readDaily(ctx, r, "aggregate", input)
		if err != nil {
			return "", err
		}

		provider := geodist.NewProvider(geodist.NewCache(p.cfg.CacheDir), r.recorder, p.cfg.Workers, p.cfg.Recompute, p.logger, p.metrics)
		agg, err := aggregate.New(p.cfg.AggregateOptions(), provider, p.logger, p.metrics)
		if err != nil {
			return "", err
		}
		res, err := agg.Aggregate(ctx, districts, stations, daily, p.cfg.Vars())
		if err != nil {
			return "", err
		}

		if err := aggregate.WriteFile(p.cfg.DistrictValuesPath(), res); err != nil {
			return "", err
		}
		if err := p.store.SaveDistrictValues(ctx, r.id, p.cfg.CutoffKm, p.cfg.Weighting, res.Values); err != nil {
			return "", fmt.Errorf("save district values: %w", err)
		}
		return fmt.Sprintf("%d districts from %d stations, %d without stations in range",
			len(res.Districts), len(res.Stations), res.Missing(0)), nil
	}}
}

func (p *Pipeline) validateStage() stage {
	return stage{name: "validate", fn: func(ctx context.Context, r *run) (string, error) {
		valuesPath := p.cfg.DistrictValuesPath()
		if err := config.RequireFiles(valuesPath, p.cfg.ReferencePath); err != nil {
			return "", err
		}
		rep, err := validate.Run(valuesPath, p.cfg.ReferencePath, p.cfg.OutputDir, p.cfg.ValidateOptions(), p.logger)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d districts, mean difference %.3f, MAE %.3f", rep.Count, rep.Mean, rep.MAE), nil
	}}
}
