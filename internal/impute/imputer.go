// Package impute fills gaps in a station x date matrix with a round-robin
// imputer: every station is regressed on all other stations with a
// cross-validated Lasso, trained on a seeded subsample of dates and then
// applied to each date independently.
package impute

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/denabel/GeoCliP/internal/metrics"
	"github.com/denabel/GeoCliP/internal/models"
	"github.com/denabel/GeoCliP/internal/table"
)

var ErrEmptySample = errors.New("training sample is empty")

type Options struct {
	SampleFraction float64
	Seed           uint64
	CVFolds        int
	NumAlphas      int
	AlphaEps       float64
	LassoTol       float64
	LassoMaxIter   int
	MaxIter        int
	Tol            float64
	Workers        int
}

func DefaultOptions() Options {
	return Options{
		SampleFraction: 0.1,
		Seed:           0,
		CVFolds:        10,
		NumAlphas:      100,
		AlphaEps:       1e-3,
		LassoTol:       1e-2,
		LassoMaxIter:   1000,
		MaxIter:        100,
		Tol:            1e-3,
		Workers:        4,
	}
}

func (o Options) cv() cvOptions {
	return cvOptions{
		folds:     o.CVFolds,
		numAlphas: o.NumAlphas,
		eps:       o.AlphaEps,
		tol:       o.LassoTol,
		maxIter:   o.LassoMaxIter,
		workers:   o.Workers,
	}
}

// SampleRows draws floor(fraction*n) distinct row indices without
// replacement. The order of the draw is kept; it defines the CV folds.
func SampleRows(n int, fraction float64, seed uint64) []int {
	k := int(float64(n) * fraction)
	k = max(0, min(k, n))
	r := rand.New(rand.NewPCG(seed, seed))
	return r.Perm(n)[:k]
}

type stationModel struct {
	target     int
	predictors []int
	model      lassoModel
}

// Model is a fitted imputer. It is immutable after Fit and safe for
// concurrent use by Transform.
type Model struct {
	stations []string
	means    []float64 // NaN for stations without training data
	rounds   [][]stationModel // one fitted sequence per round, in fit order
	tol      float64
}

// Rounds is the number of round-robin passes run during fitting.
func (m *Model) Rounds() int { return len(m.rounds) }

// Unmodelled lists stations that had no observation in the training sample.
func (m *Model) Unmodelled() []string {
	var out []string
	for j, mu := range m.means {
		if math.IsNaN(mu) {
			out = append(out, m.stations[j])
		}
	}
	return out
}

// Fit trains the imputer on a seeded sample of the rows of w.
func Fit(ctx context.Context, w *Wide, opts Options, logger *slog.Logger) (*Model, error) {
	nRows, nCols := w.Data.Dims()
	sample := SampleRows(nRows, opts.SampleFraction, opts.Seed)
	if len(sample) == 0 {
		return nil, fmt.Errorf("%w: %d rows at fraction %g", ErrEmptySample, nRows, opts.SampleFraction)
	}

	// Training matrix, column-major, rows in draw order.
	train := make([][]float64, nCols)
	missing := make([][]bool, nCols)
	missCount := make([]int, nCols)
	means := make([]float64, nCols)
	maxAbs := 0.0
	for j := range nCols {
		train[j] = make([]float64, len(sample))
		missing[j] = make([]bool, len(sample))
		sum, n := 0.0, 0
		for i, r := range sample {
			x := w.Data.At(r, j)
			train[j][i] = x
			if math.IsNaN(x) {
				missing[j][i] = true
				missCount[j]++
				continue
			}
			sum += x
			n++
			maxAbs = math.Max(maxAbs, math.Abs(x))
		}
		means[j] = math.NaN()
		if n > 0 {
			means[j] = sum / float64(n)
		}
	}

	var valid []int
	for j := range nCols {
		if math.IsNaN(means[j]) {
			continue
		}
		valid = append(valid, j)
		for i := range train[j] {
			if missing[j][i] {
				train[j][i] = means[j]
			}
		}
	}
	order := slices.Clone(valid)
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(missCount[a], missCount[b]) })

	m := &Model{
		stations: w.Stations,
		means:    means,
		tol:      opts.Tol * maxAbs,
	}
	if len(valid) == 0 || opts.MaxIter == 0 {
		return m, nil
	}

	prev := make([][]float64, nCols)
	for _, j := range valid {
		prev[j] = make([]float64, len(sample))
	}
	for round := 1; round <= opts.MaxIter; round++ {
		for _, j := range valid {
			copy(prev[j], train[j])
		}
		seq := make([]stationModel, len(order))
		for k, target := range order {
			sm, err := fitStation(ctx, train, missing[target], target, valid, opts)
			if err != nil {
				return nil, err
			}
			seq[k] = sm
		}
		m.rounds = append(m.rounds, seq)

		change := rowSumInfNorm(train, prev, valid, len(sample))
		logger.Debug("imputation round", "round", round, "change", change, "tolerance", m.tol)
		if change < m.tol {
			break
		}
	}
	return m, nil
}

// fitStation regresses target on every other valid station using the rows
// where target is observed, then overwrites the target's missing training
// cells with the predictions.
func fitStation(ctx context.Context, train [][]float64, missing []bool, target int, valid []int, opts Options) (stationModel, error) {
	sm := stationModel{target: target}
	for _, j := range valid {
		if j != target {
			sm.predictors = append(sm.predictors, j)
		}
	}

	var observed []int
	for i, miss := range missing {
		if !miss {
			observed = append(observed, i)
		}
	}
	cols := make([][]float64, len(sm.predictors))
	for p, j := range sm.predictors {
		cols[p] = make([]float64, len(observed))
		for i, r := range observed {
			cols[p][i] = train[j][r]
		}
	}
	y := make([]float64, len(observed))
	for i, r := range observed {
		y[i] = train[target][r]
	}

	model, err := fitLassoCV(ctx, cols, y, opts.cv())
	if err != nil {
		return sm, err
	}
	sm.model = model

	x := make([]float64, len(sm.predictors))
	for i, miss := range missing {
		if !miss {
			continue
		}
		for p, j := range sm.predictors {
			x[p] = train[j][i]
		}
		train[target][i] = model.predict(x)
	}
	return sm, nil
}

// rowSumInfNorm is the matrix infinity norm (largest absolute row sum) of
// cur - prev over the valid columns.
func rowSumInfNorm(cur, prev [][]float64, valid []int, rows int) float64 {
	norm := 0.0
	for i := range rows {
		s := 0.0
		for _, j := range valid {
			s += math.Abs(cur[j][i] - prev[j][i])
		}
		norm = math.Max(norm, s)
	}
	return norm
}

// Transform returns a copy of row with missing cells filled. Observed cells
// are never changed. Each round's models are applied in the order they were
// fitted. When no station is observed in the row, or a station has no model,
// its cells stay NaN.
func (m *Model) Transform(row []float64) []float64 {
	out := slices.Clone(row)
	if len(m.rounds) == 0 {
		return out
	}

	filled := make([]float64, len(row))
	needs := make([]bool, len(row))
	observed, need := 0, 0
	for j, x := range row {
		switch {
		case math.IsNaN(m.means[j]):
			filled[j] = math.NaN()
		case math.IsNaN(x):
			filled[j] = m.means[j]
			needs[j] = true
			need++
		default:
			filled[j] = x
			observed++
		}
	}
	if need == 0 || observed == 0 {
		return out
	}

	x := make([]float64, len(row))
	for _, seq := range m.rounds {
		for _, sm := range seq {
			if !needs[sm.target] {
				continue
			}
			x = x[:len(sm.predictors)]
			for p, j := range sm.predictors {
				x[p] = filled[j]
			}
			filled[sm.target] = sm.model.predict(x)
		}
	}
	for j := range out {
		if needs[j] {
			out[j] = filled[j]
		}
	}
	return out
}

// Apply runs Transform on every row of w in parallel and returns a new
// matrix. Each worker owns a disjoint range of rows.
func (m *Model) Apply(ctx context.Context, w *Wide, workers int) (*Wide, error) {
	nRows, nCols := w.Data.Dims()
	out := mat.NewDense(nRows, nCols, nil)

	workers = max(1, workers)
	chunk := (nRows + workers - 1) / workers
	g, ctx := errgroup.WithContext(ctx)
	for lo := 0; lo < nRows; lo += chunk {
		hi := min(lo+chunk, nRows)
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if i%256 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				out.SetRow(i, m.Transform(w.Data.RawRowView(i)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Wide{Times: w.Times, Stations: w.Stations, Data: out}, nil
}

// Result summarizes the imputation of one variable.
type Result struct {
	Variable      models.Variable
	Rounds        int
	NullsBefore   int
	Filled        int
	ResidualNulls int
	Unmodelled    []string
}

// Imputer fills one variable of a station table at a time.
type Imputer struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(opts Options, logger *slog.Logger, m *metrics.Metrics) *Imputer {
	return &Imputer{opts: opts, logger: logger.With("component", "impute"), metrics: m}
}

// Impute returns a table holding only variable v with its gaps filled. The
// input is not modified.
func (im *Imputer) Impute(ctx context.Context, t *table.Table, v models.Variable) (*table.Table, Result, error) {
	res := Result{Variable: v}
	w, err := Pivot(t, v)
	if err != nil {
		return nil, res, err
	}
	res.NullsBefore = w.NullCount()

	model, err := Fit(ctx, w, im.opts, im.logger.With("variable", v))
	if err != nil {
		return nil, res, fmt.Errorf("fit %s: %w", v, err)
	}
	filled, err := model.Apply(ctx, w, im.opts.Workers)
	if err != nil {
		return nil, res, fmt.Errorf("apply %s: %w", v, err)
	}

	res.Rounds = model.Rounds()
	res.ResidualNulls = filled.NullCount()
	res.Filled = res.NullsBefore - res.ResidualNulls
	res.Unmodelled = model.Unmodelled()

	label := v.String()
	im.metrics.ImputeIterations.WithLabelValues(label).Set(float64(res.Rounds))
	im.metrics.ResidualNulls.WithLabelValues(label).Set(float64(res.ResidualNulls))
	im.metrics.CellsImputed.WithLabelValues(label).Add(float64(res.Filled))

	im.logger.Info("variable imputed",
		"variable", v,
		"stations", len(w.Stations),
		"dates", len(w.Times),
		"rounds", res.Rounds,
		"filled", res.Filled,
		"residual_nulls", res.ResidualNulls)
	if len(res.Unmodelled) > 0 {
		im.logger.Warn("stations without training data left unfilled", "variable", v, "stations", res.Unmodelled)
	}
	if res.ResidualNulls > 0 {
		im.logger.Warn("residual nulls after imputation", "variable", v, "count", res.ResidualNulls)
	}
	return filled.Long(v, t), res, nil
}

// ImputeAll imputes each variable independently and outer-merges the
// results on (station, datetime). The per-variable tables are returned in
// the order of vars.
func (im *Imputer) ImputeAll(ctx context.Context, t *table.Table, vars []models.Variable) (*table.Table, []*table.Table, []Result, error) {
	parts := make([]*table.Table, 0, len(vars))
	results := make([]Result, 0, len(vars))
	for _, v := range vars {
		filled, res, err := im.Impute(ctx, t, v)
		if err != nil {
			return nil, parts, results, err
		}
		parts = append(parts, filled)
		results = append(results, res)
	}
	merged, err := table.MergeOuter(parts...)
	if err != nil {
		return nil, parts, results, err
	}
	return merged, parts, results, nil
}
