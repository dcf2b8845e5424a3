package impute

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// lassoModel is a fitted linear model y = intercept + coef . x.
type lassoModel struct {
	coef      []float64
	intercept float64
	alpha     float64
}

func (m lassoModel) predict(x []float64) float64 {
	return m.intercept + floats.Dot(m.coef, x)
}

// design is a column-major, mean-centered copy of a row subset of the
// predictors and the target.
type design struct {
	cols  [][]float64
	means []float64
	y     []float64
	yMean float64
	n     int
}

func newDesign(cols [][]float64, y []float64, rows []int) design {
	d := design{
		cols:  make([][]float64, len(cols)),
		means: make([]float64, len(cols)),
		y:     make([]float64, len(rows)),
		n:     len(rows),
	}
	for i, r := range rows {
		d.y[i] = y[r]
	}
	d.yMean = floats.Sum(d.y) / float64(d.n)
	floats.AddConst(-d.yMean, d.y)
	for j, c := range cols {
		col := make([]float64, len(rows))
		for i, r := range rows {
			col[i] = c[r]
		}
		d.means[j] = floats.Sum(col) / float64(d.n)
		floats.AddConst(-d.means[j], col)
		d.cols[j] = col
	}
	return d
}

func (d design) model(coef []float64, alpha float64) lassoModel {
	return lassoModel{
		coef:      append([]float64(nil), coef...),
		intercept: d.yMean - floats.Dot(d.means, coef),
		alpha:     alpha,
	}
}

// alphaResolution is the smallest alpha_max treated as non-zero.
const alphaResolution = 1e-15

// alphaGrid returns n alphas log-spaced from alpha_max down to eps*alpha_max,
// where alpha_max is the smallest penalty that zeroes every coefficient.
func alphaGrid(d design, eps float64, n int) []float64 {
	alphaMax := 0.0
	for _, c := range d.cols {
		alphaMax = math.Max(alphaMax, math.Abs(floats.Dot(c, d.y)))
	}
	alphaMax /= float64(d.n)

	alphas := make([]float64, n)
	if alphaMax <= alphaResolution {
		for i := range alphas {
			alphas[i] = alphaResolution
		}
		return alphas
	}
	if n == 1 {
		alphas[0] = alphaMax
		return alphas
	}
	floats.LogSpan(alphas, alphaMax*eps, alphaMax)
	floats.Reverse(alphas)
	return alphas
}

func softThreshold(x, t float64) float64 {
	switch {
	case x > t:
		return x - t
	case x < -t:
		return x + t
	default:
		return 0
	}
}

// coordinateDescent minimizes (1/2n)||y - Xw||^2 + alpha*||w||_1 over the
// centered design, updating coef in place. It stops when the duality gap
// falls below tol*||y||^2 and returns the number of sweeps.
func coordinateDescent(d design, alpha float64, coef []float64, tol float64, maxIter int) int {
	yy := floats.Dot(d.y, d.y)
	if yy == 0 {
		for j := range coef {
			coef[j] = 0
		}
		return 0
	}
	l1 := alpha * float64(d.n)
	gapTol := tol * yy

	norms := make([]float64, len(d.cols))
	for j, c := range d.cols {
		norms[j] = floats.Dot(c, c)
	}
	resid := append([]float64(nil), d.y...)
	for j, c := range d.cols {
		if coef[j] != 0 {
			floats.AddScaled(resid, -coef[j], c)
		}
	}

	for iter := 0; iter < maxIter; iter++ {
		wMax, dwMax := 0.0, 0.0
		for j, c := range d.cols {
			if norms[j] == 0 {
				continue
			}
			old := coef[j]
			if old != 0 {
				floats.AddScaled(resid, old, c)
			}
			coef[j] = softThreshold(floats.Dot(c, resid), l1) / norms[j]
			if coef[j] != 0 {
				floats.AddScaled(resid, -coef[j], c)
			}
			dwMax = math.Max(dwMax, math.Abs(coef[j]-old))
			wMax = math.Max(wMax, math.Abs(coef[j]))
		}
		if wMax == 0 || dwMax/wMax < tol || iter == maxIter-1 {
			if dualityGap(d, coef, resid, l1) < gapTol {
				return iter + 1
			}
		}
	}
	return maxIter
}

func dualityGap(d design, coef, resid []float64, l1 float64) float64 {
	dualNorm := 0.0
	for _, c := range d.cols {
		dualNorm = math.Max(dualNorm, math.Abs(floats.Dot(c, resid)))
	}
	rNorm2 := floats.Dot(resid, resid)
	scale := 1.0
	gap := rNorm2
	if dualNorm > l1 {
		scale = l1 / dualNorm
		gap = 0.5 * (rNorm2 + rNorm2*scale*scale)
	}
	return gap + l1*floats.Norm(coef, 1) - scale*floats.Dot(resid, d.y)
}

type cvOptions struct {
	folds     int
	numAlphas int
	eps       float64
	tol       float64
	maxIter   int
	workers   int
}

// fitLassoCV selects alpha by k-fold cross-validation over contiguous folds
// and refits on all rows. cols holds one slice per predictor.
func fitLassoCV(ctx context.Context, cols [][]float64, y []float64, o cvOptions) (lassoModel, error) {
	n := len(y)
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	full := newDesign(cols, y, all)
	if n < 2 || len(cols) == 0 {
		return full.model(make([]float64, len(cols)), 0), nil
	}

	alphas := alphaGrid(full, o.eps, o.numAlphas)
	k := min(max(o.folds, 2), n)
	mse := make([][]float64, k)

	g, ctx := errgroup.WithContext(ctx)
	if o.workers > 0 {
		g.SetLimit(o.workers)
	}
	for f := range k {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			lo, hi := foldBounds(n, k, f)
			train := make([]int, 0, n-(hi-lo))
			for i := range n {
				if i < lo || i >= hi {
					train = append(train, i)
				}
			}
			d := newDesign(cols, y, train)
			coef := make([]float64, len(cols))
			x := make([]float64, len(cols))
			mse[f] = make([]float64, len(alphas))
			for a, alpha := range alphas {
				coordinateDescent(d, alpha, coef, o.tol, o.maxIter)
				m := d.model(coef, alpha)
				sum := 0.0
				for i := lo; i < hi; i++ {
					for j, c := range cols {
						x[j] = c[i]
					}
					r := y[i] - m.predict(x)
					sum += r * r
				}
				mse[f][a] = sum / float64(hi-lo)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return lassoModel{}, err
	}

	best, bestMSE := 0, math.Inf(1)
	for a := range alphas {
		m := 0.0
		for f := range k {
			m += mse[f][a]
		}
		m /= float64(k)
		if m < bestMSE {
			best, bestMSE = a, m
		}
	}

	coef := make([]float64, len(cols))
	coordinateDescent(full, alphas[best], coef, o.tol, o.maxIter)
	return full.model(coef, alphas[best]), nil
}

// foldBounds returns the half-open row range of fold f when n rows are split
// into k contiguous folds, the first n%k folds one row larger.
func foldBounds(n, k, f int) (lo, hi int) {
	size, extra := n/k, n%k
	lo = f*size + min(f, extra)
	hi = lo + size
	if f < extra {
		hi++
	}
	return lo, hi
}
