package aggregate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Weighting selects how surviving distances become weights.
type Weighting string

const (
	// WeightDistance normalizes each row by the sum of the raw distances,
	// so farther stations weigh more. This reproduces the reference output.
	WeightDistance Weighting = "distance"
	// WeightInverse uses 1/d^power, normalized per row.
	WeightInverse Weighting = "inverse"
)

// Options controls the weighting.
type Options struct {
	CutoffKm  float64
	Weighting Weighting
	Power     float64
}

func DefaultOptions() Options {
	return Options{CutoffKm: 100, Weighting: WeightDistance, Power: 1}
}

func (o Options) validate() error {
	if o.CutoffKm <= 0 {
		return fmt.Errorf("cutoff must be positive, got %g km", o.CutoffKm)
	}
	switch o.Weighting {
	case WeightDistance:
	case WeightInverse:
		if o.Power <= 0 {
			return fmt.Errorf("inverse weighting power must be positive, got %g", o.Power)
		}
	default:
		return fmt.Errorf("unknown weighting %q", o.Weighting)
	}
	return nil
}

// Weights is a row-normalized district x station weight matrix. Rows of
// uncovered districts are all zero.
type Weights struct {
	Data    *mat.Dense
	Covered []bool
	InRange []int
}

// WeightMatrix applies the cutoff and normalization to a distance matrix.
// Columns with usable[j] false are treated as out of range; a nil usable
// keeps every column. dist is not modified.
func WeightMatrix(dist mat.Matrix, usable []bool, o Options) Weights {
	rows, cols := dist.Dims()
	w := Weights{
		Data:    mat.NewDense(rows, cols, nil),
		Covered: make([]bool, rows),
		InRange: make([]int, rows),
	}
	for i := range rows {
		row := w.Data.RawRowView(i)
		zeroAt := -1
		zeros := 0
		for j := range cols {
			if usable != nil && !usable[j] {
				continue
			}
			d := dist.At(i, j)
			if math.IsNaN(d) || d > o.CutoffKm {
				continue
			}
			w.InRange[i]++
			switch o.Weighting {
			case WeightInverse:
				if d == 0 {
					zeroAt = j
					zeros++
					continue
				}
				row[j] = math.Pow(d, -o.Power)
			default:
				row[j] = d
			}
		}

		// A station on the centroid takes the full weight under inverse
		// weighting, shared equally when there are several.
		if zeroAt >= 0 {
			for j := range row {
				row[j] = 0
			}
			for j := range cols {
				if (usable == nil || usable[j]) && dist.At(i, j) == 0 {
					row[j] = 1 / float64(zeros)
				}
			}
		}

		sum := 0.0
		for _, x := range row {
			sum += x
		}
		if sum == 0 {
			for j := range row {
				row[j] = 0
			}
			continue
		}
		for j := range row {
			row[j] /= sum
		}
		w.Covered[i] = true
	}
	return w
}
