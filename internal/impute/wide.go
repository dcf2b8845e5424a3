package impute

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/denabel/GeoCliP/internal/models"
	"github.com/denabel/GeoCliP/internal/table"
)

// Wide is one variable as a datetime x station matrix. Missing cells are NaN.
type Wide struct {
	Times    []time.Time
	Stations []string
	Data     *mat.Dense
}

// Pivot reshapes variable v of t into a wide matrix with rows in ascending
// datetime order and columns in ascending station order.
func Pivot(t *table.Table, v models.Variable) (*Wide, error) {
	col := t.Column(v)
	if col < 0 {
		return nil, fmt.Errorf("pivot: variable %s not in table", v)
	}
	times := t.Times()
	stations := t.Stations()
	if len(times) == 0 || len(stations) == 0 {
		return nil, fmt.Errorf("pivot %s: empty table", v)
	}

	rowOf := make(map[time.Time]int, len(times))
	for i, at := range times {
		rowOf[at] = i
	}
	colOf := make(map[string]int, len(stations))
	for j, s := range stations {
		colOf[s] = j
	}

	data := mat.NewDense(len(times), len(stations), nil)
	raw := data.RawMatrix().Data
	for i := range raw {
		raw[i] = math.NaN()
	}
	for _, r := range t.Rows() {
		if r.Values[col].Valid {
			data.Set(rowOf[r.Time], colOf[r.StationID], r.Values[col].Float64)
		}
	}
	return &Wide{Times: times, Stations: stations, Data: data}, nil
}

// Long converts w back to a (station, datetime) table holding variable v.
// Quality flags are copied from src where it has a row for the same key.
func (w *Wide) Long(v models.Variable, src *table.Table) *table.Table {
	out := table.New(v)
	for j, s := range w.Stations {
		for i, at := range w.Times {
			x := w.Data.At(i, j)
			r := table.Row{StationID: s, Time: at, Values: []sql.NullFloat64{{Float64: x, Valid: !math.IsNaN(x)}}}
			if !r.Values[0].Valid {
				r.Values[0].Float64 = 0
			}
			if src != nil {
				if orig, ok := src.Get(s, at); ok {
					r.Quality = orig.Quality
				}
			}
			// Keys are unique by construction.
			_ = out.Insert(r)
		}
	}
	out.Sort()
	return out
}

// NullCount returns the number of NaN cells.
func (w *Wide) NullCount() int {
	n := 0
	for _, x := range w.Data.RawMatrix().Data {
		if math.IsNaN(x) {
			n++
		}
	}
	return n
}
