// Package aggregate projects per-station means onto districts using a
// cutoff and distance-based weights.
package aggregate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/denabel/GeoCliP/internal/geodist"
	"github.com/denabel/GeoCliP/internal/metrics"
	"github.com/denabel/GeoCliP/internal/models"
	"github.com/denabel/GeoCliP/internal/table"
)

// ErrNoStationsInRange marks a district without any usable station inside
// the cutoff radius.
var ErrNoStationsInRange = errors.New("no stations within range")

// StationMeans holds the mean of each station's non-null values per
// variable. Values is stations x variables; NaN where a station has no
// value for a variable.
type StationMeans struct {
	Stations  []string
	Variables []models.Variable
	Values    *mat.Dense
}

// ComputeStationMeans reduces a daily table to one mean per station and
// variable.
func ComputeStationMeans(t *table.Table, vars []models.Variable) (StationMeans, error) {
	cols := make([]int, len(vars))
	for k, v := range vars {
		cols[k] = t.Column(v)
		if cols[k] < 0 {
			return StationMeans{}, fmt.Errorf("station means: variable %s not in table", v)
		}
	}
	stations := t.Stations()
	if len(stations) == 0 || len(vars) == 0 {
		return StationMeans{}, fmt.Errorf("station means: %d stations, %d variables", len(stations), len(vars))
	}
	index := make(map[string]int, len(stations))
	for i, s := range stations {
		index[s] = i
	}

	sums := mat.NewDense(len(stations), len(vars), nil)
	counts := make([]int, len(stations)*len(vars))
	for _, r := range t.Rows() {
		i := index[r.StationID]
		for k, c := range cols {
			if r.Values[c].Valid {
				sums.Set(i, k, sums.At(i, k)+r.Values[c].Float64)
				counts[i*len(vars)+k]++
			}
		}
	}
	for i := range stations {
		for k := range vars {
			n := counts[i*len(vars)+k]
			if n == 0 {
				sums.Set(i, k, math.NaN())
				continue
			}
			sums.Set(i, k, sums.At(i, k)/float64(n))
		}
	}
	return StationMeans{Stations: stations, Variables: slices.Clone(vars), Values: sums}, nil
}

// Result is the aggregated value of every district and variable.
type Result struct {
	Districts []string
	Variables []models.Variable
	Stations  []string
	// Values is indexed by district*len(Variables) + variable.
	Values []models.DistrictValue
}

func (r *Result) Value(district, variable int) models.DistrictValue {
	return r.Values[district*len(r.Variables)+variable]
}

// Lookup returns the value of a district. A district without stations in
// range yields ErrNoStationsInRange.
func (r *Result) Lookup(districtID string, v models.Variable) (float64, error) {
	k := slices.Index(r.Variables, v)
	if k < 0 {
		return 0, fmt.Errorf("variable %s not aggregated", v)
	}
	i := slices.Index(r.Districts, districtID)
	if i < 0 {
		return 0, fmt.Errorf("unknown district %s", districtID)
	}
	dv := r.Value(i, k)
	if !dv.Value.Valid {
		return 0, fmt.Errorf("district %s: %w", districtID, ErrNoStationsInRange)
	}
	return dv.Value.Float64, nil
}

// Missing returns the number of districts without a value for variable k.
func (r *Result) Missing(k int) int {
	n := 0
	for i := range r.Districts {
		if !r.Value(i, k).Value.Valid {
			n++
		}
	}
	return n
}

// DistanceProvider returns a district x station distance matrix in km.
type DistanceProvider interface {
	Matrix(ctx context.Context, districts, stations []geodist.Point) (*geodist.Matrix, error)
}

type Aggregator struct {
	opts     Options
	provider DistanceProvider
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func New(opts Options, provider DistanceProvider, logger *slog.Logger, m *metrics.Metrics) (*Aggregator, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("aggregate options: %w", err)
	}
	return &Aggregator{opts: opts, provider: provider, logger: logger.With("component", "aggregate"), metrics: m}, nil
}

// Aggregate computes one value per district and variable from the daily
// station table. Stations without metadata or without any value are
// excluded before distances are computed.
func (a *Aggregator) Aggregate(ctx context.Context, districts []models.District, stations []models.Station, daily *table.Table, vars []models.Variable) (*Result, error) {
	if len(districts) == 0 {
		return nil, fmt.Errorf("aggregate: no districts")
	}
	means, err := ComputeStationMeans(daily, vars)
	if err != nil {
		return nil, err
	}

	meta := make(map[string]models.Station, len(stations))
	for _, s := range stations {
		meta[s.StationID] = s
	}
	var (
		points   []geodist.Point
		rows     []int
		excluded []string
	)
	for i, id := range means.Stations {
		s, ok := meta[id]
		if !ok {
			a.logger.Warn("station without metadata excluded", "station", id)
			excluded = append(excluded, id)
			continue
		}
		if allNaN(means.Values.RawRowView(i)) {
			a.logger.Warn("station without values excluded", "station", id)
			excluded = append(excluded, id)
			continue
		}
		points = append(points, geodist.Point{ID: id, Lon: s.Longitude, Lat: s.Latitude})
		rows = append(rows, i)
	}
	a.metrics.StationsExcluded.Set(float64(len(excluded)))
	if len(points) == 0 {
		return nil, fmt.Errorf("aggregate: no station has both metadata and values")
	}

	dpts := make([]geodist.Point, len(districts))
	for i, d := range districts {
		dpts[i] = geodist.Point{ID: d.ID, Lon: d.Longitude, Lat: d.Latitude}
	}
	dist, err := a.provider.Matrix(ctx, dpts, points)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Districts: dist.Districts,
		Variables: means.Variables,
		Stations:  dist.Stations,
		Values:    make([]models.DistrictValue, len(districts)*len(vars)),
	}
	for k, v := range vars {
		values := make([]float64, len(points))
		usable := make([]bool, len(points))
		for j, r := range rows {
			x := means.Values.At(r, k)
			if !math.IsNaN(x) {
				values[j], usable[j] = x, true
			}
		}
		w := WeightMatrix(dist.Data, usable, a.opts)
		var out mat.VecDense
		out.MulVec(w.Data, mat.NewVecDense(len(values), values))

		for i, id := range res.Districts {
			dv := models.DistrictValue{DistrictID: id, Variable: v, Stations: w.InRange[i]}
			if w.Covered[i] {
				dv.Value = sql.NullFloat64{Float64: out.AtVec(i), Valid: true}
				dv.Status = models.DistrictOK
			} else {
				dv.Status = models.DistrictNoStations
			}
			res.Values[i*len(vars)+k] = dv
		}

		missing := res.Missing(k)
		a.metrics.DistrictsUncovered.WithLabelValues(v.String()).Set(float64(missing))
		if missing > 0 {
			a.logger.Warn("districts without stations in range",
				"variable", v,
				"count", missing,
				"cutoff_km", a.opts.CutoffKm,
				"error", ErrNoStationsInRange)
		}
	}

	a.logger.Info("aggregated stations onto districts",
		"districts", len(districts),
		"stations", len(points),
		"excluded", len(excluded),
		"weighting", a.opts.Weighting,
		"cutoff_km", a.opts.CutoffKm)
	return res, nil
}

func allNaN(xs []float64) bool {
	for _, x := range xs {
		if !math.IsNaN(x) {
			return false
		}
	}
	return true
}
