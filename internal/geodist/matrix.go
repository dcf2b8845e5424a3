// Package geodist computes ellipsoidal distances between district centroids
// and stations and caches the resulting matrices on disk.
package geodist

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/geodesic"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Point is a named location in degrees.
type Point struct {
	ID  string
	Lon float64
	Lat float64
}

// Matrix holds distances in km, one row per district and one column per
// station, in the order of Districts and Stations.
type Matrix struct {
	Key       string
	Districts []string
	Stations  []string
	Data      *mat.Dense
}

// Distance returns the geodesic distance in km on the WGS84 ellipsoid.
func Distance(a, b Point) float64 {
	var s12 float64
	geodesic.WGS84.Inverse(a.Lat, a.Lon, b.Lat, b.Lon, &s12, nil, nil)
	return s12 / 1000
}

// Key identifies a matrix by the ordered districts and stations it is
// computed for. Any change in ids, coordinates or order changes the key.
func Key(districts, stations []Point) string {
	h := xxhash.New()
	write := func(tag string, pts []Point) {
		_, _ = h.WriteString(tag)
		_, _ = h.WriteString(strconv.Itoa(len(pts)))
		for _, p := range pts {
			_, _ = h.WriteString("\x00")
			_, _ = h.WriteString(p.ID)
			_, _ = h.WriteString("\x00")
			_, _ = h.WriteString(strconv.FormatUint(math.Float64bits(p.Lon), 16))
			_, _ = h.WriteString("\x00")
			_, _ = h.WriteString(strconv.FormatUint(math.Float64bits(p.Lat), 16))
		}
	}
	write("districts:", districts)
	write("\nstations:", stations)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Compute fills the distance matrix using up to workers goroutines. Each
// goroutine writes only the row of its own district.
func Compute(ctx context.Context, districts, stations []Point, workers int) (*Matrix, error) {
	if len(districts) == 0 || len(stations) == 0 {
		return nil, fmt.Errorf("distance matrix: %d districts x %d stations", len(districts), len(stations))
	}
	data := mat.NewDense(len(districts), len(stations), nil)

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, d := range districts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			row := data.RawRowView(i)
			for j, s := range stations {
				row[j] = Distance(d, s)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Matrix{
		Key:       Key(districts, stations),
		Districts: ids(districts),
		Stations:  ids(stations),
		Data:      data,
	}, nil
}

func ids(pts []Point) []string {
	out := make([]string, len(pts))
	for i, p := range pts {
		out[i] = p.ID
	}
	return out
}
