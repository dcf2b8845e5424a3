package boundary

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

const (
	semiMajorAxis = 6378137.0
	flatWGS84     = 1 / 298.257223563
	flatGRS80     = 1 / 298.257222101

	utmScale       = 0.9996
	utmFalseEast   = 500000.0
	utmFalseNorthS = 10000000.0
)

// ParseCRS returns the projection that maps coordinates of the given CRS
// ("EPSG:25832", "25832") to lon/lat degrees. Supported are geographic
// EPSG:4326 and EPSG:4258, ETRS89 UTM zones EPSG:258zz and WGS84 UTM zones
// EPSG:326zz (north) and EPSG:327zz (south).
func ParseCRS(s string) (orb.Projection, error) {
	code, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "EPSG:"))
	if err != nil {
		return nil, fmt.Errorf("parse crs %q: %w", s, err)
	}
	switch {
	case code == 4326 || code == 4258:
		return func(p orb.Point) orb.Point { return p }, nil
	case code >= 25828 && code <= 25838:
		return inverseUTM(code-25800, false, flatGRS80), nil
	case code >= 32601 && code <= 32660:
		return inverseUTM(code-32600, false, flatWGS84), nil
	case code >= 32701 && code <= 32760:
		return inverseUTM(code-32700, true, flatWGS84), nil
	default:
		return nil, fmt.Errorf("unsupported crs EPSG:%d", code)
	}
}

// inverseUTM maps easting/northing in metres to lon/lat degrees with the
// Krüger series of the transverse Mercator projection, accurate to well
// below a millimetre inside a zone.
func inverseUTM(zone int, south bool, flattening float64) orb.Projection {
	n := flattening / (2 - flattening)
	n2, n3 := n*n, n*n*n
	rectifying := semiMajorAxis / (1 + n) * (1 + n2/4 + n2*n2/64)
	beta := [3]float64{
		n/2 - 2*n2/3 + 37*n3/96,
		n2/48 + n3/15,
		17 * n3 / 480,
	}
	delta := [3]float64{
		2*n - 2*n2/3 - 2*n3,
		7*n2/3 - 8*n3/5,
		56 * n3 / 15,
	}
	lon0 := float64(zone*6 - 183)
	falseNorth := 0.0
	if south {
		falseNorth = utmFalseNorthS
	}

	return func(p orb.Point) orb.Point {
		xi := (p[1] - falseNorth) / (utmScale * rectifying)
		eta := (p[0] - utmFalseEast) / (utmScale * rectifying)

		xiP, etaP := xi, eta
		for j, b := range beta {
			k := float64(2 * (j + 1))
			xiP -= b * math.Sin(k*xi) * math.Cosh(k*eta)
			etaP -= b * math.Cos(k*xi) * math.Sinh(k*eta)
		}

		chi := math.Asin(math.Sin(xiP) / math.Cosh(etaP))
		lat := chi
		for j, d := range delta {
			lat += d * math.Sin(float64(2*(j+1))*chi)
		}
		lon := math.Atan2(math.Sinh(etaP), math.Cos(xiP))

		return orb.Point{lon0 + lon*180/math.Pi, lat * 180 / math.Pi}
	}
}
