// Package boundary loads district polygons from shapefiles or GeoJSON,
// reprojects them to lon/lat and computes their centroids.
package boundary

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
	"golang.org/x/text/encoding/charmap"

	"github.com/denabel/GeoCliP/internal/models"
	"github.com/denabel/GeoCliP/internal/table"
)

const (
	DefaultIDField   = "AGS"
	DefaultNameField = "GEN"
)

var ErrNoDistricts = errors.New("no district polygons")

type Options struct {
	IDField   string
	NameField string
	CRS       string
}

// feature is one polygon record before reprojection.
type feature struct {
	id       string
	name     string
	geometry orb.Geometry
}

// Load reads districts from path (.shp or .geojson/.json). Records that
// share an id are merged into one multipolygon. Districts are returned in
// ascending id order with centroids in lon/lat.
func Load(path string, o Options, logger *slog.Logger) ([]models.District, error) {
	if o.IDField == "" {
		o.IDField = DefaultIDField
	}
	if o.NameField == "" {
		o.NameField = DefaultNameField
	}
	proj, err := ParseCRS(o.CRS)
	if err != nil {
		return nil, err
	}

	var features []feature
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".shp":
		features, err = readShapefile(path, o)
	case ".geojson", ".json":
		features, err = readGeoJSON(path, o)
	default:
		return nil, fmt.Errorf("boundary file %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return nil, err
	}

	districts, err := districtsOf(features, proj)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Info("district boundaries loaded",
		"component", "boundary",
		"path", path,
		"records", len(features),
		"districts", len(districts),
		"crs", o.CRS)
	return districts, nil
}

func districtsOf(features []feature, proj orb.Projection) ([]models.District, error) {
	byID := make(map[string]*models.District)
	parts := make(map[string]orb.MultiPolygon)
	for _, f := range features {
		if f.id == "" {
			continue
		}
		if _, ok := byID[f.id]; !ok {
			byID[f.id] = &models.District{ID: f.id, Name: f.name}
		}
		g := project.Geometry(orb.Clone(f.geometry), proj)
		switch g := g.(type) {
		case orb.Polygon:
			parts[f.id] = append(parts[f.id], g)
		case orb.MultiPolygon:
			parts[f.id] = append(parts[f.id], g...)
		default:
			return nil, fmt.Errorf("district %s: geometry %s is not polygonal", f.id, g.GeoJSONType())
		}
	}
	if len(byID) == 0 {
		return nil, ErrNoDistricts
	}

	out := make([]models.District, 0, len(byID))
	for id, d := range byID {
		c, area := planar.CentroidArea(parts[id])
		if area == 0 {
			return nil, fmt.Errorf("district %s: polygon has no area", id)
		}
		d.Longitude, d.Latitude = c[0], c[1]
		out = append(out, *d)
	}
	slices.SortFunc(out, func(a, b models.District) int { return table.CompareStationIDs(a.ID, b.ID) })
	return out, nil
}

func readShapefile(path string, o Options) ([]feature, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile: %w", err)
	}
	defer r.Close()

	idCol, nameCol := -1, -1
	for k, f := range r.Fields() {
		switch {
		case strings.EqualFold(f.String(), o.IDField):
			idCol = k
		case strings.EqualFold(f.String(), o.NameField):
			nameCol = k
		}
	}
	if idCol < 0 {
		return nil, fmt.Errorf("shapefile %s: no attribute %q", path, o.IDField)
	}
	decode := attributeDecoder(path)

	var features []feature
	for r.Next() {
		n, s := r.Shape()
		poly, ok := s.(*shp.Polygon)
		if !ok {
			return nil, fmt.Errorf("shapefile %s: record %d is %T, want polygon", path, n, s)
		}
		f := feature{
			id:       strings.Trim(r.ReadAttribute(n, idCol), " \x00"),
			geometry: polygonOf(poly),
		}
		if nameCol >= 0 {
			f.name = decode(strings.Trim(r.ReadAttribute(n, nameCol), " \x00"))
		}
		features = append(features, f)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read shapefile %s: %w", path, err)
	}
	return features, nil
}

// attributeDecoder honours the .cpg sidecar. Without one, attribute text
// is read as Latin-1, the dBASE default.
func attributeDecoder(path string) func(string) string {
	cpg, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".cpg")
	if err == nil && strings.Contains(strings.ToUpper(string(cpg)), "UTF") {
		return func(s string) string { return s }
	}
	dec := charmap.ISO8859_1.NewDecoder()
	return func(s string) string {
		out, err := dec.String(s)
		if err != nil {
			return s
		}
		return out
	}
}

// polygonOf groups shapefile parts into polygons. Outer rings are
// clockwise and start a new polygon; counter-clockwise rings are holes of
// the preceding outer ring.
func polygonOf(p *shp.Polygon) orb.Geometry {
	var mp orb.MultiPolygon
	for k := range p.Parts {
		start := int(p.Parts[k])
		end := len(p.Points)
		if k+1 < len(p.Parts) {
			end = int(p.Parts[k+1])
		}
		ring := make(orb.Ring, 0, end-start)
		for _, pt := range p.Points[start:end] {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		if ring.Orientation() == orb.CW || len(mp) == 0 {
			mp = append(mp, orb.Polygon{ring})
			continue
		}
		mp[len(mp)-1] = append(mp[len(mp)-1], ring)
	}
	if len(mp) == 1 {
		return mp[0]
	}
	return mp
}

func readGeoJSON(path string, o Options) ([]feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(bytes.TrimPrefix(data, []byte("\ufeff")))
	if err != nil {
		return nil, fmt.Errorf("decode geojson %s: %w", path, err)
	}
	features := make([]feature, 0, len(fc.Features))
	for i, f := range fc.Features {
		id := property(f.Properties, o.IDField)
		if id == "" {
			return nil, fmt.Errorf("geojson %s: feature %d has no %q", path, i, o.IDField)
		}
		features = append(features, feature{
			id:       id,
			name:     property(f.Properties, o.NameField),
			geometry: f.Geometry,
		})
	}
	return features, nil
}

func property(p geojson.Properties, key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
