package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/denabel/GeoCliP/internal/fsutil"
	"github.com/denabel/GeoCliP/internal/models"
	"github.com/denabel/GeoCliP/internal/table"
)

const StationsFile = "stations.csv"

var stationsHeader = []string{"station", "lon", "lat", "elevation", "name"}

// WriteStations writes the station metadata table sorted by station id.
func WriteStations(path string, stations []models.Station) error {
	sorted := slices.Clone(stations)
	slices.SortFunc(sorted, func(a, b models.Station) int {
		return table.CompareStationIDs(a.StationID, b.StationID)
	})
	return fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(stationsHeader); err != nil {
			return err
		}
		for _, s := range sorted {
			err := cw.Write([]string{
				s.StationID,
				strconv.FormatFloat(s.Longitude, 'f', -1, 64),
				strconv.FormatFloat(s.Latitude, 'f', -1, 64),
				strconv.FormatFloat(s.Elevation, 'f', -1, 64),
				s.Name,
			})
			if err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// ReadStations reads a table written by WriteStations. Columns are matched
// by header name.
func ReadStations(path string) ([]models.Station, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stations: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read stations header: %w", err)
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[h] = i
	}
	for _, c := range stationsHeader[:3] {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("%s: missing column %s", path, c)
		}
	}

	var stations []models.Station
	seen := map[string]bool{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		s := models.Station{StationID: table.NormalizeStationID(rec[idx["station"]])}
		if seen[s.StationID] {
			return nil, fmt.Errorf("%s:%d: duplicate station %s", path, line, s.StationID)
		}
		seen[s.StationID] = true
		if s.Longitude, err = strconv.ParseFloat(rec[idx["lon"]], 64); err != nil {
			return nil, fmt.Errorf("%s:%d: invalid lon: %w", path, line, err)
		}
		if s.Latitude, err = strconv.ParseFloat(rec[idx["lat"]], 64); err != nil {
			return nil, fmt.Errorf("%s:%d: invalid lat: %w", path, line, err)
		}
		if i, ok := idx["elevation"]; ok && rec[i] != "" {
			s.Elevation, _ = strconv.ParseFloat(rec[i], 64)
		}
		if i, ok := idx["name"]; ok {
			s.Name = rec[i]
		}
		stations = append(stations, s)
	}
	return stations, nil
}
