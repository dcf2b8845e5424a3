package ingest

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/text/encoding/charmap"

	"github.com/denabel/GeoCliP/internal/models"
	"github.com/denabel/GeoCliP/internal/table"
)

// DWD product columns.
const (
	colStationID = "STATIONS_ID"
	colMessDatum = "MESS_DATUM"
	colQuality   = "QN_9"
	colTemp      = "TT_TU"
	colHumidity  = "RF_TU"
)

// ParseProdukt parses a DWD hourly TU product file
// (STATIONS_ID;MESS_DATUM;QN_9;TT_TU;RF_TU;eor). Sentinel values become
// nulls and implausible values are flagged and nulled. Malformed and
// duplicate rows are skipped and reported in rowErrs.
func ParseProdukt(r io.Reader, source string) (obs []models.HourlyObservation, rowErrs *multierror.Error, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, nil, fmt.Errorf("read header of %s: %w", source, err)
		}
		return nil, nil, fmt.Errorf("%s: empty product file", source)
	}
	cols := map[string]int{}
	header := splitFields(sc.Text())
	for i, h := range header {
		cols[strings.ToUpper(h)] = i
	}
	for _, c := range []string{colStationID, colMessDatum} {
		if _, ok := cols[c]; !ok {
			return nil, nil, fmt.Errorf("%s: missing %s column", source, c)
		}
	}

	seen := make(map[table.Key]struct{})
	line := 1
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		o, err := parseProduktRow(splitFields(text), len(header), cols)
		if err == nil {
			if _, dup := seen[table.Key{StationID: o.StationID, Time: o.ObservedAt}]; dup {
				err = fmt.Errorf("%w: %s %s", table.ErrDuplicateKey, o.StationID, o.ObservedAt.Format(table.HourLayout))
			}
		}
		if err != nil {
			rowErrs = multierror.Append(rowErrs, &table.RowError{Source: source, Line: line, Err: err})
			continue
		}
		seen[table.Key{StationID: o.StationID, Time: o.ObservedAt}] = struct{}{}
		Sanitize(&o)
		obs = append(obs, o)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", source, err)
	}
	return obs, rowErrs, nil
}

func splitFields(line string) []string {
	fields := strings.Split(line, ";")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

func parseProduktRow(fields []string, width int, cols map[string]int) (models.HourlyObservation, error) {
	if len(fields) != width {
		return models.HourlyObservation{}, fmt.Errorf("got %d fields, want %d", len(fields), width)
	}
	o := models.HourlyObservation{StationID: table.NormalizeStationID(fields[cols[colStationID]])}
	if o.StationID == "" {
		return o, errors.New("empty station id")
	}
	at, err := time.Parse(table.HourLayout, fields[cols[colMessDatum]])
	if err != nil {
		return o, fmt.Errorf("invalid %s %q", colMessDatum, fields[cols[colMessDatum]])
	}
	o.ObservedAt = at

	if i, ok := cols[colTemp]; ok {
		if o.Temp, err = table.ParseValue(fields[i]); err != nil {
			return o, fmt.Errorf("%s: %w", colTemp, err)
		}
	}
	if i, ok := cols[colHumidity]; ok {
		if o.Humidity, err = table.ParseValue(fields[i]); err != nil {
			return o, fmt.Errorf("%s: %w", colHumidity, err)
		}
	}
	if i, ok := cols[colQuality]; ok {
		q, err := table.ParseValue(fields[i])
		if err != nil {
			return o, fmt.Errorf("%s: %w", colQuality, err)
		}
		if q.Valid {
			o.QualityFlag = sql.NullInt64{Int64: int64(q.Float64), Valid: true}
		}
	}
	return o, nil
}

// HourlyTable converts parsed observations into an hourly table with the
// temperature and humidity columns.
func HourlyTable(obs []models.HourlyObservation) (*table.Table, error) {
	t := table.New(models.VarTemperature, models.VarHumidity)
	var errs *multierror.Error
	for _, o := range obs {
		err := t.Insert(table.Row{
			StationID: o.StationID,
			Time:      o.ObservedAt,
			Values:    []sql.NullFloat64{o.Temp, o.Humidity},
			Quality:   o.QualityFlag,
		})
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return t, errs.ErrorOrNil()
}

// ParseGeography reads a DWD Metadaten_Geographie file (Latin-1,
// Stations_id;Stationshoehe;Geogr.Breite;Geogr.Laenge;von_datum;bis_datum;Stationsname)
// and returns the station as described by its last line.
func ParseGeography(r io.Reader, source string) (models.Station, error) {
	sc := bufio.NewScanner(charmap.ISO8859_1.NewDecoder().Reader(r))
	var last string
	for sc.Scan() {
		if s := strings.TrimSpace(sc.Text()); s != "" {
			last = s
		}
	}
	if err := sc.Err(); err != nil {
		return models.Station{}, fmt.Errorf("read %s: %w", source, err)
	}
	if last == "" {
		return models.Station{}, fmt.Errorf("%s: no station rows", source)
	}

	fields := splitFields(last)
	if len(fields) < 7 {
		return models.Station{}, fmt.Errorf("%s: got %d fields in last line, want at least 7", source, len(fields))
	}
	st := models.Station{
		StationID: table.NormalizeStationID(fields[0]),
		Name:      fields[len(fields)-1],
	}
	parsed := []*float64{&st.Elevation, &st.Latitude, &st.Longitude}
	for i, dst := range parsed {
		v, err := table.ParseValue(fields[i+1])
		if err != nil || !v.Valid {
			return models.Station{}, fmt.Errorf("%s: invalid coordinate field %d %q", source, i+1, fields[i+1])
		}
		*dst = v.Float64
	}
	return st, nil
}
