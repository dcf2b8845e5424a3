package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/denabel/GeoCliP/internal/table"
)

var (
	archiveNameRe = regexp.MustCompile(`^stundenwerte_TU_(\d+)_(\d{8})_(\d{8})_hist\.zip$`)
	stationFileRe = regexp.MustCompile(`^dwd_cdc_hourly_air_temperature_TU_(\d+)_(\d{8,10})-(\d{8,10})\.csv$`)
)

// StationRange is a station id and the first and last timestamps of its
// record, as encoded in DWD archive and per-station file names.
type StationRange struct {
	Name      string
	StationID string
	First     time.Time
	Last      time.Time
}

// ParseArchiveName parses stundenwerte_TU_<id>_<from>_<to>_hist.zip.
func ParseArchiveName(name string) (StationRange, bool) {
	m := archiveNameRe.FindStringSubmatch(name)
	if m == nil {
		return StationRange{}, false
	}
	first, err1 := time.Parse(table.DayLayout, m[2])
	last, err2 := time.Parse(table.DayLayout, m[3])
	if err1 != nil || err2 != nil {
		return StationRange{}, false
	}
	return StationRange{Name: name, StationID: table.NormalizeStationID(m[1]), First: first, Last: last}, true
}

// StationFileName names the per-station hourly CSV written by the fetcher.
func StationFileName(stationID string, first, last time.Time) string {
	return fmt.Sprintf("dwd_cdc_hourly_air_temperature_TU_%s_%s-%s.csv",
		padStationID(stationID), first.Format(table.HourLayout), last.Format(table.HourLayout))
}

// ParseStationFileName is the inverse of StationFileName.
func ParseStationFileName(name string) (StationRange, bool) {
	m := stationFileRe.FindStringSubmatch(name)
	if m == nil {
		return StationRange{}, false
	}
	first, err1 := parseCompactTime(m[2])
	last, err2 := parseCompactTime(m[3])
	if err1 != nil || err2 != nil {
		return StationRange{}, false
	}
	return StationRange{Name: name, StationID: table.NormalizeStationID(m[1]), First: first, Last: last}, true
}

func parseCompactTime(s string) (time.Time, error) {
	if len(s) == len(table.HourLayout) {
		return time.Parse(table.HourLayout, s)
	}
	return time.Parse(table.DayLayout, s)
}

func padStationID(id string) string {
	n, err := strconv.Atoi(id)
	if err != nil {
		return id
	}
	return fmt.Sprintf("%05d", n)
}

// StationFilter keeps stations whose record ends in LastYear and starts no
// later than FirstYearMax. A zero field disables that check.
type StationFilter struct {
	LastYear     int
	FirstYearMax int
}

func (f StationFilter) Keep(r StationRange) bool {
	if f.LastYear != 0 && r.Last.Year() != f.LastYear {
		return false
	}
	if f.FirstYearMax != 0 && r.First.Year() > f.FirstYearMax {
		return false
	}
	return true
}
