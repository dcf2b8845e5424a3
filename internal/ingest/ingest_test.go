package ingest

import (
	"bytes"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denabel/GeoCliP/internal/models"
	"github.com/denabel/GeoCliP/internal/table"
)

func TestValidateObservation(t *testing.T) {
	tests := []struct {
		name      string
		obs       models.HourlyObservation
		wantFlags []string
	}{
		{
			name: "valid observation - no flags",
			obs: models.HourlyObservation{
				Temp:     sql.NullFloat64{Float64: 25.0, Valid: true},
				Humidity: sql.NullFloat64{Float64: 60, Valid: true},
			},
		},
		{
			name:      "temp too cold",
			obs:       models.HourlyObservation{Temp: sql.NullFloat64{Float64: -61, Valid: true}},
			wantFlags: []string{FlagTempOutOfRange},
		},
		{
			name:      "temp too hot",
			obs:       models.HourlyObservation{Temp: sql.NullFloat64{Float64: 61, Valid: true}},
			wantFlags: []string{FlagTempOutOfRange},
		},
		{
			name: "temp at boundary - valid",
			obs:  models.HourlyObservation{Temp: sql.NullFloat64{Float64: -60, Valid: true}},
		},
		{
			name:      "humidity over 100",
			obs:       models.HourlyObservation{Humidity: sql.NullFloat64{Float64: 100.5, Valid: true}},
			wantFlags: []string{FlagHumidityInvalid},
		},
		{
			name: "nulls are not flagged",
			obs:  models.HourlyObservation{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantFlags, ValidateObservation(&tt.obs))
		})
	}
}

func TestSanitizeNullsFlaggedValues(t *testing.T) {
	obs := models.HourlyObservation{
		Temp:     sql.NullFloat64{Float64: 99, Valid: true},
		Humidity: sql.NullFloat64{Float64: 55, Valid: true},
	}
	Sanitize(&obs)
	assert.Equal(t, []string{FlagTempOutOfRange}, obs.Flags)
	assert.False(t, obs.Temp.Valid)
	assert.True(t, obs.Humidity.Valid)
}

// produkt renders a DWD product file with one row per hour starting at from.
func produkt(station int, from time.Time, temps []float64) string {
	var b strings.Builder
	b.WriteString("STATIONS_ID;MESS_DATUM;QN_9;TT_TU;RF_TU;eor\n")
	for i, v := range temps {
		at := from.Add(time.Duration(i) * time.Hour)
		fmt.Fprintf(&b, "%11d;%s;    3;%6.1f;  80.0;eor\n", station, at.Format(table.HourLayout), v)
	}
	return b.String()
}

func TestParseProdukt(t *testing.T) {
	input := strings.Join([]string{
		"STATIONS_ID;MESS_DATUM;QN_9;TT_TU;RF_TU;eor",
		"         44;2008010100;    3;   1.5;  90.0;eor",
		"         44;2008010101;    3;-999;  91.0;eor",
		"         44;20080101xx;    3;   1.0;  91.0;eor",
		"         44;2008010102;    3;  x;  91.0;eor",
		"         44;2008010103;    3;   2.0;eor",
		"         44;2008010100;    3;   9.9;  90.0;eor",
		"         44;2008010104;    1;  75.0; 101.0;eor",
		"",
	}, "\n")

	obs, rowErrs, err := ParseProdukt(strings.NewReader(input), "produkt_tu_stunde_44.txt")
	require.NoError(t, err)
	require.Len(t, obs, 3)
	require.NotNil(t, rowErrs)
	assert.Len(t, rowErrs.Errors, 4)
	assert.ErrorIs(t, rowErrs.Errors[3], table.ErrDuplicateKey)

	assert.Equal(t, "44", obs[0].StationID)
	assert.Equal(t, time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC), obs[0].ObservedAt)
	assert.Equal(t, 1.5, obs[0].Temp.Float64)
	assert.Equal(t, int64(3), obs[0].QualityFlag.Int64)

	assert.False(t, obs[1].Temp.Valid, "sentinel becomes null")
	assert.Equal(t, 91.0, obs[1].Humidity.Float64)

	assert.ElementsMatch(t, []string{FlagTempOutOfRange, FlagHumidityInvalid}, obs[2].Flags)
	assert.False(t, obs[2].Temp.Valid)
	assert.False(t, obs[2].Humidity.Valid)
}

func TestParseProduktRejectsMissingColumns(t *testing.T) {
	_, _, err := ParseProdukt(strings.NewReader("FOO;BAR\n1;2\n"), "x")
	assert.Error(t, err)

	_, _, err = ParseProdukt(strings.NewReader(""), "x")
	assert.Error(t, err)
}

func TestParseGeography(t *testing.T) {
	input := "Stations_id;Stationshoehe;Geogr.Breite;Geogr.Laenge;von_datum;bis_datum;Stationsname\r\n" +
		"   44;   44.00;  52.9336;   8.2370;20070401;20150101;Gro\xdfenkneten\r\n" +
		"   44;   44.00;  52.9336;   8.2371;20150101;        ;M\xfcnster\r\n" +
		"\r\n"

	st, err := ParseGeography(strings.NewReader(input), "Metadaten_Geographie_00044.txt")
	require.NoError(t, err)
	assert.Equal(t, models.Station{
		StationID: "44",
		Name:      "Münster",
		Latitude:  52.9336,
		Longitude: 8.2371,
		Elevation: 44,
	}, st)
}

func TestParseArchiveName(t *testing.T) {
	r, ok := ParseArchiveName("stundenwerte_TU_00044_20070401_20231231_hist.zip")
	require.True(t, ok)
	assert.Equal(t, "44", r.StationID)
	assert.Equal(t, 2007, r.First.Year())
	assert.Equal(t, 2023, r.Last.Year())

	_, ok = ParseArchiveName("TU_Stundenwerte_Beschreibung_Stationen.txt")
	assert.False(t, ok)
}

func TestStationFileNameRoundTrip(t *testing.T) {
	first := time.Date(1996, 4, 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC)
	name := StationFileName("44", first, last)
	assert.Equal(t, "dwd_cdc_hourly_air_temperature_TU_00044_1996040100-2023123123.csv", name)

	r, ok := ParseStationFileName(name)
	require.True(t, ok)
	assert.Equal(t, "44", r.StationID)
	assert.Equal(t, first, r.First)
	assert.Equal(t, last, r.Last)
}

func TestStationFilter(t *testing.T) {
	mk := func(first, last int) StationRange {
		return StationRange{
			First: time.Date(first, 1, 1, 0, 0, 0, 0, time.UTC),
			Last:  time.Date(last, 12, 31, 0, 0, 0, 0, time.UTC),
		}
	}
	f := StationFilter{LastYear: 2023, FirstYearMax: 2005}

	tests := []struct {
		name string
		r    StationRange
		want bool
	}{
		{"long record", mk(1990, 2023), true},
		{"starts at limit", mk(2005, 2023), true},
		{"starts too late", mk(2006, 2023), false},
		{"closed station", mk(1990, 2020), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Keep(tt.r))
		})
	}
	assert.True(t, StationFilter{}.Keep(mk(2020, 2021)))
}

func hourlyTable(t *testing.T, station string, from time.Time, temps []sql.NullFloat64, quality []int64) *table.Table {
	t.Helper()
	tbl := table.New(models.VarTemperature, models.VarHumidity)
	for i, v := range temps {
		r := table.Row{
			StationID: station,
			Time:      from.Add(time.Duration(i) * time.Hour),
			Values:    []sql.NullFloat64{v, {Float64: 50, Valid: true}},
		}
		if quality != nil {
			r.Quality = sql.NullInt64{Int64: quality[i], Valid: true}
		}
		require.NoError(t, tbl.Insert(r))
	}
	return tbl
}

func readings(n int, f func(i int) float64) []sql.NullFloat64 {
	out := make([]sql.NullFloat64, n)
	for i := range out {
		out[i] = sql.NullFloat64{Float64: f(i), Valid: true}
	}
	return out
}

var dailyOpts = DailyOptions{HoursPerDay: 24, CoverageVariable: models.VarTemperature}

func TestReduceDailyCompleteDay(t *testing.T) {
	day := time.Date(2010, 6, 1, 0, 0, 0, 0, time.UTC)
	quality := make([]int64, 24)
	for i := range quality {
		quality[i] = 3
	}
	quality[5] = 1
	tbl := hourlyTable(t, "44", day, readings(24, func(i int) float64 { return float64(i) }), quality)

	daily, stats, err := ReduceDaily(tbl, dailyOpts)
	require.NoError(t, err)
	assert.Equal(t, DailyStats{Days: 1}, stats)

	r, ok := daily.Get("44", day)
	require.True(t, ok)
	assert.InDelta(t, 11.5, r.Values[0].Float64, 1e-12)
	assert.Equal(t, 50.0, r.Values[1].Float64)
	assert.Equal(t, int64(1), r.Quality.Int64)
}

func TestReduceDailyExcludesIncompleteDay(t *testing.T) {
	day := time.Date(2010, 6, 1, 0, 0, 0, 0, time.UTC)
	temps := readings(24, func(int) float64 { return 10 })
	temps[7] = sql.NullFloat64{}
	tbl := hourlyTable(t, "44", day, temps, nil)

	daily, stats, err := ReduceDaily(tbl, dailyOpts)
	require.NoError(t, err)
	assert.Equal(t, 0, daily.Len())
	assert.Equal(t, 1, stats.Excluded)

	tbl = hourlyTable(t, "44", day, readings(23, func(int) float64 { return 10 }), nil)
	daily, stats, err = ReduceDaily(tbl, dailyOpts)
	require.NoError(t, err)
	assert.Equal(t, 0, daily.Len())
	assert.Equal(t, 1, stats.Excluded)
}

func TestReduceDailyPeriod(t *testing.T) {
	from := time.Date(2007, 12, 31, 0, 0, 0, 0, time.UTC)
	tbl := hourlyTable(t, "44", from, readings(48, func(int) float64 { return 1 }), nil)

	opts := dailyOpts
	opts.Start = time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC)
	opts.End = time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	daily, stats, err := ReduceDaily(tbl, opts)
	require.NoError(t, err)
	assert.Equal(t, DailyStats{Days: 1, OutOfPeriod: 1}, stats)
	assert.Equal(t, []time.Time{opts.Start}, daily.Times())
}

func TestReduceDailyUnknownCoverageVariable(t *testing.T) {
	_, _, err := ReduceDaily(table.New(models.VarHumidity), dailyOpts)
	assert.Error(t, err)
}

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const geographie = "Stations_id;Stationshoehe;Geogr.Breite;Geogr.Laenge;von_datum;bis_datum;Stationsname\n" +
	"   44;   44.00;  52.9336;   8.2370;20070401;        ;Gro\xdfenkneten\n"

func TestReadArchive(t *testing.T) {
	from := time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC)
	data := buildArchive(t, map[string]string{
		"produkt_tu_stunde_20070401_20231231_00044.txt": produkt(44, from, []float64{1, 2, 3}),
		"Metadaten_Geographie_00044.txt":                geographie,
		"Metadaten_Parameter_tu_stunde_00044.txt":       "ignored",
	})

	arch, err := ReadArchive("stundenwerte_TU_00044_20070401_20231231_hist.zip", data)
	require.NoError(t, err)
	assert.Len(t, arch.Observations, 3)
	assert.Nil(t, arch.RowErrors.ErrorOrNil())
	assert.Equal(t, "Großenkneten", arch.Station.Name)
	assert.Equal(t, 8.2370, arch.Station.Longitude)
}

func TestReadArchiveMissingProdukt(t *testing.T) {
	data := buildArchive(t, map[string]string{"Metadaten_Geographie_00044.txt": geographie})
	_, err := ReadArchive("x.zip", data)
	assert.Error(t, err)

	_, err = ReadArchive("x.zip", []byte("not a zip"))
	assert.Error(t, err)
}
