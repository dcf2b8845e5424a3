package table

import (
	"bytes"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denabel/GeoCliP/internal/models"
)

func val(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func day(d int) time.Time { return time.Date(2020, 1, d, 0, 0, 0, 0, time.UTC) }

func mustInsert(t *testing.T, tbl *Table, station string, at time.Time, vals ...sql.NullFloat64) {
	t.Helper()
	require.NoError(t, tbl.Insert(Row{StationID: station, Time: at, Values: vals}))
}

func TestInsertRejectsDuplicate(t *testing.T) {
	tbl := New(models.VarTemperature)
	mustInsert(t, tbl, "44", day(1), val(1))

	err := tbl.Insert(Row{StationID: "44", Time: day(1), Values: []sql.NullFloat64{val(2)}})
	require.ErrorIs(t, err, ErrDuplicateKey)
	assert.Equal(t, 1, tbl.Len())

	r, ok := tbl.Get("44", day(1))
	require.True(t, ok)
	assert.Equal(t, 1.0, r.Values[0].Float64)
}

func TestInsertNormalizesLocation(t *testing.T) {
	tbl := New(models.VarTemperature)
	berlin := time.FixedZone("CET", 3600)
	mustInsert(t, tbl, "44", time.Date(2020, 1, 1, 1, 0, 0, 0, berlin), val(1))

	_, ok := tbl.Get("44", day(1))
	assert.True(t, ok)
}

func TestExpandCartesianProduct(t *testing.T) {
	tbl := New(models.VarTemperature, models.VarHumidity)
	mustInsert(t, tbl, "3", day(2), val(1), val(50))
	mustInsert(t, tbl, "1", day(1), val(2), sql.NullFloat64{})
	mustInsert(t, tbl, "2", day(3), val(3), val(60))

	exp := Expand(tbl)
	require.Equal(t, 9, exp.Len())
	assert.Equal(t, []string{"1", "2", "3"}, exp.Stations())
	assert.Equal(t, []time.Time{day(1), day(2), day(3)}, exp.Times())

	rows := exp.Rows()
	for i := 1; i < len(rows); i++ {
		assert.Negative(t, compareRows(rows[i-1], rows[i]), "rows must be sorted")
	}

	r, ok := exp.Get("1", day(2))
	require.True(t, ok)
	assert.False(t, r.Values[0].Valid)
	assert.False(t, r.Values[1].Valid)

	r, ok = exp.Get("2", day(3))
	require.True(t, ok)
	assert.Equal(t, 3.0, r.Values[0].Float64)
	assert.Equal(t, 60.0, r.Values[1].Float64)

	assert.Equal(t, 6, exp.NullCount(models.VarTemperature))
	assert.Equal(t, 7, exp.NullCount(models.VarHumidity))
}

func TestExpandIdempotent(t *testing.T) {
	tbl := New(models.VarTemperature)
	mustInsert(t, tbl, "10", day(1), val(1))
	mustInsert(t, tbl, "9", day(2), val(2))

	once := Expand(tbl)
	twice := Expand(once)
	assert.Equal(t, once.Rows(), twice.Rows())
}

func TestExpandDoesNotAliasInput(t *testing.T) {
	tbl := New(models.VarTemperature)
	mustInsert(t, tbl, "1", day(1), val(1))

	exp := Expand(tbl)
	exp.Rows()[0].Values[0] = val(99)

	r, _ := tbl.Get("1", day(1))
	assert.Equal(t, 1.0, r.Values[0].Float64)
}

func TestStationOrderingIsNumeric(t *testing.T) {
	tbl := New(models.VarTemperature)
	for _, id := range []string{"1000", "44", "5", "73"} {
		mustInsert(t, tbl, id, day(1), val(1))
	}
	assert.Equal(t, []string{"5", "44", "73", "1000"}, tbl.Stations())
}

func TestMergeOuter(t *testing.T) {
	temp := New(models.VarTemperature)
	mustInsert(t, temp, "1", day(1), val(5))
	mustInsert(t, temp, "1", day(2), val(6))

	hum := New(models.VarHumidity)
	mustInsert(t, hum, "1", day(2), val(70))
	mustInsert(t, hum, "2", day(1), val(80))

	merged, err := MergeOuter(temp, hum)
	require.NoError(t, err)
	assert.Equal(t, []models.Variable{models.VarTemperature, models.VarHumidity}, merged.Variables())
	require.Equal(t, 3, merged.Len())

	tests := []struct {
		station   string
		at        time.Time
		temp, hum sql.NullFloat64
	}{
		{"1", day(1), val(5), sql.NullFloat64{}},
		{"1", day(2), val(6), val(70)},
		{"2", day(1), sql.NullFloat64{}, val(80)},
	}
	for _, tt := range tests {
		r, ok := merged.Get(tt.station, tt.at)
		require.True(t, ok, "%s %s", tt.station, tt.at)
		assert.Equal(t, []sql.NullFloat64{tt.temp, tt.hum}, r.Values)
	}
}

func TestMergeOuterRejectsRepeatedVariable(t *testing.T) {
	_, err := MergeOuter(New(models.VarTemperature), New(models.VarTemperature))
	assert.Error(t, err)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in      string
		want    sql.NullFloat64
		wantErr bool
	}{
		{"12.5", val(12.5), false},
		{" -3 ", val(-3), false},
		{"-999", sql.NullFloat64{}, false},
		{"-999.0", sql.NullFloat64{}, false},
		{"", sql.NullFloat64{}, false},
		{"NA", sql.NullFloat64{}, false},
		{"abc", sql.NullFloat64{}, true},
		{"inf", sql.NullFloat64{}, true},
		{"+Inf", sql.NullFloat64{}, true},
		{"-Infinity", sql.NullFloat64{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseValue(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadCSVCollectsRowErrors(t *testing.T) {
	input := strings.Join([]string{
		"station,datetime,TT_TU,RF_TU,QN_9",
		"00044,20200101,1.5,80,3",
		"44,20200102,-999,81,3",
		"44,2020-01-03,1,1,3",
		"44,20200104,warm,1,3",
		"44,20200105,1",
		"44,20200101,2,2,3",
		"44,20200106,inf,1,3",
		"",
	}, "\n")

	tbl, rowErrs, err := ReadCSV(strings.NewReader(input), "daymean.csv", Format{Layout: DayLayout})
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
	require.NotNil(t, rowErrs)
	require.Len(t, rowErrs.Errors, 5)

	var lines []int
	for _, e := range rowErrs.Errors {
		var re *RowError
		require.ErrorAs(t, e, &re)
		assert.Equal(t, "daymean.csv", re.Source)
		lines = append(lines, re.Line)
	}
	assert.Equal(t, []int{4, 5, 6, 7, 8}, lines)
	assert.ErrorIs(t, rowErrs.Errors[3], ErrDuplicateKey)

	r, ok := tbl.Get("44", day(2))
	require.True(t, ok)
	assert.False(t, r.Values[0].Valid)
	assert.Equal(t, 81.0, r.Values[1].Float64)
	assert.Equal(t, int64(3), r.Quality.Int64)
}

func TestCSVRoundTrip(t *testing.T) {
	tbl := New(models.VarTemperature, models.VarHumidity)
	require.NoError(t, tbl.Insert(Row{StationID: "44", Time: day(1), Values: []sql.NullFloat64{val(-1.25), {}}, Quality: sql.NullInt64{Int64: 3, Valid: true}}))
	require.NoError(t, tbl.Insert(Row{StationID: "44", Time: day(2), Values: []sql.NullFloat64{val(0.1), val(77)}}))

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, tbl, Format{Layout: DayLayout}))
	assert.Equal(t, "station,datetime,TT_TU,RF_TU,QN_9\n44,20200101,-1.25,,3\n44,20200102,0.1,77,\n", buf.String())

	back, rowErrs, err := ReadCSV(&buf, "mem", Format{Layout: DayLayout})
	require.NoError(t, err)
	assert.Nil(t, rowErrs.ErrorOrNil())
	assert.Equal(t, tbl.Rows(), back.Rows())
}

func TestCSVWithoutStationColumn(t *testing.T) {
	input := "datetime,TT_TU,RF_TU,QN_9\n2020010100,1.0,90,3\n2020010101,-999,91,3\n"
	tbl, rowErrs, err := ReadCSV(strings.NewReader(input), "x.csv", Format{Layout: HourLayout, StationID: "44"})
	require.NoError(t, err)
	assert.Nil(t, rowErrs.ErrorOrNil())
	assert.Equal(t, []string{"44"}, tbl.Stations())
	assert.Equal(t, 2, tbl.Len())

	_, _, err = ReadCSV(strings.NewReader(input), "x.csv", Format{Layout: HourLayout})
	assert.Error(t, err)
}
