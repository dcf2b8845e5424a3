package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denabel/GeoCliP/internal/metrics"
	"github.com/denabel/GeoCliP/internal/models"
	"github.com/denabel/GeoCliP/internal/table"
)

type memRecorder struct {
	stations   []models.Station
	archives   []models.Archive
	rejections []models.Rejection
}

func (m *memRecorder) RecordArchives(_ context.Context, a []models.Archive) error {
	m.archives = append(m.archives, a...)
	return nil
}

func (m *memRecorder) UpsertStations(_ context.Context, s []models.Station) error {
	m.stations = append(m.stations, s...)
	return nil
}

func (m *memRecorder) RecordRejections(_ context.Context, r []models.Rejection) error {
	m.rejections = append(m.rejections, r...)
	return nil
}

var fastRetry = RetryPolicy{InitialInterval: time.Millisecond, MaxElapsedTime: 200 * time.Millisecond}

func newArchiveServer(t *testing.T, archives map[string][]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/historical/", func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		if r.URL.Path == "/historical/" {
			fmt.Fprintln(w, `<html><body><pre><a href="../">../</a>`)
			for n := range archives {
				fmt.Fprintf(w, "<a href=\"%s\">%s</a>\n", n, n)
			}
			fmt.Fprintln(w, `<a href="stundenwerte_TU_00099_19990101_20231231_hist.zip">gone</a>`)
			fmt.Fprintln(w, `<a href="TU_Stundenwerte_Beschreibung_Stationen.txt">desc</a></pre></body></html>`)
			return
		}
		data, ok := archives[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetcherHTTP(t *testing.T) {
	from := time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC)
	good := buildArchive(t, map[string]string{
		"produkt_tu_stunde_20070401_20231231_00044.txt": produkt(44, from, []float64{1, 2, 3}),
		"Metadaten_Geographie_00044.txt":                geographie,
	})
	srv := newArchiveServer(t, map[string][]byte{
		"stundenwerte_TU_00044_20070401_20231231_hist.zip": good,
		"stundenwerte_TU_00055_20100101_20231231_hist.zip": good, // starts too late
		"stundenwerte_TU_00066_19900101_20231231_hist.zip": []byte("corrupt"),
	})

	outDir := t.TempDir()
	src := NewHTTPSource(srv.URL+"/historical/", srv.Client(), fastRetry)
	rec := &memRecorder{}
	f := NewFetcher(src, FetchOptions{
		OutDir: outDir,
		Filter: StationFilter{LastYear: 2023, FirstYearMax: 2008},
	}, rec, slog.Default(), metrics.NewDiscard())

	sum, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Listed)
	assert.Equal(t, 3, sum.Selected)
	assert.Equal(t, 1, sum.Fetched)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Missing)

	csvPath := filepath.Join(outDir, "dwd_cdc_hourly_air_temperature_TU_00044_2008010100-2008010102.csv")
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, "datetime,TT_TU,RF_TU,QN_9\n2008010100,1,80,3\n2008010101,2,80,3\n2008010102,3,80,3\n", string(data))

	stations, err := ReadStations(filepath.Join(outDir, StationsFile))
	require.NoError(t, err)
	require.Len(t, stations, 1)
	assert.Equal(t, "44", stations[0].StationID)
	assert.Equal(t, 52.9336, stations[0].Latitude)
	assert.Equal(t, stations, rec.stations)

	require.Len(t, rec.archives, 1)
	assert.Equal(t, "stundenwerte_TU_00044_20070401_20231231_hist.zip", rec.archives[0].Name)
	assert.Equal(t, "44", rec.archives[0].StationID)
	assert.Equal(t, int64(len(good)), rec.archives[0].Bytes)
	assert.Len(t, rec.archives[0].SHA256, 64)
}

func TestFetcherBreakerAbortsRun(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			for i := range 10 {
				fmt.Fprintf(w, "<a href=\"stundenwerte_TU_%05d_19900101_20231231_hist.zip\">x</a>\n", i+1)
			}
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, srv.Client(), RetryPolicy{InitialInterval: time.Millisecond, MaxElapsedTime: 5 * time.Millisecond})
	f := NewFetcher(src, FetchOptions{OutDir: t.TempDir(), MaxConsecutiveFailures: 2}, nil, slog.Default(), metrics.NewDiscard())

	sum, err := f.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, sum.Failed)
	assert.Less(t, sum.Failed, sum.Selected)
}

func TestHTTPSourceRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, srv.Client(), fastRetry)
	data, err := src.Fetch(context.Background(), "a.zip")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPSourceNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, srv.Client(), fastRetry)
	_, err := src.Fetch(context.Background(), "a.zip")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewSourceScheme(t *testing.T) {
	src, err := NewSource("https://example.org/x/", http.DefaultClient, fastRetry)
	require.NoError(t, err)
	assert.IsType(t, &HTTPSource{}, src)

	src, err = NewSource("ftp://user:pw@mirror.example.org/pub/tu", nil, fastRetry)
	require.NoError(t, err)
	ftpSrc, ok := src.(*FTPSource)
	require.True(t, ok)
	assert.Equal(t, "mirror.example.org:21", ftpSrc.addr)
	assert.Equal(t, "/pub/tu", ftpSrc.dir)
	assert.Equal(t, "user", ftpSrc.user)

	_, err = NewSource("s3://bucket", nil, fastRetry)
	assert.Error(t, err)
}

func TestDailyReducerRun(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2010, 6, 1, 0, 0, 0, 0, time.UTC)

	write := func(station string, hours int) {
		tbl := hourlyTable(t, station, day, readings(hours, func(i int) float64 { return 2 }), nil)
		rows := tbl.Rows()
		name := StationFileName(station, rows[0].Time, time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC))
		require.NoError(t, table.WriteFile(filepath.Join(dir, name), tbl, table.Format{Layout: table.HourLayout, StationID: station}))
	}
	write("44", 48)
	write("73", 23)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stations.csv"), []byte("station,lon,lat\n"), 0o644))

	r := NewDailyReducer(dailyOpts, StationFilter{LastYear: 2023}, slog.Default(), metrics.NewDiscard())
	daily, rej, err := r.Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Empty(t, rej)
	assert.Equal(t, []string{"44"}, daily.Stations())
	assert.Equal(t, 2, daily.Len())

	_, _, err = NewDailyReducer(dailyOpts, StationFilter{LastYear: 1999}, slog.Default(), metrics.NewDiscard()).Run(context.Background(), dir)
	assert.ErrorIs(t, err, ErrMissingInput)
}
