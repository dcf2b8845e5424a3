package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/denabel/GeoCliP/internal/models"
)

func setupTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := New(db, clock, slog.Default())
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store, clock
}

func TestMigrateIsIdempotent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	version, err := store.MigrationVersion(ctx)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}
}

func TestUpsertAndListStations(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	stations := []models.Station{
		{StationID: "1048", Name: "Dresden-Klotzsche", Latitude: 51.1278, Longitude: 13.7543, Elevation: 228},
		{StationID: "44", Name: "Großenkneten", Latitude: 52.9336, Longitude: 8.237, Elevation: 44},
	}
	if err := store.UpsertStations(ctx, stations); err != nil {
		t.Fatalf("UpsertStations: %v", err)
	}

	stations[1].Name = "Grossenkneten"
	if err := store.UpsertStations(ctx, stations[1:]); err != nil {
		t.Fatalf("UpsertStations update: %v", err)
	}

	got, err := store.Stations(ctx)
	if err != nil {
		t.Fatalf("Stations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(stations) = %d, want 2", len(got))
	}
	if got[0].StationID != "44" || got[1].StationID != "1048" {
		t.Errorf("order = %s, %s; want numeric order 44, 1048", got[0].StationID, got[1].StationID)
	}
	if got[0].Name != "Grossenkneten" {
		t.Errorf("Name = %q, want updated name", got[0].Name)
	}
	if got[1].Elevation != 228 {
		t.Errorf("Elevation = %v, want 228", got[1].Elevation)
	}
}

func TestRunAudit(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	run, err := store.StartRun(ctx, "run-1", "run", `{"cutoff_km":100}`)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	started := clock.Now()
	clock.Advance(2 * time.Second)
	if err := store.FinishStage(ctx, run.ID, "fetch", started, nil, "12 stations"); err != nil {
		t.Fatalf("FinishStage fetch: %v", err)
	}
	started = clock.Now()
	clock.Advance(time.Second)
	if err := store.FinishStage(ctx, run.ID, "impute", started, errors.New("empty sample"), ""); err != nil {
		t.Fatalf("FinishStage impute: %v", err)
	}
	if err := store.CompleteRun(ctx, run, errors.New("impute: empty sample")); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	runs, err := store.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	got := runs[0]
	if got.Success {
		t.Error("run should be marked failed")
	}
	if !got.ErrorMessage.Valid || got.ErrorMessage.String != "impute: empty sample" {
		t.Errorf("ErrorMessage = %+v", got.ErrorMessage)
	}
	if !got.FinishedAt.Valid || !got.FinishedAt.Time.Equal(clock.Now()) {
		t.Errorf("FinishedAt = %+v, want %v", got.FinishedAt, clock.Now())
	}
	if got.Config != `{"cutoff_km":100}` {
		t.Errorf("Config = %q", got.Config)
	}

	stages, err := store.Stages(ctx, run.ID)
	if err != nil {
		t.Fatalf("Stages: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("len(stages) = %d, want 2", len(stages))
	}
	if stages[0].Name != "fetch" || !stages[0].Success || stages[0].Detail.String != "12 stations" {
		t.Errorf("fetch stage = %+v", stages[0])
	}
	if stages[0].FinishedAt.Sub(stages[0].StartedAt) != 2*time.Second {
		t.Errorf("fetch duration = %v, want 2s", stages[0].FinishedAt.Sub(stages[0].StartedAt))
	}
	if stages[1].Success || stages[1].Detail.String != "empty sample" {
		t.Errorf("impute stage = %+v", stages[1])
	}
}

func TestRunRecorder(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	rec := store.ForRun("run-2")

	archive := models.Archive{Name: "stundenwerte_TU_00044_akt.zip", StationID: "44", SHA256: "aa", Bytes: 10}
	if err := rec.RecordArchives(ctx, []models.Archive{archive}); err != nil {
		t.Fatalf("RecordArchives: %v", err)
	}
	archive.SHA256, archive.Bytes = "bb", 11
	if err := rec.RecordArchives(ctx, []models.Archive{archive}); err != nil {
		t.Fatalf("RecordArchives again: %v", err)
	}
	got, err := store.ArchiveDigest(ctx, archive.Name)
	if err != nil {
		t.Fatalf("ArchiveDigest: %v", err)
	}
	if got != archive {
		t.Errorf("ArchiveDigest = %+v, want %+v", got, archive)
	}
	if _, err := store.ArchiveDigest(ctx, "missing.zip"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing archive err = %v, want ErrNotFound", err)
	}

	rejections := []models.Rejection{
		{Stage: "fetch", Source: "produkt_tu_stunde_00044.txt", Line: 7, Reason: "bad MESS_DATUM"},
		{Stage: "daymean", Source: "44.csv", Line: 3, Reason: "duplicate key"},
	}
	if err := rec.RecordRejections(ctx, rejections); err != nil {
		t.Fatalf("RecordRejections: %v", err)
	}
	if err := rec.RecordRejections(ctx, nil); err != nil {
		t.Fatalf("RecordRejections empty: %v", err)
	}
	gotRej, err := store.Rejections(ctx, "run-2")
	if err != nil {
		t.Fatalf("Rejections: %v", err)
	}
	if len(gotRej) != 2 || gotRej[0] != rejections[0] || gotRej[1] != rejections[1] {
		t.Errorf("Rejections = %+v", gotRej)
	}
	if other, _ := store.Rejections(ctx, "run-other"); len(other) != 0 {
		t.Errorf("other run has %d rejections", len(other))
	}

	if err := rec.RecordDistanceMatrix(ctx, "0123456789abcdef", "/cache/distance_matrix_0123456789abcdef.txt", 400, 500); err != nil {
		t.Fatalf("RecordDistanceMatrix: %v", err)
	}
	entry, err := store.DistanceMatrix(ctx, "0123456789abcdef")
	if err != nil {
		t.Fatalf("DistanceMatrix: %v", err)
	}
	if entry.Districts != 400 || entry.Stations != 500 || entry.RunID.String != "run-2" {
		t.Errorf("DistanceMatrix = %+v", entry)
	}
}

func TestDistrictValues(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	values := []models.DistrictValue{
		{DistrictID: "1001000", Variable: models.VarTemperature, Value: sql.NullFloat64{Float64: 9.5, Valid: true}, Status: models.DistrictOK, Stations: 3},
		{DistrictID: "1001000", Variable: models.VarHumidity, Value: sql.NullFloat64{Float64: 81, Valid: true}, Status: models.DistrictOK, Stations: 3},
		{DistrictID: "9780000", Variable: models.VarTemperature, Status: models.DistrictNoStations},
	}
	if err := store.SaveDistrictValues(ctx, "run-3", 100, "distance", values); err != nil {
		t.Fatalf("SaveDistrictValues: %v", err)
	}
	// Saving again replaces rather than duplicating.
	if err := store.SaveDistrictValues(ctx, "run-3", 100, "distance", values); err != nil {
		t.Fatalf("SaveDistrictValues again: %v", err)
	}

	got, err := store.DistrictValues(ctx, "run-3")
	if err != nil {
		t.Fatalf("DistrictValues: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0] != values[0] || got[1] != values[1] {
		t.Errorf("got %+v, %+v", got[0], got[1])
	}
	if got[2].Value.Valid || got[2].Status != models.DistrictNoStations {
		t.Errorf("uncovered district = %+v", got[2])
	}
}
