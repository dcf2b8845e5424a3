// Package store keeps station metadata, ingest rejections, the distance
// matrix registry, run audit rows and district results in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/denabel/GeoCliP/internal/models"
)

type Store struct {
	db     *sql.DB
	clock  clockwork.Clock
	logger *slog.Logger
}

func New(db *sql.DB, clock clockwork.Clock, logger *slog.Logger) *Store {
	return &Store{db: db, clock: clock, logger: logger.With("component", "store")}
}

// Open opens the database at path (":memory:" for a private in-memory
// database) and configures the connection.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

func (s *Store) UpsertStations(ctx context.Context, stations []models.Station) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stations (station_id, name, latitude, longitude, elevation, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			elevation = excluded.elevation,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := s.clock.Now().UTC()
	for _, st := range stations {
		if _, err := stmt.ExecContext(ctx, st.StationID, st.Name, st.Latitude, st.Longitude, st.Elevation, now); err != nil {
			return fmt.Errorf("upsert station %s: %w", st.StationID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Stations(ctx context.Context) ([]models.Station, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT station_id, name, latitude, longitude, elevation FROM stations ORDER BY LENGTH(station_id), station_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		var st models.Station
		var name sql.NullString
		var elevation sql.NullFloat64
		if err := rows.Scan(&st.StationID, &name, &st.Latitude, &st.Longitude, &elevation); err != nil {
			return nil, err
		}
		st.Name = name.String
		st.Elevation = elevation.Float64
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

// SaveDistrictValues replaces the district results of a run.
func (s *Store) SaveDistrictValues(ctx context.Context, runID string, cutoffKm float64, weighting string, values []models.DistrictValue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM district_values WHERE run_id = ?`, runID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO district_values (run_id, district_id, variable, value, status, stations, cutoff_km, weighting)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, v := range values {
		if _, err := stmt.ExecContext(ctx, runID, v.DistrictID, string(v.Variable), v.Value, string(v.Status), v.Stations, cutoffKm, weighting); err != nil {
			return fmt.Errorf("insert district %s %s: %w", v.DistrictID, v.Variable, err)
		}
	}
	return tx.Commit()
}

func (s *Store) DistrictValues(ctx context.Context, runID string) ([]models.DistrictValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT district_id, variable, value, status, stations
		FROM district_values
		WHERE run_id = ?
		ORDER BY LENGTH(district_id), district_id, variable DESC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DistrictValue
	for rows.Next() {
		var v models.DistrictValue
		var variable, status string
		if err := rows.Scan(&v.DistrictID, &variable, &v.Value, &status, &v.Stations); err != nil {
			return nil, err
		}
		v.Variable = models.Variable(variable)
		v.Status = models.DistrictStatus(status)
		out = append(out, v)
	}
	return out, rows.Err()
}
