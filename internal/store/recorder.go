package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/denabel/GeoCliP/internal/models"
)

// RunRecorder writes ingest and cache records attributed to one run.
type RunRecorder struct {
	s     *Store
	runID string
}

func (s *Store) ForRun(runID string) *RunRecorder {
	return &RunRecorder{s: s, runID: runID}
}

func (r *RunRecorder) UpsertStations(ctx context.Context, stations []models.Station) error {
	return r.s.UpsertStations(ctx, stations)
}

// RecordArchives stores archive digests. A re-fetched archive replaces its
// previous digest.
func (r *RunRecorder) RecordArchives(ctx context.Context, archives []models.Archive) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := r.s.clock.Now().UTC()
	for _, a := range archives {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO archives (name, station_id, sha256, bytes, fetched_at, run_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				station_id = excluded.station_id,
				sha256 = excluded.sha256,
				bytes = excluded.bytes,
				fetched_at = excluded.fetched_at,
				run_id = excluded.run_id
		`, a.Name, a.StationID, a.SHA256, a.Bytes, now, r.runID)
		if err != nil {
			return fmt.Errorf("record archive %s: %w", a.Name, err)
		}
	}
	return tx.Commit()
}

func (r *RunRecorder) RecordRejections(ctx context.Context, rejections []models.Rejection) error {
	if len(rejections) == 0 {
		return nil
	}
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ingest_rejections (run_id, stage, source, line, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := r.s.clock.Now().UTC()
	for _, rej := range rejections {
		if _, err := stmt.ExecContext(ctx, r.runID, rej.Stage, rej.Source, rej.Line, rej.Reason, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *RunRecorder) RecordDistanceMatrix(ctx context.Context, key, path string, districts, stations int) error {
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO distance_matrices (cache_key, path, districts, stations, created_at, run_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			path = excluded.path,
			created_at = excluded.created_at,
			run_id = excluded.run_id
	`, key, path, districts, stations, r.s.clock.Now().UTC(), r.runID)
	return err
}

// Rejections lists the rows rejected during a run in insertion order.
func (s *Store) Rejections(ctx context.Context, runID string) ([]models.Rejection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, source, line, reason
		FROM ingest_rejections
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Rejection
	for rows.Next() {
		var rej models.Rejection
		var line sql.NullInt64
		if err := rows.Scan(&rej.Stage, &rej.Source, &line, &rej.Reason); err != nil {
			return nil, err
		}
		rej.Line = int(line.Int64)
		out = append(out, rej)
	}
	return out, rows.Err()
}

// ArchiveDigest returns the recorded digest of an archive by file name.
func (s *Store) ArchiveDigest(ctx context.Context, name string) (models.Archive, error) {
	a := models.Archive{Name: name}
	err := s.db.QueryRowContext(ctx,
		`SELECT station_id, sha256, bytes FROM archives WHERE name = ?`, name,
	).Scan(&a.StationID, &a.SHA256, &a.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// DistanceMatrixEntry is a registered cache file.
type DistanceMatrixEntry struct {
	Key       string
	Path      string
	Districts int
	Stations  int
	RunID     sql.NullString
}

func (s *Store) DistanceMatrix(ctx context.Context, key string) (DistanceMatrixEntry, error) {
	e := DistanceMatrixEntry{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT path, districts, stations, run_id FROM distance_matrices WHERE cache_key = ?`, key,
	).Scan(&e.Path, &e.Districts, &e.Stations, &e.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}
