package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run is the audit row of one CLI invocation.
type Run struct {
	ID           string
	Command      string
	Config       string // JSON snapshot of the effective configuration
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Success      bool
	ErrorMessage sql.NullString
}

// Stage is the audit row of one pipeline stage within a run.
type Stage struct {
	RunID      string
	Name       string
	StartedAt  time.Time
	FinishedAt time.Time
	Success    bool
	Detail     sql.NullString
}

// StartRun inserts an unfinished run row.
func (s *Store) StartRun(ctx context.Context, id, command, config string) (*Run, error) {
	run := &Run{
		ID:        id,
		Command:   command,
		Config:    config,
		StartedAt: s.clock.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (run_id, command, config, started_at, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.ID, run.Command, run.Config, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("start run %s: %w", id, err)
	}
	return run, nil
}

// FinishStage records a stage that began at started and ends now.
func (s *Store) FinishStage(ctx context.Context, runID, stage string, started time.Time, stageErr error, detail string) error {
	st := Stage{
		RunID:      runID,
		Name:       stage,
		StartedAt:  started.UTC(),
		FinishedAt: s.clock.Now().UTC(),
		Success:    stageErr == nil,
	}
	switch {
	case stageErr != nil:
		st.Detail = sql.NullString{String: stageErr.Error(), Valid: true}
	case detail != "":
		st.Detail = sql.NullString{String: detail, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_stages (run_id, stage, started_at, finished_at, success, detail)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, stage) DO UPDATE SET
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			success = excluded.success,
			detail = excluded.detail
	`, st.RunID, st.Name, st.StartedAt, st.FinishedAt, st.Success, st.Detail)
	return err
}

// CompleteRun marks the run finished. A nil runErr means success.
func (s *Store) CompleteRun(ctx context.Context, run *Run, runErr error) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = sql.NullTime{Time: s.clock.Now().UTC(), Valid: true}
	run.Success = runErr == nil
	if runErr != nil {
		run.ErrorMessage = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET
			finished_at = ?,
			success = ?,
			error_message = ?
		WHERE run_id = ?
	`, run.FinishedAt, run.Success, run.ErrorMessage, run.ID)
	return err
}

// RecentRuns returns the latest runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, command, config, started_at, finished_at, success, error_message
		FROM pipeline_runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var config sql.NullString
		if err := rows.Scan(&r.ID, &r.Command, &config, &r.StartedAt, &r.FinishedAt, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.Config = config.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) Stages(ctx context.Context, runID string) ([]Stage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, stage, started_at, finished_at, success, detail
		FROM pipeline_stages
		WHERE run_id = ?
		ORDER BY started_at, stage
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []Stage
	for rows.Next() {
		var st Stage
		if err := rows.Scan(&st.RunID, &st.Name, &st.StartedAt, &st.FinishedAt, &st.Success, &st.Detail); err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("not found")
