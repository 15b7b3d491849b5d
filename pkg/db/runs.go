package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run status values.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

var ErrRunNotFound = errors.New("run not found")

// Run represents one pipeline invocation.
type Run struct {
	RunID        string
	Command      string
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Status       string
	ManifestPath string
	AugmentMode  string
	Features     string
	RecordCount  int
	SuccessCount int
	CachedCount  int
	FailedCount  int
	ErrorMessage string
}

// RunStats are the counters written when a run finishes.
type RunStats struct {
	RecordCount  int
	SuccessCount int
	CachedCount  int
	FailedCount  int
}

// CreateRun inserts a running run and returns its id.
func (db *DB) CreateRun(command, manifestPath, augmentMode, features string) (string, error) {
	runID := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO runs (run_id, command, manifest_path, augment_mode, features, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, command, manifestPath, NewNullString(augmentMode), NewNullString(features), RunRunning)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return runID, nil
}

// FinishRun records the final counters. A non-nil runErr marks the run failed.
func (db *DB) FinishRun(runID string, stats RunStats, runErr error) error {
	status := RunSucceeded
	var msg sql.NullString
	if runErr != nil {
		status = RunFailed
		msg = NewNullString(runErr.Error())
	}

	result, err := db.Exec(`
		UPDATE runs
		SET finished_at = CURRENT_TIMESTAMP, status = ?, record_count = ?,
		    success_count = ?, cached_count = ?, failed_count = ?, error_message = ?
		WHERE run_id = ?
	`, status, stats.RecordCount, stats.SuccessCount, stats.CachedCount, stats.FailedCount, msg, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `run_id, command, started_at, finished_at, status, manifest_path,
	COALESCE(augment_mode, ''), COALESCE(features, ''), record_count,
	COALESCE(success_count, 0), COALESCE(cached_count, 0), COALESCE(failed_count, 0),
	COALESCE(error_message, '')`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	err := row.Scan(&r.RunID, &r.Command, &r.StartedAt, &r.FinishedAt, &r.Status, &r.ManifestPath,
		&r.AugmentMode, &r.Features, &r.RecordCount, &r.SuccessCount, &r.CachedCount, &r.FailedCount,
		&r.ErrorMessage)
	return r, err
}

// GetRun looks a run up by id or by a unique id prefix.
func (db *DB) GetRun(idOrPrefix string) (*Run, error) {
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs WHERE run_id LIKE ? || '%' ORDER BY started_at DESC LIMIT 2`, idOrPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	defer rows.Close()

	var found []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, idOrPrefix)
	case 1:
		return &found[0], nil
	}
	if found[0].RunID == idOrPrefix {
		return &found[0], nil
	}
	return nil, fmt.Errorf("run id prefix %q is ambiguous", idOrPrefix)
}

// ListRuns returns the most recent runs first.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
