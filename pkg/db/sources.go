package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// FetchAttempt is one record's outcome within a run.
type FetchAttempt struct {
	RunID        string
	SourceRef    string
	RecordIndex  int
	Category     string
	Cached       bool
	Success      bool
	ErrorType    string
	ErrorMessage string
	DurationMS   int64
	LocalPath    string
}

// ArtifactInfo describes an artifact recorded for a source.
type ArtifactInfo struct {
	ArtifactID  int64
	TypeName    string
	FilePath    string
	ContentHash string
	SizeBytes   int64
}

// InsertSource records a source reference, returning its source_id. An
// existing reference returns the existing id.
func (db *DB) InsertSource(ref string) (int64, error) {
	var existingID int64
	err := db.QueryRow("SELECT source_id FROM sources WHERE source_ref = ?", ref).Scan(&existingID)
	if err == nil {
		return existingID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to check existing source: %w", err)
	}

	scheme, host := "file", ""
	if parsed, err := url.Parse(ref); err == nil && parsed.Scheme != "" {
		scheme, host = strings.ToLower(parsed.Scheme), parsed.Host
	}

	result, err := db.Exec(`
		INSERT INTO sources (source_ref, scheme, host)
		VALUES (?, ?, ?)
	`, ref, scheme, NewNullString(host))
	if err != nil {
		return 0, fmt.Errorf("failed to insert source: %w", err)
	}
	sourceID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get source ID: %w", err)
	}
	return sourceID, nil
}

// RecordFetchAttempts writes a whole batch in one transaction.
func (db *DB) RecordFetchAttempts(attempts []FetchAttempt) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range attempts {
		sourceID, err := insertSourceTx(tx, a.SourceRef)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO fetch_attempts
			    (run_id, source_id, record_index, category, cached, success, error_type, error_message, duration_ms, local_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.RunID, sourceID, a.RecordIndex, a.Category, a.Cached, a.Success,
			NewNullString(a.ErrorType), NewNullString(a.ErrorMessage), a.DurationMS, NewNullString(a.LocalPath))
		if err != nil {
			return fmt.Errorf("failed to record fetch attempt for index %d: %w", a.RecordIndex, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fetch attempts: %w", err)
	}
	return nil
}

func insertSourceTx(tx *sql.Tx, ref string) (int64, error) {
	scheme, host := "file", ""
	if parsed, err := url.Parse(ref); err == nil && parsed.Scheme != "" {
		scheme, host = strings.ToLower(parsed.Scheme), parsed.Host
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO sources (source_ref, scheme, host) VALUES (?, ?, ?)`,
		ref, scheme, NewNullString(host)); err != nil {
		return 0, fmt.Errorf("failed to insert source: %w", err)
	}
	var id int64
	if err := tx.QueryRow("SELECT source_id FROM sources WHERE source_ref = ?", ref).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get source ID: %w", err)
	}
	return id, nil
}

// RunFailures returns the failed attempts of a run in record order.
func (db *DB) RunFailures(runID string) ([]FetchAttempt, error) {
	rows, err := db.Query(`
		SELECT fa.run_id, s.source_ref, fa.record_index, fa.category, fa.cached, fa.success,
		       COALESCE(fa.error_type, ''), COALESCE(fa.error_message, ''), COALESCE(fa.duration_ms, 0),
		       COALESCE(fa.local_path, '')
		FROM fetch_attempts fa
		JOIN sources s ON s.source_id = fa.source_id
		WHERE fa.run_id = ? AND fa.success = 0
		ORDER BY fa.record_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var out []FetchAttempt
	for rows.Next() {
		var a FetchAttempt
		if err := rows.Scan(&a.RunID, &a.SourceRef, &a.RecordIndex, &a.Category, &a.Cached, &a.Success,
			&a.ErrorType, &a.ErrorMessage, &a.DurationMS, &a.LocalPath); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ErrorTypeCounts groups a run's failures by error type.
func (db *DB) ErrorTypeCounts(runID string) (map[string]int, error) {
	rows, err := db.Query(`
		SELECT error_type, COUNT(*) FROM fetch_attempts
		WHERE run_id = ? AND success = 0
		GROUP BY error_type
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count error types: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var errType sql.NullString
		var n int
		if err := rows.Scan(&errType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan error type count: %w", err)
		}
		counts[errType.String] += n
	}
	return counts, rows.Err()
}

// GetArtifactTypeID returns the type_id for typeName, creating the type if
// it is new (feature ids are open-ended).
func (db *DB) GetArtifactTypeID(typeName string) (int64, error) {
	if _, err := db.Exec("INSERT OR IGNORE INTO artifact_types (type_name) VALUES (?)", typeName); err != nil {
		return 0, fmt.Errorf("failed to register artifact type: %w", err)
	}
	var typeID int64
	if err := db.QueryRow("SELECT type_id FROM artifact_types WHERE type_name = ?", typeName).Scan(&typeID); err != nil {
		return 0, fmt.Errorf("failed to get artifact type ID: %w", err)
	}
	return typeID, nil
}

// UpsertArtifact records the artifact at filePath, replacing any earlier row
// for the same path.
func (db *DB) UpsertArtifact(runID, sourceRef, typeName, filePath, contentHash string, sizeBytes int64) (int64, error) {
	sourceID, err := db.InsertSource(sourceRef)
	if err != nil {
		return 0, err
	}
	typeID, err := db.GetArtifactTypeID(typeName)
	if err != nil {
		return 0, err
	}

	_, err = db.Exec(`
		INSERT INTO artifacts (source_id, type_id, run_id, content_hash, file_path, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
		    source_id = excluded.source_id,
		    type_id = excluded.type_id,
		    run_id = excluded.run_id,
		    content_hash = excluded.content_hash,
		    size_bytes = excluded.size_bytes
	`, sourceID, typeID, NewNullString(runID), contentHash, filePath, sizeBytes)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert artifact: %w", err)
	}

	var artifactID int64
	if err := db.QueryRow("SELECT artifact_id FROM artifacts WHERE file_path = ?", filePath).Scan(&artifactID); err != nil {
		return 0, fmt.Errorf("failed to get artifact ID: %w", err)
	}
	return artifactID, nil
}

// ListArtifacts returns every artifact recorded for sourceRef.
func (db *DB) ListArtifacts(sourceRef string) ([]ArtifactInfo, error) {
	rows, err := db.Query(`
		SELECT a.artifact_id, t.type_name, a.file_path, a.content_hash, COALESCE(a.size_bytes, 0)
		FROM artifacts a
		JOIN artifact_types t ON a.type_id = t.type_id
		JOIN sources s ON a.source_id = s.source_id
		WHERE s.source_ref = ?
		ORDER BY t.type_name, a.file_path
	`, sourceRef)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []ArtifactInfo
	for rows.Next() {
		var a ArtifactInfo
		if err := rows.Scan(&a.ArtifactID, &a.TypeName, &a.FilePath, &a.ContentHash, &a.SizeBytes); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
