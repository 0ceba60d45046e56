// Package store persists run history, applied files, and the failed-file
// retry queue in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations.
// The parent directory of dbPath is created when missing.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and every
	// ":memory:" connection would otherwise be a separate database.
	db.SetMaxOpenConns(1)

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Run Operations
// ============================================================================

const runColumns = `
	id, uid, root, mode, manifest_location, manifest_version, provider,
	start_time, end_time, files_added, files_updated, files_skipped,
	files_failed, bytes_transferred, status, error_message
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (Run, error) {
	run := Run{}
	err := row.Scan(
		&run.ID, &run.UID, &run.Root, &run.Mode, &run.ManifestLocation,
		&run.ManifestVersion, &run.Provider, &run.StartTime, &run.EndTime,
		&run.FilesAdded, &run.FilesUpdated, &run.FilesSkipped, &run.FilesFailed,
		&run.BytesTransferred, &run.Status, &run.ErrorMessage,
	)
	return run, err
}

// CreateRun inserts a new Run and sets its ID
func (s *Store) CreateRun(run *Run) error {
	const query = `
		INSERT INTO runs (
			uid, root, mode, manifest_location, manifest_version, provider,
			start_time, end_time, files_added, files_updated, files_skipped,
			files_failed, bytes_transferred, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.UID, run.Root, run.Mode, run.ManifestLocation, run.ManifestVersion,
		run.Provider, run.StartTime, run.EndTime, run.FilesAdded, run.FilesUpdated,
		run.FilesSkipped, run.FilesFailed, run.BytesTransferred, run.Status,
		run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateRun updates an existing Run by ID
func (s *Store) UpdateRun(run *Run) error {
	const query = `
		UPDATE runs SET
			manifest_version = ?, provider = ?, end_time = ?, files_added = ?,
			files_updated = ?, files_skipped = ?, files_failed = ?,
			bytes_transferred = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.ManifestVersion, run.Provider, run.EndTime, run.FilesAdded,
		run.FilesUpdated, run.FilesSkipped, run.FilesFailed,
		run.BytesTransferred, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("run %d: %w", run.ID, ErrNotFound)
	}

	return nil
}

// GetRun retrieves a Run by its UID
func (s *Store) GetRun(uid string) (*Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE uid = ?"

	run, err := scanRun(s.db.QueryRow(query, uid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", uid, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	return &run, nil
}

// ListRuns retrieves Runs newest first, optionally filtered by root
func (s *Store) ListRuns(root string, limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM runs"
	var args []interface{}

	if root != "" {
		query += " WHERE root = ?"
		args = append(args, root)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// LastAppliedVersion returns the manifest version of the most recent fully
// successful apply or retry for root, or "" when there is none.
func (s *Store) LastAppliedVersion(root string) (string, error) {
	const query = `
		SELECT manifest_version FROM runs
		WHERE root = ? AND status = ? AND mode IN ('apply', 'retry')
		ORDER BY start_time DESC, id DESC LIMIT 1
	`

	var version string
	err := s.db.QueryRow(query, root, StatusSuccess).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to query last applied version: %w", err)
	}
	return version, nil
}

// ============================================================================
// FileRecord Operations
// ============================================================================

// UpsertFileRecord inserts or replaces the FileRecord for root and path
func (s *Store) UpsertFileRecord(rec *FileRecord) error {
	const query = `
		INSERT INTO file_records (root, path, size, hash, source, applied_at, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(root, path) DO UPDATE SET
			size = excluded.size,
			hash = excluded.hash,
			source = excluded.source,
			applied_at = excluded.applied_at,
			run_id = excluded.run_id
	`

	_, err := s.db.Exec(
		query,
		rec.Root, rec.Path, rec.Size, rec.Hash, rec.Source, rec.AppliedAt, rec.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert file record: %w", err)
	}

	return s.db.QueryRow(
		"SELECT id FROM file_records WHERE root = ? AND path = ?", rec.Root, rec.Path,
	).Scan(&rec.ID)
}

// GetFileRecord retrieves a FileRecord by root and path
func (s *Store) GetFileRecord(root, path string) (*FileRecord, error) {
	const query = `
		SELECT id, root, path, size, hash, source, applied_at, run_id
		FROM file_records WHERE root = ? AND path = ?
	`

	rec := &FileRecord{}
	err := s.db.QueryRow(query, root, path).Scan(
		&rec.ID, &rec.Root, &rec.Path, &rec.Size, &rec.Hash, &rec.Source,
		&rec.AppliedAt, &rec.RunID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("file record %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query file record: %w", err)
	}

	return rec, nil
}

// CountFileRecords returns the count of FileRecords for a root
func (s *Store) CountFileRecords(root string) (int, error) {
	const query = "SELECT COUNT(*) FROM file_records WHERE root = ?"

	var count int
	if err := s.db.QueryRow(query, root).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count file records: %w", err)
	}

	return count, nil
}

// SumFileSize returns the total size of all recorded files for a root
func (s *Store) SumFileSize(root string) (int64, error) {
	const query = "SELECT COALESCE(SUM(size), 0) FROM file_records WHERE root = ?"

	var totalSize int64
	if err := s.db.QueryRow(query, root).Scan(&totalSize); err != nil {
		return 0, fmt.Errorf("failed to sum file size: %w", err)
	}

	return totalSize, nil
}

// ============================================================================
// FailedFileRecord Operations (Dead Letter Queue)
// ============================================================================

// AddFailedFile records a failure, updating the unresolved record for the
// same root and path when one exists.
func (s *Store) AddFailedFile(rec *FailedFileRecord) error {
	const updateQuery = `
		UPDATE failed_files
		SET error = ?, retry_count = retry_count + 1, last_failure = ?,
		    source = COALESCE(NULLIF(?, ''), source),
		    expected_hash = COALESCE(NULLIF(?, ''), expected_hash),
		    expected_size = ?
		WHERE root = ? AND file_path = ? AND resolved = 0
	`

	result, err := s.db.Exec(
		updateQuery,
		rec.Error, rec.LastFailure, rec.Source, rec.ExpectedHash, rec.ExpectedSize,
		rec.Root, rec.FilePath,
	)
	if err != nil {
		return fmt.Errorf("failed to update failed file record: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil // existing record updated
	}

	// No existing unresolved record; insert new
	const insertQuery = `
		INSERT INTO failed_files (
			root, file_path, source, expected_hash, expected_size, error,
			retry_count, first_failure, last_failure, resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if rec.FirstFailure.IsZero() {
		rec.FirstFailure = rec.LastFailure
	}
	result, err = s.db.Exec(
		insertQuery,
		rec.Root, rec.FilePath, rec.Source, rec.ExpectedHash, rec.ExpectedSize,
		rec.Error, rec.RetryCount, rec.FirstFailure, rec.LastFailure, rec.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed file record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// ListFailedFiles retrieves all unresolved FailedFileRecords for a root.
// An empty root lists every root.
func (s *Store) ListFailedFiles(root string) ([]FailedFileRecord, error) {
	query := `
		SELECT id, root, file_path, source, expected_hash, expected_size, error,
		       retry_count, first_failure, last_failure, resolved
		FROM failed_files WHERE resolved = 0
	`
	var args []interface{}
	if root != "" {
		query += " AND root = ?"
		args = append(args, root)
	}
	query += " ORDER BY file_path"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed files: %w", err)
	}
	defer rows.Close()

	var records []FailedFileRecord
	for rows.Next() {
		rec := FailedFileRecord{}
		err := rows.Scan(
			&rec.ID, &rec.Root, &rec.FilePath, &rec.Source, &rec.ExpectedHash,
			&rec.ExpectedSize, &rec.Error, &rec.RetryCount, &rec.FirstFailure,
			&rec.LastFailure, &rec.Resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed file record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed file records: %w", err)
	}

	return records, nil
}

// ResolveFailedFile marks the unresolved record for root and path as
// resolved. It is not an error when none exists.
func (s *Store) ResolveFailedFile(root, path string) error {
	const query = "UPDATE failed_files SET resolved = 1 WHERE root = ? AND file_path = ? AND resolved = 0"

	if _, err := s.db.Exec(query, root, path); err != nil {
		return fmt.Errorf("failed to resolve failed file: %w", err)
	}
	return nil
}
