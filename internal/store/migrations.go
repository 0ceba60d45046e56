package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	// Create migrations table if it doesn't exist
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get the current schema version
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	// Define all migrations
	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					uid TEXT NOT NULL UNIQUE,
					root TEXT NOT NULL,
					mode TEXT NOT NULL DEFAULT 'apply',
					manifest_location TEXT NOT NULL DEFAULT '',
					manifest_version TEXT NOT NULL DEFAULT '',
					provider TEXT NOT NULL DEFAULT '',
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					files_added INTEGER DEFAULT 0,
					files_updated INTEGER DEFAULT 0,
					files_skipped INTEGER DEFAULT 0,
					files_failed INTEGER DEFAULT 0,
					bytes_transferred INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT NOT NULL DEFAULT ''
				);

				CREATE TABLE file_records (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					root TEXT NOT NULL,
					path TEXT NOT NULL,
					size INTEGER DEFAULT 0,
					hash TEXT NOT NULL DEFAULT '',
					source TEXT NOT NULL DEFAULT '',
					applied_at DATETIME NOT NULL,
					run_id INTEGER,
					UNIQUE(root, path),
					FOREIGN KEY(run_id) REFERENCES runs(id)
				);

				CREATE TABLE failed_files (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					root TEXT NOT NULL,
					file_path TEXT NOT NULL,
					source TEXT NOT NULL DEFAULT '',
					expected_hash TEXT NOT NULL DEFAULT '',
					expected_size INTEGER DEFAULT 0,
					error TEXT NOT NULL DEFAULT '',
					retry_count INTEGER DEFAULT 0,
					first_failure DATETIME NOT NULL,
					last_failure DATETIME NOT NULL,
					resolved BOOLEAN DEFAULT 0
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE INDEX idx_runs_root_start ON runs(root, start_time);
				CREATE INDEX idx_failed_files_root ON failed_files(root, resolved);
			`,
		},
	}

	// Run pending migrations
	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Debug("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Execute the migration SQL
	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	// Record the migration
	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
