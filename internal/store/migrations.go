// Package store provides persistence for the proctord violation ledger.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with exam sessions and violation events",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add submissions table for final exam results",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

// Migration SQL statements

const migrationV1Up = `
-- Exam sessions table. One row per attempt; a (session_id, user_id) pair
-- accumulates rows across retakes, with at most one row open.
CREATE TABLE IF NOT EXISTS exam_sessions (
    attempt_id      TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    user_id         INTEGER NOT NULL,
    started_at      INTEGER NOT NULL,
    ended_at        INTEGER,
    ended_reason    TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_pair ON exam_sessions(session_id, user_id, started_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open ON exam_sessions(session_id, user_id) WHERE ended_at IS NULL;

-- Violation events table (append-only)
CREATE TABLE IF NOT EXISTS violation_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id      TEXT NOT NULL REFERENCES exam_sessions(attempt_id),
    session_id      TEXT NOT NULL,
    user_id         INTEGER NOT NULL,
    event_type      TEXT NOT NULL,
    details         TEXT,
    event_time      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_pair ON violation_events(session_id, user_id, event_time);
CREATE INDEX IF NOT EXISTS idx_violations_attempt ON violation_events(attempt_id);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_violations_attempt;
DROP INDEX IF EXISTS idx_violations_pair;
DROP TABLE IF EXISTS violation_events;
DROP INDEX IF EXISTS idx_sessions_open;
DROP INDEX IF EXISTS idx_sessions_pair;
DROP TABLE IF EXISTS exam_sessions;
`

const migrationV2Up = `
-- Submissions table for final exam results, including forced
-- zero-score submissions after termination.
CREATE TABLE IF NOT EXISTS submissions (
    submission_id   TEXT PRIMARY KEY,
    attempt_id      TEXT NOT NULL REFERENCES exam_sessions(attempt_id),
    session_id      TEXT NOT NULL,
    user_id         INTEGER NOT NULL,
    score           INTEGER NOT NULL,
    total_questions INTEGER NOT NULL,
    time_taken_sec  INTEGER NOT NULL,
    status          TEXT NOT NULL,
    results         TEXT NOT NULL,
    submitted_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_attempt ON submissions(attempt_id);
CREATE INDEX IF NOT EXISTS idx_submissions_pair ON submissions(session_id, user_id);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_submissions_pair;
DROP INDEX IF EXISTS idx_submissions_attempt;
DROP TABLE IF EXISTS submissions;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	// Ensure migrations table exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	// Apply pending migrations
	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		// Apply migration
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		// Record migration
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	// Get current version
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	// Find the migration
	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}

	if migration == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	// Apply rollback
	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", currentVersion, err)
	}

	// Remove migration record
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", currentVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}

	return nil
}

// MigrationStatus describes the current migration state of a database.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus returns the current migration status.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{
		LatestVersion: len(migrations),
	}

	// Get applied migrations
	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.CurrentVersion = 0
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt)
		status.Applied = append(status.Applied, am)
		appliedVersions[am.Version] = true

		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}

	// Determine pending migrations
	for _, m := range migrations {
		if !appliedVersions[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}

	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	requiredTables := []string{
		"exam_sessions",
		"violation_events",
		"submissions",
		"schema_migrations",
	}

	for _, table := range requiredTables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}

	return nil
}
