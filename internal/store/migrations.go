package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		name          TEXT PRIMARY KEY,
		unit_id       TEXT NOT NULL,
		media         TEXT NOT NULL DEFAULT '',
		credential    TEXT NOT NULL DEFAULT '',
		platform      TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		origin        TEXT NOT NULL,
		started_at    INTEGER NOT NULL,
		stopped_at    INTEGER,
		planned_stop  INTEGER,
		duration_mins INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_unit ON sessions(unit_id);

	CREATE TABLE IF NOT EXISTS schedules (
		id            TEXT PRIMARY KEY,
		session_name  TEXT NOT NULL UNIQUE,
		unit_id       TEXT NOT NULL,
		platform      TEXT NOT NULL,
		credential    TEXT NOT NULL,
		media         TEXT NOT NULL,
		recurrence    TEXT NOT NULL,
		start_of_day  TEXT NOT NULL DEFAULT '',
		stop_of_day   TEXT NOT NULL DEFAULT '',
		start_at      INTEGER,
		duration_mins INTEGER NOT NULL DEFAULT 0,
		manual_stop   INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_schedules_recurrence ON schedules(recurrence);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

// migrateV2 adds the inactive-retention index used by PruneInactive.
func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_stopped ON sessions(status, stopped_at)`); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion() (string, error) {
	var version string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		return "", fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
