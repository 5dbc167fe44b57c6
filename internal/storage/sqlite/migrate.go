package sqlite

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the latest schema version supported by the migrator.
const SchemaVersion = 1

// Migrate ensures the SQLite schema exists and is upgraded to
// SchemaVersion.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	err = db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current)
	if err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}

	if current >= SchemaVersion {
		return nil
	}

	transaction, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() {
		_ = transaction.Rollback()
	}()

	_, err = transaction.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			event_id   INTEGER PRIMARY KEY AUTOINCREMENT,
			ts         TEXT NOT NULL,
			level      TEXT NOT NULL,
			event      TEXT NOT NULL,
			msg        TEXT NULL,
			fields     TEXT NULL,
			lab_id     TEXT NOT NULL,
			session_id TEXT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: create events table: %w", err)
	}

	_, err = transaction.Exec(`
		CREATE TABLE IF NOT EXISTS participant_progress (
			user_id          TEXT NOT NULL,
			experiment_id    TEXT NOT NULL,
			status           TEXT NOT NULL,
			current_stage_id TEXT NULL,
			completed_stages TEXT NOT NULL,
			started_at       TEXT NULL,
			completed_at     TEXT NULL,
			last_activity_at TEXT NOT NULL,
			PRIMARY KEY (user_id, experiment_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: create participant_progress table: %w", err)
	}

	_, err = transaction.Exec(`
		CREATE TABLE IF NOT EXISTS transactions (
			id            TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			asset_id      TEXT NOT NULL,
			symbol        TEXT NOT NULL,
			type          TEXT NOT NULL,
			quantity      INTEGER NOT NULL,
			price         REAL NOT NULL,
			total_value   REAL NOT NULL,
			round_number  INTEGER NOT NULL,
			ts            TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: create transactions table: %w", err)
	}

	_, err = transaction.Exec(`
		CREATE TABLE IF NOT EXISTS survey_responses (
			experiment_id TEXT NOT NULL,
			stage_id      TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			responses     TEXT NOT NULL,
			submitted_at  TEXT NOT NULL,
			PRIMARY KEY (experiment_id, stage_id, user_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: create survey_responses table: %w", err)
	}

	_, err = transaction.Exec(`
		CREATE TABLE IF NOT EXISTS scenario_runs (
			user_id       TEXT NOT NULL,
			experiment_id TEXT NOT NULL,
			stage_id      TEXT NOT NULL,
			state         TEXT NOT NULL,
			PRIMARY KEY (user_id, experiment_id, stage_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: create scenario_runs table: %w", err)
	}

	_, err = transaction.Exec(`INSERT INTO schema_migrations (version) VALUES (?);`, SchemaVersion)
	if err != nil {
		return fmt.Errorf("migrate: record version: %w", err)
	}

	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("migrate: commit: %w", err)
	}
	return nil
}
