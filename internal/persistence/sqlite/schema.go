package sqlite

import (
	"context"
	"fmt"
)

// schemaStatements are applied in order by Migrate. Every statement is
// idempotent so Migrate can run on each startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS scan_records (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		qr_code_id  TEXT NOT NULL,
		event_id    TEXT NOT NULL,
		action      TEXT NOT NULL CHECK (action IN ('check_in', 'check_out')),
		captured_at TEXT NOT NULL,
		status      TEXT NOT NULL CHECK (status IN ('pending', 'submitting', 'synced', 'failed')),
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_records_status_seq ON scan_records (status, seq)`,
	`CREATE TABLE IF NOT EXISTS scan_history (
		qr_code_id  TEXT NOT NULL,
		event_id    TEXT NOT NULL,
		record_id   TEXT NOT NULL,
		action      TEXT NOT NULL CHECK (action IN ('check_in', 'check_out')),
		captured_at TEXT NOT NULL,
		source      TEXT NOT NULL CHECK (source IN ('client', 'server')),
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (qr_code_id, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_history_captured ON scan_history (captured_at)`,
	`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		location   TEXT NOT NULL,
		active     INTEGER NOT NULL DEFAULT 0,
		starts_at  TEXT NOT NULL,
		ends_at    TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_state (
		device_id         TEXT PRIMARY KEY,
		selected_event_id TEXT,
		updated_at        TEXT NOT NULL
	)`,
}

// Migrate creates the scanner tables when they do not exist yet.
func (cp *ConnectionPool) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := cp.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
