// SPDX-License-Identifier: MIT

package sqlite

import (
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// Migrate creates or upgrades the lockerd schema. It is idempotent and
// guarded by PRAGMA user_version.
func Migrate(db *sql.DB) error {
	var currentVersion int
	if err := db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS lockers (
		kiosk_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'free',
		owner_type TEXT,
		owner_key TEXT,
		reserved_at_ms INTEGER,
		owned_at_ms INTEGER,
		is_vip INTEGER NOT NULL DEFAULT 0,
		display_name TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at_ms INTEGER NOT NULL,
		PRIMARY KEY (kiosk_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_lockers_owner ON lockers(owner_key, owner_type, status);
	CREATE INDEX IF NOT EXISTS idx_lockers_status_reserved ON lockers(status, reserved_at_ms);

	CREATE TABLE IF NOT EXISTS command_queue (
		command_id TEXT PRIMARY KEY,
		kiosk_id TEXT NOT NULL,
		command_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		next_attempt_at_ms INTEGER NOT NULL,
		last_error TEXT,
		created_at_ms INTEGER NOT NULL,
		executed_at_ms INTEGER,
		completed_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_commands_pending ON command_queue(kiosk_id, status, next_attempt_at_ms, created_at_ms);
	CREATE INDEX IF NOT EXISTS idx_commands_executing ON command_queue(status, executed_at_ms);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_ms INTEGER NOT NULL,
		kiosk_id TEXT NOT NULL,
		locker_id INTEGER,
		event_type TEXT NOT NULL,
		rfid_card TEXT,
		device_id TEXT,
		staff_user TEXT,
		details TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_events_kiosk_time ON events(kiosk_id, timestamp_ms);
	CREATE INDEX IF NOT EXISTS idx_events_type_time ON events(event_type, timestamp_ms);

	CREATE TABLE IF NOT EXISTS kiosk_heartbeat (
		kiosk_id TEXT PRIMARY KEY,
		zone TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'offline',
		last_seen_ms INTEGER NOT NULL,
		hardware_id TEXT,
		config_hash TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_heartbeat_status_seen ON kiosk_heartbeat(status, last_seen_ms);
	`

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}
