package sqlite

import (
	"database/sql"
	"fmt"
)

// applyMigrations applies all database migrations in order.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("could not enable foreign keys: %w", err)
	}

	if err := createMigrationsTable(db); err != nil {
		return err
	}

	migrations := []struct {
		version int
		name    string
		sql     string
	}{
		{1, "create_queue_operations_table", createQueueOperationsTable},
		{2, "create_checkpoints_table", createCheckpointsTable},
		{3, "create_conflict_log_table", createConflictLogTable},
		{4, "create_device_clock_table", createDeviceClockTable},
		{5, "create_documents_table", createDocumentsTable},
		{6, "create_indices", createIndices},
	}

	for _, m := range migrations {
		applied, err := isMigrationApplied(db, m.version)
		if err != nil {
			return fmt.Errorf("could not check migration %d: %w", m.version, err)
		}
		if applied {
			continue
		}

		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("could not apply migration %d (%s): %w", m.version, m.name, err)
		}
		if err := recordMigration(db, m.version, m.name); err != nil {
			return fmt.Errorf("could not record migration %d: %w", m.version, err)
		}
	}

	return nil
}

// createMigrationsTable creates the migrations tracking table.
func createMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// isMigrationApplied checks if a migration has been applied.
func isMigrationApplied(db *sql.DB, version int) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM migrations WHERE version = ?", version).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// recordMigration records that a migration has been applied.
func recordMigration(db *sql.DB, version int, name string) error {
	_, err := db.Exec("INSERT INTO migrations (version, name) VALUES (?, ?)", version, name)
	return err
}

// Migration SQL statements

const createQueueOperationsTable = `
CREATE TABLE queue_operations (
	id TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	document_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	payload BLOB NOT NULL,
	queued_at TIMESTAMP NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt TIMESTAMP,
	next_attempt_at TIMESTAMP NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	last_error_code TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending'
);
`

const createCheckpointsTable = `
CREATE TABLE checkpoints (
	collection TEXT PRIMARY KEY,
	last_pulled_at TIMESTAMP NOT NULL,
	last_pushed_at TIMESTAMP NOT NULL,
	server_version TEXT NOT NULL DEFAULT ''
);
`

const createConflictLogTable = `
CREATE TABLE conflict_log (
	id TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	document_id TEXT NOT NULL,
	local_version BLOB NOT NULL,
	remote_version BLOB NOT NULL,
	resolved_version BLOB NOT NULL,
	remote_clock INTEGER NOT NULL,
	strategy TEXT NOT NULL,
	resolved_at TIMESTAMP NOT NULL,
	can_undo BOOLEAN NOT NULL DEFAULT 0,
	undone BOOLEAN NOT NULL DEFAULT 0
);
`

const createDeviceClockTable = `
CREATE TABLE device_clock (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	tick INTEGER NOT NULL DEFAULT 0
);

INSERT INTO device_clock (id, tick) VALUES (1, 0);
`

const createDocumentsTable = `
CREATE TABLE documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	body BLOB NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (collection, id)
);
`

const createIndices = `
CREATE INDEX IF NOT EXISTS idx_queue_collection_status ON queue_operations(collection, status);
CREATE INDEX IF NOT EXISTS idx_queue_next_attempt ON queue_operations(next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_queue_document ON queue_operations(collection, document_id);
CREATE INDEX IF NOT EXISTS idx_queue_queued_at ON queue_operations(queued_at);
CREATE INDEX IF NOT EXISTS idx_conflict_log_collection ON conflict_log(collection, resolved_at);
CREATE INDEX IF NOT EXISTS idx_conflict_log_document ON conflict_log(collection, document_id, remote_clock);
CREATE INDEX IF NOT EXISTS idx_documents_deleted ON documents(collection, is_deleted);
`
