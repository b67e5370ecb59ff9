package store

import (
	"context"
	"database/sql"
	"fmt"

	"kiln/internal/logging"
)

// Schema versions:
// v1: session_events (session_id, seq, event_type, payload, created_at)
// v2: Added identifier column for lookups by file path, tool name, etc.
const CurrentSchemaVersion = 2

// Migration adds a column to an existing table.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists additive column migrations, oldest first.
var pendingMigrations = []Migration{
	{"session_events", "identifier", "TEXT NOT NULL DEFAULT ''"},
}

// postMigrationIndexes reference migrated columns and so run after them.
const postMigrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_session_events_identifier ON session_events(identifier);
`

// RunMigrations brings db up to CurrentSchemaVersion.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	from := SchemaVersion(ctx, db)
	if from >= CurrentSchemaVersion {
		logging.StoreDebug("Schema at version %d, nothing to migrate", from)
		return nil
	}

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(ctx, db, m.Table) {
			logging.StoreDebug("Table missing, skipping migration: %s.%s", m.Table, m.Column)
			continue
		}
		if columnExists(ctx, db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	if _, err := db.ExecContext(ctx, postMigrationIndexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	if err := SetSchemaVersion(ctx, db, CurrentSchemaVersion); err != nil {
		return err
	}

	logging.Store("Schema migrated v%d -> v%d (%d columns added)", from, CurrentSchemaVersion, applied)
	return nil
}

// SchemaVersion returns the recorded schema version, inferring it from the
// table structure for databases that never recorded one.
func SchemaVersion(ctx context.Context, db *sql.DB) int {
	if tableExists(ctx, db, "schema_versions") {
		var version int
		err := db.QueryRowContext(ctx, "SELECT version FROM schema_versions ORDER BY id DESC LIMIT 1").Scan(&version)
		if err == nil {
			return version
		}
	}

	switch {
	case !tableExists(ctx, db, "session_events"):
		return 0
	case columnExists(ctx, db, "session_events", "identifier"):
		return 2
	default:
		return 1
	}
}

// SetSchemaVersion records version as current.
func SetSchemaVersion(ctx context.Context, db *sql.DB, version int) error {
	const createTable = `
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			description TEXT
		)`
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create schema_versions table: %w", err)
	}

	if _, err := db.ExecContext(ctx,
		"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
		version, fmt.Sprintf("Migrated to schema version %d", version),
	); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// columnExists checks for a column using PRAGMA table_info.
func columnExists(ctx context.Context, db *sql.DB, table, column string) bool {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid          int
			name, ctype  string
			notnull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &defaultValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func tableExists(ctx context.Context, db *sql.DB, table string) bool {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
	return err == nil && count > 0
}
