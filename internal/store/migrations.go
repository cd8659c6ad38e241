package store

import (
	"database/sql"
	"fmt"
	"time"

	"evoopt/internal/logging"
)

// Schema versions:
// v1: runs and rounds
// v2: runs.best_content and runs.metrics_json
// v3: rounds.cost_tokens
const CurrentSchemaVersion = 3

// Migration adds one column to an existing table.
type Migration struct {
	Version int
	Table   string
	Column  string
	Def     string
}

// pendingMigrations bring databases written by older builds up to date.
// Fresh databases already have every column.
var pendingMigrations = []Migration{
	{2, "runs", "best_content", "TEXT"},
	{2, "runs", "metrics_json", "TEXT"},
	{3, "rounds", "cost_tokens", "INTEGER DEFAULT 0"},
}

// RunMigrations adds missing columns and records the schema version.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) || columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("migration v%d %s.%s: %w", m.Version, m.Table, m.Column, err)
		}
		logging.Store("Migration applied: added %s.%s (v%d)", m.Table, m.Column, m.Version)
		applied++
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_versions: %w", err)
	}
	if _, err := db.Exec("INSERT OR IGNORE INTO schema_versions (version, applied_at) VALUES (?, ?)",
		CurrentSchemaVersion, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	if applied > 0 {
		logging.Store("Schema migrated to v%d: %d column(s) added", CurrentSchemaVersion, applied)
	}
	return nil
}

// GetSchemaVersion returns the highest recorded schema version, or 0 for a
// database that was never migrated.
func GetSchemaVersion(db *sql.DB) int {
	if !tableExists(db, "schema_versions") {
		return 0
	}
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version); err != nil {
		logging.StoreDebug("schema version lookup failed: %v", err)
		return 0
	}
	return version
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid, notnull, pk int
			name, ctype      string
			dflt             interface{}
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		logging.StoreDebug("Table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}
