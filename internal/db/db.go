package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/memsync/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 2

// Init initializes the SQLite database at baseDir/memsync.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.memsync.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Explicit chmod (best-effort, may not work on all platforms)
	_ = os.Chmod(baseDir, 0700)

	return Open(filepath.Join(baseDir, "memsync.db"))
}

// Open opens (and migrates) the database at an explicit path, creating the
// parent directory when needed.
func Open(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database with pragmas in connection string (applies to all connections)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify WAL mode is active
	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations (this creates the file if it doesn't exist)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Set file permissions after file exists (best-effort)
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: checkpoints, decisions, run history
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS sync_state (
		  collection_id        TEXT PRIMARY KEY,
		  last_modified_remote TEXT,
		  last_run_utc         TEXT
		);

		CREATE TABLE IF NOT EXISTS enrich_decisions (
		  collection_id TEXT NOT NULL,
		  signature     TEXT NOT NULL,
		  needed        INTEGER NOT NULL,
		  source        TEXT,
		  decided_at    TEXT NOT NULL,
		  PRIMARY KEY (collection_id, signature)
		);

		CREATE TABLE IF NOT EXISTS sync_runs (
		  id                TEXT PRIMARY KEY,
		  collection        TEXT NOT NULL,
		  collection_id     TEXT NOT NULL,
		  table_name        TEXT NOT NULL,
		  mode              TEXT NOT NULL,
		  status            TEXT NOT NULL,
		  started_at        TEXT NOT NULL,
		  finished_at       TEXT,
		  checkpoint_before TEXT,
		  checkpoint_after  TEXT,
		  pages             INTEGER NOT NULL DEFAULT 0,
		  fetched           INTEGER NOT NULL DEFAULT 0,
		  inserted          INTEGER NOT NULL DEFAULT 0,
		  updated           INTEGER NOT NULL DEFAULT 0,
		  skipped_inactive  INTEGER NOT NULL DEFAULT 0,
		  skipped_unchanged INTEGER NOT NULL DEFAULT 0,
		  enriched          INTEGER NOT NULL DEFAULT 0,
		  enrich_failed     INTEGER NOT NULL DEFAULT 0,
		  error             TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_sync_runs_collection_started
		ON sync_runs(collection, started_at DESC);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: audit tables
	if version < 2 {
		schema := `
		CREATE TABLE IF NOT EXISTS audit_schema (
		  id          INTEGER PRIMARY KEY AUTOINCREMENT,
		  ts          TEXT NOT NULL,
		  table_name  TEXT NOT NULL,
		  action      TEXT NOT NULL,
		  column_name TEXT,
		  detail      TEXT
		);

		CREATE TABLE IF NOT EXISTS audit_dml (
		  id         INTEGER PRIMARY KEY AUTOINCREMENT,
		  ts         TEXT NOT NULL,
		  run_id     TEXT,
		  table_name TEXT NOT NULL,
		  page       INTEGER NOT NULL,
		  inserted   INTEGER NOT NULL,
		  updated    INTEGER NOT NULL,
		  checkpoint TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_dml_run ON audit_dml(run_id);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
