// Package store provides SQLite persistence for the durable pieces of the
// orchestration core: scheduled jobs, trigger rule records, and circuit
// breaker snapshots. Schema evolution is an explicit ordered migration list
// applied once at startup, tracked in a schema_version table.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/toolmesh/toolmesh/logging"
)

// ErrCorruptStore marks a database whose recorded schema version is ahead of
// this binary. Startup must abort rather than run degraded.
var ErrCorruptStore = errors.New("corrupt or incompatible job store")

// migrations is the ordered, append-only schema history. Entry i migrates the
// database to version i+1. Never reorder or edit released entries.
var migrations = []string{
	// v1: scheduled jobs
	`CREATE TABLE jobs (
		id       TEXT PRIMARY KEY,
		name     TEXT NOT NULL DEFAULT '',
		spec     TEXT NOT NULL,
		action   TEXT NOT NULL,
		next_run DATETIME NOT NULL,
		last_run DATETIME,
		enabled  INTEGER NOT NULL DEFAULT 1,
		running  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX idx_jobs_due ON jobs(enabled, running, next_run);`,

	// v2: trigger rule records (declarative spec as JSON, firing state)
	`CREATE TABLE trigger_rules (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL DEFAULT '',
		spec          TEXT NOT NULL,
		enabled       INTEGER NOT NULL DEFAULT 1,
		last_fired_at DATETIME
	);`,

	// v3: circuit breaker snapshots for restart survival
	`CREATE TABLE circuit_snapshots (
		tool                 TEXT PRIMARY KEY,
		state                TEXT NOT NULL,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		opened_at            DATETIME,
		cooldown_until       DATETIME,
		trip_count           INTEGER NOT NULL DEFAULT 0
	);`,
}

// Options configures a Store.
type Options struct {
	// Logger receives store lifecycle events. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Store is a SQLite-backed persistence layer. One Store serves the job store,
// rule store and breaker store interfaces.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens (creating if needed) the database at path, enables WAL mode and
// applies pending migrations. Parent directories are created. A database
// whose schema version is ahead of this binary fails with ErrCorruptStore.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Logger: logging.NewNoOpLogger()}
	for _, fn := range optFns {
		fn(&opts)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL allows concurrent readers while the scheduler writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db, logger: opts.Logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("sqlite store ready", "path", path, "schema_version", len(migrations))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// migrate applies the pending tail of the migration list inside transactions,
// one version at a time, recording each step in schema_version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("%w: reading schema version: %v", ErrCorruptStore, err)
	}
	if current > len(migrations) {
		return fmt.Errorf("%w: database is at schema version %d, this binary knows %d",
			ErrCorruptStore, current, len(migrations))
	}

	for version := current + 1; version <= len(migrations); version++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", version, err)
		}
		if _, err := tx.Exec(migrations[version-1]); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
		s.logger.Info("applied schema migration", "version", version)
	}
	return nil
}
