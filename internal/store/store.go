// Package store is the SQLite persistence layer shared by the metrics,
// learning, insight and error-pattern components.
//
// Every write is a single statement or a single transaction, so a concurrent
// reader never observes a half-updated row.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS performance_metrics (
	operation_id TEXT PRIMARY KEY,
	operation_type TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	duration REAL NOT NULL,
	success INTEGER NOT NULL,
	error_message TEXT,
	confidence_score REAL NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	quality_score REAL NOT NULL DEFAULT 0,
	user_feedback TEXT,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_type_end ON performance_metrics(operation_type, end_time);

CREATE TABLE IF NOT EXISTS learning_entries (
	entry_id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	category TEXT NOT NULL,
	problem TEXT NOT NULL,
	problem_key TEXT NOT NULL UNIQUE,
	solution TEXT NOT NULL,
	success_rate REAL NOT NULL DEFAULT 0,
	times_used INTEGER NOT NULL DEFAULT 0,
	effectiveness_score REAL NOT NULL DEFAULT 0,
	source TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learning_problem ON learning_entries(problem);
CREATE INDEX IF NOT EXISTS idx_learning_rank ON learning_entries(effectiveness_score DESC, times_used DESC);

CREATE TABLE IF NOT EXISTS optimization_insights (
	insight_id TEXT PRIMARY KEY,
	insight_type TEXT NOT NULL,
	description TEXT NOT NULL UNIQUE,
	impact_score REAL NOT NULL DEFAULT 0,
	implementation_count INTEGER NOT NULL DEFAULT 0,
	avg_improvement REAL NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	area TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS error_patterns (
	pattern_id TEXT PRIMARY KEY,
	error_signature TEXT NOT NULL UNIQUE,
	error_type TEXT NOT NULL DEFAULT '',
	solution_count INTEGER NOT NULL DEFAULT 0,
	best_solution TEXT NOT NULL DEFAULT '',
	avg_fix_time REAL NOT NULL DEFAULT 0,
	last_seen INTEGER NOT NULL
);
`

// DB wraps the SQLite handle.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// The parent directory is created with 0700 permissions.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises writers and keeps an in-memory database alive
	// for the lifetime of the handle.
	db.SetMaxOpenConns(1)

	s := &DB{db: db}
	if err := s.init(ctx, path); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) init(ctx context.Context, path string) error {
	if path != MemoryPath {
		var mode string
		if err := s.db.QueryRowContext(ctx, `PRAGMA journal_mode=WAL;`).Scan(&mode); err != nil {
			return fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
		schemaVersion, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied schema version.
func (s *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, wrapErr("read schema version", err)
	}
	return int(v.Int64), nil
}

// Ping checks the connection.
func (s *DB) Ping(ctx context.Context) error {
	return wrapErr("ping", s.db.PingContext(ctx))
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success.
// fn must use tx for every statement; the pool holds a single connection.
func (s *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return wrapErr("commit", tx.Commit())
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || err.Error() == "sql: database is closed" {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// unixNanos maps the zero time to the smallest instant so "since zero" means
// every row.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixNano()
}
