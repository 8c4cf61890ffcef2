// Package storage opens the sqlite database shared by the item store, the
// change log and the usage ledger, and owns its schema.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Open opens (creating if needed) the database at path and applies the
// schema. An in-memory database is pinned to one connection so every
// caller sees the same data.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if path != MemoryPath {
		file, _, _ := strings.Cut(path, "?")
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir for %s: %w", path, err)
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = "file:" + path + sep + "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates any missing tables. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}

// Timestamps are stored as UTC unix nanoseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		tenant_id  TEXT    NOT NULL,
		item_id    TEXT    NOT NULL,
		payload    BLOB    NOT NULL,
		version    INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, item_id)
	)`,
	`CREATE TABLE IF NOT EXISTS change_log (
		tenant_id      TEXT    NOT NULL,
		seq            INTEGER NOT NULL,
		event_id       TEXT    NOT NULL UNIQUE,
		item_id        TEXT    NOT NULL,
		operation      TEXT    NOT NULL,
		occurred_at    INTEGER NOT NULL,
		billable_units INTEGER NOT NULL,
		payload_bytes  INTEGER NOT NULL,
		dispatched_at  INTEGER,
		PRIMARY KEY (tenant_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS change_log_pending
		ON change_log (dispatched_at, tenant_id, seq)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		tenant_id  TEXT    NOT NULL,
		period     TEXT    NOT NULL,
		state      TEXT    NOT NULL,
		counters   TEXT    NOT NULL,
		period_end INTEGER NOT NULL,
		closing_at INTEGER,
		closed_at  INTEGER,
		compacted  INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, period)
	)`,
	`CREATE TABLE IF NOT EXISTS applied_events (
		tenant_id   TEXT    NOT NULL,
		period      TEXT    NOT NULL,
		event_id    TEXT    NOT NULL,
		fingerprint TEXT    NOT NULL,
		applied_at  INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, period, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS adjustments (
		tenant_id   TEXT    NOT NULL,
		event_id    TEXT    NOT NULL,
		period      TEXT    NOT NULL,
		operation   TEXT    NOT NULL,
		counters    TEXT    NOT NULL,
		fingerprint TEXT    NOT NULL,
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, event_id)
	)`,
}

// NanoTime converts a stored timestamp back to UTC.
func NanoTime(n int64) time.Time { return time.Unix(0, n).UTC() }

// NullNanoTime converts a nullable stored timestamp.
func NullNanoTime(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return NanoTime(n.Int64)
}
