// Package store persists agent profiles, lead sessions and the interaction log in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle shared by the stores.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs the schema migration.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has a single writer; one connection keeps transactions from
	// tripping over SQLITE_BUSY under concurrent commits.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &DB{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS agent_profiles (
		id                  TEXT NOT NULL,
		tenant_id           TEXT NOT NULL,
		name                TEXT NOT NULL DEFAULT '',
		type                TEXT NOT NULL,
		legal_area          TEXT NOT NULL DEFAULT '',
		prompt_base         TEXT NOT NULL,
		personality         TEXT NOT NULL DEFAULT '',
		specialization_tags TEXT NOT NULL DEFAULT '[]',
		escalation_rules    TEXT NOT NULL DEFAULT '[]',
		max_interactions    INTEGER NOT NULL DEFAULT 0,
		active              INTEGER NOT NULL DEFAULT 1,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_profiles_active_type
		ON agent_profiles(tenant_id, type) WHERE active = 1;

	CREATE TABLE IF NOT EXISTS lead_sessions (
		tenant_id               TEXT NOT NULL,
		lead_id                 TEXT NOT NULL,
		channel                 TEXT NOT NULL,
		current_agent_type      TEXT NOT NULL,
		interaction_count       INTEGER NOT NULL CHECK (interaction_count >= 0),
		agent_interaction_count INTEGER NOT NULL CHECK (agent_interaction_count >= 0),
		status                  TEXT NOT NULL,
		last_activity_at        INTEGER NOT NULL,
		created_at              INTEGER NOT NULL,
		version                 INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, lead_id, channel)
	);
	CREATE INDEX IF NOT EXISTS idx_lead_sessions_activity
		ON lead_sessions(last_activity_at) WHERE status NOT IN ('closed', 'abandoned');
	CREATE INDEX IF NOT EXISTS idx_lead_sessions_agent
		ON lead_sessions(tenant_id, current_agent_type, status);

	CREATE TABLE IF NOT EXISTS interaction_records (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		tenant_id       TEXT NOT NULL,
		lead_id         TEXT NOT NULL,
		channel         TEXT NOT NULL,
		agent_id        TEXT NOT NULL DEFAULT '',
		message_id      TEXT,
		kind            TEXT NOT NULL,
		ts              INTEGER NOT NULL,
		inbound_text    TEXT NOT NULL DEFAULT '',
		outbound_text   TEXT NOT NULL DEFAULT '',
		escalated       INTEGER NOT NULL DEFAULT 0,
		forced          INTEGER NOT NULL DEFAULT 0,
		from_agent_type TEXT NOT NULL,
		to_agent_type   TEXT,
		status          TEXT NOT NULL,
		latency_ms      INTEGER NOT NULL DEFAULT 0,
		config_error    TEXT NOT NULL DEFAULT '',
		reason          TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_interaction_records_message
		ON interaction_records(tenant_id, lead_id, channel, message_id) WHERE message_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_interaction_records_session
		ON interaction_records(tenant_id, lead_id, channel, seq);
	CREATE INDEX IF NOT EXISTS idx_interaction_records_agent
		ON interaction_records(tenant_id, agent_id, ts);

	CREATE TABLE IF NOT EXISTS tenant_settings (
		tenant_id        TEXT PRIMARY KEY,
		entry_agent_type TEXT NOT NULL,
		updated_at       INTEGER NOT NULL
	);
	`)
	return err
}

// Ping verifies database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

// isBusy reports whether err is SQLite lock contention that outlasted busy_timeout.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
