// Package store provides the central SQLite database for crmclaw.
// A single crmclaw.db file holds connected orgs, the job ledger (jobs,
// logs, artifacts), cache entries, and the dispatch queue.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// Sentinel errors shared by ledger operations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an illegal state transition or a refused
	// mutation (e.g. disconnecting an org with active jobs).
	ErrConflict = errors.New("conflict")
)

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Connected CRM orgs.
CREATE TABLE IF NOT EXISTS orgs (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL,
    name          TEXT NOT NULL,
    class         TEXT NOT NULL DEFAULT 'production',
    instance_url  TEXT NOT NULL,
    auth_url      TEXT DEFAULT '',
    client_id     TEXT DEFAULT '',
    client_secret TEXT DEFAULT '',
    access_token  TEXT DEFAULT '',
    refresh_token TEXT DEFAULT '',
    connected_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orgs_account ON orgs(account_id);

-- Job ledger.
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL,
    org_id           TEXT NOT NULL,
    user_id          TEXT DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'queued',
    type             TEXT NOT NULL DEFAULT 'chat',
    title            TEXT DEFAULT '',
    message          TEXT DEFAULT '',
    transcript       TEXT DEFAULT '[]',
    channel_id       TEXT DEFAULT '',
    thread_ts        TEXT DEFAULT '',
    pending_question TEXT DEFAULT '',
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL,
    completed_at     TEXT,
    duration_ms      INTEGER DEFAULT 0,
    turns            INTEGER DEFAULT 0,
    tool_calls       INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_org ON jobs(org_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_thread ON jobs(channel_id, thread_ts);

-- Job activity log (append-only).
CREATE TABLE IF NOT EXISTS job_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    level      TEXT NOT NULL DEFAULT 'info',
    message    TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id);

-- Job output artifacts (write-once).
CREATE TABLE IF NOT EXISTS job_artifacts (
    id           TEXT PRIMARY KEY,
    job_id       TEXT NOT NULL,
    name         TEXT NOT NULL,
    content_type TEXT DEFAULT 'text/plain',
    body         BLOB,
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_artifacts_job ON job_artifacts(job_id);

-- Cached org data, keyed by (org, cache key). Upsert-on-write.
CREATE TABLE IF NOT EXISTS cache_entries (
    org_id      TEXT NOT NULL,
    cache_key   TEXT NOT NULL,
    payload     BLOB,
    fetched_at  TEXT NOT NULL,
    ttl_seconds INTEGER NOT NULL,
    PRIMARY KEY (org_id, cache_key)
);

-- Dispatch queue (one entry per job, at-least-once delivery).
CREATE TABLE IF NOT EXISTS dispatch_queue (
    job_id     TEXT PRIMARY KEY,
    status     TEXT NOT NULL DEFAULT 'queued',
    attempts   INTEGER DEFAULT 0,
    not_before TEXT NOT NULL,
    last_error TEXT DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_status ON dispatch_queue(status, not_before);
`

// Store wraps the SQLite database with ledger operations.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the crmclaw.db at the given path, enables WAL mode
// for concurrent read performance, and creates all tables.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = "./data/crmclaw.db"
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// DB exposes the underlying handle for packages that share the database
// (the dispatch queue keeps its own statements against the same file).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// tsFormat is fixed-width so the string ORDER BY on stored timestamps
// follows chronological order (RFC3339Nano drops trailing zeros).
const tsFormat = "2006-01-02T15:04:05.000000000Z"

// now returns the canonical timestamp representation used in all tables.
func now() string {
	return time.Now().UTC().Format(tsFormat)
}

// parseTime converts a stored timestamp back to time.Time.
// Zero time is returned for empty/invalid values.
func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
