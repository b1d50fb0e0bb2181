package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	user_id    TEXT NOT NULL,
	cache_key  TEXT NOT NULL,
	cache_type TEXT NOT NULL,
	data       TEXT NOT NULL,
	synced_at  INTEGER NOT NULL,
	PRIMARY KEY (user_id, cache_key)
);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id         TEXT NOT NULL,
	dedupe_key      TEXT NOT NULL,
	job_type        TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	started_at      INTEGER,
	last_error      TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_jobs_active_dedupe
	ON sync_jobs (user_id, dedupe_key)
	WHERE status IN ('pending', 'running');

CREATE INDEX IF NOT EXISTS idx_sync_jobs_due
	ON sync_jobs (user_id, status, next_attempt_at, id);
`

// Options tunes queue policy. Zero values fall back to the defaults below.
type Options struct {
	MaxAttempts    int           // failures before a job is dead-lettered
	LeaseTimeout   time.Duration // running jobs older than this are reclaimed
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	ErrorMaxLen    int // stored error messages are truncated to this

	// OnReclaim, if set, observes the number of jobs recovered by each
	// lease-expiry sweep. Used to feed telemetry without coupling the store
	// to it.
	OnReclaim func(int64)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 8
	}
	if o.LeaseTimeout == 0 {
		o.LeaseTimeout = 10 * time.Minute
	}
	if o.BackoffFloor == 0 {
		o.BackoffFloor = 5 * time.Second
	}
	if o.BackoffCeiling == 0 {
		o.BackoffCeiling = 15 * time.Minute
	}
	if o.ErrorMaxLen == 0 {
		o.ErrorMaxLen = 2000
	}
	return o
}

// Store wraps a SQLite database holding the GitHub data cache and the
// background sync-job queue. Construct one per process and share it; the
// underlying connection handles its own serialization via busy-timeout.
type Store struct {
	db   *sql.DB
	opts Options
}

// Open opens (creating if needed) the SQLite database at path and runs the
// idempotent schema migration.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, opts: opts.withDefaults()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
