// Package store owns the SQLite file and the transaction discipline for
// the coordination layer.
//
// SQLite in WAL mode is the shared medium: every coordination primitive
// (event rows, lock leases, wait edges, registry entries) lives in one
// database file that all agent processes open independently. WAL gives one
// writer and many concurrent readers; the busy_timeout pragma plus the
// retry wrapper in retry.go bound how long a writer waits for its turn.
//
// Higher packages never open their own connections. They run reads through
// Read and multi-statement mutations through Write, which commits on a nil
// return and rolls back otherwise.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store manages the SQLite handle shared by every coordination component.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	retry  retryConfig
}

// Querier is the read surface shared by *sql.DB and *sql.Tx. Read hands
// one to its callback so read paths cannot issue mutations.
type Querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Option adjusts how Open configures the store.
type Option func(*Store)

// WithLogger attaches a logger. Open discards logs when none is given.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRetryPolicy overrides the contention retry policy: attempts is the
// total number of tries, baseDelay scales the linear backoff.
func WithRetryPolicy(attempts int, baseDelay time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.retry.maxAttempts = attempts
		}
		if baseDelay > 0 {
			s.retry.baseDelay = baseDelay
		}
	}
}

// Open opens (or creates) the database file and initializes the schema.
// The parent directory is created if missing. Every connection carries the
// WAL, busy_timeout, synchronous and foreign_keys pragmas.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{
		db:     db,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		retry:  defaultRetryConfig,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "coordination_store")

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.logger.Debug("store opened", "path", path)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.logger.Debug("store closed")
	return s.db.Close()
}

// Read runs fn with shared read access. The callback sees a consistent
// snapshot (it runs inside a deferred transaction that is always rolled
// back) and WAL keeps it from blocking writers.
func (s *Store) Read(fn func(q Querier) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only tx, nothing to lose
	return fn(tx)
}

// Write runs fn inside a read-write transaction: commit on nil return,
// rollback on error or panic. The whole transaction is re-run under the
// retry policy when SQLite reports transient contention, so fn must not
// carry side effects outside the transaction.
func (s *Store) Write(fn func(tx *sql.Tx) error) error {
	return s.Retry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin write: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// Retry re-invokes op under the store's contention policy. Write already
// uses it; it is exported for callers composing their own operations.
func (s *Store) Retry(op func() error) error {
	return retryOp(s.retry, op)
}

// Size returns the database file size in bytes as SQLite accounts it.
func (s *Store) Size() (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store size: %w", err)
	}
	return n, nil
}

func (s *Store) migrate() error {
	// Operational tables key on free-form agent names on purpose: agents
	// publish and lock before anything registers them. Foreign keys live on
	// the collaborator-owned tables at the bottom, which always attach to a
	// registered loop.
	schema := `
	CREATE TABLE IF NOT EXISTS loops (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL UNIQUE,
		priority        INTEGER NOT NULL DEFAULT 5,
		branch          TEXT,
		status          TEXT NOT NULL DEFAULT 'stopped'
		                CHECK (status IN ('running','stopped','paused','error')),
		current_test_id TEXT,
		pid             INTEGER,
		created_at      TEXT NOT NULL,
		last_heartbeat  TEXT
	);

	CREATE TABLE IF NOT EXISTS events (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		source          TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		payload         TEXT NOT NULL DEFAULT '{}',
		correlation_id  TEXT,
		priority        INTEGER NOT NULL DEFAULT 5 CHECK (priority BETWEEN 1 AND 10),
		acknowledged    INTEGER NOT NULL DEFAULT 0,
		acknowledged_by TEXT,
		acknowledged_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_poll
		ON events(acknowledged, event_type, priority, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_events_timeline ON events(timestamp);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id             TEXT PRIMARY KEY,
		subscriber     TEXT NOT NULL,
		event_types    TEXT NOT NULL,
		filter_sources TEXT,
		created_at     TEXT NOT NULL,
		last_poll_at   TEXT,
		active         INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_subscriber
		ON subscriptions(subscriber, active);

	CREATE TABLE IF NOT EXISTS file_locks (
		file_path   TEXT PRIMARY KEY,
		locked_by   TEXT NOT NULL,
		locked_at   TEXT NOT NULL,
		lock_reason TEXT,
		expires_at  TEXT NOT NULL,
		test_id     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_file_locks_owner ON file_locks(locked_by);
	CREATE INDEX IF NOT EXISTS idx_file_locks_expiry ON file_locks(expires_at);

	CREATE TABLE IF NOT EXISTS wait_graph (
		waiter        TEXT NOT NULL,
		holder        TEXT NOT NULL,
		resource      TEXT NOT NULL,
		waiting_since TEXT NOT NULL,
		PRIMARY KEY (waiter, resource)
	);
	CREATE INDEX IF NOT EXISTS idx_wait_graph_holder ON wait_graph(holder);

	CREATE TABLE IF NOT EXISTS knowledge (
		id         TEXT PRIMARY KEY,
		source     TEXT NOT NULL,
		category   TEXT NOT NULL,
		content    TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_category ON knowledge(category, created_at);

	CREATE TABLE IF NOT EXISTS decisions (
		id         TEXT PRIMARY KEY,
		decided_by TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		rationale  TEXT,
		tags       TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_key ON decisions(key, created_at);

	CREATE TABLE IF NOT EXISTS component_health (
		component  TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		detail     TEXT,
		checked_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id          TEXT PRIMARY KEY,
		severity    TEXT NOT NULL CHECK (severity IN ('info','warning','critical')),
		source      TEXT NOT NULL,
		message     TEXT NOT NULL,
		details     TEXT NOT NULL DEFAULT '{}',
		created_at  TEXT NOT NULL,
		resolved    INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts(resolved, severity, created_at);

	-- Collaborator-owned tables: the observability and archival jobs write
	-- and retire these rows through the same connection discipline. This
	-- core only guarantees they exist. message_bus_log carries no foreign
	-- key because audit rows outlive cleaned-up events.
	CREATE TABLE IF NOT EXISTS transcript_entries (
		id         TEXT PRIMARY KEY,
		loop_id    TEXT NOT NULL REFERENCES loops(id),
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_entries_loop
		ON transcript_entries(loop_id, created_at);

	CREATE TABLE IF NOT EXISTS tool_uses (
		id            TEXT PRIMARY KEY,
		transcript_id TEXT NOT NULL REFERENCES transcript_entries(id),
		tool_name     TEXT NOT NULL,
		input         TEXT NOT NULL DEFAULT '{}',
		output        TEXT,
		created_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS skill_traces (
		id         TEXT PRIMARY KEY,
		loop_id    TEXT NOT NULL REFERENCES loops(id),
		skill      TEXT NOT NULL,
		outcome    TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assertion_chains (
		id         TEXT PRIMARY KEY,
		loop_id    TEXT NOT NULL REFERENCES loops(id),
		title      TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assertion_results (
		id         TEXT PRIMARY KEY,
		chain_id   TEXT NOT NULL REFERENCES assertion_chains(id),
		assertion  TEXT NOT NULL,
		passed     INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS message_bus_log (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id  TEXT NOT NULL,
		action    TEXT NOT NULL,
		actor     TEXT,
		logged_at TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	s.logger.Debug("schema migrated")
	return nil
}
