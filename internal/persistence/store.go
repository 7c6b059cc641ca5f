// Package persistence is the durable task and batch record. SQLite is the
// source of truth; an in-memory mirror serves hot reads for polling
// clients.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/stockdesk/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "sd-v1-tasks-batches-events"

	// v2 adds analysis_results for the result sink.
	schemaVersionV2  = 2
	schemaChecksumV2 = "sd-v2-analysis-results"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	// Fixed-width UTC layout so TEXT comparison orders like time.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateTask     = errors.New("duplicate task")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the SQLite-backed task state store.
type Store struct {
	db     *sql.DB
	bus    *bus.Bus // may be nil in tests
	logger *slog.Logger
	now    func() time.Time
	mirror *mirror
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMirrorFreshness sets how long a non-terminal task may be served from
// the mirror before re-reading SQLite.
func WithMirrorFreshness(d time.Duration) Option {
	return func(s *Store) { s.mirror.freshness = d }
}

// DefaultDBPath returns the database location under homeDir.
func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "stockdesk.db")
}

// Open opens (creating if needed) the task database at path.
func Open(path string, eventBus *bus.Bus, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("persistence: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{
		db:     db,
		bus:    eventBus,
		logger: slog.Default(),
		now:    time.Now,
		mirror: newMirror(500 * time.Millisecond),
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowUTC() time.Time {
	return s.now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	known := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion > 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != known[maxVersion] {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, known[maxVersion])
		}
	}
	if maxVersion == schemaVersionLatest {
		return tx.Commit()
	}

	migrations := []struct {
		version  int
		checksum string
		stmts    []string
	}{
		{schemaVersionV1, schemaChecksumV1, []string{
			`CREATE TABLE IF NOT EXISTS batches (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				total_tasks INTEGER NOT NULL,
				parameters TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				symbol TEXT NOT NULL,
				batch_id TEXT REFERENCES batches(id) ON DELETE SET NULL,
				parameters TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
				progress INTEGER NOT NULL DEFAULT 0,
				message TEXT NOT NULL DEFAULT '',
				current_step TEXT NOT NULL DEFAULT '',
				result TEXT,
				error_message TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				started_at TEXT,
				completed_at TEXT,
				updated_at TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks(user_id, created_at DESC);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status_started ON tasks(status, started_at);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_batch ON tasks(batch_id);`,
			`CREATE TABLE IF NOT EXISTS task_events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				trace_id TEXT NOT NULL DEFAULT '-',
				state_from TEXT,
				state_to TEXT NOT NULL,
				message TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		}},
		{schemaVersionV2, schemaChecksumV2, []string{
			`CREATE TABLE IF NOT EXISTS analysis_results (
				task_id TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
				user_id TEXT NOT NULL,
				symbol TEXT NOT NULL,
				action TEXT NOT NULL DEFAULT '',
				document TEXT NOT NULL,
				created_at TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_analysis_results_symbol ON analysis_results(symbol, created_at DESC);`,
		}},
	}
	for _, m := range migrations {
		if m.version <= maxVersion {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES (?, ?);`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
