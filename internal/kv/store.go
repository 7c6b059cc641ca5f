// Package kv is the shared key-value store every worker process coordinates
// through. It offers a small Redis-like surface (strings with TTL, lists and
// scored sets) on top of a single SQLite file opened in WAL mode, so separate
// processes pointed at the same file see one consistent keyspace.
//
// Multi-key operations run inside Update, which maps to one IMMEDIATE
// transaction: either every operation in the callback is applied or none is.
package kv

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "kv-v1-lists-zsets-ttl"
)

// Store is a SQLite-backed key-value store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for TTL bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// DefaultPath returns the KV file location under the given home directory.
func DefaultPath(homeDir string) string {
	return filepath.Join(homeDir, "kv.db")
}

// Open opens (creating if needed) the KV database at path.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("kv: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create kv directory: %w", err)
	}

	// _txlock=immediate takes the write lock at BEGIN so concurrent
	// read-modify-write transactions from other processes queue on
	// busy_timeout instead of failing at commit.
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
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
		return fmt.Errorf("begin kv migration tx: %w", err)
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
		return fmt.Errorf("read kv migration version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("kv schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read kv schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("kv schema checksum mismatch: got %q want %q", existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS kv_strings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS kv_lists (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			pos INTEGER NOT NULL,
			value TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_kv_lists_key_pos ON kv_lists(key, pos);`,
		`CREATE TABLE IF NOT EXISTS kv_zsets (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			score REAL NOT NULL,
			PRIMARY KEY (key, member)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_kv_zsets_key_score ON kv_zsets(key, score);`,
		`CREATE INDEX IF NOT EXISTS idx_kv_strings_expires ON kv_strings(expires_at) WHERE expires_at IS NOT NULL;`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("kv schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record kv migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit kv migration tx: %w", err)
	}
	return nil
}

// Update runs fn inside a single write transaction. The transaction is
// committed when fn returns nil and rolled back otherwise. SQLite BUSY
// errors are retried with bounded jittered backoff; fn may therefore run
// more than once and must not have side effects outside tx.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin kv tx: %w", err)
		}
		defer func() { _ = sqlTx.Rollback() }()

		tx := &Tx{ctx: ctx, tx: sqlTx, now: s.now()}
		if err := fn(tx); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit kv tx: %w", err)
		}
		return nil
	})
}

// View runs fn inside a transaction whose Tx rejects writes.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin kv read tx: %w", err)
		}
		defer func() { _ = sqlTx.Rollback() }()
		return fn(&Tx{ctx: ctx, tx: sqlTx, now: s.now(), readOnly: true})
	})
}

// Get returns the value stored at key. ok is false when the key is absent
// or expired.
func (s *Store) Get(ctx context.Context, key string) (val string, ok bool, err error) {
	err = s.View(ctx, func(tx *Tx) error {
		val, ok, err = tx.Get(key)
		return err
	})
	return val, ok, err
}

// Set stores val at key. ttl <= 0 means no expiry.
func (s *Store) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Set(key, val, ttl)
	})
}

// SetNX stores val at key only when the key is absent or expired.
func (s *Store) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		ok, err = tx.SetNX(key, val, ttl)
		return err
	})
	return ok, err
}

// CompareAndDelete deletes key only if it currently holds val.
func (s *Store) CompareAndDelete(ctx context.Context, key, val string) (bool, error) {
	var ok bool
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		ok, err = tx.CompareAndDelete(key, val)
		return err
	})
	return ok, err
}

// CompareAndExpire resets key's TTL only if it currently holds val.
func (s *Store) CompareAndExpire(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		ok, err = tx.CompareAndExpire(key, val, ttl)
		return err
	})
	return ok, err
}

// Del removes the given string keys and returns how many existed.
func (s *Store) Del(ctx context.Context, keys ...string) (int, error) {
	var n int
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.Del(keys...)
		return err
	})
	return n, err
}

// Keys returns live string keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Keys(prefix)
		return err
	})
	return out, err
}

// PurgeExpired physically removes expired string keys.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_strings WHERE expires_at IS NOT NULL AND expires_at <= ?;`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired keys: %w", err)
	}
	return res.RowsAffected()
}

// KVSet and KVGet satisfy the small persistence interface used by
// components that only need durable string state.
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return s.Set(ctx, key, val, 0)
}

// KVGet returns "" when key is absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	val, _, err := s.Get(ctx, key)
	return val, err
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 400 * time.Millisecond

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
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
