// Package lock provides token-owned mutual exclusion over the shared KV
// store. A lock is a string key whose value is a random owner token and
// whose expiry is the lock TTL; only the holder of the token may release
// or extend it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/basket/stockdesk/internal/kv"
)

// ErrLockContention is returned when a lock is held by someone else.
// Callers should back off and retry; it is not fatal.
var ErrLockContention = errors.New("lock contention")

// ContentionFunc is called every time an acquire attempt loses.
type ContentionFunc func(key string)

// Manager acquires and releases locks in a kv.Store.
type Manager struct {
	store        *kv.Store
	logger       *slog.Logger
	onContention ContentionFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithContentionHook registers a callback for lost acquire attempts.
func WithContentionHook(fn ContentionFunc) Option {
	return func(m *Manager) { m.onContention = fn }
}

// NewManager returns a Manager backed by store.
func NewManager(store *kv.Store, opts ...Option) *Manager {
	m := &Manager{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire sets key to a fresh token if it is absent or expired. It returns
// ErrLockContention when another owner holds the key.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("acquire %s: ttl must be positive", key)
	}
	token := uuid.NewString()
	ok, err := m.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return "", fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		if m.onContention != nil {
			m.onContention(key)
		}
		return "", fmt.Errorf("acquire %s: %w", key, ErrLockContention)
	}
	return token, nil
}

// AcquireWait retries Acquire with jittered backoff until it succeeds, wait
// elapses or ctx is done. The last contention error is returned on timeout.
func (m *Manager) AcquireWait(ctx context.Context, key string, ttl, wait time.Duration) (string, error) {
	deadline := time.Now().Add(wait)
	delay := 5 * time.Millisecond
	const maxDelay = 100 * time.Millisecond
	for {
		token, err := m.Acquire(ctx, key, ttl)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrLockContention) {
			return "", err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", err
		}
		sleep := delay/2 + time.Duration(rand.Int64N(int64(delay)))
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(sleep):
		}
		if delay < maxDelay {
			delay *= 2
		}
	}
}

// Release deletes key only if it still holds token. It reports false when
// the lock had expired or belongs to someone else.
func (m *Manager) Release(ctx context.Context, key, token string) (bool, error) {
	ok, err := m.store.CompareAndDelete(ctx, key, token)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	if !ok {
		m.logger.Debug("lock release skipped, not owner", "key", key)
	}
	return ok, nil
}

// Extend resets the TTL of key if it still holds token.
func (m *Manager) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := m.store.CompareAndExpire(ctx, key, token, ttl)
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", key, err)
	}
	return ok, nil
}

// WithLock acquires key (waiting up to wait), runs fn and releases the
// lock. fn's error is returned as-is.
func (m *Manager) WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	token, err := m.AcquireWait(ctx, key, ttl, wait)
	if err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so a cancelled caller still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := m.Release(releaseCtx, key, token); err != nil {
			m.logger.Warn("lock release failed", "key", key, "error", err)
		}
	}()
	return fn(ctx)
}

// Key helpers for the shared namespace.

// TaskKey is the per-task mutual exclusion key.
func TaskKey(taskID string) string { return "task:" + taskID + ":lock" }

// UserKey guards enqueue for one user.
func UserKey(userID string) string { return "user:" + userID + ":lock" }

// MaintenanceKey guards a periodic job so a single worker runs it.
func MaintenanceKey(job string) string { return "maintenance:" + job }
