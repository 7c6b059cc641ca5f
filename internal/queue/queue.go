// Package queue implements admission control over the shared KV store:
// FIFO pending lists per user and globally, a processing set with a
// visibility deadline, and a global plus per-user concurrency cap checked
// at dispatch time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/basket/stockdesk/internal/kv"
	"github.com/basket/stockdesk/internal/lock"
)

// ErrQueueFull is returned by Enqueue when the user's pending list is at
// its cap.
var ErrQueueFull = errors.New("queue full")

const (
	globalPendingKey    = "global:pending"
	globalProcessingKey = "global:processing"
	dispatchLockKey     = "queue:dispatch:lock"
)

func userPendingKey(userID string) string    { return "user:" + userID + ":pending" }
func userProcessingKey(userID string) string { return "user:" + userID + ":processing" }
func entryKey(taskID string) string          { return "queue:entry:" + taskID }

// Entry is the queued envelope for one task.
type Entry struct {
	TaskID     string         `json:"task_id"`
	UserID     string         `json:"user_id"`
	Symbol     string         `json:"symbol"`
	BatchID    string         `json:"batch_id,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	VisibleAt  time.Time      `json:"visible_at,omitempty"`
	Attempts   int            `json:"attempts"`
}

// EnqueueRequest describes a task to admit.
type EnqueueRequest struct {
	TaskID  string
	UserID  string
	Symbol  string
	BatchID string
	Params  map[string]any
}

// Limits are the admission-control knobs. They can be changed at runtime
// with SetLimits.
type Limits struct {
	GlobalLimit       int
	PerUserLimit      int
	MaxPendingPerUser int
	VisibilityTimeout time.Duration
	LockTTL           time.Duration
}

// DefaultLimits returns the limits used when config leaves them unset.
func DefaultLimits() Limits {
	return Limits{
		GlobalLimit:       8,
		PerUserLimit:      2,
		MaxPendingPerUser: 50,
		VisibilityTimeout: 15 * time.Minute,
		LockTTL:           10 * time.Second,
	}
}

func (l Limits) normalized() Limits {
	def := DefaultLimits()
	if l.GlobalLimit <= 0 {
		l.GlobalLimit = def.GlobalLimit
	}
	if l.PerUserLimit <= 0 {
		l.PerUserLimit = def.PerUserLimit
	}
	if l.MaxPendingPerUser <= 0 {
		l.MaxPendingPerUser = def.MaxPendingPerUser
	}
	if l.VisibilityTimeout <= 0 {
		l.VisibilityTimeout = def.VisibilityTimeout
	}
	if l.LockTTL <= 0 {
		l.LockTTL = def.LockTTL
	}
	return l
}

// UserStats counts one user's queued work.
type UserStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	GlobalPending    int                  `json:"global_pending"`
	GlobalProcessing int                  `json:"global_processing"`
	Users            map[string]UserStats `json:"users"`
}

// Controller is the queue. It is safe for concurrent use, and several
// Controllers in separate processes may share one kv.Store file.
type Controller struct {
	store        *kv.Store
	locks        *lock.Manager
	logger       *slog.Logger
	dispatchWait time.Duration

	mu     sync.RWMutex
	limits Limits
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDispatchWait bounds how long DequeueNext waits for the dispatch lock.
func WithDispatchWait(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.dispatchWait = d
		}
	}
}

// NewController builds a Controller.
func NewController(store *kv.Store, locks *lock.Manager, limits Limits, opts ...Option) *Controller {
	c := &Controller{
		store:        store,
		locks:        locks,
		logger:       slog.Default(),
		dispatchWait: 250 * time.Millisecond,
		limits:       limits.normalized(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limits returns the current limits.
func (c *Controller) Limits() Limits {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limits
}

// SetLimits replaces the limits. Entries already processing are not
// affected; the new caps apply from the next dispatch.
func (c *Controller) SetLimits(l Limits) {
	l = l.normalized()
	c.mu.Lock()
	c.limits = l
	c.mu.Unlock()
	c.logger.Info("queue limits updated",
		"global_limit", l.GlobalLimit,
		"per_user_limit", l.PerUserLimit,
		"max_pending_per_user", l.MaxPendingPerUser,
		"visibility_timeout", l.VisibilityTimeout.String(),
	)
}

// Enqueue appends the task to the user's and the global pending lists in
// one transaction, under the user's enqueue lock.
func (c *Controller) Enqueue(ctx context.Context, req EnqueueRequest) (Entry, error) {
	if strings.TrimSpace(req.TaskID) == "" || strings.TrimSpace(req.UserID) == "" {
		return Entry{}, fmt.Errorf("enqueue: task id and user id are required")
	}
	limits := c.Limits()
	entry := Entry{
		TaskID:     req.TaskID,
		UserID:     req.UserID,
		Symbol:     req.Symbol,
		BatchID:    req.BatchID,
		Params:     req.Params,
		EnqueuedAt: c.store.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal queue entry: %w", err)
	}

	err = c.locks.WithLock(ctx, lock.UserKey(req.UserID), limits.LockTTL, limits.LockTTL, func(ctx context.Context) error {
		return c.store.Update(ctx, func(tx *kv.Tx) error {
			pending, err := tx.LLen(userPendingKey(req.UserID))
			if err != nil {
				return err
			}
			if pending >= limits.MaxPendingPerUser {
				return fmt.Errorf("user %s has %d pending tasks (max %d): %w", req.UserID, pending, limits.MaxPendingPerUser, ErrQueueFull)
			}
			if _, ok, err := tx.Get(entryKey(req.TaskID)); err != nil {
				return err
			} else if ok {
				return fmt.Errorf("task %s is already queued", req.TaskID)
			}
			if err := tx.Set(entryKey(req.TaskID), string(raw), 0); err != nil {
				return err
			}
			if _, err := tx.RPush(userPendingKey(req.UserID), req.TaskID); err != nil {
				return err
			}
			_, err = tx.RPush(globalPendingKey, req.TaskID)
			return err
		})
	})
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue %s: %w", req.TaskID, err)
	}
	c.logger.Debug("task enqueued", "task_id", req.TaskID, "user_id", req.UserID, "symbol", req.Symbol)
	return entry, nil
}

// DequeueNext moves the oldest eligible pending entry to the processing
// set and returns it. It returns (nil, nil) when nothing is eligible: the
// queue is empty, the global cap is reached, or every pending entry
// belongs to a user at their cap. Losing the race for the dispatch lock
// returns an error wrapping lock.ErrLockContention.
func (c *Controller) DequeueNext(ctx context.Context) (*Entry, error) {
	limits := c.Limits()
	token, err := c.locks.AcquireWait(ctx, dispatchLockKey, limits.LockTTL, c.dispatchWait)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	defer func() {
		if _, err := c.locks.Release(context.WithoutCancel(ctx), dispatchLockKey, token); err != nil {
			c.logger.Warn("release dispatch lock failed", "error", err)
		}
	}()

	var out *Entry
	err = c.store.Update(ctx, func(tx *kv.Tx) error {
		out = nil
		inFlight, err := tx.ZCard(globalProcessingKey)
		if err != nil {
			return err
		}
		if inFlight >= limits.GlobalLimit {
			return nil
		}
		ids, err := tx.LRange(globalPendingKey, 0, -1)
		if err != nil {
			return err
		}
		userLoad := make(map[string]int)
		for _, id := range ids {
			entry, ok, err := readEntry(tx, id)
			if err != nil {
				return err
			}
			if !ok {
				// Envelope gone (acked or removed while pending); drop the stale id.
				if _, err := tx.LRem(globalPendingKey, id); err != nil {
					return err
				}
				continue
			}
			load, seen := userLoad[entry.UserID]
			if !seen {
				load, err = tx.ZCard(userProcessingKey(entry.UserID))
				if err != nil {
					return err
				}
				userLoad[entry.UserID] = load
			}
			if load >= limits.PerUserLimit {
				continue
			}

			now := tx.Now().UTC()
			entry.VisibleAt = now.Add(limits.VisibilityTimeout)
			entry.Attempts++
			if err := moveToProcessing(tx, entry); err != nil {
				return err
			}
			out = &entry
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if out != nil {
		c.logger.Debug("task dequeued", "task_id", out.TaskID, "user_id", out.UserID, "attempt", out.Attempts)
	}
	return out, nil
}

func moveToProcessing(tx *kv.Tx, entry Entry) error {
	if _, err := tx.LRem(globalPendingKey, entry.TaskID); err != nil {
		return err
	}
	if _, err := tx.LRem(userPendingKey(entry.UserID), entry.TaskID); err != nil {
		return err
	}
	score := float64(entry.VisibleAt.UnixMilli())
	if _, err := tx.ZAdd(globalProcessingKey, entry.TaskID, score); err != nil {
		return err
	}
	if _, err := tx.ZAdd(userProcessingKey(entry.UserID), entry.TaskID, score); err != nil {
		return err
	}
	return writeEntry(tx, entry)
}

// Ack removes a finished task from the processing set. It is idempotent.
// A late ack for an entry that was already requeued also withdraws the
// redelivery, since the work is done.
func (c *Controller) Ack(ctx context.Context, taskID string) error {
	if _, err := c.remove(ctx, taskID, 0); err != nil {
		return fmt.Errorf("ack %s: %w", taskID, err)
	}
	return nil
}

// AckDelivery is Ack for one delivery of entry. It reports false and
// leaves the queue untouched when a later delivery of the task owns the
// envelope, so a worker that lost its visibility window cannot release
// the slot of the worker now holding it.
func (c *Controller) AckDelivery(ctx context.Context, entry Entry) (bool, error) {
	acked, err := c.remove(ctx, entry.TaskID, entry.Attempts)
	if err != nil {
		return false, fmt.Errorf("ack %s: %w", entry.TaskID, err)
	}
	if !acked {
		c.logger.Warn("stale ack ignored", "task_id", entry.TaskID, "attempt", entry.Attempts)
	}
	return acked, nil
}

// RemoveTask withdraws a task from both pending and processing,
// whatever its state. It is idempotent and safe against concurrent
// dequeue and ack.
func (c *Controller) RemoveTask(ctx context.Context, taskID string) error {
	if _, err := c.remove(ctx, taskID, 0); err != nil {
		return fmt.Errorf("remove %s: %w", taskID, err)
	}
	return nil
}

// remove drops every trace of taskID. A positive attempt must match the
// stored envelope; on mismatch nothing changes and remove reports false.
func (c *Controller) remove(ctx context.Context, taskID string, attempt int) (bool, error) {
	var removed bool
	err := c.store.Update(ctx, func(tx *kv.Tx) error {
		removed = false
		entry, ok, err := readEntry(tx, taskID)
		if err != nil {
			return err
		}
		if ok && attempt > 0 && entry.Attempts != attempt {
			return nil
		}
		if ok {
			if _, err := tx.LRem(userPendingKey(entry.UserID), taskID); err != nil {
				return err
			}
			if _, err := tx.ZRem(userProcessingKey(entry.UserID), taskID); err != nil {
				return err
			}
			if _, err := tx.Del(entryKey(taskID)); err != nil {
				return err
			}
		}
		if _, err := tx.LRem(globalPendingKey, taskID); err != nil {
			return err
		}
		if _, err := tx.ZRem(globalProcessingKey, taskID); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// Touch pushes a processing entry's visibility deadline out by the
// visibility timeout. It reports false when the task is not processing.
func (c *Controller) Touch(ctx context.Context, taskID string) (bool, error) {
	vt := c.Limits().VisibilityTimeout
	var touched bool
	err := c.store.Update(ctx, func(tx *kv.Tx) error {
		touched = false
		if _, ok, err := tx.ZScore(globalProcessingKey, taskID); err != nil || !ok {
			return err
		}
		entry, ok, err := readEntry(tx, taskID)
		if err != nil || !ok {
			return err
		}
		entry.VisibleAt = tx.Now().UTC().Add(vt)
		score := float64(entry.VisibleAt.UnixMilli())
		if _, err := tx.ZAdd(globalProcessingKey, taskID, score); err != nil {
			return err
		}
		if _, err := tx.ZAdd(userProcessingKey(entry.UserID), taskID, score); err != nil {
			return err
		}
		touched = true
		return writeEntry(tx, entry)
	})
	if err != nil {
		return false, fmt.Errorf("touch %s: %w", taskID, err)
	}
	return touched, nil
}

// RequeueExpired moves processing entries whose visibility deadline has
// passed back to the front of the pending lists and returns how many it
// moved. Running it twice moves each entry once.
func (c *Controller) RequeueExpired(ctx context.Context) (int, error) {
	var moved []string
	err := c.store.Update(ctx, func(tx *kv.Tx) error {
		moved = moved[:0]
		expired, err := tx.ZRangeByScore(globalProcessingKey, math.Inf(-1), float64(tx.Now().UnixMilli()), 0)
		if err != nil {
			return err
		}
		// Walk newest first so LPush leaves the oldest expired entry at the head.
		for i := len(expired) - 1; i >= 0; i-- {
			id := expired[i].Member
			if _, err := tx.ZRem(globalProcessingKey, id); err != nil {
				return err
			}
			entry, ok, err := readEntry(tx, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := tx.ZRem(userProcessingKey(entry.UserID), id); err != nil {
				return err
			}
			entry.VisibleAt = time.Time{}
			if err := writeEntry(tx, entry); err != nil {
				return err
			}
			if _, err := tx.LPush(userPendingKey(entry.UserID), id); err != nil {
				return err
			}
			if _, err := tx.LPush(globalPendingKey, id); err != nil {
				return err
			}
			moved = append(moved, id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	for _, id := range moved {
		c.logger.Warn("visibility timeout expired, task requeued", "task_id", id)
	}
	return len(moved), nil
}

// Get returns the queued envelope for taskID, if any.
func (c *Controller) Get(ctx context.Context, taskID string) (*Entry, error) {
	var out *Entry
	err := c.store.View(ctx, func(tx *kv.Tx) error {
		entry, ok, err := readEntry(tx, taskID)
		if err != nil || !ok {
			return err
		}
		out = &entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get queue entry %s: %w", taskID, err)
	}
	return out, nil
}

// Stats counts pending and processing entries globally and per user.
func (c *Controller) Stats(ctx context.Context) (Stats, error) {
	out := Stats{Users: make(map[string]UserStats)}
	err := c.store.View(ctx, func(tx *kv.Tx) error {
		pending, err := tx.LRange(globalPendingKey, 0, -1)
		if err != nil {
			return err
		}
		processing, err := tx.ZRangeByScore(globalProcessingKey, math.Inf(-1), math.Inf(1), 0)
		if err != nil {
			return err
		}
		out.GlobalPending = len(pending)
		out.GlobalProcessing = len(processing)
		for _, id := range pending {
			entry, ok, err := readEntry(tx, id)
			if err != nil {
				return err
			}
			if ok {
				us := out.Users[entry.UserID]
				us.Pending++
				out.Users[entry.UserID] = us
			}
		}
		for _, m := range processing {
			entry, ok, err := readEntry(tx, m.Member)
			if err != nil {
				return err
			}
			if ok {
				us := out.Users[entry.UserID]
				us.Processing++
				out.Users[entry.UserID] = us
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return out, nil
}

func readEntry(tx *kv.Tx, taskID string) (Entry, bool, error) {
	raw, ok, err := tx.Get(entryKey(taskID))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode queue entry %s: %w", taskID, err)
	}
	return entry, true, nil
}

func writeEntry(tx *kv.Tx, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	return tx.Set(entryKey(entry.TaskID), string(raw), 0)
}
