// Package progress stores per-task progress records in the shared KV
// store and fans every write out on the bus.
//
// The tracker is a plain merge store: it does not reject a lower
// percentage. Monotonicity is the caller's job; Reporter provides it.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/stockdesk/internal/bus"
	"github.com/basket/stockdesk/internal/kv"
)

// Record status values. They only describe the progress record; the task
// status in persistence is authoritative.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Step status values.
const (
	StepStarted   = "started"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Step is one named pipeline step.
type Step struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the progress document for one task.
type Record struct {
	TaskID      string    `json:"task_id"`
	Percentage  int       `json:"progress_percentage"`
	LastMessage string    `json:"last_message"`
	CurrentStep string    `json:"current_step,omitempty"`
	Steps       []Step    `json:"steps"`
	Status      string    `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Update is a partial write. Nil fields are left unchanged.
type Update struct {
	Percentage  *int
	Message     *string
	CurrentStep *string
	Step        *Step
}

// Tracker reads and writes progress records.
type Tracker struct {
	store  *kv.Store
	bus    *bus.Bus
	logger *slog.Logger
	ttl    time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithBus publishes every write on b.
func WithBus(b *bus.Bus) Option {
	return func(t *Tracker) { t.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithTTL sets how long a record lives after its last write.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) { t.ttl = d }
}

// NewTracker returns a Tracker backed by store.
func NewTracker(store *kv.Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, logger: slog.Default(), ttl: 7 * 24 * time.Hour}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Key returns the KV key holding the record for taskID.
func Key(taskID string) string {
	return "task:" + taskID + ":progress"
}

// Update merges u into the stored record, creating it if needed. The
// read-modify-write runs in one KV transaction so concurrent writers never
// lose a step.
func (t *Tracker) Update(ctx context.Context, taskID string, u Update) error {
	return t.mutate(ctx, taskID, func(rec *Record) {
		if u.Percentage != nil {
			rec.Percentage = clampPercent(*u.Percentage)
		}
		if u.Message != nil {
			rec.LastMessage = *u.Message
		}
		if u.CurrentStep != nil {
			rec.CurrentStep = *u.CurrentStep
		}
		if u.Step != nil {
			step := *u.Step
			if step.Timestamp.IsZero() {
				step.Timestamp = rec.UpdatedAt
			}
			rec.Steps = append(rec.Steps, step)
			if u.CurrentStep == nil {
				rec.CurrentStep = step.Name
			}
		}
		if rec.Status == "" {
			rec.Status = StatusRunning
		}
	})
}

// MarkCompleted closes the record at 100%.
func (t *Tracker) MarkCompleted(ctx context.Context, taskID string) error {
	return t.mutate(ctx, taskID, func(rec *Record) {
		rec.Percentage = 100
		rec.Status = StatusCompleted
		rec.LastMessage = "analysis completed"
		rec.Error = ""
	})
}

// MarkFailed closes the record with an error message. The percentage is
// left where the task stopped.
func (t *Tracker) MarkFailed(ctx context.Context, taskID, errMsg string) error {
	return t.mutate(ctx, taskID, func(rec *Record) {
		rec.Status = StatusFailed
		rec.Error = errMsg
		rec.LastMessage = errMsg
	})
}

// Get returns the record for taskID, or nil when none exists.
func (t *Tracker) Get(ctx context.Context, taskID string) (*Record, error) {
	raw, ok, err := t.store.Get(ctx, Key(taskID))
	if err != nil {
		return nil, fmt.Errorf("get progress %s: %w", taskID, err)
	}
	if !ok {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode progress %s: %w", taskID, err)
	}
	return &rec, nil
}

// Delete removes the record.
func (t *Tracker) Delete(ctx context.Context, taskID string) error {
	if _, err := t.store.Del(ctx, Key(taskID)); err != nil {
		return fmt.Errorf("delete progress %s: %w", taskID, err)
	}
	return nil
}

func (t *Tracker) mutate(ctx context.Context, taskID string, apply func(*Record)) error {
	var out Record
	err := t.store.Update(ctx, func(tx *kv.Tx) error {
		rec := Record{TaskID: taskID}
		raw, ok, err := tx.Get(Key(taskID))
		if err != nil {
			return err
		}
		if ok {
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return fmt.Errorf("decode progress: %w", err)
			}
		}
		rec.UpdatedAt = tx.Now().UTC()
		apply(&rec)
		buf, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode progress: %w", err)
		}
		out = rec
		return tx.Set(Key(taskID), string(buf), t.ttl)
	})
	if err != nil {
		return fmt.Errorf("update progress %s: %w", taskID, err)
	}
	t.bus.Publish(bus.TopicProgressUpdated, bus.ProgressEvent{
		TaskID:      out.TaskID,
		Percentage:  out.Percentage,
		Message:     out.LastMessage,
		CurrentStep: out.CurrentStep,
		Status:      out.Status,
		UpdatedAt:   out.UpdatedAt,
	})
	return nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
