package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/stockdesk/internal/bus"
	"github.com/basket/stockdesk/internal/shared"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// ZombieTimeoutMessage is the error recorded on tasks reaped by
// CleanupZombieTasks.
const ZombieTimeoutMessage = "timeout: exceeded max running duration"

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusRunning:   {}, // Progress patch, or redelivery after a crash.
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
}

// Terminal reports whether s accepts no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Task is one analysis request.
type Task struct {
	ID           string          `json:"task_id"`
	UserID       string          `json:"user_id"`
	Symbol       string          `json:"symbol"`
	BatchID      string          `json:"batch_id,omitempty"`
	Parameters   map[string]any  `json:"parameters"`
	Status       TaskStatus      `json:"status"`
	Progress     int             `json:"progress"`
	Message      string          `json:"message"`
	CurrentStep  string          `json:"current_step"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// NewTask is the input to CreateTask. An empty ID gets a fresh UUID.
type NewTask struct {
	ID         string
	UserID     string
	Symbol     string
	BatchID    string
	Parameters map[string]any
}

// StatusUpdate is a partial update applied by UpdateTaskStatus. Nil
// pointers and an empty Result leave the column unchanged.
type StatusUpdate struct {
	Status       TaskStatus
	Progress     *int
	Message      *string
	CurrentStep  *string
	Result       json.RawMessage
	ErrorMessage *string
}

// ListFilter selects tasks for ListTasks.
type ListFilter struct {
	UserID  string
	Status  TaskStatus
	BatchID string
	Limit   int
	Offset  int
}

// TaskEvent is one row of the transition audit trail.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	TraceID   string     `json:"trace_id"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Message   string     `json:"message,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

const taskColumns = `id, user_id, symbol, COALESCE(batch_id, ''), parameters, status, progress, message,
	current_step, result, error_message, created_at, started_at, completed_at, updated_at`

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var (
		task               Task
		params             string
		result             sql.NullString
		created, updated   string
		started, completed sql.NullString
	)
	if err := scanFn(
		&task.ID,
		&task.UserID,
		&task.Symbol,
		&task.BatchID,
		&params,
		&task.Status,
		&task.Progress,
		&task.Message,
		&task.CurrentStep,
		&result,
		&task.ErrorMessage,
		&created,
		&started,
		&completed,
		&updated,
	); err != nil {
		return nil, err
	}
	if params != "" && params != "{}" {
		if err := json.Unmarshal([]byte(params), &task.Parameters); err != nil {
			return nil, fmt.Errorf("decode task parameters: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		task.Result = json.RawMessage(result.String)
	}
	var err error
	if task.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if task.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if task.StartedAt, err = parseNullTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if task.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &task, nil
}

func encodeParams(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	return string(raw), nil
}

// CreateTask inserts a pending task. It fails with ErrDuplicateTask when
// the ID already exists.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	var task *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err = s.createTaskTx(ctx, tx, in)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.mirror.put(task, s.nowUTC())
	return task, nil
}

func (s *Store) createTaskTx(ctx context.Context, tx *sql.Tx, in NewTask) (*Task, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("create task: user id is required")
	}
	if strings.TrimSpace(in.Symbol) == "" {
		return nil, fmt.Errorf("create task: symbol is required")
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	params, err := encodeParams(in.Parameters)
	if err != nil {
		return nil, err
	}
	now := s.nowUTC()
	ts := formatTime(now)

	var batch any
	if in.BatchID != "" {
		batch = in.BatchID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, symbol, batch_id, parameters, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, id, in.UserID, in.Symbol, batch, params, StatusPending, ts, ts); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("create task %s: %w", id, ErrDuplicateTask)
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if err := appendTaskEventTx(ctx, tx, id, "", StatusPending, "created", now); err != nil {
		return nil, err
	}
	return &Task{
		ID:         id,
		UserID:     in.UserID,
		Symbol:     in.Symbol,
		BatchID:    in.BatchID,
		Parameters: in.Parameters,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, message string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, state_from, state_to, message, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?);
	`, taskID, shared.TraceID(ctx), string(from), string(to), message, formatTime(at))
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// UpdateTaskStatus applies a partial update and moves the task to
// u.Status. Unknown tasks fail with ErrNotFound; moves outside the status
// machine fail with ErrInvalidTransition.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, u StatusUpdate) error {
	if !u.Status.Valid() {
		return fmt.Errorf("update task %s: unknown status %q", taskID, u.Status)
	}
	var (
		before TaskStatus
		after  *Task
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		before, after, err = s.transitionTaskTx(ctx, tx, taskID, u)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.afterTransition(before, after)
	return nil
}

func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, u StatusUpdate) (TaskStatus, *Task, error) {
	current, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("select task for transition: %w", err)
	}
	if !CanTransition(current.Status, u.Status) {
		return "", nil, fmt.Errorf("task %s %s -> %s: %w", taskID, current.Status, u.Status, ErrInvalidTransition)
	}

	now := s.nowUTC()
	next := *current
	next.Status = u.Status
	next.UpdatedAt = now
	if u.Progress != nil {
		next.Progress = clampProgress(*u.Progress)
	}
	if u.Message != nil {
		next.Message = *u.Message
	}
	if u.CurrentStep != nil {
		next.CurrentStep = *u.CurrentStep
	}
	if len(u.Result) > 0 {
		next.Result = u.Result
	}
	if u.ErrorMessage != nil {
		next.ErrorMessage = shared.Redact(*u.ErrorMessage)
	}
	if u.Status == StatusRunning && next.StartedAt == nil {
		next.StartedAt = &now
	}
	if u.Status.Terminal() {
		next.CompletedAt = &now
		if u.Status == StatusCompleted {
			next.Progress = 100
		}
	}

	var result any
	if len(next.Result) > 0 {
		result = string(next.Result)
	}
	var started, completed any
	if next.StartedAt != nil {
		started = formatTime(*next.StartedAt)
	}
	if next.CompletedAt != nil {
		completed = formatTime(*next.CompletedAt)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, progress = ?, message = ?, current_step = ?, result = ?,
			error_message = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?;
	`, next.Status, next.Progress, next.Message, next.CurrentStep, result,
		next.ErrorMessage, started, completed, formatTime(now), taskID, current.Status)
	if err != nil {
		return "", nil, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", nil, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return "", nil, fmt.Errorf("task %s changed concurrently: %w", taskID, ErrInvalidTransition)
	}
	if current.Status != next.Status {
		msg := next.Message
		if next.Status == StatusFailed || next.Status == StatusCancelled {
			msg = next.ErrorMessage
		}
		if err := appendTaskEventTx(ctx, tx, taskID, current.Status, next.Status, msg, now); err != nil {
			return "", nil, err
		}
	}
	return current.Status, &next, nil
}

func (s *Store) afterTransition(before TaskStatus, task *Task) {
	s.mirror.put(task, s.nowUTC())
	if before == task.Status {
		return
	}
	ev := bus.TaskStateChangedEvent{
		TaskID:    task.ID,
		UserID:    task.UserID,
		BatchID:   task.BatchID,
		OldStatus: string(before),
		NewStatus: string(task.Status),
		Message:   task.Message,
	}
	if task.ErrorMessage != "" {
		ev.Message = task.ErrorMessage
	}
	s.bus.Publish(bus.TopicTaskStateChanged, ev)
	switch task.Status {
	case StatusCompleted:
		s.bus.Publish(bus.TopicTaskCompleted, ev)
	case StatusFailed:
		s.bus.Publish(bus.TopicTaskFailed, ev)
	case StatusCancelled:
		s.bus.Publish(bus.TopicTaskCancelled, ev)
	}
	s.logger.Info("task state changed", "task_id", task.ID, "from", before, "to", task.Status)
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// GetTask returns the task, served from the mirror when fresh. Unknown IDs
// fail with ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	if t, ok := s.mirror.get(taskID, s.nowUTC()); ok {
		return t, nil
	}
	t, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.mirror.put(t, s.nowUTC())
	return t.clone(), nil
}

func (s *Store) loadTask(ctx context.Context, taskID string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetTaskDict returns the task as a flat map, or nil when it does not
// exist.
func (s *Store) GetTaskDict(ctx context.Context, taskID string) (map[string]any, error) {
	t, err := s.GetTask(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t.Dict(), nil
}

// Dict flattens the task for JSON clients.
func (t *Task) Dict() map[string]any {
	out := map[string]any{
		"task_id":       t.ID,
		"user_id":       t.UserID,
		"symbol":        t.Symbol,
		"batch_id":      nilIfEmpty(t.BatchID),
		"parameters":    t.Parameters,
		"status":        string(t.Status),
		"progress":      t.Progress,
		"message":       t.Message,
		"current_step":  t.CurrentStep,
		"created_at":    t.CreatedAt.Format(time.RFC3339Nano),
		"started_at":    nil,
		"completed_at":  nil,
		"result":        nil,
		"error_message": nilIfEmpty(t.ErrorMessage),
	}
	if t.StartedAt != nil {
		out["started_at"] = t.StartedAt.Format(time.RFC3339Nano)
	}
	if t.CompletedAt != nil {
		out["completed_at"] = t.CompletedAt.Format(time.RFC3339Nano)
	}
	if len(t.Result) > 0 {
		var decoded any
		if err := json.Unmarshal(t.Result, &decoded); err == nil {
			out["result"] = decoded
		} else {
			out["result"] = string(t.Result)
		}
	}
	return out
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (t *Task) clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Parameters != nil {
		c.Parameters = make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			c.Parameters[k] = v
		}
	}
	return &c
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, f ListFilter) ([]Task, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?;`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListTaskEvents returns the transition history of a task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, trace_id, COALESCE(state_from, ''), state_to, message, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var (
			ev      TaskEvent
			created string
		)
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.StateFrom, &ev.StateTo, &ev.Message, &created); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if ev.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CleanupZombieTasks fails every running task whose started_at is older
// than maxRunning and returns how many it reaped.
func (s *Store) CleanupZombieTasks(ctx context.Context, maxRunning time.Duration) (int, error) {
	if maxRunning <= 0 {
		return 0, fmt.Errorf("cleanup zombies: max running duration must be positive")
	}
	cutoff := formatTime(s.nowUTC().Add(-maxRunning))
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?;
	`, StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("select zombie tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan zombie id: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	msg := ZombieTimeoutMessage
	cleaned := 0
	for _, id := range ids {
		err := s.UpdateTaskStatus(ctx, id, StatusUpdate{Status: StatusFailed, ErrorMessage: &msg, Message: &msg})
		if errors.Is(err, ErrInvalidTransition) {
			// Finished between the scan and the update.
			continue
		}
		if err != nil {
			return cleaned, fmt.Errorf("reap zombie %s: %w", id, err)
		}
		cleaned++
		s.logger.Warn("zombie task reaped", "task_id", id, "max_running", maxRunning.String())
	}
	return cleaned, nil
}

// Counts returns the number of tasks per status.
func (s *Store) Counts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()
	out := map[TaskStatus]int{
		StatusPending:   0,
		StatusRunning:   0,
		StatusCompleted: 0,
		StatusFailed:    0,
		StatusCancelled: 0,
	}
	for rows.Next() {
		var (
			st TaskStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}
