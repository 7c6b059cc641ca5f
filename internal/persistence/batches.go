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
)

// BatchStatus is derived from the children on every read.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchPartial   BatchStatus = "partial"
	BatchCancelled BatchStatus = "cancelled"
)

// Batch groups tasks submitted together.
type Batch struct {
	ID         string             `json:"batch_id"`
	UserID     string             `json:"user_id"`
	TotalTasks int                `json:"total_tasks"`
	Status     BatchStatus        `json:"status"`
	Parameters map[string]any     `json:"parameters"`
	Counts     map[TaskStatus]int `json:"counts"`
	CreatedAt  time.Time          `json:"created_at"`
}

// CreateBatch inserts a batch and one pending task per symbol in a single
// transaction.
func (s *Store) CreateBatch(ctx context.Context, userID string, params map[string]any, symbols []string) (*Batch, []*Task, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil, fmt.Errorf("create batch: user id is required")
	}
	if len(symbols) == 0 {
		return nil, nil, fmt.Errorf("create batch: at least one symbol is required")
	}
	raw, err := encodeParams(params)
	if err != nil {
		return nil, nil, err
	}

	var (
		batch *Batch
		tasks []*Task
	)
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create batch tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.nowUTC()
		batch = &Batch{
			ID:         uuid.NewString(),
			UserID:     userID,
			TotalTasks: len(symbols),
			Status:     BatchPending,
			Parameters: params,
			Counts:     map[TaskStatus]int{StatusPending: len(symbols)},
			CreatedAt:  now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batches (id, user_id, total_tasks, parameters, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, batch.ID, userID, batch.TotalTasks, raw, formatTime(now)); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		tasks = tasks[:0]
		for _, sym := range symbols {
			t, err := s.createTaskTx(ctx, tx, NewTask{
				UserID:     userID,
				Symbol:     sym,
				BatchID:    batch.ID,
				Parameters: params,
			})
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, nil, err
	}
	now := s.nowUTC()
	for _, t := range tasks {
		s.mirror.put(t, now)
	}
	return batch, tasks, nil
}

// GetBatch returns the batch with its status derived from its tasks.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var (
		b       Batch
		params  string
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, total_tasks, parameters, created_at FROM batches WHERE id = ?;
	`, batchID).Scan(&b.ID, &b.UserID, &b.TotalTasks, &params, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if params != "" && params != "{}" {
		if err := json.Unmarshal([]byte(params), &b.Parameters); err != nil {
			return nil, fmt.Errorf("decode batch parameters: %w", err)
		}
	}
	if b.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse batch created_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks WHERE batch_id = ? GROUP BY status;`, batchID)
	if err != nil {
		return nil, fmt.Errorf("batch task counts: %w", err)
	}
	defer rows.Close()
	b.Counts = make(map[TaskStatus]int)
	for rows.Next() {
		var (
			st TaskStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan batch count: %w", err)
		}
		b.Counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	b.Status = DeriveBatchStatus(b.Counts)
	return &b, nil
}

// ListBatchTasks returns the tasks of a batch, oldest first.
func (s *Store) ListBatchTasks(ctx context.Context, batchID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE batch_id = ? ORDER BY created_at ASC, rowid ASC;`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch tasks: %w", err)
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

// DeriveBatchStatus folds child task counts into a batch status.
func DeriveBatchStatus(counts map[TaskStatus]int) BatchStatus {
	pending, running := counts[StatusPending], counts[StatusRunning]
	completed, failed, cancelled := counts[StatusCompleted], counts[StatusFailed], counts[StatusCancelled]
	total := pending + running + completed + failed + cancelled

	switch {
	case total == 0:
		return BatchPending
	case pending+running > 0:
		if running == 0 && completed+failed+cancelled == 0 {
			return BatchPending
		}
		return BatchRunning
	case cancelled == total:
		return BatchCancelled
	case failed == 0 && completed > 0:
		return BatchCompleted
	case completed == 0:
		return BatchFailed
	default:
		return BatchPartial
	}
}
