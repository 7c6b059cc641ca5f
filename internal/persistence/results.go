package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StoredResult is a persisted analysis document.
type StoredResult struct {
	TaskID    string          `json:"task_id"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Action    string          `json:"action"`
	Document  json.RawMessage `json:"document"`
	CreatedAt time.Time       `json:"created_at"`
}

// SaveResult writes the final analysis document for a task. action is the
// extracted trade action, indexed for lookups by symbol.
func (s *Store) SaveResult(ctx context.Context, taskID, action string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode result document: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO analysis_results (task_id, user_id, symbol, action, document, created_at)
			SELECT id, user_id, symbol, ?, ?, ? FROM tasks WHERE id = ?
			ON CONFLICT(task_id) DO UPDATE SET action = excluded.action, document = excluded.document, created_at = excluded.created_at;
		`, action, string(raw), formatTime(s.nowUTC()), taskID)
		if err != nil {
			return fmt.Errorf("save result: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("save result for task %s: %w", taskID, ErrNotFound)
		}
		return nil
	})
}

// GetResult returns the stored document for a task.
func (s *Store) GetResult(ctx context.Context, taskID string) (*StoredResult, error) {
	var (
		r       StoredResult
		doc     string
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, user_id, symbol, action, document, created_at
		FROM analysis_results WHERE task_id = ?;
	`, taskID).Scan(&r.TaskID, &r.UserID, &r.Symbol, &r.Action, &doc, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	r.Document = json.RawMessage(doc)
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse result created_at: %w", err)
	}
	return &r, nil
}

// RetentionResult counts rows removed by RunRetention.
type RetentionResult struct {
	PurgedTasks   int64 `json:"purged_tasks"`
	PurgedBatches int64 `json:"purged_batches"`
}

// RunRetention deletes terminal tasks (and, by cascade, their events and
// results) completed more than days ago, then batches left without tasks.
// It is idempotent. days <= 0 disables it.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var result RetentionResult
	if days <= 0 {
		return result, nil
	}
	cutoff := formatTime(s.nowUTC().AddDate(0, 0, -days))

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
	`, StatusCompleted, StatusFailed, StatusCancelled, cutoff)
	if err != nil {
		return result, fmt.Errorf("select expired tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return result, fmt.Errorf("scan expired task: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retention tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
		`, StatusCompleted, StatusFailed, StatusCancelled, cutoff)
		if err != nil {
			return fmt.Errorf("purge tasks: %w", err)
		}
		result.PurgedTasks, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
			DELETE FROM batches
			WHERE created_at < ? AND NOT EXISTS (SELECT 1 FROM tasks WHERE tasks.batch_id = batches.id);
		`, cutoff)
		if err != nil {
			return fmt.Errorf("purge batches: %w", err)
		}
		result.PurgedBatches, _ = res.RowsAffected()
		return tx.Commit()
	})
	if err != nil {
		return RetentionResult{}, err
	}
	s.mirror.drop(ids...)
	return result, nil
}
