package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/stockdesk/internal/persistence"
	"github.com/basket/stockdesk/internal/progress"
	"github.com/basket/stockdesk/internal/queue"
	"github.com/basket/stockdesk/internal/shared"
)

// ErrAlreadyFinished is returned by Cancel for tasks in a terminal state.
var ErrAlreadyFinished = errors.New("task already finished")

// Rejection is one batch task refused at admission. Reason is the same
// user-facing text stored as the task's error_message.
type Rejection struct {
	TaskID string
	Symbol string
	Reason string
	err    error
}

// BatchRejectedError lists the tasks of a batch that admission refused.
// The rest of the batch was queued.
type BatchRejectedError struct {
	Rejections []Rejection
}

func (e *BatchRejectedError) Error() string {
	parts := make([]string, 0, len(e.Rejections))
	for _, r := range e.Rejections {
		parts = append(parts, r.Symbol+": "+r.Reason)
	}
	return "batch admission: " + strings.Join(parts, "; ")
}

// Unwrap exposes the admission errors to errors.Is.
func (e *BatchRejectedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Rejections))
	for _, r := range e.Rejections {
		errs = append(errs, r.err)
	}
	return errs
}

// Submit creates a task and enqueues it. When admission fails the task is
// still returned, already failed with the rejection reason, together with
// the admission error.
func (e *Engine) Submit(ctx context.Context, userID, symbol string, params map[string]any) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return "", err
	}
	if _, err := parseParams(params, e.config.DefaultDepth); err != nil {
		return "", err
	}

	task, err := e.store.CreateTask(ctx, persistence.NewTask{UserID: userID, Symbol: sym, Parameters: params})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if err := e.admit(ctx, task); err != nil {
		return task.ID, err
	}
	return task.ID, nil
}

// SubmitBatch creates a batch with one task per symbol and enqueues each.
// Tasks rejected by admission are failed individually and reported in a
// *BatchRejectedError returned alongside the ids.
func (e *Engine) SubmitBatch(ctx context.Context, userID string, symbols []string, params map[string]any) (string, []string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if len(symbols) == 0 {
		return "", nil, fmt.Errorf("%w: at least one symbol is required", ErrInvalidRequest)
	}
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym, err := NormalizeSymbol(s)
		if err != nil {
			return "", nil, err
		}
		normalized = append(normalized, sym)
	}
	if _, err := parseParams(params, e.config.DefaultDepth); err != nil {
		return "", nil, err
	}

	batch, tasks, err := e.store.CreateBatch(ctx, userID, params, normalized)
	if err != nil {
		return "", nil, fmt.Errorf("create batch: %w", err)
	}
	ids := make([]string, 0, len(tasks))
	var rejected []Rejection
	for _, task := range tasks {
		ids = append(ids, task.ID)
		if err := e.admit(ctx, task); err != nil {
			rejected = append(rejected, Rejection{TaskID: task.ID, Symbol: task.Symbol, Reason: userMessage(err), err: err})
		}
	}
	e.logger.Info("batch submitted", "batch_id", batch.ID, "user_id", userID, "tasks", len(ids), "rejected", len(rejected))
	if len(rejected) > 0 {
		return batch.ID, ids, &BatchRejectedError{Rejections: rejected}
	}
	return batch.ID, ids, nil
}

// admit seeds progress and enqueues task, failing it on rejection.
func (e *Engine) admit(ctx context.Context, task *persistence.Task) error {
	queued := string(progress.StageQueued)
	msg := "queued"
	zero := 0
	if err := e.progress.Update(ctx, task.ID, progress.Update{Percentage: &zero, Message: &msg, CurrentStep: &queued}); err != nil {
		e.logger.Warn("seed progress failed", "task_id", task.ID, "error", err)
	}

	_, err := e.queue.Enqueue(ctx, queue.EnqueueRequest{
		TaskID:  task.ID,
		UserID:  task.UserID,
		Symbol:  task.Symbol,
		BatchID: task.BatchID,
		Params:  task.Parameters,
	})
	if err == nil {
		e.logger.Info("task submitted", "task_id", task.ID, "user_id", task.UserID, "symbol", task.Symbol)
		return nil
	}

	reason := userMessage(err)
	e.logger.Warn("task rejected at admission", "task_id", task.ID, "user_id", task.UserID, "error", err)
	e.failTask(ctx, e.logger.With("task_id", task.ID), task.ID, persistence.StatusPending, "admission rejected", reason)
	return err
}

// failTask moves a task to failed with reason. The status machine only
// reaches failed through running, so a task not known to be running is
// walked there first with step as its message.
func (e *Engine) failTask(ctx context.Context, logger *slog.Logger, taskID string, from persistence.TaskStatus, step, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if from != persistence.StatusRunning {
		err := e.store.UpdateTaskStatus(ctx, taskID, persistence.StatusUpdate{Status: persistence.StatusRunning, Message: &step})
		if err != nil && !errors.Is(err, persistence.ErrInvalidTransition) {
			logger.Error("mark task running before failing it", "error", err)
			return
		}
	}
	err := e.store.UpdateTaskStatus(ctx, taskID, persistence.StatusUpdate{
		Status:       persistence.StatusFailed,
		Message:      &reason,
		ErrorMessage: &reason,
	})
	switch {
	case errors.Is(err, persistence.ErrInvalidTransition):
		logger.Info("task already terminal", "error", err)
		return
	case err != nil:
		logger.Error("mark task failed", "error", err)
		return
	}
	if err := e.progress.MarkFailed(ctx, taskID, reason); err != nil {
		logger.Warn("mark progress failed", "error", err)
	}
}

// Cancel withdraws a task from the queue and marks it cancelled. A task
// running in this process has its context cancelled; one running
// elsewhere notices at its next status check.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	ctx = shared.WithTaskID(ctx, taskID)
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyFinished, task.Status)
	}
	if err := e.queue.RemoveTask(ctx, taskID); err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}
	reason := msgCancelled
	err = e.store.UpdateTaskStatus(ctx, taskID, persistence.StatusUpdate{
		Status:       persistence.StatusCancelled,
		Message:      &reason,
		ErrorMessage: &reason,
	})
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			return fmt.Errorf("%w: %v", ErrAlreadyFinished, err)
		}
		return err
	}
	local := e.cancelLocal(taskID)
	if err := e.progress.MarkFailed(ctx, taskID, reason); err != nil {
		e.logger.Warn("mark progress cancelled", "task_id", taskID, "error", err)
	}
	e.logger.Info("task cancelled", "task_id", taskID, "was_running_here", local)
	return nil
}
