package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/stockdesk/internal/bus"
	"github.com/basket/stockdesk/internal/debate"
	"github.com/basket/stockdesk/internal/lock"
	"github.com/basket/stockdesk/internal/otel"
	"github.com/basket/stockdesk/internal/persistence"
	"github.com/basket/stockdesk/internal/progress"
	"github.com/basket/stockdesk/internal/queue"
	"github.com/basket/stockdesk/internal/shared"
)

var phaseStage = map[debate.Phase]progress.Stage{
	debate.PhaseAnalysts:         progress.StageAnalysts,
	debate.PhaseInvestmentDebate: progress.StageInvestmentDebate,
	debate.PhaseResearchManager:  progress.StageResearchManager,
	debate.PhaseTrader:           progress.StageTrader,
	debate.PhaseRiskDebate:       progress.StageRiskDebate,
	debate.PhaseRiskManager:      progress.StageRiskManager,
}

var phaseMessage = map[debate.Phase]string{
	debate.PhaseAnalysts:         "collecting analyst reports",
	debate.PhaseInvestmentDebate: "bull and bear researchers debating",
	debate.PhaseResearchManager:  "research manager reviewing the debate",
	debate.PhaseTrader:           "trader drafting the plan",
	debate.PhaseRiskDebate:       "risk team debating the plan",
	debate.PhaseRiskManager:      "risk manager deciding",
}

// outcome is what a run ended with.
type outcome struct {
	result    *debate.Result
	err       error
	cancelled bool
	panicked  bool
}

// processEntry runs one dequeued entry to a terminal status. The queue
// entry is acked on every path except process shutdown and a lease held
// by another worker, where it is left for redelivery.
func (e *Engine) processEntry(ctx context.Context, slot string, entry queue.Entry) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithTaskID(ctx, entry.TaskID)
	ctx = shared.WithUserID(ctx, entry.UserID)
	ctx = shared.WithWorkerID(ctx, slot)
	logger := e.logger.With(shared.LogAttrs(ctx)...)

	task, err := e.store.GetTask(ctx, entry.TaskID)
	if errors.Is(err, persistence.ErrNotFound) {
		logger.Warn("dropping queue entry for unknown task")
		e.ack(ctx, logger, entry)
		return
	}
	if err != nil {
		e.abandon(ctx, logger, entry, "", fmt.Errorf("load task: %w", err))
		return
	}
	if task.Status.Terminal() {
		logger.Info("skipping finished task", "status", task.Status)
		e.ack(ctx, logger, entry)
		return
	}

	vt := e.queue.Limits().VisibilityTimeout
	lockKey := lock.TaskKey(entry.TaskID)
	token, err := e.locks.Acquire(ctx, lockKey, vt)
	if err != nil {
		if errors.Is(err, lock.ErrLockContention) {
			e.metrics.LockContention.Add(ctx, 1)
			logger.Info("task is running elsewhere; skipping redelivery")
			return
		}
		e.abandon(ctx, logger, entry, task.Status, fmt.Errorf("acquire task lease: %w", err))
		return
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := e.locks.Release(rctx, lockKey, token); err != nil {
			logger.Warn("release task lease failed", "error", err)
		}
	}()

	resume := task.Status == persistence.StatusRunning
	startMsg := "running"
	if resume {
		startMsg = fmt.Sprintf("running (attempt %d)", entry.Attempts)
	}
	if err := e.store.UpdateTaskStatus(ctx, entry.TaskID, persistence.StatusUpdate{Status: persistence.StatusRunning, Message: &startMsg}); err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			// Cancelled between dequeue and start.
			logger.Info("task left pending before start", "error", err)
			e.ack(ctx, logger, entry)
			return
		}
		e.abandon(ctx, logger, entry, task.Status, fmt.Errorf("mark running: %w", err))
		return
	}

	e.activeTasks.Add(1)
	e.metrics.InFlight.Add(ctx, 1)
	defer func() {
		e.activeTasks.Add(-1)
		e.metrics.InFlight.Add(context.WithoutCancel(ctx), -1)
		e.processed.Add(1)
	}()

	spanCtx, span := otel.StartSpan(ctx, e.tracer, "task.run",
		otel.AttrTaskID.String(task.ID),
		otel.AttrUserID.String(task.UserID),
		otel.AttrSymbol.String(task.Symbol),
		otel.AttrWorkerID.String(slot),
	)
	start := time.Now()
	logger.Info("task started", "symbol", task.Symbol, "resumed", resume, "attempt", entry.Attempts)

	runCtx, cancel := context.WithTimeout(spanCtx, e.config.TaskTimeout)
	e.registerCancel(task.ID, cancel)
	var cancelled atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		e.watch(runCtx, logger, task.ID, lockKey, token, vt, func() {
			cancelled.Store(true)
			cancel()
		})
	}()

	out := e.execute(runCtx, logger, task)

	cancel()
	<-watchDone
	e.unregisterCancel(task.ID)
	if cancelled.Load() {
		out.cancelled = true
	}

	if ctx.Err() != nil && !out.cancelled && out.err != nil {
		// Process shutdown: keep the queue entry so the task is redelivered.
		logger.Warn("shutdown interrupted task; leaving it for redelivery")
		otel.EndSpan(span, ctx.Err())
		return
	}

	status := e.finish(ctx, logger, task, out)
	e.ack(ctx, logger, entry)

	elapsed := time.Since(start)
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	e.metrics.TaskDuration.Record(context.WithoutCancel(ctx), elapsed.Seconds(), attrs)
	e.metrics.TasksFinished.Add(context.WithoutCancel(ctx), 1, attrs)
	otel.EndSpan(span, out.err)
	logger.Info("task finished", "status", status, "duration_ms", elapsed.Milliseconds())
}

// execute runs the analysis and converts a panic into an outcome.
func (e *Engine) execute(ctx context.Context, logger *slog.Logger, task *persistence.Task) outcome {
	var out outcome
	var pc panics.Catcher
	pc.Try(func() {
		params, err := parseParams(task.Parameters, e.config.DefaultDepth)
		if err != nil {
			out.err = err
			return
		}
		reporter, err := progress.NewReporter(ctx, e.progress, task.ID)
		if err != nil {
			out.err = fmt.Errorf("progress reporter: %w", err)
			return
		}
		hooks := e.hooks(logger, task.ID, reporter)
		out.result, out.err = e.runner.Run(ctx, params.input(task.Symbol, e.config.MaxToolIterations), hooks)
	})
	if r := pc.Recovered(); r != nil {
		logger.Error("task panicked", "panic", r.Value, "stack", string(r.Stack))
		out = outcome{err: r.AsError(), panicked: true}
	}
	if out.err == nil && ctx.Err() != nil {
		out.err = ctx.Err()
	}
	return out
}

func (e *Engine) hooks(logger *slog.Logger, taskID string, reporter *progress.Reporter) debate.Hooks {
	report := func(err error) {
		if err != nil {
			logger.Warn("progress write failed", "error", err)
		}
	}
	return debate.Hooks{
		OnPhase: func(ctx context.Context, phase debate.Phase) {
			if stage, ok := phaseStage[phase]; ok {
				report(reporter.Stage(ctx, stage, phaseMessage[phase]))
			}
		},
		OnReport: func(ctx context.Context, name string, done, total int) {
			report(reporter.AnalystDone(ctx, name, done, total))
		},
		OnTurn: func(ctx context.Context, turn debate.Turn, count int) {
			e.bus.Publish(bus.TopicDebateTurn, bus.DebateTurnEvent{
				TaskID:   taskID,
				Phase:    string(turn.Phase),
				Speaker:  string(turn.Role),
				Count:    count,
				Degraded: turn.Degraded,
			})
			msg := fmt.Sprintf("%s finished (%s, turn %d)", turn.Role, turn.Phase, count)
			if turn.Degraded {
				msg = fmt.Sprintf("%s unavailable, using fallback (%s, turn %d)", turn.Role, turn.Phase, count)
			}
			report(reporter.Message(ctx, msg))
		},
	}
}

// watch heartbeats the queue entry and task lease and polls the stored
// status for external cancellation until ctx ends.
func (e *Engine) watch(ctx context.Context, logger *slog.Logger, taskID, lockKey, token string, ttl time.Duration, onCancel func()) {
	heartbeat := time.NewTicker(e.config.HeartbeatInterval)
	defer heartbeat.Stop()
	check := time.NewTicker(e.config.CancelCheck)
	defer check.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			task, err := e.store.GetTask(ctx, taskID)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("cancel check failed", "error", err)
				}
				continue
			}
			if task.Status == persistence.StatusCancelled {
				logger.Info("cancellation observed")
				onCancel()
				return
			}
		case <-heartbeat.C:
			if ok, err := e.queue.Touch(ctx, taskID); err != nil || !ok {
				logger.Warn("queue touch failed", "ok", ok, "error", err)
			}
			if ok, err := e.locks.Extend(ctx, lockKey, token, ttl); err != nil || !ok {
				logger.Warn("task lease extend failed", "ok", ok, "error", err)
			}
		}
	}
}

// finish writes the terminal status and progress. It uses a detached
// context so a cancelled run still records its end.
func (e *Engine) finish(ctx context.Context, logger *slog.Logger, task *persistence.Task, out outcome) persistence.TaskStatus {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case out.cancelled:
		reason := msgCancelled
		err := e.store.UpdateTaskStatus(ctx, task.ID, persistence.StatusUpdate{
			Status:       persistence.StatusCancelled,
			Message:      &reason,
			ErrorMessage: &reason,
		})
		if err != nil && !errors.Is(err, persistence.ErrInvalidTransition) {
			logger.Error("mark cancelled failed", "error", err)
		}
		if err := e.progress.MarkFailed(ctx, task.ID, reason); err != nil {
			logger.Warn("progress cancel write failed", "error", err)
		}
		return persistence.StatusCancelled

	case out.err == nil && out.result != nil:
		e.scrubResult(logger, out.result)
		doc, err := json.Marshal(out.result)
		if err != nil {
			out.err = fmt.Errorf("encode result: %w", err)
			break
		}
		msg := fmt.Sprintf("completed: %s (confidence %.2f)", out.result.Decision.Action, out.result.Decision.Confidence)
		step := string(progress.StageDone)
		if err := e.store.UpdateTaskStatus(ctx, task.ID, persistence.StatusUpdate{
			Status:      persistence.StatusCompleted,
			Message:     &msg,
			CurrentStep: &step,
			Result:      doc,
		}); err != nil {
			if errors.Is(err, persistence.ErrInvalidTransition) {
				// Cancelled after the last turn; the cancel wins.
				logger.Info("task finished after cancellation", "error", err)
				return persistence.StatusCancelled
			}
			logger.Error("mark completed failed", "error", err)
			out.err = fmt.Errorf("record completion: %w", err)
			break
		}
		if err := e.progress.MarkCompleted(ctx, task.ID); err != nil {
			logger.Warn("progress complete write failed", "error", err)
		}
		if err := e.store.SaveResult(ctx, task.ID, string(out.result.Decision.Action), out.result); err != nil {
			logger.Warn("persist analysis result failed", "error", err)
		}
		return persistence.StatusCompleted

	case out.err == nil:
		out.err = errors.New("runner returned no result")
	}

	reason := userMessage(out.err)
	if out.panicked {
		reason = msgInternal
	}
	logger.Warn("task failed", "error", out.err, "reason", reason)
	err := e.store.UpdateTaskStatus(ctx, task.ID, persistence.StatusUpdate{
		Status:       persistence.StatusFailed,
		Message:      &reason,
		ErrorMessage: &reason,
	})
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			logger.Info("task already terminal", "error", err)
			return persistence.StatusCancelled
		}
		e.setLastError(err)
		logger.Error("mark failed failed", "error", err)
	}
	e.setLastError(out.err)
	if err := e.progress.MarkFailed(ctx, task.ID, reason); err != nil {
		logger.Warn("progress fail write failed", "error", err)
	}
	return persistence.StatusFailed
}

// abandon handles a store or lock fault before the run started: the task
// is failed with a user-safe reason and its queue slot released. During
// shutdown the entry is kept for redelivery instead.
func (e *Engine) abandon(ctx context.Context, logger *slog.Logger, entry queue.Entry, from persistence.TaskStatus, err error) {
	e.setLastError(err)
	if ctx.Err() != nil {
		logger.Warn("shutdown interrupted task start; leaving it for redelivery", "error", err)
		return
	}
	reason := userMessage(err)
	logger.Error("task failed before start", "error", err, "reason", reason)
	e.failTask(ctx, logger, entry.TaskID, from, "failed before start", reason)
	e.ack(ctx, logger, entry)
	e.metrics.TasksFinished.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(attribute.String("status", string(persistence.StatusFailed))))
}

func (e *Engine) ack(ctx context.Context, logger *slog.Logger, entry queue.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := e.queue.AckDelivery(ctx, entry); err != nil {
		e.setLastError(err)
		logger.Error("queue ack failed", "error", err)
	}
}
