// Package engine is the task-level façade: it admits submissions, runs a
// pool of workers that pull from the shared queue, drives the debate for
// each task and always reaches a terminal status and a queue ack.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/stockdesk/internal/bus"
	"github.com/basket/stockdesk/internal/debate"
	"github.com/basket/stockdesk/internal/kv"
	"github.com/basket/stockdesk/internal/lock"
	"github.com/basket/stockdesk/internal/otel"
	"github.com/basket/stockdesk/internal/persistence"
	"github.com/basket/stockdesk/internal/progress"
	"github.com/basket/stockdesk/internal/queue"
	"github.com/basket/stockdesk/internal/safety"
)

// Config tunes the worker pool.
type Config struct {
	WorkerID          string
	WorkerCount       int
	PollInterval      time.Duration // first backoff step when the queue is empty
	MaxPollInterval   time.Duration
	TaskTimeout       time.Duration
	HeartbeatInterval time.Duration // worker heartbeat and queue Touch cadence
	CancelCheck       time.Duration // how often a running task re-reads its status
	DefaultDepth      debate.Depth
	MaxToolIterations int
}

func (c Config) normalized() Config {
	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = 5 * time.Second
		if c.MaxPollInterval < c.PollInterval {
			c.MaxPollInterval = c.PollInterval
		}
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.CancelCheck <= 0 {
		c.CancelCheck = 5 * time.Second
	}
	if c.DefaultDepth == "" {
		c.DefaultDepth = debate.DepthStandard
	}
	return c
}

// Runner runs the analysis for one task. *debate.Machine implements it.
type Runner interface {
	Run(ctx context.Context, in debate.Input, hooks debate.Hooks) (*debate.Result, error)
}

// Deps are the collaborators the engine composes.
type Deps struct {
	Store    *persistence.Store
	KV       *kv.Store
	Queue    *queue.Controller
	Locks    *lock.Manager
	Progress *progress.Tracker
	Runner   Runner
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics
}

// Status is a point-in-time view of this process's pool.
type Status struct {
	WorkerID    string `json:"worker_id"`
	WorkerCount int    `json:"worker_count"`
	ActiveTasks int32  `json:"active_tasks"`
	Processed   int64  `json:"processed"`
	Draining    bool   `json:"draining"`
	LastError   string `json:"last_error,omitempty"`
}

// Engine is the orchestrator.
type Engine struct {
	store    *persistence.Store
	kv       *kv.Store
	queue    *queue.Controller
	locks    *lock.Manager
	progress *progress.Tracker
	runner   Runner
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics
	config   Config
	leaks    *safety.LeakDetector

	once     sync.Once
	wg       conc.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	activeTasks atomic.Int32
	processed   atomic.Int64
	draining    atomic.Bool
	lastError   atomic.Pointer[string]
}

// New validates deps and returns an Engine. Call Start to run workers;
// Submit works without Start.
func New(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: store is required")
	case deps.KV == nil:
		return nil, errors.New("engine: kv store is required")
	case deps.Queue == nil:
		return nil, errors.New("engine: queue is required")
	case deps.Locks == nil:
		return nil, errors.New("engine: lock manager is required")
	case deps.Progress == nil:
		return nil, errors.New("engine: progress tracker is required")
	case deps.Runner == nil:
		return nil, errors.New("engine: runner is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.NoopTracer()
	}
	if deps.Metrics == nil {
		deps.Metrics = otel.NoopMetrics()
	}
	cfg = cfg.normalized()
	return &Engine{
		store:    deps.Store,
		kv:       deps.KV,
		queue:    deps.Queue,
		locks:    deps.Locks,
		progress: deps.Progress,
		runner:   deps.Runner,
		bus:      deps.Bus,
		logger:   deps.Logger.With("component", "engine", "worker_id", cfg.WorkerID),
		tracer:   deps.Tracer,
		metrics:  deps.Metrics,
		config:   cfg,
		leaks:    safety.NewLeakDetector(),
		stop:     make(chan struct{}),
		cancels:  map[string]context.CancelFunc{},
	}, nil
}

// WorkerID returns this process's worker identity.
func (e *Engine) WorkerID() string { return e.config.WorkerID }

// Start launches the worker loops and the heartbeat writer. It is a no-op
// after the first call.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		e.logger.Info("engine starting", "workers", e.config.WorkerCount)
		e.wg.Go(func() { e.heartbeatLoop(ctx) })
		for i := 0; i < e.config.WorkerCount; i++ {
			slot := fmt.Sprintf("%s/%d", e.config.WorkerID, i)
			e.wg.Go(func() { e.worker(ctx, slot) })
		}
	})
}

// Wait blocks until every worker has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain stops workers from taking new entries and waits up to timeout for
// in-flight tasks. It reports whether the pool finished in time. Tasks
// still running after the timeout keep their queue entry and are
// redelivered by the requeue sweep.
func (e *Engine) Drain(timeout time.Duration) bool {
	e.draining.Store(true)
	e.stopOnce.Do(func() { close(e.stop) })
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
		return true
	case <-time.After(timeout):
		e.logger.Warn("engine drain timeout; in-flight tasks will be redelivered", "timeout", timeout, "active", e.activeTasks.Load())
		return false
	}
}

// Status reports pool counters.
func (e *Engine) Status() Status {
	st := Status{
		WorkerID:    e.config.WorkerID,
		WorkerCount: e.config.WorkerCount,
		ActiveTasks: e.activeTasks.Load(),
		Processed:   e.processed.Load(),
		Draining:    e.draining.Load(),
	}
	if p := e.lastError.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

func (e *Engine) worker(ctx context.Context, slot string) {
	backoff := e.config.PollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		default:
		}

		entry, err := e.queue.DequeueNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, lock.ErrLockContention) {
				e.metrics.LockContention.Add(ctx, 1)
			} else {
				e.setLastError(err)
				e.logger.Warn("dequeue failed", "slot", slot, "error", err)
			}
		}
		if entry == nil {
			if !e.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, e.config.MaxPollInterval)
			continue
		}
		backoff = e.config.PollInterval
		e.processEntry(ctx, slot, *entry)
	}
}

// sleep waits d unless ctx ends or the engine drains.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.stop:
		return false
	case <-t.C:
		return true
	}
}

func (e *Engine) registerCancel(taskID string, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	e.cancels[taskID] = cancel
	e.cancelMu.Unlock()
}

func (e *Engine) unregisterCancel(taskID string) {
	e.cancelMu.Lock()
	delete(e.cancels, taskID)
	e.cancelMu.Unlock()
}

func (e *Engine) cancelLocal(taskID string) bool {
	e.cancelMu.Lock()
	cancel, ok := e.cancels[taskID]
	e.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}
