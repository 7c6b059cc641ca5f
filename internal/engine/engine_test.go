package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/stockdesk/internal/bus"
	"github.com/basket/stockdesk/internal/debate"
	"github.com/basket/stockdesk/internal/engine"
	"github.com/basket/stockdesk/internal/kv"
	"github.com/basket/stockdesk/internal/lock"
	"github.com/basket/stockdesk/internal/persistence"
	"github.com/basket/stockdesk/internal/progress"
	"github.com/basket/stockdesk/internal/queue"
)

type runnerFunc func(ctx context.Context, in debate.Input, hooks debate.Hooks) (*debate.Result, error)

func (f runnerFunc) Run(ctx context.Context, in debate.Input, hooks debate.Hooks) (*debate.Result, error) {
	return f(ctx, in, hooks)
}

func buyResult(in debate.Input) *debate.Result {
	return &debate.Result{
		Symbol:        in.Symbol,
		Date:          in.Date,
		Config:        in.Config,
		FinalDecision: `{"action":"BUY","confidence":0.8}`,
		Decision:      debate.Decision{Action: debate.ActionBuy, Confidence: 0.8, Source: debate.SourceJSON},
	}
}

type harness struct {
	engine *engine.Engine
	store  *persistence.Store
	kv     *kv.Store
	queue  *queue.Controller
	prog   *progress.Tracker
	bus    *bus.Bus
}

func newHarness(t *testing.T, runner engine.Runner, limits queue.Limits, cfg engine.Config) *harness {
	t.Helper()
	dir := t.TempDir()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(dir, "tasks.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	kvs, err := kv.Open(filepath.Join(dir, "kv.db"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = kvs.Close() })

	locks := lock.NewManager(kvs)
	q := queue.NewController(kvs, locks, limits, queue.WithDispatchWait(50*time.Millisecond))
	prog := progress.NewTracker(kvs, progress.WithBus(b))

	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = 2
	}
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxPollInterval = 50 * time.Millisecond
	if cfg.CancelCheck == 0 {
		cfg.CancelCheck = 20 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}
	eng, err := engine.New(engine.Deps{
		Store:    store,
		KV:       kvs,
		Queue:    q,
		Locks:    locks,
		Progress: prog,
		Runner:   runner,
		Bus:      b,
	}, cfg)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return &harness{engine: eng, store: store, kv: kvs, queue: q, prog: prog, bus: b}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.engine.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.engine.Wait()
	})
}

func waitStatus(t *testing.T, store *persistence.Store, id string, want persistence.TaskStatus) *persistence.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.GetTask(context.Background(), id)
	t.Fatalf("task %s status = %s, want %s (error %q)", id, task.Status, want, task.ErrorMessage)
	return nil
}

func TestEngine_RunsTaskToCompletion(t *testing.T) {
	var seen atomic.Value
	runner := runnerFunc(func(ctx context.Context, in debate.Input, hooks debate.Hooks) (*debate.Result, error) {
		seen.Store(in)
		hooks.OnPhase(ctx, debate.PhaseAnalysts)
		hooks.OnReport(ctx, debate.AnalystMarket, 1, 1)
		hooks.OnPhase(ctx, debate.PhaseInvestmentDebate)
		hooks.OnTurn(ctx, debate.Turn{Phase: debate.PhaseInvestmentDebate, Role: debate.RoleBull, Text: "up"}, 1)
		hooks.OnPhase(ctx, debate.PhaseRiskManager)
		return buyResult(in), nil
	})
	h := newHarness(t, runner, queue.DefaultLimits(), engine.Config{})
	turns := h.bus.Subscribe(bus.TopicDebateTurn)
	defer h.bus.Unsubscribe(turns)
	h.start(t)

	ctx := context.Background()
	id, err := h.engine.Submit(ctx, "alice", " aapl ", map[string]any{
		"research_depth":    "quick",
		"analysis_date":     "2026-03-02",
		"max_debate_rounds": float64(2),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitStatus(t, h.store, id, persistence.StatusCompleted)
	if task.Symbol != "AAPL" {
		t.Fatalf("symbol = %q, want AAPL", task.Symbol)
	}
	if len(task.Result) == 0 || !strings.Contains(string(task.Result), `"BUY"`) {
		t.Fatalf("result = %s", task.Result)
	}

	in := seen.Load().(debate.Input)
	if in.Date != "2026-03-02" || in.Config.Depth != debate.DepthQuick || in.Config.MaxDebateRounds != 2 {
		t.Fatalf("runner input = %+v", in)
	}

	rec, err := h.prog.Get(ctx, id)
	if err != nil || rec == nil {
		t.Fatalf("progress = %v %v", rec, err)
	}
	if rec.Percentage != 100 || rec.Status != progress.StatusCompleted {
		t.Fatalf("progress = %+v", rec)
	}

	stored, err := h.store.GetResult(ctx, id)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if stored.Action != "BUY" {
		t.Fatalf("stored action = %q", stored.Action)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		entry, err := h.queue.Get(ctx, id)
		if err != nil {
			t.Fatalf("queue get: %v", err)
		}
		if entry == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queue entry was not acked")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case ev := <-turns.Ch():
		turn, ok := ev.Payload.(bus.DebateTurnEvent)
		if !ok || turn.TaskID != id || turn.Speaker != string(debate.RoleBull) {
			t.Fatalf("turn event = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a debate turn event")
	}
}

func TestEngine_UpstreamFailureIsRecorded(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, in debate.Input, _ debate.Hooks) (*debate.Result, error) {
		return nil, &debate.UpstreamAnalysisError{Symbol: in.Symbol, Err: errors.New("market data offline")}
	})
	h := newHarness(t, runner, queue.DefaultLimits(), engine.Config{})
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "bob", "MSFT", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitStatus(t, h.store, id, persistence.StatusFailed)
	if !strings.Contains(task.ErrorMessage, "MSFT") || !strings.Contains(task.ErrorMessage, "market data offline") {
		t.Fatalf("error message = %q", task.ErrorMessage)
	}
	rec, _ := h.prog.Get(context.Background(), id)
	if rec == nil || rec.Status != progress.StatusFailed {
		t.Fatalf("progress = %+v", rec)
	}
}

func TestEngine_PanicBecomesInternalError(t *testing.T) {
	runner := runnerFunc(func(context.Context, debate.Input, debate.Hooks) (*debate.Result, error) {
		panic("nil map")
	})
	h := newHarness(t, runner, queue.DefaultLimits(), engine.Config{})
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "bob", "MSFT", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitStatus(t, h.store, id, persistence.StatusFailed)
	if task.ErrorMessage != "internal error" {
		t.Fatalf("error message = %q", task.ErrorMessage)
	}
}

func TestEngine_TimeoutFailsTask(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, _ debate.Input, _ debate.Hooks) (*debate.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, runner, queue.DefaultLimits(), engine.Config{TaskTimeout: 100 * time.Millisecond})
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "carol", "TSLA", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitStatus(t, h.store, id, persistence.StatusFailed)
	if !strings.HasPrefix(task.ErrorMessage, "timeout") {
		t.Fatalf("error message = %q", task.ErrorMessage)
	}
}

func TestEngine_CancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	var stopped atomic.Bool
	runner := runnerFunc(func(ctx context.Context, _ debate.Input, _ debate.Hooks) (*debate.Result, error) {
		close(started)
		<-ctx.Done()
		stopped.Store(true)
		return nil, ctx.Err()
	})
	h := newHarness(t, runner, queue.DefaultLimits(), engine.Config{WorkerCount: 1})
	h.start(t)

	ctx := context.Background()
	id, err := h.engine.Submit(ctx, "dave", "NVDA", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	if err := h.engine.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	task := waitStatus(t, h.store, id, persistence.StatusCancelled)
	if task.ErrorMessage != "cancelled" {
		t.Fatalf("error message = %q", task.ErrorMessage)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !stopped.Load() {
		if time.Now().After(deadline) {
			t.Fatal("runner context was not cancelled")
		}
		time.Sleep(10 * time.Millisecond)
	}

	err = h.engine.Cancel(ctx, id)
	if !errors.Is(err, engine.ErrAlreadyFinished) {
		t.Fatalf("second cancel = %v, want ErrAlreadyFinished", err)
	}
}

func TestEngine_CancelPendingTask(t *testing.T) {
	h := newHarness(t, runnerFunc(func(context.Context, debate.Input, debate.Hooks) (*debate.Result, error) {
		t.Error("cancelled task must not run")
		return nil, nil
	}), queue.DefaultLimits(), engine.Config{})

	ctx := context.Background()
	id, err := h.engine.Submit(ctx, "erin", "AMD", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.engine.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	entry, err := h.queue.Get(ctx, id)
	if err != nil || entry != nil {
		t.Fatalf("queue entry after cancel = %+v %v", entry, err)
	}
	h.start(t)
	time.Sleep(100 * time.Millisecond)
	task, _ := h.store.GetTask(ctx, id)
	if task.Status != persistence.StatusCancelled {
		t.Fatalf("status = %s", task.Status)
	}
}

func TestEngine_SubmitRejectsWhenUserQueueFull(t *testing.T) {
	limits := queue.DefaultLimits()
	limits.MaxPendingPerUser = 1
	h := newHarness(t, runnerFunc(func(_ context.Context, in debate.Input, _ debate.Hooks) (*debate.Result, error) {
		return buyResult(in), nil
	}), limits, engine.Config{})

	ctx := context.Background()
	if _, err := h.engine.Submit(ctx, "frank", "AAPL", nil); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	id, err := h.engine.Submit(ctx, "frank", "MSFT", nil)
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("second submit err = %v, want ErrQueueFull", err)
	}
	if id == "" {
		t.Fatal("rejected submission must still return its task id")
	}
	task, err := h.store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.StatusFailed || task.ErrorMessage != "rejected: queue full" {
		t.Fatalf("rejected task = %s %q", task.Status, task.ErrorMessage)
	}
}

func TestEngine_SubmitValidation(t *testing.T) {
	h := newHarness(t, runnerFunc(func(context.Context, debate.Input, debate.Hooks) (*debate.Result, error) {
		return nil, nil
	}), queue.DefaultLimits(), engine.Config{})
	ctx := context.Background()

	cases := []struct {
		name   string
		user   string
		symbol string
		params map[string]any
	}{
		{"missing user", "", "AAPL", nil},
		{"bad symbol", "u", "AA PL", nil},
		{"bad depth", "u", "AAPL", map[string]any{"research_depth": "extreme"}},
		{"rounds out of range", "u", "AAPL", map[string]any{"max_debate_rounds": float64(11)}},
		{"fractional rounds", "u", "AAPL", map[string]any{"max_risk_discuss_rounds": 1.5}},
		{"bad date", "u", "AAPL", map[string]any{"analysis_date": "03/02/2026"}},
		{"unknown analyst", "u", "AAPL", map[string]any{"analysts": []any{"market", "macro"}}},
		{"analysts not a list", "u", "AAPL", map[string]any{"analysts": "market"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Submit(ctx, tc.user, tc.symbol, tc.params)
			if !errors.Is(err, engine.ErrInvalidRequest) {
				t.Fatalf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestEngine_SubmitBatch(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, in debate.Input, _ debate.Hooks) (*debate.Result, error) {
		return buyResult(in), nil
	})
	h := newHarness(t, runner, queue.DefaultLimits(), engine.Config{})
	h.start(t)

	ctx := context.Background()
	batchID, ids, err := h.engine.SubmitBatch(ctx, "gina", []string{"aapl", "msft", "goog"}, nil)
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if batchID == "" || len(ids) != 3 {
		t.Fatalf("batch = %q ids = %v", batchID, ids)
	}
	for _, id := range ids {
		waitStatus(t, h.store, id, persistence.StatusCompleted)
	}
	batch, err := h.store.GetBatch(ctx, batchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if batch.TotalTasks != 3 {
		t.Fatalf("total tasks = %d", batch.TotalTasks)
	}
}

func TestEngine_SubmitBatchReportsRejections(t *testing.T) {
	limits := queue.DefaultLimits()
	limits.MaxPendingPerUser = 1
	h := newHarness(t, runnerFunc(func(_ context.Context, in debate.Input, _ debate.Hooks) (*debate.Result, error) {
		return buyResult(in), nil
	}), limits, engine.Config{})

	ctx := context.Background()
	_, ids, err := h.engine.SubmitBatch(ctx, "ivan", []string{"aapl", "msft"}, nil)
	var rejected *engine.BatchRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want *BatchRejectedError", err)
	}
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("err = %v, want it to wrap ErrQueueFull", err)
	}
	if len(ids) != 2 || len(rejected.Rejections) != 1 {
		t.Fatalf("ids = %v rejections = %+v", ids, rejected.Rejections)
	}
	r := rejected.Rejections[0]
	if r.TaskID != ids[1] || r.Symbol != "MSFT" || r.Reason != "rejected: queue full" {
		t.Fatalf("rejection = %+v", r)
	}
	task, err := h.store.GetTask(ctx, ids[1])
	if err != nil || task.Status != persistence.StatusFailed || task.ErrorMessage != r.Reason {
		t.Fatalf("rejected task = %+v %v", task, err)
	}
}

func TestEngine_StoreFaultFailsTaskAndReleasesSlot(t *testing.T) {
	limits := queue.DefaultLimits()
	limits.PerUserLimit = 1
	h := newHarness(t, runnerFunc(func(_ context.Context, in debate.Input, _ debate.Hooks) (*debate.Result, error) {
		return buyResult(in), nil
	}), limits, engine.Config{WorkerCount: 1})

	ctx := context.Background()
	// Abort only the worker's own start write so the failure path can still
	// record its outcome.
	if _, err := h.store.DB().ExecContext(ctx, `
		CREATE TRIGGER fault_on_start BEFORE UPDATE OF status ON tasks
		WHEN NEW.status = 'running' AND NEW.message = 'running'
		BEGIN SELECT RAISE(ABORT, 'disk fault'); END;`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	id, err := h.engine.Submit(ctx, "hank", "IBM", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.start(t)

	task := waitStatus(t, h.store, id, persistence.StatusFailed)
	if task.ErrorMessage != "internal error" {
		t.Fatalf("error message = %q", task.ErrorMessage)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := h.queue.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.GlobalProcessing == 0 && stats.Users["hank"].Processing == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue slot still held: %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _ := h.prog.Get(ctx, id)
	if rec == nil || rec.Status != progress.StatusFailed {
		t.Fatalf("progress = %+v", rec)
	}

	if _, err := h.store.DB().ExecContext(ctx, `DROP TRIGGER fault_on_start;`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	next, err := h.engine.Submit(ctx, "hank", "IBM", nil)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	waitStatus(t, h.store, next, persistence.StatusCompleted)
}

func TestEngine_HeartbeatAndDrain(t *testing.T) {
	h := newHarness(t, runnerFunc(func(_ context.Context, in debate.Input, _ debate.Hooks) (*debate.Result, error) {
		return buyResult(in), nil
	}), queue.DefaultLimits(), engine.Config{WorkerID: "w-test"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)

	workers, err := h.engine.ListWorkers(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for (err != nil || len(workers) == 0) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		workers, err = h.engine.ListWorkers(ctx)
	}
	if err != nil || len(workers) != 1 || workers[0].WorkerID != "w-test" {
		t.Fatalf("workers = %+v %v", workers, err)
	}

	if !h.engine.Drain(2 * time.Second) {
		t.Fatal("drain timed out")
	}
	st := h.engine.Status()
	if !st.Draining || st.ActiveTasks != 0 {
		t.Fatalf("status after drain = %+v", st)
	}
	if _, ok, _ := h.kv.Get(ctx, engine.WorkerKey("w-test")); ok {
		t.Fatal("heartbeat must be cleared on drain")
	}
}
