package gateway_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/stockdesk/internal/audit"
	"github.com/basket/stockdesk/internal/bus"
	"github.com/basket/stockdesk/internal/debate"
	"github.com/basket/stockdesk/internal/engine"
	"github.com/basket/stockdesk/internal/gateway"
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
		FinalDecision: `{"action":"BUY","confidence":0.7}`,
		Decision:      debate.Decision{Action: debate.ActionBuy, Confidence: 0.7, Source: debate.SourceJSON},
	}
}

var instantRunner = runnerFunc(func(ctx context.Context, in debate.Input, hooks debate.Hooks) (*debate.Result, error) {
	hooks.OnPhase(ctx, debate.PhaseAnalysts)
	return buyResult(in), nil
})

type fixture struct {
	srv    *gateway.Server
	engine *engine.Engine
	store  *persistence.Store
	bus    *bus.Bus
	h      http.Handler
}

type fixtureOpts struct {
	runner engine.Runner
	limits queue.Limits
	token  string
	noRun  bool
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
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

	if o.runner == nil {
		o.runner = instantRunner
	}
	if o.limits == (queue.Limits{}) {
		o.limits = queue.DefaultLimits()
	}
	locks := lock.NewManager(kvs)
	q := queue.NewController(kvs, locks, o.limits, queue.WithDispatchWait(50*time.Millisecond))
	prog := progress.NewTracker(kvs, progress.WithBus(b))
	eng, err := engine.New(engine.Deps{
		Store: store, KV: kvs, Queue: q, Locks: locks, Progress: prog, Runner: o.runner, Bus: b,
	}, engine.Config{
		WorkerCount:       2,
		PollInterval:      10 * time.Millisecond,
		MaxPollInterval:   50 * time.Millisecond,
		CancelCheck:       20 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if !o.noRun {
		ctx, cancel := context.WithCancel(context.Background())
		eng.Start(ctx)
		t.Cleanup(func() {
			cancel()
			eng.Wait()
		})
	}
	srv := gateway.New(gateway.Config{
		Engine:            eng,
		Store:             store,
		Progress:          prog,
		Queue:             q,
		Bus:               b,
		AuthToken:         o.token,
		ConfigFingerprint: "fp-test",
	})
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, engine: eng, store: store, bus: b, h: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(gateway.UserHeader, user)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func (f *fixture) waitStatus(t *testing.T, id string, want persistence.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := f.store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
}

func TestGateway_SubmitAndFetch(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	rec, out := f.do(t, http.MethodPost, "/api/tasks", "alice", map[string]any{
		"symbol":     "msft",
		"parameters": map[string]any{"research_depth": "quick"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected X-Trace-ID response header")
	}
	id, _ := out["task_id"].(string)
	if id == "" {
		t.Fatalf("submit response %v", out)
	}
	f.waitStatus(t, id, persistence.StatusCompleted)
	// The result document is written after the status flips.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if rec, _ := f.do(t, http.MethodGet, "/api/tasks/"+id+"/result", "alice", nil); rec.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("result never stored")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec, out = f.do(t, http.MethodGet, "/api/tasks/"+id, "alice", nil)
	if rec.Code != http.StatusOK || out["status"] != "completed" || out["symbol"] != "MSFT" {
		t.Fatalf("get task: %d %v", rec.Code, out)
	}

	rec, out = f.do(t, http.MethodGet, "/api/tasks/"+id+"/progress", "alice", nil)
	if rec.Code != http.StatusOK || out["progress_percentage"] != float64(100) {
		t.Fatalf("progress: %d %v", rec.Code, out)
	}

	rec, out = f.do(t, http.MethodGet, "/api/tasks/"+id+"/result", "alice", nil)
	if rec.Code != http.StatusOK || out["action"] != "BUY" {
		t.Fatalf("result: %d %v", rec.Code, out)
	}

	rec, out = f.do(t, http.MethodGet, "/api/tasks/"+id+"/events", "alice", nil)
	if events, _ := out["events"].([]any); rec.Code != http.StatusOK || len(events) < 2 {
		t.Fatalf("events: %d %v", rec.Code, out)
	}

	// Another user's task is invisible.
	if rec, _ := f.do(t, http.MethodGet, "/api/tasks/"+id, "bob", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign get = %d, want 404", rec.Code)
	}

	rec, out = f.do(t, http.MethodGet, "/api/tasks?status=completed", "alice", nil)
	if tasks, _ := out["tasks"].([]any); rec.Code != http.StatusOK || len(tasks) != 1 {
		t.Fatalf("list: %d %v", rec.Code, out)
	}
	rec, out = f.do(t, http.MethodGet, "/api/tasks", "bob", nil)
	if tasks, _ := out["tasks"].([]any); rec.Code != http.StatusOK || len(tasks) != 0 {
		t.Fatalf("bob list: %d %v", rec.Code, out)
	}
}

func TestGateway_BadRequests(t *testing.T) {
	f := newFixture(t, fixtureOpts{noRun: true})
	cases := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
	}{
		{"missing user", http.MethodPost, "/api/tasks", "", map[string]any{"symbol": "AAPL"}, http.StatusBadRequest},
		{"bad symbol", http.MethodPost, "/api/tasks", "alice", map[string]any{"symbol": "not a ticker"}, http.StatusBadRequest},
		{"bad depth", http.MethodPost, "/api/tasks", "alice", map[string]any{"symbol": "AAPL", "parameters": map[string]any{"research_depth": "extreme"}}, http.StatusBadRequest},
		{"empty batch", http.MethodPost, "/api/batches", "alice", map[string]any{"symbols": []string{}}, http.StatusBadRequest},
		{"unknown task", http.MethodGet, "/api/tasks/nope", "alice", nil, http.StatusNotFound},
		{"unknown status", http.MethodGet, "/api/tasks?status=weird", "alice", nil, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/api/tasks", "alice", nil, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := f.do(t, tc.method, tc.path, tc.user, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("{not json"))
	req.Header.Set(gateway.UserHeader, "alice")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed JSON = %d", rec.Code)
	}
}

func TestGateway_QueueFullReturns429WithTaskID(t *testing.T) {
	limits := queue.DefaultLimits()
	limits.MaxPendingPerUser = 1
	f := newFixture(t, fixtureOpts{limits: limits, noRun: true})

	if rec, _ := f.do(t, http.MethodPost, "/api/tasks", "alice", map[string]any{"symbol": "AAPL"}); rec.Code != http.StatusAccepted {
		t.Fatalf("first submit = %d", rec.Code)
	}
	rec, out := f.do(t, http.MethodPost, "/api/tasks", "alice", map[string]any{"symbol": "NVDA"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit = %d, want 429", rec.Code)
	}
	id, _ := out["task_id"].(string)
	if id == "" || out["error"] != "rejected: queue full" {
		t.Fatalf("rejection body = %v", out)
	}
	task, err := f.store.GetTask(context.Background(), id)
	if err != nil || task.Status != persistence.StatusFailed {
		t.Fatalf("rejected task = %+v, %v", task, err)
	}
}

func TestGateway_BatchRejectionsAreUserFacing(t *testing.T) {
	limits := queue.DefaultLimits()
	limits.MaxPendingPerUser = 1
	f := newFixture(t, fixtureOpts{limits: limits, noRun: true})

	rec, out := f.do(t, http.MethodPost, "/api/batches", "alice", map[string]any{"symbols": []string{"AAPL", "MSFT"}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("batch submit: %d %s", rec.Code, rec.Body.String())
	}
	rejected, _ := out["rejected"].([]any)
	if len(rejected) != 1 || rejected[0] != "MSFT: rejected: queue full" {
		t.Fatalf("rejected = %v", out["rejected"])
	}
	for _, internal := range []string{"enqueue", "lock", "user:"} {
		if strings.Contains(rec.Body.String(), internal) {
			t.Fatalf("response leaks %q: %s", internal, rec.Body.String())
		}
	}
}

func TestGateway_CancelRunningTask(t *testing.T) {
	started := make(chan struct{}, 1)
	runner := runnerFunc(func(ctx context.Context, in debate.Input, hooks debate.Hooks) (*debate.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newFixture(t, fixtureOpts{runner: runner})

	_, out := f.do(t, http.MethodPost, "/api/tasks", "alice", map[string]any{"symbol": "TSLA"})
	id := out["task_id"].(string)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never started")
	}

	if rec, _ := f.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", "bob", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign cancel = %d, want 404", rec.Code)
	}
	rec, out := f.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", "alice", nil)
	if rec.Code != http.StatusOK || out["status"] != "cancelled" {
		t.Fatalf("cancel: %d %v", rec.Code, out)
	}
	f.waitStatus(t, id, persistence.StatusCancelled)
	if rec, _ := f.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", "alice", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second cancel = %d, want 409", rec.Code)
	}
}

func TestGateway_Batch(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	rec, out := f.do(t, http.MethodPost, "/api/batches", "alice", map[string]any{"symbols": []string{"AAPL", "msft"}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("batch submit: %d %s", rec.Code, rec.Body.String())
	}
	batchID := out["batch_id"].(string)
	ids, _ := out["task_ids"].([]any)
	if len(ids) != 2 {
		t.Fatalf("task ids = %v", out["task_ids"])
	}
	for _, id := range ids {
		f.waitStatus(t, id.(string), persistence.StatusCompleted)
	}

	rec, out = f.do(t, http.MethodGet, "/api/batches/"+batchID, "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get batch: %d", rec.Code)
	}
	batch, _ := out["batch"].(map[string]any)
	tasks, _ := out["tasks"].([]any)
	if batch["status"] != "completed" || len(tasks) != 2 {
		t.Fatalf("batch = %v tasks = %d", batch, len(tasks))
	}
	if rec, _ := f.do(t, http.MethodGet, "/api/batches/"+batchID, "bob", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign batch = %d", rec.Code)
	}
}

func TestGateway_AuthToken(t *testing.T) {
	f := newFixture(t, fixtureOpts{token: "s3cret", noRun: true})
	deniesBefore := audit.DenyCount()

	if rec, _ := f.do(t, http.MethodGet, "/api/tasks", "alice", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set(gateway.UserHeader, "alice")
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong token = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set(gateway.UserHeader, "alice")
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("good token = %d", rec.Code)
	}
	if got := audit.DenyCount() - deniesBefore; got < 2 {
		t.Fatalf("audit denies = %d, want at least 2", got)
	}

	if rec, _ := f.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must bypass auth, got %d", rec.Code)
	}
}

func TestGateway_HealthAndMetrics(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, out := f.do(t, http.MethodPost, "/api/tasks", "alice", map[string]any{"symbol": "AAPL"})
	f.waitStatus(t, out["task_id"].(string), persistence.StatusCompleted)

	rec, out := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || out["healthy"] != true || out["config_fingerprint"] != "fp-test" {
		t.Fatalf("healthz: %d %v", rec.Code, out)
	}
	f.srv.SetConfigFingerprint("fp-next")
	if _, out := f.do(t, http.MethodGet, "/healthz", "", nil); out["config_fingerprint"] != "fp-next" {
		t.Fatalf("fingerprint not updated: %v", out)
	}

	rec, out = f.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || out["completed_tasks"] != float64(1) {
		t.Fatalf("metrics: %d %v", rec.Code, out)
	}

	rec, _ = f.do(t, http.MethodGet, "/metrics/prometheus", "", nil)
	body := rec.Body.String()
	for _, want := range []string{`stockdesk_tasks{status="completed"} 1`, "stockdesk_queue_pending 0", "# TYPE stockdesk_processed_total counter", "# TYPE stockdesk_audit_denies_total counter"} {
		if !strings.Contains(body, want) {
			t.Fatalf("prometheus output missing %q:\n%s", want, body)
		}
	}

	f.engine.Drain(time.Second)
	if rec, out := f.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable || out["draining"] != true {
		t.Fatalf("draining healthz: %d %v", rec.Code, out)
	}
}

// gatedRunner blocks each run until release is closed.
func gatedRunner(started chan<- struct{}, release <-chan struct{}) engine.Runner {
	return runnerFunc(func(ctx context.Context, in debate.Input, hooks debate.Hooks) (*debate.Result, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		hooks.OnTurn(ctx, debate.Turn{Phase: debate.PhaseInvestmentDebate, Role: debate.RoleBull, Text: "up"}, 1)
		return buyResult(in), nil
	})
}

func TestGateway_WebSocketStreamsTaskToCompletion(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	f := newFixture(t, fixtureOpts{runner: gatedRunner(started, release)})
	ts := httptest.NewServer(f.h)
	defer ts.Close()

	_, out := f.do(t, http.MethodPost, "/api/tasks", "alice", map[string]any{"symbol": "AAPL"})
	id := out["task_id"].(string)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?user_id=alice&task_id=" + id
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var first gateway.StreamEvent
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != gateway.EventSnapshot || first.TaskID != id {
		t.Fatalf("first event = %+v", first)
	}
	close(release)

	seen := map[string]bool{}
	finalStatus := ""
	for {
		var ev struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		err := wsjson.Read(ctx, conn, &ev)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		seen[ev.Type] = true
		if ev.Type == gateway.EventTask {
			finalStatus, _ = ev.Data["new_status"].(string)
		}
	}
	if finalStatus != "completed" {
		t.Fatalf("final status = %q", finalStatus)
	}
	if !seen[gateway.EventProgress] || !seen[gateway.EventDebate] {
		t.Fatalf("expected progress and debate events, saw %v", seen)
	}
}

func TestGateway_WebSocketRejectsForeignTask(t *testing.T) {
	f := newFixture(t, fixtureOpts{noRun: true})
	_, out := f.do(t, http.MethodPost, "/api/tasks", "alice", map[string]any{"symbol": "AAPL"})
	id := out["task_id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/ws?user_id=bob&task_id="+id, nil)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign ws = %d, want 404", rec.Code)
	}
}

func TestGateway_SSEStream(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	f := newFixture(t, fixtureOpts{runner: gatedRunner(started, release)})
	ts := httptest.NewServer(f.h)
	defer ts.Close()

	_, out := f.do(t, http.MethodPost, "/api/tasks", "alice", map[string]any{"symbol": "AAPL"})
	id := out["task_id"].(string)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/tasks/"+id+"/stream", nil)
	req.Header.Set(gateway.UserHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var types []string
	released := false
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			types = append(types, name)
			if !released {
				close(release)
				released = true
			}
		}
	}
	if len(types) == 0 || types[0] != gateway.EventSnapshot {
		t.Fatalf("event types = %v", types)
	}
	if types[len(types)-1] != gateway.EventTask {
		t.Fatalf("stream must end on a task transition, got %v", types)
	}
}
