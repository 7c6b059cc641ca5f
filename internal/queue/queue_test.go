package queue_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/stockdesk/internal/kv"
	"github.com/basket/stockdesk/internal/lock"
	"github.com/basket/stockdesk/internal/queue"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newController(t *testing.T, limits queue.Limits) (*queue.Controller, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	store, err := kv.Open(filepath.Join(t.TempDir(), "kv.db"), kv.WithClock(c.Now))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return queue.NewController(store, lock.NewManager(store), limits), c
}

func enqueue(t *testing.T, q *queue.Controller, taskID, userID string) {
	t.Helper()
	if _, err := q.Enqueue(context.Background(), queue.EnqueueRequest{TaskID: taskID, UserID: userID, Symbol: "AAPL"}); err != nil {
		t.Fatalf("enqueue %s: %v", taskID, err)
	}
}

func mustDequeue(t *testing.T, q *queue.Controller) *queue.Entry {
	t.Helper()
	e, err := q.DequeueNext(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	return e
}

func TestDequeue_UserLimitOneGlobalFive(t *testing.T) {
	q, _ := newController(t, queue.Limits{GlobalLimit: 5, PerUserLimit: 1})
	enqueue(t, q, "t1", "alice")

	first := mustDequeue(t, q)
	if first == nil || first.TaskID != "t1" {
		t.Fatalf("expected t1, got %+v", first)
	}
	if first.Attempts != 1 || first.VisibleAt.IsZero() {
		t.Fatalf("expected stamped entry, got %+v", first)
	}
	if again := mustDequeue(t, q); again != nil {
		t.Fatalf("second dequeue before ack must return nil, got %+v", again)
	}

	enqueue(t, q, "t2", "alice")
	if blocked := mustDequeue(t, q); blocked != nil {
		t.Fatalf("user at cap must not get t2 yet, got %+v", blocked)
	}
	if err := q.Ack(context.Background(), "t1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if next := mustDequeue(t, q); next == nil || next.TaskID != "t2" {
		t.Fatalf("expected t2 after ack, got %+v", next)
	}
}

func TestDequeue_SkipsCappedUserForLaterEntry(t *testing.T) {
	q, _ := newController(t, queue.Limits{GlobalLimit: 5, PerUserLimit: 1})
	enqueue(t, q, "a1", "alice")
	enqueue(t, q, "a2", "alice")
	enqueue(t, q, "b1", "bob")

	if e := mustDequeue(t, q); e.TaskID != "a1" {
		t.Fatalf("expected a1, got %s", e.TaskID)
	}
	if e := mustDequeue(t, q); e == nil || e.TaskID != "b1" {
		t.Fatalf("expected b1 to jump capped a2, got %+v", e)
	}
	if e := mustDequeue(t, q); e != nil {
		t.Fatalf("expected nil, got %+v", e)
	}
}

func TestDequeue_GlobalLimit(t *testing.T) {
	q, _ := newController(t, queue.Limits{GlobalLimit: 2, PerUserLimit: 5})
	for i := 0; i < 4; i++ {
		enqueue(t, q, fmt.Sprintf("t%d", i), fmt.Sprintf("u%d", i))
	}
	for i := 0; i < 2; i++ {
		if e := mustDequeue(t, q); e == nil || e.TaskID != fmt.Sprintf("t%d", i) {
			t.Fatalf("dequeue %d = %+v", i, e)
		}
	}
	if e := mustDequeue(t, q); e != nil {
		t.Fatalf("global cap reached, got %+v", e)
	}
	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.GlobalPending != 2 || stats.GlobalProcessing != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Users["u0"].Processing != 1 || stats.Users["u3"].Pending != 1 {
		t.Fatalf("user stats = %+v", stats.Users)
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	q, _ := newController(t, queue.Limits{MaxPendingPerUser: 2})
	enqueue(t, q, "t1", "alice")
	enqueue(t, q, "t2", "alice")
	_, err := q.Enqueue(context.Background(), queue.EnqueueRequest{TaskID: "t3", UserID: "alice"})
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	// Other users are unaffected.
	enqueue(t, q, "t4", "bob")
}

func TestRequeueExpired_Idempotent(t *testing.T) {
	q, c := newController(t, queue.Limits{GlobalLimit: 5, PerUserLimit: 5, VisibilityTimeout: time.Minute})
	ctx := context.Background()
	enqueue(t, q, "t1", "alice")
	enqueue(t, q, "t2", "alice")
	enqueue(t, q, "t3", "alice")
	mustDequeue(t, q)
	mustDequeue(t, q)

	if n, _ := q.RequeueExpired(ctx); n != 0 {
		t.Fatalf("nothing expired yet, requeued %d", n)
	}
	c.Advance(2 * time.Minute)

	n, err := q.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 requeued, got %d", n)
	}
	n, err = q.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("requeue twice: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", n)
	}

	stats, _ := q.Stats(ctx)
	if stats.GlobalPending != 3 || stats.GlobalProcessing != 0 {
		t.Fatalf("stats after requeue = %+v", stats)
	}
	// Requeued entries go back to the front in their original order.
	for _, want := range []string{"t1", "t2", "t3"} {
		e := mustDequeue(t, q)
		if e == nil || e.TaskID != want {
			t.Fatalf("expected %s, got %+v", want, e)
		}
		if want != "t3" && e.Attempts != 2 {
			t.Fatalf("redelivered %s should be attempt 2, got %d", want, e.Attempts)
		}
	}
}

func TestTouch_ExtendsVisibility(t *testing.T) {
	q, c := newController(t, queue.Limits{VisibilityTimeout: time.Minute})
	ctx := context.Background()
	enqueue(t, q, "t1", "alice")
	mustDequeue(t, q)

	c.Advance(50 * time.Second)
	ok, err := q.Touch(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("touch = %v %v", ok, err)
	}
	c.Advance(50 * time.Second)
	if n, _ := q.RequeueExpired(ctx); n != 0 {
		t.Fatalf("touched entry must not be requeued, got %d", n)
	}
	if ok, _ := q.Touch(ctx, "missing"); ok {
		t.Fatal("touch of unknown task must report false")
	}
}

func TestRemoveTask_IdempotentFromAnyState(t *testing.T) {
	q, _ := newController(t, queue.Limits{})
	ctx := context.Background()
	enqueue(t, q, "inflight", "alice")
	enqueue(t, q, "waiting", "bob")
	if e := mustDequeue(t, q); e.TaskID != "inflight" {
		t.Fatalf("unexpected order: %s", e.TaskID)
	}

	for _, id := range []string{"inflight", "waiting", "inflight", "never-queued"} {
		if err := q.RemoveTask(ctx, id); err != nil {
			t.Fatalf("remove %s: %v", id, err)
		}
	}
	stats, _ := q.Stats(ctx)
	if stats.GlobalPending != 0 || stats.GlobalProcessing != 0 {
		t.Fatalf("expected empty queue, got %+v", stats)
	}
	if err := q.Ack(ctx, "inflight"); err != nil {
		t.Fatalf("ack after remove must be a no-op: %v", err)
	}
}

func TestAckDelivery_IgnoresStaleDelivery(t *testing.T) {
	q, c := newController(t, queue.Limits{GlobalLimit: 5, PerUserLimit: 1, VisibilityTimeout: time.Minute})
	ctx := context.Background()
	enqueue(t, q, "t1", "alice")

	late := mustDequeue(t, q)
	c.Advance(2 * time.Minute)
	if n, err := q.RequeueExpired(ctx); err != nil || n != 1 {
		t.Fatalf("requeue = %d %v", n, err)
	}
	current := mustDequeue(t, q)
	if current == nil || current.Attempts != 2 {
		t.Fatalf("expected redelivery, got %+v", current)
	}

	acked, err := q.AckDelivery(ctx, *late)
	if err != nil {
		t.Fatalf("stale ack: %v", err)
	}
	if acked {
		t.Fatal("ack from the first delivery must not remove the second")
	}
	stats, _ := q.Stats(ctx)
	if stats.GlobalProcessing != 1 || stats.Users["alice"].Processing != 1 {
		t.Fatalf("stats after stale ack = %+v", stats)
	}

	acked, err = q.AckDelivery(ctx, *current)
	if err != nil || !acked {
		t.Fatalf("current ack = %v %v", acked, err)
	}
	stats, _ = q.Stats(ctx)
	if stats.GlobalProcessing != 0 || stats.Users["alice"].Processing != 0 {
		t.Fatalf("stats after ack = %+v", stats)
	}
	if acked, err := q.AckDelivery(ctx, *current); err != nil || !acked {
		t.Fatalf("repeat ack = %v %v", acked, err)
	}
}

func TestAckDelivery_WithdrawsRequeuedEntry(t *testing.T) {
	q, c := newController(t, queue.Limits{VisibilityTimeout: time.Minute})
	ctx := context.Background()
	enqueue(t, q, "t1", "alice")

	e := mustDequeue(t, q)
	c.Advance(2 * time.Minute)
	if n, _ := q.RequeueExpired(ctx); n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}
	acked, err := q.AckDelivery(ctx, *e)
	if err != nil || !acked {
		t.Fatalf("ack of requeued entry = %v %v", acked, err)
	}
	if next := mustDequeue(t, q); next != nil {
		t.Fatalf("finished task must not be redelivered, got %+v", next)
	}
}

func TestSetLimits_AppliesToNextDispatch(t *testing.T) {
	q, _ := newController(t, queue.Limits{GlobalLimit: 1, PerUserLimit: 5})
	enqueue(t, q, "t1", "alice")
	enqueue(t, q, "t2", "alice")
	mustDequeue(t, q)
	if e := mustDequeue(t, q); e != nil {
		t.Fatalf("global cap 1 reached, got %+v", e)
	}
	q.SetLimits(queue.Limits{GlobalLimit: 2, PerUserLimit: 5})
	if e := mustDequeue(t, q); e == nil || e.TaskID != "t2" {
		t.Fatalf("expected t2 after raising cap, got %+v", e)
	}
}

func TestConcurrentWorkers_RespectCaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	limits := queue.Limits{GlobalLimit: 3, PerUserLimit: 1, MaxPendingPerUser: 100}

	// Two handles on the same file stand in for two worker processes.
	var controllers []*queue.Controller
	for i := 0; i < 2; i++ {
		store, err := kv.Open(path)
		if err != nil {
			t.Fatalf("open kv: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		controllers = append(controllers, queue.NewController(store, lock.NewManager(store), limits))
	}

	users := []string{"u1", "u2", "u3", "u4"}
	const perUser = 5
	total := len(users) * perUser
	for i := 0; i < perUser; i++ {
		for _, u := range users {
			enqueue(t, controllers[0], fmt.Sprintf("%s-%d", u, i), u)
		}
	}

	var (
		mu        sync.Mutex
		inFlight  int
		perUserIn = map[string]int{}
		done      int
		violation string
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		q := controllers[w%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				mu.Lock()
				finished := done == total
				mu.Unlock()
				if finished {
					return
				}
				e, err := q.DequeueNext(ctx)
				if err != nil {
					if errors.Is(err, lock.ErrLockContention) || ctx.Err() != nil {
						time.Sleep(time.Millisecond)
						continue
					}
					t.Errorf("dequeue: %v", err)
					return
				}
				if e == nil {
					time.Sleep(time.Millisecond)
					continue
				}
				mu.Lock()
				inFlight++
				perUserIn[e.UserID]++
				if inFlight > limits.GlobalLimit {
					violation = fmt.Sprintf("global in-flight %d", inFlight)
				}
				if perUserIn[e.UserID] > limits.PerUserLimit {
					violation = fmt.Sprintf("user %s in-flight %d", e.UserID, perUserIn[e.UserID])
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inFlight--
				perUserIn[e.UserID]--
				done++
				mu.Unlock()
				if err := q.Ack(ctx, e.TaskID); err != nil {
					t.Errorf("ack: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if violation != "" {
		t.Fatalf("cap violated: %s", violation)
	}
	if done != total {
		t.Fatalf("processed %d of %d tasks", done, total)
	}
}
