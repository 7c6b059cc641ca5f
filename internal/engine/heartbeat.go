package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const workerKeyPrefix = "worker:"

// WorkerKey is the liveness key one worker process refreshes.
func WorkerKey(workerID string) string { return workerKeyPrefix + workerID + ":heartbeat" }

// Heartbeat is the value stored under WorkerKey.
type Heartbeat struct {
	WorkerID    string    `json:"worker_id"`
	WorkerCount int       `json:"worker_count"`
	ActiveTasks int32     `json:"active_tasks"`
	Processed   int64     `json:"processed"`
	Draining    bool      `json:"draining"`
	At          time.Time `json:"at"`
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ttl := 3 * e.config.HeartbeatInterval
	e.beat(ctx, ttl)
	t := time.NewTicker(e.config.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			e.clearHeartbeat()
			return
		case <-e.stop:
			e.clearHeartbeat()
			return
		case <-t.C:
			e.beat(ctx, ttl)
		}
	}
}

func (e *Engine) beat(ctx context.Context, ttl time.Duration) {
	st := e.Status()
	hb := Heartbeat{
		WorkerID:    st.WorkerID,
		WorkerCount: st.WorkerCount,
		ActiveTasks: st.ActiveTasks,
		Processed:   st.Processed,
		Draining:    st.Draining,
		At:          time.Now().UTC(),
	}
	buf, err := json.Marshal(hb)
	if err != nil {
		return
	}
	if err := e.kv.Set(ctx, WorkerKey(e.config.WorkerID), string(buf), ttl); err != nil && ctx.Err() == nil {
		e.logger.Warn("heartbeat write failed", "error", err)
	}
	if e.queue != nil {
		if stats, err := e.queue.Stats(ctx); err == nil {
			e.metrics.QueueDepth.Record(ctx, int64(stats.GlobalPending))
		}
	}
}

func (e *Engine) clearHeartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := e.kv.Del(ctx, WorkerKey(e.config.WorkerID)); err != nil {
		e.logger.Warn("heartbeat clear failed", "error", err)
	}
}

// ListWorkers returns the live worker heartbeats, ordered by worker id.
func (e *Engine) ListWorkers(ctx context.Context) ([]Heartbeat, error) {
	keys, err := e.kv.Keys(ctx, workerKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list worker keys: %w", err)
	}
	out := make([]Heartbeat, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ":heartbeat") {
			continue
		}
		val, ok, err := e.kv.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var hb Heartbeat
		if err := json.Unmarshal([]byte(val), &hb); err != nil {
			e.logger.Warn("skipping malformed heartbeat", "key", key, "error", err)
			continue
		}
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
