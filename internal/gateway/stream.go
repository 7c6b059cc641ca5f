package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/stockdesk/internal/bus"
	"github.com/basket/stockdesk/internal/persistence"
)

// Stream event types sent over /ws and /api/tasks/{id}/stream.
const (
	EventSnapshot = "snapshot"
	EventTask     = "task"
	EventProgress = "progress"
	EventDebate   = "debate"
)

// StreamEvent is one message on a progress stream.
type StreamEvent struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Data   any    `json:"data"`
}

// translate maps a bus event to a stream event. The owning user is only
// known for task transitions.
func translate(ev bus.Event) (se StreamEvent, userID string, terminal, ok bool) {
	switch p := ev.Payload.(type) {
	case bus.TaskStateChangedEvent:
		// Completed/failed/cancelled topics repeat the same payload.
		if ev.Topic != bus.TopicTaskStateChanged {
			return se, "", false, false
		}
		return StreamEvent{Type: EventTask, TaskID: p.TaskID, Data: p}, p.UserID,
			persistence.TaskStatus(p.NewStatus).Terminal(), true
	case bus.ProgressEvent:
		return StreamEvent{Type: EventProgress, TaskID: p.TaskID, Data: p}, "", false, true
	case bus.DebateTurnEvent:
		return StreamEvent{Type: EventDebate, TaskID: p.TaskID, Data: p}, "", false, true
	default:
		return se, "", false, false
	}
}

const maxOwnershipCache = 1024

// streamFilter passes events for one user's tasks, optionally narrowed
// to a single task.
type streamFilter struct {
	store  *persistence.Store
	userID string
	taskID string
	owned  map[string]bool
}

func (f *streamFilter) allow(ctx context.Context, taskID, owner string) bool {
	if f.taskID != "" {
		return taskID == f.taskID
	}
	if owner != "" {
		f.remember(taskID, owner == f.userID)
		return owner == f.userID
	}
	if v, ok := f.owned[taskID]; ok {
		return v
	}
	task, err := f.store.GetTask(ctx, taskID)
	if err != nil {
		return false
	}
	f.remember(taskID, task.UserID == f.userID)
	return task.UserID == f.userID
}

func (f *streamFilter) remember(taskID string, mine bool) {
	if f.owned == nil || len(f.owned) >= maxOwnershipCache {
		f.owned = make(map[string]bool)
	}
	f.owned[taskID] = mine
}

// pump forwards filtered bus events to send until ctx ends, the server
// closes, or the filtered task reaches a terminal status. sub must be
// subscribed before any snapshot is taken so no transition is missed.
func (s *Server) pump(ctx context.Context, sub *bus.Subscription, f *streamFilter, send func(StreamEvent) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			se, owner, terminal, ok := translate(ev)
			if !ok || !f.allow(ctx, se.TaskID, owner) {
				continue
			}
			if err := send(se); err != nil {
				return err
			}
			if terminal && f.taskID != "" {
				return nil
			}
		}
	}
}

// openStream validates the caller and optional task filter, subscribes to
// the bus and returns the initial snapshot. A nil snapshot means no task
// filter. The caller must unsubscribe.
func (s *Server) openStream(w http.ResponseWriter, r *http.Request, taskID string) (*bus.Subscription, *streamFilter, *persistence.Task, bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return nil, nil, nil, false
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming not available")
		return nil, nil, nil, false
	}
	sub := s.cfg.Bus.Subscribe("")
	f := &streamFilter{store: s.cfg.Store, userID: userID, taskID: taskID}
	if taskID == "" {
		return sub, f, nil, true
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err == nil && task.UserID != userID {
		err = persistence.ErrNotFound
	}
	if err != nil {
		s.cfg.Bus.Unsubscribe(sub)
		s.fail(w, r, err)
		return nil, nil, nil, false
	}
	return sub, f, task, true
}

// handleTaskStream serves GET /api/tasks/{id}/stream as server-sent
// events. The stream ends after the task's terminal transition.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	sub, f, task, ok := s.openStream(w, r, taskID)
	if !ok {
		return
	}
	defer s.cfg.Bus.Unsubscribe(sub)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	s.streams.Add(1)
	defer s.streams.Add(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(se StreamEvent) error {
		data, err := json.Marshal(se)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", se.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(StreamEvent{Type: EventSnapshot, TaskID: task.ID, Data: task.Dict()}); err != nil {
		return
	}
	if task.Status.Terminal() {
		return
	}
	if err := s.pump(r.Context(), sub, f, send); err != nil {
		s.logger.Debug("sse: client gone", "task_id", taskID, "error", err)
	}
}
