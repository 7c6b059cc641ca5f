package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 10 * time.Second

// handleWS streams task, progress and debate events for the caller's tasks
// as JSON messages. With ?task_id= the stream opens with a snapshot of
// that task and closes normally after its terminal transition. The
// connection is receive-only; client messages are discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	sub, f, task, ok := s.openStream(w, r, taskID)
	if !ok {
		return
	}
	defer s.cfg.Bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("ws: accept failed", "error", err)
		return
	}
	s.streams.Add(1)
	defer s.streams.Add(-1)
	s.logger.Info("ws: client connected", "user_id", f.userID, "task_id", taskID)

	// CloseRead's context ends when the peer closes or sends data frames.
	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))
	send := func(se StreamEvent) error {
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, se)
	}

	if task != nil {
		if err := send(StreamEvent{Type: EventSnapshot, TaskID: task.ID, Data: task.Dict()}); err != nil {
			_ = conn.CloseNow()
			return
		}
		if task.Status.Terminal() {
			_ = conn.Close(websocket.StatusNormalClosure, "task finished")
			return
		}
	}

	if err := s.pump(ctx, sub, f, send); err != nil {
		s.logger.Debug("ws: write failed", "user_id", f.userID, "error", err)
		_ = conn.CloseNow()
		return
	}
	reason := "bye"
	if task != nil {
		reason = "task finished"
	}
	_ = conn.Close(websocket.StatusNormalClosure, reason)
	s.logger.Info("ws: client disconnected", "user_id", f.userID, "task_id", taskID)
}
