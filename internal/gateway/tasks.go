package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/basket/stockdesk/internal/audit"
	"github.com/basket/stockdesk/internal/engine"
	"github.com/basket/stockdesk/internal/persistence"
	"github.com/basket/stockdesk/internal/queue"
)

type submitRequest struct {
	Symbol     string         `json:"symbol"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type batchRequest struct {
	Symbols    []string       `json:"symbols"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	taskID, err := s.cfg.Engine.Submit(r.Context(), userID, req.Symbol, req.Parameters)
	if err != nil {
		status, msg := statusForError(err)
		if taskID != "" && errors.Is(err, queue.ErrQueueFull) {
			writeJSON(w, status, map[string]any{"error": msg, "task_id": taskID, "status": persistence.StatusFailed})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "status": persistence.StatusPending})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	batchID, taskIDs, err := s.cfg.Engine.SubmitBatch(r.Context(), userID, req.Symbols, req.Parameters)
	if batchID == "" {
		s.fail(w, r, err)
		return
	}
	payload := map[string]any{"batch_id": batchID, "task_ids": taskIDs}
	var rejected *engine.BatchRejectedError
	switch {
	case errors.As(err, &rejected):
		reasons := make([]string, 0, len(rejected.Rejections))
		for _, r := range rejected.Rejections {
			reasons = append(reasons, r.Symbol+": "+r.Reason)
		}
		payload["rejected"] = reasons
	case err != nil:
		_, msg := statusForError(err)
		payload["rejected"] = []string{msg}
	}
	writeJSON(w, http.StatusAccepted, payload)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := persistence.ListFilter{
		UserID:  userID,
		Status:  persistence.TaskStatus(q.Get("status")),
		BatchID: q.Get("batch_id"),
		Limit:   20,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for i := range tasks {
		out = append(out, tasks[i].Dict())
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out, "limit": filter.Limit, "offset": filter.Offset})
}

// ownedTask loads the task named in the path and hides tasks that belong
// to another user behind a 404.
func (s *Server) ownedTask(w http.ResponseWriter, r *http.Request) (*persistence.Task, bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return nil, false
	}
	task, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	if task.UserID != userID {
		audit.Record(audit.Deny, "task.access", "not_owner", userID, task.ID)
		writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return task, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task.Dict())
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	rec, err := s.cfg.Progress.Get(r.Context(), task.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec == nil {
		// Progress records expire; fall back to the durable row.
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id":             task.ID,
			"progress_percentage": task.Progress,
			"last_message":        task.Message,
			"current_step":        task.CurrentStep,
			"status":              task.Status,
			"error":               task.ErrorMessage,
		})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), task.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": task.ID, "events": events})
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	res, err := s.cfg.Store.GetResult(r.Context(), task.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Engine.Cancel(r.Context(), task.ID); err != nil {
		if errors.Is(err, engine.ErrAlreadyFinished) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "task already finished", "task_id": task.ID, "status": task.Status})
			return
		}
		s.fail(w, r, err)
		return
	}
	audit.Record(audit.Allow, "task.cancel", "owner", task.UserID, task.ID)
	writeJSON(w, http.StatusOK, map[string]any{"task_id": task.ID, "status": persistence.StatusCancelled})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	batch, err := s.cfg.Store.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if batch.UserID != userID {
		audit.Record(audit.Deny, "batch.access", "not_owner", userID, batch.ID)
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	tasks, err := s.cfg.Store.ListBatchTasks(r.Context(), batch.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for i := range tasks {
		out = append(out, tasks[i].Dict())
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": batch, "tasks": out})
}
