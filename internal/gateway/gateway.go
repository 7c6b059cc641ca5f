// Package gateway is the HTTP and WebSocket surface over the engine: task
// submission, lookup, cancellation, progress streaming, health and metrics.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/stockdesk/internal/audit"
	"github.com/basket/stockdesk/internal/bus"
	"github.com/basket/stockdesk/internal/config"
	"github.com/basket/stockdesk/internal/engine"
	"github.com/basket/stockdesk/internal/lock"
	"github.com/basket/stockdesk/internal/otel"
	"github.com/basket/stockdesk/internal/persistence"
	"github.com/basket/stockdesk/internal/progress"
	"github.com/basket/stockdesk/internal/queue"
	"github.com/basket/stockdesk/internal/shared"
)

type Config struct {
	Engine   *engine.Engine
	Store    *persistence.Store
	Progress *progress.Tracker
	Queue    *queue.Controller
	Bus      *bus.Bus

	// AuthToken enables bearer auth on every route except /healthz.
	AuthToken string

	// AllowOrigins are the accepted Origin patterns for cross-origin
	// WebSocket upgrades. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	RateLimit    config.RateLimitConfig
	CORS         config.CORSConfig
	MaxBodyBytes int64

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimitMiddleware

	fingerprintMu sync.RWMutex
	fingerprint   string

	streams   atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.NoopTracer()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	logger := cfg.Logger.With("component", "gateway")
	return &Server{
		cfg:         cfg,
		logger:      logger,
		limiter:     NewRateLimitMiddleware(cfg.RateLimit, logger),
		fingerprint: cfg.ConfigFingerprint,
		done:        make(chan struct{}),
	}
}

// SetConfigFingerprint updates the fingerprint reported by /healthz after
// a config reload.
func (s *Server) SetConfigFingerprint(fp string) {
	s.fingerprintMu.Lock()
	s.fingerprint = fp
	s.fingerprintMu.Unlock()
}

func (s *Server) configFingerprint() string {
	s.fingerprintMu.RLock()
	defer s.fingerprintMu.RUnlock()
	return s.fingerprint
}

// StartEviction drops idle rate limit buckets until ctx ends.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

// Close ends every open WebSocket and SSE stream. http.Server.Shutdown
// does not wait for hijacked connections.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/tasks", s.handleSubmit)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/tasks/{id}/progress", s.handleTaskProgress)
	mux.HandleFunc("GET /api/tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("GET /api/tasks/{id}/result", s.handleTaskResult)
	mux.HandleFunc("GET /api/tasks/{id}/stream", s.handleTaskStream)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/batches", s.handleSubmitBatch)
	mux.HandleFunc("GET /api/batches/{id}", s.handleGetBatch)

	var h http.Handler = mux
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	h = s.limiter.Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	return s.instrument(h)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, "http "+r.Method,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Trace-ID", traceID)
		req := r.WithContext(ctx)
		next.ServeHTTP(rec, req)

		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetAttributes(attribute.Int("http.status_code", rec.status), attribute.String("http.route", route))
		var spanErr error
		if rec.status >= http.StatusInternalServerError {
			spanErr = fmt.Errorf("http %d", rec.status)
		}
		otel.EndSpan(span, spanErr)
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("route", route),
			attribute.Int("status", rec.status),
		))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps engine and store errors to an HTTP status and a
// message safe to return to the caller.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests, "rejected: queue full"
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, engine.ErrAlreadyFinished):
		return http.StatusConflict, "task already finished"
	case errors.Is(err, lock.ErrLockContention):
		return http.StatusServiceUnavailable, "busy, retry later"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "trace_id", shared.TraceID(r.Context()), "error", err)
	}
	writeError(w, status, msg)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbOK := true
	if _, err := s.cfg.Store.Counts(ctx); err != nil {
		dbOK = false
	}
	kvOK := true
	var depth int
	if stats, err := s.cfg.Queue.Stats(ctx); err != nil {
		kvOK = false
	} else {
		depth = stats.GlobalPending
	}
	st := s.cfg.Engine.Status()
	healthy := dbOK && kvOK && !st.Draining

	payload := map[string]any{
		"healthy":            healthy,
		"db_ok":              dbOK,
		"kv_ok":              kvOK,
		"draining":           st.Draining,
		"worker_id":          st.WorkerID,
		"queue_depth":        depth,
		"config_fingerprint": s.configFingerprint(),
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type metricsSnapshot struct {
	Tasks      map[persistence.TaskStatus]int
	Queue      queue.Stats
	Engine     engine.Status
	Workers    []engine.Heartbeat
	AllocBytes uint64
	BusDropped int64
	Streams    int64
	Denies     int64
}

func (s *Server) snapshot(ctx context.Context) (metricsSnapshot, error) {
	var snap metricsSnapshot
	counts, err := s.cfg.Store.Counts(ctx)
	if err != nil {
		return snap, err
	}
	stats, err := s.cfg.Queue.Stats(ctx)
	if err != nil {
		return snap, err
	}
	workers, err := s.cfg.Engine.ListWorkers(ctx)
	if err != nil {
		return snap, err
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	snap = metricsSnapshot{
		Tasks:      counts,
		Queue:      stats,
		Engine:     s.cfg.Engine.Status(),
		Workers:    workers,
		AllocBytes: mem.Alloc,
		Streams:    s.streams.Load(),
		Denies:     audit.DenyCount(),
	}
	if s.cfg.Bus != nil {
		snap.BusDropped = s.cfg.Bus.Dropped()
	}
	return snap, nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending_tasks":     snap.Tasks[persistence.StatusPending],
		"running_tasks":     snap.Tasks[persistence.StatusRunning],
		"completed_tasks":   snap.Tasks[persistence.StatusCompleted],
		"failed_tasks":      snap.Tasks[persistence.StatusFailed],
		"cancelled_tasks":   snap.Tasks[persistence.StatusCancelled],
		"queue":             snap.Queue,
		"engine":            snap.Engine,
		"workers":           snap.Workers,
		"alloc_bytes":       snap.AllocBytes,
		"bus_dropped":       snap.BusDropped,
		"open_streams":      snap.Streams,
		"rate_limit_bucket": s.limiter.BucketCount(),
		"audit_denies":      snap.Denies,
	})
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP stockdesk_tasks Tasks by status.\n")
	fmt.Fprintf(w, "# TYPE stockdesk_tasks gauge\n")
	for _, st := range []persistence.TaskStatus{
		persistence.StatusPending, persistence.StatusRunning, persistence.StatusCompleted,
		persistence.StatusFailed, persistence.StatusCancelled,
	} {
		fmt.Fprintf(w, "stockdesk_tasks{status=%q} %d\n", st, snap.Tasks[st])
	}
	fmt.Fprintf(w, "# HELP stockdesk_queue_pending Entries waiting in the queue.\n")
	fmt.Fprintf(w, "# TYPE stockdesk_queue_pending gauge\n")
	fmt.Fprintf(w, "stockdesk_queue_pending %d\n", snap.Queue.GlobalPending)
	fmt.Fprintf(w, "# HELP stockdesk_queue_processing Entries leased by workers.\n")
	fmt.Fprintf(w, "# TYPE stockdesk_queue_processing gauge\n")
	fmt.Fprintf(w, "stockdesk_queue_processing %d\n", snap.Queue.GlobalProcessing)

	users := make([]string, 0, len(snap.Queue.Users))
	for u := range snap.Queue.Users {
		users = append(users, u)
	}
	sort.Strings(users)
	fmt.Fprintf(w, "# HELP stockdesk_user_processing Entries leased per user.\n")
	fmt.Fprintf(w, "# TYPE stockdesk_user_processing gauge\n")
	for _, u := range users {
		fmt.Fprintf(w, "stockdesk_user_processing{user_id=%q} %d\n", u, snap.Queue.Users[u].Processing)
	}

	fmt.Fprintf(w, "# HELP stockdesk_active_tasks Tasks running in this process.\n")
	fmt.Fprintf(w, "# TYPE stockdesk_active_tasks gauge\n")
	fmt.Fprintf(w, "stockdesk_active_tasks %d\n", snap.Engine.ActiveTasks)
	fmt.Fprintf(w, "# HELP stockdesk_processed_total Tasks finished by this process.\n")
	fmt.Fprintf(w, "# TYPE stockdesk_processed_total counter\n")
	fmt.Fprintf(w, "stockdesk_processed_total %d\n", snap.Engine.Processed)
	fmt.Fprintf(w, "# HELP stockdesk_workers Live worker heartbeats.\n")
	fmt.Fprintf(w, "# TYPE stockdesk_workers gauge\n")
	fmt.Fprintf(w, "stockdesk_workers %d\n", len(snap.Workers))
	fmt.Fprintf(w, "# HELP stockdesk_bus_dropped_total Events dropped for slow subscribers.\n")
	fmt.Fprintf(w, "# TYPE stockdesk_bus_dropped_total counter\n")
	fmt.Fprintf(w, "stockdesk_bus_dropped_total %d\n", snap.BusDropped)
	fmt.Fprintf(w, "# HELP stockdesk_open_streams Open WebSocket and SSE streams.\n")
	fmt.Fprintf(w, "# TYPE stockdesk_open_streams gauge\n")
	fmt.Fprintf(w, "stockdesk_open_streams %d\n", snap.Streams)
	fmt.Fprintf(w, "# HELP stockdesk_audit_denies_total Requests denied by auth, rate limiting or ownership.\n")
	fmt.Fprintf(w, "# TYPE stockdesk_audit_denies_total counter\n")
	fmt.Fprintf(w, "stockdesk_audit_denies_total %d\n", snap.Denies)
	fmt.Fprintf(w, "# HELP stockdesk_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE stockdesk_alloc_bytes gauge\n")
	fmt.Fprintf(w, "stockdesk_alloc_bytes %d\n", snap.AllocBytes)
}
