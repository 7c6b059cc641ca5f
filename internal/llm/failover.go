package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/stockdesk/internal/debate"
)

// ErrAllProvidersFailed is wrapped when every candidate failed or was
// skipped by its breaker.
var ErrAllProvidersFailed = errors.New("all providers failed")

// KVStore persists breaker state so every worker process sharing the store
// sees a tripped provider.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// Named pairs a model with the provider name used for breaker tracking.
type Named struct {
	Name  string
	Model debate.Model
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// Failover tries providers in order and skips ones whose circuit breaker is
// open. It implements debate.Model.
type Failover struct {
	candidates []Named
	threshold  int
	cooldown   time.Duration
	kv         KVStore
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	breakers map[string]*breakerState
}

// FailoverOption configures a Failover.
type FailoverOption func(*Failover)

// WithBreaker sets the trip threshold and cooldown.
func WithBreaker(threshold int, cooldown time.Duration) FailoverOption {
	return func(f *Failover) {
		if threshold > 0 {
			f.threshold = threshold
		}
		if cooldown > 0 {
			f.cooldown = cooldown
		}
	}
}

// WithBreakerStore persists breaker state under "cb:{provider}".
func WithBreakerStore(kv KVStore) FailoverOption {
	return func(f *Failover) { f.kv = kv }
}

// WithFailoverLogger sets the logger.
func WithFailoverLogger(l *slog.Logger) FailoverOption {
	return func(f *Failover) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithFailoverClock overrides the clock used for cooldowns.
func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(f *Failover) {
		if now != nil {
			f.now = now
		}
	}
}

// NewFailover builds a Failover over candidates, primary first.
func NewFailover(candidates []Named, opts ...FailoverOption) *Failover {
	f := &Failover{
		candidates: candidates,
		threshold:  5,
		cooldown:   5 * time.Minute,
		logger:     slog.Default(),
		now:        time.Now,
		breakers:   make(map[string]*breakerState, len(candidates)),
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, c := range candidates {
		f.breakers[c.Name] = &breakerState{}
	}
	return f
}

// Generate returns the first successful reply.
func (f *Failover) Generate(ctx context.Context, req debate.Request) (debate.Reply, error) {
	var lastErr error
	for _, c := range f.candidates {
		if f.isTripped(ctx, c.Name) {
			f.logger.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}
		reply, err := c.Model.Generate(ctx, req)
		if err == nil {
			f.recordSuccess(ctx, c.Name)
			return reply, nil
		}
		if ctx.Err() != nil {
			return debate.Reply{}, ctx.Err()
		}
		lastErr = err
		f.recordFailure(ctx, c.Name)
		class := ClassifyError(err)
		f.logger.Warn("failover: provider failed", "provider", c.Name, "error_class", string(class), "error", err)
		if !class.Portable() {
			return debate.Reply{}, fmt.Errorf("failover: %s from %s: %w", class, c.Name, err)
		}
	}
	if lastErr == nil {
		return debate.Reply{}, fmt.Errorf("failover: %w: every breaker is open", ErrAllProvidersFailed)
	}
	return debate.Reply{}, fmt.Errorf("failover: %w: %w", ErrAllProvidersFailed, lastErr)
}

func (f *Failover) isTripped(ctx context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb := f.breaker(ctx, name)
	if !cb.Tripped {
		return false
	}
	if f.now().Sub(cb.LastFailure) >= f.cooldown {
		cb.Tripped = false
		cb.Failures = 0
		f.persist(ctx, name, cb)
		f.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (f *Failover) recordFailure(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb := f.breaker(ctx, name)
	cb.Failures++
	cb.LastFailure = f.now()
	if cb.Failures >= f.threshold && !cb.Tripped {
		cb.Tripped = true
		f.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.Failures)
	}
	f.persist(ctx, name, cb)
}

func (f *Failover) recordSuccess(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb := f.breaker(ctx, name)
	if cb.Failures == 0 && !cb.Tripped {
		return
	}
	cb.Failures = 0
	cb.Tripped = false
	f.persist(ctx, name, cb)
}

// breaker returns the state for name, refreshed from the shared store when
// one is configured. Callers hold f.mu.
func (f *Failover) breaker(ctx context.Context, name string) *breakerState {
	cb, ok := f.breakers[name]
	if !ok {
		cb = &breakerState{}
		f.breakers[name] = cb
	}
	if f.kv == nil {
		return cb
	}
	raw, err := f.kv.KVGet(ctx, breakerKey(name))
	if err != nil || raw == "" {
		return cb
	}
	var shared breakerState
	if err := json.Unmarshal([]byte(raw), &shared); err == nil {
		*cb = shared
	}
	return cb
}

func (f *Failover) persist(ctx context.Context, name string, cb *breakerState) {
	if f.kv == nil {
		return
	}
	data, err := json.Marshal(cb)
	if err != nil {
		return
	}
	if err := f.kv.KVSet(context.WithoutCancel(ctx), breakerKey(name), string(data)); err != nil {
		f.logger.Warn("failover: persist breaker state", "provider", name, "error", err)
	}
}

func breakerKey(name string) string { return "cb:" + name }
