package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/basket/stockdesk/internal/bus"
	"github.com/basket/stockdesk/internal/config"
	"github.com/basket/stockdesk/internal/cron"
	"github.com/basket/stockdesk/internal/debate"
	"github.com/basket/stockdesk/internal/kv"
	"github.com/basket/stockdesk/internal/llm"
	"github.com/basket/stockdesk/internal/lock"
	"github.com/basket/stockdesk/internal/otel"
	"github.com/basket/stockdesk/internal/persistence"
	"github.com/basket/stockdesk/internal/progress"
	"github.com/basket/stockdesk/internal/queue"
)

const authTokenFile = "auth.token"

// runtime is the set of stores and coordinators shared by serve and sweep.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	kv       *kv.Store
	store    *persistence.Store
	locks    *lock.Manager
	queue    *queue.Controller
	progress *progress.Tracker
	tracer   trace.Tracer
	metrics  *otel.Metrics
}

// openRuntime opens both databases and builds the coordination layer on
// top of them. A nil tracer or metrics falls back to no-op instruments.
func openRuntime(cfg config.Config, logger *slog.Logger, tracer trace.Tracer, metrics *otel.Metrics) (*runtime, error) {
	if tracer == nil {
		tracer = otel.NoopTracer()
	}
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		bus:     bus.New(),
		tracer:  tracer,
		metrics: metrics,
	}

	var err error
	rt.kv, err = kv.Open(cfg.KVPath)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	rt.store, err = persistence.Open(cfg.DBPath, rt.bus, persistence.WithLogger(logger))
	if err != nil {
		_ = rt.kv.Close()
		return nil, fmt.Errorf("open task database: %w", err)
	}

	rt.locks = lock.NewManager(rt.kv,
		lock.WithLogger(logger),
		lock.WithContentionHook(func(key string) {
			metrics.LockContention.Add(context.Background(), 1)
		}),
	)
	rt.queue = queue.NewController(rt.kv, rt.locks, cfg.Limits(), queue.WithLogger(logger))
	rt.progress = progress.NewTracker(rt.kv, progress.WithBus(rt.bus), progress.WithLogger(logger))
	return rt, nil
}

// scheduler returns a cron scheduler loaded with the maintenance jobs.
func (rt *runtime) scheduler() (*cron.Scheduler, error) {
	sched := cron.NewScheduler(cron.Config{
		Locks:  rt.locks,
		Logger: rt.logger,
	})
	jobs := cron.MaintenanceJobs(cron.MaintenanceDeps{
		Store:   rt.store,
		KV:      rt.kv,
		Queue:   rt.queue,
		Metrics: rt.metrics,
	}, rt.cfg.MaintenanceJobs())
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	return sched, nil
}

func (rt *runtime) Close() error {
	return errors.Join(rt.store.Close(), rt.kv.Close())
}

// buildModels resolves the quick and deep models. Each tier fails over
// across the configured providers in order. Providers without a key are
// skipped; with none left the offline model is used.
func buildModels(ctx context.Context, cfg config.Config, breakers llm.KVStore, logger *slog.Logger) (debate.Models, []string, error) {
	if cfg.Offline() {
		return debate.Models{Quick: llm.Offline{}, Deep: llm.Offline{}}, []string{"offline"}, nil
	}

	var quick, deep []llm.Named
	var names []string
	for _, pc := range cfg.ResolveLLM() {
		client, err := llm.NewClient(ctx, pc, logger)
		if err != nil {
			if errors.Is(err, llm.ErrNoAPIKey) {
				logger.Warn("llm provider skipped: no api key", "provider", pc.Provider)
				continue
			}
			return debate.Models{}, nil, fmt.Errorf("init provider %s: %w", pc.Provider, err)
		}
		quick = append(quick, llm.Named{Name: pc.Provider, Model: client.Model(llm.TierQuick)})
		deep = append(deep, llm.Named{Name: pc.Provider, Model: client.Model(llm.TierDeep)})
		names = append(names, pc.Provider)
	}
	if len(quick) == 0 {
		logger.Warn("no llm provider has an api key; using the offline model")
		return debate.Models{Quick: llm.Offline{}, Deep: llm.Offline{}}, []string{"offline"}, nil
	}

	opts := []llm.FailoverOption{
		llm.WithBreaker(cfg.LLM.FailoverThreshold, time.Duration(cfg.LLM.FailoverCooldownSeconds)*time.Second),
		llm.WithBreakerStore(breakers),
		llm.WithFailoverLogger(logger),
	}
	return debate.Models{
		Quick: llm.NewFailover(quick, opts...),
		Deep:  llm.NewFailover(deep, opts...),
	}, names, nil
}

// loadAuthToken returns the configured token, or the one persisted in
// homeDir/auth.token, generating it on first run.
func loadAuthToken(cfg config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, authTokenFile)
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// writeDefaultConfig writes config.yaml with the effective defaults so a
// first run leaves an editable file behind.
func writeDefaultConfig(cfg config.Config) error {
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	// Keys and tokens come from the environment; never write them out.
	cfg.AuthToken = ""
	cfg.Providers = nil
	// Paths default relative to the home directory.
	cfg.DBPath = ""
	cfg.KVPath = ""

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := config.ConfigPath(cfg.HomeDir)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
