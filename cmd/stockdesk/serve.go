package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/stockdesk/internal/analyst"
	"github.com/basket/stockdesk/internal/audit"
	"github.com/basket/stockdesk/internal/bus"
	"github.com/basket/stockdesk/internal/config"
	"github.com/basket/stockdesk/internal/debate"
	"github.com/basket/stockdesk/internal/engine"
	"github.com/basket/stockdesk/internal/gateway"
	"github.com/basket/stockdesk/internal/otel"
	"github.com/basket/stockdesk/internal/telemetry"
)

type serveOptions struct {
	workerOnly bool
	bindAddr   string
	workers    int
	quiet      bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task server: HTTP API, workers and maintenance jobs",
		Long: "serve starts the worker pool, the maintenance scheduler and the HTTP/WebSocket API.\n" +
			"Run extra processes with --worker-only against the same home to add workers.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root, opts)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.workerOnly, "worker-only", false, "run workers and maintenance without the HTTP API")
	f.StringVar(&opts.bindAddr, "bind", "", "override bind_addr")
	f.IntVar(&opts.workers, "workers", 0, "override worker_count")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "log to the file only")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, opts *serveOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return startupError(nil, "config_invalid", err)
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, telemetry.Options{
		Level:     cfg.LogLevel,
		Quiet:     opts.quiet,
		Component: "runtime",
	})
	if err != nil {
		return startupError(nil, "logger_init_failed", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("audit log disabled", "error", err)
	}
	defer audit.Close()

	if cfg.NeedsGenesis {
		if err := writeDefaultConfig(cfg); err != nil {
			logger.Warn("could not write default config", "error", err)
		} else {
			logger.Info("wrote default config", "path", config.ConfigPath(cfg.HomeDir))
		}
	}

	if opts.bindAddr != "" {
		cfg.BindAddr = opts.bindAddr
	}
	if opts.workers > 0 {
		cfg.WorkerCount = opts.workers
	}

	telCfg := cfg.Telemetry
	telCfg.ServiceVersion = Version
	tel, err := otel.Init(ctx, telCfg)
	if err != nil {
		return startupError(logger, "otel_init_failed", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics(tel.Meter)
	if err != nil {
		return startupError(logger, "otel_metrics_failed", err)
	}

	rt, err := openRuntime(cfg, logger, tel.Tracer, metrics)
	if err != nil {
		return startupError(logger, "db_open_failed", err)
	}
	defer rt.Close()

	models, providers, err := buildModels(ctx, cfg, rt.kv, logger)
	if err != nil {
		return startupError(logger, "llm_init_failed", err)
	}
	machine, err := debate.NewMachine(
		analyst.New(models.Quick, analyst.WithConcurrency(cfg.Analysis.AnalystConcurrency), analyst.WithLogger(logger)),
		models,
		debate.WithLogger(logger),
		debate.WithTracer(rt.tracer),
		debate.WithMetrics(rt.metrics),
	)
	if err != nil {
		return startupError(logger, "debate_init_failed", err)
	}

	depth, _ := debate.ParseDepth(cfg.Analysis.DefaultDepth)
	eng, err := engine.New(engine.Deps{
		Store:    rt.store,
		KV:       rt.kv,
		Queue:    rt.queue,
		Locks:    rt.locks,
		Progress: rt.progress,
		Runner:   machine,
		Bus:      rt.bus,
		Logger:   logger,
		Tracer:   rt.tracer,
		Metrics:  rt.metrics,
	}, engine.Config{
		WorkerID:          cfg.WorkerID,
		WorkerCount:       cfg.WorkerCount,
		TaskTimeout:       cfg.TaskTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		CancelCheck:       cfg.CancelCheck(),
		DefaultDepth:      depth,
		MaxToolIterations: cfg.Analysis.MaxToolIterations,
	})
	if err != nil {
		return startupError(logger, "engine_init_failed", err)
	}

	sched, err := rt.scheduler()
	if err != nil {
		return startupError(logger, "cron_init_failed", err)
	}

	// Workers outlive the signal context so Drain can finish in-flight tasks.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	var (
		gw     *gateway.Server
		server *http.Server
		ln     net.Listener
	)
	if !opts.workerOnly {
		token, err := loadAuthToken(cfg)
		if err != nil {
			return startupError(logger, "auth_token_failed", err)
		}
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
		if err != nil {
			if isAddrInUse(err) {
				err = fmt.Errorf("%w\n%s", err, portOccupantHint(cfg.BindAddr))
			}
			return startupError(logger, "bind_failed", err)
		}
		gw = gateway.New(gateway.Config{
			Engine:            eng,
			Store:             rt.store,
			Progress:          rt.progress,
			Queue:             rt.queue,
			Bus:               rt.bus,
			AuthToken:         token,
			AllowOrigins:      cfg.AllowOrigins,
			ConfigFingerprint: cfg.Fingerprint(),
			RateLimit:         cfg.RateLimit,
			CORS:              cfg.CORS,
			Logger:            logger,
			Tracer:            rt.tracer,
			Metrics:           rt.metrics,
		})
		gw.StartEviction(runCtx)
		server = &http.Server{
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	eng.Start(runCtx)
	sched.Start(runCtx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(runCtx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go watcher.Reload(runCtx, 500*time.Millisecond, func(next config.Config) {
			applyReload(logger, cfg, next, rt, gw)
		})
	}

	logger.Info("stockdesk started",
		"version", Version,
		"worker_id", eng.WorkerID(),
		"workers", cfg.WorkerCount,
		"providers", strings.Join(providers, ","),
		"http", !opts.workerOnly,
		"bind_addr", cfg.BindAddr,
		"config_fingerprint", cfg.Fingerprint(),
	)

	serveErr := make(chan error, 1)
	if server != nil {
		go func() {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-serveErr:
		if ok && err != nil {
			logger.Error("http server failed", "error", err)
			runErr = err
		}
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", "error", err)
		}
		cancel()
		gw.Close()
	}
	sched.Stop()
	if !eng.Drain(cfg.DrainTimeout()) {
		logger.Warn("drain timed out", "timeout", cfg.DrainTimeout())
	}
	cancelRun()
	logger.Info("stockdesk stopped")
	return runErr
}

// applyReload applies the settings that can change without a restart.
func applyReload(logger *slog.Logger, current, next config.Config, rt *runtime, gw *gateway.Server) {
	rt.queue.SetLimits(next.Limits())
	if gw != nil {
		gw.SetConfigFingerprint(next.Fingerprint())
	}
	if next.WorkerCount != current.WorkerCount || next.BindAddr != current.BindAddr || next.LLM.Provider != current.LLM.Provider {
		logger.Warn("worker_count, bind_addr and llm changes take effect after restart")
	}
	rt.bus.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{
		Fingerprint: next.Fingerprint(),
		ReloadedAt:  time.Now().UTC(),
	})
	logger.Info("queue limits reloaded",
		"global_limit", next.Queue.GlobalLimit,
		"per_user_limit", next.Queue.PerUserLimit,
		"max_pending_per_user", next.Queue.MaxPendingPerUser,
	)
}

// startupError logs a structured startup failure with a reason code and
// returns it for cobra to report.
func startupError(logger *slog.Logger, reasonCode string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Fatal, "runtime.startup", reasonCode+": "+message, "", "")
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	cmd.Stderr = io.Discard
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}
