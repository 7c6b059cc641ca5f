package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/stockdesk/internal/cron"
	"github.com/basket/stockdesk/internal/debate"
	"github.com/basket/stockdesk/internal/llm"
	"github.com/basket/stockdesk/internal/otel"
	"github.com/basket/stockdesk/internal/queue"
)

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// LLMConfig selects the models used by the debate.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai",
	// "openrouter", "openai_compatible" or "offline".
	Provider   string `yaml:"provider"`
	QuickModel string `yaml:"quick_model"`
	DeepModel  string `yaml:"deep_model"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// FallbackProviders are tried in order when the primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a
	// provider's circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped breaker stays open.
	// Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

// QueueConfig holds the admission limits. Changes are applied live.
type QueueConfig struct {
	GlobalLimit              int `yaml:"global_limit"`
	PerUserLimit             int `yaml:"per_user_limit"`
	MaxPendingPerUser        int `yaml:"max_pending_per_user"`
	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_seconds"`
	LockTTLSeconds           int `yaml:"lock_ttl_seconds"`
}

// AnalysisConfig holds defaults for tasks that leave them unset.
type AnalysisConfig struct {
	DefaultDepth       string `yaml:"default_depth"`
	MaxToolIterations  int    `yaml:"max_tool_iterations"`
	AnalystConcurrency int    `yaml:"analyst_concurrency"`
}

// MaintenanceConfig schedules the sweeps.
type MaintenanceConfig struct {
	RequeueSpec     string `yaml:"requeue_spec"`
	ZombieSpec      string `yaml:"zombie_spec"`
	RetentionSpec   string `yaml:"retention_spec"`
	MaxRunningHours int    `yaml:"max_running_hours"`
	RetentionDays   int    `yaml:"retention_days"`
}

// RateLimitConfig bounds HTTP requests per caller.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig controls cross-origin access to the HTTP API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerID            string `yaml:"worker_id"`
	WorkerCount         int    `yaml:"worker_count"`
	TaskTimeoutSeconds  int    `yaml:"task_timeout_seconds"`
	HeartbeatSeconds    int    `yaml:"heartbeat_seconds"`
	CancelCheckSeconds  int    `yaml:"cancel_check_seconds"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`
	BindAddr            string `yaml:"bind_addr"`
	LogLevel            string `yaml:"log_level"`

	// AuthToken enables bearer auth on the HTTP API when set.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// websocket connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DBPath and KVPath default to files under HomeDir. Several processes
	// pointing at the same KVPath share one queue.
	DBPath string `yaml:"db_path"`
	KVPath string `yaml:"kv_path"`

	LLM         LLMConfig                 `yaml:"llm"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Queue       QueueConfig               `yaml:"queue"`
	Analysis    AnalysisConfig            `yaml:"analysis"`
	Maintenance MaintenanceConfig         `yaml:"maintenance"`
	Telemetry   otel.Config               `yaml:"telemetry"`
	RateLimit   RateLimitConfig           `yaml:"rate_limit"`
	CORS        CORSConfig                `yaml:"cors"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	limits := queue.DefaultLimits()
	maint := cron.DefaultMaintenanceConfig()
	return Config{
		WorkerCount:         4,
		TaskTimeoutSeconds:  int((30 * time.Minute).Seconds()),
		HeartbeatSeconds:    15,
		CancelCheckSeconds:  5,
		DrainTimeoutSeconds: 30,
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		LLM: LLMConfig{
			Provider:                "google",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		Queue: QueueConfig{
			GlobalLimit:              limits.GlobalLimit,
			PerUserLimit:             limits.PerUserLimit,
			MaxPendingPerUser:        limits.MaxPendingPerUser,
			VisibilityTimeoutSeconds: int(limits.VisibilityTimeout.Seconds()),
			LockTTLSeconds:           int(limits.LockTTL.Seconds()),
		},
		Analysis: AnalysisConfig{
			DefaultDepth:       string(debate.DepthStandard),
			MaxToolIterations:  debate.DefaultMaxToolIterations,
			AnalystConcurrency: 4,
		},
		Maintenance: MaintenanceConfig{
			RequeueSpec:     maint.RequeueSpec,
			ZombieSpec:      maint.ZombieSpec,
			RetentionSpec:   maint.RetentionSpec,
			MaxRunningHours: int(maint.MaxRunning.Hours()),
			RetentionDays:   maint.RetentionDays,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("STOCKDESK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".stockdesk")
}

// Load reads config from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom applies defaults, then homeDir/config.yaml, then environment
// overrides, and validates the result.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create stockdesk home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = def.TaskTimeoutSeconds
	}
	if cfg.HeartbeatSeconds <= 0 {
		cfg.HeartbeatSeconds = def.HeartbeatSeconds
	}
	if cfg.CancelCheckSeconds <= 0 {
		cfg.CancelCheckSeconds = def.CancelCheckSeconds
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "stockdesk.db")
	}
	if cfg.KVPath == "" {
		cfg.KVPath = filepath.Join(cfg.HomeDir, "kv.db")
	}

	cfg.LLM.Provider = NormalizeProviderName(cfg.LLM.Provider)
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	for i, p := range cfg.LLM.FallbackProviders {
		cfg.LLM.FallbackProviders[i] = NormalizeProviderName(p)
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = def.LLM.FailoverThreshold
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = def.LLM.FailoverCooldownSeconds
	}

	if cfg.Queue.GlobalLimit <= 0 {
		cfg.Queue.GlobalLimit = def.Queue.GlobalLimit
	}
	if cfg.Queue.PerUserLimit <= 0 {
		cfg.Queue.PerUserLimit = def.Queue.PerUserLimit
	}
	if cfg.Queue.MaxPendingPerUser <= 0 {
		cfg.Queue.MaxPendingPerUser = def.Queue.MaxPendingPerUser
	}
	if cfg.Queue.VisibilityTimeoutSeconds <= 0 {
		cfg.Queue.VisibilityTimeoutSeconds = def.Queue.VisibilityTimeoutSeconds
	}
	if cfg.Queue.LockTTLSeconds <= 0 {
		cfg.Queue.LockTTLSeconds = def.Queue.LockTTLSeconds
	}

	cfg.Analysis.DefaultDepth = strings.ToLower(strings.TrimSpace(cfg.Analysis.DefaultDepth))
	if cfg.Analysis.DefaultDepth == "" {
		cfg.Analysis.DefaultDepth = def.Analysis.DefaultDepth
	}
	if cfg.Analysis.MaxToolIterations <= 0 {
		cfg.Analysis.MaxToolIterations = def.Analysis.MaxToolIterations
	}
	if cfg.Analysis.AnalystConcurrency <= 0 {
		cfg.Analysis.AnalystConcurrency = def.Analysis.AnalystConcurrency
	}

	if cfg.Maintenance.RequeueSpec == "" {
		cfg.Maintenance.RequeueSpec = def.Maintenance.RequeueSpec
	}
	if cfg.Maintenance.ZombieSpec == "" {
		cfg.Maintenance.ZombieSpec = def.Maintenance.ZombieSpec
	}
	if cfg.Maintenance.RetentionSpec == "" {
		cfg.Maintenance.RetentionSpec = def.Maintenance.RetentionSpec
	}
	if cfg.Maintenance.MaxRunningHours <= 0 {
		cfg.Maintenance.MaxRunningHours = def.Maintenance.MaxRunningHours
	}
	if cfg.Maintenance.RetentionDays < 0 {
		cfg.Maintenance.RetentionDays = 0
	}
}

// validate rejects settings that normalize cannot repair.
func validate(cfg Config) error {
	var errs []error
	if _, err := debate.ParseDepth(cfg.Analysis.DefaultDepth); err != nil {
		errs = append(errs, fmt.Errorf("analysis.default_depth: %w", err))
	}
	if cfg.Queue.PerUserLimit > cfg.Queue.GlobalLimit {
		errs = append(errs, fmt.Errorf("queue.per_user_limit (%d) must be <= queue.global_limit (%d)",
			cfg.Queue.PerUserLimit, cfg.Queue.GlobalLimit))
	}
	if time.Duration(cfg.HeartbeatSeconds)*time.Second >= cfg.VisibilityTimeout() {
		errs = append(errs, fmt.Errorf("heartbeat_seconds (%d) must be shorter than queue.visibility_timeout_seconds (%d)",
			cfg.HeartbeatSeconds, cfg.Queue.VisibilityTimeoutSeconds))
	}
	for _, spec := range []struct{ key, val string }{
		{"maintenance.requeue_spec", cfg.Maintenance.RequeueSpec},
		{"maintenance.zombie_spec", cfg.Maintenance.ZombieSpec},
		{"maintenance.retention_spec", cfg.Maintenance.RetentionSpec},
	} {
		if _, err := cron.NextRunTime(spec.val, time.Now()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", spec.key, err))
		}
	}
	if cfg.LLM.Provider == "openai_compatible" && cfg.LLM.OpenAICompatibleBaseURL == "" {
		errs = append(errs, errors.New("llm.openai_compatible_base_url is required for provider openai_compatible"))
	}
	return errors.Join(errs...)
}

// NormalizeProviderName lower-cases a provider and maps legacy aliases.
func NormalizeProviderName(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "gemini", "googleai":
		return "google"
	case "claude":
		return "anthropic"
	case "openai-compatible", "compat":
		return "openai_compatible"
	}
	return p
}

// Limits returns the queue limits.
func (c Config) Limits() queue.Limits {
	return queue.Limits{
		GlobalLimit:       c.Queue.GlobalLimit,
		PerUserLimit:      c.Queue.PerUserLimit,
		MaxPendingPerUser: c.Queue.MaxPendingPerUser,
		VisibilityTimeout: c.VisibilityTimeout(),
		LockTTL:           time.Duration(c.Queue.LockTTLSeconds) * time.Second,
	}
}

// VisibilityTimeout is how long a dequeued task stays invisible without a
// heartbeat.
func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Queue.VisibilityTimeoutSeconds) * time.Second
}

// TaskTimeout bounds one task run.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// HeartbeatInterval is the worker heartbeat cadence.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// CancelCheck is how often a running task polls for cancellation.
func (c Config) CancelCheck() time.Duration {
	return time.Duration(c.CancelCheckSeconds) * time.Second
}

// DrainTimeout bounds graceful shutdown.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// MaintenanceJobs returns the sweep schedule for the cron package.
func (c Config) MaintenanceJobs() cron.MaintenanceConfig {
	return cron.MaintenanceConfig{
		RequeueSpec:   c.Maintenance.RequeueSpec,
		ZombieSpec:    c.Maintenance.ZombieSpec,
		RetentionSpec: c.Maintenance.RetentionSpec,
		MaxRunning:    time.Duration(c.Maintenance.MaxRunningHours) * time.Hour,
		RetentionDays: c.Maintenance.RetentionDays,
	}
}

// ProviderAPIKey returns the API key for the given provider, checking env
// overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	if v := llm.EnvAPIKey(provider); v != "" {
		return v
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// Offline reports whether the deterministic offline model is selected.
func (c Config) Offline() bool {
	return c.LLM.Provider == "offline"
}

// ResolveLLM returns the primary provider followed by the fallbacks, each
// ready for llm.NewClient. Fallbacks use their provider's default models.
func (c Config) ResolveLLM() []llm.ProviderConfig {
	names := append([]string{c.LLM.Provider}, c.LLM.FallbackProviders...)
	seen := map[string]bool{}
	out := make([]llm.ProviderConfig, 0, len(names))
	for i, name := range names {
		if name == "" || name == "offline" || seen[name] {
			continue
		}
		seen[name] = true
		pc := llm.ProviderConfig{
			Provider: name,
			APIKey:   c.ProviderAPIKey(name),
		}
		if p, ok := c.Providers[name]; ok {
			pc.BaseURL = p.BaseURL
		}
		if i == 0 {
			pc.QuickModel = c.LLM.QuickModel
			pc.DeepModel = c.LLM.DeepModel
		}
		if name == "openai_compatible" {
			pc.BaseURL = c.LLM.OpenAICompatibleBaseURL
			pc.CompatName = c.LLM.OpenAICompatibleProvider
		}
		out = append(out, pc.Normalize())
	}
	return out
}

// Fingerprint returns a stable hash of the settings that affect scheduling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|bind=%s|log=%s|provider=%s|quick=%s|deep=%s|queue=%+v|depth=%s",
		c.WorkerCount, c.TaskTimeoutSeconds, c.BindAddr, c.LogLevel,
		c.LLM.Provider, c.LLM.QuickModel, c.LLM.DeepModel, c.Queue, c.Analysis.DefaultDepth)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func applyEnvOverrides(cfg *Config) {
	intVar := func(name string, dst *int) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	strVar := func(name string, dst *string) {
		if raw := os.Getenv(name); raw != "" {
			*dst = raw
		}
	}

	strVar("STOCKDESK_WORKER_ID", &cfg.WorkerID)
	intVar("STOCKDESK_WORKER_COUNT", &cfg.WorkerCount)
	intVar("STOCKDESK_TASK_TIMEOUT_SECONDS", &cfg.TaskTimeoutSeconds)
	intVar("STOCKDESK_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)
	strVar("STOCKDESK_BIND_ADDR", &cfg.BindAddr)
	strVar("STOCKDESK_LOG_LEVEL", &cfg.LogLevel)
	strVar("STOCKDESK_AUTH_TOKEN", &cfg.AuthToken)
	strVar("STOCKDESK_DB_PATH", &cfg.DBPath)
	strVar("STOCKDESK_KV_PATH", &cfg.KVPath)
	strVar("STOCKDESK_LLM_PROVIDER", &cfg.LLM.Provider)
	strVar("STOCKDESK_QUICK_MODEL", &cfg.LLM.QuickModel)
	strVar("STOCKDESK_DEEP_MODEL", &cfg.LLM.DeepModel)
	strVar("STOCKDESK_DEFAULT_DEPTH", &cfg.Analysis.DefaultDepth)
	intVar("STOCKDESK_GLOBAL_LIMIT", &cfg.Queue.GlobalLimit)
	intVar("STOCKDESK_PER_USER_LIMIT", &cfg.Queue.PerUserLimit)
	intVar("STOCKDESK_MAX_PENDING_PER_USER", &cfg.Queue.MaxPendingPerUser)
	intVar("STOCKDESK_VISIBILITY_TIMEOUT_SECONDS", &cfg.Queue.VisibilityTimeoutSeconds)
	intVar("STOCKDESK_MAX_RUNNING_HOURS", &cfg.Maintenance.MaxRunningHours)
	if raw := os.Getenv("STOCKDESK_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = "otlp-http"
		cfg.Telemetry.Endpoint = raw
	}
}
