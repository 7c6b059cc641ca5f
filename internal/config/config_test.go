package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/stockdesk/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromStockdeskHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, filepath.Join(home, ".stockdesk"), "worker_count: 3\ntask_timeout_seconds: 120\n")
	t.Setenv("HOME", home)
	t.Setenv("STOCKDESK_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorkerCount != 3 {
		t.Fatalf("expected worker_count=3 got %d", cfg.WorkerCount)
	}
	if cfg.TaskTimeout() != 2*time.Minute {
		t.Fatalf("task timeout = %v", cfg.TaskTimeout())
	}
	if cfg.NeedsGenesis {
		t.Fatal("existing config must not need genesis")
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis when config.yaml is missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	limits := cfg.Limits()
	if limits.GlobalLimit != 8 || limits.PerUserLimit != 2 || limits.MaxPendingPerUser != 50 {
		t.Fatalf("limits = %+v", limits)
	}
	if limits.VisibilityTimeout != 15*time.Minute || limits.LockTTL != 10*time.Second {
		t.Fatalf("limits timing = %+v", limits)
	}
	if cfg.HeartbeatInterval() != 15*time.Second {
		t.Fatalf("heartbeat = %v", cfg.HeartbeatInterval())
	}
	if cfg.Analysis.DefaultDepth != "standard" || cfg.Analysis.MaxToolIterations != 10 {
		t.Fatalf("analysis = %+v", cfg.Analysis)
	}
	maint := cfg.MaintenanceJobs()
	if maint.MaxRunning != 2*time.Hour || maint.RequeueSpec != "@every 30s" {
		t.Fatalf("maintenance = %+v", maint)
	}
	if cfg.DBPath != filepath.Join(home, "stockdesk.db") || cfg.KVPath != filepath.Join(home, "kv.db") {
		t.Fatalf("paths = %s %s", cfg.DBPath, cfg.KVPath)
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("provider = %q", cfg.LLM.Provider)
	}
}

func TestLoad_NestedSections(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
queue:
  global_limit: 5
  per_user_limit: 1
analysis:
  default_depth: Deep
maintenance:
  max_running_hours: 3
llm:
  provider: claude
  fallback_providers: [gemini]
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Queue.GlobalLimit != 5 || cfg.Queue.PerUserLimit != 1 || cfg.Queue.MaxPendingPerUser != 50 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Analysis.DefaultDepth != "deep" {
		t.Fatalf("depth = %q", cfg.Analysis.DefaultDepth)
	}
	if cfg.MaintenanceJobs().MaxRunning != 3*time.Hour {
		t.Fatalf("max running = %v", cfg.MaintenanceJobs().MaxRunning)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.FallbackProviders[0] != "google" {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "worker_count: 3\nbind_addr: 127.0.0.1:1\n")
	t.Setenv("STOCKDESK_WORKER_COUNT", "7")
	t.Setenv("STOCKDESK_BIND_ADDR", "0.0.0.0:9000")
	t.Setenv("STOCKDESK_PER_USER_LIMIT", "3")
	t.Setenv("STOCKDESK_LLM_PROVIDER", "offline")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorkerCount != 7 || cfg.BindAddr != "0.0.0.0:9000" || cfg.Queue.PerUserLimit != 3 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if !cfg.Offline() {
		t.Fatal("expected offline provider")
	}
	if got := cfg.ResolveLLM(); len(got) != 0 {
		t.Fatalf("offline must resolve no remote providers, got %+v", got)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"bad depth":          "analysis:\n  default_depth: extreme\n",
		"per user > global":  "queue:\n  global_limit: 1\n  per_user_limit: 2\n",
		"heartbeat too slow": "heartbeat_seconds: 60\nqueue:\n  visibility_timeout_seconds: 30\n",
		"bad cron spec":      "maintenance:\n  zombie_spec: \"every now and then\"\n",
		"compat needs url":   "llm:\n  provider: openai_compatible\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, body)
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "worker_count: [\n")
	_, err := config.LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("err = %v", err)
	}
}

func TestProviderAPIKey_EnvOverridesYAML(t *testing.T) {
	cfg := config.Config{Providers: map[string]config.ProviderConfig{
		"anthropic": {APIKey: "from-yaml"},
	}}
	t.Setenv("ANTHROPIC_API_KEY", "")
	if got := cfg.ProviderAPIKey("anthropic"); got != "from-yaml" {
		t.Fatalf("yaml key = %q", got)
	}
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	if got := cfg.ProviderAPIKey("anthropic"); got != "from-env" {
		t.Fatalf("env key = %q", got)
	}
}

func TestResolveLLM_PrimaryThenFallbacks(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	home := t.TempDir()
	writeConfig(t, home, `
llm:
  provider: google
  quick_model: gemini-2.5-flash-lite
  fallback_providers: [anthropic, google]
providers:
  google:
    api_key: g-key
  anthropic:
    api_key: a-key
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := cfg.ResolveLLM()
	if len(got) != 2 {
		t.Fatalf("resolved = %+v", got)
	}
	if got[0].Provider != "google" || got[0].QuickModel != "gemini-2.5-flash-lite" || got[0].APIKey != "g-key" {
		t.Fatalf("primary = %+v", got[0])
	}
	if got[1].Provider != "anthropic" || got[1].APIKey != "a-key" || got[1].QuickModel == "" {
		t.Fatalf("fallback = %+v", got[1])
	}
}

func TestFingerprint_ChangesWithLimits(t *testing.T) {
	a, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.Queue.GlobalLimit++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint must change with queue limits")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("fingerprint must be stable")
	}
}

func TestNormalizeProviderName(t *testing.T) {
	cases := map[string]string{
		"Gemini":            "google",
		" claude ":          "anthropic",
		"openai-compatible": "openai_compatible",
		"openrouter":        "openrouter",
	}
	for in, want := range cases {
		if got := config.NormalizeProviderName(in); got != want {
			t.Fatalf("NormalizeProviderName(%q) = %q, want %q", in, got, want)
		}
	}
}
