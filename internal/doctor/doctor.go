package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/basket/stockdesk/internal/config"
	"github.com/basket/stockdesk/internal/kv"
	"github.com/basket/stockdesk/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return run(ctx, cfg, version, []check{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkKV,
		checkPermissions,
		checkBindAddr,
		checkNetwork,
	})
}

func run(ctx context.Context, cfg *config.Config, version string, checks []check) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml missing, defaults in use",
			Detail:  fmt.Sprintf("stockdesk serve writes %s on first start", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Offline() {
		return CheckResult{Name: "API Key", Status: "PASS", Message: "Offline provider needs no key"}
	}

	var missing, present []string
	for _, pc := range cfg.ResolveLLM() {
		if cfg.ProviderAPIKey(pc.Provider) == "" {
			missing = append(missing, pc.Provider)
		} else {
			present = append(present, pc.Provider)
		}
	}
	switch {
	case len(missing) == 0:
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Keys set for %s", strings.Join(present, ", "))}
	case len(present) == 0:
		return CheckResult{
			Name:    "API Key",
			Status:  "WARN",
			Message: fmt.Sprintf("No API key for %s; analysis falls back to the offline model", strings.Join(missing, ", ")),
			Detail:  "Set GEMINI_API_KEY, OPENAI_API_KEY, ANTHROPIC_API_KEY or providers.<name>.api_key in config.yaml",
		}
	default:
		return CheckResult{
			Name:    "API Key",
			Status:  "WARN",
			Message: fmt.Sprintf("Keys set for %s, missing for %s", strings.Join(present, ", "), strings.Join(missing, ", ")),
		}
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err), Detail: cfg.DBPath}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema valid, %d tasks", total),
		Detail:  fmt.Sprintf("path=%s pending=%d running=%d", cfg.DBPath, counts[persistence.StatusPending], counts[persistence.StatusRunning]),
	}
}

func checkKV(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "KV Store", Status: "SKIP", Message: "Config missing"}
	}
	store, err := kv.Open(cfg.KVPath)
	if err != nil {
		return CheckResult{Name: "KV Store", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.KVPath}
	}
	defer store.Close()

	if _, _, err := store.Get(ctx, "doctor:probe"); err != nil {
		return CheckResult{Name: "KV Store", Status: "FAIL", Message: fmt.Sprintf("Read failed: %v", err), Detail: cfg.KVPath}
	}
	return CheckResult{Name: "KV Store", Status: "PASS", Message: "Readable", Detail: cfg.KVPath}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkBindAddr tries to listen on the configured address. A busy port
// usually means a server is already running, so it only warns.
func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{Name: "Bind Address", Status: "WARN", Message: fmt.Sprintf("%s in use (server already running?)", cfg.BindAddr)}
		}
		return CheckResult{Name: "Bind Address", Status: "FAIL", Message: fmt.Sprintf("Cannot listen on %s: %v", cfg.BindAddr, err)}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}

var providerHosts = map[string]string{
	"google":            "generativelanguage.googleapis.com",
	"anthropic":         "api.anthropic.com",
	"openai":            "api.openai.com",
	"openrouter":        "openrouter.ai",
	"openai_compatible": "api.openai.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Offline() {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Offline provider"}
	}

	provider := strings.ToLower(cfg.LLM.Provider)
	host, ok := providerHosts[provider]
	if !ok {
		host = providerHosts["google"]
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
