// Package llm adapts LLM providers to debate.Model: a Genkit-backed model
// for Google, Anthropic and OpenAI-compatible endpoints, a circuit-breaking
// failover chain and a deterministic offline model for keyless runs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/stockdesk/internal/debate"
)

// ErrNoAPIKey is returned when a provider has no key configured.
var ErrNoAPIKey = errors.New("llm: api key missing")

// Tier selects between the debater model and the judge model.
type Tier string

const (
	TierQuick Tier = "quick"
	TierDeep  Tier = "deep"
)

// ProviderConfig configures one provider.
type ProviderConfig struct {
	// Provider is google, anthropic, openai, openrouter or openai_compatible.
	Provider   string
	QuickModel string
	DeepModel  string
	APIKey     string
	BaseURL    string
	// CompatName names an openai_compatible endpoint.
	CompatName string
}

var defaultModels = map[string][2]string{
	"google":     {"gemini-2.5-flash", "gemini-2.5-pro"},
	"anthropic":  {"claude-haiku-4-5", "claude-sonnet-4-5"},
	"openai":     {"gpt-4o-mini", "gpt-4o"},
	"openrouter": {"openrouter/auto", "openrouter/auto"},
}

// Normalize lower-cases the provider and fills default models and keys
// from the environment.
func (c ProviderConfig) Normalize() ProviderConfig {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = "google"
	}
	if d, ok := defaultModels[c.Provider]; ok {
		if c.QuickModel == "" {
			c.QuickModel = d[0]
		}
		if c.DeepModel == "" {
			c.DeepModel = d[1]
		}
	}
	if c.DeepModel == "" {
		c.DeepModel = c.QuickModel
	}
	if c.APIKey == "" {
		c.APIKey = EnvAPIKey(c.Provider)
	}
	return c
}

// EnvAPIKey returns the conventional environment key for provider.
func EnvAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

// Client owns one Genkit instance for a provider and hands out models for
// each tier.
type Client struct {
	g      *genkit.Genkit
	cfg    ProviderConfig
	logger *slog.Logger

	toolMu sync.Mutex
	tools  map[string]ai.Tool
}

// NewClient initializes Genkit with the provider's plugin. It returns
// ErrNoAPIKey when no key is available so callers can fall back to the
// offline model.
func NewClient(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (*Client, error) {
	cfg = cfg.Normalize()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w for provider %s", ErrNoAPIKey, cfg.Provider)
	}

	var g *genkit.Genkit
	switch cfg.Provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  cfg.APIKey,
			BaseURL: firstNonEmpty(cfg.BaseURL, os.Getenv("ANTHROPIC_BASE_URL")),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   cfg.APIKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL")),
		}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   cfg.APIKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
		}))
	case "openai_compatible":
		if cfg.BaseURL == "" || cfg.CompatName == "" {
			return nil, fmt.Errorf("llm: openai_compatible needs base_url and compat_name")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatName,
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", cfg.APIKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}

	logger.Info("genkit client initialized", "provider", cfg.Provider, "quick_model", cfg.QuickModel, "deep_model", cfg.DeepModel)
	return &Client{g: g, cfg: cfg, logger: logger, tools: map[string]ai.Tool{}}, nil
}

// Provider returns the normalized provider name.
func (c *Client) Provider() string { return c.cfg.Provider }

// Model returns a debate.Model for tier.
func (c *Client) Model(tier Tier) *GenkitModel {
	id := c.cfg.QuickModel
	if tier == TierDeep {
		id = c.cfg.DeepModel
	}
	return &GenkitModel{client: c, name: qualifiedModelName(c.cfg, id)}
}

func qualifiedModelName(cfg ProviderConfig, model string) string {
	switch cfg.Provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return cfg.CompatName + "/" + model
	case "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}

// tool returns the Genkit declaration for spec, defining it on first use.
// The judge executes tools itself, so the Genkit handler is never invoked.
func (c *Client) tool(spec debate.ToolSpec) ai.Tool {
	c.toolMu.Lock()
	defer c.toolMu.Unlock()
	if t, ok := c.tools[spec.Name]; ok {
		return t
	}
	t := genkit.DefineTool(c.g, spec.Name, spec.Description,
		func(ctx *ai.ToolContext, input map[string]any) (string, error) {
			return "", fmt.Errorf("tool %s is executed by the caller", spec.Name)
		},
	)
	c.tools[spec.Name] = t
	return t
}

// GenkitModel is a debate.Model backed by one Genkit model.
type GenkitModel struct {
	client *Client
	name   string
}

// Name returns the qualified model name.
func (m *GenkitModel) Name() string { return m.name }

// Generate runs one model turn. Tool requests are returned to the caller
// rather than executed.
func (m *GenkitModel) Generate(ctx context.Context, req debate.Request) (debate.Reply, error) {
	msgs, err := toGenkitMessages(req.Messages)
	if err != nil {
		return debate.Reply{}, err
	}
	opts := []ai.GenerateOption{
		ai.WithModelName(m.name),
		ai.WithMessages(msgs...),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(req.System, "%", "%%")))
	}
	if len(req.Tools) > 0 {
		refs := make([]ai.ToolRef, 0, len(req.Tools))
		for _, spec := range req.Tools {
			refs = append(refs, m.client.tool(spec))
		}
		opts = append(opts, ai.WithTools(refs...), ai.WithReturnToolRequests(true))
	}

	resp, err := genkit.Generate(ctx, m.client.g, opts...)
	if err != nil {
		return debate.Reply{}, fmt.Errorf("genkit generate %s: %w", m.name, err)
	}
	reply := debate.Reply{Text: resp.Text(), Model: m.name}
	if u := resp.Usage; u != nil {
		reply.PromptTokens = u.InputTokens
		reply.CompletionTokens = u.OutputTokens
	}
	for i, tr := range resp.ToolRequests() {
		id := tr.Ref
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		args, _ := tr.Input.(map[string]any)
		reply.ToolCalls = append(reply.ToolCalls, debate.ToolCall{ID: id, Name: tr.Name, Args: args})
	}
	return reply, nil
}

func toGenkitMessages(in []debate.Message) ([]*ai.Message, error) {
	out := make([]*ai.Message, 0, len(in))
	for _, msg := range in {
		switch msg.Role {
		case debate.MessageUser:
			out = append(out, ai.NewMessage(ai.RoleUser, nil, ai.NewTextPart(msg.Content)))
		case debate.MessageAssistant:
			var parts []*ai.Part
			if msg.Content != "" {
				parts = append(parts, ai.NewTextPart(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{Name: call.Name, Ref: call.ID, Input: call.Args}))
			}
			out = append(out, ai.NewMessage(ai.RoleModel, nil, parts...))
		case debate.MessageTool:
			out = append(out, ai.NewMessage(ai.RoleTool, nil, ai.NewToolResponsePart(&ai.ToolResponse{
				Name:   msg.ToolName,
				Ref:    msg.ToolCallID,
				Output: map[string]any{"result": msg.Content},
			})))
		default:
			return nil, fmt.Errorf("llm: unsupported message role %q", msg.Role)
		}
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
