package debate

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/stockdesk/internal/otel"
	"github.com/basket/stockdesk/internal/pricing"
	"github.com/basket/stockdesk/internal/tokenutil"
)

// UsageSummary totals the model calls of one run. Token counts are
// provider-reported where available and estimated otherwise.
type UsageSummary struct {
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

type usageKey struct{}

// usageTracker accumulates usage for one run. Analysts report from
// several goroutines.
type usageTracker struct {
	metrics *otel.Metrics

	mu  sync.Mutex
	sum UsageSummary
}

func withUsage(ctx context.Context, metrics *otel.Metrics) (context.Context, *usageTracker) {
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	t := &usageTracker{metrics: metrics}
	return context.WithValue(ctx, usageKey{}, t), t
}

func (t *usageTracker) Summary() UsageSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sum
}

// RecordUsage adds one completed model call to the run tracked by ctx.
// It is a no-op outside Machine.Run.
func RecordUsage(ctx context.Context, req Request, reply Reply) {
	t, ok := ctx.Value(usageKey{}).(*usageTracker)
	if !ok {
		return
	}
	prompt, completion := reply.PromptTokens, reply.CompletionTokens
	if prompt == 0 {
		prompt = estimatePrompt(req)
	}
	if completion == 0 {
		completion = tokenutil.EstimateTokens(reply.Text)
	}
	model := reply.Model
	if model == "" {
		model = "unknown"
	}
	cost := pricing.EstimateCost(model, prompt, completion)

	t.mu.Lock()
	t.sum.Calls++
	t.sum.PromptTokens += prompt
	t.sum.CompletionTokens += completion
	t.sum.EstimatedCostUSD += cost
	t.mu.Unlock()

	modelAttr := attribute.String("model", model)
	t.metrics.LLMTokens.Add(ctx, int64(prompt), metric.WithAttributes(modelAttr, attribute.String("kind", "prompt")))
	t.metrics.LLMTokens.Add(ctx, int64(completion), metric.WithAttributes(modelAttr, attribute.String("kind", "completion")))
	if cost > 0 {
		t.metrics.LLMCost.Add(ctx, cost, metric.WithAttributes(modelAttr))
	}
}

func estimatePrompt(req Request) int {
	parts := make([]string, 0, len(req.Messages)+1)
	parts = append(parts, req.System)
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}
	return tokenutil.EstimateAll(parts...)
}
