// Package pricing estimates LLM spend from token counts.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Published list prices for the models stockdesk defaults to. Add new
// models as needed; unknown models price at zero.
var knownModels = map[string]ModelPricing{
	// Gemini
	"gemini-2.5-flash":      {0.30, 2.50},
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.5-pro":        {1.25, 10.00},
	"gemini-2.0-flash":      {0.10, 0.40},
	// Anthropic
	"claude-haiku-4-5":  {1.00, 5.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-opus-4-1":   {15.00, 75.00},
	// OpenAI
	"gpt-4o":       {2.50, 10.00},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
}

// Lookup returns the pricing for model. Provider prefixes such as
// "googleai/" are ignored, and dated or versioned variants match their
// base model by longest prefix.
func Lookup(model string) (ModelPricing, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if p, ok := knownModels[name]; ok {
		return p, true
	}
	best := ""
	for base := range knownModels {
		if strings.HasPrefix(name, base+"-") && len(base) > len(best) {
			best = base
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return knownModels[best], true
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}
