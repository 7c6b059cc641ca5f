package pricing

import (
	"math"
	"testing"
)

func TestEstimateCost(t *testing.T) {
	cases := []struct {
		model              string
		prompt, completion int
		want               float64
	}{
		{"gpt-4o-mini", 1_000_000, 1_000_000, 0.75},
		{"googleai/gemini-2.5-pro", 2_000_000, 0, 2.50},
		{"anthropic/claude-sonnet-4-5-20250929", 0, 1_000_000, 15.00},
		{"unknown-model", 1_000_000, 1_000_000, 0},
		{"", 10, 10, 0},
	}
	for _, tc := range cases {
		got := EstimateCost(tc.model, tc.prompt, tc.completion)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("EstimateCost(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestLookup_PrefersLongestBase(t *testing.T) {
	p, ok := Lookup("gemini-2.5-flash-lite-preview")
	if !ok {
		t.Fatal("expected a match")
	}
	if p != knownModels["gemini-2.5-flash-lite"] {
		t.Fatalf("matched %+v, want flash-lite pricing", p)
	}
}
