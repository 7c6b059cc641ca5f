package debate

import (
	"strings"
	"testing"
)

func TestDecisionExtractor(t *testing.T) {
	ex, err := NewDecisionExtractor()
	if err != nil {
		t.Fatalf("NewDecisionExtractor: %v", err)
	}
	tests := []struct {
		name       string
		text       string
		action     Action
		confidence float64
		source     string
	}{
		{"fenced json", "Verdict:\n```json\n{\"action\": \"sell\", \"confidence\": 0.7, \"rationale\": \"margins\"}\n```", ActionSell, 0.7, SourceJSON},
		{"inline json", `After review {"action":"BUY","rationale":"momentum {strong}"} done`, ActionBuy, 0.5, SourceJSON},
		{"schema violation falls back to keywords", `{"action": "maybe", "confidence": 3} so HOLD`, ActionHold, 0.5, SourceKeyword},
		{"proposal marker wins", "We could BUY later. FINAL TRANSACTION PROPOSAL: **SELL**", ActionSell, 0.5, SourceKeyword},
		{"last upper-case keyword", "Do not SELL. BUY with confidence 80%", ActionBuy, 0.8, SourceKeyword},
		{"lower-case keyword", "i would hold for now", ActionHold, 0.5, SourceKeyword},
		{"nothing usable", "no opinion today", ActionHold, 0, SourceDefault},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ex.Extract(tc.text)
			if got.Action != tc.action || got.Confidence != tc.confidence || got.Source != tc.source {
				t.Fatalf("Extract(%q) = %+v, want %s %.2f %s", tc.text, got, tc.action, tc.confidence, tc.source)
			}
		})
	}
}

func TestFindJSONObject(t *testing.T) {
	if got := findJSONObject(`text {"a": "}"} tail`); got != `{"a": "}"}` {
		t.Fatalf("braces in strings: %q", got)
	}
	if got := findJSONObject("{not json} then {\"ok\": true}"); got != `{"ok": true}` {
		t.Fatalf("skip invalid object: %q", got)
	}
	if got := findJSONObject("no braces"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestSummarizeTruncates(t *testing.T) {
	long := strings.Repeat("é", 400)
	got := summarize(long)
	if !strings.HasSuffix(got, "...") || len(got) > 503 {
		t.Fatalf("summary length %d", len(got))
	}
	if !strings.HasPrefix(got, "é") || strings.ContainsRune(strings.TrimSuffix(got, "..."), '�') {
		t.Fatal("summary must cut on a rune boundary")
	}
}
