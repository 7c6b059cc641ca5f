package debate

import (
	"context"
	"math"
	"sync"
	"testing"
)

func TestRecordUsage_OutsideRunIsNoop(t *testing.T) {
	RecordUsage(context.Background(), Request{System: "sys"}, Reply{Text: "hi"})
}

func TestRecordUsage_ReportedCounts(t *testing.T) {
	ctx, tr := withUsage(context.Background(), nil)
	RecordUsage(ctx, Request{}, Reply{Model: "openai/gpt-4o-mini", PromptTokens: 1_000_000, CompletionTokens: 1_000_000})

	got := tr.Summary()
	if got.Calls != 1 || got.PromptTokens != 1_000_000 || got.CompletionTokens != 1_000_000 {
		t.Fatalf("summary = %+v", got)
	}
	if math.Abs(got.EstimatedCostUSD-0.75) > 1e-9 {
		t.Fatalf("cost = %v, want 0.75", got.EstimatedCostUSD)
	}
}

func TestRecordUsage_EstimatesMissingCounts(t *testing.T) {
	ctx, tr := withUsage(context.Background(), nil)
	req := Request{
		System:   "You are a trader.",
		Messages: []Message{{Role: MessageUser, Content: "Plan the AAPL position."}},
	}
	RecordUsage(ctx, req, Reply{Text: "Buy a third now and scale in."})

	got := tr.Summary()
	if got.PromptTokens == 0 || got.CompletionTokens == 0 {
		t.Fatalf("expected estimated counts, got %+v", got)
	}
	if got.EstimatedCostUSD != 0 {
		t.Fatalf("unknown model priced at %v", got.EstimatedCostUSD)
	}
}

func TestRecordUsage_Concurrent(t *testing.T) {
	ctx, tr := withUsage(context.Background(), nil)
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			RecordUsage(ctx, Request{}, Reply{PromptTokens: 10, CompletionTokens: 5})
		}()
	}
	wg.Wait()
	if got := tr.Summary(); got.Calls != 20 || got.PromptTokens != 200 || got.CompletionTokens != 100 {
		t.Fatalf("summary = %+v", got)
	}
}
