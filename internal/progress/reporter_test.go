package progress_test

import (
	"context"
	"testing"

	"github.com/basket/stockdesk/internal/progress"
)

func TestReporter_NeverDecreases(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	r, err := progress.NewReporter(ctx, tr, "t1")
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}

	steps := []progress.Stage{
		progress.StageQueued,
		progress.StageInvestmentDebate,
		progress.StageAnalysts, // late arrival, lower than stored
		progress.StageResearchManager,
	}
	for _, s := range steps {
		if err := r.Stage(ctx, s, string(s)); err != nil {
			t.Fatalf("stage %s: %v", s, err)
		}
	}
	rec, _ := tr.Get(ctx, "t1")
	if rec.Percentage != 70 {
		t.Fatalf("percentage = %d, want 70", rec.Percentage)
	}
	if len(rec.Steps) != len(steps) {
		t.Fatalf("every stage should leave a step, got %d", len(rec.Steps))
	}
	if r.Percentage() != 70 {
		t.Fatalf("reporter high-water = %d", r.Percentage())
	}
}

func TestReporter_AnalystSpan(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	r, _ := progress.NewReporter(ctx, tr, "t1")

	want := []int{20, 30, 40, 50}
	for i, name := range []string{"market", "social", "news", "fundamentals"} {
		if err := r.AnalystDone(ctx, name, i+1, 4); err != nil {
			t.Fatalf("analyst %s: %v", name, err)
		}
		rec, _ := tr.Get(ctx, "t1")
		if rec.Percentage != want[i] {
			t.Fatalf("after %s: percentage %d, want %d", name, rec.Percentage, want[i])
		}
	}
}

func TestReporter_SeedsFromStoredRecord(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	first, _ := progress.NewReporter(ctx, tr, "t1")
	_ = first.Stage(ctx, progress.StageTrader, "trader")

	// A redelivered task starts a fresh reporter.
	second, err := progress.NewReporter(ctx, tr, "t1")
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	_ = second.Stage(ctx, progress.StageAnalysts, "analysts")
	rec, _ := tr.Get(ctx, "t1")
	if rec.Percentage != 75 {
		t.Fatalf("percentage regressed to %d", rec.Percentage)
	}
}

func TestReporter_UnknownStage(t *testing.T) {
	tr := newTracker(t)
	r, _ := progress.NewReporter(context.Background(), tr, "t1")
	if err := r.Stage(context.Background(), progress.Stage("bogus"), ""); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}
