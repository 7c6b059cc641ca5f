package progress

import (
	"context"
	"fmt"
	"sync"
)

// Stage is a named point in the analysis pipeline.
type Stage string

const (
	StageQueued           Stage = "queued"
	StageAnalysts         Stage = "analysts"
	StageInvestmentDebate Stage = "investment_debate"
	StageResearchManager  Stage = "research_manager"
	StageTrader           Stage = "trader"
	StageRiskDebate       Stage = "risk_debate"
	StageRiskManager      Stage = "risk_manager"
	StageDone             Stage = "done"
)

var stagePercent = map[Stage]int{
	StageQueued:           0,
	StageAnalysts:         10,
	StageInvestmentDebate: 60,
	StageResearchManager:  70,
	StageTrader:           75,
	StageRiskDebate:       85,
	StageRiskManager:      95,
	StageDone:             100,
}

// analystSpan is the percentage range shared by the analyst reports.
const (
	analystFloor   = 10
	analystCeiling = 50
)

// StagePercent returns the fixed percentage for stage.
func StagePercent(stage Stage) (int, bool) {
	p, ok := stagePercent[stage]
	return p, ok
}

// Reporter writes progress for one task and never lets the stored
// percentage go backwards.
type Reporter struct {
	tracker *Tracker
	taskID  string

	mu   sync.Mutex
	last int
}

// NewReporter returns a Reporter seeded from the stored record so a
// redelivered task keeps its high-water mark.
func NewReporter(ctx context.Context, tracker *Tracker, taskID string) (*Reporter, error) {
	r := &Reporter{tracker: tracker, taskID: taskID, last: -1}
	rec, err := tracker.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		r.last = rec.Percentage
	}
	return r, nil
}

// Stage records that the pipeline reached stage.
func (r *Reporter) Stage(ctx context.Context, stage Stage, message string) error {
	p, ok := stagePercent[stage]
	if !ok {
		return fmt.Errorf("unknown progress stage %q", stage)
	}
	return r.report(ctx, p, string(stage), message)
}

// AnalystDone records that done of total analyst reports are finished.
func (r *Reporter) AnalystDone(ctx context.Context, name string, done, total int) error {
	if total <= 0 {
		total = 1
	}
	if done > total {
		done = total
	}
	p := analystFloor + (analystCeiling-analystFloor)*done/total
	return r.report(ctx, p, "analyst:"+name, fmt.Sprintf("%s analyst finished (%d/%d)", name, done, total))
}

// Message updates the last message without touching the percentage.
func (r *Reporter) Message(ctx context.Context, message string) error {
	return r.tracker.Update(ctx, r.taskID, Update{Message: &message})
}

// Percentage returns the highest percentage written so far.
func (r *Reporter) Percentage() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last < 0 {
		return 0
	}
	return r.last
}

func (r *Reporter) report(ctx context.Context, p int, step, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p <= r.last {
		// Same or earlier stage: keep the step trail, skip the percentage.
		return r.tracker.Update(ctx, r.taskID, Update{
			Message: &message,
			Step:    &Step{Name: step, Status: StepCompleted},
		})
	}
	if err := r.tracker.Update(ctx, r.taskID, Update{
		Percentage: &p,
		Message:    &message,
		Step:       &Step{Name: step, Status: StepCompleted},
	}); err != nil {
		return err
	}
	r.last = p
	return nil
}
