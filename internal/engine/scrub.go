package engine

import (
	"log/slog"

	"github.com/basket/stockdesk/internal/debate"
)

// scrubResult redacts credentials a model echoed into the result before
// it is stored. It returns the number of findings.
func (e *Engine) scrubResult(logger *slog.Logger, res *debate.Result) int {
	found := 0
	scrub := func(field string, s *string) {
		warnings := e.leaks.Scan(*s)
		if len(warnings) == 0 {
			return
		}
		found += len(warnings)
		for _, w := range warnings {
			logger.Warn("secret redacted from analysis output", "field", field, "pattern", w.Pattern)
		}
		*s = e.leaks.Redact(*s)
	}

	for name, text := range res.Reports {
		scrub("reports."+name, &text)
		res.Reports[name] = text
	}
	inv := &res.InvestmentDebate
	scrub("investment_debate.history", &inv.History)
	scrub("investment_debate.bull_history", &inv.BullHistory)
	scrub("investment_debate.bear_history", &inv.BearHistory)
	scrub("investment_debate.current_response", &inv.CurrentResponse)
	scrub("investment_debate.judge_decision", &inv.JudgeDecision)
	risk := &res.RiskDebate
	scrub("risk_debate.history", &risk.History)
	scrub("risk_debate.risky_history", &risk.RiskyHistory)
	scrub("risk_debate.safe_history", &risk.SafeHistory)
	scrub("risk_debate.neutral_history", &risk.NeutralHistory)
	scrub("risk_debate.current_risky_response", &risk.CurrentRiskyResponse)
	scrub("risk_debate.current_safe_response", &risk.CurrentSafeResponse)
	scrub("risk_debate.current_neutral_response", &risk.CurrentNeutralResponse)
	scrub("risk_debate.judge_decision", &risk.JudgeDecision)
	scrub("investment_plan", &res.InvestmentPlan)
	scrub("trader_plan", &res.TraderPlan)
	scrub("final_decision", &res.FinalDecision)
	scrub("decision.rationale", &res.Decision.Rationale)
	for i := range res.Turns {
		scrub("turns.text", &res.Turns[i].Text)
	}
	return found
}
