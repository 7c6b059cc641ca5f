package debate

import (
	"fmt"
	"strings"
)

var systemPrompts = map[Role]string{
	RoleBull: "You are a bull researcher. Build an evidence-based case for investing in the stock, " +
		"answer the bear's latest points directly and keep it conversational.",
	RoleBear: "You are a bear researcher. Argue against investing in the stock, stress risks and " +
		"weaknesses, and rebut the bull's latest points directly.",
	RoleResearchManager: "You are the research manager judging the bull/bear debate. Use the report tools " +
		"when you need evidence, then commit to BUY, SELL or HOLD and write an investment plan for the trader.",
	RoleTrader: "You are a trader. Turn the investment plan into a concrete transaction proposal. " +
		"End with 'FINAL TRANSACTION PROPOSAL: BUY', 'SELL' or 'HOLD'.",
	RoleRisky: "You are the risky risk analyst. Champion high-reward opportunities in the trader's plan " +
		"and challenge overly cautious views.",
	RoleSafe: "You are the safe risk analyst. Protect capital, point out exposures and challenge " +
		"aggressive positions.",
	RoleNeutral: "You are the neutral risk analyst. Weigh both sides and argue for a balanced position.",
	RoleRiskManager: "You are the risk manager and final judge. Use the report tools when you need evidence. " +
		`Answer with a JSON object {"action": "BUY|SELL|HOLD", "confidence": 0..1, "rationale": "..."}.`,
}

const finalCallNudge = "Tool budget exhausted. Give your final decision now without calling any tools."

func systemPrompt(role Role) string {
	return systemPrompts[role]
}

func formatReports(reports Reports, order []string) string {
	var b strings.Builder
	seen := make(map[string]bool, len(order))
	write := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if text := reports[name]; text != "" {
			fmt.Fprintf(&b, "## %s report\n%s\n\n", name, text)
		}
	}
	for _, name := range order {
		write(name)
	}
	for _, name := range DefaultAnalysts {
		write(name)
	}
	return strings.TrimSpace(b.String())
}

func investmentPrompt(symbol, date, reports string, st InvestmentState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stock: %s (as of %s)\n\n%s\n\n", symbol, date, reports)
	if st.History == "" {
		b.WriteString("Open the debate.")
	} else {
		fmt.Fprintf(&b, "Debate so far:\n%s\n\nLast argument:\n%s", st.History, st.CurrentResponse)
	}
	return b.String()
}

func researchManagerPrompt(symbol, date string, st InvestmentState) string {
	return fmt.Sprintf("Stock: %s (as of %s)\n\nDebate transcript:\n%s\n\nDecide and write the investment plan.",
		symbol, date, st.History)
}

func traderPrompt(symbol, date, reports, plan string) string {
	return fmt.Sprintf("Stock: %s (as of %s)\n\n%s\n\nInvestment plan:\n%s", symbol, date, reports, plan)
}

func riskPrompt(symbol, traderPlan string, speaker Role, st RiskState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stock: %s\n\nTrader plan:\n%s\n\n", symbol, traderPlan)
	if st.History == "" {
		b.WriteString("Open the risk discussion.")
		return b.String()
	}
	fmt.Fprintf(&b, "Discussion so far:\n%s", st.History)
	if others := st.opposingResponses(speaker); len(others) > 0 {
		fmt.Fprintf(&b, "\n\nLatest arguments to answer:\n%s", strings.Join(others, "\n"))
	}
	return b.String()
}

func riskManagerPrompt(symbol, traderPlan string, st RiskState) string {
	return fmt.Sprintf("Stock: %s\n\nTrader plan:\n%s\n\nRisk discussion:\n%s\n\nGive the final decision.",
		symbol, traderPlan, st.History)
}
