package debate

import "strings"

// InvestmentState is the bull/bear debate transcript. Count grows by one
// per participant turn.
type InvestmentState struct {
	History         string `json:"history"`
	BullHistory     string `json:"bull_history"`
	BearHistory     string `json:"bear_history"`
	CurrentResponse string `json:"current_response"`
	JudgeDecision   string `json:"judge_decision"`
	Count           int    `json:"count"`
}

// Next returns who speaks next. Bull opens.
func (s InvestmentState) Next() Role {
	if s.Count%2 == 0 {
		return RoleBull
	}
	return RoleBear
}

// Done reports whether rounds full bull/bear exchanges have happened.
func (s InvestmentState) Done(rounds int) bool {
	return s.Count >= 2*rounds
}

func (s InvestmentState) withTurn(role Role, text string) InvestmentState {
	line := speakerLabel(role) + ": " + text
	s.History = appendLine(s.History, line)
	switch role {
	case RoleBull:
		s.BullHistory = appendLine(s.BullHistory, line)
	case RoleBear:
		s.BearHistory = appendLine(s.BearHistory, line)
	}
	s.CurrentResponse = line
	s.Count++
	return s
}

// RiskState is the risky/safe/neutral transcript.
type RiskState struct {
	History                string `json:"history"`
	RiskyHistory           string `json:"risky_history"`
	SafeHistory            string `json:"safe_history"`
	NeutralHistory         string `json:"neutral_history"`
	LatestSpeaker          Role   `json:"latest_speaker"`
	CurrentRiskyResponse   string `json:"current_risky_response"`
	CurrentSafeResponse    string `json:"current_safe_response"`
	CurrentNeutralResponse string `json:"current_neutral_response"`
	JudgeDecision          string `json:"judge_decision"`
	Count                  int    `json:"count"`
}

// Next returns who speaks next: risky, safe, neutral in rotation.
func (s RiskState) Next() Role {
	switch s.Count % 3 {
	case 0:
		return RoleRisky
	case 1:
		return RoleSafe
	default:
		return RoleNeutral
	}
}

// Done reports whether each posture has spoken rounds times.
func (s RiskState) Done(rounds int) bool {
	return s.Count >= 3*rounds
}

func (s RiskState) withTurn(role Role, text string) RiskState {
	line := speakerLabel(role) + ": " + text
	s.History = appendLine(s.History, line)
	switch role {
	case RoleRisky:
		s.RiskyHistory = appendLine(s.RiskyHistory, line)
		s.CurrentRiskyResponse = line
	case RoleSafe:
		s.SafeHistory = appendLine(s.SafeHistory, line)
		s.CurrentSafeResponse = line
	case RoleNeutral:
		s.NeutralHistory = appendLine(s.NeutralHistory, line)
		s.CurrentNeutralResponse = line
	}
	s.LatestSpeaker = role
	s.Count++
	return s
}

// opposingResponses returns the latest argument of each other posture
// that has spoken, in speaking order.
func (s RiskState) opposingResponses(speaker Role) []string {
	var out []string
	for _, r := range []struct {
		role Role
		text string
	}{
		{RoleRisky, s.CurrentRiskyResponse},
		{RoleSafe, s.CurrentSafeResponse},
		{RoleNeutral, s.CurrentNeutralResponse},
	} {
		if r.role != speaker && r.text != "" {
			out = append(out, r.text)
		}
	}
	return out
}

func appendLine(history, line string) string {
	if history == "" {
		return line
	}
	return history + "\n" + line
}

func speakerLabel(role Role) string {
	switch role {
	case RoleBull:
		return "Bull Analyst"
	case RoleBear:
		return "Bear Analyst"
	case RoleRisky:
		return "Risky Analyst"
	case RoleSafe:
		return "Safe Analyst"
	case RoleNeutral:
		return "Neutral Analyst"
	default:
		return strings.ReplaceAll(string(role), "_", " ")
	}
}
