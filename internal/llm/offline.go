package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/basket/stockdesk/internal/debate"
)

// Offline is a deterministic model used when no provider key is configured.
// Its stance is derived from the prompt so repeated runs agree; it never
// requests tools.
type Offline struct{}

// Generate returns a canned, role-shaped reply.
func (Offline) Generate(ctx context.Context, req debate.Request) (debate.Reply, error) {
	if err := ctx.Err(); err != nil {
		return debate.Reply{}, err
	}
	prompt := ""
	if n := len(req.Messages); n > 0 {
		prompt = req.Messages[0].Content
	}
	action := stance(prompt)
	switch req.Role {
	case debate.RoleBull:
		return debate.Reply{Text: "Growth and momentum support a long position; downside looks limited."}, nil
	case debate.RoleBear:
		return debate.Reply{Text: "Valuation is stretched and the reports flag execution risk."}, nil
	case debate.RoleResearchManager:
		return debate.Reply{Text: fmt.Sprintf("Recommendation: %s. Size the position modestly and review after earnings.", action)}, nil
	case debate.RoleTrader:
		return debate.Reply{Text: fmt.Sprintf("Scale in over several sessions with a stop below support. FINAL TRANSACTION PROPOSAL: **%s**", action)}, nil
	case debate.RoleRisky:
		return debate.Reply{Text: "Upside outweighs the risk; keep the full allocation."}, nil
	case debate.RoleSafe:
		return debate.Reply{Text: "Halve the allocation and tighten the stop."}, nil
	case debate.RoleNeutral:
		return debate.Reply{Text: "A moderate allocation balances both views."}, nil
	case debate.RoleRiskManager:
		return debate.Reply{Text: fmt.Sprintf(`{"action": %q, "confidence": 0.35, "rationale": "offline model; no provider configured"}`, action)}, nil
	default:
		return debate.Reply{Text: "No opinion."}, nil
	}
}

func stance(prompt string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToUpper(prompt)))
	return [...]string{"BUY", "HOLD", "SELL"}[h.Sum32()%3]
}
