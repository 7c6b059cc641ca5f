package engine

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/basket/stockdesk/internal/debate"
)

// ErrInvalidRequest is returned for submissions rejected before a task is
// created.
var ErrInvalidRequest = errors.New("invalid request")

var symbolRe = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-^=]{0,14}$`)

// NormalizeSymbol upper-cases and validates a ticker symbol.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRe.MatchString(s) {
		return "", fmt.Errorf("%w: bad symbol %q", ErrInvalidRequest, symbol)
	}
	return s, nil
}

// runParams are the task parameters the engine understands. Unknown keys
// are kept on the task but ignored here.
type runParams struct {
	Depth                debate.Depth
	Date                 string
	MaxDebateRounds      int
	MaxRiskDiscussRounds int
	Analysts             []string
}

func parseParams(params map[string]any, defaultDepth debate.Depth) (runParams, error) {
	var p runParams
	depth := ""
	if v, ok := params["research_depth"]; ok {
		s, ok := v.(string)
		if !ok {
			return p, fmt.Errorf("%w: research_depth must be a string", ErrInvalidRequest)
		}
		depth = s
	}
	d, err := debate.ParseDepth(depth)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if depth == "" && defaultDepth != "" {
		d = defaultDepth
	}
	p.Depth = d

	if v, ok := params["analysis_date"]; ok {
		s, ok := v.(string)
		if !ok {
			return p, fmt.Errorf("%w: analysis_date must be a string", ErrInvalidRequest)
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return p, fmt.Errorf("%w: analysis_date must be YYYY-MM-DD", ErrInvalidRequest)
		}
		p.Date = s
	}
	if p.MaxDebateRounds, err = intParam(params, "max_debate_rounds"); err != nil {
		return p, err
	}
	if p.MaxRiskDiscussRounds, err = intParam(params, "max_risk_discuss_rounds"); err != nil {
		return p, err
	}
	if v, ok := params["analysts"]; ok {
		list, ok := v.([]any)
		if !ok {
			return p, fmt.Errorf("%w: analysts must be a list", ErrInvalidRequest)
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok || s == "" {
				return p, fmt.Errorf("%w: analysts must be strings", ErrInvalidRequest)
			}
			s = strings.ToLower(s)
			if !slices.Contains(debate.DefaultAnalysts, s) {
				return p, fmt.Errorf("%w: unknown analyst %q (want one of %s)", ErrInvalidRequest, s, strings.Join(debate.DefaultAnalysts, ", "))
			}
			p.Analysts = append(p.Analysts, s)
		}
	}
	return p, nil
}

// intParam accepts JSON numbers (float64) and Go ints in 1..10.
func intParam(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, nil
	}
	var n int
	switch x := v.(type) {
	case float64:
		if x != float64(int(x)) {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidRequest, key)
		}
		n = int(x)
	case int:
		n = x
	case int64:
		n = int(x)
	default:
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidRequest, key)
	}
	if n < 1 || n > 10 {
		return 0, fmt.Errorf("%w: %s must be between 1 and 10", ErrInvalidRequest, key)
	}
	return n, nil
}

func (p runParams) input(symbol string, maxToolIterations int) debate.Input {
	cfg := debate.ConfigForDepth(p.Depth)
	if p.MaxDebateRounds > 0 {
		cfg.MaxDebateRounds = p.MaxDebateRounds
	}
	if p.MaxRiskDiscussRounds > 0 {
		cfg.MaxRiskDiscussRounds = p.MaxRiskDiscussRounds
	}
	if len(p.Analysts) > 0 {
		cfg.Analysts = p.Analysts
	}
	if maxToolIterations > 0 {
		cfg.MaxToolIterations = maxToolIterations
	}
	return debate.Input{Symbol: symbol, Date: p.Date, Config: cfg}
}
