package debate

import (
	"fmt"
	"strings"
)

// Depth selects how many debate rounds run.
type Depth string

const (
	DepthQuick    Depth = "quick"
	DepthStandard Depth = "standard"
	DepthDeep     Depth = "deep"
)

// DefaultMaxToolIterations caps model calls inside one judge step.
const DefaultMaxToolIterations = 10

// Analyst names understood by the report toolkit.
const (
	AnalystMarket       = "market"
	AnalystSentiment    = "sentiment"
	AnalystNews         = "news"
	AnalystFundamentals = "fundamentals"
)

// DefaultAnalysts is the analyst line-up used when none is configured.
var DefaultAnalysts = []string{AnalystMarket, AnalystSentiment, AnalystNews, AnalystFundamentals}

// Config bounds a single run.
type Config struct {
	Depth                Depth    `json:"depth"`
	MaxDebateRounds      int      `json:"max_debate_rounds"`
	MaxRiskDiscussRounds int      `json:"max_risk_discuss_rounds"`
	MaxToolIterations    int      `json:"max_tool_iterations"`
	Analysts             []string `json:"analysts"`
}

// ParseDepth accepts "", quick, standard or deep. Empty means standard.
func ParseDepth(s string) (Depth, error) {
	switch d := Depth(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DepthStandard, nil
	case DepthQuick, DepthStandard, DepthDeep:
		return d, nil
	default:
		return "", fmt.Errorf("unknown research depth %q", s)
	}
}

// ConfigForDepth returns the round preset for d.
func ConfigForDepth(d Depth) Config {
	rounds := 2
	switch d {
	case DepthQuick:
		rounds = 1
	case DepthDeep:
		rounds = 3
	default:
		d = DepthStandard
	}
	return Config{
		Depth:                d,
		MaxDebateRounds:      rounds,
		MaxRiskDiscussRounds: rounds,
		MaxToolIterations:    DefaultMaxToolIterations,
		Analysts:             append([]string(nil), DefaultAnalysts...),
	}
}

func (c Config) normalized() Config {
	if c.Depth == "" {
		c.Depth = DepthStandard
	}
	preset := ConfigForDepth(c.Depth)
	if c.MaxDebateRounds <= 0 {
		c.MaxDebateRounds = preset.MaxDebateRounds
	}
	if c.MaxRiskDiscussRounds <= 0 {
		c.MaxRiskDiscussRounds = preset.MaxRiskDiscussRounds
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = DefaultMaxToolIterations
	}
	if len(c.Analysts) == 0 {
		c.Analysts = preset.Analysts
	}
	return c
}
