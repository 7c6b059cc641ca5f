package debate

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// ReportToolkit gives judges read-only access to the analyst reports.
type ReportToolkit struct {
	reports Reports
}

// NewReportToolkit wraps reports. The map is copied.
func NewReportToolkit(reports Reports) *ReportToolkit {
	cp := make(Reports, len(reports))
	for k, v := range reports {
		cp[k] = v
	}
	return &ReportToolkit{reports: cp}
}

var reportTools = map[string]string{
	"get_market_report":       AnalystMarket,
	"get_sentiment_report":    AnalystSentiment,
	"get_news_report":         AnalystNews,
	"get_fundamentals_report": AnalystFundamentals,
}

// Specs lists the report tools. None take arguments.
func (t *ReportToolkit) Specs() []ToolSpec {
	noArgs := func() map[string]any {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return []ToolSpec{
		{Name: "get_market_report", Description: "Return the market/technical analyst report.", InputSchema: noArgs()},
		{Name: "get_sentiment_report", Description: "Return the social sentiment analyst report.", InputSchema: noArgs()},
		{Name: "get_news_report", Description: "Return the news analyst report.", InputSchema: noArgs()},
		{Name: "get_fundamentals_report", Description: "Return the fundamentals analyst report.", InputSchema: noArgs()},
		{Name: "list_reports", Description: "List the analyst reports available for this symbol.", InputSchema: noArgs()},
	}
}

// Call runs the named tool.
func (t *ReportToolkit) Call(ctx context.Context, name string, _ map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "list_reports" {
		names := make([]string, 0, len(t.reports))
		for k, v := range t.reports {
			if v != "" {
				names = append(names, k)
			}
		}
		slices.Sort(names)
		if len(names) == 0 {
			return "no reports available", nil
		}
		return strings.Join(names, ", "), nil
	}
	key, ok := reportTools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if text := t.reports[key]; text != "" {
		return text, nil
	}
	return fmt.Sprintf("no %s report available", key), nil
}
