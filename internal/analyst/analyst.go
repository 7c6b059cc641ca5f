// Package analyst implements the report stage that precedes the debate.
// Each configured analyst is one model call; they run concurrently and a
// failed analyst only drops its own report.
package analyst

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/basket/stockdesk/internal/debate"
)

var focus = map[string]string{
	debate.AnalystMarket:       "price action, trend and technical indicators such as moving averages, MACD and RSI",
	debate.AnalystSentiment:    "social media and retail sentiment over the past week",
	debate.AnalystNews:         "recent company news and macro events relevant to trading",
	debate.AnalystFundamentals: "financial statements, valuation, profitability and balance sheet health",
}

// LLM is a debate.Analyst that asks a model for each report.
type LLM struct {
	model       debate.Model
	concurrency int
	logger      *slog.Logger
}

// Option configures an LLM analyst.
type Option func(*LLM)

// WithConcurrency bounds parallel analyst calls.
func WithConcurrency(n int) Option {
	return func(a *LLM) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *LLM) {
		if l != nil {
			a.logger = l
		}
	}
}

// New returns an LLM analyst over model.
func New(model debate.Model, opts ...Option) *LLM {
	a := &LLM{model: model, concurrency: 4, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type report struct {
	name string
	text string
}

// Analyze runs every requested analyst. It fails only when no analyst
// produced a report.
func (a *LLM) Analyze(ctx context.Context, in debate.AnalysisInput) (debate.Reports, error) {
	names := in.Analysts
	if len(names) == 0 {
		names = debate.DefaultAnalysts
	}
	for _, name := range names {
		if _, ok := focus[name]; !ok {
			return nil, fmt.Errorf("unknown analyst %q", name)
		}
	}

	var done atomic.Int32
	p := pool.NewWithResults[report]().WithContext(ctx).WithMaxGoroutines(a.concurrency)
	for _, name := range names {
		p.Go(func(ctx context.Context) (report, error) {
			req := debate.Request{
				Role:   debate.RoleAnalyst,
				System: systemPrompt(name),
				Messages: []debate.Message{{
					Role:    debate.MessageUser,
					Content: fmt.Sprintf("Write the %s report for %s as of %s.", name, in.Symbol, in.Date),
				}},
			}
			reply, err := a.model.Generate(ctx, req)
			if err == nil {
				debate.RecordUsage(ctx, req, reply)
			}
			n := int(done.Add(1))
			if in.OnReport != nil {
				in.OnReport(name, n, len(names))
			}
			if err != nil {
				a.logger.WarnContext(ctx, "analyst failed", "analyst", name, "symbol", in.Symbol, "error", err)
				return report{}, fmt.Errorf("%s analyst: %w", name, err)
			}
			text := strings.TrimSpace(reply.Text)
			if text == "" {
				return report{}, fmt.Errorf("%s analyst: empty report", name)
			}
			return report{name: name, text: text}, nil
		})
	}
	results, err := p.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	reports := make(debate.Reports, len(results))
	for _, r := range results {
		reports[r.name] = r.text
	}
	if len(reports) == 0 {
		if err == nil {
			err = debate.ErrNoReports
		}
		return nil, err
	}
	if err != nil {
		a.logger.InfoContext(ctx, "analyst stage degraded", "symbol", in.Symbol, "reports", len(reports), "error", err)
	}
	return reports, nil
}

func systemPrompt(name string) string {
	return fmt.Sprintf("You are the %s analyst on a trading desk. Focus on %s. "+
		"Finish with a short markdown table of key points.", name, focus[name])
}
