package debate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/stockdesk/internal/otel"
)

// Phase is a step of the protocol.
type Phase string

const (
	PhaseAnalysts         Phase = "analysts"
	PhaseInvestmentDebate Phase = "investment_debate"
	PhaseResearchManager  Phase = "research_manager"
	PhaseTrader           Phase = "trader"
	PhaseRiskDebate       Phase = "risk_debate"
	PhaseRiskManager      Phase = "risk_manager"
)

// Models splits participants between a cheap model for debaters and the
// trader and a stronger one for the two judges.
type Models struct {
	Quick Model
	Deep  Model
}

// Turn is one recorded participant response.
type Turn struct {
	Phase    Phase  `json:"phase"`
	Role     Role   `json:"role"`
	Text     string `json:"text"`
	Degraded bool   `json:"degraded,omitempty"`
	Calls    int    `json:"calls,omitempty"`
}

// Hooks observe a run. All fields are optional and are called on the
// running goroutine.
type Hooks struct {
	OnPhase  func(ctx context.Context, phase Phase)
	OnReport func(ctx context.Context, name string, done, total int)
	OnTurn   func(ctx context.Context, turn Turn, count int)
}

// Input is one analysis request.
type Input struct {
	Symbol string
	Date   string
	Config Config
}

// Result is the full run record persisted as the task result.
type Result struct {
	Symbol           string          `json:"symbol"`
	Date             string          `json:"date"`
	Config           Config          `json:"config"`
	Reports          Reports         `json:"reports"`
	InvestmentDebate InvestmentState `json:"investment_debate"`
	InvestmentPlan   string          `json:"investment_plan"`
	TraderPlan       string          `json:"trader_plan"`
	RiskDebate       RiskState       `json:"risk_debate"`
	FinalDecision    string          `json:"final_decision"`
	Decision         Decision        `json:"decision"`
	Turns            []Turn          `json:"turns"`
	Degraded         []string        `json:"degraded,omitempty"`
	Usage            UsageSummary    `json:"usage"`
}

// Machine runs the debate protocol. It holds no per-run state and is safe
// for concurrent use.
type Machine struct {
	analyst    Analyst
	models     Models
	newToolkit func(Reports) Toolkit
	extractor  *DecisionExtractor
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otel.Metrics
	now        func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTracer sets the tracer for phase spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Machine) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(mt *otel.Metrics) Option {
	return func(m *Machine) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithToolkit replaces the judge toolkit built from each run's reports.
func WithToolkit(fn func(Reports) Toolkit) Option {
	return func(m *Machine) {
		if fn != nil {
			m.newToolkit = fn
		}
	}
}

// WithClock sets the clock used to default the analysis date.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMachine builds a Machine. Models.Deep defaults to Models.Quick.
func NewMachine(analyst Analyst, models Models, opts ...Option) (*Machine, error) {
	if analyst == nil {
		return nil, errors.New("debate: analyst is required")
	}
	if models.Quick == nil {
		return nil, errors.New("debate: quick model is required")
	}
	if models.Deep == nil {
		models.Deep = models.Quick
	}
	extractor, err := NewDecisionExtractor()
	if err != nil {
		return nil, err
	}
	m := &Machine{
		analyst:    analyst,
		models:     models,
		newToolkit: func(r Reports) Toolkit { return NewReportToolkit(r) },
		extractor:  extractor,
		logger:     slog.Default(),
		tracer:     otel.NoopTracer(),
		metrics:    otel.NoopMetrics(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run executes the protocol. Only analyst failure (UpstreamAnalysisError)
// or context cancellation returns an error; failed turns are replaced by
// fallbacks and listed in Result.Degraded.
func (m *Machine) Run(ctx context.Context, in Input, hooks Hooks) (*Result, error) {
	cfg := in.Config.normalized()
	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	date := in.Date
	if date == "" {
		date = m.now().UTC().Format("2006-01-02")
	}

	ctx, span := otel.StartSpan(ctx, m.tracer, "debate.run", otel.AttrSymbol.String(symbol))
	var runErr error
	defer func() { otel.EndSpan(span, runErr) }()

	ctx, usage := withUsage(ctx, m.metrics)
	res := &Result{Symbol: symbol, Date: date, Config: cfg}
	r := &run{m: m, hooks: hooks, res: res}

	// Analysts.
	r.phase(ctx, PhaseAnalysts)
	reports, err := m.analyst.Analyze(ctx, AnalysisInput{
		Symbol:   symbol,
		Date:     date,
		Depth:    cfg.Depth,
		Analysts: cfg.Analysts,
		OnReport: func(name string, done, total int) {
			if hooks.OnReport != nil {
				hooks.OnReport(ctx, name, done, total)
			}
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			return nil, runErr
		}
		runErr = &UpstreamAnalysisError{Symbol: symbol, Err: err}
		return nil, runErr
	}
	if reports.NonEmpty() == 0 {
		runErr = &UpstreamAnalysisError{Symbol: symbol, Err: ErrNoReports}
		return nil, runErr
	}
	res.Reports = reports
	reportText := formatReports(reports, cfg.Analysts)
	toolkit := m.newToolkit(reports)

	// Investment debate.
	r.phase(ctx, PhaseInvestmentDebate)
	inv := InvestmentState{}
	for !inv.Done(cfg.MaxDebateRounds) {
		if err := ctx.Err(); err != nil {
			runErr = err
			return nil, err
		}
		role := inv.Next()
		text, err := r.turn(ctx, PhaseInvestmentDebate, role, m.models.Quick, investmentPrompt(symbol, date, reportText, inv))
		if err != nil {
			runErr = err
			return nil, err
		}
		inv = inv.withTurn(role, text)
		r.observe(ctx, inv.Count)
	}

	// Research manager.
	r.phase(ctx, PhaseResearchManager)
	plan, err := r.judge(ctx, PhaseResearchManager, RoleResearchManager, toolkit, researchManagerPrompt(symbol, date, inv), cfg.MaxToolIterations)
	if err != nil {
		runErr = err
		return nil, err
	}
	inv.JudgeDecision = plan
	res.InvestmentDebate = inv
	res.InvestmentPlan = plan

	// Trader.
	r.phase(ctx, PhaseTrader)
	if err := ctx.Err(); err != nil {
		runErr = err
		return nil, err
	}
	traderPlan, err := r.turn(ctx, PhaseTrader, RoleTrader, m.models.Quick, traderPrompt(symbol, date, reportText, plan))
	if err != nil {
		runErr = err
		return nil, err
	}
	res.TraderPlan = traderPlan
	r.observe(ctx, 1)

	// Risk debate.
	r.phase(ctx, PhaseRiskDebate)
	risk := RiskState{}
	for !risk.Done(cfg.MaxRiskDiscussRounds) {
		if err := ctx.Err(); err != nil {
			runErr = err
			return nil, err
		}
		role := risk.Next()
		text, err := r.turn(ctx, PhaseRiskDebate, role, m.models.Quick, riskPrompt(symbol, traderPlan, role, risk))
		if err != nil {
			runErr = err
			return nil, err
		}
		risk = risk.withTurn(role, text)
		r.observe(ctx, risk.Count)
	}

	// Risk manager.
	r.phase(ctx, PhaseRiskManager)
	final, err := r.judge(ctx, PhaseRiskManager, RoleRiskManager, toolkit, riskManagerPrompt(symbol, traderPlan, risk), cfg.MaxToolIterations)
	if err != nil {
		runErr = err
		return nil, err
	}
	risk.JudgeDecision = final
	res.RiskDebate = risk
	res.FinalDecision = final
	res.Decision = m.extractor.Extract(final)
	res.Usage = usage.Summary()

	span.SetAttributes(attribute.String("stockdesk.decision", string(res.Decision.Action)))
	m.logger.Info("debate finished",
		"symbol", symbol,
		"action", res.Decision.Action,
		"confidence", res.Decision.Confidence,
		"turns", len(res.Turns),
		"degraded", len(res.Degraded),
		"llm_calls", res.Usage.Calls,
		"est_cost_usd", res.Usage.EstimatedCostUSD,
	)
	return res, nil
}

// generate wraps one model call with a client span and duration metric.
func (m *Machine) generate(ctx context.Context, model Model, req Request) (Reply, error) {
	ctx, span := otel.StartClientSpan(ctx, m.tracer, "llm.generate", otel.AttrRole.String(string(req.Role)))
	start := time.Now()
	reply, err := model.Generate(ctx, req)
	attrs := metric.WithAttributes(attribute.String("role", string(req.Role)))
	m.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		m.metrics.LLMCallErrors.Add(ctx, 1, attrs)
	} else {
		RecordUsage(ctx, req, reply)
	}
	otel.EndSpan(span, err)
	return reply, err
}

// run carries the bookkeeping of a single Run call.
type run struct {
	m     *Machine
	hooks Hooks
	res   *Result
	last  Turn
}

func (r *run) phase(ctx context.Context, p Phase) {
	if r.hooks.OnPhase != nil {
		r.hooks.OnPhase(ctx, p)
	}
}

func (r *run) record(ctx context.Context, t Turn) {
	r.res.Turns = append(r.res.Turns, t)
	if t.Degraded {
		r.res.Degraded = append(r.res.Degraded, string(t.Role))
		r.m.metrics.Fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(t.Role))))
	}
	r.m.metrics.DebateTurns.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", string(t.Phase))))
	r.last = t
}

func (r *run) observe(ctx context.Context, count int) {
	if r.hooks.OnTurn != nil {
		r.hooks.OnTurn(ctx, r.last, count)
	}
}

// turn makes a single non-tool call. A failed call yields fallback text;
// only cancellation is returned as an error.
func (r *run) turn(ctx context.Context, phase Phase, role Role, model Model, prompt string) (string, error) {
	reply, err := r.m.generate(ctx, model, Request{
		Role:     role,
		System:   systemPrompt(role),
		Messages: []Message{{Role: MessageUser, Content: prompt}},
	})
	text := strings.TrimSpace(reply.Text)
	if err == nil && text == "" {
		err = errors.New("empty response")
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		text = r.degrade(ctx, &ParticipantError{Role: role, Err: err})
		r.record(ctx, Turn{Phase: phase, Role: role, Text: text, Degraded: true, Calls: 1})
		return text, nil
	}
	r.record(ctx, Turn{Phase: phase, Role: role, Text: text, Calls: 1})
	return text, nil
}

func (r *run) judge(ctx context.Context, phase Phase, role Role, toolkit Toolkit, prompt string, maxCalls int) (string, error) {
	text, calls, err := r.m.runJudge(ctx, role, r.m.models.Deep, toolkit, prompt, maxCalls)
	var perr *ParticipantError
	switch {
	case err == nil:
		r.record(ctx, Turn{Phase: phase, Role: role, Text: text, Calls: calls})
	case errors.As(err, &perr):
		text = r.degrade(ctx, perr)
		r.record(ctx, Turn{Phase: phase, Role: role, Text: text, Degraded: true, Calls: calls})
	default:
		return "", err
	}
	r.observe(ctx, calls)
	return text, nil
}

func (r *run) degrade(ctx context.Context, perr *ParticipantError) string {
	r.m.logger.WarnContext(ctx, "participant failed, using fallback", "role", perr.Role, "error", perr.Err)
	return fallbackText(perr)
}
