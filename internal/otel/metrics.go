package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the stockdesk instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	TasksFinished    metric.Int64Counter
	LLMCallDuration  metric.Float64Histogram
	LLMCallErrors    metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	DebateTurns      metric.Int64Counter
	Fallbacks        metric.Int64Counter
	JudgeIterations  metric.Int64Histogram
	QueueDepth       metric.Int64Gauge
	InFlight         metric.Int64UpDownCounter
	LockContention   metric.Int64Counter
	Requeued         metric.Int64Counter
	ZombiesReaped    metric.Int64Counter
	LLMTokens        metric.Int64Counter
	LLMCost          metric.Float64Counter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RequestDuration, err = meter.Float64Histogram("stockdesk.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("stockdesk.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TasksFinished, err = meter.Int64Counter("stockdesk.task.finished",
		metric.WithDescription("Tasks reaching a terminal status, by status"),
	); err != nil {
		return nil, err
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("stockdesk.llm.duration",
		metric.WithDescription("LLM call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.LLMCallErrors, err = meter.Int64Counter("stockdesk.llm.errors",
		metric.WithDescription("LLM call errors by class"),
	); err != nil {
		return nil, err
	}
	if m.ToolCallDuration, err = meter.Float64Histogram("stockdesk.tool.duration",
		metric.WithDescription("Judge tool call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ToolCallErrors, err = meter.Int64Counter("stockdesk.tool.errors",
		metric.WithDescription("Judge tool call error count"),
	); err != nil {
		return nil, err
	}
	if m.DebateTurns, err = meter.Int64Counter("stockdesk.debate.turns",
		metric.WithDescription("Debate participant turns by phase"),
	); err != nil {
		return nil, err
	}
	if m.Fallbacks, err = meter.Int64Counter("stockdesk.debate.fallbacks",
		metric.WithDescription("Turns replaced by a fallback response"),
	); err != nil {
		return nil, err
	}
	if m.JudgeIterations, err = meter.Int64Histogram("stockdesk.judge.iterations",
		metric.WithDescription("Model calls per judge step"),
	); err != nil {
		return nil, err
	}
	if m.QueueDepth, err = meter.Int64Gauge("stockdesk.queue.depth",
		metric.WithDescription("Pending entries in the global queue"),
	); err != nil {
		return nil, err
	}
	if m.InFlight, err = meter.Int64UpDownCounter("stockdesk.worker.inflight",
		metric.WithDescription("Tasks currently executing in this process"),
	); err != nil {
		return nil, err
	}
	if m.LockContention, err = meter.Int64Counter("stockdesk.lock.contention",
		metric.WithDescription("Lost lock acquire attempts"),
	); err != nil {
		return nil, err
	}
	if m.Requeued, err = meter.Int64Counter("stockdesk.queue.requeued",
		metric.WithDescription("Entries requeued after visibility timeout"),
	); err != nil {
		return nil, err
	}
	if m.ZombiesReaped, err = meter.Int64Counter("stockdesk.task.zombies",
		metric.WithDescription("Running tasks failed by the zombie sweep"),
	); err != nil {
		return nil, err
	}
	if m.LLMTokens, err = meter.Int64Counter("stockdesk.llm.tokens",
		metric.WithDescription("Estimated LLM tokens by model and kind (prompt, completion)"),
	); err != nil {
		return nil, err
	}
	if m.LLMCost, err = meter.Float64Counter("stockdesk.llm.cost",
		metric.WithDescription("Estimated LLM spend by model"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		panic(err)
	}
	return m
}
