package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys.
var (
	AttrTaskID     = attribute.Key("stockdesk.task.id")
	AttrUserID     = attribute.Key("stockdesk.user.id")
	AttrSymbol     = attribute.Key("stockdesk.symbol")
	AttrWorkerID   = attribute.Key("stockdesk.worker.id")
	AttrPhase      = attribute.Key("stockdesk.debate.phase")
	AttrRole       = attribute.Key("stockdesk.debate.role")
	AttrIterations = attribute.Key("stockdesk.judge.iterations")
	AttrModel      = attribute.Key("stockdesk.llm.model")
	AttrToolName   = attribute.Key("stockdesk.tool.name")
)

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound LLM call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err (if any) and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
