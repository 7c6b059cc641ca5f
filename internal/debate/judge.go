package debate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/stockdesk/internal/otel"
)

var errNoVerdict = errors.New("judge produced no verdict")

// runJudge drives a judge through a bounded tool loop. maxCalls counts
// model calls: calls before the last offer tools, the last one does not and
// carries a nudge to conclude. It returns the judge's text and the number
// of model calls made; a non-nil *ParticipantError means the text is a
// fallback.
func (m *Machine) runJudge(ctx context.Context, role Role, model Model, toolkit Toolkit, prompt string, maxCalls int) (string, int, error) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "debate.judge", otel.AttrRole.String(string(role)))
	defer span.End()

	if maxCalls < 1 {
		maxCalls = DefaultMaxToolIterations
	}
	msgs := []Message{{Role: MessageUser, Content: prompt}}
	specs := toolkit.Specs()
	verdict := ""
	calls := 0

	for calls < maxCalls {
		if err := ctx.Err(); err != nil {
			return "", calls, err
		}
		calls++
		req := Request{Role: role, System: systemPrompt(role), Messages: msgs}
		final := calls == maxCalls
		if final {
			req.Messages = append(append([]Message(nil), msgs...), Message{Role: MessageUser, Content: finalCallNudge})
		} else {
			req.Tools = specs
		}

		reply, err := m.generate(ctx, model, req)
		if err != nil {
			if ctx.Err() != nil {
				return "", calls, ctx.Err()
			}
			span.SetAttributes(otel.AttrIterations.Int(calls))
			return "", calls, &ParticipantError{Role: role, Err: err}
		}
		if text := strings.TrimSpace(reply.Text); text != "" {
			verdict = text
		}
		if len(reply.ToolCalls) == 0 || final {
			break
		}

		msgs = append(msgs, Message{Role: MessageAssistant, Content: reply.Text, ToolCalls: reply.ToolCalls})
		for _, call := range reply.ToolCalls {
			msgs = append(msgs, Message{
				Role:       MessageTool,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    m.callTool(ctx, toolkit, call),
			})
		}
	}

	span.SetAttributes(otel.AttrIterations.Int(calls))
	m.metrics.JudgeIterations.Record(ctx, int64(calls), metric.WithAttributes(attribute.String("role", string(role))))
	if verdict == "" {
		return "", calls, &ParticipantError{Role: role, Err: errNoVerdict}
	}
	return verdict, calls, nil
}

// callTool runs one tool call; failures become the tool's text result so
// the judge can react to them.
func (m *Machine) callTool(ctx context.Context, toolkit Toolkit, call ToolCall) string {
	start := time.Now()
	out, err := toolkit.Call(ctx, call.Name, call.Args)
	attrs := metric.WithAttributes(attribute.String("tool", call.Name))
	m.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		m.metrics.ToolCallErrors.Add(ctx, 1, attrs)
		m.logger.Warn("judge tool call failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("error: %v", err)
	}
	return out
}
