package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass categorizes provider errors for failover decisions.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnavailable     ErrorClass = "UNAVAILABLE"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

var classPatterns = []struct {
	class    ErrorClass
	patterns []string
}{
	{ErrorClassAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key", "api key not valid"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests", "resource_exhausted"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds", "credit balance"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "token limit", "max tokens", "maximum context", "context window", "prompt is too long"}},
	{ErrorClassUnavailable, []string{"500", "502", "503", "504", "overloaded", "unavailable", "connection refused", "connection reset"}},
}

// ClassifyError inspects err for known provider failure patterns.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, c := range classPatterns {
		for _, p := range c.patterns {
			if strings.Contains(msg, p) {
				return c.class
			}
		}
	}
	return ErrorClassUnknown
}

// Portable reports whether trying another provider can help. A prompt that
// overflows one context window overflows them all.
func (c ErrorClass) Portable() bool {
	return c != ErrorClassContextOverflow
}
