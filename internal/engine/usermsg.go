package engine

import (
	"context"
	"errors"

	"github.com/basket/stockdesk/internal/debate"
	"github.com/basket/stockdesk/internal/lock"
	"github.com/basket/stockdesk/internal/queue"
	"github.com/basket/stockdesk/internal/shared"
)

// Messages stored as a task's error_message.
const (
	msgQueueFull = "rejected: queue full"
	msgTimeout   = "timeout: task exceeded its run budget"
	msgCancelled = "cancelled"
	msgInternal  = "internal error"
	msgBusy      = "internal error: resource busy"
)

// userMessage maps err to the single string a user sees. Store and lock
// internals never leak; analysis failures keep their cause, redacted.
func userMessage(err error) string {
	var upstream *debate.UpstreamAnalysisError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, queue.ErrQueueFull):
		return msgQueueFull
	case errors.Is(err, context.DeadlineExceeded):
		return msgTimeout
	case errors.Is(err, context.Canceled):
		return msgCancelled
	case errors.As(err, &upstream):
		return shared.Redact(upstream.Error())
	case errors.Is(err, lock.ErrLockContention):
		return msgBusy
	default:
		return msgInternal
	}
}
