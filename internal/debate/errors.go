package debate

import (
	"errors"
	"fmt"
)

// ErrNoReports is wrapped by UpstreamAnalysisError when the analyst stage
// returned nothing usable.
var ErrNoReports = errors.New("analyst stage produced no reports")

// ErrUnknownTool is returned by toolkits for names they do not serve.
var ErrUnknownTool = errors.New("unknown tool")

// ParticipantError is a single failed debate or judge turn. The machine
// absorbs it into a fallback response; it never reaches the caller.
type ParticipantError struct {
	Role Role
	Err  error
}

func (e *ParticipantError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Role, e.Err)
}

func (e *ParticipantError) Unwrap() error { return e.Err }

// UpstreamAnalysisError fails the whole task: without reports there is
// nothing to debate.
type UpstreamAnalysisError struct {
	Symbol string
	Err    error
}

func (e *UpstreamAnalysisError) Error() string {
	return fmt.Sprintf("analysis for %s failed: %v", e.Symbol, e.Err)
}

func (e *UpstreamAnalysisError) Unwrap() error { return e.Err }

// fallbackText is recorded in place of a failed turn.
func fallbackText(err *ParticipantError) string {
	return fmt.Sprintf("HOLD/observe - %s", err.Error())
}
