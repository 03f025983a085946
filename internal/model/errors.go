package model

import (
	"errors"
	"fmt"
)

// Pipeline error kinds. All of them are recoverable by the caller, either by
// retrying the same inbound message or by operator action.
var (
	ErrAgentNotConfigured      = errors.New("agent not configured")
	ErrAgentInvocationFailed   = errors.New("agent invocation failed")
	ErrSessionWriteConflict    = errors.New("session write conflict")
	ErrEscalationTargetMissing = errors.New("escalation target missing")
)

// Supporting errors.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidRule          = errors.New("invalid escalation rule")
	ErrSessionTerminated    = errors.New("session terminated")
	ErrDuplicateActiveAgent = errors.New("another active agent already has this type")
)

// PipelineError wraps an error kind with the operation that produced it.
type PipelineError struct {
	Op     string // e.g. "dispatcher.ProcessLead"
	Err    error
	Detail string
}

func (e *PipelineError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError creates a PipelineError.
func NewPipelineError(op string, err error, detail string) *PipelineError {
	return &PipelineError{Op: op, Err: err, Detail: detail}
}

// IsRetryable reports whether the same inbound message may be resubmitted.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAgentInvocationFailed) || errors.Is(err, ErrSessionWriteConflict)
}

// ErrorCode maps an error to a stable code for operators and API clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAgentNotConfigured):
		return "agent_not_configured"
	case errors.Is(err, ErrAgentInvocationFailed):
		return "agent_invocation_failed"
	case errors.Is(err, ErrSessionWriteConflict):
		return "session_write_conflict"
	case errors.Is(err, ErrEscalationTargetMissing):
		return "escalation_target_missing"
	case errors.Is(err, ErrSessionTerminated):
		return "session_terminated"
	case errors.Is(err, ErrDuplicateActiveAgent):
		return "duplicate_active_agent"
	case errors.Is(err, ErrInvalidRule):
		return "invalid_rule"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
