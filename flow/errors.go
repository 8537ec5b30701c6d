// Package flow provides a dependency-aware task planner and a workflow
// orchestrator that drives tasks through a guarded state machine, with
// bounded retries, a security guard stack, and checkpoint/resume support.
package flow

import "errors"

// Error codes surfaced by planning and execution.
const (
	// CodeDuplicateID indicates two tasks in one definition share an ID.
	CodeDuplicateID = "DUPLICATE_ID"

	// CodeUnknownDependency indicates a task depends on an ID that is not
	// part of the definition.
	CodeUnknownDependency = "UNKNOWN_DEPENDENCY"

	// CodeCycleDetected indicates the dependency graph contains a cycle.
	CodeCycleDetected = "CYCLE_DETECTED"

	// CodeRetryExhausted indicates an action failed on every attempt the
	// retry policy allowed.
	CodeRetryExhausted = "RETRY_EXHAUSTED"

	// CodeResourceTimeout indicates a task could not acquire its exclusive
	// resources within the configured timeout. Distinct from an action
	// failure for observability.
	CodeResourceTimeout = "RESOURCE_TIMEOUT"

	// CodeRateLimitExceeded indicates a cancellation request was dropped by
	// the rate limiter. Logged distinctly: it signals abuse, not a bug.
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

	// CodeSignatureCollision indicates two distinct guard contexts produced
	// the same signature. Logged distinctly: it signals an internal bug.
	CodeSignatureCollision = "SIGNATURE_COLLISION"

	// CodeExecutionFailed is the top-level code for a failed execution.
	CodeExecutionFailed = "EXECUTION_FAILED"

	// CodeExecutionCancelled is the top-level code for a cancelled
	// execution.
	CodeExecutionCancelled = "EXECUTION_CANCELLED"
)

// ErrExecutionNotFound is returned by Cancel for an unknown execution ID.
var ErrExecutionNotFound = errors.New("execution not found")

// Error is a structured error from planning or execution.
type Error struct {
	// Code is a machine-readable error code.
	Code string

	// Message is the human-readable description. Task-derived fields are
	// sanitized before they reach this string.
	Message string

	// TaskID identifies the task this error concerns, when applicable.
	TaskID string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for error wrapping support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeOf extracts the flow error code from err, or the empty string when
// err is not a *Error.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// RetryExhaustedError wraps the last underlying error once a retry policy
// is exhausted.
type RetryExhaustedError struct {
	// Attempts is the total number of attempts made.
	Attempts int

	// Last is the error returned by the final attempt.
	Last error
}

func (e *RetryExhaustedError) Error() string {
	return CodeRetryExhausted + ": " + e.Last.Error()
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}
