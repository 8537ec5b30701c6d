package machine

// Transition error codes.
const (
	// CodeInvalidTransition indicates no transition exists for the
	// (state, event) pair, or the instance is already in a terminal state.
	CodeInvalidTransition = "INVALID_TRANSITION"

	// CodeGuardRejected indicates a guard predicate vetoed the transition.
	CodeGuardRejected = "GUARD_REJECTED"
)

// TransitionError is returned when a transition cannot be applied.
type TransitionError struct {
	// Code is a machine-readable error code (CodeInvalidTransition or
	// CodeGuardRejected).
	Code string

	// Message is the human-readable error description.
	Message string

	// From is the state the instance was in when the event arrived.
	From string

	// Event is the event that could not be applied.
	Event string

	// Cause is the underlying guard or entry action error, if any.
	Cause error
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for error wrapping support.
func (e *TransitionError) Unwrap() error {
	return e.Cause
}

// IsInvalidTransition reports whether err is a TransitionError with code
// CodeInvalidTransition.
func IsInvalidTransition(err error) bool {
	te, ok := err.(*TransitionError)
	return ok && te.Code == CodeInvalidTransition
}

// IsGuardRejected reports whether err is a TransitionError with code
// CodeGuardRejected.
func IsGuardRejected(err error) bool {
	te, ok := err.(*TransitionError)
	return ok && te.Code == CodeGuardRejected
}
