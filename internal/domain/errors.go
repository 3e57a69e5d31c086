package domain

import "fmt"

// ValidationError marks malformed input. Non-retryable; the caller must
// correct the request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PolicyViolation is a correct terminal outcome of a gate (risk reject,
// compliance block), never retried.
type PolicyViolation struct {
	Gate   string
	Reason string
}

func (e PolicyViolation) Error() string {
	return fmt.Sprintf("%s policy violation: %s", e.Gate, e.Reason)
}

// TransientError marks an unreachable or timed-out dependency. Retried
// internally up to the budget, then escalated to a Failed terminal.
type TransientError struct {
	Dependency string
	Err        error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e TransientError) Unwrap() error { return e.Err }

// InvalidStateError rejects an action that the operation's current stage
// does not permit.
type InvalidStateError struct {
	Stage  Stage
	Action string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s in stage %s", e.Action, e.Stage)
}
