package turnstile

import (
	"errors"
	"fmt"
)

type (
	// RejectReason classifies why a state machine refused a command
	RejectReason string

	// Rejection is a business outcome, not a fault. It is returned to the
	// caller and never retried by the orchestrator. A rejection caused by
	// redundant at-least-once delivery is benign
	Rejection struct {
		Reason  RejectReason `json:"reason"`
		Command CommandName  `json:"command"`
		Details string       `json:"details,omitempty"`
	}

	// ConflictError reports that an append raced another command on the same
	// aggregate and lost. NewEnvelopes carries the envelopes committed since
	// the expected version so the caller can re-decide without a reload
	ConflictError struct {
		AggregateType   AggregateType
		AggregateID     ID
		ExpectedVersion int64
		ActualVersion   int64
		NewEnvelopes    []*Envelope
	}
)

const (
	// ReasonInvalidTransition - command not valid from the current state
	ReasonInvalidTransition RejectReason = "invalid-transition"

	// ReasonStaleCommand - a time-gated precondition does not yet hold
	ReasonStaleCommand RejectReason = "stale-command"

	// ReasonUnauthorizedActor - actor type lacks permission for the transition
	ReasonUnauthorizedActor RejectReason = "unauthorized-actor"
)

var (
	// ErrMaxRetriesExceeded indicates the orchestrator exhausted its bounded
	// conflict retry budget; the failure is retryable by the caller
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	ErrUnexpectedLuaResult = errors.New("unexpected result from Lua script")
)

func (r *Rejection) Error() string {
	if r.Details == "" {
		return fmt.Sprintf("%s rejected: %s", r.Command, r.Reason)
	}
	return fmt.Sprintf("%s rejected: %s (%s)", r.Command, r.Reason, r.Details)
}

// AsRejection unwraps a Rejection from an error chain
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// IsRejected reports whether an error is a Rejection with the given reason
func IsRejected(err error, reason RejectReason) bool {
	if rej, ok := AsRejection(err); ok {
		return rej.Reason == reason
	}
	return false
}

func rejectInvalid(c *Command, details string) error {
	return &Rejection{
		Reason:  ReasonInvalidTransition,
		Command: c.Name,
		Details: details,
	}
}

func rejectStale(c *Command, details string) error {
	return &Rejection{
		Reason:  ReasonStaleCommand,
		Command: c.Name,
		Details: details,
	}
}

func rejectUnauthorized(c *Command, details string) error {
	return &Rejection{
		Reason:  ReasonUnauthorizedActor,
		Command: c.Name,
		Details: details,
	}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"version conflict on %s/%s: expected version %d, but at %d (%d new envelopes)",
		e.AggregateType, e.AggregateID,
		e.ExpectedVersion, e.ActualVersion, len(e.NewEnvelopes),
	)
}
