package turnstile

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// ID is an opaque identifier for aggregates, envelopes, and actors
	ID string

	// AggregateType names a lifecycle aggregate family ("event", "ticket")
	AggregateType string

	// EventType names a recorded fact ("event.published")
	EventType string

	// CommandName names an intent from the closed command enumeration
	CommandName string

	// ActorType classifies who or what issued a command
	ActorType string

	// Actor identifies the origin of a command. Actor type gates certain
	// transitions; only system and cron actors may fire time-driven ones
	Actor struct {
		Type ActorType `json:"type"`
		ID   ID        `json:"id"`
	}

	// Meta carries the ordering and causal metadata recorded alongside every
	// envelope. CorrelationID groups everything stemming from one originating
	// trigger; CausationID points at the specific envelope that caused the
	// command which produced this one
	Meta struct {
		OccurredAt    time.Time `json:"occurred_at"`
		Actor         Actor     `json:"actor"`
		CorrelationID ID        `json:"correlation_id,omitempty"`
		CausationID   ID        `json:"causation_id,omitempty"`
	}

	// Envelope is one immutable recorded fact. For a given aggregate,
	// versions start at 1 and are strictly increasing with no gaps. An
	// envelope is never modified after being written
	Envelope struct {
		ID            ID              `json:"id"`
		AggregateType AggregateType   `json:"aggregate_type"`
		AggregateID   ID              `json:"aggregate_id"`
		Version       int64           `json:"version"`
		Type          EventType       `json:"type"`
		Data          json.RawMessage `json:"data"`
		Meta          Meta            `json:"meta"`
	}

	// Command is an intent to change the state of exactly one aggregate,
	// named by the id embedded in its payload
	Command struct {
		Name          CommandName     `json:"name"`
		Payload       json.RawMessage `json:"payload"`
		Actor         Actor           `json:"actor"`
		CorrelationID ID              `json:"correlation_id,omitempty"`
		CausationID   ID              `json:"causation_id,omitempty"`
	}

	// Proposed is an event raised by a state machine before it has been
	// committed to the ledger and assigned a version
	Proposed struct {
		Type EventType
		Data any
	}
)

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorCron   ActorType = "cron"
)

// Automated returns whether the actor is a system or cron actor
func (a Actor) Automated() bool {
	return a.Type == ActorSystem || a.Type == ActorCron
}

// Ref formats the aggregate reference of an envelope ("event/E1")
func (e *Envelope) Ref() string {
	return fmt.Sprintf("%s/%s", e.AggregateType, e.AggregateID)
}

// Unmarshal decodes the envelope's data payload into target
func (e *Envelope) Unmarshal(target any) error {
	return json.Unmarshal(e.Data, target)
}
