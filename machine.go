package turnstile

import "encoding/json"

type (
	// Applier folds one envelope into aggregate state
	Applier[S any] func(S, *Envelope) S

	// Appliers maps event types to their fold functions
	Appliers[S any] map[EventType]Applier[S]

	// Machine is the pure decision contract shared by the lifecycle state
	// machines. Decide inspects the current state and a command and either
	// proposes events or returns a *Rejection. It performs no side effects;
	// this purity is what makes replay and testing tractable
	Machine[S any] interface {
		AggregateType() AggregateType
		Init() S
		Appliers() Appliers[S]
		Decide(S, *Command) ([]Proposed, error)
	}
)

// Fold replays envelopes in version order through a machine's appliers,
// returning the derived state and the version of the last envelope applied
func Fold[S any](m Machine[S], envs []*Envelope) (S, int64) {
	state := m.Init()
	apps := m.Appliers()
	version := int64(0)
	for _, env := range envs {
		if apply, ok := apps[env.Type]; ok {
			state = apply(state, env)
		}
		version = env.Version
	}
	return state, version
}

// MakeApplier adapts a typed fold function by decoding the envelope payload.
// Envelopes whose payloads fail to decode leave the state unchanged
func MakeApplier[S, D any](fn func(S, *Envelope, D) S) Applier[S] {
	return func(val S, env *Envelope) S {
		var data D
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return val
		}
		return fn(val, env, data)
	}
}
