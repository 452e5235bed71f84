// Package turnstile implements an event-sourced lifecycle core for events
// and the tickets held against them, backed by Redis or Valkey. It couples
// an append-only event ledger, pure lifecycle state machines, an
// optimistically concurrent command orchestrator, durable one-shot
// transition timers, and a reconciliation sweep into a single library that
// can be embedded into services.
//
// Typical usage looks like:
//   - Create a Turnstile with configuration
//   - Submit Commands, which the Orchestrator turns into ledger appends
//   - Register Handlers on the Dispatcher to react to committed envelopes
//   - Let the Scheduler fire time-gated transitions at their deadlines
//   - Let the Reconciler heal drift through the ordinary command path
//
// The examples/ directory contains a runnable event lifecycle that exercises
// the API in a small domain.
package turnstile
