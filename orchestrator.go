package turnstile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// SubmitFunc is the command intake shared by the scheduler, the
	// reconciler, and reactive handlers
	SubmitFunc func(context.Context, *Command) ([]*Envelope, error)

	// Orchestrator translates commands into ledger appends. It loads the
	// target aggregate, asks the matching state machine to decide, appends
	// the result at the expected version, and hands committed envelopes to
	// the dispatcher and the scheduler. Conflicting appends are retried
	// against fresh state up to a bounded count
	Orchestrator struct {
		ledger     *Ledger
		events     *EventMachine
		tickets    *TicketMachine
		dispatcher *Dispatcher
		scheduler  *Scheduler
		cache      *snapshotCache
		maxRetries int
		now        func() time.Time
		log        *zap.Logger
	}
)

// NewOrchestrator creates an Orchestrator over the given ledger. The
// dispatcher and scheduler may be nil, in which case committed envelopes are
// not published or evaluated for transitions to arm
func NewOrchestrator(
	ledger *Ledger, dispatcher *Dispatcher, scheduler *Scheduler,
	cfg Config, log *zap.Logger,
) *Orchestrator {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		ledger:     ledger,
		events:     NewEventMachine(now),
		tickets:    NewTicketMachine(),
		dispatcher: dispatcher,
		scheduler:  scheduler,
		cache:      newSnapshotCache(cfg.CacheSize),
		maxRetries: maxRetries,
		now:        now,
		log:        log,
	}
}

// Submit runs a command through its state machine and appends the resulting
// envelopes. It returns the committed envelopes, a *Rejection when the
// machine refuses the command, or ErrMaxRetriesExceeded when the bounded
// conflict retry budget is exhausted. A command with no correlation id is
// assigned a fresh one
func (o *Orchestrator) Submit(
	ctx context.Context, cmd *Command,
) ([]*Envelope, error) {
	at, id, err := cmd.Target()
	if err != nil {
		return nil, err
	}

	c := *cmd
	if c.CorrelationID == "" {
		c.CorrelationID = ID(uuid.NewString())
	}

	switch at {
	case AggregateEvent:
		return submit(ctx, o, o.events, &c, id)
	case AggregateTicket:
		return submit(ctx, o, o.tickets, &c, id)
	}
	return nil, ErrUnknownCommand
}

// Ledger returns the ledger this orchestrator appends to
func (o *Orchestrator) Ledger() *Ledger {
	return o.ledger
}

// EventState folds the current state of an event aggregate from the ledger
func (o *Orchestrator) EventState(
	ctx context.Context, id ID,
) (*EventState, int64, error) {
	return loadState(ctx, o, o.events, id)
}

// TicketState folds the current state of a ticket aggregate from the ledger
func (o *Orchestrator) TicketState(
	ctx context.Context, id ID,
) (*TicketState, int64, error) {
	return loadState(ctx, o, o.tickets, id)
}

func submit[S any](
	ctx context.Context, o *Orchestrator, m Machine[S], cmd *Command, id ID,
) ([]*Envelope, error) {
	for range o.maxRetries {
		state, version, err := loadState(ctx, o, m, id)
		if err != nil {
			return nil, err
		}

		proposed, err := m.Decide(state, cmd)
		if err != nil {
			return nil, err
		}
		if len(proposed) == 0 {
			return nil, nil
		}

		envs, err := o.seal(m.AggregateType(), id, proposed, cmd)
		if err != nil {
			return nil, err
		}

		committed, err := o.ledger.Append(
			ctx, m.AggregateType(), id, version, envs,
		)
		if err == nil {
			commitCache(o, m, id, state, version, committed)
			o.afterCommit(committed)
			return committed, nil
		}

		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}

		o.log.Debug("append conflict, retrying",
			zap.String("aggregate_type", string(m.AggregateType())),
			zap.String("aggregate_id", string(id)),
			zap.Int64("expected_version", conflict.ExpectedVersion),
			zap.Int64("actual_version", conflict.ActualVersion),
		)
		advanceCache(o, m, id, conflict)
	}
	return nil, ErrMaxRetriesExceeded
}

// loadState returns the aggregate's folded state, preferring the advisory
// snapshot cache over a full ledger replay
func loadState[S any](
	ctx context.Context, o *Orchestrator, m Machine[S], id ID,
) (S, int64, error) {
	entry := o.cache.Get(cacheKey(m.AggregateType(), id))
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.value == nil {
		var zero S
		envs, err := o.ledger.Load(ctx, m.AggregateType(), id)
		if err != nil {
			return zero, 0, err
		}
		state, version := Fold(m, envs)
		entry.value = &snapshot{state: state, version: version}
	}
	return entry.value.state.(S), entry.value.version, nil
}

// commitCache folds freshly committed envelopes onto the state they were
// decided against and advances the snapshot if it is still behind
func commitCache[S any](
	o *Orchestrator, m Machine[S], id ID,
	state S, version int64, committed []*Envelope,
) {
	apps := m.Appliers()
	next := state
	for _, env := range committed {
		if apply, ok := apps[env.Type]; ok {
			next = apply(next, env)
		}
		version = env.Version
	}

	entry := o.cache.Get(cacheKey(m.AggregateType(), id))
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.value == nil || version > entry.value.version {
		entry.value = &snapshot{state: next, version: version}
	}
}

// advanceCache applies the envelopes a losing append learned about from the
// conflict, or invalidates the snapshot when they cannot be lined up
func advanceCache[S any](
	o *Orchestrator, m Machine[S], id ID, conflict *ConflictError,
) {
	entry := o.cache.Get(cacheKey(m.AggregateType(), id))
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.value == nil {
		return
	}
	envs := conflict.NewEnvelopes
	if len(envs) == 0 || envs[0].Version != entry.value.version+1 {
		entry.value = nil
		return
	}

	apps := m.Appliers()
	state := entry.value.state.(S)
	version := entry.value.version
	for _, env := range envs {
		if apply, ok := apps[env.Type]; ok {
			state = apply(state, env)
		}
		version = env.Version
	}
	entry.value = &snapshot{state: state, version: version}
}

func (o *Orchestrator) seal(
	at AggregateType, id ID, proposed []Proposed, cmd *Command,
) ([]*Envelope, error) {
	now := o.now()
	envs := make([]*Envelope, 0, len(proposed))
	for _, p := range proposed {
		data, err := json.Marshal(p.Data)
		if err != nil {
			return nil, err
		}
		envs = append(envs, &Envelope{
			ID:            ID(uuid.NewString()),
			AggregateType: at,
			AggregateID:   id,
			Type:          p.Type,
			Data:          data,
			Meta: Meta{
				OccurredAt:    now,
				Actor:         cmd.Actor,
				CorrelationID: cmd.CorrelationID,
				CausationID:   cmd.CausationID,
			},
		})
	}
	return envs, nil
}

// afterCommit hands committed envelopes to the scheduler and dispatcher.
// Scheduler reactions are synchronous bookkeeping; publication never blocks
// on handler completion
func (o *Orchestrator) afterCommit(committed []*Envelope) {
	if o.scheduler != nil {
		for _, env := range committed {
			o.scheduler.React(env)
		}
	}
	if o.dispatcher != nil {
		o.dispatcher.Publish(committed...)
	}
}

func cacheKey(at AggregateType, id ID) string {
	return string(at) + ":" + string(id)
}
