package turnstile

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

type (
	// Turnstile wires the lifecycle core together: the ledger, the
	// orchestrator, the transition scheduler, the consumer dispatcher, and
	// the reconciler
	Turnstile struct {
		config     Config
		ledger     *Ledger
		orch       *Orchestrator
		scheduler  *Scheduler
		dispatcher *Dispatcher
		reconciler *Reconciler
		log        *zap.Logger
		ctx        context.Context
		cancel     context.CancelFunc
	}
)

// ErrNotTerminal indicates an attempt to hibernate an aggregate that can
// still accept transitions
var ErrNotTerminal = errors.New("aggregate is not in a terminal state")

// New creates a Turnstile, connects the ledger, opens the transition
// registry, and starts the dispatcher, scheduler, and reconciler
func New(cfg Config) (*Turnstile, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	ledger, err := NewLedger(ctx, cfg.Ledger, log.Named("ledger"))
	if err != nil {
		cancel()
		return nil, err
	}

	scheduler, err := NewScheduler(cfg.Scheduler, log.Named("scheduler"))
	if err != nil {
		cancel()
		_ = ledger.Close()
		return nil, err
	}

	dispatcher := NewDispatcher(cfg.Dispatch, log.Named("dispatch"))
	orch := NewOrchestrator(
		ledger, dispatcher, scheduler, cfg, log.Named("orchestrator"),
	)

	dispatcher.Start()
	if err := scheduler.Start(orch.Submit); err != nil {
		cancel()
		_ = scheduler.Stop()
		_ = ledger.Close()
		return nil, err
	}

	reconciler := NewReconciler(
		orch, ledger, cfg.Reconcile, log.Named("reconcile"),
	)
	reconciler.Start()

	return &Turnstile{
		config:     cfg,
		ledger:     ledger,
		orch:       orch,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		reconciler: reconciler,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Submit is the command intake; see Orchestrator.Submit
func (t *Turnstile) Submit(
	ctx context.Context, cmd *Command,
) ([]*Envelope, error) {
	return t.orch.Submit(ctx, cmd)
}

// Ledger returns the event ledger
func (t *Turnstile) Ledger() *Ledger {
	return t.ledger
}

// Orchestrator returns the command orchestrator
func (t *Turnstile) Orchestrator() *Orchestrator {
	return t.orch
}

// Scheduler returns the transition scheduler
func (t *Turnstile) Scheduler() *Scheduler {
	return t.scheduler
}

// Dispatcher returns the consumer dispatcher
func (t *Turnstile) Dispatcher() *Dispatcher {
	return t.dispatcher
}

// Reconciler returns the reconciliation engine
func (t *Turnstile) Reconciler() *Reconciler {
	return t.reconciler
}

// UseHibernator attaches cold storage for terminal aggregates
func (t *Turnstile) UseHibernator(h Hibernator) {
	t.ledger.UseHibernator(h)
}

// Hibernate moves a terminal aggregate's envelope history to cold storage.
// Aggregates that can still accept transitions are refused
func (t *Turnstile) Hibernate(
	ctx context.Context, at AggregateType, id ID,
) error {
	switch at {
	case AggregateEvent:
		state, _, err := t.orch.EventState(ctx, id)
		if err != nil {
			return err
		}
		if !state.Terminal() {
			return ErrNotTerminal
		}
	case AggregateTicket:
		state, _, err := t.orch.TicketState(ctx, id)
		if err != nil {
			return err
		}
		if !state.Terminal() {
			return ErrNotTerminal
		}
	}
	return t.ledger.Hibernate(ctx, at, id)
}

// Close gracefully shuts down the Turnstile
func (t *Turnstile) Close() error {
	t.cancel()
	t.reconciler.Stop()
	t.dispatcher.Stop()
	err := t.scheduler.Stop()
	if cerr := t.ledger.Close(); err == nil {
		err = cerr
	}
	return err
}
