package turnstile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type (
	// EscrowGateway reports the on-chain release status of a stake. It is an
	// external collaborator; the reconciler only reads from it
	EscrowGateway interface {
		Released(ctx context.Context, txHash, chain string) (bool, error)
	}

	// Reconciler periodically compares expected aggregate state, derived
	// from time and the last known ledger state, against actual state, and
	// heals divergence by submitting the missing command through the
	// ordinary orchestrator path. It never writes state directly and holds
	// no special privileges; drift is healed, logged, and never treated as
	// a fault
	Reconciler struct {
		orch     *Orchestrator
		ledger   *Ledger
		escrow   EscrowGateway
		events   time.Duration
		escrowEv time.Duration
		lookback time.Duration
		now      func() time.Time
		log      *zap.Logger
		ctx      context.Context
		cancel   context.CancelFunc
		wg       sync.WaitGroup
	}
)

const reconcilerActor = ID("reconciler")

// NewReconciler creates a Reconciler over the given orchestrator and
// ledger. The escrow gateway may be nil, in which case escrow
// reconciliation is a no-op
func NewReconciler(
	orch *Orchestrator, ledger *Ledger, cfg ReconcileConfig, log *zap.Logger,
) *Reconciler {
	events := cfg.EventInterval
	if events <= 0 {
		events = DefaultEventReconcileInterval
	}
	escrowEv := cfg.EscrowInterval
	if escrowEv <= 0 {
		escrowEv = DefaultEscrowReconcileInterval
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = DefaultReconcileLookback
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		orch:     orch,
		ledger:   ledger,
		escrow:   cfg.Escrow,
		events:   events,
		escrowEv: escrowEv,
		lookback: lookback,
		now:      orch.now,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the fixed-period sweeps
func (r *Reconciler) Start() {
	r.wg.Add(2)
	go r.loop(r.events, r.ReconcileEventStates)
	go r.loop(r.escrowEv, r.ReconcileEscrowStates)
}

// Stop halts the sweeps
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) loop(
	every time.Duration, sweep func(context.Context) (int, error),
) {
	defer r.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if healed, err := sweep(r.ctx); err != nil {
				r.log.Error("reconciliation sweep failed", zap.Error(err))
			} else if healed > 0 {
				r.log.Info("reconciliation healed drift",
					zap.Int("commands_issued", healed),
				)
			}
		}
	}
}

// ReconcileEventStates finds events whose time-derived expected state has
// moved past their persisted state - published events whose start time has
// passed, live events whose end time has passed - and submits the missing
// command. It returns the number of commands issued; a consistent system
// yields zero
func (r *Reconciler) ReconcileEventStates(ctx context.Context) (int, error) {
	ids, err := r.candidateEvents(ctx)
	if err != nil {
		return 0, err
	}

	now := r.now()
	healed := 0
	for _, id := range ids {
		state, _, err := r.orch.EventState(ctx, id)
		if err != nil {
			return healed, err
		}

		switch {
		case state.Status == EventStatusPublished && !now.Before(state.StartAt):
			if r.heal(ctx, CmdStartEvent, StartEventPayload{EventID: id}) {
				healed++
			}
		case state.Status == EventStatusLive && !now.Before(state.EndAt):
			if r.heal(ctx, CmdEndEvent, EndEventPayload{EventID: id}) {
				healed++
			}
		}
	}
	return healed, nil
}

// ReconcileEscrowStates finds staked tickets whose escrow has been released
// on-chain but whose lifecycle state does not yet reflect a refund, and
// submits REFUND_TICKET
func (r *Reconciler) ReconcileEscrowStates(ctx context.Context) (int, error) {
	if r.escrow == nil {
		return 0, nil
	}

	ids, err := r.candidateTickets(ctx)
	if err != nil {
		return 0, err
	}

	healed := 0
	for _, id := range ids {
		state, _, err := r.orch.TicketState(ctx, id)
		if err != nil {
			return healed, err
		}
		if state.Stake == nil {
			continue
		}
		if state.Status != TicketStatusForfeited &&
			state.Status != TicketStatusRejected {
			continue
		}

		released, err := r.escrow.Released(
			ctx, state.Stake.TxHash, state.Stake.Chain,
		)
		if err != nil {
			return healed, err
		}
		if !released {
			continue
		}

		if r.heal(ctx, CmdRefundTicket, RefundTicketPayload{TicketID: id}) {
			healed++
		}
	}
	return healed, nil
}

// heal issues a corrective command as a cron actor. Rejections are expected
// outcomes of racing with live traffic, never faults
func (r *Reconciler) heal(
	ctx context.Context, name CommandName, payload any,
) bool {
	cmd, err := NewCommand(name, payload, Actor{
		Type: ActorCron,
		ID:   reconcilerActor,
	})
	if err != nil {
		r.log.Error("failed to build corrective command", zap.Error(err))
		return false
	}

	if _, err := r.orch.Submit(ctx, cmd); err != nil {
		if rej, ok := AsRejection(err); ok {
			r.log.Debug("corrective command rejected",
				zap.String("command", string(name)),
				zap.String("reason", string(rej.Reason)),
			)
			return false
		}
		r.log.Warn("corrective command failed",
			zap.String("command", string(name)),
			zap.Error(err),
		)
		return false
	}

	r.log.Info("drift healed",
		zap.String("command", string(name)),
	)
	return true
}

// candidateEvents collects aggregates that could have drifted: anything
// published or started within the lookback window
func (r *Reconciler) candidateEvents(ctx context.Context) ([]ID, error) {
	since := r.now().Add(-r.lookback)
	seen := map[ID]bool{}
	var ids []ID

	collect := func(env *Envelope) error {
		if !seen[env.AggregateID] {
			seen[env.AggregateID] = true
			ids = append(ids, env.AggregateID)
		}
		return nil
	}

	for _, et := range []EventType{EventPublished, EventStarted} {
		if err := r.ledger.GetByType(ctx, et, since, collect); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (r *Reconciler) candidateTickets(ctx context.Context) ([]ID, error) {
	since := r.now().Add(-r.lookback)
	seen := map[ID]bool{}
	var ids []ID

	collect := func(env *Envelope) error {
		if !seen[env.AggregateID] {
			seen[env.AggregateID] = true
			ids = append(ids, env.AggregateID)
		}
		return nil
	}

	if err := r.ledger.GetByType(ctx, TicketStaked, since, collect); err != nil {
		return nil, err
	}
	return ids, nil
}
