package turnstile

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

type (
	// TransitionStatus is the lifecycle of a scheduled transition
	TransitionStatus string

	// Transition is a durable record of a command to deliver at a future
	// time. Cancellation is logical; a cancelled-but-already-fired race is
	// resolved by the late command being rejected as invalid-transition
	Transition struct {
		AggregateType AggregateType    `json:"aggregate_type"`
		AggregateID   ID               `json:"aggregate_id"`
		Command       *Command         `json:"command"`
		FireAt        time.Time        `json:"fire_at"`
		Status        TransitionStatus `json:"status"`
	}

	// Scheduler converts "transition X at time T" into a future command
	// delivered through the orchestrator at approximately T. Each armed
	// transition registers a single durable timer; a redundant periodic
	// sweep re-fires anything a timer missed, so delivery is at-least-once
	// and the target commands must be idempotent
	Scheduler struct {
		db         *bbolt.DB
		submit     SubmitFunc
		now        func() time.Time
		sweepEvery time.Duration
		log        *zap.Logger
		mu         sync.Mutex
		timers     map[string]*time.Timer
		ctx        context.Context
		cancel     context.CancelFunc
		wg         sync.WaitGroup
		started    bool
	}
)

const (
	TransitionArmed     TransitionStatus = "armed"
	TransitionFired     TransitionStatus = "fired"
	TransitionCancelled TransitionStatus = "cancelled"
)

const transitionKeySep = "\x00"

var transitionsBucket = []byte("transitions")

// NewScheduler opens the durable transition registry. Timers do not run
// until Start is called with a command intake
func NewScheduler(cfg SchedulerConfig, log *zap.Logger) (*Scheduler, error) {
	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transitionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	sweepEvery := cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:         db,
		now:        time.Now,
		sweepEvery: sweepEvery,
		log:        log,
		timers:     map[string]*time.Timer{},
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start binds the command intake, re-arms timers for every armed record in
// the registry, and begins the redundancy sweep
func (s *Scheduler) Start(submit SubmitFunc) error {
	s.mu.Lock()
	s.submit = submit
	s.started = true
	s.mu.Unlock()

	records, err := s.all()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Status == TransitionArmed {
			s.scheduleTimer(rec)
		}
	}

	s.wg.Add(1)
	go s.sweepLoop()
	return nil
}

// Stop halts timers and the sweep and closes the registry
func (s *Scheduler) Stop() error {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
	s.started = false
	s.mu.Unlock()

	return s.db.Close()
}

// Arm registers a durable transition that delivers cmd at fireAt. Arming an
// already-registered transition kind replaces its record and timer
func (s *Scheduler) Arm(
	at AggregateType, id ID, cmd *Command, fireAt time.Time,
) error {
	rec := &Transition{
		AggregateType: at,
		AggregateID:   id,
		Command:       cmd,
		FireAt:        fireAt,
		Status:        TransitionArmed,
	}
	if err := s.put(rec); err != nil {
		return err
	}

	s.log.Debug("transition armed",
		zap.String("aggregate_type", string(at)),
		zap.String("aggregate_id", string(id)),
		zap.String("command", string(cmd.Name)),
		zap.Time("fire_at", fireAt),
	)
	s.scheduleTimer(rec)
	return nil
}

// Cancel marks an armed transition cancelled and reports whether one was
// armed. The record is retained for audit; only its status changes
func (s *Scheduler) Cancel(
	at AggregateType, id ID, name CommandName,
) (bool, error) {
	cancelled := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transitionsBucket)
		key := transitionKey(at, id, name)
		rec, err := decodeTransition(b.Get(key))
		if err != nil || rec == nil {
			return err
		}
		if rec.Status != TransitionArmed {
			return nil
		}
		rec.Status = TransitionCancelled
		cancelled = true
		return putTransition(b, key, rec)
	})
	if err != nil {
		return false, err
	}

	if cancelled {
		s.stopTimer(string(transitionKey(at, id, name)))
	}
	return cancelled, nil
}

// CancelAll cancels every armed transition for an aggregate
func (s *Scheduler) CancelAll(at AggregateType, id ID) error {
	names, err := s.armedNames(at, id)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := s.Cancel(at, id, name); err != nil {
			return err
		}
	}
	return nil
}

// Transitions returns the registered transitions for an aggregate
func (s *Scheduler) Transitions(
	at AggregateType, id ID,
) ([]*Transition, error) {
	var recs []*Transition
	prefix := []byte(string(at) + transitionKeySep + string(id) +
		transitionKeySep)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(transitionsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rec, err := decodeTransition(v)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// React arms and cancels transitions in response to a committed envelope.
// Publishing arms the start-time transition, starting arms the end-time
// transition, rescheduling re-arms with the new times, and terminal events
// cancel whatever is still armed. Registry failures are logged, not
// surfaced; the reconciliation sweep heals any transition lost here
func (s *Scheduler) React(env *Envelope) {
	var err error
	switch env.Type {
	case EventPublished:
		var d EventPublishedData
		if err = env.Unmarshal(&d); err == nil {
			err = s.armEventCommand(env, CmdStartEvent,
				StartEventPayload{EventID: env.AggregateID}, d.StartAt)
		}
	case EventStarted:
		var d EventStartedData
		if err = env.Unmarshal(&d); err == nil {
			// The start transition is superseded whether the scheduler or
			// the reconciler delivered it
			_, _ = s.Cancel(env.AggregateType, env.AggregateID, CmdStartEvent)
			err = s.armEventCommand(env, CmdEndEvent,
				EndEventPayload{EventID: env.AggregateID}, d.EndAt)
		}
	case EventRescheduled:
		err = s.reschedule(env)
	case EventEnded, EventCancelled:
		err = s.CancelAll(env.AggregateType, env.AggregateID)
	}

	if err != nil {
		s.log.Error("scheduler reaction failed",
			zap.String("event_type", string(env.Type)),
			zap.String("aggregate", env.Ref()),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) reschedule(env *Envelope) error {
	var d EventRescheduledData
	if err := env.Unmarshal(&d); err != nil {
		return err
	}

	hadStart, err := s.Cancel(env.AggregateType, env.AggregateID, CmdStartEvent)
	if err != nil {
		return err
	}
	if hadStart {
		return s.armEventCommand(env, CmdStartEvent,
			StartEventPayload{EventID: env.AggregateID}, d.StartAt)
	}
	return nil
}

// armEventCommand arms a system command caused by the given envelope,
// carrying its correlation id forward
func (s *Scheduler) armEventCommand(
	env *Envelope, name CommandName, payload any, fireAt time.Time,
) error {
	cmd, err := NewCommand(name, payload, Actor{
		Type: ActorSystem,
		ID:   "scheduler",
	})
	if err != nil {
		return err
	}
	cmd.CorrelationID = env.Meta.CorrelationID
	cmd.CausationID = env.ID
	return s.Arm(env.AggregateType, env.AggregateID, cmd, fireAt)
}

func (s *Scheduler) scheduleTimer(rec *Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}

	key := string(transitionKey(
		rec.AggregateType, rec.AggregateID, rec.Command.Name,
	))
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
	}

	delay := rec.FireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.fire([]byte(key))
	})
}

func (s *Scheduler) stopTimer(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
	}
}

// fire delivers an armed transition's command. Success and benign
// invalid-transition rejections mark the record fired; stale rejections and
// delivery failures leave it armed for the sweep to retry
func (s *Scheduler) fire(key []byte) {
	if s.ctx.Err() != nil {
		return
	}

	rec, err := s.get(key)
	if err != nil || rec == nil || rec.Status != TransitionArmed {
		return
	}

	_, err = s.submit(s.ctx, rec.Command)
	switch {
	case err == nil:
	case IsRejected(err, ReasonInvalidTransition):
		// Redundant delivery against an aggregate that already moved on
		s.log.Debug("late transition ignored",
			zap.String("command", string(rec.Command.Name)),
			zap.String("aggregate_id", string(rec.AggregateID)),
		)
	case IsRejected(err, ReasonStaleCommand):
		return
	default:
		s.log.Warn("transition delivery failed",
			zap.String("command", string(rec.Command.Name)),
			zap.String("aggregate_id", string(rec.AggregateID)),
			zap.Error(err),
		)
		return
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transitionsBucket)
		rec, err := decodeTransition(b.Get(key))
		if err != nil || rec == nil || rec.Status != TransitionArmed {
			return err
		}
		rec.Status = TransitionFired
		return putTransition(b, key, rec)
	})
	if err != nil {
		s.log.Error("failed to mark transition fired", zap.Error(err))
	}
}

// sweepLoop is the legacy periodic redundancy layer: anything armed and
// overdue is fired even if its in-process timer was lost
func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Scheduler) sweep() {
	records, err := s.all()
	if err != nil {
		s.log.Error("transition sweep failed", zap.Error(err))
		return
	}

	now := s.now()
	for _, rec := range records {
		if rec.Status == TransitionArmed && !rec.FireAt.After(now) {
			s.fire(transitionKey(
				rec.AggregateType, rec.AggregateID, rec.Command.Name,
			))
		}
	}
}

func (s *Scheduler) put(rec *Transition) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := transitionKey(
			rec.AggregateType, rec.AggregateID, rec.Command.Name,
		)
		return putTransition(tx.Bucket(transitionsBucket), key, rec)
	})
}

func (s *Scheduler) get(key []byte) (*Transition, error) {
	var rec *Transition
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = decodeTransition(tx.Bucket(transitionsBucket).Get(key))
		return err
	})
	return rec, err
}

func (s *Scheduler) all() ([]*Transition, error) {
	var recs []*Transition
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(transitionsBucket).ForEach(func(_, v []byte) error {
			rec, err := decodeTransition(v)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

func (s *Scheduler) armedNames(
	at AggregateType, id ID,
) ([]CommandName, error) {
	recs, err := s.Transitions(at, id)
	if err != nil {
		return nil, err
	}
	var names []CommandName
	for _, rec := range recs {
		if rec.Status == TransitionArmed {
			names = append(names, rec.Command.Name)
		}
	}
	return names, nil
}

func transitionKey(at AggregateType, id ID, name CommandName) []byte {
	return []byte(string(at) + transitionKeySep + string(id) +
		transitionKeySep + string(name))
}

func putTransition(b *bbolt.Bucket, key []byte, rec *Transition) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func decodeTransition(data []byte) (*Transition, error) {
	if data == nil {
		return nil, nil
	}
	rec := &Transition{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
