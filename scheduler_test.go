package turnstile_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/kode4food/turnstile"
)

type commandCapture struct {
	mu       sync.Mutex
	commands []*turnstile.Command
	result   error
}

func (c *commandCapture) submit(
	_ context.Context, cmd *turnstile.Command,
) ([]*turnstile.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
	return nil, c.result
}

func (c *commandCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.commands)
}

func (c *commandCapture) last() *turnstile.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.commands) == 0 {
		return nil
	}
	return c.commands[len(c.commands)-1]
}

func newTestScheduler(t *testing.T) *turnstile.Scheduler {
	t.Helper()
	s, err := turnstile.NewScheduler(turnstile.SchedulerConfig{
		Path:          filepath.Join(t.TempDir(), "transitions.db"),
		SweepInterval: 25 * time.Millisecond,
	}, zap.NewNop())
	assert.NoError(t, err)
	return s
}

func transitionStatus(
	t *testing.T, s *turnstile.Scheduler, id turnstile.ID,
	name turnstile.CommandName,
) turnstile.TransitionStatus {
	t.Helper()
	recs, err := s.Transitions(turnstile.AggregateEvent, id)
	assert.NoError(t, err)
	for _, rec := range recs {
		if rec.Command.Name == name {
			return rec.Status
		}
	}
	return ""
}

func startCommand(t *testing.T, id turnstile.ID) *turnstile.Command {
	t.Helper()
	return mkCommand(t, turnstile.CmdStartEvent,
		turnstile.StartEventPayload{EventID: id},
		turnstile.Actor{Type: turnstile.ActorSystem, ID: "scheduler"})
}

func TestArmDelivers(t *testing.T) {
	s := newTestScheduler(t)
	capture := &commandCapture{}
	assert.NoError(t, s.Start(capture.submit))
	defer func() { _ = s.Stop() }()

	err := s.Arm(
		turnstile.AggregateEvent, "E1", startCommand(t, "E1"), time.Now(),
	)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return capture.count() >= 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, turnstile.CmdStartEvent, capture.last().Name)

	assert.Eventually(t, func() bool {
		return transitionStatus(
			t, s, "E1", turnstile.CmdStartEvent,
		) == turnstile.TransitionFired
	}, time.Second, 10*time.Millisecond)
}

func TestCancelPreventsDelivery(t *testing.T) {
	s := newTestScheduler(t)
	capture := &commandCapture{}
	assert.NoError(t, s.Start(capture.submit))
	defer func() { _ = s.Stop() }()

	err := s.Arm(turnstile.AggregateEvent, "E1", startCommand(t, "E1"),
		time.Now().Add(100*time.Millisecond))
	assert.NoError(t, err)

	cancelled, err := s.Cancel(
		turnstile.AggregateEvent, "E1", turnstile.CmdStartEvent,
	)
	assert.NoError(t, err)
	assert.True(t, cancelled)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, capture.count())
	assert.Equal(t, turnstile.TransitionCancelled,
		transitionStatus(t, s, "E1", turnstile.CmdStartEvent))
}

func TestCancelNothingArmed(t *testing.T) {
	s := newTestScheduler(t)
	capture := &commandCapture{}
	assert.NoError(t, s.Start(capture.submit))
	defer func() { _ = s.Stop() }()

	cancelled, err := s.Cancel(
		turnstile.AggregateEvent, "E1", turnstile.CmdStartEvent,
	)
	assert.NoError(t, err)
	assert.False(t, cancelled)
}

func TestRestartRearmsOverdue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transitions.db")

	first, err := turnstile.NewScheduler(turnstile.SchedulerConfig{
		Path: path,
	}, zap.NewNop())
	assert.NoError(t, err)

	// armed but never started; the record outlives the process
	err = first.Arm(
		turnstile.AggregateEvent, "E1", startCommand(t, "E1"), time.Now(),
	)
	assert.NoError(t, err)
	assert.NoError(t, first.Stop())

	second, err := turnstile.NewScheduler(turnstile.SchedulerConfig{
		Path: path,
	}, zap.NewNop())
	assert.NoError(t, err)
	defer func() { _ = second.Stop() }()

	capture := &commandCapture{}
	assert.NoError(t, second.Start(capture.submit))

	assert.Eventually(t, func() bool {
		return capture.count() >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestReactPublishedArmsStart(t *testing.T) {
	s := newTestScheduler(t)
	capture := &commandCapture{}
	assert.NoError(t, s.Start(capture.submit))
	defer func() { _ = s.Stop() }()

	startAt := time.Now().Add(time.Hour)
	env := publishedEnvelope(t, "E1", startAt, startAt.Add(time.Hour))
	s.React(env)

	recs, err := s.Transitions(turnstile.AggregateEvent, "E1")
	assert.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, turnstile.TransitionArmed, recs[0].Status)
	assert.Equal(t, turnstile.CmdStartEvent, recs[0].Command.Name)
	assert.True(t, recs[0].FireAt.Equal(startAt))
	assert.Equal(t, env.Meta.CorrelationID, recs[0].Command.CorrelationID)
	assert.Equal(t, env.ID, recs[0].Command.CausationID)
	assert.Equal(t, turnstile.ActorSystem, recs[0].Command.Actor.Type)
}

func TestReactStartedSwapsTransitions(t *testing.T) {
	s := newTestScheduler(t)
	capture := &commandCapture{}
	assert.NoError(t, s.Start(capture.submit))
	defer func() { _ = s.Stop() }()

	startAt := time.Now().Add(time.Hour)
	endAt := startAt.Add(time.Hour)
	s.React(publishedEnvelope(t, "E1", startAt, endAt))
	s.React(startedEnvelope(t, "E1", endAt))

	assert.Equal(t, turnstile.TransitionCancelled,
		transitionStatus(t, s, "E1", turnstile.CmdStartEvent))
	assert.Equal(t, turnstile.TransitionArmed,
		transitionStatus(t, s, "E1", turnstile.CmdEndEvent))
}

func TestReactRescheduleRearms(t *testing.T) {
	s := newTestScheduler(t)
	capture := &commandCapture{}
	assert.NoError(t, s.Start(capture.submit))
	defer func() { _ = s.Stop() }()

	startAt := time.Now().Add(time.Hour)
	s.React(publishedEnvelope(t, "E1", startAt, startAt.Add(time.Hour)))

	newStart := startAt.Add(2 * time.Hour)
	env := mkEnvelope(t, 3, turnstile.EventRescheduled,
		turnstile.EventRescheduledData{
			EventID: "E1",
			StartAt: newStart,
			EndAt:   newStart.Add(time.Hour),
		})
	s.React(env)

	recs, err := s.Transitions(turnstile.AggregateEvent, "E1")
	assert.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, turnstile.TransitionArmed, recs[0].Status)
	assert.True(t, recs[0].FireAt.Equal(newStart))
}

func TestReactTerminalCancelsAll(t *testing.T) {
	s := newTestScheduler(t)
	capture := &commandCapture{}
	assert.NoError(t, s.Start(capture.submit))
	defer func() { _ = s.Stop() }()

	startAt := time.Now().Add(time.Hour)
	s.React(publishedEnvelope(t, "E1", startAt, startAt.Add(time.Hour)))
	s.React(mkEnvelope(t, 3, turnstile.EventCancelled,
		turnstile.EventCancelledData{EventID: "E1"}))

	assert.Equal(t, turnstile.TransitionCancelled,
		transitionStatus(t, s, "E1", turnstile.CmdStartEvent))
}

func TestLateDeliveryMarkedFired(t *testing.T) {
	s := newTestScheduler(t)
	capture := &commandCapture{
		result: &turnstile.Rejection{
			Reason:  turnstile.ReasonInvalidTransition,
			Command: turnstile.CmdStartEvent,
		},
	}
	assert.NoError(t, s.Start(capture.submit))
	defer func() { _ = s.Stop() }()

	err := s.Arm(
		turnstile.AggregateEvent, "E1", startCommand(t, "E1"), time.Now(),
	)
	assert.NoError(t, err)

	// a late arrival against an aggregate that moved on is benign
	assert.Eventually(t, func() bool {
		return transitionStatus(
			t, s, "E1", turnstile.CmdStartEvent,
		) == turnstile.TransitionFired
	}, time.Second, 10*time.Millisecond)
}

func TestStaleDeliveryStaysArmed(t *testing.T) {
	s := newTestScheduler(t)
	capture := &commandCapture{
		result: &turnstile.Rejection{
			Reason:  turnstile.ReasonStaleCommand,
			Command: turnstile.CmdStartEvent,
		},
	}
	assert.NoError(t, s.Start(capture.submit))
	defer func() { _ = s.Stop() }()

	err := s.Arm(
		turnstile.AggregateEvent, "E1", startCommand(t, "E1"), time.Now(),
	)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return capture.count() >= 1
	}, time.Second, 10*time.Millisecond)

	// the sweep keeps retrying until the gate opens
	assert.Equal(t, turnstile.TransitionArmed,
		transitionStatus(t, s, "E1", turnstile.CmdStartEvent))
}

func publishedEnvelope(
	t *testing.T, id turnstile.ID, startAt, endAt time.Time,
) *turnstile.Envelope {
	t.Helper()
	env := mkEnvelope(t, 2, turnstile.EventPublished,
		turnstile.EventPublishedData{
			EventID: id,
			StartAt: startAt,
			EndAt:   endAt,
		})
	env.AggregateID = id
	env.Meta.CorrelationID = "C1"
	return env
}

func startedEnvelope(
	t *testing.T, id turnstile.ID, endAt time.Time,
) *turnstile.Envelope {
	t.Helper()
	env := mkEnvelope(t, 3, turnstile.EventStarted,
		turnstile.EventStartedData{EventID: id, EndAt: endAt})
	env.AggregateID = id
	env.Meta.CorrelationID = "C1"
	return env
}
