package turnstile_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/kode4food/turnstile"
)

func newTestDispatcher(
	t *testing.T, window time.Duration,
) *turnstile.Dispatcher {
	t.Helper()
	d := turnstile.NewDispatcher(turnstile.DispatchConfig{
		Workers:          2,
		RedeliveryWindow: window,
	}, zap.NewNop())
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func TestDispatchDelivers(t *testing.T) {
	d := newTestDispatcher(t, time.Second)

	received := make(chan *turnstile.Envelope, 1)
	d.Register(turnstile.EventPublished,
		func(_ context.Context, env *turnstile.Envelope) error {
			received <- env
			return nil
		})

	env := mkEnvelope(t, 2, turnstile.EventPublished,
		turnstile.EventPublishedData{EventID: "E1"})
	d.Publish(env)

	select {
	case got := <-received:
		assert.Equal(t, env.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("envelope was not delivered")
	}
}

func TestDispatchOnlyMatchingType(t *testing.T) {
	d := newTestDispatcher(t, time.Second)

	var calls int64
	d.Register(turnstile.EventEnded,
		func(context.Context, *turnstile.Envelope) error {
			atomic.AddInt64(&calls, 1)
			return nil
		})

	d.Publish(mkEnvelope(t, 2, turnstile.EventPublished,
		turnstile.EventPublishedData{EventID: "E1"}))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

func TestDispatchRetriesUntilSuccess(t *testing.T) {
	d := newTestDispatcher(t, 5*time.Second)

	var attempts int64
	done := make(chan struct{})
	d.Register(turnstile.EventPublished,
		func(context.Context, *turnstile.Envelope) error {
			if atomic.AddInt64(&attempts, 1) < 3 {
				return errors.New("consumer hiccup")
			}
			close(done)
			return nil
		})

	d.Publish(mkEnvelope(t, 2, turnstile.EventPublished,
		turnstile.EventPublishedData{EventID: "E1"}))

	select {
	case <-done:
		assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
	case <-time.After(5 * time.Second):
		t.Fatal("handler never succeeded")
	}
}

func TestRedeliveryWindowCloses(t *testing.T) {
	d := newTestDispatcher(t, 50*time.Millisecond)

	var attempts int64
	d.Register(turnstile.EventPublished,
		func(context.Context, *turnstile.Envelope) error {
			atomic.AddInt64(&attempts, 1)
			return errors.New("consumer down")
		})

	d.Publish(mkEnvelope(t, 2, turnstile.EventPublished,
		turnstile.EventPublishedData{EventID: "E1"}))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&attempts) >= 1
	}, time.Second, 10*time.Millisecond)

	// once the window closes the envelope is abandoned, not retried forever
	settled := atomic.LoadInt64(&attempts)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt64(&attempts))
}

func TestPublishBeforeStartRetained(t *testing.T) {
	d := turnstile.NewDispatcher(turnstile.DispatchConfig{
		Workers: 2,
	}, zap.NewNop())
	t.Cleanup(d.Stop)

	var delivered int64
	d.Register(turnstile.EventPublished,
		func(context.Context, *turnstile.Envelope) error {
			atomic.AddInt64(&delivered, 1)
			return nil
		})

	// the topic buffers everything published before the workers run
	env := mkEnvelope(t, 2, turnstile.EventPublished,
		turnstile.EventPublishedData{EventID: "E1"})
	d.Publish(env, env, env)
	d.Start()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&delivered) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestMakeHandlerDecodes(t *testing.T) {
	d := newTestDispatcher(t, time.Second)

	received := make(chan turnstile.EventPublishedData, 1)
	d.Register(turnstile.EventPublished, turnstile.MakeHandler(
		func(_ *turnstile.Envelope, data turnstile.EventPublishedData) error {
			received <- data
			return nil
		}))

	d.Publish(mkEnvelope(t, 2, turnstile.EventPublished,
		turnstile.EventPublishedData{EventID: "E7"}))

	select {
	case data := <-received:
		assert.Equal(t, turnstile.ID("E7"), data.EventID)
	case <-time.After(time.Second):
		t.Fatal("envelope was not delivered")
	}
}

func TestSeenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := turnstile.NewLedger(context.Background(), turnstile.LedgerConfig{
		Addr:   mr.Addr(),
		Prefix: "test",
	}, zap.NewNop())
	assert.NoError(t, err)
	defer func() { _ = l.Close() }()

	seen := turnstile.NewSeenStore(l, "mailer", time.Hour)
	ctx := context.Background()

	dup, err := seen.Seen(ctx, "env-1")
	assert.NoError(t, err)
	assert.False(t, dup)

	dup, err = seen.Seen(ctx, "env-1")
	assert.NoError(t, err)
	assert.True(t, dup)

	dup, err = seen.Seen(ctx, "env-2")
	assert.NoError(t, err)
	assert.False(t, dup)
}

func TestIdempotentHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := turnstile.NewLedger(context.Background(), turnstile.LedgerConfig{
		Addr:   mr.Addr(),
		Prefix: "test",
	}, zap.NewNop())
	assert.NoError(t, err)
	defer func() { _ = l.Close() }()

	var calls int64
	h := turnstile.Idempotent(
		turnstile.NewSeenStore(l, "mailer", time.Hour),
		func(context.Context, *turnstile.Envelope) error {
			atomic.AddInt64(&calls, 1)
			return nil
		})

	env := mkEnvelope(t, 2, turnstile.EventPublished,
		turnstile.EventPublishedData{EventID: "E1"})

	// redundant deliveries of the same envelope collapse to one effect
	assert.NoError(t, h(context.Background(), env))
	assert.NoError(t, h(context.Background(), env))
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}
