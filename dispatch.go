package turnstile

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kode4food/caravan"
	"github.com/kode4food/caravan/topic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type (
	// Handler reacts to a committed envelope. Delivery is at-least-once, so
	// handlers must be idempotent, typically by keying side effects on the
	// envelope id (see SeenStore)
	Handler func(context.Context, *Envelope) error

	// Dispatcher delivers committed envelopes to handlers registered for
	// their event type. Envelopes flow through a topic whose buffering is
	// unbounded, so publication never blocks on or loses to slow handlers.
	// A failing handler is retried with backoff until the redelivery window
	// closes, after which the envelope is abandoned for that handler; the
	// append that produced it is never rolled back
	Dispatcher struct {
		hub      topic.Topic[*Envelope]
		producer topic.Producer[*Envelope]
		consumer topic.Consumer[*Envelope]
		handlers map[EventType][]Handler
		window   time.Duration
		workers  int
		log      *zap.Logger
		mu       sync.RWMutex
		ctx      context.Context
		cancel   context.CancelFunc
		wg       sync.WaitGroup
		once     sync.Once
	}

	// SeenStore records envelope ids that a consumer has already processed,
	// letting handlers key their side effects for idempotence
	SeenStore struct {
		client *redis.Client
		prefix string
		ttl    time.Duration
	}
)

// NewDispatcher creates a Dispatcher. The consumer cursor is established
// immediately, so envelopes published before Start are retained and
// delivered once the workers run
func NewDispatcher(cfg DispatchConfig, log *zap.Logger) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultDispatchWorkers
	}
	window := cfg.RedeliveryWindow
	if window <= 0 {
		window = DefaultRedeliveryWindow
	}

	hub := caravan.NewTopic[*Envelope]()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		hub:      hub,
		producer: hub.NewProducer(),
		consumer: hub.NewConsumer(),
		handlers: map[EventType][]Handler{},
		window:   window,
		workers:  workers,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register adds a handler for an event type
func (d *Dispatcher) Register(et EventType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[et] = append(d.handlers[et], h)
}

// Start launches the delivery workers over the shared topic consumer
func (d *Dispatcher) Start() {
	d.once.Do(func() {
		feed := d.consumer.Receive()
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker(i, feed)
		}
	})
}

// Stop halts delivery and closes the topic consumer
func (d *Dispatcher) Stop() {
	d.cancel()
	d.consumer.Close()
	d.wg.Wait()
}

// Publish offers envelopes to the topic
func (d *Dispatcher) Publish(envs ...*Envelope) {
	for _, env := range envs {
		d.producer.Send() <- env
	}
}

func (d *Dispatcher) worker(id int, feed <-chan *Envelope) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case env, ok := <-feed:
			if !ok {
				return
			}
			d.deliver(id, env)
		}
	}
}

func (d *Dispatcher) deliver(workerID int, env *Envelope) {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()

	for _, h := range handlers {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = d.window

		start := time.Now()
		err := backoff.Retry(func() error {
			return h(d.ctx, env)
		}, backoff.WithContext(bo, d.ctx))

		if err != nil {
			d.log.Error("handler failed after redelivery window",
				zap.Int("worker_id", workerID),
				zap.String("envelope_id", string(env.ID)),
				zap.String("event_type", string(env.Type)),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
		}
	}
}

// MakeHandler adapts a typed handler by decoding the envelope payload
func MakeHandler[D any](fn func(*Envelope, D) error) Handler {
	return func(_ context.Context, env *Envelope) error {
		var data D
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return err
		}
		return fn(env, data)
	}
}

// NewSeenStore creates a SeenStore sharing the ledger's Redis connection
func NewSeenStore(
	l *Ledger, name string, ttl time.Duration,
) *SeenStore {
	return &SeenStore{
		client: l.client,
		prefix: l.prefix + ":seen:" + name + ":",
		ttl:    ttl,
	}
}

// Seen marks an envelope id as processed and reports whether it had been
// marked before. The first caller for a given id observes false
func (s *SeenStore) Seen(ctx context.Context, id ID) (bool, error) {
	ok, err := s.client.SetNX(
		ctx, s.prefix+string(id), 1, s.ttl,
	).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Idempotent wraps a handler so that redundant deliveries of the same
// envelope become no-ops
func Idempotent(seen *SeenStore, h Handler) Handler {
	return func(ctx context.Context, env *Envelope) error {
		dup, err := seen.Seen(ctx, env.ID)
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
		return h(ctx, env)
	}
}
