package turnstile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type (
	// Ledger is the append-only, per-aggregate-versioned envelope store and
	// the single source of truth. It holds no business logic; every other
	// component treats it as the sole synchronization point
	Ledger struct {
		client     *redis.Client
		prefix     string
		scanBatch  int
		hibernator Hibernator
		appendLua  *redis.Script
		log        *zap.Logger
	}

	// EnvelopeFunc receives envelopes streamed by GetByType. Returning an
	// error stops the stream and surfaces the error to the caller
	EnvelopeFunc func(*Envelope) error
)

const (
	RedisConnectTimeout = 5 * time.Second

	envelopesSuffix = ":envelopes"
	corrPrefix      = ":corr:"
	typePrefix      = ":type:"
)

// NewLedger opens a Ledger backed by Redis and verifies connectivity
func NewLedger(
	ctx context.Context, cfg LedgerConfig, log *zap.Logger,
) (*Ledger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, RedisConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	scanBatch := cfg.ScanBatch
	if scanBatch <= 0 {
		scanBatch = DefaultScanBatch
	}

	return &Ledger{
		client:    client,
		prefix:    cfg.Prefix,
		scanBatch: scanBatch,
		appendLua: redis.NewScript(luaAppendEnvelopes),
		log:       log,
	}, nil
}

// UseHibernator attaches cold storage for terminal aggregates. Loads for an
// aggregate with no envelopes in Redis fall back to the hibernated record
func (l *Ledger) UseHibernator(h Hibernator) {
	l.hibernator = h
}

func (l *Ledger) Close() error {
	return l.client.Close()
}

// Append commits envelopes atomically with consecutive versions starting at
// expectedVersion+1. It fails with a *ConflictError if the stored version
// no longer equals expectedVersion. The correlation and event-type indexes
// are maintained in the same atomic script
func (l *Ledger) Append(
	ctx context.Context, at AggregateType, id ID,
	expectedVersion int64, envs []*Envelope,
) ([]*Envelope, error) {
	if len(envs) == 0 {
		return nil, nil
	}

	keys := []string{
		l.envelopesKey(at, id),
		l.corrKey(envs[0].Meta.CorrelationID),
	}
	args := []any{expectedVersion}

	for i, env := range envs {
		env.Version = expectedVersion + int64(i) + 1
		body, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		keys = append(keys, l.typeKey(env.Type))
		args = append(args, env.Meta.OccurredAt.UnixNano(), string(body))
	}

	result, err := l.appendLua.Run(ctx, l.client, keys, args...).Result()
	if err != nil {
		return nil, err
	}

	res, ok := result.([]any)
	if !ok || len(res) < 2 {
		return nil, ErrUnexpectedLuaResult
	}

	if res[0].(int64) == 0 {
		return nil, l.conflict(at, id, expectedVersion, res)
	}
	return envs, nil
}

// Load returns all envelopes for an aggregate in version order. When the
// aggregate has been hibernated, the cold record is consulted instead
func (l *Ledger) Load(
	ctx context.Context, at AggregateType, id ID,
) ([]*Envelope, error) {
	raw, err := l.client.LRange(
		ctx, l.envelopesKey(at, id), 0, -1,
	).Result()
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 && l.hibernator != nil {
		return l.loadHibernated(ctx, at, id)
	}
	return unmarshalEnvelopes(raw)
}

// Events returns envelopes for an aggregate starting at fromVersion
func (l *Ledger) Events(
	ctx context.Context, at AggregateType, id ID, fromVersion int64,
) ([]*Envelope, error) {
	start := fromVersion - 1
	if start < 0 {
		start = 0
	}
	raw, err := l.client.LRange(
		ctx, l.envelopesKey(at, id), start, -1,
	).Result()
	if err != nil {
		return nil, err
	}
	return unmarshalEnvelopes(raw)
}

// GetByCorrelation returns every envelope sharing a correlation id, ordered
// by occurrence time
func (l *Ledger) GetByCorrelation(
	ctx context.Context, correlationID ID,
) ([]*Envelope, error) {
	raw, err := l.client.LRange(
		ctx, l.corrKey(correlationID), 0, -1,
	).Result()
	if err != nil {
		return nil, err
	}

	envs, err := unmarshalEnvelopes(raw)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(envs, func(i, j int) bool {
		if envs[i].Meta.OccurredAt.Equal(envs[j].Meta.OccurredAt) {
			return envs[i].Version < envs[j].Version
		}
		return envs[i].Meta.OccurredAt.Before(envs[j].Meta.OccurredAt)
	})
	return envs, nil
}

// GetByType streams envelopes of one event type that occurred at or after
// since, in batches. The stream is resumable; a caller that remembers the
// last occurrence time it processed can restart from that watermark
func (l *Ledger) GetByType(
	ctx context.Context, et EventType, since time.Time, fn EnvelopeFunc,
) error {
	min := strconv.FormatInt(since.UnixNano(), 10)
	var offset int64

	for {
		raw, err := l.client.ZRangeByScore(ctx, l.typeKey(et), &redis.ZRangeBy{
			Min:    min,
			Max:    "+inf",
			Offset: offset,
			Count:  int64(l.scanBatch),
		}).Result()
		if err != nil {
			return err
		}

		envs, err := unmarshalEnvelopes(raw)
		if err != nil {
			return err
		}
		for _, env := range envs {
			if err := fn(env); err != nil {
				return err
			}
		}

		if len(raw) < l.scanBatch {
			return nil
		}
		offset += int64(len(raw))
	}
}

// Hibernate moves an aggregate's envelopes to cold storage and removes them
// from Redis. The correlation and type indexes retain their entries; they
// are projections, not the source of truth
func (l *Ledger) Hibernate(
	ctx context.Context, at AggregateType, id ID,
) error {
	if l.hibernator == nil {
		return ErrNoHibernator
	}

	key := l.envelopesKey(at, id)
	raw, err := l.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	envs, err := unmarshalEnvelopes(raw)
	if err != nil {
		return err
	}
	if err := l.hibernator.Put(ctx, at, id, envs); err != nil {
		return err
	}
	return l.client.Del(ctx, key).Err()
}

func (l *Ledger) loadHibernated(
	ctx context.Context, at AggregateType, id ID,
) ([]*Envelope, error) {
	envs, err := l.hibernator.Get(ctx, at, id)
	if errors.Is(err, ErrHibernateNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return envs, nil
}

func (l *Ledger) conflict(
	at AggregateType, id ID, expected int64, res []any,
) error {
	actual := res[1].(int64)

	var newEnvs []*Envelope
	if len(res) > 2 {
		raw, ok := res[2].([]any)
		if !ok {
			return ErrUnexpectedLuaResult
		}
		strs := make([]string, 0, len(raw))
		for _, item := range raw {
			strs = append(strs, item.(string))
		}
		var err error
		if newEnvs, err = unmarshalEnvelopes(strs); err != nil {
			return err
		}
	}

	return &ConflictError{
		AggregateType:   at,
		AggregateID:     id,
		ExpectedVersion: expected,
		ActualVersion:   actual,
		NewEnvelopes:    newEnvs,
	}
}

func (l *Ledger) envelopesKey(at AggregateType, id ID) string {
	return fmt.Sprintf("%s:%s:%s%s", l.prefix, at, id, envelopesSuffix)
}

func (l *Ledger) corrKey(correlationID ID) string {
	return l.prefix + corrPrefix + string(correlationID)
}

func (l *Ledger) typeKey(et EventType) string {
	return l.prefix + typePrefix + string(et)
}

func unmarshalEnvelopes(raw []string) ([]*Envelope, error) {
	envs := make([]*Envelope, 0, len(raw))
	for _, item := range raw {
		env := &Envelope{}
		if err := json.Unmarshal([]byte(item), env); err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}
