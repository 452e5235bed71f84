package turnstile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type (
	// Hibernator is cold storage for the envelope history of terminal
	// aggregates, keeping the Redis working set small without losing the
	// ledger's append-only record
	Hibernator interface {
		Put(context.Context, AggregateType, ID, []*Envelope) error
		Get(context.Context, AggregateType, ID) ([]*Envelope, error)
		Delete(context.Context, AggregateType, ID) error
	}

	// PGHibernator stores hibernated aggregates in a Postgres table
	PGHibernator struct {
		pool *pgxpool.Pool
	}

	// MemoryHibernator is an in-process Hibernator for tests and
	// single-node development
	MemoryHibernator struct {
		mu      sync.RWMutex
		records map[string][]*Envelope
	}
)

var (
	// ErrNoHibernator indicates no Hibernator was configured on the Ledger
	ErrNoHibernator = errors.New("no hibernator configured")

	// ErrHibernateNotFound indicates a hibernated aggregate was not found
	ErrHibernateNotFound = errors.New("hibernated aggregate not found")
)

const hibernateSchema = `
	CREATE TABLE IF NOT EXISTS hibernated_aggregates (
		aggregate_type text NOT NULL,
		aggregate_id   text NOT NULL,
		envelopes      jsonb NOT NULL,
		hibernated_at  timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (aggregate_type, aggregate_id)
	)`

// NewPGHibernator connects to Postgres and ensures the hibernation table
// exists
func NewPGHibernator(ctx context.Context, dsn string) (*PGHibernator, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, hibernateSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGHibernator{pool: pool}, nil
}

func (h *PGHibernator) Close() {
	h.pool.Close()
}

func (h *PGHibernator) Put(
	ctx context.Context, at AggregateType, id ID, envs []*Envelope,
) error {
	data, err := json.Marshal(envs)
	if err != nil {
		return err
	}
	_, err = h.pool.Exec(ctx, `
		INSERT INTO hibernated_aggregates
			(aggregate_type, aggregate_id, envelopes)
		VALUES ($1, $2, $3)
		ON CONFLICT (aggregate_type, aggregate_id)
		DO UPDATE SET envelopes = EXCLUDED.envelopes,
		              hibernated_at = now()`,
		string(at), string(id), data,
	)
	return err
}

func (h *PGHibernator) Get(
	ctx context.Context, at AggregateType, id ID,
) ([]*Envelope, error) {
	var data []byte
	err := h.pool.QueryRow(ctx, `
		SELECT envelopes FROM hibernated_aggregates
		WHERE aggregate_type = $1 AND aggregate_id = $2`,
		string(at), string(id),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHibernateNotFound
	}
	if err != nil {
		return nil, err
	}

	var envs []*Envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (h *PGHibernator) Delete(
	ctx context.Context, at AggregateType, id ID,
) error {
	_, err := h.pool.Exec(ctx, `
		DELETE FROM hibernated_aggregates
		WHERE aggregate_type = $1 AND aggregate_id = $2`,
		string(at), string(id),
	)
	return err
}

// NewMemoryHibernator creates an empty in-process Hibernator
func NewMemoryHibernator() *MemoryHibernator {
	return &MemoryHibernator{records: map[string][]*Envelope{}}
}

func (h *MemoryHibernator) Put(
	_ context.Context, at AggregateType, id ID, envs []*Envelope,
) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[cacheKey(at, id)] = append([]*Envelope(nil), envs...)
	return nil
}

func (h *MemoryHibernator) Get(
	_ context.Context, at AggregateType, id ID,
) ([]*Envelope, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	envs, ok := h.records[cacheKey(at, id)]
	if !ok {
		return nil, ErrHibernateNotFound
	}
	return envs, nil
}

func (h *MemoryHibernator) Delete(
	_ context.Context, at AggregateType, id ID,
) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.records, cacheKey(at, id))
	return nil
}
