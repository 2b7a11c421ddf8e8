package destination

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the subset of pgxpool.Pool the pipeline needs. Tests substitute
// fakes through the registry's PoolFactory.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PoolFactory creates a pool for a normalized connector string.
type PoolFactory func(ctx context.Context, connString string) (Pool, error)

// PgxPoolFactory is the production factory backed by pgxpool.
func PgxPoolFactory(ctx context.Context, connString string) (Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return pool, nil
}

type poolEntry struct {
	ready chan struct{}
	pool  Pool
	err   error
}

// Registry caches one pool per distinct connector string for the lifetime
// of the process. Credentials are part of the key, so destinations with
// different credentials never share a pool. Stale pools are not detected
// or evicted; rotating credentials means a new connector string.
type Registry struct {
	factory PoolFactory
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
}

// NewRegistry creates a Registry using the given factory. A nil factory
// defaults to PgxPoolFactory.
func NewRegistry(factory PoolFactory, logger *slog.Logger) *Registry {
	if factory == nil {
		factory = PgxPoolFactory
	}
	return &Registry{
		factory: factory,
		logger:  logger.With("component", "pool-registry"),
		entries: make(map[string]*poolEntry),
	}
}

// Get returns the pool for a connector string, creating it on first use.
// Concurrent callers for the same key wait for the single in-flight
// creation instead of racing into a second pool.
func (r *Registry) Get(ctx context.Context, connString string) (Pool, error) {
	r.mu.Lock()
	e, ok := r.entries[connString]
	if ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.pool, nil
	}

	e = &poolEntry{ready: make(chan struct{})}
	r.entries[connString] = e
	r.mu.Unlock()

	r.logger.Info("creating destination pool", "destination", Redact(connString))
	e.pool, e.err = r.factory(ctx, connString)
	if e.err != nil {
		// Drop the failed entry so a later caller can retry.
		r.mu.Lock()
		delete(r.entries, connString)
		r.mu.Unlock()
	}
	close(e.ready)

	if e.err != nil {
		return nil, fmt.Errorf("create pool for %s: %w", Redact(connString), e.err)
	}
	return e.pool, nil
}

// CloseAll closes every cached pool. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, e := range r.entries {
		select {
		case <-e.ready:
			if e.pool != nil {
				e.pool.Close()
			}
		default:
			// Creation still in flight; the pool is abandoned to the
			// process exit.
		}
		delete(r.entries, key)
	}
}

// Size reports the number of cached pools.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
