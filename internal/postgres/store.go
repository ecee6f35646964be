package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store is the central PostgreSQL persistence layer for Voxa. It holds a
// single [pgxpool.Pool] and exposes one repository per domain:
//
//   - [Store.Memory] returns the durable conversation log and fact store
//   - [Store.Users] and [Store.Sessions] back the identity component
//   - [Store.Enablement] persists per-user plugin enablement
//   - [Store.RateCounters] persists sliding-window rate events
//
// All repositories are safe for concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	memory     *MemoryStore
	users      *UserStore
	sessions   *SessionStore
	enablement *EnablementStore
	counters   *RateCounterStore
}

// NewStore connects to the PostgreSQL database at dsn, registers pgvector
// types on every connection, and runs [Migrate] so all required tables exist.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types so the facts embedding column can be scanned
	// into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:       pool,
		memory:     &MemoryStore{pool: pool},
		users:      &UserStore{pool: pool},
		sessions:   &SessionStore{pool: pool},
		enablement: &EnablementStore{pool: pool},
		counters:   &RateCounterStore{pool: pool},
	}, nil
}

// Memory returns the durable conversation log and fact store.
func (s *Store) Memory() *MemoryStore { return s.memory }

// Users returns the user record repository.
func (s *Store) Users() *UserStore { return s.users }

// Sessions returns the session token repository.
func (s *Store) Sessions() *SessionStore { return s.sessions }

// Enablement returns the per-user plugin enablement repository.
func (s *Store) Enablement() *EnablementStore { return s.enablement }

// RateCounters returns the sliding-window rate event repository.
func (s *Store) RateCounters() *RateCounterStore { return s.counters }

// Ping checks database connectivity. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
