package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxa-ai/voxa/internal/ratelimit"
)

// RateCounterStore implements [ratelimit.CounterStore] on the rate_counters
// table, so quotas survive restarts without a Redis deployment.
//
// Obtain one via [Store.RateCounters] rather than constructing directly.
type RateCounterStore struct {
	pool *pgxpool.Pool
}

var _ ratelimit.CounterStore = (*RateCounterStore)(nil)

// Record implements [ratelimit.CounterStore].
func (s *RateCounterStore) Record(ctx context.Context, userID string, kind ratelimit.Kind, amount int64, at time.Time) error {
	const q = `
		INSERT INTO rate_counters (user_id, kind, occurred_at, amount)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, userID, string(kind), at, amount); err != nil {
		return fmt.Errorf("rate counter store: record: %w", err)
	}
	return nil
}

// CountSince implements [ratelimit.CounterStore].
func (s *RateCounterStore) CountSince(ctx context.Context, userID string, kind ratelimit.Kind, since time.Time) (int64, error) {
	const q = `
		SELECT COALESCE(sum(amount), 0)
		FROM   rate_counters
		WHERE  user_id = $1 AND kind = $2 AND occurred_at >= $3`

	var total int64
	if err := s.pool.QueryRow(ctx, q, userID, string(kind), since).Scan(&total); err != nil {
		return 0, fmt.Errorf("rate counter store: count: %w", err)
	}
	return total, nil
}

// OldestSince implements [ratelimit.CounterStore].
func (s *RateCounterStore) OldestSince(ctx context.Context, userID string, kind ratelimit.Kind, since time.Time) (time.Time, error) {
	const q = `
		SELECT min(occurred_at)
		FROM   rate_counters
		WHERE  user_id = $1 AND kind = $2 AND occurred_at >= $3`

	var oldest *time.Time
	if err := s.pool.QueryRow(ctx, q, userID, string(kind), since).Scan(&oldest); err != nil {
		return time.Time{}, fmt.Errorf("rate counter store: oldest: %w", err)
	}
	if oldest == nil {
		return time.Time{}, nil
	}
	return *oldest, nil
}

// DeleteUser implements [ratelimit.CounterStore].
func (s *RateCounterStore) DeleteUser(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM rate_counters WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("rate counter store: delete user: %w", err)
	}
	return nil
}

// Prune removes events older than cutoff across all users. Run periodically
// to keep the table bounded.
func (s *RateCounterStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_counters WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("rate counter store: prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
