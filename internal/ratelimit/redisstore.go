package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCounterStore is a [CounterStore] backed by Redis sorted sets, used
// when rate limits must survive server restarts.
//
// Each (user, kind) pair maps to one sorted set whose members are
// "<amount>:<uuid>" scored by the event's unix-nano timestamp. Keys expire
// after the keep duration so abandoned users cost nothing.
type RedisCounterStore struct {
	client *redis.Client
	keep   time.Duration
}

var _ CounterStore = (*RedisCounterStore)(nil)

// RedisCounterStoreConfig holds connection settings for [NewRedisCounterStore].
type RedisCounterStoreConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379").
	Addr string
	// Password for Redis authentication (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Keep is how long events are retained. It must be at least as long as
	// the limiter's window. Default: 31 days.
	Keep time.Duration
}

// NewRedisCounterStore connects to Redis and returns a counter store.
func NewRedisCounterStore(cfg RedisCounterStoreConfig) (*RedisCounterStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit: connect to redis: %w", err)
	}

	keep := cfg.Keep
	if keep == 0 {
		keep = 31 * 24 * time.Hour
	}
	return &RedisCounterStore{client: client, keep: keep}, nil
}

// Close releases the underlying Redis client.
func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}

func (s *RedisCounterStore) key(userID string, kind Kind) string {
	return fmt.Sprintf("voxa:rate:%s:%s", userID, kind)
}

// Record implements [CounterStore].
func (s *RedisCounterStore) Record(ctx context.Context, userID string, kind Kind, amount int64, at time.Time) error {
	key := s.key(userID, kind)
	member := fmt.Sprintf("%d:%s", amount, uuid.NewString())

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(at.Add(-s.keep).UnixNano(), 10))
	pipe.Expire(ctx, key, s.keep)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ratelimit: redis record: %w", err)
	}
	return nil
}

// CountSince implements [CounterStore].
func (s *RedisCounterStore) CountSince(ctx context.Context, userID string, kind Kind, since time.Time) (int64, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key(userID, kind), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis count: %w", err)
	}

	var total int64
	for _, m := range members {
		amountStr, _, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		amount, err := strconv.ParseInt(amountStr, 10, 64)
		if err != nil {
			continue
		}
		total += amount
	}
	return total, nil
}

// OldestSince implements [CounterStore].
func (s *RedisCounterStore) OldestSince(ctx context.Context, userID string, kind Kind, since time.Time) (time.Time, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, s.key(userID, kind), &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.UnixNano(), 10),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("ratelimit: redis oldest: %w", err)
	}
	if len(zs) == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, int64(zs[0].Score)), nil
}

// DeleteUser implements [CounterStore].
func (s *RedisCounterStore) DeleteUser(ctx context.Context, userID string) error {
	err := s.client.Del(ctx, s.key(userID, KindRequests), s.key(userID, KindTokens)).Err()
	if err != nil {
		return fmt.Errorf("ratelimit: redis delete user: %w", err)
	}
	return nil
}
