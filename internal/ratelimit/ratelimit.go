// Package ratelimit enforces per-user entitlement quotas for the Voxa server
// using sliding-window counters.
//
// Counters are strictly per user, so one user exhausting a quota never
// affects another. Events live in a [CounterStore]: in-process by default,
// Redis-backed when limits must survive restarts.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/voxa-ai/voxa/internal/identity"
)

// Kind names a counted event class.
type Kind string

const (
	KindRequests Kind = "requests"
	KindTokens   Kind = "tokens"
)

// RateLimited is returned when a user's quota is exhausted. The transport
// maps it to HTTP 429 with a Retry-After header, or to a typed error frame.
type RateLimited struct {
	// Limit is the exhausted quota.
	Limit int64

	// Window is the sliding window the quota applies to.
	Window time.Duration

	// RetryAfter is how long until the oldest counted event leaves the
	// window, freeing a slot.
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited: %d per %s, retry after %s", e.Limit, e.Window, e.RetryAfter)
}

// CounterStore records and counts per-user events inside a sliding window.
//
// Implementations must be safe for concurrent use.
type CounterStore interface {
	// Record adds an event of the given kind and amount at instant at.
	Record(ctx context.Context, userID string, kind Kind, amount int64, at time.Time) error

	// CountSince sums the amounts of userID's events of kind at or after
	// the since instant.
	CountSince(ctx context.Context, userID string, kind Kind, since time.Time) (int64, error)

	// OldestSince returns the instant of userID's oldest event of kind at
	// or after since. A zero time means no events exist in the window.
	OldestSince(ctx context.Context, userID string, kind Kind, since time.Time) (time.Time, error)

	// DeleteUser removes all of userID's events.
	DeleteUser(ctx context.Context, userID string) error
}

// Limits are the quota settings for one tier. Zero values mean unlimited.
type Limits struct {
	// RequestsPerWindow caps admitted queries inside the window.
	RequestsPerWindow int64

	// TokensPerWindow caps completion tokens consumed inside the window.
	TokensPerWindow int64

	// MaxOutputTokens caps completion tokens for a single request.
	MaxOutputTokens int
}

// Limiter admits or rejects queries based on the caller's tier.
type Limiter struct {
	store  CounterStore
	window time.Duration
	free   Limits
	paid   Limits

	now func() time.Time
}

// Option configures a [Limiter].
type Option func(*Limiter)

// WithWindow sets the sliding-window length. Default 30 days.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithFreeLimits overrides the free-tier quotas.
func WithFreeLimits(limits Limits) Option {
	return func(l *Limiter) { l.free = limits }
}

// WithPaidLimits overrides the paid-tier quotas.
func WithPaidLimits(limits Limits) Option {
	return func(l *Limiter) { l.paid = limits }
}

// NewLimiter creates a limiter over the given counter store. Defaults: a
// 30-day window, free tier capped at 500 requests and 150 output tokens per
// request, paid tier unlimited.
func NewLimiter(store CounterStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		window: 30 * 24 * time.Hour,
		free:   Limits{RequestsPerWindow: 500, MaxOutputTokens: 150},
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Admit checks the request quota for userID and, when admitted, counts the
// request. A quota breach returns [*RateLimited]; rejected requests are not
// counted.
func (l *Limiter) Admit(ctx context.Context, userID string, tier identity.Tier) error {
	limits := l.limitsFor(tier)
	now := l.now()
	since := now.Add(-l.window)

	if limits.RequestsPerWindow > 0 {
		n, err := l.store.CountSince(ctx, userID, KindRequests, since)
		if err != nil {
			return fmt.Errorf("ratelimit: count requests: %w", err)
		}
		if n >= limits.RequestsPerWindow {
			return l.rejection(ctx, userID, KindRequests, limits.RequestsPerWindow, since, now)
		}
	}
	if limits.TokensPerWindow > 0 {
		n, err := l.store.CountSince(ctx, userID, KindTokens, since)
		if err != nil {
			return fmt.Errorf("ratelimit: count tokens: %w", err)
		}
		if n >= limits.TokensPerWindow {
			return l.rejection(ctx, userID, KindTokens, limits.TokensPerWindow, since, now)
		}
	}

	if err := l.store.Record(ctx, userID, KindRequests, 1, now); err != nil {
		return fmt.Errorf("ratelimit: record request: %w", err)
	}
	return nil
}

// RecordTokens counts completion tokens consumed by userID's request.
func (l *Limiter) RecordTokens(ctx context.Context, userID string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	if err := l.store.Record(ctx, userID, KindTokens, tokens, l.now()); err != nil {
		return fmt.Errorf("ratelimit: record tokens: %w", err)
	}
	return nil
}

// MaxOutputTokens returns the per-request completion-token ceiling for a
// tier. Zero means no ceiling beyond the model's own limit.
func (l *Limiter) MaxOutputTokens(tier identity.Tier) int {
	return l.limitsFor(tier).MaxOutputTokens
}

// DeleteUser removes all of userID's counters.
func (l *Limiter) DeleteUser(ctx context.Context, userID string) error {
	return l.store.DeleteUser(ctx, userID)
}

func (l *Limiter) limitsFor(tier identity.Tier) Limits {
	if tier == identity.TierPaid {
		return l.paid
	}
	return l.free
}

// rejection builds the RateLimited error, deriving retry-after from when the
// oldest in-window event will slide out.
func (l *Limiter) rejection(ctx context.Context, userID string, kind Kind, limit int64, since, now time.Time) error {
	retryAfter := l.window
	if oldest, err := l.store.OldestSince(ctx, userID, kind, since); err == nil && !oldest.IsZero() {
		retryAfter = oldest.Add(l.window).Sub(now)
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &RateLimited{
		Limit:      limit,
		Window:     l.window,
		RetryAfter: time.Duration(math.Ceil(retryAfter.Seconds())) * time.Second,
	}
}
