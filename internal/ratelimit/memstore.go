package ratelimit

import (
	"context"
	"sync"
	"time"
)

type event struct {
	at     time.Time
	amount int64
}

// MemCounterStore is an in-process [CounterStore]. Counters reset on restart;
// use the Redis store when that matters.
type MemCounterStore struct {
	mu     sync.RWMutex
	events map[string][]event // keyed by userID + "\x00" + kind, chronological
}

var _ CounterStore = (*MemCounterStore)(nil)

// NewMemCounterStore returns an empty in-process counter store.
func NewMemCounterStore() *MemCounterStore {
	return &MemCounterStore{events: make(map[string][]event)}
}

func counterKey(userID string, kind Kind) string {
	return userID + "\x00" + string(kind)
}

// Record implements [CounterStore]. Events older than three windows are not
// pruned here; pruning happens opportunistically on reads.
func (s *MemCounterStore) Record(_ context.Context, userID string, kind Kind, amount int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey(userID, kind)
	s.events[key] = append(s.events[key], event{at: at, amount: amount})
	return nil
}

// CountSince implements [CounterStore] and prunes events older than since.
func (s *MemCounterStore) CountSince(_ context.Context, userID string, kind Kind, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey(userID, kind)
	kept := s.events[key][:0]
	var total int64
	for _, e := range s.events[key] {
		if e.at.Before(since) {
			continue
		}
		kept = append(kept, e)
		total += e.amount
	}
	s.events[key] = kept
	return total, nil
}

// OldestSince implements [CounterStore].
func (s *MemCounterStore) OldestSince(_ context.Context, userID string, kind Kind, since time.Time) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest time.Time
	for _, e := range s.events[counterKey(userID, kind)] {
		if e.at.Before(since) {
			continue
		}
		if oldest.IsZero() || e.at.Before(oldest) {
			oldest = e.at
		}
	}
	return oldest, nil
}

// DeleteUser implements [CounterStore].
func (s *MemCounterStore) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, counterKey(userID, KindRequests))
	delete(s.events, counterKey(userID, KindTokens))
	return nil
}
