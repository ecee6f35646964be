package plugin

import (
	"context"
	"sync"
)

// MemEnablementStore is an in-process [EnablementStore] used for tests and
// for deployments without a durable store.
type MemEnablementStore struct {
	mu        sync.RWMutex
	overrides map[string]map[string]bool // userID -> plugin -> enabled
}

var _ EnablementStore = (*MemEnablementStore)(nil)

// NewMemEnablementStore creates an empty in-process enablement store.
func NewMemEnablementStore() *MemEnablementStore {
	return &MemEnablementStore{overrides: make(map[string]map[string]bool)}
}

// SetEnabled implements [EnablementStore].
func (s *MemEnablementStore) SetEnabled(_ context.Context, userID, plugin string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.overrides[userID]
	if !ok {
		user = make(map[string]bool)
		s.overrides[userID] = user
	}
	user[plugin] = enabled
	return nil
}

// UserOverrides implements [EnablementStore].
func (s *MemEnablementStore) UserOverrides(_ context.Context, userID string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool, len(s.overrides[userID]))
	for plugin, enabled := range s.overrides[userID] {
		out[plugin] = enabled
	}
	return out, nil
}

// DeleteUser implements [EnablementStore].
func (s *MemEnablementStore) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, userID)
	return nil
}
