package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemUserStore is an in-process [UserStore] for deployments without a
// database and for tests.
type MemUserStore struct {
	mu    sync.RWMutex
	users map[string]User // keyed by user ID
}

var _ UserStore = (*MemUserStore)(nil)

// NewMemUserStore returns an empty in-process user store.
func NewMemUserStore() *MemUserStore {
	return &MemUserStore{users: make(map[string]User)}
}

// CreateUser implements [UserStore].
func (s *MemUserStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return ErrUserExists
		}
	}
	s.users[user.ID] = user
	return nil
}

// UserByEmail implements [UserStore].
func (s *MemUserStore) UserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			copied := u
			return &copied, nil
		}
	}
	return nil, nil
}

// UserByID implements [UserStore].
func (s *MemUserStore) UserByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	copied := u
	return &copied, nil
}

// UpdateUser implements [UserStore].
func (s *MemUserStore) UpdateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return ErrUserNotFound
	}
	s.users[user.ID] = user
	return nil
}

// DeleteUser implements [UserStore].
func (s *MemUserStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

// CountAdmins implements [UserStore].
func (s *MemUserStore) CountAdmins(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, u := range s.users {
		if u.Role == RoleAdmin {
			n++
		}
	}
	return n, nil
}

// MemSessionStore is an in-process [SessionStore].
type MemSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session // keyed by string(TokenHash)
}

var _ SessionStore = (*MemSessionStore)(nil)

// NewMemSessionStore returns an empty in-process session store.
func NewMemSessionStore() *MemSessionStore {
	return &MemSessionStore{sessions: make(map[string]Session)}
}

// CreateSession implements [SessionStore].
func (s *MemSessionStore) CreateSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[string(sess.TokenHash)] = sess
	return nil
}

// SessionByTokenHash implements [SessionStore].
func (s *MemSessionStore) SessionByTokenHash(_ context.Context, tokenHash []byte) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[string(tokenHash)]
	if !ok {
		return nil, nil
	}
	copied := sess
	return &copied, nil
}

// TouchSession implements [SessionStore].
func (s *MemSessionStore) TouchSession(_ context.Context, tokenHash []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[string(tokenHash)]
	if !ok {
		return nil
	}
	sess.LastSeen = at
	s.sessions[string(tokenHash)] = sess
	return nil
}

// UserSessions implements [SessionStore].
func (s *MemSessionStore) UserSessions(_ context.Context, userID string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Session{}
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteSession implements [SessionStore].
func (s *MemSessionStore) DeleteSession(_ context.Context, tokenHash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, string(tokenHash))
	return nil
}

// DeleteUserSessions implements [SessionStore].
func (s *MemSessionStore) DeleteUserSessions(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, key)
		}
	}
	return nil
}

// DeleteIdleSessions implements [SessionStore].
func (s *MemSessionStore) DeleteIdleSessions(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, sess := range s.sessions {
		if sess.LastSeen.Before(cutoff) {
			delete(s.sessions, key)
			n++
		}
	}
	return n, nil
}
