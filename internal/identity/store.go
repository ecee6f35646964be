package identity

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by the identity service and its stores.
var (
	// ErrUserExists is returned by Register when the email is taken.
	ErrUserExists = errors.New("identity: user already exists")

	// ErrInvalidCredentials is returned on a wrong email or password.
	// The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")

	// ErrAccountLocked is returned while a lockout is in effect.
	ErrAccountLocked = errors.New("identity: account locked")

	// ErrUnknownSession is returned when a token does not match any session.
	ErrUnknownSession = errors.New("identity: unknown session")

	// ErrSessionExpired is returned when a session has idled past its TTL.
	ErrSessionExpired = errors.New("identity: session expired")

	// ErrUserNotFound is returned by store lookups and mutations on a
	// missing user ID.
	ErrUserNotFound = errors.New("identity: user not found")
)

// UserStore persists user records.
//
// Implementations must be safe for concurrent use.
type UserStore interface {
	// CreateUser stores a new user. Returns [ErrUserExists] when a user
	// with the same email (case-insensitive) already exists.
	CreateUser(ctx context.Context, user User) error

	// UserByEmail returns the user with the given email (case-insensitive),
	// or (nil, nil) when no such user exists.
	UserByEmail(ctx context.Context, email string) (*User, error)

	// UserByID returns the user with the given ID, or (nil, nil) when no
	// such user exists.
	UserByID(ctx context.Context, id string) (*User, error)

	// UpdateUser replaces the stored record for user.ID.
	// Returns [ErrUserNotFound] when the user does not exist.
	UpdateUser(ctx context.Context, user User) error

	// DeleteUser removes the user. Deleting a missing user is not an error.
	// Backends with foreign keys cascade to sessions and memory rows.
	DeleteUser(ctx context.Context, id string) error

	// CountAdmins returns the number of users with the admin role.
	CountAdmins(ctx context.Context) (int, error)
}

// SessionStore persists issued sessions, keyed by token hash.
//
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// CreateSession stores a new session.
	CreateSession(ctx context.Context, s Session) error

	// SessionByTokenHash returns the session with the given token hash, or
	// (nil, nil) when none exists.
	SessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error)

	// TouchSession updates the session's last-seen instant.
	TouchSession(ctx context.Context, tokenHash []byte, at time.Time) error

	// UserSessions returns all of userID's sessions, oldest first.
	UserSessions(ctx context.Context, userID string) ([]Session, error)

	// DeleteSession removes one session. Missing sessions are not an error.
	DeleteSession(ctx context.Context, tokenHash []byte) error

	// DeleteUserSessions removes every session belonging to userID.
	DeleteUserSessions(ctx context.Context, userID string) error

	// DeleteIdleSessions removes sessions whose last-seen instant is before
	// cutoff and returns how many were removed.
	DeleteIdleSessions(ctx context.Context, cutoff time.Time) (int, error)
}
