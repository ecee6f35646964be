package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxa-ai/voxa/internal/identity"
)

// UserStore implements [identity.UserStore] on the users table.
//
// Obtain one via [Store.Users] rather than constructing directly.
type UserStore struct {
	pool *pgxpool.Pool
}

var _ identity.UserStore = (*UserStore)(nil)

// CreateUser implements [identity.UserStore].
func (s *UserStore) CreateUser(ctx context.Context, user identity.User) error {
	const q = `
		INSERT INTO users
		    (user_id, email, password_hash, salt, iterations, role, tier,
		     locked_until, failure_count, last_failure_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, q,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Salt,
		user.Iterations,
		string(user.Role),
		string(user.Tier),
		nullableTime(user.LockedUntil),
		user.FailureCount,
		nullableTime(user.LastFailureAt),
		user.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 unique_violation on the email index.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return identity.ErrUserExists
		}
		return fmt.Errorf("user store: create: %w", err)
	}
	return nil
}

// UserByEmail implements [identity.UserStore].
func (s *UserStore) UserByEmail(ctx context.Context, email string) (*identity.User, error) {
	return s.queryOne(ctx, `WHERE lower(email) = lower($1)`, email)
}

// UserByID implements [identity.UserStore].
func (s *UserStore) UserByID(ctx context.Context, id string) (*identity.User, error) {
	return s.queryOne(ctx, `WHERE user_id = $1`, id)
}

func (s *UserStore) queryOne(ctx context.Context, where string, arg any) (*identity.User, error) {
	q := `
		SELECT user_id, email, password_hash, salt, iterations, role, tier,
		       locked_until, failure_count, last_failure_at, created_at
		FROM   users ` + where

	rows, err := s.pool.Query(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("user store: query: %w", err)
	}
	user, err := pgx.CollectOneRow(rows, scanUser)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user store: scan: %w", err)
	}
	return &user, nil
}

// UpdateUser implements [identity.UserStore].
func (s *UserStore) UpdateUser(ctx context.Context, user identity.User) error {
	const q = `
		UPDATE users
		SET    email = $2, password_hash = $3, salt = $4, iterations = $5,
		       role = $6, tier = $7, locked_until = $8, failure_count = $9,
		       last_failure_at = $10
		WHERE  user_id = $1`

	tag, err := s.pool.Exec(ctx, q,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Salt,
		user.Iterations,
		string(user.Role),
		string(user.Tier),
		nullableTime(user.LockedUntil),
		user.FailureCount,
		nullableTime(user.LastFailureAt),
	)
	if err != nil {
		return fmt.Errorf("user store: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// DeleteUser implements [identity.UserStore]. Sessions, turns, facts,
// enablement rows, and rate counters cascade via foreign keys.
func (s *UserStore) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM users WHERE user_id = $1`, id); err != nil {
		return fmt.Errorf("user store: delete: %w", err)
	}
	return nil
}

// CountAdmins implements [identity.UserStore].
func (s *UserStore) CountAdmins(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM users WHERE role = 'admin'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("user store: count admins: %w", err)
	}
	return n, nil
}

func scanUser(row pgx.CollectableRow) (identity.User, error) {
	var (
		u           identity.User
		role, tier  string
		lockedUntil *time.Time
		lastFailure *time.Time
	)
	if err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&u.Salt,
		&u.Iterations,
		&role,
		&tier,
		&lockedUntil,
		&u.FailureCount,
		&lastFailure,
		&u.CreatedAt,
	); err != nil {
		return identity.User{}, err
	}
	u.Role = identity.Role(role)
	u.Tier = identity.Tier(tier)
	if lockedUntil != nil {
		u.LockedUntil = *lockedUntil
	}
	if lastFailure != nil {
		u.LastFailureAt = *lastFailure
	}
	return u, nil
}

// nullableTime maps zero instants to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// SessionStore implements [identity.SessionStore] on the sessions table.
//
// Obtain one via [Store.Sessions] rather than constructing directly.
type SessionStore struct {
	pool *pgxpool.Pool
}

var _ identity.SessionStore = (*SessionStore)(nil)

// CreateSession implements [identity.SessionStore].
func (s *SessionStore) CreateSession(ctx context.Context, sess identity.Session) error {
	const q = `
		INSERT INTO sessions (token_hash, user_id, created_at, last_seen)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, sess.TokenHash, sess.UserID, sess.CreatedAt, sess.LastSeen); err != nil {
		return fmt.Errorf("session store: create: %w", err)
	}
	return nil
}

// SessionByTokenHash implements [identity.SessionStore].
func (s *SessionStore) SessionByTokenHash(ctx context.Context, tokenHash []byte) (*identity.Session, error) {
	const q = `
		SELECT token_hash, user_id, created_at, last_seen
		FROM   sessions
		WHERE  token_hash = $1`

	rows, err := s.pool.Query(ctx, q, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("session store: query: %w", err)
	}
	sess, err := pgx.CollectOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session store: scan: %w", err)
	}
	return &sess, nil
}

// TouchSession implements [identity.SessionStore].
func (s *SessionStore) TouchSession(ctx context.Context, tokenHash []byte, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET last_seen = $2 WHERE token_hash = $1`, tokenHash, at)
	if err != nil {
		return fmt.Errorf("session store: touch: %w", err)
	}
	return nil
}

// UserSessions implements [identity.SessionStore].
func (s *SessionStore) UserSessions(ctx context.Context, userID string) ([]identity.Session, error) {
	const q = `
		SELECT token_hash, user_id, created_at, last_seen
		FROM   sessions
		WHERE  user_id = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("session store: user sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("session store: scan: %w", err)
	}
	if sessions == nil {
		sessions = []identity.Session{}
	}
	return sessions, nil
}

// DeleteSession implements [identity.SessionStore].
func (s *SessionStore) DeleteSession(ctx context.Context, tokenHash []byte) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("session store: delete: %w", err)
	}
	return nil
}

// DeleteUserSessions implements [identity.SessionStore].
func (s *SessionStore) DeleteUserSessions(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("session store: delete user sessions: %w", err)
	}
	return nil
}

// DeleteIdleSessions implements [identity.SessionStore].
func (s *SessionStore) DeleteIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("session store: delete idle: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSession(row pgx.CollectableRow) (identity.Session, error) {
	var sess identity.Session
	if err := row.Scan(&sess.TokenHash, &sess.UserID, &sess.CreatedAt, &sess.LastSeen); err != nil {
		return identity.Session{}, err
	}
	return sess, nil
}
