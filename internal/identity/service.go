package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxConsecutiveFailures = 5
	failureWindow          = 15 * time.Minute
	lockDuration           = 30 * time.Minute

	minPasswordLen = 8

	// adminEmail is the login of the first-boot admin account.
	adminEmail = "admin@localhost"

	adminPasswordLen = 24
)

// Service implements registration, authentication, and session management on
// top of a [UserStore] and a [SessionStore].
type Service struct {
	users    UserStore
	sessions SessionStore

	sessionTTL  time.Duration
	maxSessions int

	now func() time.Time
}

// ServiceOption configures a [Service].
type ServiceOption func(*Service)

// WithSessionTTL sets how long an idle session stays valid. Default 24 h.
func WithSessionTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.sessionTTL = d
		}
	}
}

// WithMaxSessionsPerUser caps concurrent sessions per user; exceeding the cap
// evicts the oldest session. Default 5.
func WithMaxSessionsPerUser(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// NewService creates an identity service over the given stores.
func NewService(users UserStore, sessions SessionStore, opts ...ServiceOption) *Service {
	s := &Service{
		users:       users,
		sessions:    sessions,
		sessionTTL:  24 * time.Hour,
		maxSessions: 5,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register creates a new free-tier user account and returns its user ID.
// Returns [ErrUserExists] when the email is already registered.
func (s *Service) Register(ctx context.Context, email, password string) (string, error) {
	email = normalizeEmail(email)
	if !strings.Contains(email, "@") {
		return "", fmt.Errorf("identity: register: %q is not a valid email", email)
	}
	if len(password) < minPasswordLen {
		return "", fmt.Errorf("identity: register: password must be at least %d characters", minPasswordLen)
	}

	hash, salt, iters, err := hashPassword(password)
	if err != nil {
		return "", err
	}
	user := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Salt:         salt,
		Iterations:   iters,
		Role:         RoleUser,
		Tier:         TierFree,
		CreatedAt:    s.now(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return "", err
	}
	return user.ID, nil
}

// Authenticate verifies the credentials and, on success, issues a session
// token. The raw token is returned to the caller exactly once.
//
// Five consecutive failures within fifteen minutes lock the account for
// thirty minutes ([ErrAccountLocked]); a successful login clears the counter.
func (s *Service) Authenticate(ctx context.Context, email, password string) (token, userID string, err error) {
	user, err := s.users.UserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return "", "", fmt.Errorf("identity: authenticate: %w", err)
	}
	if user == nil {
		return "", "", ErrInvalidCredentials
	}

	now := s.now()
	if now.Before(user.LockedUntil) {
		return "", "", ErrAccountLocked
	}

	if !verifyPassword(password, user.PasswordHash, user.Salt, user.Iterations) {
		s.recordFailure(ctx, user, now)
		return "", "", ErrInvalidCredentials
	}

	if user.FailureCount != 0 || !user.LockedUntil.IsZero() {
		user.FailureCount = 0
		user.LockedUntil = time.Time{}
		user.LastFailureAt = time.Time{}
		if err := s.users.UpdateUser(ctx, *user); err != nil {
			slog.Warn("failed to clear login failure counter", "user_id", user.ID, "err", err)
		}
	}

	token, err = s.issueSession(ctx, user.ID, now)
	if err != nil {
		return "", "", err
	}
	return token, user.ID, nil
}

// recordFailure bumps the consecutive-failure counter and applies the lockout
// once the threshold is crossed. Failures further apart than the window
// restart the count.
func (s *Service) recordFailure(ctx context.Context, user *User, now time.Time) {
	if now.Sub(user.LastFailureAt) > failureWindow {
		user.FailureCount = 0
	}
	user.FailureCount++
	user.LastFailureAt = now
	if user.FailureCount >= maxConsecutiveFailures {
		user.LockedUntil = now.Add(lockDuration)
		user.FailureCount = 0
		slog.Warn("account locked after repeated login failures",
			"user_id", user.ID, "locked_until", user.LockedUntil)
	}
	if err := s.users.UpdateUser(ctx, *user); err != nil {
		slog.Warn("failed to record login failure", "user_id", user.ID, "err", err)
	}
}

// issueSession creates a session for userID, evicting the oldest session when
// the per-user cap is exceeded.
func (s *Service) issueSession(ctx context.Context, userID string, now time.Time) (string, error) {
	existing, err := s.sessions.UserSessions(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("identity: list sessions: %w", err)
	}
	for len(existing) >= s.maxSessions {
		oldest := existing[0]
		if err := s.sessions.DeleteSession(ctx, oldest.TokenHash); err != nil {
			return "", fmt.Errorf("identity: evict session: %w", err)
		}
		existing = existing[1:]
	}

	raw, hash, err := newSessionToken()
	if err != nil {
		return "", err
	}
	sess := Session{TokenHash: hash, UserID: userID, CreatedAt: now, LastSeen: now}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("identity: create session: %w", err)
	}
	return raw, nil
}

// Resume validates a bearer token and returns the owning user. The session's
// last-seen instant is refreshed.
//
// Returns [ErrUnknownSession] for tokens that match nothing and
// [ErrSessionExpired] for sessions idle beyond the TTL (which are removed).
func (s *Service) Resume(ctx context.Context, token string) (*User, error) {
	hash := hashToken(token)
	sess, err := s.sessions.SessionByTokenHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("identity: resume: %w", err)
	}
	if sess == nil {
		return nil, ErrUnknownSession
	}

	now := s.now()
	if now.Sub(sess.LastSeen) > s.sessionTTL {
		if err := s.sessions.DeleteSession(ctx, hash); err != nil {
			slog.Warn("failed to delete expired session", "user_id", sess.UserID, "err", err)
		}
		return nil, ErrSessionExpired
	}

	if err := s.sessions.TouchSession(ctx, hash, now); err != nil {
		slog.Warn("failed to touch session", "user_id", sess.UserID, "err", err)
	}

	user, err := s.users.UserByID(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("identity: resume: %w", err)
	}
	if user == nil {
		// The account was deleted out from under the session.
		return nil, ErrUnknownSession
	}
	return user, nil
}

// ListSessions returns userID's active sessions, oldest first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	return s.sessions.UserSessions(ctx, userID)
}

// Revoke invalidates a single session token. Revoking an unknown token is
// not an error.
func (s *Service) Revoke(ctx context.Context, token string) error {
	return s.sessions.DeleteSession(ctx, hashToken(token))
}

// ChangePassword verifies the old password, installs a new hash, and
// invalidates every session of the user.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.users.UserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("identity: change password: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}
	if !verifyPassword(oldPassword, user.PasswordHash, user.Salt, user.Iterations) {
		return ErrInvalidCredentials
	}
	if len(newPassword) < minPasswordLen {
		return fmt.Errorf("identity: change password: password must be at least %d characters", minPasswordLen)
	}

	hash, salt, iters, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.Salt = salt
	user.Iterations = iters
	if err := s.users.UpdateUser(ctx, *user); err != nil {
		return fmt.Errorf("identity: change password: %w", err)
	}
	return s.sessions.DeleteUserSessions(ctx, userID)
}

// DeleteAccount removes the user and all their sessions. Memory rows cascade
// at the storage layer; in-process deployments clean up via the memory
// manager.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	if err := s.sessions.DeleteUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("identity: delete account: %w", err)
	}
	if err := s.users.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("identity: delete account: %w", err)
	}
	return nil
}

// PurgeIdleSessions removes sessions idle beyond the TTL. Run periodically.
func (s *Service) PurgeIdleSessions(ctx context.Context) (int, error) {
	return s.sessions.DeleteIdleSessions(ctx, s.now().Add(-s.sessionTTL))
}

// BootstrapAdmin creates the first admin account when none exists. The
// generated password is written once to passwordFile with owner-only read
// permission; the operator is expected to change it.
func (s *Service) BootstrapAdmin(ctx context.Context, passwordFile string) error {
	n, err := s.users.CountAdmins(ctx)
	if err != nil {
		return fmt.Errorf("identity: bootstrap admin: %w", err)
	}
	if n > 0 {
		return nil
	}

	password, err := generatePassword(adminPasswordLen)
	if err != nil {
		return err
	}
	hash, salt, iters, err := hashPassword(password)
	if err != nil {
		return err
	}
	admin := User{
		ID:           uuid.NewString(),
		Email:        adminEmail,
		PasswordHash: hash,
		Salt:         salt,
		Iterations:   iters,
		Role:         RoleAdmin,
		Tier:         TierPaid,
		CreatedAt:    s.now(),
	}
	if err := s.users.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("identity: bootstrap admin: %w", err)
	}

	content := fmt.Sprintf("email: %s\npassword: %s\n", adminEmail, password)
	if err := os.WriteFile(passwordFile, []byte(content), 0o400); err != nil {
		return fmt.Errorf("identity: write admin password file: %w", err)
	}
	slog.Warn("created initial admin account, change its password immediately",
		"email", adminEmail, "password_file", passwordFile)
	return nil
}

// passwordAlphabet excludes easily confused characters.
const passwordAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789-_"

// generatePassword returns a random password of length n.
func generatePassword(n int) (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("identity: generate password: %w", err)
		}
		b.WriteByte(passwordAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
