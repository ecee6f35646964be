// Package identity implements user accounts and bearer-token sessions for the
// Voxa server: registration, password authentication with lockout, session
// issuance and resumption, and first-boot admin provisioning.
//
// Passwords are hashed with PBKDF2-HMAC-SHA256 using a per-user random salt.
// Session tokens are random 128-bit values handed to the client once and
// stored only as SHA-256 hashes.
package identity

import "time"

// Role is a user's authorization class.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Tier is a user's entitlement class, governing quotas and plugin access.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// User is a registered account.
type User struct {
	// ID is the stable opaque user identifier (a UUID).
	ID string

	// Email is the login identifier, unique across users.
	Email string

	// PasswordHash is the PBKDF2-HMAC-SHA256 digest of the password.
	PasswordHash []byte

	// Salt is the 16-byte random salt used for PasswordHash.
	Salt []byte

	// Iterations is the PBKDF2 iteration count used for PasswordHash.
	// Stored per user so the work factor can be raised without breaking
	// existing accounts.
	Iterations int

	// Role is admin or user.
	Role Role

	// Tier is free or paid.
	Tier Tier

	// LockedUntil, when in the future, blocks authentication attempts.
	LockedUntil time.Time

	// FailureCount is the number of consecutive failed logins.
	FailureCount int

	// LastFailureAt is when the most recent failed login happened.
	LastFailureAt time.Time

	// CreatedAt is when the account was registered.
	CreatedAt time.Time
}

// Session is an issued bearer token. The raw token is never stored; only its
// SHA-256 hash.
type Session struct {
	// TokenHash is the SHA-256 digest of the raw session token.
	TokenHash []byte

	// UserID is the owning user.
	UserID string

	// CreatedAt is when the session was issued.
	CreatedAt time.Time

	// LastSeen is the last time the session authenticated a request.
	LastSeen time.Time
}
