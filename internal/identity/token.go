package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// newSessionToken generates a random 128-bit session token and its storage
// hash. The raw token goes to the client exactly once.
func newSessionToken() (raw string, hash []byte, err error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("identity: generate token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, hashToken(raw), nil
}

// hashToken returns the SHA-256 digest under which a raw token is stored.
func hashToken(raw string) []byte {
	sum := sha256.Sum256([]byte(raw))
	return sum[:]
}

// SessionID derives a stable session identifier from a raw bearer token: a
// truncated hex form of the storage hash. It keys per-session state and is
// safe to log, since the token cannot be recovered from it.
func SessionID(token string) string {
	return hex.EncodeToString(hashToken(token)[:12])
}
