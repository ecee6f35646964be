package identity

import (
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

const (
	// pbkdf2Iterations is the default work factor for new password hashes.
	pbkdf2Iterations = 210_000

	// minIterations is the floor accepted for stored hashes.
	minIterations = 100_000

	saltLen = 16
	keyLen  = 32
)

// hashPassword derives a PBKDF2-HMAC-SHA256 digest of password with a fresh
// random salt.
func hashPassword(password string) (hash, salt []byte, iterations int, err error) {
	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, 0, fmt.Errorf("identity: generate salt: %w", err)
	}
	hash, err = pbkdf2.Key(sha256.New, password, salt, pbkdf2Iterations, keyLen)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("identity: derive key: %w", err)
	}
	return hash, salt, pbkdf2Iterations, nil
}

// verifyPassword reports whether password matches the stored hash.
// Comparison is constant-time.
func verifyPassword(password string, hash, salt []byte, iterations int) bool {
	if iterations < minIterations {
		return false
	}
	derived, err := pbkdf2.Key(sha256.New, password, salt, iterations, len(hash))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(derived, hash) == 1
}
