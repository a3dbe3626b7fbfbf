// Package auth verifies the shared secret the scheduler presents.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// Secret is a configured shared secret. Only its hash is kept.
type Secret struct {
	hash string
	set  bool
}

// NewSecret wraps a configured secret. A blank secret matches nothing.
func NewSecret(secret string) Secret {
	return Secret{hash: HashKey(secret), set: strings.TrimSpace(secret) != ""}
}

// Matches compares token against the secret in constant time.
func (s Secret) Matches(token string) bool {
	if !s.set {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashKey(token)), []byte(s.hash)) == 1
}
