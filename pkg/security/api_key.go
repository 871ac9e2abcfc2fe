package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashAPIKey returns the stored form of a client API key: a plain
// SHA-256 hex digest, so the raw key is never persisted (§6
// "X-API-Key: <hashed-key>").
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey checks a presented raw key against a stored hash in
// constant time.
func VerifyAPIKey(raw, storedHash string) bool {
	got := HashAPIKey(raw)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}
