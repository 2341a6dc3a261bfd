package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SecretHasher hashes and verifies client secrets. Verify must be
// constant-time with respect to the secret so that authentication cannot leak
// whether a stored hash exists or how close a guess was.
type SecretHasher interface {
	Hash(secret string) (string, error)
	Verify(secret, hash string) bool

	// VerifyDummy burns a verification against a throwaway hash. Callers use
	// it on the unknown-client path so lookups and mismatches take the same
	// time.
	VerifyDummy(secret string)
}

// Compile-time interface check.
var _ SecretHasher = (*BcryptHasher)(nil)

// BcryptHasher is the default SecretHasher, backed by bcrypt.
type BcryptHasher struct {
	// Cost is the bcrypt cost parameter. Zero means bcrypt.DefaultCost.
	Cost int
}

// dummyBcryptHash is a valid bcrypt hash compared against when no real hash is
// available, so that verification work is done regardless of whether the
// client exists. The hashed value is irrelevant; no secret ever matches it on
// the unknown-client path because the caller discards the result.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Hash hashes a secret with bcrypt.
func (h *BcryptHasher) Hash(secret string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(out), nil
}

// Verify reports whether secret matches hash. bcrypt comparison is
// constant-time by construction.
func (h *BcryptHasher) Verify(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// VerifyDummy performs a bcrypt comparison against a fixed dummy hash. Called
// on the client-not-found path so lookups and mismatches take the same time.
func (h *BcryptHasher) VerifyDummy(secret string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(secret))
}
