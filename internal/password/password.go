package password

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher applies a slow salted hash to password credentials.
type Hasher struct {
	cost int
}

// NewHasher builds a password hasher with the given bcrypt cost. Costs outside
// the bcrypt range fall back to the library default.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash derives a one-way bcrypt hash of the plaintext password.
func (h *Hasher) Hash(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether the plaintext matches the stored hash. A malformed
// hash is treated as a mismatch, never an error.
func (h *Hasher) Verify(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// HashOtpCode binds an OTP code to its challenge so a code can never be
// replayed against a different challenge, even when two challenges happen to
// share the same digits.
func HashOtpCode(challengeID, code string) string {
	sum := sha256.Sum256([]byte(challengeID + ":" + code))
	return hex.EncodeToString(sum[:])
}

// OtpCodeMatches compares two OTP code hashes in constant time.
func OtpCodeMatches(expectedHash, actualHash string) bool {
	expected, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}
	actual, err := hex.DecodeString(actualHash)
	if err != nil {
		return false
	}
	if len(expected) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare(expected, actual) == 1
}
