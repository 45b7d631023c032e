// ABOUTME: Agent credential hashing and verification using bcrypt
// ABOUTME: Hashes are stored on the agent record at provisioning time

package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned when a credential does not match the stored hash.
var ErrBadCredentials = errors.New("bad credentials")

// HashCredential produces a bcrypt hash of the given secret for storage.
func HashCredential(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing credential: %w", err)
	}
	return string(hash), nil
}

// VerifyCredential checks a secret against a stored bcrypt hash.
func VerifyCredential(hash, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrBadCredentials
	}
	return nil
}
