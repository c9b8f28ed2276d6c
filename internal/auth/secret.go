package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidSecret is returned when a discovery credential does not match.
var ErrInvalidSecret = errors.New("invalid discovery secret")

// SecretVerifier checks the shared secret nodes present when announcing
// themselves. It is configured independently of operator credentials.
type SecretVerifier struct {
	plain []byte
	hash  []byte
}

// NewSecretVerifier accepts either the plain secret or a bcrypt hash of it.
func NewSecretVerifier(secret string) (*SecretVerifier, error) {
	if secret == "" {
		return nil, errors.New("discovery secret is empty")
	}
	if strings.HasPrefix(secret, "$2") {
		if _, err := bcrypt.Cost([]byte(secret)); err != nil {
			return nil, fmt.Errorf("parsing bcrypt discovery secret: %w", err)
		}
		return &SecretVerifier{hash: []byte(secret)}, nil
	}
	return &SecretVerifier{plain: []byte(secret)}, nil
}

// Verify returns ErrInvalidSecret unless candidate matches.
func (v *SecretVerifier) Verify(candidate string) error {
	if candidate == "" {
		return ErrInvalidSecret
	}
	if v.hash != nil {
		if bcrypt.CompareHashAndPassword(v.hash, []byte(candidate)) != nil {
			return ErrInvalidSecret
		}
		return nil
	}
	if !SecureCompare(string(v.plain), candidate) {
		return ErrInvalidSecret
	}
	return nil
}

// HashSecret returns a bcrypt hash suitable for DISCOVERY_SECRET.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(h), nil
}
