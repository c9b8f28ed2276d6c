// Package secrets seals node credentials at rest using age encryption.
//
// The hub encrypts bearer tokens and legacy basic-auth passwords with an age
// X25519 recipient before the registry is written, and decrypts them with the
// matching identity when the registry is loaded.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"filippo.io/age"

	"github.com/narvanalabs/camfleet/internal/models"
)

// SealedPrefix marks a sealed value in the registry file.
const SealedPrefix = "age:"

var (
	// ErrNoPublicKey is returned when no public key is configured for sealing.
	ErrNoPublicKey = errors.New("no public key configured for sealing")
	// ErrNoPrivateKey is returned when a sealed value is found but no private key is configured.
	ErrNoPrivateKey = errors.New("no private key configured for unsealing")
	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Config holds the age key pair.
type Config struct {
	// AgePublicKey is the age recipient (age1...).
	AgePublicKey string
	// AgePrivateKey is the age identity (AGE-SECRET-KEY-1...).
	AgePrivateKey string
}

// Sealer encrypts and decrypts credential strings.
type Sealer struct {
	publicKey  *age.X25519Recipient
	privateKey *age.X25519Identity
	logger     *slog.Logger
}

// NewSealer creates a sealer. Either key may be empty. When only the private
// key is given, the public key is derived from it.
func NewSealer(cfg *Config, logger *slog.Logger) (*Sealer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sealer{logger: logger}

	if cfg.AgePrivateKey != "" {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(cfg.AgePrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrInvalidKey, err)
		}
		s.privateKey = identity
		s.publicKey = identity.Recipient()
	}

	if cfg.AgePublicKey != "" {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(cfg.AgePublicKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key: %v", ErrInvalidKey, err)
		}
		if s.privateKey != nil && recipient.String() != s.publicKey.String() {
			return nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidKey)
		}
		s.publicKey = recipient
	}

	return s, nil
}

// CanSeal returns true if the sealer is configured for encryption.
func (s *Sealer) CanSeal() bool {
	return s != nil && s.publicKey != nil
}

// CanOpen returns true if the sealer is configured for decryption.
func (s *Sealer) CanOpen() bool {
	return s != nil && s.privateKey != nil
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, SealedPrefix)
}

// Seal encrypts plaintext. Already sealed and empty values are returned unchanged.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" || IsSealed(plaintext) {
		return plaintext, nil
	}
	if !s.CanSeal() {
		return "", ErrNoPublicKey
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.publicKey)
	if err != nil {
		s.logger.Error("failed to create age encryptor", "error", err)
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return SealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a sealed value. Values without the sealed prefix were written
// before sealing was enabled and are returned unchanged.
func (s *Sealer) Open(value string) (string, error) {
	encoded, ok := strings.CutPrefix(value, SealedPrefix)
	if !ok {
		return value, nil
	}
	if !s.CanOpen() {
		return "", ErrNoPrivateKey
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.privateKey)
	if err != nil {
		s.logger.Error("failed to create age decryptor", "error", err)
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

// credentialMapper rewrites the secret parts of an Auth value.
type credentialMapper struct {
	fn  func(string) (string, error)
	out models.Auth
	err error
}

func (m *credentialMapper) VisitNone() {
	m.out = models.NoAuth{}
}

func (m *credentialMapper) VisitBearer(a models.BearerAuth) {
	tok, err := m.fn(a.Token)
	m.out, m.err = models.BearerAuth{Token: tok}, err
}

func (m *credentialMapper) VisitBasic(a models.BasicAuth) {
	pw, err := m.fn(a.Password)
	m.out, m.err = models.BasicAuth{Username: a.Username, Password: pw}, err
}

func mapAuth(a models.Auth, fn func(string) (string, error)) (models.Auth, error) {
	if a == nil {
		return models.NoAuth{}, nil
	}
	m := &credentialMapper{fn: fn}
	a.Accept(m)
	if m.err != nil {
		return nil, m.err
	}
	return m.out, nil
}

// SealAuth returns a copy of a with its secret material sealed.
func (s *Sealer) SealAuth(a models.Auth) (models.Auth, error) {
	return mapAuth(a, s.Seal)
}

// OpenAuth returns a copy of a with its secret material decrypted.
func (s *Sealer) OpenAuth(a models.Auth) (models.Auth, error) {
	return mapAuth(a, s.Open)
}

// PublicKey returns the configured recipient, or empty if not configured.
func (s *Sealer) PublicKey() string {
	if s.publicKey == nil {
		return ""
	}
	return s.publicKey.String()
}

// GenerateKeyPair generates a new age key pair.
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key pair: %w", err)
	}

	return identity.Recipient().String(), identity.String(), nil
}
