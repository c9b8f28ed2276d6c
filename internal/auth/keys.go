package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// apiKeyPrefix marks keys minted by GenerateAPIKey so they are easy to spot
// in leaked logs.
const apiKeyPrefix = "cfk_"

// APIKey is a configured operator key. Only its SHA-256 digest is held.
type APIKey struct {
	ID      string
	Name    string
	Role    Role
	KeyHash string
}

// APIKeyStore resolves a key digest to its entry.
type APIKeyStore interface {
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
}

// hashedKeyPrefix marks a configured key that is already a SHA256 hex digest.
const hashedKeyPrefix = "sha256="

// StaticKeyStore serves API keys configured in the environment. Entries have
// the form "name:role:key" or "name:key" (admin role). A key written as
// "sha256=<hex>" is taken as an already hashed key.
type StaticKeyStore struct {
	byHash map[string]*APIKey
}

// ParseStaticKeys builds a StaticKeyStore from configuration entries.
func ParseStaticKeys(entries []string) (*StaticKeyStore, error) {
	s := &StaticKeyStore{byHash: make(map[string]*APIKey, len(entries))}

	for i, entry := range entries {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		var name, role, key string
		switch len(parts) {
		case 2:
			name, role, key = parts[0], string(RoleAdmin), parts[1]
		case 3:
			name, role, key = parts[0], parts[1], parts[2]
		default:
			return nil, fmt.Errorf("api key %d: expected name:role:key", i)
		}

		if name == "" || key == "" {
			return nil, fmt.Errorf("api key %d: name and key are required", i)
		}
		if !Role(role).Valid() {
			return nil, fmt.Errorf("api key %q: %w %q", name, ErrInvalidRole, role)
		}

		hash := HashAPIKey(key)
		if digest, ok := strings.CutPrefix(key, hashedKeyPrefix); ok {
			hash = strings.ToLower(digest)
		}
		if _, dup := s.byHash[hash]; dup {
			return nil, fmt.Errorf("api key %q: duplicate key", name)
		}

		s.byHash[hash] = &APIKey{
			ID:      "key:" + name,
			Name:    name,
			Role:    Role(role),
			KeyHash: hash,
		}
	}

	return s, nil
}

// GetByHash implements APIKeyStore.
func (s *StaticKeyStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	key, ok := s.byHash[hash]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return key, nil
}

// Len returns the number of configured keys.
func (s *StaticKeyStore) Len() int {
	return len(s.byHash)
}

// ValidateAPIKey resolves a raw API key to its operator.
func (s *Service) ValidateAPIKey(ctx context.Context, raw string) (*Operator, error) {
	if raw == "" || s.keys == nil {
		return nil, ErrInvalidAPIKey
	}
	key, err := s.keys.GetByHash(ctx, HashAPIKey(raw))
	if err != nil || key == nil {
		s.log.Debug("API key rejected", "error", err)
		return nil, ErrInvalidAPIKey
	}
	return &Operator{ID: key.ID, Name: key.Name, Role: key.Role}, nil
}

// GenerateAPIKey returns a fresh random key. It is printed once; the hub
// only needs its digest.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashAPIKey returns the hex SHA-256 digest of key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
