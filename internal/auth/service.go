// Package auth provides operator authentication for the hub API and the
// shared-secret check used by node discovery.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer is stamped into every operator JWT and required on validation.
const tokenIssuer = "camfleet-hub"

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrMissingClaims    = errors.New("missing required claims")
	ErrInvalidSignature = errors.New("invalid token signature")
)

// Operator is an authenticated API caller.
type Operator struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Claims is the validated content of an operator token.
type Claims struct {
	OperatorID string
	Name       string
	Role       Role
	Exp        time.Time
}

// operatorClaims is the signed JWT body.
type operatorClaims struct {
	Name string `json:"name,omitempty"`
	Role Role   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Config holds the JWT settings.
type Config struct {
	JWTSecret   []byte
	TokenExpiry time.Duration
}

// Service signs and checks operator JWTs and resolves API keys.
type Service struct {
	secret []byte
	expiry time.Duration
	keys   APIKeyStore
	log    *slog.Logger
	parser *jwt.Parser
}

// NewService returns a Service. keys may be nil when API keys are disabled.
func NewService(cfg *Config, keys APIKeyStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		secret: cfg.JWTSecret,
		expiry: cfg.TokenExpiry,
		keys:   keys,
		log:    logger,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithExpirationRequired(),
		),
	}
}

// GenerateToken signs a token for operatorID valid for the configured expiry.
func (s *Service) GenerateToken(operatorID, name string, role Role) (string, error) {
	switch {
	case operatorID == "":
		return "", ErrMissingClaims
	case len(s.secret) == 0:
		return "", fmt.Errorf("signing token: no JWT secret configured")
	case !role.Valid():
		return "", ErrInvalidRole
	}

	now := time.Now()
	claims := operatorClaims{
		Name: name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		s.log.Error("failed to sign token", "operator", operatorID, "error", err)
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks the signature, issuer and expiry of raw and returns
// its claims.
func (s *Service) ValidateToken(raw string) (*Claims, error) {
	if raw == "" || len(s.secret) == 0 {
		return nil, ErrInvalidToken
	}

	var oc operatorClaims
	_, err := s.parser.ParseWithClaims(raw, &oc, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrInvalidSignature
	case err != nil:
		return nil, ErrInvalidToken
	}

	if oc.Subject == "" || oc.ExpiresAt == nil {
		return nil, ErrMissingClaims
	}

	// A token without a role predates RBAC and keeps full access.
	role := oc.Role
	if role == "" {
		role = RoleAdmin
	} else if !role.Valid() {
		return nil, ErrInvalidRole
	}

	return &Claims{
		OperatorID: oc.Subject,
		Name:       oc.Name,
		Role:       role,
		Exp:        oc.ExpiresAt.Time,
	}, nil
}

// ExtractBearerToken returns the credential of a "Bearer <token>" header,
// or "" for any other scheme.
func ExtractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// SecureCompare reports whether a and b are equal in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
