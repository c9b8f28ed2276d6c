package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	apierrors "github.com/narvanalabs/camfleet/internal/api/errors"
	"github.com/narvanalabs/camfleet/internal/auth"
)

type contextKey string

// OperatorKey is the context key for the authenticated operator.
const OperatorKey contextKey = "operator"

// GetOperator returns the authenticated operator, or nil.
func GetOperator(ctx context.Context) *auth.Operator {
	op, _ := ctx.Value(OperatorKey).(*auth.Operator)
	return op
}

// WithOperator returns ctx carrying op.
func WithOperator(ctx context.Context, op *auth.Operator) context.Context {
	return context.WithValue(ctx, OperatorKey, op)
}

// AuthMiddleware handles JWT and API key authentication of operators.
type AuthMiddleware struct {
	authService  *auth.Service
	apiKeyHeader string
	logger       *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(authService *auth.Service, apiKeyHeader string, logger *slog.Logger) *AuthMiddleware {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{
		authService:  authService,
		apiKeyHeader: apiKeyHeader,
		logger:       logger,
	}
}

// Authenticate validates an API key or a bearer JWT and stores the operator
// in the request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var op *auth.Operator

		if apiKey := r.Header.Get(m.apiKeyHeader); apiKey != "" {
			var err error
			op, err = m.authService.ValidateAPIKey(r.Context(), apiKey)
			if err != nil {
				m.logger.Debug("API key validation failed", "error", err)
				writeUnauthorized(w, r, "Invalid API key")
				return
			}
		} else {
			token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" && websocket.IsWebSocketUpgrade(r) {
				// Browsers cannot set headers on WebSocket handshakes.
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				writeUnauthorized(w, r, "Missing authentication")
				return
			}

			claims, err := m.authService.ValidateToken(token)
			if err != nil {
				m.logger.Debug("JWT validation failed", "error", err)
				if errors.Is(err, auth.ErrExpiredToken) {
					writeUnauthorized(w, r, "Token has expired")
					return
				}
				writeUnauthorized(w, r, "Invalid token")
				return
			}
			op = &auth.Operator{ID: claims.OperatorID, Name: claims.Name, Role: claims.Role}
		}

		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
	})
}

// RequirePermission rejects operators whose role lacks permission.
func RequirePermission(permission auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op := GetOperator(r.Context())
			if op == nil {
				writeUnauthorized(w, r, "Authentication required")
				return
			}
			if err := auth.CheckPermission(op.Role, permission); err != nil {
				apierrors.WriteErrorWithRequestID(w,
					apierrors.NewForbiddenError("Role "+string(op.Role)+" lacks permission "+string(permission)),
					middleware.GetReqID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StaticBearer protects a handler with a single shared bearer token. An
// empty token leaves the handler open.
func StaticBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := auth.ExtractBearerToken(r.Header.Get("Authorization"))
			if got == "" || !auth.SecureCompare(got, token) {
				writeUnauthorized(w, r, "Invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireStaticBearer is StaticBearer for endpoints that must stay closed
// when no token is configured.
func RequireStaticBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				apierrors.WriteErrorWithRequestID(w,
					apierrors.NewForbiddenError("endpoint disabled: no API token configured"),
					middleware.GetReqID(r.Context()))
			})
		}
		return StaticBearer(token)(next)
	}
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="camfleet"`)
	apierrors.WriteErrorWithRequestID(w, apierrors.NewUnauthorizedError(message), middleware.GetReqID(r.Context()))
}
