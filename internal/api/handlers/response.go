// Package handlers implements the hub's HTTP endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/camfleet/internal/api/errors"
	"github.com/narvanalabs/camfleet/internal/discovery"
	"github.com/narvanalabs/camfleet/internal/models"
	"github.com/narvanalabs/camfleet/internal/registry"
)

// maxBodySize bounds node create and update request bodies.
const maxBodySize = 64 << 10

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteAPIError writes e with the request's id attached.
func WriteAPIError(w http.ResponseWriter, r *http.Request, e *apierrors.APIError) {
	apierrors.WriteErrorWithRequestID(w, e, middleware.GetReqID(r.Context()))
}

// WriteError maps a service error onto the structured API error codes.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	WriteAPIError(w, r, toAPIError(r.Context(), logger, err))
}

func toAPIError(ctx context.Context, logger *slog.Logger, err error) *apierrors.APIError {
	if fields := registry.Fields(err); fields.HasErrors() {
		out := make(apierrors.FieldErrors, 0, len(fields))
		for _, fe := range fields {
			out.Add(fe.Field, fe.Message)
		}
		return out.ToAPIError()
	}

	switch {
	case errors.Is(err, discovery.ErrUnauthorized):
		return apierrors.NewUnauthorizedError("invalid discovery credential")
	case errors.Is(err, registry.ErrInvalidNode):
		return apierrors.NewInvalidNodeError(err.Error())
	case errors.Is(err, registry.ErrDuplicateID):
		return apierrors.NewDuplicateIDError(err.Error())
	case errors.Is(err, registry.ErrNotFound):
		return apierrors.NewNotFoundError(err.Error())
	case errors.Is(err, registry.ErrPersistence):
		logger.ErrorContext(ctx, "registry persistence failure", "error", err)
		return apierrors.NewPersistenceError("registry temporarily unavailable, retry later")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apierrors.NewUnavailableError("request did not complete in time")
	default:
		logger.ErrorContext(ctx, "unhandled error", "error", err)
		return apierrors.NewInternalError("An unexpected error occurred")
	}
}

// decodeJSON strictly decodes one JSON object from the request body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid JSON body: trailing data")
	}
	return nil
}

// AuthView is the redacted credential shown in API responses.
type AuthView struct {
	Type models.AuthKind `json:"type"`
}

// NodeView is a node as returned by the API. Credentials are reduced to
// their kind.
type NodeView struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	BaseURL        string                `json:"base_url"`
	Transport      models.Transport      `json:"transport"`
	Auth           AuthView              `json:"auth"`
	Labels         map[string]string     `json:"labels,omitempty"`
	Capabilities   []string              `json:"capabilities,omitempty"`
	LastSeen       *time.Time            `json:"last_seen,omitempty"`
	Classification models.Classification `json:"classification"`
	CachedStatus   *models.NodeStatus    `json:"cached_status,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// NewNodeView redacts n.
func NewNodeView(n *models.Node) NodeView {
	kind := models.AuthKindNone
	if n.Auth != nil {
		kind = n.Auth.Kind()
	}
	return NodeView{
		ID:             n.ID,
		Name:           n.Name,
		BaseURL:        n.BaseURL,
		Transport:      n.Transport,
		Auth:           AuthView{Type: kind},
		Labels:         n.Labels,
		Capabilities:   n.Capabilities,
		LastSeen:       n.LastSeen,
		Classification: n.CachedStatus.Classify(),
		CachedStatus:   n.CachedStatus,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
	}
}
