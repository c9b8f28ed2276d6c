package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/narvanalabs/camfleet/internal/api/errors"
	"github.com/narvanalabs/camfleet/internal/api/middleware"
	"github.com/narvanalabs/camfleet/internal/auth"
	"github.com/narvanalabs/camfleet/internal/models"
	"github.com/narvanalabs/camfleet/internal/registry"
	"github.com/narvanalabs/camfleet/pkg/logger"
)

// NodeRegistry is the registry surface the node endpoints need.
type NodeRegistry interface {
	Get(ctx context.Context, id string) (*models.Node, error)
	List(ctx context.Context) []*models.Node
	Create(ctx context.Context, n *models.Node) (*models.Node, error)
	Update(ctx context.Context, id string, patch registry.NodePatch) (*models.Node, error)
	Delete(ctx context.Context, id string) error
	UpdateStatuses(ctx context.Context, statuses []*models.NodeStatus) error
}

// NodeProber probes a single node on demand.
type NodeProber interface {
	ProbeNode(ctx context.Context, n *models.Node) *models.NodeStatus
}

// NodeHandler handles node CRUD and per-node status requests.
type NodeHandler struct {
	registry NodeRegistry
	prober   NodeProber
	logger   *slog.Logger
}

// NewNodeHandler creates a new node handler.
func NewNodeHandler(reg NodeRegistry, prober NodeProber, logger *slog.Logger) *NodeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeHandler{
		registry: reg,
		prober:   prober,
		logger:   logger,
	}
}

// CreateNodeRequest is the body of POST /api/nodes.
type CreateNodeRequest struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	BaseURL      string               `json:"base_url"`
	Transport    models.Transport     `json:"transport"`
	Auth         *models.AuthDocument `json:"auth"`
	Labels       map[string]string    `json:"labels"`
	Capabilities []string             `json:"capabilities"`
}

// UpdateNodeRequest is the body of PATCH /api/nodes/{id}. Absent fields are
// left unchanged.
type UpdateNodeRequest struct {
	Name         *string              `json:"name"`
	BaseURL      *string              `json:"base_url"`
	Transport    *models.Transport    `json:"transport"`
	Auth         *models.AuthDocument `json:"auth"`
	Labels       *map[string]string   `json:"labels"`
	Capabilities *[]string            `json:"capabilities"`
}

// decodeAuth accepts only credentials current code may write.
func decodeAuth(doc *models.AuthDocument) (models.Auth, *apierrors.APIError) {
	if doc == nil {
		return nil, nil
	}
	a, err := models.DecodeAuth(*doc)
	if err != nil {
		var fields apierrors.FieldErrors
		fields.Add("auth", err.Error())
		return nil, fields.ToAPIError()
	}
	return a, nil
}

// List handles GET /api/nodes.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes := h.registry.List(r.Context())
	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, NewNodeView(n))
	}
	WriteJSON(w, http.StatusOK, views)
}

// Get handles GET /api/nodes/{id}.
func (h *NodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, NewNodeView(n))
}

// Create handles POST /api/nodes.
func (h *NodeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteAPIError(w, r, apierrors.NewInvalidNodeError(err.Error()))
		return
	}

	a, apiErr := decodeAuth(req.Auth)
	if apiErr != nil {
		WriteAPIError(w, r, apiErr)
		return
	}

	n, err := h.registry.Create(r.Context(), &models.Node{
		ID:           req.ID,
		Name:         req.Name,
		BaseURL:      req.BaseURL,
		Transport:    req.Transport,
		Auth:         a,
		Labels:       req.Labels,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "node created", "node_id", n.ID, "operator", operatorID(r))
	w.Header().Set("Location", "/api/nodes/"+n.ID)
	WriteJSON(w, http.StatusCreated, NewNodeView(n))
}

// Update handles PATCH /api/nodes/{id}.
func (h *NodeHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteAPIError(w, r, apierrors.NewInvalidNodeError(err.Error()))
		return
	}

	a, apiErr := decodeAuth(req.Auth)
	if apiErr != nil {
		WriteAPIError(w, r, apiErr)
		return
	}

	id := chi.URLParam(r, "id")
	n, err := h.registry.Update(r.Context(), id, registry.NodePatch{
		Name:         req.Name,
		BaseURL:      req.BaseURL,
		Transport:    req.Transport,
		Auth:         a,
		Labels:       req.Labels,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "node updated", "node_id", id, "operator", operatorID(r))
	WriteJSON(w, http.StatusOK, NewNodeView(n))
}

// Delete handles DELETE /api/nodes/{id}.
func (h *NodeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Delete(r.Context(), id); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "node deleted", "node_id", id, "operator", operatorID(r))
	w.WriteHeader(http.StatusNoContent)
}

// StatusResponse is the body of GET /api/nodes/{id}/status.
type StatusResponse struct {
	NodeID         string                `json:"node_id"`
	Cached         bool                  `json:"cached"`
	Classification models.Classification `json:"classification"`
	Status         *models.NodeStatus    `json:"status"`
}

// Status handles GET /api/nodes/{id}/status. It probes the node now and
// writes the result back, unless ?cached=true is given or the caller may not
// trigger probes.
func (h *NodeHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := logger.ContextWithNodeID(r.Context(), chi.URLParam(r, "id"))
	n, err := h.registry.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	if wantCached(r) {
		WriteJSON(w, http.StatusOK, StatusResponse{
			NodeID:         n.ID,
			Cached:         true,
			Classification: n.CachedStatus.Classify(),
			Status:         n.CachedStatus,
		})
		return
	}

	// The probe and its write-back outlive the request; ctx only bounds the wait.
	result := make(chan *models.NodeStatus, 1)
	go func(ctx context.Context) {
		st := h.prober.ProbeNode(ctx, n)
		if err := h.registry.UpdateStatuses(ctx, []*models.NodeStatus{st}); err != nil {
			h.logger.WarnContext(ctx, "status write-back failed", "node_id", n.ID, "error", err)
		}
		result <- st
	}(context.WithoutCancel(ctx))

	var st *models.NodeStatus
	select {
	case st = <-result:
	case <-ctx.Done():
		h.logger.DebugContext(ctx, "caller left before the probe finished", "node_id", n.ID, "cause", context.Cause(ctx))
		return
	}

	WriteJSON(w, http.StatusOK, StatusResponse{
		NodeID:         n.ID,
		Classification: st.Classify(),
		Status:         st,
	})
}

// wantCached reports whether the request must be served without probing.
func wantCached(r *http.Request) bool {
	if r.URL.Query().Get("cached") == "true" {
		return true
	}
	op := middleware.GetOperator(r.Context())
	return op != nil && !auth.HasPermission(op.Role, auth.PermissionProbe)
}

func operatorID(r *http.Request) string {
	if op := middleware.GetOperator(r.Context()); op != nil {
		return op.ID
	}
	return ""
}
