package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/narvanalabs/camfleet/internal/api/errors"
	"github.com/narvanalabs/camfleet/internal/discovery"
	"github.com/narvanalabs/camfleet/internal/models"
)

// AnnouncementReceiver handles a raw discovery announcement.
type AnnouncementReceiver interface {
	Receive(ctx context.Context, credential string, payload []byte) (*models.Node, bool, error)
}

// DiscoveryHandler serves node self-registration.
type DiscoveryHandler struct {
	receiver AnnouncementReceiver
	logger   *slog.Logger
}

// NewDiscoveryHandler creates a discovery handler.
func NewDiscoveryHandler(receiver AnnouncementReceiver, logger *slog.Logger) *DiscoveryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryHandler{receiver: receiver, logger: logger}
}

// Announce handles POST /api/discovery/announce: 201 when the node was
// created, 200 when an existing record was refreshed.
func (h *DiscoveryHandler) Announce(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, discovery.MaxAnnouncementSize+1))
	if err != nil {
		WriteAPIError(w, r, apierrors.NewInvalidRequestError("reading request body: "+err.Error()))
		return
	}

	n, created, err := h.receiver.Receive(r.Context(), r.Header.Get(discovery.SecretHeader), payload)
	if err != nil {
		h.logger.Warn("discovery announcement rejected", "remote_addr", r.RemoteAddr, "error", err)
		WriteError(w, r, h.logger, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	WriteJSON(w, status, NewNodeView(n))
}
