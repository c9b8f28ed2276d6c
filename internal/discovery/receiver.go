// Package discovery implements node self-registration: the hub-side Receiver
// that validates announcements and the node-side Announcer that sends them.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/camfleet/internal/models"
	"github.com/narvanalabs/camfleet/internal/registry"
)

// SecretHeader carries the discovery credential.
const SecretHeader = "X-Discovery-Secret"

// MaxAnnouncementSize bounds an announcement body.
const MaxAnnouncementSize = 64 << 10

var (
	// ErrUnauthorized is returned when the discovery credential does not match.
	ErrUnauthorized = errors.New("invalid discovery credential")
	// ErrInvalidAnnouncement is returned for payloads that do not decode.
	ErrInvalidAnnouncement = fmt.Errorf("%w: malformed announcement", registry.ErrInvalidNode)
)

// Announcement is the self-registration payload. Absent fields leave the
// registered node's current values untouched.
type Announcement struct {
	ID           string            `json:"id"`
	Name         *string           `json:"name,omitempty"`
	BaseURL      *string           `json:"base_url,omitempty"`
	Transport    *models.Transport `json:"transport,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// Upserter applies a validated announcement to the registry.
//
//go:generate mockgen -destination=mock_upserter.go -package=discovery github.com/narvanalabs/camfleet/internal/discovery Upserter
type Upserter interface {
	UpsertFromDiscovery(ctx context.Context, u registry.DiscoveryUpdate) (*models.Node, bool, error)
}

// Verifier checks a presented credential. *auth.SecretVerifier implements it.
type Verifier interface {
	Verify(candidate string) error
}

// Receiver handles announcements on the hub.
type Receiver struct {
	registry Upserter
	secret   Verifier
	logger   *slog.Logger
}

// NewReceiver creates a receiver.
func NewReceiver(reg Upserter, secret Verifier, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{registry: reg, secret: secret, logger: logger}
}

// Receive authenticates credential, decodes payload and upserts the node.
// created reports whether the node was new.
func (r *Receiver) Receive(ctx context.Context, credential string, payload []byte) (node *models.Node, created bool, err error) {
	if credential == "" || r.secret.Verify(credential) != nil {
		r.logger.Warn("discovery announcement rejected", "reason", "bad credential")
		return nil, false, ErrUnauthorized
	}

	ann, err := DecodeAnnouncement(payload)
	if err != nil {
		return nil, false, err
	}

	node, created, err = r.registry.UpsertFromDiscovery(ctx, ann.Update())
	if err != nil {
		r.logger.Warn("discovery announcement not applied", "node_id", ann.ID, "error", err)
		return nil, false, err
	}
	return node, created, nil
}

// DecodeAnnouncement strictly decodes a payload.
func DecodeAnnouncement(payload []byte) (*Announcement, error) {
	if len(payload) > MaxAnnouncementSize {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidAnnouncement, MaxAnnouncementSize)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	var ann Announcement
	if err := dec.Decode(&ann); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnnouncement, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidAnnouncement)
	}
	if ann.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidAnnouncement)
	}
	return &ann, nil
}

// Update converts the announcement to a registry update.
func (a *Announcement) Update() registry.DiscoveryUpdate {
	return registry.DiscoveryUpdate{
		ID:           a.ID,
		Name:         a.Name,
		BaseURL:      a.BaseURL,
		Transport:    a.Transport,
		Labels:       a.Labels,
		Capabilities: a.Capabilities,
	}
}
