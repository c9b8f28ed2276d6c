package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	apierrors "github.com/narvanalabs/camfleet/internal/api/errors"
	"github.com/narvanalabs/camfleet/internal/aggregator"
	"github.com/narvanalabs/camfleet/internal/models"
)

// WebSocket timing for the overview push.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// Overviewer produces fleet overviews.
type Overviewer interface {
	Refresh(ctx context.Context) (*models.Overview, error)
	Cached(ctx context.Context) (*models.Overview, error)
	Subscribe() (<-chan *models.Overview, func())
}

// ManagementHandler serves the fleet overview.
type ManagementHandler struct {
	overview Overviewer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewManagementHandler creates a management handler. allowedOrigins limits
// WebSocket upgrades; empty allows any origin.
func NewManagementHandler(ov Overviewer, allowedOrigins []string, logger *slog.Logger) *ManagementHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &ManagementHandler{overview: ov, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Overview handles GET /api/management/overview. By default it runs a probe
// round, joining one already in flight; ?cached=true serves the last one.
func (h *ManagementHandler) Overview(w http.ResponseWriter, r *http.Request) {
	var (
		ov  *models.Overview
		err error
	)
	if wantCached(r) {
		ov, err = h.overview.Cached(r.Context())
	} else {
		ov, err = h.overview.Refresh(r.Context())
	}

	if errors.Is(err, aggregator.ErrNoOverview) {
		e := apierrors.NewUnavailableError("no overview yet; the first probe round has not completed")
		e.RetryAfter = 1
		WriteAPIError(w, r, e)
		return
	}
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, ov)
}

// OverviewWS handles GET /api/management/overview/ws. The client receives
// the current overview, if any, and then every later round's overview.
func (h *ManagementHandler) OverviewWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", "error", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := h.overview.Subscribe()
	defer unsubscribe()

	h.logger.Info("overview subscriber connected", "remote_addr", r.RemoteAddr)
	defer h.logger.Info("overview subscriber disconnected", "remote_addr", r.RemoteAddr)

	closed := make(chan struct{})
	go readPump(conn, closed)

	if ov, err := h.overview.Cached(r.Context()); err == nil {
		if err := writeOverview(conn, ov); err != nil {
			return
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ov := <-updates:
			if err := writeOverview(conn, ov); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func writeOverview(conn *websocket.Conn, ov *models.Overview) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ov)
}
