// Package webcam serves a camera node's HTTP surface: liveness, readiness and
// metrics for the hub, plus snapshot and MJPEG stream endpoints for viewers.
package webcam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/camfleet/internal/api/errors"
	"github.com/narvanalabs/camfleet/internal/api/middleware"
	"github.com/narvanalabs/camfleet/internal/capture"
	"github.com/narvanalabs/camfleet/internal/readiness"
)

// maxAdminBody bounds PUT /admin/threshold request bodies.
const maxAdminBody = 4 << 10

// Config identifies the node and protects its viewer endpoints.
type Config struct {
	NodeID   string
	NodeName string
	// APIToken guards /snapshot.jpg, /stream and /admin. Empty leaves the
	// viewer endpoints open and disables /admin.
	APIToken string
}

// Server is the webcam HTTP server.
type Server struct {
	cfg    Config
	clock  *readiness.FrameClock
	eval   *readiness.Evaluator
	latest *capture.Latest
	logger *slog.Logger
	router chi.Router

	streamCtx    context.Context
	closeStreams context.CancelFunc
}

// NewServer creates a webcam server over the node's frame clock and buffer.
func NewServer(cfg Config, clock *readiness.FrameClock, eval *readiness.Evaluator, latest *capture.Latest, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:          cfg,
		clock:        clock,
		eval:         eval,
		latest:       latest,
		logger:       logger.With("component", "webcam-http", "node_id", cfg.NodeID),
		streamCtx:    streamCtx,
		closeStreams: cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.RequestLogger(s.logger))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/metrics", s.handleMetrics)

	r.Group(func(r chi.Router) {
		r.Use(middleware.StaticBearer(s.cfg.APIToken))
		r.Get("/snapshot.jpg", s.handleSnapshot)
		r.Get("/stream", s.handleStream)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireStaticBearer(s.cfg.APIToken))
		r.Put("/threshold", s.handleSetThreshold)
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// CloseStreams ends every open /stream response. Register it with
// http.Server.RegisterOnShutdown so draining does not wait on viewers.
func (s *Server) CloseStreams() {
	s.closeStreams()
}

type healthResponse struct {
	Status        string  `json:"status"`
	NodeID        string  `json:"node_id"`
	Name          string  `json:"name,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// handleHealth reports process liveness. It never looks at capture.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.clock.Snapshot()
	apierrors.WriteJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		NodeID:        s.cfg.NodeID,
		Name:          s.cfg.NodeName,
		UptimeSeconds: uptime(snap, s.clock.Now()),
	})
}

type readyResponse struct {
	Ready  bool   `json:"ready"`
	NodeID string `json:"node_id"`
	readiness.Verdict
}

// handleReady evaluates readiness fresh on every call: 200 when ready,
// 503 otherwise, with the verdict in the body either way.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	v := s.eval.Evaluate()
	status := http.StatusOK
	if !v.Ready() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Cache-Control", "no-store")
	apierrors.WriteJSON(w, status, readyResponse{Ready: v.Ready(), NodeID: s.cfg.NodeID, Verdict: v})
}

// Metrics is the /metrics document.
type Metrics struct {
	NodeID                string          `json:"node_id"`
	UptimeSeconds         float64         `json:"uptime_seconds"`
	FrameCount            uint64          `json:"frame_count"`
	FrameAgeSeconds       *float64        `json:"frame_age_seconds"`
	LastFrameAt           *time.Time      `json:"last_frame_at"`
	CaptureStarted        bool            `json:"capture_started"`
	Readiness             readiness.State `json:"readiness"`
	StaleThresholdSeconds float64         `json:"stale_threshold_seconds"`
	StreamClients         int             `json:"stream_clients"`
}

// CollectMetrics builds the metrics document from a single clock snapshot.
func (s *Server) CollectMetrics() Metrics {
	snap := s.clock.Snapshot()
	now := s.clock.Now()
	v := readiness.Evaluate(snap, now, s.eval.Threshold())

	m := Metrics{
		NodeID:                s.cfg.NodeID,
		UptimeSeconds:         uptime(snap, now),
		FrameCount:            snap.FrameCount,
		FrameAgeSeconds:       v.FrameAgeSeconds,
		CaptureStarted:        snap.CaptureStarted,
		Readiness:             v.State,
		StaleThresholdSeconds: v.ThresholdSeconds,
		StreamClients:         s.latest.Readers(),
	}
	if snap.CaptureStarted {
		at := snap.LastFrameAt.UTC()
		m.LastFrameAt = &at
	}
	return m
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	apierrors.WriteJSON(w, http.StatusOK, s.CollectMetrics())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	f, ok := s.latest.Get()
	if !ok {
		apierrors.WriteErrorWithRequestID(w,
			apierrors.NewUnavailableError("no frame captured yet"),
			chimw.GetReqID(r.Context()))
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	w.Header().Set("Last-Modified", f.CapturedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	w.Write(f.Data)
}

// handleStream writes every new frame as one part of a
// multipart/x-mixed-replace response until the client goes away or the
// server closes streams.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.streamCtx, cancel)
	defer stop()

	detach := s.latest.Attach()
	defer detach()

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		s.logger.Debug("stream flush unsupported", "error", err)
	}

	s.logger.Info("stream client attached", "remote_addr", r.RemoteAddr, "clients", s.latest.Readers())
	defer s.logger.Info("stream client detached", "remote_addr", r.RemoteAddr)

	var seq uint64
	for {
		f, err := s.latest.Next(ctx, seq)
		if err != nil {
			return
		}
		seq = f.Seq

		if err := writeFrame(mw, f); err != nil {
			s.logger.Debug("stream write failed", "error", err)
			return
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return
		}
	}
}

func writeFrame(mw *multipart.Writer, f capture.Frame) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(f.Data)))
	h.Set("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(f.Data)
	return err
}

// maxThresholdSeconds is the largest threshold a time.Duration can hold.
const maxThresholdSeconds = float64(math.MaxInt64 / int64(time.Second))

type thresholdRequest struct {
	ThresholdSeconds *float64 `json:"threshold_seconds"`
}

type thresholdResponse struct {
	ThresholdSeconds float64           `json:"threshold_seconds"`
	Readiness        readiness.Verdict `json:"readiness"`
}

func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	reqID := chimw.GetReqID(r.Context())

	dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody))
	dec.DisallowUnknownFields()

	var req thresholdRequest
	if err := dec.Decode(&req); err != nil {
		apierrors.WriteErrorWithRequestID(w, apierrors.NewInvalidRequestError("invalid JSON body: "+err.Error()), reqID)
		return
	}
	if req.ThresholdSeconds == nil {
		apierrors.WriteErrorWithRequestID(w, apierrors.NewInvalidRequestError("threshold_seconds is required"), reqID)
		return
	}

	if secs := *req.ThresholdSeconds; secs > maxThresholdSeconds {
		apierrors.WriteErrorWithRequestID(w,
			apierrors.NewInvalidRequestError(fmt.Sprintf("threshold_seconds must be at most %.0f, got %v", maxThresholdSeconds, secs)),
			reqID)
		return
	}

	d := time.Duration(*req.ThresholdSeconds * float64(time.Second))
	old := s.eval.Threshold()
	if !s.eval.SetThreshold(d) {
		apierrors.WriteErrorWithRequestID(w,
			apierrors.NewInvalidRequestError(fmt.Sprintf("threshold_seconds must be positive, got %v", *req.ThresholdSeconds)),
			reqID)
		return
	}

	s.logger.Info("staleness threshold changed", "old", old, "new", d, "source", "admin_api")
	apierrors.WriteJSON(w, http.StatusOK, thresholdResponse{
		ThresholdSeconds: d.Seconds(),
		Readiness:        s.eval.Evaluate(),
	})
}

func uptime(s readiness.Snapshot, now time.Time) float64 {
	if now.Before(s.CreatedAt) {
		return 0
	}
	return now.Sub(s.CreatedAt).Seconds()
}
