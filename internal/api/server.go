// Package api provides the management hub's HTTP API server.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/camfleet/internal/api/handlers"
	"github.com/narvanalabs/camfleet/internal/api/health"
	"github.com/narvanalabs/camfleet/internal/api/middleware"
	"github.com/narvanalabs/camfleet/internal/auth"
)

// Version is the current version of the hub.
// This should be set at build time using ldflags.
var Version = "dev"

// Config holds the HTTP server settings.
type Config struct {
	Host           string
	Port           int
	APIKeyHeader   string
	AllowedOrigins []string
	// RequestTimeout bounds every non-streaming request.
	RequestTimeout time.Duration
	// DiscoveryRateLimit is announcements per second per client address.
	DiscoveryRateLimit float64
	DiscoveryRateBurst int
}

// Registry is the registry surface the API needs.
type Registry interface {
	handlers.NodeRegistry
	Ping(ctx context.Context) error
	Loaded() bool
}

// Deps are the services the API serves.
type Deps struct {
	Registry   Registry
	Prober     handlers.NodeProber
	Overview   handlers.Overviewer
	Discovery  handlers.AnnouncementReceiver
	Auth       *auth.Service
	Logger     *slog.Logger
	Components map[string]health.Pinger
}

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	cfg           Config
	deps          Deps
	logger        *slog.Logger
	healthChecker *health.Checker
	limiter       *middleware.IPRateLimiter
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.DiscoveryRateLimit <= 0 {
		cfg.DiscoveryRateLimit = 1
	}
	if cfg.DiscoveryRateBurst <= 0 {
		cfg.DiscoveryRateBurst = 5
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}

	s.healthChecker = health.NewChecker(Version)
	s.healthChecker.Register("registry", deps.Registry)
	for name, p := range deps.Components {
		s.healthChecker.RegisterOptional(name, p)
	}

	s.limiter = middleware.NewIPRateLimiter(cfg.DiscoveryRateLimit, cfg.DiscoveryRateBurst, 10*time.Minute, logger)

	s.setupRouter()
	return s
}

// ready reports whether the registry has been loaded.
func (s *Server) ready(ctx context.Context) (bool, string) {
	if !s.deps.Registry.Loaded() {
		return false, "registry not loaded"
	}
	return true, ""
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	nodeHandler := handlers.NewNodeHandler(s.deps.Registry, s.deps.Prober, s.logger)
	managementHandler := handlers.NewManagementHandler(s.deps.Overview, s.cfg.AllowedOrigins, s.logger)
	discoveryHandler := handlers.NewDiscoveryHandler(s.deps.Discovery, s.logger)
	authMiddleware := middleware.NewAuthMiddleware(s.deps.Auth, s.cfg.APIKeyHeader, s.logger)

	// Health and readiness (no auth required)
	r.Get("/health", s.healthChecker.Handler())
	r.Get("/ready", health.ReadyHandler(s.ready))

	r.Route("/api", func(r chi.Router) {
		// Node self-registration authenticates with the discovery secret.
		r.With(chimiddleware.Timeout(s.cfg.RequestTimeout), s.limiter.Middleware).
			Post("/discovery/announce", discoveryHandler.Announce)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			// The overview push is long-lived and stays outside the timeout.
			r.With(middleware.RequirePermission(auth.PermissionViewNodes)).
				Get("/management/overview/ws", managementHandler.OverviewWS)

			r.Group(func(r chi.Router) {
				r.Use(chimiddleware.Timeout(s.cfg.RequestTimeout))

				r.Route("/nodes", func(r chi.Router) {
					r.Group(func(r chi.Router) {
						r.Use(middleware.RequirePermission(auth.PermissionViewNodes))
						r.Get("/", nodeHandler.List)
						r.Get("/{id}", nodeHandler.Get)
						r.Get("/{id}/status", nodeHandler.Status)
					})
					r.Group(func(r chi.Router) {
						r.Use(middleware.RequirePermission(auth.PermissionManageNodes))
						r.Post("/", nodeHandler.Create)
						r.Patch("/{id}", nodeHandler.Update)
						r.Delete("/{id}", nodeHandler.Delete)
					})
				})

				r.With(middleware.RequirePermission(auth.PermissionViewNodes)).
					Get("/management/overview", managementHandler.Overview)
			})
		})
	})

	s.router = r
}

// Start starts the HTTP server and blocks until it stops or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = s.HTTPServer()
	s.logger.Info("starting API server", "addr", s.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// HTTPServer returns the configured http.Server without starting it.
func (s *Server) HTTPServer() *http.Server {
	if s.httpServer != nil {
		return s.httpServer
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.httpServer
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
