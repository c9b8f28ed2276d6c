// Package grpc serves the standard grpc.health.v1 protocol for the hub and
// webcam roles, mirroring each role's own readiness signal.
package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Service names registered with the health server.
const (
	ServiceHub    = "camfleet.Hub"
	ServiceWebcam = "camfleet.Webcam"
)

// Config holds the gRPC server configuration.
type Config struct {
	Host                 string
	Port                 int
	MaxConcurrentStreams uint32
	KeepaliveTime        time.Duration
	KeepaliveTimeout     time.Duration
	// PollInterval is how often the status func is re-evaluated.
	PollInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                 9090,
		MaxConcurrentStreams: 100,
		KeepaliveTime:        30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		PollInterval:         time.Second,
	}
}

// StatusFunc reports whether the role is serving right now.
type StatusFunc func(ctx context.Context) bool

// Server is a health-only gRPC server.
type Server struct {
	config  *Config
	service string
	check   StatusFunc
	logger  *slog.Logger

	grpcServer *grpc.Server
	health     *health.Server

	serving  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server that reports check's verdict for service.
func NewServer(cfg *Config, service string, check StatusFunc, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		service: service,
		check:   check,
		logger:  logger.With("component", "grpc"),
		health:  health.NewServer(),
		stopCh:  make(chan struct{}),
	}
	s.grpcServer = grpc.NewServer(s.buildServerOptions()...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.setStatus(false)
	return s
}

func (s *Server) buildServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxConcurrentStreams(s.config.MaxConcurrentStreams),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.config.KeepaliveTime,
			Timeout: s.config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(s.loggingInterceptor()),
		grpc.ChainStreamInterceptor(s.streamLoggingInterceptor()),
	}
}

// Start listens on the configured address and serves until stopped.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.logger.Info("gRPC health server starting", "address", lis.Addr().String(), "service", s.service)
	return s.Serve(lis)
}

// Serve serves on lis. The status is evaluated once before the first RPC is
// accepted and then every PollInterval.
func (s *Server) Serve(lis net.Listener) error {
	s.refresh()

	s.wg.Add(1)
	go s.watch()

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving gRPC: %w", err)
	}
	return nil
}

// Drain stops mirroring and reports NOT_SERVING on every service.
func (s *Server) Drain() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.serving.Store(false)
	s.health.Shutdown()
}

// GracefulStop drains and then waits for in-flight RPCs.
func (s *Server) GracefulStop() {
	s.Drain()
	s.logger.Info("gRPC health server stopping")
	s.grpcServer.GracefulStop()
}

// Stop drains and closes every connection immediately.
func (s *Server) Stop() {
	s.Drain()
	s.grpcServer.Stop()
}

// IsServing returns the last mirrored status.
func (s *Server) IsServing() bool {
	return s.serving.Load()
}
