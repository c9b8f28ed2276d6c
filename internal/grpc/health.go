package grpc

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// watch re-evaluates the status func until Drain is called.
func (s *Server) watch() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Server) refresh() {
	if s.check == nil {
		s.setStatus(true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.PollInterval)
	defer cancel()

	serving := s.check(ctx)
	if serving != s.serving.Load() {
		s.logger.Info("health status changed", "service", s.service, "serving", serving)
	}
	s.setStatus(serving)
}

// setStatus updates both the named service and the server-wide "" entry.
func (s *Server) setStatus(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.serving.Store(serving)
	s.health.SetServingStatus("", st)
	if s.service != "" {
		s.health.SetServingStatus(s.service, st)
	}
}
