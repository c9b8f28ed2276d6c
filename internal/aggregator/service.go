package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/narvanalabs/camfleet/internal/models"
	"github.com/narvanalabs/camfleet/pkg/logger"
)

// ErrNoOverview is returned by Cached before any overview exists.
var ErrNoOverview = errors.New("no overview available yet")

// Registry is the node source and status sink of a round.
type Registry interface {
	List(ctx context.Context) []*models.Node
	UpdateStatuses(ctx context.Context, statuses []*models.NodeStatus) error
}

// Prober probes a node set.
type Prober interface {
	ProbeAll(ctx context.Context, nodes []*models.Node) []*models.NodeStatus
}

// Service runs probe rounds periodically and on demand. Concurrent on-demand
// requests share one in-flight round. A round runs detached from the caller,
// so a client that disconnects does not cancel the probes or the write-back.
type Service struct {
	registry Registry
	prober   Prober
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	rounds singleflight.Group

	mu   sync.RWMutex
	last *models.Overview

	subsMu sync.Mutex
	subs   map[chan *models.Overview]struct{}

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithInterval sets the background round cadence. Zero disables the loop.
func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		s.interval = d
	}
}

// WithNow injects the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an aggregation service.
func New(registry Registry, prober Prober, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		prober:   prober,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
		subs:     make(map[chan *models.Overview]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh runs a round, or joins the one already in flight, and returns its
// overview. ctx only bounds the wait; the round itself always completes.
func (s *Service) Refresh(ctx context.Context) (*models.Overview, error) {
	ch := s.rounds.DoChan("round", func() (any, error) {
		return s.runRound(context.WithoutCancel(ctx)), nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Overview), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cached returns the last round's overview. Before the first round it is
// built from the statuses written back to the registry by earlier runs.
func (s *Service) Cached(ctx context.Context) (*models.Overview, error) {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()
	if last != nil {
		return last, nil
	}
	nodes := s.registry.List(ctx)
	for _, n := range nodes {
		if n.CachedStatus != nil {
			return FromCache(s.now(), nodes), nil
		}
	}
	if len(nodes) == 0 {
		return Aggregate("", s.now(), nil, nil), nil
	}
	return nil, ErrNoOverview
}

// Last returns the most recent round's overview, or nil.
func (s *Service) Last() *models.Overview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Service) runRound(ctx context.Context) *models.Overview {
	roundID := uuid.NewString()
	ctx = logger.ContextWithRoundID(ctx, roundID)
	log := s.logger.With("round_id", roundID)

	start := time.Now()
	nodes := s.registry.List(ctx)
	statuses := s.prober.ProbeAll(ctx, nodes)

	byID := make(map[string]*models.NodeStatus, len(statuses))
	for _, st := range statuses {
		if st != nil {
			byID[st.NodeID] = st
		}
	}
	ov := Aggregate(roundID, s.now(), nodes, byID)

	if err := s.registry.UpdateStatuses(ctx, statuses); err != nil {
		log.Error("failed to write back probe results", "error", err)
	}

	s.mu.Lock()
	s.last = ov
	s.mu.Unlock()
	s.publish(ov)

	log.Info("probe round complete",
		"nodes", ov.Counts.Total,
		"available", ov.Counts.Available,
		"degraded", ov.Counts.Degraded,
		"unavailable", ov.Counts.Unavailable,
		"duration", time.Since(start),
	)
	return ov
}

// Subscribe returns a channel that receives every new overview and a cancel
// func. Slow subscribers miss overviews rather than block rounds.
func (s *Service) Subscribe() (<-chan *models.Overview, func()) {
	ch := make(chan *models.Overview, 1)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, ch)
			s.subsMu.Unlock()
		})
	}
}

func (s *Service) publish(ov *models.Overview) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ov:
		default:
			// Replace the stale pending overview with the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ov:
			default:
			}
		}
	}
}

// Start launches the periodic round loop. It returns immediately.
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("periodic probe rounds disabled")
		return
	}

	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.runMu.Unlock()

	s.logger.Info("starting probe scheduler", "interval", s.interval)

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Stop must not wait for a slow round; the round itself runs on.
		loopCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-stopCh:
				cancel()
			case <-loopCtx.Done():
			}
		}()

		s.tick(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				if ctx.Err() == nil {
					s.logger.Info("probe scheduler stopped")
					return
				}
				s.logger.Info("probe scheduler stopped by context")
				return
			case <-ticker.C:
				s.tick(loopCtx)
			}
		}
	}()
}

func (s *Service) tick(ctx context.Context) {
	if _, err := s.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("periodic probe round failed", "error", err)
	}
}

// Stop ends the periodic loop and waits for it to exit.
func (s *Service) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.runMu.Unlock()

	<-doneCh
}
