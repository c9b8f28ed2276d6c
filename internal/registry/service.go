// Package registry is the hub's durable set of known camera nodes.
//
// The Service keeps an in-memory index for reads and persists every mutation
// through a Backend before the index changes, so an acknowledged write is on
// disk and a failed write leaves both disk and memory untouched.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/camfleet/internal/models"
	"github.com/narvanalabs/camfleet/internal/secrets"
)

// DefaultLockTimeout bounds how long a mutation waits for the write lock.
const DefaultLockTimeout = 5 * time.Second

// NodePatch is a partial update. Nil fields are left unchanged; the id is
// immutable.
type NodePatch struct {
	Name         *string
	BaseURL      *string
	Transport    *models.Transport
	Auth         models.Auth
	Labels       *map[string]string
	Capabilities *[]string
}

// DiscoveryUpdate is a self-announcement from a node. Nil fields were not
// carried by the announcement.
type DiscoveryUpdate struct {
	ID           string
	Name         *string
	BaseURL      *string
	Transport    *models.Transport
	Labels       map[string]string
	Capabilities []string
}

// Service is the node registry.
type Service struct {
	backend     Backend
	validator   *Validator
	sealer      *secrets.Sealer
	lockTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger

	// writeLock serializes mutations; a buffered channel so waiters can time out.
	writeLock chan struct{}

	mu     sync.RWMutex
	nodes  map[string]*models.Node
	loaded bool
}

// Option configures a Service.
type Option func(*Service)

// WithLockTimeout bounds the wait for the write lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithSealer seals credentials before they are written and opens them on load.
func WithSealer(sealer *secrets.Sealer) Option {
	return func(s *Service) {
		s.sealer = sealer
	}
}

// WithNow injects the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a registry over backend. Call Load before serving.
func NewService(backend Backend, validator *Validator, opts ...Option) *Service {
	s := &Service{
		backend:     backend,
		validator:   validator,
		lockTimeout: DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
		writeLock:   make(chan struct{}, 1),
		nodes:       make(map[string]*models.Node),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.validator == nil {
		s.validator = NewValidator(nil, s.logger)
	}
	return s
}

// Load replaces the in-memory index with the persisted node set.
func (s *Service) Load(ctx context.Context) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	stored, err := s.backend.Load(ctx)
	if err != nil {
		return persistenceError("loading registry", err)
	}

	next := make(map[string]*models.Node, len(stored))
	legacy := 0
	for _, n := range stored {
		if n == nil || n.ID == "" {
			return persistenceError("loading registry", errors.New("stored node without id"))
		}
		if _, dup := next[n.ID]; dup {
			return persistenceError("loading registry", fmt.Errorf("duplicate stored node %q", n.ID))
		}
		auth, err := s.sealer.OpenAuth(n.Auth)
		if err != nil {
			return persistenceError("opening credentials of node "+n.ID, err)
		}
		c := n.Clone()
		c.Auth = auth
		if c.Transport == "" {
			c.Transport = models.TransportHTTP
		}
		if auth.Kind() == models.AuthKindBasic {
			legacy++
		}
		next[c.ID] = c
	}

	s.mu.Lock()
	s.nodes = next
	s.loaded = true
	s.mu.Unlock()

	s.logger.Info("registry loaded", "nodes", len(next))
	if legacy > 0 {
		s.logger.Warn("registry contains legacy basic-auth credentials; replace them with bearer tokens",
			"nodes", legacy)
	}
	if !s.sealer.CanSeal() {
		s.logger.Warn("credential sealing is not configured; node credentials are stored in plaintext")
	}
	return nil
}

// Loaded reports whether Load has succeeded.
func (s *Service) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Ping checks the backend.
func (s *Service) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend.
func (s *Service) Close() error {
	return s.backend.Close()
}

// Get returns a copy of the node with id.
func (s *Service) Get(ctx context.Context, id string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n.Clone(), nil
}

// List returns copies of every node ordered by id.
func (s *Service) List(ctx context.Context) []*models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	slices.SortFunc(out, func(a, b *models.Node) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of registered nodes.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Create registers a new node. An empty id is replaced with a generated one.
func (s *Service) Create(ctx context.Context, in *models.Node) (*models.Node, error) {
	n := in.Clone()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Name == "" {
		n.Name = n.ID
	}
	if n.Transport == "" {
		n.Transport = models.TransportHTTP
	}
	if n.Auth == nil {
		n.Auth = models.NoAuth{}
	}
	if err := rejectLegacyAuth(n.Auth); err != nil {
		return nil, err
	}
	n.Capabilities = models.NormalizeCapabilities(n.Capabilities)
	if len(n.Labels) == 0 {
		n.Labels = nil
	}
	n.LastSeen = nil
	n.CachedStatus = nil

	if err := s.validator.Validate(ctx, n, true); err != nil {
		return nil, err
	}

	err := s.mutate(ctx, "create", func(next map[string]*models.Node) error {
		if _, exists := next[n.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
		}
		now := s.now()
		n.CreatedAt = now
		n.UpdatedAt = now
		next[n.ID] = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("node registered", "node_id", n.ID, "base_url", n.BaseURL, "transport", n.Transport)
	return n.Clone(), nil
}

// Update applies patch to the node with id.
func (s *Service) Update(ctx context.Context, id string, patch NodePatch) (*models.Node, error) {
	if patch.Auth != nil {
		if err := rejectLegacyAuth(patch.Auth); err != nil {
			return nil, err
		}
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	n, changedTarget := applyPatch(current, patch)
	if err := s.validator.Validate(ctx, n, changedTarget); err != nil {
		return nil, err
	}

	var updated *models.Node
	err = s.mutate(ctx, "update", func(next map[string]*models.Node) error {
		cur, ok := next[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		// Re-apply against the locked state so a concurrent status write or
		// discovery refresh is not lost.
		updated, _ = applyPatch(cur, patch)
		updated.UpdatedAt = s.now()
		next[id] = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("node updated", "node_id", id)
	return updated.Clone(), nil
}

func applyPatch(cur *models.Node, p NodePatch) (*models.Node, bool) {
	n := cur.Clone()
	changedTarget := false
	if p.Name != nil {
		n.Name = *p.Name
	}
	if p.BaseURL != nil && *p.BaseURL != n.BaseURL {
		n.BaseURL = *p.BaseURL
		changedTarget = true
	}
	if p.Transport != nil && *p.Transport != n.Transport {
		n.Transport = *p.Transport
		changedTarget = true
	}
	if p.Auth != nil {
		n.Auth = p.Auth
	}
	if p.Labels != nil {
		n.Labels = maps.Clone(*p.Labels)
		if len(n.Labels) == 0 {
			n.Labels = nil
		}
	}
	if p.Capabilities != nil {
		n.Capabilities = models.NormalizeCapabilities(*p.Capabilities)
	}
	return n, changedTarget
}

// Delete removes the node with id.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.mutate(ctx, "delete", func(next map[string]*models.Node) error {
		if _, ok := next[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		delete(next, id)
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("node deleted", "node_id", id)
	return nil
}

// UpsertFromDiscovery creates a node from an announcement, or refreshes
// last_seen and the carried fields of an existing one. Labels are merged;
// capabilities are replaced when carried. created reports a new node.
func (s *Service) UpsertFromDiscovery(ctx context.Context, u DiscoveryUpdate) (node *models.Node, created bool, err error) {
	if err := ValidateID(u.ID); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	existing, exists := s.nodes[u.ID]
	var candidate *models.Node
	var checkEgress bool
	if exists {
		candidate, checkEgress = applyDiscovery(existing, u)
	}
	s.mu.RUnlock()

	if !exists {
		candidate, err = newFromDiscovery(u)
		if err != nil {
			return nil, false, err
		}
		checkEgress = true
	}
	if err := s.validator.Validate(ctx, candidate, checkEgress); err != nil {
		return nil, false, err
	}

	err = s.mutate(ctx, "discovery upsert", func(next map[string]*models.Node) error {
		now := s.now()
		cur, ok := next[u.ID]
		if !ok {
			n, err := newFromDiscovery(u)
			if err != nil {
				return err
			}
			n.CreatedAt = now
			n.UpdatedAt = now
			n.LastSeen = &now
			next[n.ID] = n
			node, created = n, true
			return nil
		}
		n, _ := applyDiscovery(cur, u)
		if !nodeFieldsEqual(cur, n) {
			n.UpdatedAt = now
		}
		n.LastSeen = &now
		next[n.ID] = n
		node, created = n, false
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Info("node self-registered", "node_id", node.ID, "base_url", node.BaseURL)
	} else {
		s.logger.Debug("node announcement refreshed", "node_id", node.ID)
	}
	return node.Clone(), created, nil
}

func newFromDiscovery(u DiscoveryUpdate) (*models.Node, error) {
	if u.BaseURL == nil || *u.BaseURL == "" {
		return nil, invalidField("base_url", "is required for a new node")
	}
	n := &models.Node{
		ID:           u.ID,
		Name:         u.ID,
		BaseURL:      *u.BaseURL,
		Transport:    models.TransportHTTP,
		Auth:         models.NoAuth{},
		Labels:       maps.Clone(u.Labels),
		Capabilities: []string{models.CapabilityStream},
	}
	if u.Name != nil && *u.Name != "" {
		n.Name = *u.Name
	}
	if u.Transport != nil {
		n.Transport = *u.Transport
	}
	if u.Capabilities != nil {
		n.Capabilities = models.NormalizeCapabilities(u.Capabilities)
	}
	if len(n.Labels) == 0 {
		n.Labels = nil
	}
	return n, nil
}

func applyDiscovery(cur *models.Node, u DiscoveryUpdate) (*models.Node, bool) {
	n := cur.Clone()
	changedTarget := false
	if u.Name != nil && *u.Name != "" {
		n.Name = *u.Name
	}
	if u.BaseURL != nil && *u.BaseURL != "" && *u.BaseURL != n.BaseURL {
		n.BaseURL = *u.BaseURL
		changedTarget = true
	}
	if u.Transport != nil && *u.Transport != n.Transport {
		n.Transport = *u.Transport
		changedTarget = true
	}
	if len(u.Labels) > 0 {
		if n.Labels == nil {
			n.Labels = make(map[string]string, len(u.Labels))
		}
		maps.Copy(n.Labels, u.Labels)
	}
	if u.Capabilities != nil {
		n.Capabilities = models.NormalizeCapabilities(u.Capabilities)
	}
	return n, changedTarget
}

func nodeFieldsEqual(a, b *models.Node) bool {
	return a.Name == b.Name &&
		a.BaseURL == b.BaseURL &&
		a.Transport == b.Transport &&
		maps.Equal(a.Labels, b.Labels) &&
		slices.Equal(a.Capabilities, b.Capabilities)
}

// UpdateStatuses stores the latest probe result of each node in one write.
// A reachable result also refreshes last_seen. Statuses for nodes deleted
// since the round started are dropped.
func (s *Service) UpdateStatuses(ctx context.Context, statuses []*models.NodeStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	applied := 0
	err := s.mutate(ctx, "status write-back", func(next map[string]*models.Node) error {
		for _, st := range statuses {
			if st == nil {
				continue
			}
			cur, ok := next[st.NodeID]
			if !ok {
				continue
			}
			if cur.CachedStatus != nil && cur.CachedStatus.ProbedAt.After(st.ProbedAt) {
				continue
			}
			n := cur.Clone()
			n.CachedStatus = st.Clone()
			if st.Reachable {
				seen := st.ProbedAt
				if n.LastSeen == nil || seen.After(*n.LastSeen) {
					n.LastSeen = &seen
				}
			}
			next[n.ID] = n
			applied++
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("cached statuses written", "applied", applied, "received", len(statuses))
	return nil
}

// acquire takes the in-process write lock, giving up after the lock timeout.
func (s *Service) acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case s.writeLock <- struct{}{}:
		return func() { <-s.writeLock }, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, persistenceError("waiting for registry lock", ctx.Err())
	}
}

// mutate runs fn over a copy of the index, persists the result and only then
// publishes it. fn must not modify nodes in place; it replaces map entries.
func (s *Service) mutate(ctx context.Context, op string, fn func(next map[string]*models.Node) error) error {
	release, err := s.acquire(ctx)
	if err != nil {
		s.logger.Warn("registry lock not acquired", "op", op, "error", err)
		return err
	}
	defer release()

	s.mu.RLock()
	next := maps.Clone(s.nodes)
	s.mu.RUnlock()
	if next == nil {
		next = make(map[string]*models.Node)
	}

	if err := fn(next); err != nil {
		return err
	}

	if err := s.persist(ctx, next); err != nil {
		s.logger.Error("registry write failed", "op", op, "error", err)
		return persistenceError(op, err)
	}

	s.mu.Lock()
	s.nodes = next
	s.mu.Unlock()
	return nil
}

func (s *Service) persist(ctx context.Context, nodes map[string]*models.Node) error {
	ids := slices.Sorted(maps.Keys(nodes))
	out := make([]*models.Node, 0, len(ids))
	for _, id := range ids {
		n := nodes[id]
		if s.sealer.CanSeal() {
			sealed, err := s.sealer.SealAuth(n.Auth)
			if err != nil {
				return fmt.Errorf("sealing credentials of node %s: %w", id, err)
			}
			c := *n
			c.Auth = sealed
			n = &c
		}
		out = append(out, n)
	}
	return s.backend.Write(ctx, out)
}
