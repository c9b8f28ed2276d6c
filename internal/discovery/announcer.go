package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// AnnouncePath is the hub endpoint announcements are posted to.
const AnnouncePath = "/api/discovery/announce"

const (
	defaultInitialBackoff = time.Second
	defaultRequestTimeout = 10 * time.Second
)

// AnnouncerConfig configures an Announcer.
type AnnouncerConfig struct {
	HubURL       string
	Secret       string
	Announcement Announcement
	// Interval is the steady-state re-announce cadence and the backoff cap.
	Interval       time.Duration
	InitialBackoff time.Duration
	Client         *http.Client
}

// Announcer periodically announces this node to the hub.
type Announcer struct {
	endpoint       string
	secret         string
	body           []byte
	nodeID         string
	interval       time.Duration
	initialBackoff time.Duration
	client         *http.Client
	logger         *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewAnnouncer validates cfg and encodes the announcement once.
func NewAnnouncer(cfg AnnouncerConfig, logger *slog.Logger) (*Announcer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HubURL == "" {
		return nil, fmt.Errorf("hub URL is required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("discovery secret is required")
	}
	if cfg.Announcement.ID == "" {
		return nil, fmt.Errorf("announcement id is required")
	}
	body, err := json.Marshal(cfg.Announcement)
	if err != nil {
		return nil, fmt.Errorf("encoding announcement: %w", err)
	}

	a := &Announcer{
		endpoint:       strings.TrimRight(cfg.HubURL, "/") + AnnouncePath,
		secret:         cfg.Secret,
		body:           body,
		nodeID:         cfg.Announcement.ID,
		interval:       cfg.Interval,
		initialBackoff: cfg.InitialBackoff,
		client:         cfg.Client,
		logger:         logger,
	}
	if a.interval <= 0 {
		a.interval = time.Minute
	}
	if a.initialBackoff <= 0 {
		a.initialBackoff = defaultInitialBackoff
	}
	if a.initialBackoff > a.interval {
		a.initialBackoff = a.interval
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return a, nil
}

// Announce posts the announcement once.
func (a *Announcer) Announce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(a.body))
	if err != nil {
		return fmt.Errorf("building announcement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, a.secret)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting announcement: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("hub rejected announcement: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// Start launches the announce loop. The first announcement is sent
// immediately; failures are retried with exponential backoff capped at the
// interval.
func (a *Announcer) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	stopCh, doneCh := a.stopCh, a.doneCh
	a.mu.Unlock()

	a.logger.Info("starting discovery announcer", "endpoint", a.endpoint, "interval", a.interval)

	go func() {
		defer close(doneCh)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		backoff := a.initialBackoff
		failures := 0
		for {
			wait := a.interval
			if err := a.Announce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				wait = backoff
				backoff = min(backoff*2, a.interval)
				a.logger.Warn("discovery announcement failed",
					"node_id", a.nodeID,
					"attempt", failures,
					"retry_in", wait,
					"error", err,
				)
			} else {
				if failures > 0 {
					a.logger.Info("discovery announcement succeeded after retries", "node_id", a.nodeID, "attempts", failures+1)
				}
				failures = 0
				backoff = a.initialBackoff
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}

// Stop ends the loop and waits for it to exit.
func (a *Announcer) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	doneCh := a.doneCh
	a.mu.Unlock()
	<-doneCh
}
