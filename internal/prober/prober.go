// Package prober fetches /health, /ready and /metrics from camera nodes and
// normalizes the outcome into a models.NodeStatus.
//
// Every request goes through the egress guard: a target that resolves to a
// forbidden address is reported as blocked and no request is sent.
package prober

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/narvanalabs/camfleet/internal/egress"
	"github.com/narvanalabs/camfleet/internal/models"
	"github.com/narvanalabs/camfleet/pkg/logger"
)

const (
	// DefaultTimeout bounds each individual probe request.
	DefaultTimeout = 3 * time.Second
	// DefaultMaxInFlight bounds how many nodes are probed at once.
	DefaultMaxInFlight = 16
	// DefaultBodyLimit caps how much of a probe response is read.
	DefaultBodyLimit = 1 << 20
)

var (
	errNoProxy      = errors.New("no docker proxy endpoint configured")
	errBodyTooLarge = errors.New("response body exceeds limit")
	errNotObject    = errors.New("response body is not a JSON object")
)

// Config tunes a Prober.
type Config struct {
	Timeout     time.Duration
	MaxInFlight int
	BodyLimit   int64
	// DockerProxyURL is the local proxy that fronts docker-proxy nodes.
	// Requests go to {DockerProxyURL}/{node-id}{endpoint}.
	DockerProxyURL string
}

// Guard is the egress check the prober applies before each request.
type Guard interface {
	CheckURL(ctx context.Context, raw string) (*url.URL, error)
	Transport() *http.Transport
}

// Prober probes nodes concurrently with a bound on in-flight nodes.
type Prober struct {
	guard       Guard
	client      *http.Client
	proxyURL    *url.URL
	timeout     time.Duration
	maxInFlight int
	bodyLimit   int64
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithNow injects the time source used for probed_at.
func WithNow(now func() time.Time) Option {
	return func(p *Prober) {
		p.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a prober whose direct requests dial through guard.
func New(cfg Config, guard Guard, opts ...Option) (*Prober, error) {
	p := &Prober{
		guard:       guard,
		timeout:     cfg.Timeout,
		maxInFlight: cfg.MaxInFlight,
		bodyLimit:   cfg.BodyLimit,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.maxInFlight <= 0 {
		p.maxInFlight = DefaultMaxInFlight
	}
	if p.bodyLimit <= 0 {
		p.bodyLimit = DefaultBodyLimit
	}
	for _, opt := range opts {
		opt(p)
	}

	noRedirect := func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	transport := guard.Transport()
	transport.MaxIdleConnsPerHost = 2
	p.client = &http.Client{Transport: transport, CheckRedirect: noRedirect}

	if cfg.DockerProxyURL != "" {
		u, err := egress.ParseTarget(strings.TrimRight(cfg.DockerProxyURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("docker proxy URL: %w", err)
		}
		p.proxyURL = u
	}
	return p, nil
}

// Timeout returns the per-request timeout.
func (p *Prober) Timeout() time.Duration {
	return p.timeout
}

// ProbeAll probes every node with at most MaxInFlight nodes in flight and
// returns one status per node in input order. A hung node costs at most its
// own per-request timeouts; the others are unaffected.
func (p *Prober) ProbeAll(ctx context.Context, nodes []*models.Node) []*models.NodeStatus {
	out := make([]*models.NodeStatus, len(nodes))
	var g errgroup.Group
	g.SetLimit(p.maxInFlight)
	for i, n := range nodes {
		g.Go(func() error {
			out[i] = p.ProbeNode(ctx, n)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ProbeNode probes one node. The three endpoints are requested concurrently,
// each under its own timeout, so a slow /metrics never delays /health or
// /ready. The ready flag only counts when /health succeeded; the first
// failure in health, ready, metrics order sets the status error kind.
func (p *Prober) ProbeNode(ctx context.Context, n *models.Node) *models.NodeStatus {
	ctx = logger.ContextWithNodeID(ctx, n.ID)
	st := &models.NodeStatus{NodeID: n.ID, ProbedAt: p.now()}

	base, err := p.target(ctx, n)
	if err != nil {
		kind := classify(err)
		st.ErrorKind, st.Error = kind, err.Error()
		st.Probes = []models.ProbeResult{{
			Endpoint:  models.EndpointHealth,
			ErrorKind: kind,
			Error:     err.Error(),
		}}
		p.logger.Warn("node probe refused", "node_id", n.ID, "error_kind", kind, "error", err)
		return st
	}

	var health, ready, metrics fetchResult
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); health = p.fetch(ctx, n, base, models.EndpointHealth) }()
	go func() { defer wg.Done(); ready = p.fetch(ctx, n, base, models.EndpointReady) }()
	go func() { defer wg.Done(); metrics = p.fetch(ctx, n, base, models.EndpointMetrics) }()
	wg.Wait()

	readyFlag, readyResult := readyVerdict(ready)
	st.Probes = []models.ProbeResult{health.result, readyResult, metrics.result}

	switch {
	case health.err == nil:
		st.Reachable = true
		st.Health = health.body
		if readyFlag == nil {
			readyFlag = new(bool)
		}
		st.Ready = readyFlag
	case health.result.ErrorKind == models.ErrorKindInvalidResponse:
		// The node answered but failed liveness; its readiness is not trusted.
		st.Ready = new(bool)
	}
	if metrics.err == nil {
		st.Metrics = metrics.body
	}

	for _, r := range st.Probes {
		if r.ErrorKind != "" {
			st.ErrorKind, st.Error = r.ErrorKind, r.Endpoint+": "+r.Error
			break
		}
	}

	if health.err != nil {
		p.logger.Info("node health probe failed",
			"node_id", n.ID,
			"error_kind", health.result.ErrorKind,
			"timeout", IsTimeout(health.err),
			"error", health.err,
		)
	}
	p.logger.Debug("node probed",
		"node_id", n.ID,
		"classification", st.Classify(),
		"error_kind", st.ErrorKind,
	)
	return st
}

// target returns the checked base URL for n. Docker-proxy nodes are reached
// at {proxy}/{node-id}, and the proxy endpoint is checked like any other
// target.
func (p *Prober) target(ctx context.Context, n *models.Node) (*url.URL, error) {
	var raw string
	switch n.Transport {
	case models.TransportDockerProxy:
		if p.proxyURL == nil {
			return nil, errNoProxy
		}
		raw = p.proxyURL.String()
	case models.TransportHTTP, "":
		raw = n.BaseURL
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", egress.ErrInvalidURL, n.Transport)
	}

	u, err := p.guard.CheckURL(ctx, raw)
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if n.Transport == models.TransportDockerProxy {
		u.Path += "/" + url.PathEscape(n.ID)
	}
	return u, nil
}

type fetchResult struct {
	result models.ProbeResult
	status int
	body   json.RawMessage
	err    error
}

func (p *Prober) fetch(ctx context.Context, n *models.Node, base *url.URL, endpoint string) fetchResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	u := *base
	u.Path = base.Path + endpoint
	res := fetchResult{result: models.ProbeResult{Endpoint: endpoint}}

	fail := func(err error) fetchResult {
		res.err = err
		res.result.ErrorKind = classify(err)
		res.result.Error = err.Error()
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", egress.ErrInvalidURL, err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "camfleet-hub")
	applyAuth(req, n.Auth)

	start := time.Now()
	resp, err := p.client.Do(req)
	res.result.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	res.status = resp.StatusCode
	res.result.StatusCode = resp.StatusCode

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.bodyLimit+1))
	res.result.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		return fail(err)
	}
	if int64(len(body)) > p.bodyLimit {
		return fail(&responseError{err: errBodyTooLarge})
	}

	if endpoint == models.EndpointReady && resp.StatusCode == http.StatusServiceUnavailable {
		res.body = jsonObject(body)
		return res
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(&responseError{err: fmt.Errorf("unexpected status %d", resp.StatusCode)})
	}
	obj := jsonObject(body)
	if obj == nil {
		return fail(&responseError{err: errNotObject})
	}
	res.body = obj
	return res
}

// readyVerdict maps a /ready response to the ready flag. 200 is ready unless
// the body says otherwise, 503 is not ready, anything else is invalid and
// leaves ready unknown.
func readyVerdict(r fetchResult) (*bool, models.ProbeResult) {
	if r.err != nil {
		return nil, r.result
	}
	ready := r.status == http.StatusOK
	if r.status != http.StatusOK && r.status != http.StatusServiceUnavailable {
		res := r.result
		res.ErrorKind = models.ErrorKindInvalidResponse
		res.Error = fmt.Sprintf("unexpected status %d", r.status)
		return nil, res
	}
	if len(r.body) > 0 {
		var doc struct {
			Ready *bool `json:"ready"`
		}
		if err := json.Unmarshal(r.body, &doc); err == nil && doc.Ready != nil {
			ready = ready && *doc.Ready
		}
	}
	return &ready, r.result
}

// jsonObject returns body if it is a well-formed JSON object, nil otherwise.
func jsonObject(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil
	}
	return json.RawMessage(trimmed)
}

// responseError marks a failure where the node answered but the answer was
// unusable.
type responseError struct {
	err error
}

func (e *responseError) Error() string { return "invalid response: " + e.err.Error() }
func (e *responseError) Unwrap() error { return e.err }

// classify maps an error to the probe error taxonomy.
func classify(err error) models.ErrorKind {
	var respErr *responseError
	switch {
	case errors.Is(err, egress.ErrBlocked), errors.Is(err, egress.ErrInvalidURL):
		return models.ErrorKindBlocked
	case errors.As(err, &respErr):
		return models.ErrorKindInvalidResponse
	default:
		return models.ErrorKindUnreachable
	}
}

// IsTimeout reports whether err came from a deadline.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}

type authApplier struct{ req *http.Request }

func (a authApplier) VisitNone() {}

func (a authApplier) VisitBearer(b models.BearerAuth) {
	a.req.Header.Set("Authorization", "Bearer "+b.Token)
}

func (a authApplier) VisitBasic(b models.BasicAuth) {
	a.req.SetBasicAuth(b.Username, b.Password)
}

func applyAuth(req *http.Request, auth models.Auth) {
	if auth == nil {
		return
	}
	auth.Accept(authApplier{req: req})
}
