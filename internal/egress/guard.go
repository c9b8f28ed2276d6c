package egress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrInvalidURL is returned for targets that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid target URL")

// DefaultDNSTimeout bounds a single resolution.
const DefaultDNSTimeout = 2 * time.Second

// Resolver looks up the addresses of a host. *net.Resolver implements it.
//
//go:generate mockgen -destination=mock_resolver.go -package=egress github.com/narvanalabs/camfleet/internal/egress Resolver
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// DialFunc opens a connection to an already validated ip:port.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Guard resolves, checks and dials outbound targets.
type Guard struct {
	policy     Policy
	resolver   Resolver
	dnsTimeout time.Duration
	dial       DialFunc
	logger     *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithResolver replaces the system resolver.
func WithResolver(r Resolver) Option {
	return func(g *Guard) {
		g.resolver = r
	}
}

// WithDNSTimeout sets the per-resolution timeout.
func WithDNSTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.dnsTimeout = d
		}
	}
}

// WithDialFunc replaces the final dial step. It only ever receives IP literals.
func WithDialFunc(dial DialFunc) Option {
	return func(g *Guard) {
		g.dial = dial
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuard creates a guard enforcing policy.
func NewGuard(policy Policy, opts ...Option) *Guard {
	g := &Guard{
		policy:     policy,
		resolver:   net.DefaultResolver,
		dnsTimeout: DefaultDNSTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.dial == nil {
		d := &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   g.control,
		}
		g.dial = d.DialContext
	}
	return g
}

// Policy returns the enforced policy.
func (g *Guard) Policy() Policy {
	return g.policy
}

// Resolve returns the addresses for host, or a *BlockedError if any of them
// is not permitted. IP literals are checked without a lookup.
func (g *Guard) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidURL)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if err := g.check(host, addr); err != nil {
			return nil, err
		}
		return []netip.Addr{addr.WithZone("").Unmap()}, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.dnsTimeout)
	defer cancel()

	addrs, err := g.resolver.LookupNetIP(lookupCtx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolving %s: no addresses", host)
	}

	out := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		if err := g.check(host, addr); err != nil {
			return nil, err
		}
		out = append(out, addr.WithZone("").Unmap())
	}
	return out, nil
}

func (g *Guard) check(host string, addr netip.Addr) error {
	err := g.policy.Check(addr)
	if err == nil {
		return nil
	}
	var be *BlockedError
	if errors.As(err, &be) {
		be.Host = host
	}
	g.logger.Warn("egress target blocked",
		"host", host,
		"addr", addr.String(),
		"category", Classify(addr),
	)
	return err
}

// ParseTarget validates the shape of an absolute http(s) URL.
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: credentials in URL are not allowed", ErrInvalidURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("%w: query and fragment are not allowed", ErrInvalidURL)
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidURL, p)
		}
	}
	return u, nil
}

// CheckURL validates raw and resolves its host against the policy.
func (g *Guard) CheckURL(ctx context.Context, raw string) (*url.URL, error) {
	u, err := ParseTarget(raw)
	if err != nil {
		return nil, err
	}
	if _, err := g.Resolve(ctx, u.Hostname()); err != nil {
		return u, err
	}
	return u, nil
}

// DialContext resolves address once, checks every result, then connects to
// the checked IPs in order. The hostname is never handed to the dialer.
func (g *Guard) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	addrs, err := g.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := g.dial(ctx, network, net.JoinHostPort(addr.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// control re-checks the socket's destination immediately before connect.
func (g *Guard) control(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: unparseable dial address %q", ErrBlocked, address)
	}
	return g.policy.Check(ap.Addr())
}

// Transport returns an HTTP transport whose every connection goes through
// the guard. Environment proxies are ignored.
func (g *Guard) Transport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	t.DialContext = g.DialContext
	t.DialTLSContext = nil
	t.MaxIdleConnsPerHost = 4
	t.IdleConnTimeout = 30 * time.Second
	return t
}
