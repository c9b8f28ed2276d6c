package egress

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParseAddr(s)
	}
	return out
}

// recordingDialer captures the addresses handed to the final dial step.
type recordingDialer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, address)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c1, c2 := net.Pipe()
	go c2.Close()
	return c1, nil
}

func TestResolveRejectsNameResolvingToPrivate(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := NewMockResolver(ctrl)
	resolver.EXPECT().
		LookupNetIP(gomock.Any(), "ip", "camera.example.net").
		Return(addrs("192.168.1.1"), nil)

	g := NewGuard(Policy{}, WithResolver(resolver))

	_, err := g.Resolve(context.Background(), "camera.example.net")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlocked)

	var be *BlockedError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "camera.example.net", be.Host)
	assert.Equal(t, CategoryPrivate, be.Category)
}

func TestResolveRejectsIfAnyAddressBlocked(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := NewMockResolver(ctrl)
	resolver.EXPECT().
		LookupNetIP(gomock.Any(), "ip", "mixed.example.net").
		Return(addrs("198.51.100.5", "127.0.0.1"), nil)

	g := NewGuard(Policy{AllowPrivate: true}, WithResolver(resolver))

	_, err := g.Resolve(context.Background(), "mixed.example.net")
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestResolveAcceptsPublic(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := NewMockResolver(ctrl)
	resolver.EXPECT().
		LookupNetIP(gomock.Any(), "ip", "cam.example.org").
		Return(addrs("198.51.100.5", "::ffff:203.0.113.9"), nil)

	g := NewGuard(Policy{}, WithResolver(resolver))

	got, err := g.Resolve(context.Background(), "cam.example.org")
	require.NoError(t, err)
	assert.Equal(t, addrs("198.51.100.5", "203.0.113.9"), got)
}

func TestResolveIPLiteralSkipsLookup(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := NewMockResolver(ctrl) // no expectations: any call fails the test

	g := NewGuard(Policy{}, WithResolver(resolver))

	_, err := g.Resolve(context.Background(), "10.0.0.5")
	assert.ErrorIs(t, err, ErrBlocked)

	_, err = g.Resolve(context.Background(), "[::1]")
	assert.ErrorIs(t, err, ErrBlocked)

	got, err := g.Resolve(context.Background(), "198.51.100.5")
	require.NoError(t, err)
	assert.Equal(t, addrs("198.51.100.5"), got)
}

func TestResolveDNSFailureIsNotBlocked(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := NewMockResolver(ctrl)
	resolver.EXPECT().
		LookupNetIP(gomock.Any(), "ip", "gone.example.net").
		Return(nil, &net.DNSError{Err: "no such host", Name: "gone.example.net", IsNotFound: true})

	g := NewGuard(Policy{}, WithResolver(resolver))

	_, err := g.Resolve(context.Background(), "gone.example.net")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBlocked)
}

func TestResolveHonoursDNSTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := NewMockResolver(ctrl)
	resolver.EXPECT().
		LookupNetIP(gomock.Any(), "ip", "slow.example.net").
		DoAndReturn(func(ctx context.Context, network, host string) ([]netip.Addr, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	g := NewGuard(Policy{}, WithResolver(resolver), WithDNSTimeout(30*time.Millisecond))

	start := time.Now()
	_, err := g.Resolve(context.Background(), "slow.example.net")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

// The dialer must receive the address that was validated, and the name must
// be resolved exactly once, so a rebinding DNS server cannot swap the
// answer between check and connect.
func TestDialContextConnectsToValidatedAddress(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := NewMockResolver(ctrl)
	first := resolver.EXPECT().
		LookupNetIP(gomock.Any(), "ip", "rebind.example.net").
		Return(addrs("198.51.100.5"), nil).
		Times(1)
	resolver.EXPECT().
		LookupNetIP(gomock.Any(), "ip", "rebind.example.net").
		Return(addrs("127.0.0.1"), nil).
		After(first).
		AnyTimes()

	dialer := &recordingDialer{}
	g := NewGuard(Policy{}, WithResolver(resolver), WithDialFunc(dialer.Dial))

	conn, err := g.DialContext(context.Background(), "tcp", "rebind.example.net:8000")
	require.NoError(t, err)
	conn.Close()

	assert.Equal(t, []string{"198.51.100.5:8000"}, dialer.calls)

	// The rebound answer is rejected on the next connection attempt.
	_, err = g.DialContext(context.Background(), "tcp", "rebind.example.net:8000")
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Len(t, dialer.calls, 1)
}

func TestDialContextTriesNextAddress(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := NewMockResolver(ctrl)
	resolver.EXPECT().
		LookupNetIP(gomock.Any(), "ip", "multi.example.net").
		Return(addrs("198.51.100.5", "198.51.100.6"), nil)

	var calls []string
	g := NewGuard(Policy{}, WithResolver(resolver), WithDialFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		calls = append(calls, address)
		if address == "198.51.100.5:80" {
			return nil, errors.New("connection refused")
		}
		c1, c2 := net.Pipe()
		go c2.Close()
		return c1, nil
	}))

	conn, err := g.DialContext(context.Background(), "tcp", "multi.example.net:80")
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, []string{"198.51.100.5:80", "198.51.100.6:80"}, calls)
}

func TestCheckURL(t *testing.T) {
	g := NewGuard(Policy{AllowPrivate: true})

	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"public ip", "http://198.51.100.5:8000", nil},
		{"private allowed by flag", "http://10.0.0.5:8000", nil},
		{"loopback still blocked", "http://127.0.0.1:8000", ErrBlocked},
		{"metadata endpoint", "http://169.254.169.254/latest", ErrBlocked},
		{"ftp scheme", "ftp://198.51.100.5", ErrInvalidURL},
		{"relative", "/health", ErrInvalidURL},
		{"userinfo", "http://user:pw@198.51.100.5", ErrInvalidURL},
		{"bad port", "http://198.51.100.5:99999", ErrInvalidURL},
		{"query", "http://198.51.100.5/?x=1", ErrInvalidURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.CheckURL(context.Background(), tt.raw)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// The real dialer's Control hook refuses a loopback socket even if a caller
// bypasses Resolve.
func TestControlHookBlocksLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	g := NewGuard(Policy{})
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	_, err = g.dial(context.Background(), "tcp", u.Host)
	assert.ErrorIs(t, err, ErrBlocked)

	client := &http.Client{Transport: g.Transport(), Timeout: time.Second}
	_, err = client.Get(srv.URL)
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestTransportAllowsLoopbackWhenEnabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	g := NewGuard(Policy{AllowLoopback: true})
	client := &http.Client{Transport: g.Transport(), Timeout: time.Second}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
