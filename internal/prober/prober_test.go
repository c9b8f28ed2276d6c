package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/camfleet/internal/egress"
	"github.com/narvanalabs/camfleet/internal/models"
)

// fakeWebcam serves the three probe endpoints with configurable answers.
type fakeWebcam struct {
	mu            sync.Mutex
	healthStatus  int
	healthBody    string
	readyStatus   int
	readyBody     string
	metricsStatus int
	metricsBody   string
	authHeaders   []string
	requests      atomic.Int32
	hang          chan struct{}
}

func newFakeWebcam() *fakeWebcam {
	return &fakeWebcam{
		healthStatus:  http.StatusOK,
		healthBody:    `{"status":"ok","node_id":"webcam-01"}`,
		readyStatus:   http.StatusOK,
		readyBody:     `{"ready":true,"state":"ready"}`,
		metricsStatus: http.StatusOK,
		metricsBody:   `{"frames_captured":42}`,
	}
}

func (f *fakeWebcam) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	f.mu.Lock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
	hang := f.hang
	f.mu.Unlock()

	if hang != nil {
		select {
		case <-hang:
		case <-r.Context().Done():
			return
		}
	}

	var status int
	var body string
	switch {
	case strings.HasSuffix(r.URL.Path, "/health"):
		status, body = f.healthStatus, f.healthBody
	case strings.HasSuffix(r.URL.Path, "/ready"):
		status, body = f.readyStatus, f.readyBody
	case strings.HasSuffix(r.URL.Path, "/metrics"):
		status, body = f.metricsStatus, f.metricsBody
	default:
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newTestProber(t *testing.T, cfg Config, policy egress.Policy) *Prober {
	t.Helper()
	p, err := New(cfg, egress.NewGuard(policy))
	require.NoError(t, err)
	return p
}

func loopbackPolicy() egress.Policy {
	return egress.Policy{AllowLoopback: true}
}

func nodeFor(id, baseURL string) *models.Node {
	return &models.Node{
		ID:        id,
		Name:      id,
		BaseURL:   baseURL,
		Transport: models.TransportHTTP,
		Auth:      models.BearerAuth{Token: "secret-" + id},
	}
}

func TestProbeHealthyNode(t *testing.T) {
	cam := newFakeWebcam()
	srv := httptest.NewServer(cam)
	defer srv.Close()

	p := newTestProber(t, Config{Timeout: time.Second}, loopbackPolicy())
	st := p.ProbeNode(context.Background(), nodeFor("webcam-01", srv.URL))

	assert.True(t, st.Reachable)
	assert.True(t, st.IsReady())
	assert.Equal(t, models.ClassAvailable, st.Classify())
	assert.Empty(t, st.ErrorKind)
	assert.JSONEq(t, cam.healthBody, string(st.Health))
	assert.JSONEq(t, cam.metricsBody, string(st.Metrics))
	require.Len(t, st.Probes, 3)
	assert.Equal(t, models.EndpointHealth, st.Probes[0].Endpoint)
	assert.Equal(t, http.StatusOK, st.Probes[1].StatusCode)
	assert.Equal(t, []string{"Bearer secret-webcam-01", "Bearer secret-webcam-01", "Bearer secret-webcam-01"}, cam.authHeaders)
}

func TestProbeLegacyBasicAuth(t *testing.T) {
	cam := newFakeWebcam()
	srv := httptest.NewServer(cam)
	defer srv.Close()

	n := nodeFor("webcam-01", srv.URL)
	n.Auth = models.BasicAuth{Username: "admin", Password: "pw"}
	p := newTestProber(t, Config{Timeout: time.Second}, loopbackPolicy())
	p.ProbeNode(context.Background(), n)

	require.NotEmpty(t, cam.authHeaders)
	assert.True(t, strings.HasPrefix(cam.authHeaders[0], "Basic "))
}

func TestProbeClassification(t *testing.T) {
	tests := []struct {
		name      string
		configure func(c *fakeWebcam)
		class     models.Classification
		kind      models.ErrorKind
		ready     *bool
	}{
		{
			name:      "not ready 503",
			configure: func(c *fakeWebcam) { c.readyStatus, c.readyBody = http.StatusServiceUnavailable, `{"ready":false,"state":"stale"}` },
			class:     models.ClassDegraded,
			ready:     boolPtr(false),
		},
		{
			name:      "ready body says false",
			configure: func(c *fakeWebcam) { c.readyBody = `{"ready":false}` },
			class:     models.ClassDegraded,
			ready:     boolPtr(false),
		},
		{
			name:      "ready unexpected status",
			configure: func(c *fakeWebcam) { c.readyStatus = http.StatusTeapot },
			class:     models.ClassDegraded,
			kind:      models.ErrorKindInvalidResponse,
		},
		{
			name:      "health 500",
			configure: func(c *fakeWebcam) { c.healthStatus = http.StatusInternalServerError },
			class:     models.ClassUnavailable,
			kind:      models.ErrorKindInvalidResponse,
		},
		{
			name:      "health not json",
			configure: func(c *fakeWebcam) { c.healthBody = "OK" },
			class:     models.ClassUnavailable,
			kind:      models.ErrorKindInvalidResponse,
		},
		{
			name:      "health json array",
			configure: func(c *fakeWebcam) { c.healthBody = `["ok"]` },
			class:     models.ClassUnavailable,
			kind:      models.ErrorKindInvalidResponse,
		},
		{
			name:      "metrics failure keeps classification",
			configure: func(c *fakeWebcam) { c.metricsStatus = http.StatusInternalServerError },
			class:     models.ClassAvailable,
			kind:      models.ErrorKindInvalidResponse,
			ready:     boolPtr(true),
		},
		{
			name: "ready error outranks metrics error",
			configure: func(c *fakeWebcam) {
				c.readyStatus = http.StatusNotFound
				c.metricsBody = "garbage"
			},
			class: models.ClassDegraded,
			kind:  models.ErrorKindInvalidResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam := newFakeWebcam()
			tt.configure(cam)
			srv := httptest.NewServer(cam)
			defer srv.Close()

			p := newTestProber(t, Config{Timeout: time.Second}, loopbackPolicy())
			st := p.ProbeNode(context.Background(), nodeFor("webcam-01", srv.URL))

			assert.Equal(t, tt.class, st.Classify())
			assert.Equal(t, tt.kind, st.ErrorKind)
			if tt.ready != nil {
				require.NotNil(t, st.Ready)
				assert.Equal(t, *tt.ready, *st.Ready)
			}
		})
	}
}

func TestProbeReadyErrorKindRecordedOnReadyProbe(t *testing.T) {
	cam := newFakeWebcam()
	cam.readyStatus = http.StatusNotFound
	srv := httptest.NewServer(cam)
	defer srv.Close()

	p := newTestProber(t, Config{Timeout: time.Second}, loopbackPolicy())
	st := p.ProbeNode(context.Background(), nodeFor("webcam-01", srv.URL))

	require.Len(t, st.Probes, 3)
	assert.Equal(t, models.ErrorKindInvalidResponse, st.Probes[1].ErrorKind)
	require.NotNil(t, st.Ready)
	assert.False(t, *st.Ready)
}

func TestProbeHealthFailureOverridesReady(t *testing.T) {
	cam := newFakeWebcam()
	cam.healthStatus = http.StatusInternalServerError
	srv := httptest.NewServer(cam)
	defer srv.Close()

	p := newTestProber(t, Config{Timeout: time.Second}, loopbackPolicy())
	st := p.ProbeNode(context.Background(), nodeFor("webcam-01", srv.URL))

	assert.False(t, st.Reachable)
	require.NotNil(t, st.Ready)
	assert.False(t, *st.Ready)
	assert.True(t, strings.HasPrefix(st.Error, "/health"))
}

func TestSlowMetricsDoesNotDelayHealthOrReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","ready":true}`))
	}))
	defer srv.Close()

	p := newTestProber(t, Config{Timeout: 150 * time.Millisecond}, loopbackPolicy())
	start := time.Now()
	st := p.ProbeNode(context.Background(), nodeFor("webcam-01", srv.URL))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, models.ClassAvailable, st.Classify())
	assert.Equal(t, models.ErrorKindUnreachable, st.ErrorKind)
	assert.Nil(t, st.Metrics)
}

func TestProbeBlockedTargetSendsNothing(t *testing.T) {
	cam := newFakeWebcam()
	srv := httptest.NewServer(cam)
	defer srv.Close()

	p := newTestProber(t, Config{Timeout: time.Second}, egress.Policy{})
	st := p.ProbeNode(context.Background(), nodeFor("webcam-01", srv.URL))

	assert.Equal(t, models.ErrorKindBlocked, st.ErrorKind)
	assert.Equal(t, models.ClassUnavailable, st.Classify())
	assert.Zero(t, cam.requests.Load())
}

func TestProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(newFakeWebcam())
	url := srv.URL
	srv.Close()

	p := newTestProber(t, Config{Timeout: time.Second}, loopbackPolicy())
	st := p.ProbeNode(context.Background(), nodeFor("webcam-01", url))

	assert.Equal(t, models.ErrorKindUnreachable, st.ErrorKind)
	assert.False(t, st.Reachable)
}

func TestProbeBodyLimit(t *testing.T) {
	cam := newFakeWebcam()
	cam.healthBody = `{"pad":"` + strings.Repeat("x", 4096) + `"}`
	srv := httptest.NewServer(cam)
	defer srv.Close()

	p := newTestProber(t, Config{Timeout: time.Second, BodyLimit: 1024}, loopbackPolicy())
	st := p.ProbeNode(context.Background(), nodeFor("webcam-01", srv.URL))

	assert.Equal(t, models.ErrorKindInvalidResponse, st.ErrorKind)
	assert.Contains(t, st.Error, "exceeds limit")
}

func TestProbeDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data", http.StatusFound)
	}))
	defer srv.Close()

	p := newTestProber(t, Config{Timeout: time.Second}, loopbackPolicy())
	st := p.ProbeNode(context.Background(), nodeFor("webcam-01", srv.URL))

	assert.Equal(t, models.ErrorKindInvalidResponse, st.ErrorKind)
	assert.Equal(t, http.StatusFound, st.Probes[0].StatusCode)
}

// Five nodes, node 3 hangs: the round finishes within the per-request
// timeout and the other four are unaffected.
func TestProbeAllIsolatesHungNode(t *testing.T) {
	var nodes []*models.Node
	var servers []*httptest.Server
	release := make(chan struct{})
	defer close(release)

	for i := 1; i <= 5; i++ {
		cam := newFakeWebcam()
		if i == 3 {
			cam.hang = release
		}
		srv := httptest.NewServer(cam)
		servers = append(servers, srv)
		nodes = append(nodes, nodeFor("webcam-0"+string(rune('0'+i)), srv.URL))
	}
	defer func() {
		for _, s := range servers {
			s.CloseClientConnections()
			s.Close()
		}
	}()

	const timeout = 200 * time.Millisecond
	p := newTestProber(t, Config{Timeout: timeout, MaxInFlight: 5}, loopbackPolicy())

	start := time.Now()
	statuses := p.ProbeAll(context.Background(), nodes)
	elapsed := time.Since(start)

	require.Len(t, statuses, 5)
	// One hung node costs the round about one timeout, not one per endpoint or node.
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 3*timeout)
	for i, st := range statuses {
		assert.Equal(t, nodes[i].ID, st.NodeID)
		if i == 2 {
			assert.Equal(t, models.ErrorKindUnreachable, st.ErrorKind)
			assert.Equal(t, models.ClassUnavailable, st.Classify())
			continue
		}
		assert.Equal(t, models.ClassAvailable, st.Classify(), "node %s", st.NodeID)
	}
}

func TestProbeAllBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/health") {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
		}
		_, _ = w.Write([]byte(`{"ready":true}`))
	}))
	defer srv.Close()

	var nodes []*models.Node
	for i := 0; i < 8; i++ {
		nodes = append(nodes, nodeFor("webcam-"+string(rune('a'+i)), srv.URL))
	}

	p := newTestProber(t, Config{Timeout: time.Second, MaxInFlight: 2}, loopbackPolicy())
	statuses := p.ProbeAll(context.Background(), nodes)

	require.Len(t, statuses, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	for _, st := range statuses {
		assert.True(t, st.Reachable)
	}
}

func TestDockerProxyRouting(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"ok","ready":true}`))
	}))
	defer proxy.Close()

	n := nodeFor("webcam-09", "http://webcam-09:8000")
	n.Transport = models.TransportDockerProxy

	p := newTestProber(t, Config{Timeout: time.Second, DockerProxyURL: proxy.URL + "/nodes/"}, loopbackPolicy())
	st := p.ProbeNode(context.Background(), n)

	assert.Equal(t, models.ClassAvailable, st.Classify())
	assert.ElementsMatch(t, []string{"/nodes/webcam-09/health", "/nodes/webcam-09/ready", "/nodes/webcam-09/metrics"}, paths)
}

func TestDockerProxyTargetIsGuarded(t *testing.T) {
	var hits atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer proxy.Close()

	n := nodeFor("webcam-09", "http://webcam-09:8000")
	n.Transport = models.TransportDockerProxy

	p := newTestProber(t, Config{Timeout: time.Second, DockerProxyURL: proxy.URL}, egress.Policy{})
	st := p.ProbeNode(context.Background(), n)

	assert.Equal(t, models.ErrorKindBlocked, st.ErrorKind)
	assert.Zero(t, hits.Load())
}

func TestDockerProxyNotConfigured(t *testing.T) {
	n := nodeFor("webcam-09", "http://webcam-09:8000")
	n.Transport = models.TransportDockerProxy

	p := newTestProber(t, Config{Timeout: time.Second}, loopbackPolicy())
	st := p.ProbeNode(context.Background(), n)

	assert.Equal(t, models.ErrorKindUnreachable, st.ErrorKind)
	assert.Contains(t, st.Error, "docker proxy")
}

func TestNewRejectsBadProxyURL(t *testing.T) {
	_, err := New(Config{DockerProxyURL: "unix:///var/run/docker.sock"}, egress.NewGuard(egress.Policy{}))
	assert.Error(t, err)
}

func boolPtr(b bool) *bool { return &b }
