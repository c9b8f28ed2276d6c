package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/narvanalabs/camfleet/internal/api/errors"
	"github.com/narvanalabs/camfleet/internal/api/handlers"
	"github.com/narvanalabs/camfleet/internal/aggregator"
	"github.com/narvanalabs/camfleet/internal/auth"
	"github.com/narvanalabs/camfleet/internal/discovery"
	"github.com/narvanalabs/camfleet/internal/egress"
	"github.com/narvanalabs/camfleet/internal/models"
	"github.com/narvanalabs/camfleet/internal/prober"
	"github.com/narvanalabs/camfleet/internal/registry"
)

const (
	adminKey        = "admin-key"
	viewerKey       = "viewer-key"
	discoverySecret = "s3cret-announce"
	jwtSecret       = "0123456789abcdef0123456789abcdef"
)

type hub struct {
	server *Server
	auth   *auth.Service
	camera *httptest.Server
}

// newCamera serves the three probe endpoints of a ready webcam.
func newCamera(t *testing.T) *httptest.Server {
	return newSlowCamera(t, 0)
}

// newSlowCamera is newCamera with every endpoint answering after delay.
func newSlowCamera(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ready":true,"state":"ready"}`))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"frame_count":42}`))
	})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		mux.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(slow)
	t.Cleanup(srv.Close)
	return srv
}

func newHub(t *testing.T, cfg Config) *hub {
	t.Helper()

	guard := egress.NewGuard(egress.Policy{AllowLoopback: true})
	backend, err := registry.NewFileBackend(filepath.Join(t.TempDir(), "nodes.json"), time.Second, nil)
	require.NoError(t, err)
	reg := registry.NewService(backend, registry.NewValidator(guard, nil))
	require.NoError(t, reg.Load(context.Background()))
	t.Cleanup(func() { reg.Close() })

	p, err := prober.New(prober.Config{Timeout: 2 * time.Second}, guard)
	require.NoError(t, err)
	agg := aggregator.New(reg, p)

	verifier, err := auth.NewSecretVerifier(discoverySecret)
	require.NoError(t, err)

	keys, err := auth.ParseStaticKeys([]string{"ops:admin:" + adminKey, "wall:viewer:" + viewerKey})
	require.NoError(t, err)
	authSvc := auth.NewService(&auth.Config{JWTSecret: []byte(jwtSecret), TokenExpiry: time.Hour}, keys, nil)

	srv := NewServer(cfg, Deps{
		Registry:  reg,
		Prober:    p,
		Overview:  agg,
		Discovery: discovery.NewReceiver(reg, verifier, nil),
		Auth:      authSvc,
	})
	return &hub{server: srv, auth: authSvc, camera: newCamera(t)}
}

func (h *hub) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:40000"
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rr := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rr, req)
	return rr
}

func (h *hub) createNode(t *testing.T, id string) {
	t.Helper()
	rr := h.do(t, http.MethodPost, "/api/nodes", adminKey, map[string]any{
		"id":           id,
		"name":         "Camera " + id,
		"base_url":     h.camera.URL,
		"transport":    "http",
		"auth":         map[string]string{"type": "bearer", "token": "node-token-" + id},
		"capabilities": []string{"stream"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) apierrors.APIError {
	t.Helper()
	var e apierrors.APIError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&e))
	return e
}

func TestHealthAndReady(t *testing.T) {
	h := newHub(t, Config{})

	rr := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestNodeLifecycle(t *testing.T) {
	h := newHub(t, Config{})

	rr := h.do(t, http.MethodPost, "/api/nodes", adminKey, map[string]any{
		"id":        "cam-1",
		"name":      "Front door",
		"base_url":  h.camera.URL,
		"transport": "http",
		"auth":      map[string]string{"type": "bearer", "token": "very-secret-token"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "/api/nodes/cam-1", rr.Header().Get("Location"))
	assert.NotContains(t, rr.Body.String(), "very-secret-token")

	var created handlers.NodeView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))
	assert.Equal(t, models.AuthKindBearer, created.Auth.Type)
	assert.Equal(t, models.ClassUnknown, created.Classification)

	t.Run("duplicate id", func(t *testing.T) {
		rr := h.do(t, http.MethodPost, "/api/nodes", adminKey, map[string]any{
			"id":        "cam-1",
			"name":      "Again",
			"base_url":  h.camera.URL,
			"transport": "http",
			"auth":      map[string]string{"type": "none"},
		})
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, apierrors.CodeDuplicateID, decodeError(t, rr).Code)
	})

	t.Run("update", func(t *testing.T) {
		rr := h.do(t, http.MethodPatch, "/api/nodes/cam-1", adminKey, map[string]any{"name": "Back door"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var v handlers.NodeView
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
		assert.Equal(t, "Back door", v.Name)
	})

	t.Run("live status", func(t *testing.T) {
		rr := h.do(t, http.MethodGet, "/api/nodes/cam-1/status", adminKey, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var resp handlers.StatusResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.False(t, resp.Cached)
		assert.Equal(t, models.ClassAvailable, resp.Classification)
		require.NotNil(t, resp.Status)
		assert.True(t, resp.Status.Reachable)
	})

	t.Run("status written back", func(t *testing.T) {
		rr := h.do(t, http.MethodGet, "/api/nodes/cam-1", adminKey, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var v handlers.NodeView
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
		assert.Equal(t, models.ClassAvailable, v.Classification)
	})

	t.Run("delete", func(t *testing.T) {
		rr := h.do(t, http.MethodDelete, "/api/nodes/cam-1", adminKey, nil)
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = h.do(t, http.MethodGet, "/api/nodes/cam-1", adminKey, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, apierrors.CodeNotFound, decodeError(t, rr).Code)
	})
}

func TestStatusProbeSurvivesCallerLeaving(t *testing.T) {
	h := newHub(t, Config{})
	h.camera = newSlowCamera(t, 300*time.Millisecond)
	h.createNode(t, "webcam-01")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/nodes/webcam-01/status", nil).WithContext(ctx)
	req.RemoteAddr = "192.0.2.10:40000"
	req.Header.Set("X-API-Key", adminKey)

	start := time.Now()
	h.server.Router().ServeHTTP(httptest.NewRecorder(), req)
	assert.Less(t, time.Since(start), 250*time.Millisecond, "handler kept the caller waiting")

	require.Eventually(t, func() bool {
		rr := h.do(t, http.MethodGet, "/api/nodes/webcam-01/status?cached=true", adminKey, nil)
		var resp handlers.StatusResponse
		if rr.Code != http.StatusOK || json.NewDecoder(rr.Body).Decode(&resp) != nil {
			return false
		}
		return resp.Status != nil
	}, 3*time.Second, 20*time.Millisecond, "probe result never written back")

	rr := h.do(t, http.MethodGet, "/api/nodes/webcam-01/status?cached=true", adminKey, nil)
	var resp handlers.StatusResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp.Cached)
	assert.Equal(t, models.ClassAvailable, resp.Classification)
	assert.True(t, resp.Status.Reachable)
}

func TestCreateRejectsInvalidNode(t *testing.T) {
	h := newHub(t, Config{})

	tests := []struct {
		name string
		body any
	}{
		{"bad id and missing name", map[string]any{
			"id": "-bad", "base_url": "http://127.0.0.1:1", "transport": "http",
			"auth": map[string]string{"type": "none"},
		}},
		{"legacy basic auth", map[string]any{
			"id": "cam-2", "name": "x", "base_url": "http://127.0.0.1:1", "transport": "http",
			"auth": map[string]string{"type": "basic", "username": "u", "password": "p"},
		}},
		{"unknown field", map[string]any{"id": "cam-3", "colour": "red"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := h.do(t, http.MethodPost, "/api/nodes", adminKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Equal(t, apierrors.CodeInvalidNode, decodeError(t, rr).Code)
		})
	}

	t.Run("field details", func(t *testing.T) {
		rr := h.do(t, http.MethodPost, "/api/nodes", adminKey, tests[0].body)
		e := decodeError(t, rr)
		assert.Contains(t, e.Details, "fields")
	})
}

func TestCreateRejectsBlockedTarget(t *testing.T) {
	h := newHub(t, Config{})

	rr := h.do(t, http.MethodPost, "/api/nodes", adminKey, map[string]any{
		"id": "meta", "name": "Metadata", "base_url": "http://169.254.169.254", "transport": "http",
		"auth": map[string]string{"type": "none"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "egress policy")
}

func TestAuthenticationAndRoles(t *testing.T) {
	h := newHub(t, Config{})
	h.createNode(t, "cam-1")

	t.Run("anonymous", func(t *testing.T) {
		rr := h.do(t, http.MethodGet, "/api/nodes", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("viewer may list", func(t *testing.T) {
		rr := h.do(t, http.MethodGet, "/api/nodes", viewerKey, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var views []handlers.NodeView
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&views))
		assert.Len(t, views, 1)
	})

	t.Run("viewer may not create", func(t *testing.T) {
		rr := h.do(t, http.MethodPost, "/api/nodes", viewerKey, map[string]any{"id": "x"})
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("viewer gets cached status", func(t *testing.T) {
		rr := h.do(t, http.MethodGet, "/api/nodes/cam-1/status", viewerKey, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp handlers.StatusResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.True(t, resp.Cached)
		assert.Equal(t, models.ClassUnknown, resp.Classification)
	})

	t.Run("jwt operator", func(t *testing.T) {
		token, err := h.auth.GenerateToken("alice", "Alice", auth.RoleAdmin)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/api/nodes/cam-1", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		h.server.Router().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestOverview(t *testing.T) {
	h := newHub(t, Config{})
	h.createNode(t, "cam-1")

	// No round has run and no status was written back yet.
	rr := h.do(t, http.MethodGet, "/api/management/overview", viewerKey, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Equal(t, apierrors.CodeUnavailable, decodeError(t, rr).Code)

	rr = h.do(t, http.MethodGet, "/api/management/overview", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var ov models.Overview
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&ov))
	assert.NotEmpty(t, ov.RoundID)
	assert.Equal(t, models.OverviewCounts{Available: 1, Total: 1}, ov.Counts)

	rr = h.do(t, http.MethodGet, "/api/management/overview", viewerKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var cached models.Overview
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&cached))
	assert.Equal(t, ov.RoundID, cached.RoundID)
}

func TestDiscoveryAnnounce(t *testing.T) {
	h := newHub(t, Config{DiscoveryRateLimit: 100, DiscoveryRateBurst: 100})

	announce := func(secret string) *httptest.ResponseRecorder {
		body := `{"id":"cam-9","name":"Garage","base_url":"` + h.camera.URL + `","transport":"http"}`
		req := httptest.NewRequest(http.MethodPost, "/api/discovery/announce", strings.NewReader(body))
		req.RemoteAddr = "192.0.2.20:5000"
		if secret != "" {
			req.Header.Set(discovery.SecretHeader, secret)
		}
		rr := httptest.NewRecorder()
		h.server.Router().ServeHTTP(rr, req)
		return rr
	}

	rr := announce("")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = announce("wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = announce(discoverySecret)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = announce(discoverySecret)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodGet, "/api/nodes/cam-9", viewerKey, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDiscoveryRateLimited(t *testing.T) {
	h := newHub(t, Config{DiscoveryRateLimit: 0.01, DiscoveryRateBurst: 1})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/discovery/announce", strings.NewReader(`{}`))
		req.RemoteAddr = "192.0.2.30:5000"
		rr := httptest.NewRecorder()
		h.server.Router().ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusUnauthorized, send().Code)
	rr := send()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestOverviewWebSocket(t *testing.T) {
	h := newHub(t, Config{})
	h.createNode(t, "cam-1")

	rr := h.do(t, http.MethodGet, "/api/management/overview", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	ts := httptest.NewServer(h.server.Router())
	defer ts.Close()

	token, err := h.auth.GenerateToken("wall", "Wallboard", auth.RoleViewer)
	require.NoError(t, err)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/management/overview/ws?access_token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first models.Overview
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, 1, first.Counts.Total)

	rr = h.do(t, http.MethodGet, "/api/management/overview", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var second models.Overview
	require.NoError(t, conn.ReadJSON(&second))
	assert.NotEqual(t, first.RoundID, second.RoundID)
}

func TestOverviewWebSocketRequiresAuth(t *testing.T) {
	h := newHub(t, Config{})
	ts := httptest.NewServer(h.server.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/management/overview/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
