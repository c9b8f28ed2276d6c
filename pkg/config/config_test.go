package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadLayering(t *testing.T) {
	yamlPath := writeFile(t, "camfleet.yaml", `
hub:
  port: 9000
  probe:
    timeout: 7s
    max_in_flight: 4
  discovery:
    secret: from-yaml
webcam:
  stale_threshold: 15s
  labels:
    site: lab
`)
	envPath := writeFile(t, ".env", "PROBE_MAX_IN_FLIGHT=8\nDNS_TIMEOUT=900ms\n")

	t.Setenv("HUB_PORT", "9100")
	t.Setenv("CAMFLEET_CONFIG", "")

	cfg, err := Load(LoadOptions{ConfigFile: yamlPath, EnvFile: envPath})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("PROBE_MAX_IN_FLIGHT")
		os.Unsetenv("DNS_TIMEOUT")
	})

	if cfg.Hub.Port != 9100 {
		t.Errorf("environment should win over yaml: port = %d", cfg.Hub.Port)
	}
	if cfg.Hub.Probe.Timeout != 7*time.Second {
		t.Errorf("yaml should win over defaults: timeout = %v", cfg.Hub.Probe.Timeout)
	}
	if cfg.Hub.Probe.MaxInFlight != 8 {
		t.Errorf(".env should win over yaml: max_in_flight = %d", cfg.Hub.Probe.MaxInFlight)
	}
	if cfg.Hub.Probe.DNSTimeout != 900*time.Millisecond {
		t.Errorf("dns timeout = %v", cfg.Hub.Probe.DNSTimeout)
	}
	if cfg.Hub.Discovery.Secret != "from-yaml" {
		t.Errorf("discovery secret = %q", cfg.Hub.Discovery.Secret)
	}
	if cfg.Webcam.StaleThreshold != 15*time.Second {
		t.Errorf("stale threshold = %v", cfg.Webcam.StaleThreshold)
	}
	if cfg.Webcam.Labels["site"] != "lab" {
		t.Errorf("labels = %v", cfg.Webcam.Labels)
	}
	if cfg.Hub.Registry.LockTimeout != 5*time.Second {
		t.Errorf("untouched default changed: lock timeout = %v", cfg.Hub.Registry.LockTimeout)
	}
}

func TestValidateHub(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Hub.Discovery.Secret = "node-shared-secret"
		cfg.Hub.Auth.JWTSecret = strings.Repeat("j", 32)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing discovery secret", func(c *Config) { c.Hub.Discovery.Secret = "" }, "DISCOVERY_SECRET"},
		{"short jwt secret", func(c *Config) { c.Hub.Auth.JWTSecret = "short" }, "at least 32"},
		{"api keys instead of jwt", func(c *Config) {
			c.Hub.Auth.JWTSecret = ""
			c.Hub.Auth.APIKeys = []string{"k1"}
		}, ""},
		{"no operator auth", func(c *Config) { c.Hub.Auth.JWTSecret = "" }, "OPERATOR_API_KEYS"},
		{"shared namespaces", func(c *Config) { c.Hub.Discovery.Secret = c.Hub.Auth.JWTSecret }, "must differ"},
		{"postgres without dsn", func(c *Config) { c.Hub.Registry.Backend = BackendPostgres }, "DATABASE_URL"},
		{"unknown backend", func(c *Config) { c.Hub.Registry.Backend = "etcd" }, "REGISTRY_BACKEND"},
		{"zero in flight", func(c *Config) { c.Hub.Probe.MaxInFlight = 0 }, "PROBE_MAX_IN_FLIGHT"},
		{"bad proxy url", func(c *Config) { c.Hub.Probe.DockerProxyURL = "unix:///var/run/docker.sock" }, "DOCKER_PROXY_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.ValidateHub()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateWebcamRequiresAnnounceSettings(t *testing.T) {
	cfg := Defaults()
	if err := cfg.ValidateWebcam(); err != nil {
		t.Fatalf("defaults should be valid without a hub: %v", err)
	}

	cfg.Webcam.HubURL = "http://hub.example.com:8080"
	err := cfg.ValidateWebcam()
	if err == nil {
		t.Fatal("expected error when announcing without a secret and public url")
	}
	for _, want := range []string{"DISCOVERY_SECRET", "NODE_PUBLIC_URL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestGetMapEnv(t *testing.T) {
	t.Setenv("NODE_LABELS", "site=lab, room = 2 ,broken,=x")
	got := getMapEnv("NODE_LABELS", nil)
	if len(got) != 2 || got["site"] != "lab" || got["room"] != "2" {
		t.Fatalf("getMapEnv = %v", got)
	}
}
