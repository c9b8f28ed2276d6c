// Package config provides layered configuration for the hub and webcam roles.
//
// Values are resolved in increasing order of precedence: built-in defaults,
// an optional YAML file, an optional .env file, and the process environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Registry backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config holds all configuration for both roles.
type Config struct {
	Log             LogConfig     `yaml:"log"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Hub             HubConfig     `yaml:"hub"`
	Webcam          WebcamConfig  `yaml:"webcam"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HubConfig holds configuration for the management role.
type HubConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
	// AllowedOrigins limits overview WebSocket upgrades; empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`

	Registry  RegistryConfig  `yaml:"registry"`
	Probe     ProbeConfig     `yaml:"probe"`
	Egress    EgressConfig    `yaml:"egress"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Auth      AuthConfig      `yaml:"auth"`
	Sealing   SealingConfig   `yaml:"sealing"`
}

// RegistryConfig selects and tunes the node registry store.
type RegistryConfig struct {
	Backend     string        `yaml:"backend"`
	Path        string        `yaml:"path"`
	DatabaseDSN string        `yaml:"database_dsn"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// ProbeConfig tunes the status prober and the background round cadence.
type ProbeConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	DNSTimeout     time.Duration `yaml:"dns_timeout"`
	Interval       time.Duration `yaml:"interval"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	DockerProxyURL string        `yaml:"docker_proxy_url"`
}

// EgressConfig relaxes the outbound address policy for same-host or LAN setups.
type EgressConfig struct {
	AllowPrivate  bool `yaml:"allow_private"`
	AllowLoopback bool `yaml:"allow_loopback"`
}

// DiscoveryConfig holds the shared secret and rate limits for node self-registration.
type DiscoveryConfig struct {
	// Secret is either the plain shared secret or its bcrypt hash.
	Secret    string  `yaml:"secret"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// AuthConfig holds operator authentication settings.
type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret"`
	JWTExpiry    time.Duration `yaml:"jwt_expiry"`
	APIKeyHeader string        `yaml:"api_key_header"`
	APIKeys      []string      `yaml:"api_keys"`
}

// SealingConfig holds the age key pair used to seal node credentials at rest.
type SealingConfig struct {
	AgePublicKey  string `yaml:"age_public_key"`
	AgePrivateKey string `yaml:"age_private_key"`
}

// WebcamConfig holds configuration for the webcam role.
type WebcamConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`

	NodeID    string            `yaml:"node_id"`
	NodeName  string            `yaml:"node_name"`
	PublicURL string            `yaml:"public_url"`
	Labels    map[string]string `yaml:"labels"`
	APIToken  string            `yaml:"api_token"`

	StaleThreshold time.Duration `yaml:"stale_threshold"`
	Capture        CaptureConfig `yaml:"capture"`

	HubURL           string        `yaml:"hub_url"`
	DiscoverySecret  string        `yaml:"discovery_secret"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
}

// CaptureConfig tunes the built-in test pattern source.
type CaptureConfig struct {
	Interval time.Duration `yaml:"interval"`
	Width    int           `yaml:"width"`
	Height   int           `yaml:"height"`
}

// LoadOptions names optional files layered under the environment.
type LoadOptions struct {
	ConfigFile string
	EnvFile    string
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Log:             LogConfig{Level: "info", Format: "json"},
		ShutdownTimeout: 30 * time.Second,
		Hub: HubConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			GRPCPort: 0,
			Registry: RegistryConfig{
				Backend:     BackendFile,
				Path:        "/var/lib/camfleet/nodes.json",
				LockTimeout: 5 * time.Second,
			},
			Probe: ProbeConfig{
				Timeout:     3 * time.Second,
				DNSTimeout:  2 * time.Second,
				Interval:    30 * time.Second,
				MaxInFlight: 16,
			},
			Discovery: DiscoveryConfig{
				RateLimit: 1,
				RateBurst: 5,
			},
			Auth: AuthConfig{
				JWTExpiry:    24 * time.Hour,
				APIKeyHeader: "X-API-Key",
			},
		},
		Webcam: WebcamConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			StaleThreshold: 10 * time.Second,
			Capture: CaptureConfig{
				Interval: 200 * time.Millisecond,
				Width:    640,
				Height:   480,
			},
			AnnounceInterval: time.Minute,
		},
	}
}

// Load resolves the configuration without role-specific validation.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Defaults()

	if path := firstNonEmpty(opts.ConfigFile, os.Getenv("CAMFLEET_CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if opts.EnvFile != "" {
		// godotenv never overrides variables already present in the environment.
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
	}

	cfg.applyEnv()
	if cfg.Webcam.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Webcam.NodeID = host
		}
	}
	return cfg, nil
}

// LoadHub loads and validates configuration for the management role.
func LoadHub(opts LoadOptions) (*Config, error) {
	cfg, err := Load(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateHub(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWebcam loads and validates configuration for the webcam role.
func LoadWebcam(opts LoadOptions) (*Config, error) {
	cfg, err := Load(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateWebcam(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	h := &c.Hub
	h.Host = getEnv("HUB_HOST", h.Host)
	h.Port = getIntEnv("HUB_PORT", h.Port)
	h.GRPCPort = getIntEnv("HUB_GRPC_PORT", h.GRPCPort)
	h.AllowedOrigins = getListEnv("WS_ALLOWED_ORIGINS", h.AllowedOrigins)
	h.Registry.Backend = getEnv("REGISTRY_BACKEND", h.Registry.Backend)
	h.Registry.Path = getEnv("REGISTRY_PATH", h.Registry.Path)
	h.Registry.DatabaseDSN = getEnv("DATABASE_URL", h.Registry.DatabaseDSN)
	h.Registry.LockTimeout = getDurationEnv("REGISTRY_LOCK_TIMEOUT", h.Registry.LockTimeout)
	h.Probe.Timeout = getDurationEnv("PROBE_TIMEOUT", h.Probe.Timeout)
	h.Probe.DNSTimeout = getDurationEnv("DNS_TIMEOUT", h.Probe.DNSTimeout)
	h.Probe.Interval = getDurationEnv("PROBE_INTERVAL", h.Probe.Interval)
	h.Probe.MaxInFlight = getIntEnv("PROBE_MAX_IN_FLIGHT", h.Probe.MaxInFlight)
	h.Probe.DockerProxyURL = getEnv("DOCKER_PROXY_URL", h.Probe.DockerProxyURL)
	h.Egress.AllowPrivate = getBoolEnv("EGRESS_ALLOW_PRIVATE", h.Egress.AllowPrivate)
	h.Egress.AllowLoopback = getBoolEnv("EGRESS_ALLOW_LOOPBACK", h.Egress.AllowLoopback)
	h.Discovery.Secret = getEnv("DISCOVERY_SECRET", h.Discovery.Secret)
	h.Discovery.RateLimit = getFloatEnv("DISCOVERY_RATE_LIMIT", h.Discovery.RateLimit)
	h.Discovery.RateBurst = getIntEnv("DISCOVERY_RATE_BURST", h.Discovery.RateBurst)
	h.Auth.JWTSecret = getEnv("JWT_SECRET", h.Auth.JWTSecret)
	h.Auth.JWTExpiry = getDurationEnv("JWT_EXPIRY", h.Auth.JWTExpiry)
	h.Auth.APIKeyHeader = getEnv("API_KEY_HEADER", h.Auth.APIKeyHeader)
	h.Auth.APIKeys = getListEnv("OPERATOR_API_KEYS", h.Auth.APIKeys)
	h.Sealing.AgePublicKey = getEnv("AGE_PUBLIC_KEY", h.Sealing.AgePublicKey)
	h.Sealing.AgePrivateKey = getEnv("AGE_PRIVATE_KEY", h.Sealing.AgePrivateKey)

	w := &c.Webcam
	w.Host = getEnv("WEBCAM_HOST", w.Host)
	w.Port = getIntEnv("WEBCAM_PORT", w.Port)
	w.GRPCPort = getIntEnv("WEBCAM_GRPC_PORT", w.GRPCPort)
	w.NodeID = getEnv("NODE_ID", w.NodeID)
	w.NodeName = getEnv("NODE_NAME", w.NodeName)
	w.PublicURL = getEnv("NODE_PUBLIC_URL", w.PublicURL)
	w.Labels = getMapEnv("NODE_LABELS", w.Labels)
	w.APIToken = getEnv("NODE_API_TOKEN", w.APIToken)
	w.StaleThreshold = getDurationEnv("STALE_THRESHOLD", w.StaleThreshold)
	w.Capture.Interval = getDurationEnv("CAPTURE_INTERVAL", w.Capture.Interval)
	w.Capture.Width = getIntEnv("CAPTURE_WIDTH", w.Capture.Width)
	w.Capture.Height = getIntEnv("CAPTURE_HEIGHT", w.Capture.Height)
	w.HubURL = getEnv("HUB_URL", w.HubURL)
	w.DiscoverySecret = getEnv("DISCOVERY_SECRET", w.DiscoverySecret)
	w.AnnounceInterval = getDurationEnv("ANNOUNCE_INTERVAL", w.AnnounceInterval)
}

// ValidateHub checks that the management role has what it needs to start.
func (c *Config) ValidateHub() error {
	var errs []error
	h := c.Hub

	switch h.Registry.Backend {
	case BackendFile:
		if h.Registry.Path == "" {
			errs = append(errs, errors.New("REGISTRY_PATH is required for the file backend"))
		}
	case BackendPostgres:
		if h.Registry.DatabaseDSN == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown REGISTRY_BACKEND %q", h.Registry.Backend))
	}

	if h.Discovery.Secret == "" {
		errs = append(errs, errors.New("DISCOVERY_SECRET is required"))
	}
	if h.Auth.JWTSecret == "" && len(h.Auth.APIKeys) == 0 {
		errs = append(errs, errors.New("JWT_SECRET or OPERATOR_API_KEYS is required"))
	}
	if h.Auth.JWTSecret != "" && len(h.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters"))
	}
	if h.Auth.JWTSecret != "" && h.Auth.JWTSecret == h.Discovery.Secret {
		errs = append(errs, errors.New("DISCOVERY_SECRET must differ from JWT_SECRET"))
	}
	if h.Registry.LockTimeout <= 0 {
		errs = append(errs, errors.New("REGISTRY_LOCK_TIMEOUT must be positive"))
	}
	if h.Probe.Timeout <= 0 || h.Probe.DNSTimeout <= 0 || h.Probe.Interval <= 0 {
		errs = append(errs, errors.New("PROBE_TIMEOUT, DNS_TIMEOUT and PROBE_INTERVAL must be positive"))
	}
	if h.Probe.MaxInFlight < 1 {
		errs = append(errs, errors.New("PROBE_MAX_IN_FLIGHT must be at least 1"))
	}
	if h.Probe.DockerProxyURL != "" {
		if err := validateHTTPURL(h.Probe.DockerProxyURL); err != nil {
			errs = append(errs, fmt.Errorf("DOCKER_PROXY_URL: %w", err))
		}
	}

	return errors.Join(errs...)
}

// ValidateWebcam checks that the webcam role has what it needs to start.
func (c *Config) ValidateWebcam() error {
	var errs []error
	w := c.Webcam

	if w.StaleThreshold <= 0 {
		errs = append(errs, errors.New("STALE_THRESHOLD must be positive"))
	}
	if w.Capture.Interval <= 0 {
		errs = append(errs, errors.New("CAPTURE_INTERVAL must be positive"))
	}
	if w.Capture.Width <= 0 || w.Capture.Height <= 0 {
		errs = append(errs, errors.New("CAPTURE_WIDTH and CAPTURE_HEIGHT must be positive"))
	}
	if w.HubURL != "" {
		if err := validateHTTPURL(w.HubURL); err != nil {
			errs = append(errs, fmt.Errorf("HUB_URL: %w", err))
		}
		if w.DiscoverySecret == "" {
			errs = append(errs, errors.New("DISCOVERY_SECRET is required when HUB_URL is set"))
		}
		if w.PublicURL == "" {
			errs = append(errs, errors.New("NODE_PUBLIC_URL is required when HUB_URL is set"))
		}
		if w.AnnounceInterval <= 0 {
			errs = append(errs, errors.New("ANNOUNCE_INTERVAL must be positive"))
		}
	}

	return errors.Join(errs...)
}

// Addr returns the hub HTTP listen address.
func (h HubConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// Addr returns the webcam HTTP listen address.
func (w WebcamConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getListEnv reads a comma-separated list.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getMapEnv reads comma-separated key=value pairs.
func getMapEnv(key string, defaultValue map[string]string) map[string]string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
