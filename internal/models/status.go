package models

import (
	"encoding/json"
	"slices"
	"time"
)

// ErrorKind classifies why a probe did not produce a clean result.
type ErrorKind string

const (
	// ErrorKindBlocked means the egress policy refused the target; no request was sent.
	ErrorKindBlocked ErrorKind = "blocked"
	// ErrorKindUnreachable means a timeout, DNS failure or refused connection.
	ErrorKindUnreachable ErrorKind = "unreachable"
	// ErrorKindInvalidResponse means the node answered with a non-2xx status or a malformed payload.
	ErrorKindInvalidResponse ErrorKind = "invalid_response"
)

// Probe endpoints.
const (
	EndpointHealth  = "/health"
	EndpointReady   = "/ready"
	EndpointMetrics = "/metrics"
)

// ProbeResult records the outcome of one HTTP probe.
type ProbeResult struct {
	Endpoint   string    `json:"endpoint"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// NodeStatus is the normalized outcome of probing one node.
type NodeStatus struct {
	NodeID    string          `json:"node_id"`
	ProbedAt  time.Time       `json:"probed_at"`
	Reachable bool            `json:"reachable"`
	Health    json.RawMessage `json:"health,omitempty"`
	Ready     *bool           `json:"ready,omitempty"`
	Metrics   json.RawMessage `json:"metrics,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Probes    []ProbeResult   `json:"probes,omitempty"`
}

// Clone returns a deep copy of the status.
func (s *NodeStatus) Clone() *NodeStatus {
	if s == nil {
		return nil
	}
	c := *s
	c.Health = slices.Clone(s.Health)
	c.Metrics = slices.Clone(s.Metrics)
	c.Probes = slices.Clone(s.Probes)
	if s.Ready != nil {
		r := *s.Ready
		c.Ready = &r
	}
	return &c
}

// IsReady reports the ready flag, treating absent as false.
func (s *NodeStatus) IsReady() bool {
	return s != nil && s.Ready != nil && *s.Ready
}

// Classification is the overview bucket a node falls into for one round.
type Classification string

const (
	ClassAvailable   Classification = "available"
	ClassDegraded    Classification = "degraded"
	ClassUnavailable Classification = "unavailable"
	// ClassUnknown is used for nodes that have never been probed.
	ClassUnknown Classification = "unknown"
)

// Classify partitions a status: available iff reachable and ready,
// degraded iff reachable and not ready, unavailable otherwise.
func (s *NodeStatus) Classify() Classification {
	switch {
	case s == nil:
		return ClassUnknown
	case !s.Reachable:
		return ClassUnavailable
	case s.IsReady():
		return ClassAvailable
	default:
		return ClassDegraded
	}
}

// OverviewCounts holds the per-classification node counts.
type OverviewCounts struct {
	Available   int `json:"available"`
	Degraded    int `json:"degraded"`
	Unavailable int `json:"unavailable"`
	Total       int `json:"total"`
}

// NodeSnapshot is one node's entry in an overview.
type NodeSnapshot struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	BaseURL        string            `json:"base_url"`
	Transport      Transport         `json:"transport"`
	Labels         map[string]string `json:"labels,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	LastSeen       *time.Time        `json:"last_seen,omitempty"`
	Classification Classification    `json:"classification"`
	Status         *NodeStatus       `json:"status,omitempty"`
}

// Overview is the point-in-time aggregate of every registered node.
type Overview struct {
	RoundID     string         `json:"round_id,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
	Counts      OverviewCounts `json:"counts"`
	Nodes       []NodeSnapshot `json:"nodes"`
}
