// Package models provides data models shared by the hub and webcam roles.
package models

import (
	"encoding/json"
	"maps"
	"slices"
	"sort"
	"time"
)

// Transport selects how the hub reaches a node.
type Transport string

const (
	// TransportHTTP probes the node's base URL directly.
	TransportHTTP Transport = "http"
	// TransportDockerProxy probes through the configured local proxy endpoint.
	TransportDockerProxy Transport = "docker-proxy"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	return t == TransportHTTP || t == TransportDockerProxy
}

// CapabilityStream marks nodes that serve a live frame feed.
const CapabilityStream = "stream"

// Node is a registered camera node.
type Node struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	BaseURL      string            `json:"base_url"`
	Transport    Transport         `json:"transport"`
	Auth         Auth              `json:"-"`
	Labels       map[string]string `json:"labels,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	LastSeen     *time.Time        `json:"last_seen,omitempty"`
	CachedStatus *NodeStatus       `json:"cached_status,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type nodeJSON struct {
	nodeAlias
	Auth AuthDocument `json:"auth"`
}

type nodeAlias Node

// MarshalJSON encodes the node including its full credential document.
// Use it for storage only; API responses use a redacted view.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeJSON{nodeAlias: nodeAlias(n), Auth: EncodeAuth(n.Auth)})
}

// UnmarshalJSON decodes a stored node, accepting legacy basic credentials.
func (n *Node) UnmarshalJSON(data []byte) error {
	var doc nodeJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	auth, err := DecodeStoredAuth(doc.Auth)
	if err != nil {
		return err
	}
	*n = Node(doc.nodeAlias)
	n.Auth = auth
	return nil
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Labels = maps.Clone(n.Labels)
	c.Capabilities = slices.Clone(n.Capabilities)
	if n.LastSeen != nil {
		t := *n.LastSeen
		c.LastSeen = &t
	}
	c.CachedStatus = n.CachedStatus.Clone()
	return &c
}

// HasCapability reports whether the node advertises capability.
func (n *Node) HasCapability(capability string) bool {
	return slices.Contains(n.Capabilities, capability)
}

// NormalizeCapabilities returns the sorted, de-duplicated, non-empty set.
func NormalizeCapabilities(caps []string) []string {
	if len(caps) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
