// Package aggregator turns probe rounds into fleet overviews.
package aggregator

import (
	"time"

	"github.com/narvanalabs/camfleet/internal/models"
)

// Aggregate builds an overview from the node set and the statuses of one
// round. Every node lands in exactly one bucket; a node with no status is
// counted as unavailable.
func Aggregate(roundID string, at time.Time, nodes []*models.Node, statuses map[string]*models.NodeStatus) *models.Overview {
	ov := &models.Overview{
		RoundID:     roundID,
		GeneratedAt: at,
		Nodes:       make([]models.NodeSnapshot, 0, len(nodes)),
	}
	for _, n := range nodes {
		st := statuses[n.ID]
		class := st.Classify()
		if class == models.ClassUnknown {
			class = models.ClassUnavailable
		}
		switch class {
		case models.ClassAvailable:
			ov.Counts.Available++
		case models.ClassDegraded:
			ov.Counts.Degraded++
		default:
			ov.Counts.Unavailable++
		}
		ov.Nodes = append(ov.Nodes, snapshot(n, st, class))
	}
	ov.Counts.Total = len(nodes)
	return ov
}

// FromCache builds an overview from each node's last written-back status
// without probing.
func FromCache(at time.Time, nodes []*models.Node) *models.Overview {
	statuses := make(map[string]*models.NodeStatus, len(nodes))
	for _, n := range nodes {
		if n.CachedStatus != nil {
			statuses[n.ID] = n.CachedStatus
		}
	}
	return Aggregate("", at, nodes, statuses)
}

func snapshot(n *models.Node, st *models.NodeStatus, class models.Classification) models.NodeSnapshot {
	return models.NodeSnapshot{
		ID:             n.ID,
		Name:           n.Name,
		BaseURL:        n.BaseURL,
		Transport:      n.Transport,
		Labels:         n.Labels,
		Capabilities:   n.Capabilities,
		LastSeen:       n.LastSeen,
		Classification: class,
		Status:         st.Clone(),
	}
}
