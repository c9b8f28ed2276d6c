package registry

import (
	"context"

	"github.com/narvanalabs/camfleet/internal/models"
)

// Backend durably stores the full node set. Write replaces the stored set
// atomically: after it returns nil a reload yields exactly nodes, and after
// it returns an error the previous set is still intact.
type Backend interface {
	Load(ctx context.Context) ([]*models.Node, error)
	Write(ctx context.Context, nodes []*models.Node) error
	Ping(ctx context.Context) error
	Close() error
}
