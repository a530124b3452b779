package local

import (
	"context"
	"log/slog"
	"sync"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// Provisioner acknowledges resource node applies without external I/O.
// Applied node IDs are remembered so a pass can be inspected.
type Provisioner struct {
	Log *slog.Logger

	mu      sync.Mutex
	applied []string
}

func (p *Provisioner) Apply(ctx context.Context, node domain.ResourceNode) error {
	p.mu.Lock()
	p.applied = append(p.applied, node.ID)
	p.mu.Unlock()

	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("resource applied", "node", node.ID, "config", node.Config)
	return nil
}

// Applied returns the node IDs applied so far, in order.
func (p *Provisioner) Applied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.applied))
	copy(out, p.applied)
	return out
}

var _ domain.Provisioner = (*Provisioner)(nil)
