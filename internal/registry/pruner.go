package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kwld/twitch-bridge/internal/domain"
)

const pruneInterval = 5 * time.Minute

// Releaser tears down the upstream subscription for a key that no longer
// has any interests. The subscription manager implements it.
type Releaser interface {
	Release(ctx context.Context, key domain.InterestKey)
}

// Gate limits pruning to one instance of a multi-process deployment. The
// Redis leader election implements it.
type Gate interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// Pruner periodically removes interests whose heartbeat went stale and
// releases upstream subscriptions that lost their last interest.
type Pruner struct {
	registry *Registry
	releaser Releaser
	clock    clockwork.Clock
	gate     Gate
}

// NewPruner creates a pruner. gate may be nil, then every tick prunes.
func NewPruner(registry *Registry, releaser Releaser, clock clockwork.Clock, gate Gate) *Pruner {
	return &Pruner{registry: registry, releaser: releaser, clock: clock, gate: gate}
}

// Run blocks until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	if p.gate != nil {
		lead, err := p.gate.TryAcquire(ctx)
		if err != nil {
			slog.Warn("Failed to check prune leadership", "error", err)
			return
		}
		if !lead {
			return
		}
	}

	orphaned, err := p.registry.PruneStale(ctx)
	if err != nil {
		slog.Error("Failed to prune stale interests", "error", err)
		return
	}
	for _, key := range orphaned {
		p.releaser.Release(ctx, key)
	}
}
