// Package prune implements the retention sweep deleting aged, unlocked
// transmissions per system policy.
package prune

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trunkfeed/trunkfeed/internal/conf"
	"github.com/trunkfeed/trunkfeed/internal/datastore"
	"github.com/trunkfeed/trunkfeed/internal/logging"
	"github.com/trunkfeed/trunkfeed/internal/metrics"
)

// Pruner runs retention sweeps. It is the only component allowed to
// bulk-delete transmissions.
type Pruner struct {
	store        datastore.Interface
	interval     time.Duration
	maxDeletions int
	logger       *slog.Logger
	quit         chan struct{}
}

// New creates a pruner from the prune settings.
func New(store datastore.Interface, settings conf.PruneSettings) *Pruner {
	interval := settings.Interval
	if interval == 0 {
		interval = time.Hour
	}
	maxDeletions := settings.MaxDeletions
	if maxDeletions == 0 {
		maxDeletions = 1000
	}
	return &Pruner{
		store:        store,
		interval:     interval,
		maxDeletions: maxDeletions,
		logger:       logging.ForService("prune"),
		quit:         make(chan struct{}),
	}
}

// Sweep runs one pass over every prune-enabled system and returns the total
// number of deleted transmissions. Locked rows are never deleted; deletions
// are capped per system per sweep, the remainder picked up next pass.
func (p *Pruner) Sweep(ctx context.Context) (int64, error) {
	systems, err := p.store.PruneEnabledSystems()
	if err != nil {
		return 0, fmt.Errorf("loading prune-enabled systems: %w", err)
	}

	var total int64
	for i := range systems {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		system := &systems[i]
		if system.PruneDays <= 0 {
			continue
		}

		cutoff := time.Now().AddDate(0, 0, -system.PruneDays)
		deleted, err := p.store.DeleteAgedTransmissions(system.ID, cutoff, p.maxDeletions)
		if err != nil {
			p.logger.Error("prune sweep failed for system",
				"system", system.Name, "error", err)
			continue
		}
		if deleted > 0 {
			metrics.PrunedTransmissions.Add(float64(deleted))
			p.logger.Info("pruned aged transmissions",
				"system", system.Name, "deleted", deleted, "cutoff", cutoff)
		}
		total += deleted
	}
	return total, nil
}

// Run sweeps on the configured interval until Stop is called.
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil {
				p.logger.Error("prune sweep aborted", "error", err)
			}
		case <-p.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates a running Run loop.
func (p *Pruner) Stop() {
	close(p.quit)
}
