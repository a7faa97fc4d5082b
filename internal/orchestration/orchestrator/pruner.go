package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/harvester/internal/infra/storage"
	"github.com/vietddude/harvester/internal/orchestration/metrics"
)

const pruneBatch = 50

// PruneExpired deletes terminal jobs idle for longer than retention, with
// their chunks, image records and stored payloads.
func (o *Orchestrator) PruneExpired(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).Unix()
	ids, err := o.store.ExpiredJobs(ctx, cutoff, pruneBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired jobs: %w", err)
	}

	pruned := 0
	for _, id := range ids {
		refs, err := o.store.DeleteJob(ctx, id)
		switch {
		case errors.Is(err, storage.ErrJobActive), errors.Is(err, storage.ErrNotFound):
			continue
		case err != nil:
			o.log.Error("Failed to prune job", "job", id, "error", err)
			continue
		}
		o.discardBlobs(ctx, refs)
		metrics.JobsPruned.Inc()
		pruned++
	}
	return pruned, nil
}

// Pruner periodically removes finished jobs past their retention period.
type Pruner struct {
	orch      *Orchestrator
	retention time.Duration
	log       *slog.Logger
}

// NewPruner creates a pruner using the orchestrator's JobRetention.
func NewPruner(orch *Orchestrator) *Pruner {
	return &Pruner{
		orch:      orch,
		retention: orch.cfg.JobRetention,
		log:       slog.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check every tenth of the retention period, between a minute and an hour
	interval := min(p.retention/10, time.Hour)
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	n, err := p.orch.PruneExpired(ctx, p.retention)
	if err != nil {
		p.log.Error("Prune pass failed", "error", err)
		return
	}
	if n > 0 {
		p.log.Info("Pruned expired jobs", "count", n, "retention", p.retention)
	}
}
