package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/core/fault"
)

const reapBatch = 100

// ReapStale fails chunks that sat in processing longer than olderThan with a
// worker_lost fault, which re-enters the chunk retry path. The attempt stamp
// keeps a late genuine completion from being applied twice.
func (o *Orchestrator) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan).Unix()
	stale, err := o.store.StaleProcessing(ctx, cutoff, reapBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale chunks: %w", err)
	}

	reaped := 0
	for _, c := range stale {
		out, err := o.OnChunkComplete(ctx, domain.Completion{
			JobID:   c.JobID,
			ChunkID: c.ID,
			Attempt: c.RetryCount,
			Failure: &domain.FailureOutcome{
				FaultKind: string(fault.KindWorkerLost),
				Message:   fmt.Sprintf("no completion within %s", olderThan),
			},
		})
		if err != nil {
			o.log.Error("Failed to reap chunk", "job", c.JobID, "chunk", c.ID, "error", err)
			continue
		}
		if out.Transition != TransitionIgnored {
			reaped++
		}
	}
	if reaped > 0 {
		o.log.Warn("Reaped stale chunks", "count", reaped, "older_than", olderThan)
	}
	return reaped, nil
}
