package orchestrator

import (
	"context"
	"fmt"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/storage"
	"github.com/vietddude/harvester/internal/orchestration/metrics"
)

// CancelJob marks the job cancelled and flips its pending chunks to
// cancelled at once. Processing chunks run on; their late completions are
// discarded by OnChunkComplete.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) (domain.Progress, error) {
	var (
		job     *domain.Job
		dropped []storage.DroppedImage
	)
	err := o.store.Update(ctx, jobID, func(ctx context.Context, uow storage.UnitOfWork) error {
		job = uow.Job()
		if job.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, job.Status)
		}
		n, imgs, err := uow.CancelPending(ctx)
		if err != nil {
			return err
		}
		dropped = imgs
		job.CancelledChunks += n
		job.Status = domain.JobStatusCancelled
		return uow.SaveJob(ctx, job)
	})
	if err != nil {
		return domain.Progress{}, err
	}

	o.discard(ctx, jobID, dropped)
	metrics.JobsFinished.WithLabelValues(string(domain.JobStatusCancelled)).Inc()
	o.log.Info("Job cancelled",
		"job", jobID,
		"cancelled_chunks", job.CancelledChunks,
		"still_processing", job.ActiveChunks,
	)
	o.finished(ctx, job)
	return job.Snapshot(), nil
}
