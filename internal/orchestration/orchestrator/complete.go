package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/core/fault"
	"github.com/vietddude/harvester/internal/core/retry"
	"github.com/vietddude/harvester/internal/infra/storage"
	"github.com/vietddude/harvester/internal/orchestration/metrics"
)

// Transition is the effect a completion callback had on its chunk.
type Transition string

const (
	TransitionIgnored   Transition = "ignored"
	TransitionCompleted Transition = "completed"
	TransitionRetried   Transition = "retried"
	TransitionFailed    Transition = "failed"
	TransitionDiscarded Transition = "discarded"
)

// Outcome is the result of applying one completion.
type Outcome struct {
	Transition Transition       `json:"transition"`
	FaultKind  fault.Kind       `json:"fault_kind,omitempty"`
	JobStatus  domain.JobStatus `json:"job_status"`
	// Finished is set when this callback moved the job to a terminal status.
	Finished bool `json:"finished"`
}

// OnChunkComplete folds one attempt's outcome into the durable job record.
// Callbacks for chunks that are not processing, or that carry an attempt
// other than the chunk's current retry count, are no-ops.
func (o *Orchestrator) OnChunkComplete(ctx context.Context, c domain.Completion) (Outcome, error) {
	if !c.Valid() {
		return Outcome{}, ErrInvalidCompletion
	}

	var (
		out     Outcome
		job     *domain.Job
		dropped []storage.DroppedImage
	)
	err := o.store.Update(ctx, c.JobID, func(ctx context.Context, uow storage.UnitOfWork) error {
		out = Outcome{Transition: TransitionIgnored}
		dropped = nil
		job = uow.Job()
		out.JobStatus = job.Status

		chunk, err := uow.Chunk(ctx, c.ChunkID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if chunk.Status != domain.ChunkStatusProcessing || chunk.RetryCount != c.Attempt {
			return nil
		}

		if job.Status == domain.JobStatusCancelled {
			chunk.Status = domain.ChunkStatusCancelled
			if err := uow.SaveChunk(ctx, chunk); err != nil {
				return err
			}
			dropped, err = uow.DeleteChunkImages(ctx, chunk.ID)
			out.Transition = TransitionDiscarded
			return err
		}

		if c.Success != nil {
			chunk.Status = domain.ChunkStatusCompleted
			chunk.LastError = ""
			job.ActiveChunks--
			job.CompletedChunks++
			job.DownloadedImages += c.Success.Downloaded
			job.ValidImages += c.Success.Accepted
			out.Transition = TransitionCompleted
		} else {
			verdict := fault.Classify(fault.FromKind(c.Failure.FaultKind, c.Failure.Message))
			out.FaultKind = verdict.Kind
			chunk.LastError = fmt.Sprintf("%s: %s", verdict.Kind, c.Failure.Message)
			job.ActiveChunks--
			if retry.ShouldRetryChunk(verdict, chunk.RetryCount, o.cfg.MaxChunkRetries) {
				chunk.Status = domain.ChunkStatusPending
				chunk.RetryCount++
				chunk.DispatchedAt = 0
				chunk.WorkRef = ""
				out.Transition = TransitionRetried
			} else {
				chunk.Status = domain.ChunkStatusFailed
				job.FailedChunks++
				out.Transition = TransitionFailed
			}
			// Images of a failed attempt never count toward the job.
			if dropped, err = uow.DeleteChunkImages(ctx, chunk.ID); err != nil {
				return err
			}
		}
		if err := uow.SaveChunk(ctx, chunk); err != nil {
			return err
		}

		if job.Settled() {
			job.Status = o.terminalStatus(job)
			out.Finished = true
		}
		out.JobStatus = job.Status
		return uow.SaveJob(ctx, job)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to apply completion for chunk %s: %w", c.ChunkID, err)
	}

	o.discard(ctx, c.JobID, dropped)
	if out.Transition != TransitionIgnored {
		metrics.ChunkTransitions.WithLabelValues(string(out.Transition), string(out.FaultKind)).Inc()
	}

	log := o.log.With("job", c.JobID, "chunk", c.ChunkID, "attempt", c.Attempt)
	switch out.Transition {
	case TransitionIgnored:
		log.Debug("Ignoring stale completion")
	case TransitionRetried:
		log.Warn("Chunk requeued after infrastructure fault", "fault", out.FaultKind)
	case TransitionFailed:
		log.Warn("Chunk failed", "fault", out.FaultKind, "message", c.Failure.Message)
	case TransitionDiscarded:
		log.Info("Discarded late completion of cancelled job", "images", len(dropped))
	}

	if out.Finished {
		metrics.JobsFinished.WithLabelValues(string(job.Status)).Inc()
		o.log.Info("Job finished",
			"job", job.ID,
			"status", job.Status,
			"completed", job.CompletedChunks,
			"failed", job.FailedChunks,
			"valid_images", job.ValidImages,
		)
		o.finished(ctx, job)
	}
	return out, nil
}

// terminalStatus applies the failure tolerance to a settled job.
func (o *Orchestrator) terminalStatus(job *domain.Job) domain.JobStatus {
	if job.FailedChunks == 0 {
		return domain.JobStatusCompleted
	}
	if float64(job.FailedChunks)/float64(job.TotalChunks) <= o.cfg.FailureTolerance {
		return domain.JobStatusCompletedWithErrors
	}
	return domain.JobStatusFailed
}
