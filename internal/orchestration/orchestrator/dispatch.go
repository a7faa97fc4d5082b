package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/storage"
	"github.com/vietddude/harvester/internal/orchestration/metrics"
)

// DispatchResult reports one DispatchReady call.
type DispatchResult struct {
	JobID      string `json:"job_id"`
	Headroom   int    `json:"headroom"`
	Claimed    int    `json:"claimed"`
	Dispatched int    `json:"dispatched"`
	Reverted   int    `json:"reverted"`
}

// DispatchReady claims up to min(pending, headroom) of the job's pending
// chunks in ascending index order and hands them to the dispatcher. Claims
// whose enqueue fails go back to pending with their retry count untouched.
// A zero result means "poll again later".
func (o *Orchestrator) DispatchReady(ctx context.Context, jobID string) (DispatchResult, error) {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()

	res := DispatchResult{JobID: jobID}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return res, err
	}
	if job.Status.IsTerminal() {
		return res, nil
	}

	headroom, err := o.capacity.Headroom(ctx, job.ValidationStrategy)
	if err != nil {
		return res, fmt.Errorf("failed to read capacity: %w", err)
	}
	res.Headroom = headroom
	if headroom <= 0 {
		return res, nil
	}

	var claimed []domain.ChunkAssignment
	err = o.store.Update(ctx, jobID, func(ctx context.Context, uow storage.UnitOfWork) error {
		claimed = claimed[:0]
		job := uow.Job()
		if job.Status.IsTerminal() {
			return nil
		}
		pending, err := uow.PendingChunks(ctx, headroom)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		now := time.Now().Unix()
		for _, c := range pending {
			c.Status = domain.ChunkStatusProcessing
			c.DispatchedAt = now
			c.WorkRef = ""
			if err := uow.SaveChunk(ctx, c); err != nil {
				return err
			}
			claimed = append(claimed, domain.NewAssignment(job, c))
		}
		job.ActiveChunks += len(pending)
		if job.Status == domain.JobStatusPending {
			job.Status = domain.JobStatusRunning
		}
		return uow.SaveJob(ctx, job)
	})
	if err != nil {
		return res, fmt.Errorf("failed to claim chunks: %w", err)
	}
	res.Claimed = len(claimed)
	if len(claimed) == 0 {
		return res, nil
	}

	refs := make(map[string]string, len(claimed))
	var failed []domain.ChunkAssignment
	for _, a := range claimed {
		ref, err := o.dispatcher.Dispatch(ctx, a)
		if err != nil {
			o.log.Error("Failed to enqueue chunk",
				"job", a.JobID,
				"chunk", a.ChunkID,
				"index", a.Index,
				"error", err,
			)
			metrics.DispatchErrors.Inc()
			failed = append(failed, a)
			continue
		}
		refs[a.ChunkID] = ref
	}

	reverted, err := o.settleClaims(ctx, jobID, refs, failed)
	res.Dispatched = len(refs)
	res.Reverted = reverted
	metrics.ChunksDispatched.WithLabelValues(string(job.ValidationStrategy)).Add(float64(res.Dispatched))
	if err != nil {
		return res, fmt.Errorf("failed to settle dispatched chunks: %w", err)
	}

	o.log.Debug("Chunks dispatched",
		"job", jobID,
		"headroom", headroom,
		"dispatched", res.Dispatched,
		"reverted", res.Reverted,
	)
	return res, nil
}

// settleClaims records transport references and reverts failed enqueues. A
// chunk whose completion already landed is left alone.
func (o *Orchestrator) settleClaims(ctx context.Context, jobID string, refs map[string]string, failed []domain.ChunkAssignment) (int, error) {
	if len(failed) == 0 && !hasRefs(refs) {
		return 0, nil
	}
	// Background context: an abandoned revert would leak capacity until the reaper runs.
	ctx = context.WithoutCancel(ctx)

	reverted := 0
	err := o.store.Update(ctx, jobID, func(ctx context.Context, uow storage.UnitOfWork) error {
		reverted = 0
		job := uow.Job()
		for _, a := range failed {
			c, err := uow.Chunk(ctx, a.ChunkID)
			if err != nil {
				return err
			}
			if c.Status != domain.ChunkStatusProcessing || c.RetryCount != a.Attempt {
				continue
			}
			c.Status = domain.ChunkStatusPending
			c.DispatchedAt = 0
			if job.Status == domain.JobStatusCancelled {
				// Pending chunks of a cancelled job are cancelled; counters stay frozen.
				c.Status = domain.ChunkStatusCancelled
			} else {
				job.ActiveChunks--
			}
			if err := uow.SaveChunk(ctx, c); err != nil {
				return err
			}
			reverted++
		}
		for id, ref := range refs {
			if ref == "" {
				continue
			}
			c, err := uow.Chunk(ctx, id)
			if err != nil {
				return err
			}
			if c.Status != domain.ChunkStatusProcessing || c.WorkRef != "" {
				continue
			}
			c.WorkRef = ref
			if err := uow.SaveChunk(ctx, c); err != nil {
				return err
			}
		}
		if reverted == 0 {
			return nil
		}
		return uow.SaveJob(ctx, job)
	})
	return reverted, err
}

func hasRefs(refs map[string]string) bool {
	for _, ref := range refs {
		if ref != "" {
			return true
		}
	}
	return false
}

// dispatchScan bounds how many jobs one DispatchAll pass visits.
const dispatchScan = 256

// DispatchAll runs DispatchReady for every job holding pending chunks,
// oldest job first, and returns the number of chunks handed out.
func (o *Orchestrator) DispatchAll(ctx context.Context) (int, error) {
	ids, err := o.store.JobsWithPending(ctx, dispatchScan)
	if err != nil {
		return 0, fmt.Errorf("failed to list dispatchable jobs: %w", err)
	}
	total := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		res, err := o.DispatchReady(ctx, id)
		if err != nil {
			o.log.Error("Dispatch failed", "job", id, "error", err)
			continue
		}
		total += res.Dispatched
	}
	return total, nil
}
