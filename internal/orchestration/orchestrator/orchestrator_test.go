package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/core/fault"
	"github.com/vietddude/harvester/internal/infra/storage"
	"github.com/vietddude/harvester/internal/infra/storage/memory"
	"github.com/vietddude/harvester/internal/orchestration/capacity"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	sent    []domain.ChunkAssignment
	fail    map[string]bool
	observe func(a domain.ChunkAssignment)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, a domain.ChunkAssignment) (string, error) {
	if f.observe != nil {
		f.observe(a)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[a.ChunkID] {
		return "", fault.New(fault.KindBrokerConnection, "enqueue", "broker down")
	}
	f.sent = append(f.sent, a)
	return fmt.Sprintf("task-%s-%d", a.ChunkID, a.Attempt), nil
}

func (f *fakeDispatcher) take() []domain.ChunkAssignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeBlobs) Delete(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

type fakeForgetter struct {
	mu        sync.Mutex
	forgotten map[string][]string
}

func (f *fakeForgetter) Forget(ctx context.Context, jobID string, refs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forgotten == nil {
		f.forgotten = make(map[string][]string)
	}
	f.forgotten[jobID] = append(f.forgotten[jobID], refs...)
	return nil
}

type harness struct {
	orch    *Orchestrator
	store   *memory.MemoryStorage
	disp    *fakeDispatcher
	blobs   *fakeBlobs
	indexes *fakeForgetter
}

func testConfig() Config {
	return Config{
		ChunkSizeImages:  10,
		MaxChunkRetries:  3,
		FailureTolerance: 0.25,
		DefaultPriority:  5,
	}
}

func newHarness(t *testing.T, cfg Config, maxConcurrent int) *harness {
	t.Helper()
	store := memory.NewMemoryStorage()
	monitor := capacity.NewMonitor(capacity.Config{
		MaxConcurrentChunks: maxConcurrent,
		ChunkSizeImages:     cfg.ChunkSizeImages,
		StrategyWeights:     map[domain.ValidationStrategy]int{domain.StrategySlow: 2},
	}, store)
	disp := &fakeDispatcher{fail: map[string]bool{}}
	blobs := &fakeBlobs{}
	indexes := &fakeForgetter{}
	orch := New(cfg, store, monitor, disp, blobs)
	orch.UseIndexes(indexes)
	return &harness{
		orch:    orch,
		store:   store,
		disp:    disp,
		blobs:   blobs,
		indexes: indexes,
	}
}

func (h *harness) saveImages(t *testing.T, jobID string, images ...*domain.Image) {
	t.Helper()
	err := h.store.Update(context.Background(), jobID, func(ctx context.Context, uow storage.UnitOfWork) error {
		return uow.SaveImages(ctx, images)
	})
	require.NoError(t, err)
}

func (h *harness) plan(t *testing.T, maxImages int) (*domain.Job, []*domain.Chunk) {
	t.Helper()
	job, chunks, err := h.orch.PlanJob(context.Background(), Submission{
		Keywords:           []string{"Red  Fox", "red fox", "arctic fox"},
		MaxImages:          maxImages,
		ValidationStrategy: domain.StrategyFast,
	})
	require.NoError(t, err)
	return job, chunks
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) chunk(t *testing.T, id string) *domain.Chunk {
	t.Helper()
	c, err := h.store.GetChunk(context.Background(), id)
	require.NoError(t, err)
	return c
}

func success(a domain.ChunkAssignment, accepted int) domain.Completion {
	return domain.Succeeded(a, domain.SuccessOutcome{Accepted: accepted, Downloaded: accepted + 2})
}

func failure(a domain.ChunkAssignment, kind fault.Kind) domain.Completion {
	return domain.Failed(a, string(kind), "boom")
}

// assertInvariants checks the counter invariants of every job.
func (h *harness) assertInvariants(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	jobs, err := h.store.ListJobs(ctx, storage.JobFilter{})
	require.NoError(t, err)
	for _, j := range jobs {
		assert.GreaterOrEqual(t, j.ActiveChunks, 0, "job %s active", j.ID)
		assert.LessOrEqual(t, j.ActiveChunks+j.CompletedChunks+j.FailedChunks+j.CancelledChunks, j.TotalChunks, "job %s sum", j.ID)

		chunks, err := h.store.ListChunks(ctx, j.ID)
		require.NoError(t, err)
		counts := map[domain.ChunkStatus]int{}
		for _, c := range chunks {
			counts[c.Status]++
		}
		assert.Equal(t, counts[domain.ChunkStatusCompleted], j.CompletedChunks, "job %s completed", j.ID)
		assert.Equal(t, counts[domain.ChunkStatusFailed], j.FailedChunks, "job %s failed", j.ID)
		if j.Status != domain.JobStatusCancelled {
			assert.Equal(t, counts[domain.ChunkStatusProcessing], j.ActiveChunks, "job %s processing", j.ID)
		}
		if j.Status.IsTerminal() && j.Status != domain.JobStatusCancelled {
			assert.Equal(t, j.TotalChunks, j.CompletedChunks+j.FailedChunks, "job %s settled", j.ID)
		}
	}
}

func TestPlanRanges(t *testing.T) {
	tests := []struct {
		maxImages, chunkSize int
		want                 []domain.ImageRange
	}{
		{1200, 500, []domain.ImageRange{{Start: 0, End: 500}, {Start: 500, End: 1000}, {Start: 1000, End: 1200}}},
		{1000, 500, []domain.ImageRange{{Start: 0, End: 500}, {Start: 500, End: 1000}}},
		{7, 500, []domain.ImageRange{{Start: 0, End: 7}}},
		{0, 500, nil},
		{10, 0, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PlanRanges(tt.maxImages, tt.chunkSize), "%d/%d", tt.maxImages, tt.chunkSize)
	}
}

func TestPlanJob_ScenarioA(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSizeImages = 500
	h := newHarness(t, cfg, 10)

	job, chunks := h.plan(t, 1200)

	assert.Equal(t, 3, job.TotalChunks)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, []string{"red fox", "arctic fox"}, job.Keywords)
	require.Len(t, chunks, 3)
	want := []domain.ImageRange{{Start: 0, End: 500}, {Start: 500, End: 1000}, {Start: 1000, End: 1200}}
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, want[i], c.Range)
		assert.Equal(t, domain.ChunkStatusPending, c.Status)
		assert.Equal(t, 5, c.Priority)
	}

	stored, err := h.store.ListChunks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestPlanJob_InvalidSubmission(t *testing.T) {
	h := newHarness(t, testConfig(), 10)
	bad := 11
	tests := []struct {
		name string
		sub  Submission
	}{
		{"no keywords", Submission{Keywords: []string{"  "}, MaxImages: 10, ValidationStrategy: domain.StrategyFast}},
		{"zero images", Submission{Keywords: []string{"fox"}, MaxImages: 0, ValidationStrategy: domain.StrategyFast}},
		{"unknown strategy", Submission{Keywords: []string{"fox"}, MaxImages: 10, ValidationStrategy: "thorough"}},
		{"priority out of range", Submission{Keywords: []string{"fox"}, MaxImages: 10, ValidationStrategy: domain.StrategyFast, Priority: &bad}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.orch.PlanJob(context.Background(), tt.sub)
			assert.ErrorIs(t, err, ErrInvalidSubmission)
		})
	}
}

func TestDispatch_ScenarioB(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), 2)
	job, _ := h.plan(t, 50)

	res, err := h.orch.DispatchReady(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dispatched)
	sent := h.disp.take()
	require.Len(t, sent, 2)
	assert.Equal(t, 0, sent[0].Index)
	assert.Equal(t, 1, sent[1].Index)

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusRunning, got.Status)
	assert.Equal(t, 2, got.ActiveChunks)

	res, err = h.orch.DispatchReady(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Dispatched)

	_, err = h.orch.OnChunkComplete(ctx, success(sent[0], 10))
	require.NoError(t, err)

	res, err = h.orch.DispatchReady(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	next := h.disp.take()
	require.Len(t, next, 1)
	assert.Equal(t, 2, next[0].Index)

	c := h.chunk(t, next[0].ChunkID)
	assert.Equal(t, fmt.Sprintf("task-%s-0", c.ID), c.WorkRef)
	h.assertInvariants(t)
}

func TestComplete_ScenarioC(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), 5)
	job, chunks := h.plan(t, 10)

	for attempt := 0; attempt < 2; attempt++ {
		_, err := h.orch.DispatchReady(ctx, job.ID)
		require.NoError(t, err)
		sent := h.disp.take()
		require.Len(t, sent, 1)
		assert.Equal(t, attempt, sent[0].Attempt)

		out, err := h.orch.OnChunkComplete(ctx, failure(sent[0], fault.KindDBConnection))
		require.NoError(t, err)
		assert.Equal(t, TransitionRetried, out.Transition)
		h.assertInvariants(t)
	}

	_, err := h.orch.DispatchReady(ctx, job.ID)
	require.NoError(t, err)
	sent := h.disp.take()
	require.Len(t, sent, 1)
	out, err := h.orch.OnChunkComplete(ctx, success(sent[0], 7))
	require.NoError(t, err)
	assert.Equal(t, TransitionCompleted, out.Transition)
	assert.True(t, out.Finished)

	got := h.job(t, job.ID)
	assert.Equal(t, 0, got.FailedChunks)
	assert.Equal(t, 1, got.CompletedChunks)
	assert.Equal(t, 7, got.ValidImages)
	assert.Equal(t, 9, got.DownloadedImages)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, h.chunk(t, chunks[0].ID).RetryCount)
	h.assertInvariants(t)
}

func TestComplete_RetriesBounded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), 5)
	job, chunks := h.plan(t, 10)

	for i := 0; i <= 3; i++ {
		_, err := h.orch.DispatchReady(ctx, job.ID)
		require.NoError(t, err)
		sent := h.disp.take()
		require.Len(t, sent, 1)
		_, err = h.orch.OnChunkComplete(ctx, failure(sent[0], fault.KindOutOfMemory))
		require.NoError(t, err)
	}

	c := h.chunk(t, chunks[0].ID)
	assert.Equal(t, domain.ChunkStatusFailed, c.Status)
	assert.Equal(t, 3, c.RetryCount)
	assert.Equal(t, domain.JobStatusFailed, h.job(t, job.ID).Status)
	h.assertInvariants(t)
}

func TestComplete_PermanentFastPath(t *testing.T) {
	kinds := []fault.Kind{
		fault.KindNotFound,
		fault.KindAuth,
		fault.KindValidation,
		fault.KindMalformed,
		fault.KindOperationExhausted,
		fault.KindTimeout, // operation class is never retried per chunk
		"something_new",
	}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, testConfig(), 5)
			job, chunks := h.plan(t, 10)
			_, err := h.orch.DispatchReady(ctx, job.ID)
			require.NoError(t, err)

			out, err := h.orch.OnChunkComplete(ctx, failure(h.disp.take()[0], kind))
			require.NoError(t, err)
			assert.Equal(t, TransitionFailed, out.Transition)

			c := h.chunk(t, chunks[0].ID)
			assert.Equal(t, domain.ChunkStatusFailed, c.Status)
			assert.Equal(t, 0, c.RetryCount)
			h.assertInvariants(t)
		})
	}
}

func TestComplete_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), 5)
	job, _ := h.plan(t, 20)
	_, err := h.orch.DispatchReady(ctx, job.ID)
	require.NoError(t, err)
	sent := h.disp.take()
	require.Len(t, sent, 2)

	out, err := h.orch.OnChunkComplete(ctx, success(sent[0], 4))
	require.NoError(t, err)
	assert.Equal(t, TransitionCompleted, out.Transition)
	before := h.job(t, job.ID)

	for i := 0; i < 3; i++ {
		out, err = h.orch.OnChunkComplete(ctx, success(sent[0], 4))
		require.NoError(t, err)
		assert.Equal(t, TransitionIgnored, out.Transition)
		out, err = h.orch.OnChunkComplete(ctx, failure(sent[0], fault.KindDBConnection))
		require.NoError(t, err)
		assert.Equal(t, TransitionIgnored, out.Transition)
	}
	after := h.job(t, job.ID)
	assert.Equal(t, before.CompletedChunks, after.CompletedChunks)
	assert.Equal(t, before.ValidImages, after.ValidImages)
	assert.Equal(t, before.ActiveChunks, after.ActiveChunks)

	// A callback from a superseded attempt is ignored.
	_, err = h.orch.OnChunkComplete(ctx, failure(sent[1], fault.KindWorkerLost))
	require.NoError(t, err)
	_, err = h.orch.DispatchReady(ctx, job.ID)
	require.NoError(t, err)
	retried := h.disp.take()
	require.Len(t, retried, 1)
	assert.Equal(t, 1, retried[0].Attempt)

	out, err = h.orch.OnChunkComplete(ctx, success(sent[1], 9))
	require.NoError(t, err)
	assert.Equal(t, TransitionIgnored, out.Transition)
	out, err = h.orch.OnChunkComplete(ctx, success(retried[0], 9))
	require.NoError(t, err)
	assert.Equal(t, TransitionCompleted, out.Transition)

	assert.Equal(t, 13, h.job(t, job.ID).ValidImages)
	h.assertInvariants(t)

	_, err = h.orch.OnChunkComplete(ctx, domain.Completion{JobID: job.ID, ChunkID: sent[0].ChunkID})
	assert.ErrorIs(t, err, ErrInvalidCompletion)
}

func TestComplete_RetriedAttemptForgetsImages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), 1)
	job, _ := h.plan(t, 10)

	_, err := h.orch.DispatchReady(ctx, job.ID)
	require.NoError(t, err)
	sent := h.disp.take()
	require.Len(t, sent, 1)

	h.saveImages(t, job.ID,
		&domain.Image{ID: "kept", JobID: job.ID, ChunkID: sent[0].ChunkID, Valid: true,
			Decision: domain.DecisionAccept, StorageRef: "hot/j/fox/0000/k.png"},
		&domain.Image{ID: "rejected", JobID: job.ID, ChunkID: sent[0].ChunkID,
			Decision: domain.DecisionReject},
	)

	out, err := h.orch.OnChunkComplete(ctx, failure(sent[0], fault.KindDBConnection))
	require.NoError(t, err)
	require.Equal(t, TransitionRetried, out.Transition)

	imgs, _ := h.store.ListImages(ctx, sent[0].ChunkID)
	assert.Empty(t, imgs)
	assert.Equal(t, []string{"hot/j/fox/0000/k.png"}, h.blobs.deleted)
	assert.Equal(t, []string{"kept"}, h.indexes.forgotten[job.ID], "only stored accepts were indexed")
}

func TestCancel_ScenarioD(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), 2)
	job, chunks := h.plan(t, 50)

	var finished []string
	h.orch.OnTerminal(func(ctx context.Context, j *domain.Job) { finished = append(finished, j.ID) })

	_, err := h.orch.DispatchReady(ctx, job.ID)
	require.NoError(t, err)
	processing := h.disp.take()
	require.Len(t, processing, 2)

	h.saveImages(t, job.ID,
		&domain.Image{
			ID: "img-1", JobID: job.ID, ChunkID: processing[0].ChunkID, Valid: true,
			Decision: domain.DecisionAccept, StorageRef: "job/fox/0/abc.png",
		},
		// left behind on a pending chunk by an attempt that was requeued
		&domain.Image{
			ID: "left-1", JobID: job.ID, ChunkID: chunks[4].ID, Valid: true,
			Decision: domain.DecisionAccept, StorageRef: "job/fox/4/left.png",
		},
	)

	p, err := h.orch.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, p.Status)
	assert.Equal(t, 3, p.CancelledChunks)
	assert.Equal(t, []string{job.ID}, finished)

	left, _ := h.store.ListImages(ctx, chunks[4].ID)
	assert.Empty(t, left, "pending chunks keep no images once cancelled")
	assert.Equal(t, []string{"job/fox/4/left.png"}, h.blobs.deleted)

	stored, _ := h.store.ListChunks(ctx, job.ID)
	cancelled := 0
	for _, c := range stored {
		if c.Status == domain.ChunkStatusCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 3, cancelled)
	before := h.job(t, job.ID)

	out, err := h.orch.OnChunkComplete(ctx, success(processing[0], 10))
	require.NoError(t, err)
	assert.Equal(t, TransitionDiscarded, out.Transition)
	out, err = h.orch.OnChunkComplete(ctx, failure(processing[1], fault.KindDBConnection))
	require.NoError(t, err)
	assert.Equal(t, TransitionDiscarded, out.Transition)

	after := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCancelled, after.Status)
	assert.Equal(t, before.CompletedChunks, after.CompletedChunks)
	assert.Equal(t, before.FailedChunks, after.FailedChunks)
	assert.Equal(t, before.CancelledChunks, after.CancelledChunks)
	assert.Equal(t, before.ValidImages, after.ValidImages)

	imgs, _ := h.store.ListImages(ctx, processing[0].ChunkID)
	assert.Empty(t, imgs)
	assert.Equal(t, []string{"job/fox/4/left.png", "job/fox/0/abc.png"}, h.blobs.deleted)
	assert.Equal(t, []string{"left-1", "img-1"}, h.indexes.forgotten[job.ID])

	res, err := h.orch.DispatchReady(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Dispatched)

	_, err = h.orch.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobTerminal)
	assert.Len(t, finished, 1)
	h.assertInvariants(t)
}

func TestDispatch_EnqueueFailureReverts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), 3)
	job, chunks := h.plan(t, 30)
	h.disp.fail[chunks[1].ID] = true

	res, err := h.orch.DispatchReady(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, 1, res.Reverted)

	c := h.chunk(t, chunks[1].ID)
	assert.Equal(t, domain.ChunkStatusPending, c.Status)
	assert.Equal(t, 0, c.RetryCount)
	assert.Equal(t, 2, h.job(t, job.ID).ActiveChunks)
	h.assertInvariants(t)

	delete(h.disp.fail, chunks[1].ID)
	res, err = h.orch.DispatchReady(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	h.assertInvariants(t)
}

func TestTerminalStatus(t *testing.T) {
	h := newHarness(t, testConfig(), 1)
	tests := []struct {
		total, failed int
		want          domain.JobStatus
	}{
		{4, 0, domain.JobStatusCompleted},
		{4, 1, domain.JobStatusCompletedWithErrors},
		{4, 2, domain.JobStatusFailed},
		{1, 1, domain.JobStatusFailed},
	}
	for _, tt := range tests {
		job := &domain.Job{TotalChunks: tt.total, FailedChunks: tt.failed, CompletedChunks: tt.total - tt.failed}
		assert.Equal(t, tt.want, h.orch.terminalStatus(job), "%d/%d", tt.failed, tt.total)
	}
}

func TestReapStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), 5)
	job, chunks := h.plan(t, 10)
	_, err := h.orch.DispatchReady(ctx, job.ID)
	require.NoError(t, err)
	sent := h.disp.take()

	n, err := h.orch.ReapStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Backdate the dispatch past the staleness window.
	require.NoError(t, h.store.Update(ctx, job.ID, func(ctx context.Context, uow storage.UnitOfWork) error {
		c, err := uow.Chunk(ctx, chunks[0].ID)
		if err != nil {
			return err
		}
		c.DispatchedAt = time.Now().Add(-2 * time.Hour).Unix()
		return uow.SaveChunk(ctx, c)
	}))

	n, err = h.orch.ReapStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c := h.chunk(t, chunks[0].ID)
	assert.Equal(t, domain.ChunkStatusPending, c.Status)
	assert.Equal(t, 1, c.RetryCount)

	// The lost worker's eventual report is stale now.
	out, err := h.orch.OnChunkComplete(ctx, success(sent[0], 5))
	require.NoError(t, err)
	assert.Equal(t, TransitionIgnored, out.Transition)
	h.assertInvariants(t)
}

func TestDispatch_AdmissionBoundUnderLoad(t *testing.T) {
	ctx := context.Background()
	const maxConcurrent = 3
	h := newHarness(t, testConfig(), maxConcurrent)

	var (
		mu       sync.Mutex
		violated []int
	)
	h.disp.observe = func(a domain.ChunkAssignment) {
		counts, err := h.store.ProcessingByStrategy(ctx)
		if err != nil {
			return
		}
		if n := counts[domain.StrategyFast]; n > maxConcurrent {
			mu.Lock()
			violated = append(violated, n)
			mu.Unlock()
		}
	}

	var jobs []string
	for i := 0; i < 4; i++ {
		job, _ := h.plan(t, 60)
		jobs = append(jobs, job.ID)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				if _, err := h.orch.DispatchReady(ctx, jobs[(w+i)%len(jobs)]); err != nil {
					t.Errorf("DispatchReady: %v", err)
					return
				}
				for _, a := range h.disp.take() {
					var c domain.Completion
					switch (w + i) % 3 {
					case 0:
						c = failure(a, fault.KindBrokerConnection)
					case 1:
						c = failure(a, fault.KindNotFound)
					default:
						c = success(a, 1)
					}
					if _, err := h.orch.OnChunkComplete(ctx, c); err != nil {
						t.Errorf("OnChunkComplete: %v", err)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Empty(t, violated, "processing chunks exceeded the admission bound")
	h.assertInvariants(t)
}

func TestScheduler_Cycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), 4)
	a, _ := h.plan(t, 30)
	b, _ := h.plan(t, 30)

	lock := &fakeLock{}
	s := NewScheduler(h.orch, lock)
	assert.Equal(t, 4, s.Cycle(ctx))

	byJob := map[string]int{}
	for _, sent := range h.disp.take() {
		byJob[sent.JobID]++
	}
	// Jobs planned in the same second tie on creation time; either may go first.
	assert.Equal(t, 4, byJob[a.ID]+byJob[b.ID])
	assert.Equal(t, 3, max(byJob[a.ID], byJob[b.ID]))
	assert.Equal(t, 1, lock.acquired)
	assert.Equal(t, 1, lock.released)

	lock.held = true
	assert.Equal(t, 0, s.Cycle(ctx))

	lock.held = false
	lock.err = errors.New("redis down")
	assert.Equal(t, 0, s.Cycle(ctx))
}

type fakeLock struct {
	held               bool
	err                error
	acquired, released int
}

func (f *fakeLock) TryLock(ctx context.Context) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.held {
		return false, nil
	}
	f.acquired++
	return true, nil
}

func (f *fakeLock) Unlock(ctx context.Context) error {
	f.released++
	return nil
}

func TestPruneExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), 1)
	done, _ := h.plan(t, 20)
	live, _ := h.plan(t, 20)

	_, err := h.orch.DispatchReady(ctx, live.ID)
	require.NoError(t, err)
	require.Len(t, h.disp.take(), 1)

	chunks, err := h.store.ListChunks(ctx, done.ID)
	require.NoError(t, err)
	h.saveImages(t, done.ID, &domain.Image{
		ID: "img-1", JobID: done.ID, ChunkID: chunks[0].ID, Valid: true,
		Decision: domain.DecisionAccept, StorageRef: "hot/done/fox/0000/a.png",
	})
	_, err = h.orch.CancelJob(ctx, done.ID)
	require.NoError(t, err)

	n, err := h.orch.PruneExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is old enough yet")

	// Timestamps have second resolution.
	time.Sleep(1100 * time.Millisecond)
	n, err = h.orch.PruneExpired(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.orch.Progress(ctx, done.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, h.blobs.deleted, "hot/done/fox/0000/a.png")

	p, err := h.orch.Progress(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, p.Status)

	n, err = h.orch.PruneExpired(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
