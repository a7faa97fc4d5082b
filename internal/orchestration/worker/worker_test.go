package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"iter"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/core/fault"
	"github.com/vietddude/harvester/internal/core/retry"
	"github.com/vietddude/harvester/internal/infra/discovery"
	"github.com/vietddude/harvester/internal/infra/fetch"
	"github.com/vietddude/harvester/internal/infra/storage"
	"github.com/vietddude/harvester/internal/infra/storage/memory"
	"github.com/vietddude/harvester/internal/orchestration/capacity"
	"github.com/vietddude/harvester/internal/orchestration/dedup"
	"github.com/vietddude/harvester/internal/orchestration/orchestrator"
	"github.com/vietddude/harvester/internal/orchestration/validation"
)

// pngBytes renders a blocky image whose pattern depends on seed, so
// different seeds are far apart perceptually.
func pngBytes(t *testing.T, seed int) []byte {
	t.Helper()
	rng := rand.New(rand.NewPCG(uint64(seed), 42))
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for by := 0; by < 8; by++ {
		for bx := 0; bx < 8; bx++ {
			v := color.Gray{Y: uint8(rng.IntN(256))}
			for y := by * 8; y < by*8+8; y++ {
				for x := bx * 8; x < bx*8+8; x++ {
					img.SetGray(x, y, v)
				}
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type listProvider struct {
	urls []string
	errs []error
}

func (p *listProvider) Discover(ctx context.Context, q discovery.Query) iter.Seq2[discovery.Candidate, error] {
	return func(yield func(discovery.Candidate, error) bool) {
		for _, err := range p.errs {
			if !yield(discovery.Candidate{}, err) {
				return
			}
		}
		for _, u := range p.urls {
			if !yield(discovery.Candidate{URL: u, Keyword: "red fox", Source: "test"}, nil) {
				return
			}
		}
	}
}

type fakeDownloader struct {
	mu     sync.Mutex
	calls  map[string]int
	bodies map[string][]byte
	err    error
	panics bool
}

func (f *fakeDownloader) Get(ctx context.Context, url string) (*fetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[url]++
	if f.panics {
		panic("decoder exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.bodies[url]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "download", "404")
	}
	return &fetch.Response{URL: url, Data: body, ContentType: "image/png"}, nil
}

func (f *fakeDownloader) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeBlobs struct {
	mu      sync.Mutex
	puts    []string
	deleted []string
	failAt  int // fail the nth Put (1-based); 0 never fails
}

func (f *fakeBlobs) Put(ctx context.Context, data []byte, destPath, tier string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && len(f.puts)+1 == f.failAt {
		return "", fault.New(fault.KindStorageUnavailable, "blob write", "disk full")
	}
	ref := tier + "/" + destPath
	f.puts = append(f.puts, ref)
	return ref, nil
}

func (f *fakeBlobs) Delete(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

type reporterFunc func(ctx context.Context, c domain.Completion) error

func (f reporterFunc) Report(ctx context.Context, c domain.Completion) error { return f(ctx, c) }

var fastRetry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

type harness struct {
	store    *memory.MemoryStorage
	indexes  *dedup.Registry
	download *fakeDownloader
	blobs    *fakeBlobs
	provider *listProvider
	reported []domain.Completion
	worker   *Worker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewMemoryStorage(),
		download: &fakeDownloader{bodies: map[string][]byte{}},
		blobs:    &fakeBlobs{},
		provider: &listProvider{},
		indexes:  dedup.NewRegistry(dedup.MemoryFactory(dedup.DefaultThreshold)),
	}
	cfg.OperationRetry = fastRetry
	cfg.Tier = "hot"
	validators := validation.NewSet(
		validation.Config{MinBytes: 1, MinWidth: 8, MinHeight: 8},
		validation.Deps{Indexes: h.indexes},
	)
	h.worker = New(cfg, Deps{
		Store:      h.store,
		Discovery:  h.provider,
		Downloader: h.download,
		Validators: validators,
		Blobs:      h.blobs,
		Reporter: reporterFunc(func(ctx context.Context, c domain.Completion) error {
			h.reported = append(h.reported, c)
			return nil
		}),
		Indexes: h.indexes,
	})
	return h
}

func (h *harness) process(t *testing.T, a domain.ChunkAssignment) domain.Completion {
	t.Helper()
	c, err := h.worker.Process(context.Background(), a)
	require.NoError(t, err)
	return c
}

// assign stores a job with one processing chunk and returns its assignment.
func (h *harness) assign(t *testing.T, size int, strategy domain.ValidationStrategy) domain.ChunkAssignment {
	t.Helper()
	return h.assignChunks(t, 1, size, strategy)[0]
}

// assignChunks stores a job with n processing chunks of size images each.
func (h *harness) assignChunks(t *testing.T, n, size int, strategy domain.ValidationStrategy) []domain.ChunkAssignment {
	t.Helper()
	now := time.Now().Unix()
	job := &domain.Job{
		ID:                 "job-1",
		Keywords:           []string{"red fox"},
		MaxImages:          n * size,
		ValidationStrategy: strategy,
		Status:             domain.JobStatusRunning,
		TotalChunks:        n,
		ActiveChunks:       n,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	chunks := make([]*domain.Chunk, n)
	for i := range chunks {
		chunks[i] = &domain.Chunk{
			ID:           fmt.Sprintf("chunk-%d", i+1),
			JobID:        job.ID,
			Index:        i,
			Status:       domain.ChunkStatusProcessing,
			Priority:     5,
			Range:        domain.ImageRange{Start: i * size, End: (i + 1) * size},
			DispatchedAt: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job, chunks))
	assignments := make([]domain.ChunkAssignment, n)
	for i, c := range chunks {
		assignments[i] = domain.NewAssignment(job, c)
	}
	return assignments
}

func (h *harness) serve(t *testing.T, urls ...string) {
	for i, u := range urls {
		h.download.bodies[u] = pngBytes(t, i+1)
		h.provider.urls = append(h.provider.urls, u)
	}
}

func TestProcess_StopsAtRangeSize(t *testing.T) {
	h := newHarness(t, Config{DownloadConcurrency: 1})
	a := h.assign(t, 3, domain.StrategyFast)
	h.serve(t, "http://img/1", "http://img/2", "http://img/3", "http://img/4", "http://img/5")

	c := h.process(t, a)
	require.NotNil(t, c.Success, "failure: %+v", c.Failure)
	assert.Equal(t, 3, c.Success.Accepted)
	assert.Equal(t, 3, c.Success.Downloaded)
	assert.Equal(t, 3, h.download.total())
	assert.Len(t, h.blobs.puts, 3)

	images, err := h.store.ListImages(context.Background(), a.ChunkID)
	require.NoError(t, err)
	assert.Len(t, images, 3)
	for _, img := range images {
		assert.True(t, img.Valid)
		assert.Contains(t, img.StorageRef, "hot/job-1/red-fox/0000/")
	}
}

// gatedDownloader holds the first n downloads until all n are in flight.
type gatedDownloader struct {
	*fakeDownloader
	gate  sync.WaitGroup
	calls atomic.Int32
	n     int32
}

func newGatedDownloader(inner *fakeDownloader, n int) *gatedDownloader {
	g := &gatedDownloader{fakeDownloader: inner, n: int32(n)}
	g.gate.Add(n)
	return g
}

func (g *gatedDownloader) Get(ctx context.Context, url string) (*fetch.Response, error) {
	if g.calls.Add(1) <= g.n {
		g.gate.Done()
		g.gate.Wait()
	}
	return g.fakeDownloader.Get(ctx, url)
}

func TestProcess_SurplusAcceptLeavesNoIndexEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{DownloadConcurrency: 2})
	as := h.assignChunks(t, 2, 1, domain.StrategyMedium)
	h.serve(t, "http://img/a", "http://img/b")
	h.worker.deps.Downloader = newGatedDownloader(h.download, 2)

	c := h.process(t, as[0])
	require.NotNil(t, c.Success, "failure: %+v", c.Failure)
	assert.Equal(t, 1, c.Success.Accepted)

	images, err := h.store.ListImages(ctx, as[0].ChunkID)
	require.NoError(t, err)
	require.Len(t, images, 1, "the surplus accept is never recorded")
	kept := images[0].SourceURL
	dropped := "http://img/a"
	if kept == dropped {
		dropped = "http://img/b"
	}

	n, err := h.indexes.For("job-1").Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the recorded image stays indexed")

	// the next chunk finds a mirror of the image chunk 1 dropped
	h.provider.urls = []string{"http://mirror/dropped"}
	h.download.bodies["http://mirror/dropped"] = h.download.bodies[dropped]

	c = h.process(t, as[1])
	require.NotNil(t, c.Success, "failure: %+v", c.Failure)
	assert.Equal(t, 1, c.Success.Accepted)
	assert.Zero(t, c.Success.Duplicates)
}

func TestProcess_AbortedAttemptLeavesNoIndexEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{DownloadConcurrency: 1})
	a := h.assign(t, 10, domain.StrategyMedium)
	h.serve(t, "http://img/1", "http://img/2", "http://img/3")
	h.blobs.failAt = 3

	c := h.process(t, a)
	require.NotNil(t, c.Failure)

	n, err := h.indexes.For("job-1").Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcess_PerImageRejections(t *testing.T) {
	h := newHarness(t, Config{DownloadConcurrency: 2})
	a := h.assign(t, 10, domain.StrategyFast)
	h.serve(t, "http://img/good")
	h.download.bodies["http://img/garbage"] = []byte("not an image at all")
	h.provider.urls = append(h.provider.urls, "http://img/garbage", "http://img/missing", "http://img/good")

	c := h.process(t, a)
	require.NotNil(t, c.Success, "failure: %+v", c.Failure)
	assert.Equal(t, 1, c.Success.Accepted)
	assert.Equal(t, 2, c.Success.Rejected)
	assert.Equal(t, 2, c.Success.Downloaded)
	assert.Equal(t, 1, h.download.calls["http://img/good"], "a URL repeated by discovery is fetched once")
	assert.Equal(t, 1, h.download.calls["http://img/missing"], "not-found is never retried")
}

func TestProcess_Duplicates(t *testing.T) {
	h := newHarness(t, Config{DownloadConcurrency: 1})
	a := h.assign(t, 10, domain.StrategyMedium)
	h.serve(t, "http://img/a")
	h.download.bodies["http://mirror/a"] = h.download.bodies["http://img/a"]
	h.provider.urls = append(h.provider.urls, "http://mirror/a")

	c := h.process(t, a)
	require.NotNil(t, c.Success, "failure: %+v", c.Failure)
	assert.Equal(t, 1, c.Success.Accepted)
	assert.Equal(t, 1, c.Success.Duplicates)

	images, _ := h.store.ListImages(context.Background(), a.ChunkID)
	require.Len(t, images, 2)
	dups := 0
	for _, img := range images {
		if img.Duplicate {
			dups++
			assert.Empty(t, img.StorageRef)
		}
	}
	assert.Equal(t, 1, dups)
}

func TestProcess_RedeliveredAttemptIsNotItsOwnDuplicate(t *testing.T) {
	h := newHarness(t, Config{DownloadConcurrency: 1})
	a := h.assign(t, 10, domain.StrategyMedium)
	h.serve(t, "http://img/a", "http://img/b")

	first := h.process(t, a)
	second := h.process(t, a)
	require.NotNil(t, second.Success)
	assert.Equal(t, first.Success.Accepted, second.Success.Accepted)
	assert.Zero(t, second.Success.Duplicates)
}

func TestProcess_InfrastructureFaultAbortsChunk(t *testing.T) {
	h := newHarness(t, Config{DownloadConcurrency: 1})
	a := h.assign(t, 10, domain.StrategyFast)
	h.serve(t, "http://img/1", "http://img/2", "http://img/3")
	h.blobs.failAt = 2

	c := h.process(t, a)
	require.NotNil(t, c.Failure)
	assert.Equal(t, string(fault.KindStorageUnavailable), c.Failure.FaultKind)
	assert.Equal(t, h.blobs.puts, h.blobs.deleted, "blobs of an aborted attempt are removed")

	images, _ := h.store.ListImages(context.Background(), a.ChunkID)
	assert.Empty(t, images)
}

func TestProcess_PanicBecomesWorkerLost(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.assign(t, 10, domain.StrategyFast)
	h.serve(t, "http://img/1")
	h.download.panics = true

	c := h.process(t, a)
	require.NotNil(t, c.Failure)
	assert.Equal(t, string(fault.KindWorkerLost), c.Failure.FaultKind)
}

func TestProcess_PermanentDiscoveryFailure(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.assign(t, 10, domain.StrategyFast)
	h.provider.errs = []error{fault.New(fault.KindValidation, "discover", `unknown source "nope"`)}

	c := h.process(t, a)
	require.NotNil(t, c.Failure)
	assert.Equal(t, string(fault.KindValidation), c.Failure.FaultKind)
}

func TestProcess_ExhaustionBelowThresholdIsRejection(t *testing.T) {
	h := newHarness(t, Config{DownloadConcurrency: 1, ExhaustionThreshold: 0.5})
	a := h.assign(t, 10, domain.StrategyFast)
	h.serve(t, "http://img/1", "http://img/2", "http://img/3")
	h.provider.urls = append(h.provider.urls, "http://flaky/1")
	slow := &flakyDownloader{fakeDownloader: h.download, flaky: "http://flaky/1"}
	h.worker.deps.Downloader = slow

	c := h.process(t, a)
	require.NotNil(t, c.Success, "failure: %+v", c.Failure)
	assert.Equal(t, 3, c.Success.Accepted)
	assert.Equal(t, 1, c.Success.Rejected)
	assert.Equal(t, 3, slow.flakyCalls)
}

type flakyDownloader struct {
	*fakeDownloader
	flaky      string
	flakyCalls int
}

func (f *flakyDownloader) Get(ctx context.Context, url string) (*fetch.Response, error) {
	if url == f.flaky {
		f.flakyCalls++
		return nil, fault.New(fault.KindUnavailable, "download", "503")
	}
	return f.fakeDownloader.Get(ctx, url)
}

func TestHandle_StaleAssignmentIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.assign(t, 10, domain.StrategyFast)
	h.serve(t, "http://img/1")

	stale := a
	stale.Attempt = a.Attempt + 1
	require.NoError(t, h.worker.Handle(context.Background(), stale))
	assert.Empty(t, h.reported)
	assert.Zero(t, h.download.total())

	missing := a
	missing.ChunkID = "nope"
	require.NoError(t, h.worker.Handle(context.Background(), missing))
	assert.Empty(t, h.reported)

	require.NoError(t, h.worker.Handle(context.Background(), a))
	require.Len(t, h.reported, 1)
	assert.Equal(t, a.Attempt, h.reported[0].Attempt)
}

// requeueDownloader moves the chunk to its next attempt during the first download.
type requeueDownloader struct {
	*fakeDownloader
	once    sync.Once
	requeue func()
}

func (r *requeueDownloader) Get(ctx context.Context, url string) (*fetch.Response, error) {
	r.once.Do(r.requeue)
	return r.fakeDownloader.Get(ctx, url)
}

func TestHandle_SupersededAttemptKeepsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{DownloadConcurrency: 1})
	a := h.assign(t, 10, domain.StrategyMedium)
	h.serve(t, "http://img/1", "http://img/2")
	h.worker.deps.Downloader = &requeueDownloader{
		fakeDownloader: h.download,
		requeue: func() {
			err := h.store.Update(ctx, a.JobID, func(ctx context.Context, uow storage.UnitOfWork) error {
				c, err := uow.Chunk(ctx, a.ChunkID)
				if err != nil {
					return err
				}
				c.Status = domain.ChunkStatusPending
				c.RetryCount++
				return uow.SaveChunk(ctx, c)
			})
			assert.NoError(t, err)
		},
	}

	require.NoError(t, h.worker.Handle(ctx, a))
	assert.Empty(t, h.reported, "a superseded attempt reports nothing")

	images, err := h.store.ListImages(ctx, a.ChunkID)
	require.NoError(t, err)
	assert.Empty(t, images)
	assert.Len(t, h.blobs.puts, 2)
	assert.ElementsMatch(t, h.blobs.puts, h.blobs.deleted)

	_, err = h.worker.Process(ctx, a)
	assert.ErrorIs(t, err, ErrSuperseded)

	chunk, err := h.store.GetChunk(ctx, a.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkStatusPending, chunk.Status)
}

type captureDispatcher struct {
	sent []domain.ChunkAssignment
}

func (d *captureDispatcher) Dispatch(ctx context.Context, a domain.ChunkAssignment) (string, error) {
	d.sent = append(d.sent, a)
	return fmt.Sprintf("%s:%d", a.ChunkID, a.Attempt), nil
}

// Every download raising an operation-transient fault costs exactly the
// operation retry budget, never that budget times the chunk retry budget.
func TestNoRetryMultiplication(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	disp := &captureDispatcher{}
	cfg := orchestrator.Config{ChunkSizeImages: 10, MaxChunkRetries: 3, DefaultPriority: 5}
	monitor := capacity.NewMonitor(capacity.Config{MaxConcurrentChunks: 4, ChunkSizeImages: 10}, store)
	orch := orchestrator.New(cfg, store, monitor, disp, nil)

	download := &fakeDownloader{err: fault.New(fault.KindUnavailable, "download", "503 service unavailable")}
	w := New(Config{OperationRetry: fastRetry}, Deps{
		Store:      store,
		Discovery:  &listProvider{urls: []string{"http://img/only"}},
		Downloader: download,
		Validators: validation.NewSet(validation.Config{}, validation.Deps{}),
		Blobs:      &fakeBlobs{},
		Reporter: reporterFunc(func(ctx context.Context, c domain.Completion) error {
			_, err := orch.OnChunkComplete(ctx, c)
			return err
		}),
	})

	job, _, err := orch.PlanJob(ctx, orchestrator.Submission{
		Keywords:           []string{"fox"},
		MaxImages:          10,
		ValidationStrategy: domain.StrategyFast,
	})
	require.NoError(t, err)

	for range 5 {
		_, err := orch.DispatchReady(ctx, job.ID)
		require.NoError(t, err)
		sent := disp.sent
		disp.sent = nil
		for _, a := range sent {
			require.NoError(t, w.Handle(ctx, a))
		}
	}

	assert.Equal(t, 3, download.total())

	chunks, err := store.ListChunks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, domain.ChunkStatusFailed, chunks[0].Status)
	assert.Zero(t, chunks[0].RetryCount)

	final, _ := store.GetJob(ctx, job.ID)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Zero(t, final.ActiveChunks)
}
