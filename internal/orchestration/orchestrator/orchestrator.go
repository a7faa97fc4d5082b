package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/storage"
)

var (
	// ErrInvalidSubmission is returned by PlanJob for unusable requests
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrJobTerminal is returned when cancelling a job that already finished
	ErrJobTerminal = errors.New("job already terminal")
	// ErrInvalidCompletion is returned for callbacks with no or two outcomes
	ErrInvalidCompletion = errors.New("completion must carry exactly one outcome")
)

// Config holds the orchestration policy.
type Config struct {
	ChunkSizeImages  int     `yaml:"chunk_size_images"`
	MaxChunkRetries  int     `yaml:"max_chunk_retries"`
	FailureTolerance float64 `yaml:"failure_tolerance"` // failed/total ratio still reported as completed_with_errors
	DefaultPriority  int     `yaml:"default_priority"`
	MaxImagesPerJob  int     `yaml:"max_images_per_job"`

	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	ReapEvery        int           `yaml:"reap_every"` // scheduler ticks between reaper passes
	StaleAfter       time.Duration `yaml:"stale_after"`
	DispatchLock     bool          `yaml:"dispatch_lock"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
	JobRetention     time.Duration `yaml:"job_retention"` // 0 keeps finished jobs forever
}

// Admission reports how many more chunks of a strategy may start now.
type Admission interface {
	Headroom(ctx context.Context, strategy domain.ValidationStrategy) (int, error)
}

// Dispatcher hands a claimed chunk to the worker pool and returns a transport reference.
type Dispatcher interface {
	Dispatch(ctx context.Context, a domain.ChunkAssignment) (string, error)
}

// IndexForgetter removes images from a job's dedup index.
type IndexForgetter interface {
	Forget(ctx context.Context, jobID string, refs ...string) error
}

// BlobRemover deletes stored image payloads.
type BlobRemover interface {
	Delete(ctx context.Context, ref string) error
}

// Orchestrator plans jobs, admits chunks and folds completions into job state.
type Orchestrator struct {
	cfg        Config
	store      storage.JobStore
	capacity   Admission
	dispatcher Dispatcher
	blobs      BlobRemover
	indexes    IndexForgetter

	// dispatchMu makes this process the single writer of claims.
	dispatchMu sync.Mutex

	hookMu     sync.RWMutex
	onTerminal []func(ctx context.Context, job *domain.Job)

	log *slog.Logger
}

// New creates an orchestrator. blobs may be nil when discarded images need
// no payload cleanup.
func New(cfg Config, store storage.JobStore, capacity Admission, dispatcher Dispatcher, blobs BlobRemover) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		capacity:   capacity,
		dispatcher: dispatcher,
		blobs:      blobs,
		log:        slog.Default().With("component", "orchestrator"),
	}
}

// OnTerminal registers a hook run after a job reaches a terminal status.
func (o *Orchestrator) OnTerminal(fn func(ctx context.Context, job *domain.Job)) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	o.onTerminal = append(o.onTerminal, fn)
}

func (o *Orchestrator) finished(ctx context.Context, job *domain.Job) {
	o.hookMu.RLock()
	hooks := o.onTerminal
	o.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// Progress returns the job read model.
func (o *Orchestrator) Progress(ctx context.Context, jobID string) (domain.Progress, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Progress{}, err
	}
	return job.Snapshot(), nil
}

// Job returns the stored job.
func (o *Orchestrator) Job(ctx context.Context, jobID string) (*domain.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// ListJobs lists jobs newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	return o.store.ListJobs(ctx, filter)
}

// ListChunks returns a job's chunks in index order.
func (o *Orchestrator) ListChunks(ctx context.Context, jobID string) ([]*domain.Chunk, error) {
	return o.store.ListChunks(ctx, jobID)
}

// UseIndexes makes discarded images leave the job's dedup index.
func (o *Orchestrator) UseIndexes(idx IndexForgetter) {
	o.indexes = idx
}

// discard cleans up after image rows dropped inside a unit of work. Rows
// are already gone, so failures only leak disk space or index entries.
func (o *Orchestrator) discard(ctx context.Context, jobID string, dropped []storage.DroppedImage) {
	if len(dropped) == 0 {
		return
	}
	refs := storage.Refs(dropped)
	o.discardBlobs(ctx, refs)

	if o.indexes == nil {
		return
	}
	var ids []string
	for _, img := range dropped {
		if img.StorageRef != "" {
			ids = append(ids, img.ID)
		}
	}
	if err := o.indexes.Forget(ctx, jobID, ids...); err != nil {
		o.log.Warn("Failed to forget discarded images", "job", jobID, "error", err)
	}
}

// discardBlobs removes payloads of dropped images.
func (o *Orchestrator) discardBlobs(ctx context.Context, refs []string) {
	if o.blobs == nil {
		return
	}
	for _, ref := range refs {
		if err := o.blobs.Delete(ctx, ref); err != nil {
			o.log.Warn("Failed to delete discarded image", "ref", ref, "error", err)
		}
	}
}
