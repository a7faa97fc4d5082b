package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/core/fault"
	"github.com/vietddude/harvester/internal/core/retry"
	"github.com/vietddude/harvester/internal/infra/blob"
	"github.com/vietddude/harvester/internal/infra/discovery"
	"github.com/vietddude/harvester/internal/infra/fetch"
	"github.com/vietddude/harvester/internal/infra/storage"
	"github.com/vietddude/harvester/internal/orchestration/metrics"
	"github.com/vietddude/harvester/internal/orchestration/validation"
)

// Config holds chunk worker settings.
type Config struct {
	DownloadConcurrency int           `yaml:"download_concurrency"`
	ExhaustionThreshold float64       `yaml:"exhaustion_threshold"` // exhausted/attempted ratio that fails the chunk
	Overfetch           float64       `yaml:"overfetch"`
	HTTPTimeout         time.Duration `yaml:"http_timeout"`
	MaxImageBytes       int64         `yaml:"max_image_bytes"`
	PerHostRPS          float64       `yaml:"per_host_rps"`
	UserAgent           string        `yaml:"user_agent"`
	OperationRetry      retry.Policy  `yaml:"operation_retry"`
	Tier                string        `yaml:"-"`
}

// Fetch returns the downloader settings.
func (c Config) Fetch() fetch.Config {
	return fetch.Config{
		Timeout:    c.HTTPTimeout,
		MaxBytes:   c.MaxImageBytes,
		PerHostRPS: c.PerHostRPS,
		UserAgent:  c.UserAgent,
	}
}

// Store is the slice of the job store a worker touches.
type Store interface {
	GetChunk(ctx context.Context, id string) (*domain.Chunk, error)
	Update(ctx context.Context, jobID string, fn func(ctx context.Context, uow storage.UnitOfWork) error) error
}

// IndexForgetter removes images from a job's dedup index.
type IndexForgetter interface {
	Forget(ctx context.Context, jobID string, refs ...string) error
}

// ErrSuperseded is returned by Process when the chunk moved on to another
// attempt, or out of processing, while this attempt ran. Nothing was kept.
var ErrSuperseded = errors.New("chunk attempt superseded")

// Downloader fetches one candidate body.
type Downloader interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
}

// Validators resolves the validator for a job's strategy.
type Validators interface {
	For(strategy domain.ValidationStrategy) (validation.Validator, error)
}

// Reporter delivers a completion to the orchestrator.
type Reporter interface {
	Report(ctx context.Context, c domain.Completion) error
}

// Deps are the worker's collaborators.
type Deps struct {
	Store      Store
	Discovery  discovery.Provider
	Downloader Downloader
	Validators Validators
	Blobs      blob.Store
	Reporter   Reporter
	Indexes    IndexForgetter // optional
}

// Worker processes chunk assignments. It never retries a chunk; it retries
// single operations and reports whatever is left verbatim.
type Worker struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New creates a chunk worker.
func New(cfg Config, deps Deps) *Worker {
	if cfg.DownloadConcurrency <= 0 {
		cfg.DownloadConcurrency = 8
	}
	if cfg.ExhaustionThreshold <= 0 {
		cfg.ExhaustionThreshold = 0.5
	}
	return &Worker{
		cfg:  cfg,
		deps: deps,
		log:  slog.Default().With("component", "worker"),
	}
}

const reportTimeout = 30 * time.Second

// Handle processes an assignment and reports its completion. Stale
// assignments are dropped silently. The returned error is a reporting
// failure only, which the transport answers with redelivery.
func (w *Worker) Handle(ctx context.Context, a domain.ChunkAssignment) error {
	if w.stale(ctx, a) {
		return nil
	}

	c, err := w.Process(ctx, a)
	if errors.Is(err, ErrSuperseded) {
		w.log.Info("Dropping superseded attempt", "chunk", a.ChunkID, "attempt", a.Attempt)
		return nil
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := w.deps.Reporter.Report(rctx, c); err != nil {
		return fmt.Errorf("report chunk %s attempt %d: %w", a.ChunkID, a.Attempt, err)
	}
	return nil
}

// stale reports whether the chunk has moved on since the assignment was
// sent. Store errors are not proof of staleness; the orchestrator rechecks.
func (w *Worker) stale(ctx context.Context, a domain.ChunkAssignment) bool {
	chunk, err := w.deps.Store.GetChunk(ctx, a.ChunkID)
	if errors.Is(err, storage.ErrNotFound) {
		w.log.Warn("Dropping assignment for unknown chunk", "chunk", a.ChunkID)
		return true
	}
	if err != nil {
		w.log.Warn("Could not verify assignment", "chunk", a.ChunkID, "error", err)
		return false
	}
	if chunk.Status != domain.ChunkStatusProcessing || chunk.RetryCount != a.Attempt {
		w.log.Info("Dropping stale assignment",
			"chunk", a.ChunkID,
			"attempt", a.Attempt,
			"status", chunk.Status,
			"retry_count", chunk.RetryCount,
		)
		return true
	}
	return false
}

// Process runs one chunk attempt and yields exactly one completion, unless
// the attempt was superseded before its images could be recorded.
func (w *Worker) Process(ctx context.Context, a domain.ChunkAssignment) (domain.Completion, error) {
	start := time.Now()
	log := w.log.With("job", a.JobID, "chunk", a.ChunkID, "attempt", a.Attempt)

	out, err := w.safeRun(ctx, a)
	if errors.Is(err, ErrSuperseded) {
		return domain.Completion{}, err
	}
	if err != nil {
		kind := fault.KindOf(err)
		metrics.ChunkDuration.WithLabelValues(string(a.ValidationStrategy), "failure").Observe(time.Since(start).Seconds())
		log.Warn("Chunk attempt failed", "fault", kind, "error", err, "duration", time.Since(start))
		return domain.Failed(a, string(kind), err.Error()), nil
	}

	metrics.ChunkDuration.WithLabelValues(string(a.ValidationStrategy), "success").Observe(time.Since(start).Seconds())
	log.Info("Chunk attempt finished",
		"accepted", out.Accepted,
		"rejected", out.Rejected,
		"duplicates", out.Duplicates,
		"downloaded", out.Downloaded,
		"duration", time.Since(start),
	)
	return domain.Succeeded(a, out), nil
}

func (w *Worker) safeRun(ctx context.Context, a domain.ChunkAssignment) (out domain.SuccessOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = lost(r)
		}
	}()
	return w.run(ctx, a)
}

func lost(r any) error {
	return fault.New(fault.KindWorkerLost, "chunk", fmt.Sprintf("panic: %v", r))
}
