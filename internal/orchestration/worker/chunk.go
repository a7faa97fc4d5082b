package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

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

// attempt is the shared state of one chunk attempt.
type attempt struct {
	a         domain.ChunkAssignment
	validator validation.Validator
	target    int

	mu         sync.Mutex
	accepted   int
	rejected   int
	duplicates int
	downloaded int
	attempted  int
	exhausted  int
	images     []*domain.Image
	refs       []string
	indexed    []string // image ids this attempt added to the dedup index
}

func (at *attempt) full() bool {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.accepted >= at.target
}

func (at *attempt) operation(exhausted bool) {
	at.mu.Lock()
	defer at.mu.Unlock()
	at.attempted++
	if exhausted {
		at.exhausted++
	}
}

func (at *attempt) record(img *domain.Image) {
	at.mu.Lock()
	defer at.mu.Unlock()
	at.images = append(at.images, img)
	switch img.Decision {
	case domain.DecisionAccept:
		if img.StorageRef != "" {
			at.refs = append(at.refs, img.StorageRef)
		}
	case domain.DecisionDuplicate:
		at.duplicates++
	default:
		at.rejected++
	}
}

// reserve claims one accept slot. It fails once the range is filled.
func (at *attempt) reserve() bool {
	at.mu.Lock()
	defer at.mu.Unlock()
	if at.accepted >= at.target {
		return false
	}
	at.accepted++
	return true
}

func (w *Worker) run(ctx context.Context, a domain.ChunkAssignment) (domain.SuccessOutcome, error) {
	validator, err := w.deps.Validators.For(a.ValidationStrategy)
	if err != nil {
		return domain.SuccessOutcome{}, fault.Wrap(fault.KindValidation, "select validator", err)
	}
	at := &attempt{a: a, validator: validator, target: a.Range.Size()}

	if err := w.collect(ctx, at); err != nil {
		w.cleanup(at)
		return domain.SuccessOutcome{}, err
	}

	if at.attempted > 0 && float64(at.exhausted)/float64(at.attempted) > w.cfg.ExhaustionThreshold {
		w.cleanup(at)
		return domain.SuccessOutcome{}, &fault.Error{
			Kind: fault.KindOperationExhausted,
			Op:   "chunk",
			Err:  fmt.Errorf("%d of %d operations exhausted their retries", at.exhausted, at.attempted),
		}
	}

	if err := w.save(ctx, at); err != nil {
		if errors.Is(err, ErrSuperseded) {
			// the next attempt reuses these image ids, so index entries stay
			at.indexed = nil
		}
		w.cleanup(at)
		return domain.SuccessOutcome{}, err
	}

	return domain.SuccessOutcome{
		Accepted:   at.accepted,
		Rejected:   at.rejected,
		Duplicates: at.duplicates,
		Downloaded: at.downloaded,
	}, nil
}

// save records the attempt's images only while the chunk is still
// processing at this attempt.
func (w *Worker) save(ctx context.Context, at *attempt) error {
	a := at.a
	err := w.deps.Store.Update(ctx, a.JobID, func(ctx context.Context, uow storage.UnitOfWork) error {
		chunk, err := uow.Chunk(ctx, a.ChunkID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSuperseded
		}
		if err != nil {
			return err
		}
		if chunk.Status != domain.ChunkStatusProcessing || chunk.RetryCount != a.Attempt {
			return ErrSuperseded
		}
		return uow.SaveImages(ctx, at.images)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrSuperseded
	}
	return err
}

// collect walks discovery and fans candidates out to a bounded pool. It
// stops starting downloads once the range is filled.
func (w *Worker) collect(ctx context.Context, at *attempt) error {
	q := discovery.Query{
		Keywords:  at.a.Keywords,
		Range:     at.a.Range,
		Sources:   at.a.Sources,
		Overfetch: w.cfg.Overfetch,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.DownloadConcurrency)

	var (
		seen         = make(map[string]bool)
		discoverErr  error
		candidates   int
		infraFailure error
	)
	for cand, err := range w.deps.Discovery.Discover(gctx, q) {
		if err != nil {
			v := fault.Classify(err)
			if v.Class == fault.TransientInfrastructure {
				infraFailure = err
				break
			}
			at.operation(v.Kind == fault.KindOperationExhausted)
			if discoverErr == nil {
				discoverErr = err
			}
			continue
		}
		if gctx.Err() != nil || at.full() {
			break
		}
		if seen[cand.URL] {
			continue
		}
		seen[cand.URL] = true
		candidates++

		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = lost(r)
				}
			}()
			return w.candidate(gctx, at, cand)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if infraFailure != nil {
		return infraFailure
	}
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.KindShutdown, "chunk", err)
	}
	if candidates == 0 && discoverErr != nil && fault.KindOf(discoverErr) != fault.KindOperationExhausted {
		return discoverErr
	}
	return nil
}

// candidate downloads, validates and stores one URL. Per-image problems are
// recorded as rejections; only faults that abort the chunk are returned.
func (w *Worker) candidate(ctx context.Context, at *attempt, cand discovery.Candidate) error {
	if ctx.Err() != nil || at.full() {
		return nil
	}
	a := at.a
	img := &domain.Image{
		ID:        domain.ImageID(a.ChunkID, cand.URL),
		JobID:     a.JobID,
		ChunkID:   a.ChunkID,
		SourceURL: cand.URL,
		CreatedAt: time.Now().Unix(),
	}

	resp, err := w.download(ctx, cand.URL)
	if err != nil {
		v := fault.Classify(err)
		if v.Class == fault.TransientInfrastructure {
			return err
		}
		at.operation(v.Kind == fault.KindOperationExhausted)
		img.Decision = domain.DecisionReject
		img.Reason = fmt.Sprintf("download: %s", v.Kind)
		at.record(img)
		metrics.ImagesValidated.WithLabelValues(string(a.ValidationStrategy), string(img.Decision)).Inc()
		return nil
	}
	at.operation(false)
	at.mu.Lock()
	at.downloaded++
	at.mu.Unlock()

	vc := &validation.Candidate{
		JobID:       a.JobID,
		ChunkID:     a.ChunkID,
		ImageID:     img.ID,
		URL:         cand.URL,
		Data:        resp.Data,
		ContentType: resp.ContentType,
	}
	verdict, err := at.validator.Validate(ctx, vc)
	if err != nil {
		if fault.KindOf(err) != fault.KindOperationExhausted {
			return err
		}
		at.operation(true)
		verdict = validation.Verdict{Decision: domain.DecisionReject, Reason: "validation: operation exhausted"}
	}

	img.Decision = verdict.Decision
	img.Reason = verdict.Reason
	img.Quality = verdict.Quality
	img.ContentHash = verdict.ContentHash
	img.PerceptualHash = verdict.PerceptualHash
	img.Duplicate = verdict.Decision == domain.DecisionDuplicate

	if verdict.Decision == domain.DecisionAccept {
		if !at.reserve() {
			// range already filled by concurrent downloads
			if verdict.Indexed {
				w.forget(a.JobID, img.ID)
			}
			return nil
		}
		if verdict.Indexed {
			at.mu.Lock()
			at.indexed = append(at.indexed, img.ID)
			at.mu.Unlock()
		}
		name := verdict.ContentHash
		if name == "" {
			name = img.ID
		}
		dest := blob.DestPath(a.JobID, cand.Keyword, a.Index, name, verdict.Format)
		ref, err := w.deps.Blobs.Put(ctx, resp.Data, dest, w.cfg.Tier)
		if err != nil {
			return err
		}
		img.Valid = true
		img.StorageRef = ref
	}

	at.record(img)
	metrics.ImagesValidated.WithLabelValues(string(a.ValidationStrategy), string(img.Decision)).Inc()
	return nil
}

func (w *Worker) download(ctx context.Context, url string) (*fetch.Response, error) {
	return retry.Value(ctx, w.cfg.OperationRetry, func(ctx context.Context) (*fetch.Response, error) {
		return w.deps.Downloader.Get(ctx, url)
	})
}

// cleanup removes blobs and index entries of an attempt that will not be recorded.
func (w *Worker) cleanup(at *attempt) {
	at.mu.Lock()
	refs, indexed := at.refs, at.indexed
	at.refs, at.indexed = nil, nil
	at.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	for _, ref := range refs {
		if err := w.deps.Blobs.Delete(ctx, ref); err != nil {
			w.log.Warn("Failed to delete orphaned blob", "ref", ref, "error", err)
		}
	}
	w.forget(at.a.JobID, indexed...)
}

// forget takes images that were never recorded back out of the job's dedup index.
func (w *Worker) forget(jobID string, ids ...string) {
	if w.deps.Indexes == nil || len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := w.deps.Indexes.Forget(ctx, jobID, ids...); err != nil {
		w.log.Warn("Failed to forget dropped images", "job", jobID, "error", err)
	}
}
