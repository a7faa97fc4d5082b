package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/orchestration/metrics"
)

// Submission is a client request to collect images.
type Submission struct {
	Keywords           []string                  `json:"keywords"`
	MaxImages          int                       `json:"max_images"`
	ValidationStrategy domain.ValidationStrategy `json:"validation_strategy"`
	Sources            []string                  `json:"sources,omitempty"`
	Priority           *int                      `json:"priority,omitempty"`
}

// NormalizeKeywords trims, collapses whitespace, lower-cases and dedupes.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.Join(strings.Fields(k), " "))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// PlanRanges partitions maxImages into half-open ranges of chunkSize; the
// last range holds the remainder.
func PlanRanges(maxImages, chunkSize int) []domain.ImageRange {
	if maxImages <= 0 || chunkSize <= 0 {
		return nil
	}
	ranges := make([]domain.ImageRange, 0, (maxImages+chunkSize-1)/chunkSize)
	for start := 0; start < maxImages; start += chunkSize {
		ranges = append(ranges, domain.ImageRange{Start: start, End: min(start+chunkSize, maxImages)})
	}
	return ranges
}

func (o *Orchestrator) validate(s Submission) (Submission, error) {
	s.Keywords = NormalizeKeywords(s.Keywords)
	if len(s.Keywords) == 0 {
		return s, fmt.Errorf("%w: at least one keyword is required", ErrInvalidSubmission)
	}
	if s.MaxImages <= 0 {
		return s, fmt.Errorf("%w: max_images must be positive", ErrInvalidSubmission)
	}
	if o.cfg.MaxImagesPerJob > 0 && s.MaxImages > o.cfg.MaxImagesPerJob {
		return s, fmt.Errorf("%w: max_images exceeds %d", ErrInvalidSubmission, o.cfg.MaxImagesPerJob)
	}
	if !s.ValidationStrategy.Valid() {
		return s, fmt.Errorf("%w: unknown validation strategy %q", ErrInvalidSubmission, s.ValidationStrategy)
	}
	if s.Priority != nil && (*s.Priority < domain.MinPriority || *s.Priority > domain.MaxPriority) {
		return s, fmt.Errorf("%w: priority must be within [%d,%d]", ErrInvalidSubmission, domain.MinPriority, domain.MaxPriority)
	}
	return s, nil
}

// PlanJob validates a submission and writes the job with its full chunk plan
// in one transaction.
func (o *Orchestrator) PlanJob(ctx context.Context, s Submission) (*domain.Job, []*domain.Chunk, error) {
	s, err := o.validate(s)
	if err != nil {
		return nil, nil, err
	}
	priority := domain.ClampPriority(o.cfg.DefaultPriority)
	if s.Priority != nil {
		priority = *s.Priority
	}

	now := time.Now().Unix()
	ranges := PlanRanges(s.MaxImages, o.cfg.ChunkSizeImages)
	if len(ranges) == 0 {
		return nil, nil, fmt.Errorf("chunk size %d cannot partition %d images", o.cfg.ChunkSizeImages, s.MaxImages)
	}
	job := &domain.Job{
		ID:                 uuid.NewString(),
		Keywords:           s.Keywords,
		MaxImages:          s.MaxImages,
		ValidationStrategy: s.ValidationStrategy,
		Sources:            s.Sources,
		Status:             domain.JobStatusPending,
		TotalChunks:        len(ranges),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	chunks := make([]*domain.Chunk, len(ranges))
	for i, r := range ranges {
		chunks[i] = &domain.Chunk{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			Index:     i,
			Status:    domain.ChunkStatusPending,
			Priority:  priority,
			Range:     r,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if err := o.store.CreateJob(ctx, job, chunks); err != nil {
		return nil, nil, fmt.Errorf("failed to create job: %w", err)
	}
	metrics.JobsSubmitted.WithLabelValues(string(job.ValidationStrategy)).Inc()
	o.log.Info("Job planned",
		"job", job.ID,
		"max_images", job.MaxImages,
		"chunks", job.TotalChunks,
		"strategy", job.ValidationStrategy,
	)
	return job, chunks, nil
}
