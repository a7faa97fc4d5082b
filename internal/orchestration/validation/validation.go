package validation

import (
	"context"
	"fmt"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/core/retry"
	"github.com/vietddude/harvester/internal/infra/quality"
	"github.com/vietddude/harvester/internal/orchestration/dedup"
)

// Candidate is one downloaded image awaiting a verdict.
type Candidate struct {
	JobID       string
	ChunkID     string
	ImageID     string
	URL         string
	Data        []byte
	ContentType string
}

// Verdict is the outcome of validating a candidate.
type Verdict struct {
	Decision       domain.Decision
	Quality        float64
	Reason         string
	ContentHash    string
	PerceptualHash uint64
	Format         string
	Width          int
	Height         int
	Labels         []string
	DuplicateOf    string
	Indexed        bool // this call added the image to the job's dedup index
}

func reject(format string, args ...any) Verdict {
	return Verdict{Decision: domain.DecisionReject, Reason: fmt.Sprintf(format, args...)}
}

// Validator produces a verdict for one candidate. A returned error is a
// fault (provider or index outage), never a rejection.
type Validator interface {
	Validate(ctx context.Context, c *Candidate) (Verdict, error)
	Strategy() domain.ValidationStrategy
}

// IndexSource resolves the dedup index scoped to a job.
type IndexSource interface {
	For(jobID string) dedup.Index
}

// Deps are the collaborators the heavier strategies need.
type Deps struct {
	Indexes IndexSource
	Quality quality.Provider
	Retry   retry.Policy
}

// New selects the validator for a job's declared strategy.
func New(strategy domain.ValidationStrategy, cfg Config, deps Deps) (Validator, error) {
	cfg = cfg.withDefaults()
	fast := &Fast{cfg: cfg}

	switch strategy {
	case domain.StrategyFast:
		return fast, nil
	case domain.StrategyMedium:
		if deps.Indexes == nil {
			return nil, fmt.Errorf("medium validation requires a dedup index")
		}
		return &Medium{fast: fast, indexes: deps.Indexes}, nil
	case domain.StrategySlow:
		if deps.Indexes == nil || deps.Quality == nil {
			return nil, fmt.Errorf("slow validation requires a dedup index and a quality provider")
		}
		return &Slow{
			medium:  &Medium{fast: fast, indexes: deps.Indexes},
			quality: deps.Quality,
			retry:   deps.Retry,
			cfg:     cfg,
		}, nil
	default:
		return nil, fmt.Errorf("unknown validation strategy %q", strategy)
	}
}

// Set caches one validator per strategy.
type Set struct {
	validators map[domain.ValidationStrategy]Validator
}

// NewSet builds validators for every strategy whose dependencies are present.
func NewSet(cfg Config, deps Deps) *Set {
	s := &Set{validators: make(map[domain.ValidationStrategy]Validator)}
	for _, strategy := range domain.Strategies {
		if v, err := New(strategy, cfg, deps); err == nil {
			s.validators[strategy] = v
		}
	}
	return s
}

// For returns the validator for strategy.
func (s *Set) For(strategy domain.ValidationStrategy) (Validator, error) {
	v, ok := s.validators[strategy]
	if !ok {
		return nil, fmt.Errorf("validation strategy %q is not available", strategy)
	}
	return v, nil
}

// DefaultWeights are the admission weights per strategy: slower strategies
// hold a worker longer and count as heavier chunks.
var DefaultWeights = map[domain.ValidationStrategy]int{
	domain.StrategyFast:   1,
	domain.StrategyMedium: 2,
	domain.StrategySlow:   4,
}
