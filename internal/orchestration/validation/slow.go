package validation

import (
	"context"
	"fmt"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/core/retry"
	"github.com/vietddude/harvester/internal/infra/quality"
)

// Slow adds an external quality/classification call on top of Medium. The
// provider runs before the dedup insert so rejected images never occupy the
// index.
type Slow struct {
	medium  *Medium
	quality quality.Provider
	retry   retry.Policy
	cfg     Config
}

func (s *Slow) Strategy() domain.ValidationStrategy { return domain.StrategySlow }

// Validate implements Validator.
func (s *Slow) Validate(ctx context.Context, c *Candidate) (Verdict, error) {
	v := s.medium.fast.check(c)
	if v.Decision != domain.DecisionAccept {
		return v, nil
	}
	v, ok := fingerprint(c, v)
	if !ok {
		return v, nil
	}

	idx := s.medium.indexes.For(c.JobID)
	match, err := idx.Lookup(ctx, v.ContentHash, v.PerceptualHash)
	if err != nil {
		return Verdict{}, err
	}
	if dup := applyMatch(c, v, match); dup.Decision == domain.DecisionDuplicate {
		return dup, nil
	}

	res, err := retry.Value(ctx, s.retry, func(ctx context.Context) (quality.Result, error) {
		return s.quality.Score(ctx, c.Data, c.ContentType)
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("quality %s: %w", s.quality.Name(), err)
	}

	v.Quality = res.Score
	v.Labels = res.Labels
	if label, blocked := res.HasLabel(s.cfg.BlockedLabels...); blocked {
		v.Decision = domain.DecisionReject
		v.Reason = fmt.Sprintf("blocked label %q", label)
		return v, nil
	}
	if res.Score < s.cfg.MinQuality {
		v.Decision = domain.DecisionReject
		v.Reason = fmt.Sprintf("quality %.2f below %.2f", res.Score, s.cfg.MinQuality)
		return v, nil
	}

	// Another worker may have indexed a twin while the provider was running.
	match, err = idx.LookupOrInsert(ctx, entry(c, v))
	if err != nil {
		return Verdict{}, err
	}
	v.Indexed = match == nil
	return applyMatch(c, v, match), nil
}
