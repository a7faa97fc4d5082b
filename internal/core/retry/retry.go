package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vietddude/harvester/internal/core/fault"
)

// Policy defines operation-level retry behavior.
type Policy struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DefaultPolicy provides sensible defaults for a single download or API call.
// 500ms, 1s (max 10s), three attempts in total.
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
}

// Backoff returns the delay before attempt+1: InitialDelay * Multiplier^attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs op until it succeeds, fails with a fault that is not
// operation-class transient, or the attempt budget is spent. Exhaustion
// yields an operation_exhausted fault wrapping the last error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	limit := p.attempts()

	for attempt := 0; attempt < limit; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		v := fault.Classify(err)
		if v.Class != fault.TransientOperation {
			return zero, err
		}
		if attempt == limit-1 {
			break
		}

		delay := p.Backoff(attempt)
		if v.RetryAfter > delay {
			delay = v.RetryAfter
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, &fault.Error{
		Kind: fault.KindOperationExhausted,
		Op:   fmt.Sprintf("after %d attempts", limit),
		Err:  lastErr,
	}
}

// ShouldRetryChunk decides whether the orchestrator re-enqueues a failed chunk.
// Only infrastructure faults qualify, bounded by maxRetries.
func ShouldRetryChunk(v fault.Verdict, retryCount, maxRetries int) bool {
	return v.Class == fault.TransientInfrastructure && retryCount < maxRetries
}
