package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vietddude/harvester/internal/orchestration/metrics"
)

// Factory builds a fresh index for one job.
type Factory func(jobID string) Index

// MemoryFactory returns a Factory producing MemoryIndex instances.
func MemoryFactory(threshold int) Factory {
	return func(string) Index {
		return NewMemoryIndex(threshold)
	}
}

// Registry hands out one index per job and releases it when the job ends.
type Registry struct {
	factory Factory
	indexes map[string]Index
	mu      sync.Mutex
	log     *slog.Logger
}

// NewRegistry creates a registry backed by factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		indexes: make(map[string]Index),
		log:     slog.Default().With("component", "dedup"),
	}
}

// For returns the index scoped to jobID, creating it on first use.
func (r *Registry) For(jobID string) Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.indexes[jobID]
	if !ok {
		idx = r.factory(jobID)
		r.indexes[jobID] = idx
	}
	return idx
}

// Drop forgets the job's index and releases any external state it holds.
func (r *Registry) Drop(ctx context.Context, jobID string) error {
	r.mu.Lock()
	idx, ok := r.indexes[jobID]
	delete(r.indexes, jobID)
	r.mu.Unlock()

	if !ok {
		idx = r.factory(jobID)
	}
	n, err := idx.Size(ctx)
	if err != nil {
		r.log.Warn("Failed to size dedup index", "job", jobID, "error", err)
	} else {
		metrics.DedupIndexEntries.Observe(float64(n))
	}
	if rel, ok := idx.(Releaser); ok {
		if err := rel.Release(ctx); err != nil {
			return err
		}
	}
	r.log.Debug("Dropped dedup index", "job", jobID, "entries", n)
	return nil
}

// Forget removes refs from the job's index. Jobs without a live local
// index are resolved through the factory so shared backends are cleaned too.
func (r *Registry) Forget(ctx context.Context, jobID string, refs ...string) error {
	if len(refs) == 0 {
		return nil
	}
	r.mu.Lock()
	idx, ok := r.indexes[jobID]
	r.mu.Unlock()
	if !ok {
		idx = r.factory(jobID)
		if _, local := idx.(*MemoryIndex); local {
			return nil
		}
	}
	for _, ref := range refs {
		if err := idx.Remove(ctx, ref); err != nil {
			return fmt.Errorf("forget %s: %w", ref, err)
		}
		metrics.DedupRemovals.Inc()
	}
	return nil
}

// Len returns the number of live job indexes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.indexes)
}
