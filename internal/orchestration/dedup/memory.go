package dedup

import (
	"context"
	"sync"
)

type perceptual struct {
	hash uint64
	ref  string
}

// MemoryIndex implements Index with in-process maps.
type MemoryIndex struct {
	threshold int
	content   map[string]string
	hashes    []perceptual
	mu        sync.RWMutex
}

// NewMemoryIndex creates an empty index with the given Hamming threshold.
func NewMemoryIndex(threshold int) *MemoryIndex {
	if threshold < 0 {
		threshold = 0
	}
	return &MemoryIndex{
		threshold: threshold,
		content:   make(map[string]string),
	}
}

// Lookup checks the exact hash first, then the nearest perceptual hash.
func (m *MemoryIndex) Lookup(ctx context.Context, contentHash string, perceptualHash uint64) (*Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(contentHash, perceptualHash), nil
}

// LookupOrInsert runs lookup and insert under one lock.
func (m *MemoryIndex) LookupOrInsert(ctx context.Context, e Entry) (*Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if match := m.lookup(e.ContentHash, e.PerceptualHash); match != nil {
		return match, nil
	}
	m.insert(e)
	return nil, nil
}

// Remove drops the entries recorded under ref.
func (m *MemoryIndex) Remove(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, r := range m.content {
		if r == ref {
			delete(m.content, h)
		}
	}
	kept := m.hashes[:0]
	for _, p := range m.hashes {
		if p.ref != ref {
			kept = append(kept, p)
		}
	}
	m.hashes = kept
	return nil
}

// Size returns the number of indexed images.
func (m *MemoryIndex) Size(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.content), nil
}

func (m *MemoryIndex) lookup(contentHash string, perceptualHash uint64) *Match {
	if ref, ok := m.content[contentHash]; ok {
		return &Match{ImageRef: ref, Exact: true}
	}

	var best *Match
	for _, p := range m.hashes {
		d := Distance(p.hash, perceptualHash)
		if d > m.threshold {
			continue
		}
		if best == nil || d < best.Distance {
			best = &Match{ImageRef: p.ref, Distance: d}
		}
	}
	return best
}

func (m *MemoryIndex) insert(e Entry) {
	if _, ok := m.content[e.ContentHash]; ok {
		return
	}
	m.content[e.ContentHash] = e.ImageRef
	m.hashes = append(m.hashes, perceptual{hash: e.PerceptualHash, ref: e.ImageRef})
}
