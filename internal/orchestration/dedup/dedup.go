package dedup

import (
	"context"
	"math/bits"
)

// DefaultThreshold is the perceptual Hamming distance at or below which two
// images are near-duplicates.
const DefaultThreshold = 10

// Entry is one fingerprinted image.
type Entry struct {
	ContentHash    string
	PerceptualHash uint64
	ImageRef       string
}

// Match describes the indexed image a lookup collided with.
type Match struct {
	ImageRef string
	Exact    bool
	Distance int
}

// Index is a job-scoped duplicate lookup over content and perceptual hashes.
// Exact content-hash matches are always duplicates regardless of threshold.
type Index interface {
	// Lookup returns the first indexed image that matches, or nil.
	Lookup(ctx context.Context, contentHash string, perceptualHash uint64) (*Match, error)

	// LookupOrInsert atomically returns a match or records e when there is none.
	LookupOrInsert(ctx context.Context, e Entry) (*Match, error)

	// Remove forgets every entry recorded under ref.
	Remove(ctx context.Context, ref string) error

	// Size returns the number of indexed images.
	Size(ctx context.Context) (int, error)
}

// Releaser is implemented by indexes that hold external resources.
type Releaser interface {
	Release(ctx context.Context) error
}

// Distance is the Hamming distance between two 64-bit perceptual hashes.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
