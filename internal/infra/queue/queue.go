package queue

import (
	"context"

	"github.com/vietddude/harvester/internal/core/domain"
)

// Dispatcher hands a chunk assignment to the worker pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, a domain.ChunkAssignment) (string, error)
}

// Reporter delivers a worker's completion back to the orchestrator.
type Reporter interface {
	Report(ctx context.Context, c domain.Completion) error
}

// ChunkHandler runs one assignment. A returned error means the completion
// could not be reported and the assignment should be redelivered.
type ChunkHandler func(ctx context.Context, a domain.ChunkAssignment) error

// CompletionHandler applies one completion.
type CompletionHandler func(ctx context.Context, c domain.Completion) error

// Queue names by priority band.
const (
	QueueHigh        = "chunks:high"
	QueueDefault     = "chunks:default"
	QueueLow         = "chunks:low"
	QueueCompletions = "completions"
)

// QueueFor maps a chunk priority to its queue.
func QueueFor(priority int) string {
	switch {
	case priority >= 7:
		return QueueHigh
	case priority <= 3:
		return QueueLow
	default:
		return QueueDefault
	}
}
