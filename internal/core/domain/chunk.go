package domain

import "fmt"

// Chunk is a bounded slice of a job's target image count.
type Chunk struct {
	ID           string      `json:"id"`
	JobID        string      `json:"job_id"`
	Index        int         `json:"index"`
	Status       ChunkStatus `json:"status"`
	Priority     int         `json:"priority"`
	Range        ImageRange  `json:"image_range"`
	RetryCount   int         `json:"retry_count"`
	LastError    string      `json:"last_error,omitempty"`
	WorkRef      string      `json:"work_ref,omitempty"`
	DispatchedAt int64       `json:"dispatched_at,omitempty"`
	CreatedAt    int64       `json:"created_at"`
	UpdatedAt    int64       `json:"updated_at"`
}

type ChunkStatus string

const (
	ChunkStatusPending    ChunkStatus = "pending"
	ChunkStatusProcessing ChunkStatus = "processing"
	ChunkStatusCompleted  ChunkStatus = "completed"
	ChunkStatusFailed     ChunkStatus = "failed"
	ChunkStatusCancelled  ChunkStatus = "cancelled"
)

func (s ChunkStatus) IsTerminal() bool {
	return s == ChunkStatusCompleted || s == ChunkStatusFailed || s == ChunkStatusCancelled
}

// ImageRange is the half-open index range [Start, End) of a job's images.
type ImageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Size is the number of images the range asks for.
func (r ImageRange) Size() int {
	return r.End - r.Start
}

func (r ImageRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Priority bounds.
const (
	MinPriority = 0
	MaxPriority = 10
)

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
