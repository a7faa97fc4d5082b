package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// Image is one validated candidate produced by a chunk attempt.
// Records are written once and never mutated.
type Image struct {
	ID             string   `json:"id"`
	JobID          string   `json:"job_id"`
	ChunkID        string   `json:"chunk_id"`
	SourceURL      string   `json:"source_url"`
	ContentHash    string   `json:"content_hash"`
	PerceptualHash uint64   `json:"perceptual_hash"`
	Valid          bool     `json:"valid"`
	Duplicate      bool     `json:"duplicate"`
	Quality        float64  `json:"quality"`
	Decision       Decision `json:"decision"`
	Reason         string   `json:"reason,omitempty"`
	StorageRef     string   `json:"storage_ref,omitempty"`
	CreatedAt      int64    `json:"created_at"`
}

// Decision is the validation outcome for one candidate.
type Decision string

const (
	DecisionAccept    Decision = "accept"
	DecisionReject    Decision = "reject"
	DecisionDuplicate Decision = "duplicate"
)

// ImageID derives a stable id so a redelivered or retried chunk cannot insert
// the same source twice.
func ImageID(chunkID string, sourceURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s/%s", chunkID, sourceURL))).String()
}
