package domain

// ChunkAssignment is the dispatch message handed to a chunk worker.
// Attempt equals the chunk's retry count at dispatch time.
type ChunkAssignment struct {
	JobID              string             `json:"job_id"`
	ChunkID            string             `json:"chunk_id"`
	Index              int                `json:"index"`
	Range              ImageRange         `json:"image_range"`
	Priority           int                `json:"priority"`
	ValidationStrategy ValidationStrategy `json:"validation_strategy"`
	Attempt            int                `json:"attempt"`
	Keywords           []string           `json:"keywords"`
	Sources            []string           `json:"sources,omitempty"`
}

// NewAssignment builds the dispatch message for a claimed chunk.
func NewAssignment(job *Job, chunk *Chunk) ChunkAssignment {
	return ChunkAssignment{
		JobID:              job.ID,
		ChunkID:            chunk.ID,
		Index:              chunk.Index,
		Range:              chunk.Range,
		Priority:           chunk.Priority,
		ValidationStrategy: job.ValidationStrategy,
		Attempt:            chunk.RetryCount,
		Keywords:           job.Keywords,
		Sources:            job.Sources,
	}
}

// Completion is the callback a worker sends once per chunk attempt.
// Exactly one of Success or Failure is set.
type Completion struct {
	JobID   string          `json:"job_id"`
	ChunkID string          `json:"chunk_id"`
	Attempt int             `json:"attempt"`
	Success *SuccessOutcome `json:"success,omitempty"`
	Failure *FailureOutcome `json:"failure,omitempty"`
}

type SuccessOutcome struct {
	Accepted   int `json:"accepted"`
	Rejected   int `json:"rejected"`
	Duplicates int `json:"duplicates"`
	Downloaded int `json:"downloaded"`
}

type FailureOutcome struct {
	FaultKind string `json:"fault_kind"`
	Message   string `json:"message"`
}

// Succeeded builds a success completion for an assignment.
func Succeeded(a ChunkAssignment, out SuccessOutcome) Completion {
	return Completion{JobID: a.JobID, ChunkID: a.ChunkID, Attempt: a.Attempt, Success: &out}
}

// Failed builds a failure completion for an assignment.
func Failed(a ChunkAssignment, kind, message string) Completion {
	return Completion{
		JobID:   a.JobID,
		ChunkID: a.ChunkID,
		Attempt: a.Attempt,
		Failure: &FailureOutcome{FaultKind: kind, Message: message},
	}
}

// Valid reports whether exactly one outcome arm is set.
func (c Completion) Valid() bool {
	return (c.Success == nil) != (c.Failure == nil)
}
