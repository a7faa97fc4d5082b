package domain

// Job is one "collect N images for these keywords" request.
type Job struct {
	ID                 string             `json:"id"`
	Keywords           []string           `json:"keywords"`
	MaxImages          int                `json:"max_images"`
	ValidationStrategy ValidationStrategy `json:"validation_strategy"`
	Sources            []string           `json:"sources"`
	Status             JobStatus          `json:"status"`
	TotalChunks        int                `json:"total_chunks"`
	ActiveChunks       int                `json:"active_chunks"`
	CompletedChunks    int                `json:"completed_chunks"`
	FailedChunks       int                `json:"failed_chunks"`
	CancelledChunks    int                `json:"cancelled_chunks"`
	DownloadedImages   int                `json:"downloaded_images"`
	ValidImages        int                `json:"valid_images"`
	CreatedAt          int64              `json:"created_at"`
	UpdatedAt          int64              `json:"updated_at"`
}

type JobStatus string

const (
	JobStatusPending             JobStatus = "pending"
	JobStatusRunning             JobStatus = "running"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCancelled           JobStatus = "cancelled"
)

// IsTerminal reports whether no further chunk work will be admitted for the job.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// TerminalChunks is the number of chunks that reached a final state.
func (j *Job) TerminalChunks() int {
	return j.CompletedChunks + j.FailedChunks + j.CancelledChunks
}

// Settled reports whether every planned chunk is terminal.
func (j *Job) Settled() bool {
	return j.TotalChunks > 0 && j.TerminalChunks() == j.TotalChunks
}

// Progress returns the percentage of planned chunks that are terminal.
func (j *Job) Progress() int {
	if j.TotalChunks == 0 {
		return 0
	}
	return j.TerminalChunks() * 100 / j.TotalChunks
}

// Snapshot builds the read model exposed to collaborators.
func (j *Job) Snapshot() Progress {
	return Progress{
		JobID:            j.ID,
		Status:           j.Status,
		Progress:         j.Progress(),
		TotalChunks:      j.TotalChunks,
		ActiveChunks:     j.ActiveChunks,
		CompletedChunks:  j.CompletedChunks,
		FailedChunks:     j.FailedChunks,
		CancelledChunks:  j.CancelledChunks,
		DownloadedImages: j.DownloadedImages,
		ValidImages:      j.ValidImages,
	}
}

// Progress is the job read model.
type Progress struct {
	JobID            string    `json:"job_id"`
	Status           JobStatus `json:"status"`
	Progress         int       `json:"progress"`
	TotalChunks      int       `json:"total_chunks"`
	ActiveChunks     int       `json:"active_chunks"`
	CompletedChunks  int       `json:"completed_chunks"`
	FailedChunks     int       `json:"failed_chunks"`
	CancelledChunks  int       `json:"cancelled_chunks"`
	DownloadedImages int       `json:"downloaded_images"`
	ValidImages      int       `json:"valid_images"`
}

// ValidationStrategy selects the per-image validation tier for a job.
type ValidationStrategy string

const (
	StrategyFast   ValidationStrategy = "fast"
	StrategyMedium ValidationStrategy = "medium"
	StrategySlow   ValidationStrategy = "slow"
)

// Valid reports whether s names a known strategy.
func (s ValidationStrategy) Valid() bool {
	switch s {
	case StrategyFast, StrategyMedium, StrategySlow:
		return true
	}
	return false
}

// Strategies lists every strategy in ascending cost order.
var Strategies = []ValidationStrategy{StrategyFast, StrategyMedium, StrategySlow}
