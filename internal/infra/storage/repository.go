package storage

import (
	"context"
	"errors"

	"github.com/vietddude/harvester/internal/core/domain"
)

var (
	// ErrNotFound is returned when a job or chunk doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrJobActive is returned when deleting a job that is not terminal or still has chunks in flight
	ErrJobActive = errors.New("job is still active")
)

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status domain.JobStatus
	Limit  int
}

// DroppedImage identifies an image record removed inside a unit of work.
type DroppedImage struct {
	ID         string `db:"id"`
	StorageRef string `db:"storage_ref"`
}

// Refs returns the storage refs of dropped images that had a stored payload.
func Refs(images []DroppedImage) []string {
	var refs []string
	for _, img := range images {
		if img.StorageRef != "" {
			refs = append(refs, img.StorageRef)
		}
	}
	return refs
}

// JobStore is the single source of truth for jobs, chunks and images.
// Every counter mutation goes through Update.
type JobStore interface {
	// CreateJob writes the job and all its planned chunks in one transaction
	CreateJob(ctx context.Context, job *domain.Job, chunks []*domain.Chunk) error

	// GetJob retrieves a job by id
	GetJob(ctx context.Context, id string) (*domain.Job, error)

	// ListJobs lists jobs, newest first
	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// GetChunk retrieves a chunk by id
	GetChunk(ctx context.Context, id string) (*domain.Chunk, error)

	// ListChunks lists a job's chunks in index order
	ListChunks(ctx context.Context, jobID string) ([]*domain.Chunk, error)

	// JobsWithPending returns ids of non-terminal jobs holding pending chunks, oldest first
	JobsWithPending(ctx context.Context, limit int) ([]string, error)

	// ProcessingByStrategy counts processing chunks grouped by their job's strategy
	ProcessingByStrategy(ctx context.Context) (map[domain.ValidationStrategy]int, error)

	// StaleProcessing returns processing chunks dispatched before the given unix time
	StaleProcessing(ctx context.Context, dispatchedBefore int64, limit int) ([]*domain.Chunk, error)

	// ListImages lists the images recorded for a chunk
	ListImages(ctx context.Context, chunkID string) ([]*domain.Image, error)

	// ExpiredJobs returns ids of terminal jobs last updated before the given unix time, oldest first
	ExpiredJobs(ctx context.Context, updatedBefore int64, limit int) ([]string, error)

	// DeleteJob removes a terminal job with its chunks and images and returns the images' storage refs
	DeleteJob(ctx context.Context, jobID string) ([]string, error)

	// Update runs fn in one transaction holding the job's row lock
	Update(ctx context.Context, jobID string, fn func(ctx context.Context, uow UnitOfWork) error) error

	// Health checks the backing store
	Health(ctx context.Context) error

	// Close releases the store
	Close() error
}

// UnitOfWork is the transactional view of one locked job.
type UnitOfWork interface {
	// Job returns the locked job row; persist changes with SaveJob
	Job() *domain.Job

	// Chunk loads one of the job's chunks
	Chunk(ctx context.Context, id string) (*domain.Chunk, error)

	// PendingChunks returns up to limit pending chunks in ascending index order
	PendingChunks(ctx context.Context, limit int) ([]*domain.Chunk, error)

	// SaveChunk persists a chunk's mutable fields
	SaveChunk(ctx context.Context, chunk *domain.Chunk) error

	// SaveJob persists the job's status and counters
	SaveJob(ctx context.Context, job *domain.Job) error

	// SaveImages records image verdicts, ignoring ids that already exist
	SaveImages(ctx context.Context, images []*domain.Image) error

	// CancelPending flips every pending chunk to cancelled, drops their image
	// records and returns how many chunks it cancelled
	CancelPending(ctx context.Context) (int, []DroppedImage, error)

	// DeleteChunkImages removes a chunk's image records
	DeleteChunkImages(ctx context.Context, chunkID string) ([]DroppedImage, error)
}
