package sqldb

import (
	"encoding/json"

	"github.com/vietddude/harvester/internal/core/domain"
)

const jobColumns = `id, keywords, max_images, validation_strategy, sources, status,
	total_chunks, active_chunks, completed_chunks, failed_chunks, cancelled_chunks,
	downloaded_images, valid_images, created_at, updated_at`

const chunkColumns = `id, job_id, chunk_index, status, priority, range_start, range_end,
	retry_count, error_message, work_ref, dispatched_at, created_at, updated_at`

const imageColumns = `id, job_id, chunk_id, source_url, content_hash, perceptual_hash,
	valid, duplicate, quality, decision, reason, storage_ref, created_at`

type jobRow struct {
	ID                 string `db:"id"`
	Keywords           string `db:"keywords"`
	MaxImages          int    `db:"max_images"`
	ValidationStrategy string `db:"validation_strategy"`
	Sources            string `db:"sources"`
	Status             string `db:"status"`
	TotalChunks        int    `db:"total_chunks"`
	ActiveChunks       int    `db:"active_chunks"`
	CompletedChunks    int    `db:"completed_chunks"`
	FailedChunks       int    `db:"failed_chunks"`
	CancelledChunks    int    `db:"cancelled_chunks"`
	DownloadedImages   int    `db:"downloaded_images"`
	ValidImages        int    `db:"valid_images"`
	CreatedAt          int64  `db:"created_at"`
	UpdatedAt          int64  `db:"updated_at"`
}

func toJobRow(j *domain.Job) (jobRow, error) {
	keywords, err := json.Marshal(j.Keywords)
	if err != nil {
		return jobRow{}, err
	}
	sources := []byte("[]")
	if len(j.Sources) > 0 {
		if sources, err = json.Marshal(j.Sources); err != nil {
			return jobRow{}, err
		}
	}
	return jobRow{
		ID:                 j.ID,
		Keywords:           string(keywords),
		MaxImages:          j.MaxImages,
		ValidationStrategy: string(j.ValidationStrategy),
		Sources:            string(sources),
		Status:             string(j.Status),
		TotalChunks:        j.TotalChunks,
		ActiveChunks:       j.ActiveChunks,
		CompletedChunks:    j.CompletedChunks,
		FailedChunks:       j.FailedChunks,
		CancelledChunks:    j.CancelledChunks,
		DownloadedImages:   j.DownloadedImages,
		ValidImages:        j.ValidImages,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}, nil
}

func (r jobRow) toDomain() (*domain.Job, error) {
	j := &domain.Job{
		ID:                 r.ID,
		MaxImages:          r.MaxImages,
		ValidationStrategy: domain.ValidationStrategy(r.ValidationStrategy),
		Status:             domain.JobStatus(r.Status),
		TotalChunks:        r.TotalChunks,
		ActiveChunks:       r.ActiveChunks,
		CompletedChunks:    r.CompletedChunks,
		FailedChunks:       r.FailedChunks,
		CancelledChunks:    r.CancelledChunks,
		DownloadedImages:   r.DownloadedImages,
		ValidImages:        r.ValidImages,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Keywords), &j.Keywords); err != nil {
		return nil, err
	}
	if r.Sources != "" {
		if err := json.Unmarshal([]byte(r.Sources), &j.Sources); err != nil {
			return nil, err
		}
	}
	return j, nil
}

type chunkRow struct {
	ID           string `db:"id"`
	JobID        string `db:"job_id"`
	Index        int    `db:"chunk_index"`
	Status       string `db:"status"`
	Priority     int    `db:"priority"`
	RangeStart   int    `db:"range_start"`
	RangeEnd     int    `db:"range_end"`
	RetryCount   int    `db:"retry_count"`
	ErrorMessage string `db:"error_message"`
	WorkRef      string `db:"work_ref"`
	DispatchedAt int64  `db:"dispatched_at"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

func toChunkRow(c *domain.Chunk) chunkRow {
	return chunkRow{
		ID:           c.ID,
		JobID:        c.JobID,
		Index:        c.Index,
		Status:       string(c.Status),
		Priority:     c.Priority,
		RangeStart:   c.Range.Start,
		RangeEnd:     c.Range.End,
		RetryCount:   c.RetryCount,
		ErrorMessage: c.LastError,
		WorkRef:      c.WorkRef,
		DispatchedAt: c.DispatchedAt,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func (r chunkRow) toDomain() *domain.Chunk {
	return &domain.Chunk{
		ID:           r.ID,
		JobID:        r.JobID,
		Index:        r.Index,
		Status:       domain.ChunkStatus(r.Status),
		Priority:     r.Priority,
		Range:        domain.ImageRange{Start: r.RangeStart, End: r.RangeEnd},
		RetryCount:   r.RetryCount,
		LastError:    r.ErrorMessage,
		WorkRef:      r.WorkRef,
		DispatchedAt: r.DispatchedAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type imageRow struct {
	ID             string  `db:"id"`
	JobID          string  `db:"job_id"`
	ChunkID        string  `db:"chunk_id"`
	SourceURL      string  `db:"source_url"`
	ContentHash    string  `db:"content_hash"`
	PerceptualHash int64   `db:"perceptual_hash"`
	Valid          bool    `db:"valid"`
	Duplicate      bool    `db:"duplicate"`
	Quality        float64 `db:"quality"`
	Decision       string  `db:"decision"`
	Reason         string  `db:"reason"`
	StorageRef     string  `db:"storage_ref"`
	CreatedAt      int64   `db:"created_at"`
}

// Perceptual hashes are stored bit-for-bit in a signed BIGINT.
func toImageRow(i *domain.Image) imageRow {
	return imageRow{
		ID:             i.ID,
		JobID:          i.JobID,
		ChunkID:        i.ChunkID,
		SourceURL:      i.SourceURL,
		ContentHash:    i.ContentHash,
		PerceptualHash: int64(i.PerceptualHash),
		Valid:          i.Valid,
		Duplicate:      i.Duplicate,
		Quality:        i.Quality,
		Decision:       string(i.Decision),
		Reason:         i.Reason,
		StorageRef:     i.StorageRef,
		CreatedAt:      i.CreatedAt,
	}
}

func (r imageRow) toDomain() *domain.Image {
	return &domain.Image{
		ID:             r.ID,
		JobID:          r.JobID,
		ChunkID:        r.ChunkID,
		SourceURL:      r.SourceURL,
		ContentHash:    r.ContentHash,
		PerceptualHash: uint64(r.PerceptualHash),
		Valid:          r.Valid,
		Duplicate:      r.Duplicate,
		Quality:        r.Quality,
		Decision:       domain.Decision(r.Decision),
		Reason:         r.Reason,
		StorageRef:     r.StorageRef,
		CreatedAt:      r.CreatedAt,
	}
}
