package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/storage"
)

// UnitOfWork bundles the mutations of one locked job into a single database
// transaction, ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	db  *DB
	tx  *sqlx.Tx
	job *domain.Job
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrapErr("begin transaction", err)
	}
	return &UnitOfWork{db: db, tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

func (u *UnitOfWork) lockJob(ctx context.Context, jobID string) error {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	if u.db.Postgres() {
		query += ` FOR UPDATE`
	}
	var row jobRow
	err := u.tx.GetContext(ctx, &row, u.tx.Rebind(query), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return wrapErr("lock job", err)
	}
	job, err := row.toDomain()
	if err != nil {
		return fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	u.job = job
	return nil
}

// Job returns the locked job.
func (u *UnitOfWork) Job() *domain.Job {
	return u.job
}

// Chunk loads one of the locked job's chunks.
func (u *UnitOfWork) Chunk(ctx context.Context, id string) (*domain.Chunk, error) {
	var row chunkRow
	err := u.tx.GetContext(ctx, &row,
		u.tx.Rebind(`SELECT `+chunkColumns+` FROM chunks WHERE id = ? AND job_id = ?`), id, u.job.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get chunk", err)
	}
	return row.toDomain(), nil
}

// PendingChunks returns pending chunks in ascending index order.
func (u *UnitOfWork) PendingChunks(ctx context.Context, limit int) ([]*domain.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks
		WHERE job_id = ? AND status = 'pending' ORDER BY chunk_index`
	args := []any{u.job.ID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []chunkRow
	if err := u.tx.SelectContext(ctx, &rows, u.tx.Rebind(query), args...); err != nil {
		return nil, wrapErr("list pending chunks", err)
	}
	return chunksFromRows(rows), nil
}

// SaveChunk persists the chunk's mutable fields.
func (u *UnitOfWork) SaveChunk(ctx context.Context, c *domain.Chunk) error {
	c.UpdatedAt = time.Now().Unix()
	res, err := u.tx.ExecContext(ctx, u.tx.Rebind(`
		UPDATE chunks SET status = ?, priority = ?, retry_count = ?, error_message = ?,
			work_ref = ?, dispatched_at = ?, updated_at = ?
		WHERE id = ? AND job_id = ?`),
		string(c.Status), c.Priority, c.RetryCount, c.LastError,
		c.WorkRef, c.DispatchedAt, c.UpdatedAt,
		c.ID, u.job.ID,
	)
	if err != nil {
		return wrapErr("update chunk", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveJob persists the job's status and counters.
func (u *UnitOfWork) SaveJob(ctx context.Context, j *domain.Job) error {
	j.UpdatedAt = time.Now().Unix()
	_, err := u.tx.ExecContext(ctx, u.tx.Rebind(`
		UPDATE jobs SET status = ?, total_chunks = ?, active_chunks = ?, completed_chunks = ?,
			failed_chunks = ?, cancelled_chunks = ?, downloaded_images = ?, valid_images = ?,
			updated_at = ?
		WHERE id = ?`),
		string(j.Status), j.TotalChunks, j.ActiveChunks, j.CompletedChunks,
		j.FailedChunks, j.CancelledChunks, j.DownloadedImages, j.ValidImages,
		j.UpdatedAt, j.ID,
	)
	if err != nil {
		return wrapErr("update job", err)
	}
	u.job = j
	return nil
}

// SaveImages inserts image verdicts, ignoring ids that already exist.
func (u *UnitOfWork) SaveImages(ctx context.Context, images []*domain.Image) error {
	query := `INSERT INTO images (` + imageColumns + `) VALUES (
		:id, :job_id, :chunk_id, :source_url, :content_hash, :perceptual_hash,
		:valid, :duplicate, :quality, :decision, :reason, :storage_ref, :created_at)
		ON CONFLICT (id) DO NOTHING`

	for start := 0; start < len(images); start += insertBatch {
		end := min(start+insertBatch, len(images))
		rows := make([]imageRow, 0, end-start)
		for _, img := range images[start:end] {
			if img.JobID != u.job.ID {
				return fmt.Errorf("image %s belongs to job %s, not %s", img.ID, img.JobID, u.job.ID)
			}
			rows = append(rows, toImageRow(img))
		}
		if _, err := u.tx.NamedExecContext(ctx, query, rows); err != nil {
			return wrapErr("insert images", err)
		}
	}
	return nil
}

// CancelPending flips the job's pending chunks to cancelled and drops any
// image rows they still hold.
func (u *UnitOfWork) CancelPending(ctx context.Context) (int, []storage.DroppedImage, error) {
	var ids []string
	err := u.tx.SelectContext(ctx, &ids, u.tx.Rebind(
		`SELECT id FROM chunks WHERE job_id = ? AND status = 'pending' ORDER BY chunk_index`), u.job.ID)
	if err != nil {
		return 0, nil, wrapErr("list pending chunks", err)
	}
	if len(ids) == 0 {
		return 0, nil, nil
	}

	_, err = u.tx.ExecContext(ctx, u.tx.Rebind(`
		UPDATE chunks SET status = 'cancelled', updated_at = ?
		WHERE job_id = ? AND status = 'pending'`),
		time.Now().Unix(), u.job.ID,
	)
	if err != nil {
		return 0, nil, wrapErr("cancel pending chunks", err)
	}

	var dropped []storage.DroppedImage
	for _, id := range ids {
		imgs, err := u.DeleteChunkImages(ctx, id)
		if err != nil {
			return 0, nil, err
		}
		dropped = append(dropped, imgs...)
	}
	return len(ids), dropped, nil
}

// DeleteChunkImages removes the chunk's image rows.
func (u *UnitOfWork) DeleteChunkImages(ctx context.Context, chunkID string) ([]storage.DroppedImage, error) {
	var dropped []storage.DroppedImage
	err := u.tx.SelectContext(ctx, &dropped, u.tx.Rebind(
		`SELECT id, storage_ref FROM images WHERE chunk_id = ? ORDER BY id`), chunkID)
	if err != nil {
		return nil, wrapErr("list chunk images", err)
	}
	if _, err := u.tx.ExecContext(ctx, u.tx.Rebind(`DELETE FROM images WHERE chunk_id = ?`), chunkID); err != nil {
		return nil, wrapErr("delete chunk images", err)
	}
	return dropped, nil
}
