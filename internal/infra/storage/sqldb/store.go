package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/core/fault"
	"github.com/vietddude/harvester/internal/infra/storage"
)

// insertBatch bounds rows per multi-row INSERT to stay under placeholder limits.
const insertBatch = 500

// Store implements storage.JobStore on PostgreSQL or SQLite.
type Store struct {
	db *DB
}

// NewStore creates a new SQL job store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// wrapErr tags connection-level failures as infrastructure faults.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch fault.KindOf(err) {
	case fault.KindNetwork, fault.KindTimeout, fault.KindUnavailable:
		return fault.Wrap(fault.KindDBConnection, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func insertChunks(ctx context.Context, ext sqlx.ExtContext, chunks []*domain.Chunk) error {
	query := `INSERT INTO chunks (` + chunkColumns + `) VALUES (
		:id, :job_id, :chunk_index, :status, :priority, :range_start, :range_end,
		:retry_count, :error_message, :work_ref, :dispatched_at, :created_at, :updated_at)`

	for start := 0; start < len(chunks); start += insertBatch {
		end := min(start+insertBatch, len(chunks))
		rows := make([]chunkRow, 0, end-start)
		for _, c := range chunks[start:end] {
			rows = append(rows, toChunkRow(c))
		}
		if _, err := sqlx.NamedExecContext(ctx, ext, query, rows); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, job *domain.Job, chunks []*domain.Chunk) error {
	row, err := toJobRow(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (
		:id, :keywords, :max_images, :validation_strategy, :sources, :status,
		:total_chunks, :active_chunks, :completed_chunks, :failed_chunks, :cancelled_chunks,
		:downloaded_images, :valid_images, :created_at, :updated_at)`, row)
	if err != nil {
		return wrapErr("insert job", err)
	}
	if err := insertChunks(ctx, tx, chunks); err != nil {
		return wrapErr("insert chunks", err)
	}
	return wrapErr("commit job", tx.Commit())
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get job", err)
	}
	return row.toDomain()
}

func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, wrapErr("list jobs", err)
	}
	result := make([]*domain.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("failed to decode job %s: %w", r.ID, err)
		}
		result = append(result, j)
	}
	return result, nil
}

func (s *Store) GetChunk(ctx context.Context, id string) (*domain.Chunk, error) {
	var row chunkRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get chunk", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListChunks(ctx context.Context, jobID string) ([]*domain.Chunk, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	var rows []chunkRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT `+chunkColumns+` FROM chunks WHERE job_id = ? ORDER BY chunk_index`), jobID)
	if err != nil {
		return nil, wrapErr("list chunks", err)
	}
	return chunksFromRows(rows), nil
}

func chunksFromRows(rows []chunkRow) []*domain.Chunk {
	result := make([]*domain.Chunk, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result
}

func (s *Store) JobsWithPending(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT j.id FROM jobs j
		WHERE j.status IN ('pending', 'running')
		  AND EXISTS (SELECT 1 FROM chunks c WHERE c.job_id = j.id AND c.status = 'pending')
		ORDER BY j.created_at, j.id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), args...); err != nil {
		return nil, wrapErr("list dispatchable jobs", err)
	}
	return ids, nil
}

func (s *Store) ProcessingByStrategy(ctx context.Context) (map[domain.ValidationStrategy]int, error) {
	var rows []struct {
		Strategy string `db:"validation_strategy"`
		Count    int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT j.validation_strategy, COUNT(*) AS n
		FROM chunks c JOIN jobs j ON j.id = c.job_id
		WHERE c.status = 'processing'
		GROUP BY j.validation_strategy`)
	if err != nil {
		return nil, wrapErr("count processing chunks", err)
	}
	result := make(map[domain.ValidationStrategy]int, len(rows))
	for _, r := range rows {
		result[domain.ValidationStrategy(r.Strategy)] = r.Count
	}
	return result, nil
}

func (s *Store) StaleProcessing(ctx context.Context, dispatchedBefore int64, limit int) ([]*domain.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks
		WHERE status = 'processing' AND dispatched_at < ?
		ORDER BY dispatched_at`
	args := []any{dispatchedBefore}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []chunkRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, wrapErr("list stale chunks", err)
	}
	return chunksFromRows(rows), nil
}

func (s *Store) ListImages(ctx context.Context, chunkID string) ([]*domain.Image, error) {
	var rows []imageRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT `+imageColumns+` FROM images WHERE chunk_id = ? ORDER BY id`), chunkID)
	if err != nil {
		return nil, wrapErr("list images", err)
	}
	result := make([]*domain.Image, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

func (s *Store) ExpiredJobs(ctx context.Context, updatedBefore int64, limit int) ([]string, error) {
	query := `SELECT id FROM jobs
		WHERE status IN ('completed', 'completed_with_errors', 'failed', 'cancelled') AND updated_at < ?
		ORDER BY updated_at, id`
	args := []any{updatedBefore}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), args...); err != nil {
		return nil, wrapErr("list expired jobs", err)
	}
	return ids, nil
}

// DeleteJob removes the job under its row lock, children first.
func (s *Store) DeleteJob(ctx context.Context, jobID string) ([]string, error) {
	uow, err := s.db.NewUnitOfWork(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	if err := uow.lockJob(ctx, jobID); err != nil {
		return nil, err
	}
	if !uow.job.Status.IsTerminal() {
		return nil, storage.ErrJobActive
	}
	tx := uow.tx

	var inFlight int
	err = tx.GetContext(ctx, &inFlight, tx.Rebind(
		`SELECT COUNT(*) FROM chunks WHERE job_id = ? AND status = 'processing'`), jobID)
	if err != nil {
		return nil, wrapErr("count processing chunks", err)
	}
	if inFlight > 0 {
		return nil, storage.ErrJobActive
	}

	var refs []string
	err = tx.SelectContext(ctx, &refs, tx.Rebind(
		`SELECT storage_ref FROM images WHERE job_id = ? AND storage_ref <> '' ORDER BY storage_ref`), jobID)
	if err != nil {
		return nil, wrapErr("list job images", err)
	}
	for _, table := range []string{"images", "chunks"} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+table+` WHERE job_id = ?`), jobID); err != nil {
			return nil, wrapErr("delete "+table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM jobs WHERE id = ?`), jobID); err != nil {
		return nil, wrapErr("delete job", err)
	}
	if err := uow.Commit(); err != nil {
		return nil, wrapErr("commit transaction", err)
	}
	return refs, nil
}

// Update locks the job row (SELECT ... FOR UPDATE on PostgreSQL; the single
// SQLite connection serializes transactions) and runs fn inside the transaction.
func (s *Store) Update(ctx context.Context, jobID string, fn func(ctx context.Context, uow storage.UnitOfWork) error) error {
	uow, err := s.db.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := uow.lockJob(ctx, jobID); err != nil {
		return err
	}
	if err := fn(ctx, uow); err != nil {
		return err
	}
	return wrapErr("commit transaction", uow.Commit())
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
