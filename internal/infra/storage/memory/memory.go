package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/storage"
)

// MemoryStorage implements storage.JobStore in process memory. Update holds
// the store lock for the whole unit of work and applies staged rows on success.
type MemoryStorage struct {
	jobs   map[string]*domain.Job
	chunks map[string]*domain.Chunk
	byJob  map[string][]string
	images map[string]*domain.Image
	mu     sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:   make(map[string]*domain.Job),
		chunks: make(map[string]*domain.Chunk),
		byJob:  make(map[string][]string),
		images: make(map[string]*domain.Image),
	}
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	return &c
}

func copyChunk(c *domain.Chunk) *domain.Chunk {
	cc := *c
	return &cc
}

func (s *MemoryStorage) CreateJob(ctx context.Context, job *domain.Job, chunks []*domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = copyJob(job)
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		s.chunks[c.ID] = copyChunk(c)
		ids = append(ids, c.ID)
	}
	sort.Slice(ids, func(a, b int) bool {
		return s.chunks[ids[a]].Index < s.chunks[ids[b]].Index
	})
	s.byJob[job.ID] = ids
	return nil
}

func (s *MemoryStorage) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStorage) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		result = append(result, copyJob(j))
	}
	sort.Slice(result, func(a, b int) bool {
		if result[a].CreatedAt != result[b].CreatedAt {
			return result[a].CreatedAt > result[b].CreatedAt
		}
		return result[a].ID > result[b].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStorage) GetChunk(ctx context.Context, id string) (*domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyChunk(c), nil
}

func (s *MemoryStorage) ListChunks(ctx context.Context, jobID string) ([]*domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, storage.ErrNotFound
	}
	ids := s.byJob[jobID]
	result := make([]*domain.Chunk, 0, len(ids))
	for _, id := range ids {
		result = append(result, copyChunk(s.chunks[id]))
	}
	return result, nil
}

func (s *MemoryStorage) JobsWithPending(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*domain.Job
	for _, j := range s.jobs {
		if j.Status.IsTerminal() {
			continue
		}
		for _, id := range s.byJob[j.ID] {
			if s.chunks[id].Status == domain.ChunkStatusPending {
				jobs = append(jobs, j)
				break
			}
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt != jobs[b].CreatedAt {
			return jobs[a].CreatedAt < jobs[b].CreatedAt
		}
		return jobs[a].ID < jobs[b].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids, nil
}

func (s *MemoryStorage) ProcessingByStrategy(ctx context.Context) (map[domain.ValidationStrategy]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[domain.ValidationStrategy]int)
	for _, c := range s.chunks {
		if c.Status != domain.ChunkStatusProcessing {
			continue
		}
		if j, ok := s.jobs[c.JobID]; ok {
			result[j.ValidationStrategy]++
		}
	}
	return result, nil
}

func (s *MemoryStorage) StaleProcessing(ctx context.Context, dispatchedBefore int64, limit int) ([]*domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Chunk
	for _, c := range s.chunks {
		if c.Status == domain.ChunkStatusProcessing && c.DispatchedAt < dispatchedBefore {
			result = append(result, copyChunk(c))
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].DispatchedAt < result[b].DispatchedAt })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStorage) ListImages(ctx context.Context, chunkID string) ([]*domain.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*domain.Image
	for _, img := range s.images {
		if img.ChunkID == chunkID {
			cp := *img
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].ID < result[b].ID })
	return result, nil
}

func (s *MemoryStorage) ExpiredJobs(ctx context.Context, updatedBefore int64, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*domain.Job
	for _, j := range s.jobs {
		if j.Status.IsTerminal() && j.UpdatedAt < updatedBefore {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].UpdatedAt != jobs[b].UpdatedAt {
			return jobs[a].UpdatedAt < jobs[b].UpdatedAt
		}
		return jobs[a].ID < jobs[b].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids, nil
}

func (s *MemoryStorage) DeleteJob(ctx context.Context, jobID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !j.Status.IsTerminal() {
		return nil, storage.ErrJobActive
	}
	for _, id := range s.byJob[jobID] {
		if s.chunks[id].Status == domain.ChunkStatusProcessing {
			return nil, storage.ErrJobActive
		}
	}

	var refs []string
	for id, img := range s.images {
		if img.JobID != jobID {
			continue
		}
		if img.StorageRef != "" {
			refs = append(refs, img.StorageRef)
		}
		delete(s.images, id)
	}
	for _, id := range s.byJob[jobID] {
		delete(s.chunks, id)
	}
	delete(s.byJob, jobID)
	delete(s.jobs, jobID)
	sort.Strings(refs)
	return refs, nil
}

func (s *MemoryStorage) Update(ctx context.Context, jobID string, fn func(ctx context.Context, uow storage.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return storage.ErrNotFound
	}
	uow := &unitOfWork{
		store:   s,
		job:     copyJob(j),
		chunks:  make(map[string]*domain.Chunk),
		dropped: make(map[string]bool),
	}
	if err := fn(ctx, uow); err != nil {
		return err
	}
	uow.commit()
	return nil
}

func (s *MemoryStorage) Health(ctx context.Context) error { return nil }

func (s *MemoryStorage) Close() error { return nil }

// unitOfWork stages changes until Update commits them.
type unitOfWork struct {
	store   *MemoryStorage
	job     *domain.Job
	jobSet  bool
	chunks  map[string]*domain.Chunk
	images  []*domain.Image
	dropped map[string]bool
}

func (u *unitOfWork) Job() *domain.Job {
	return u.job
}

func (u *unitOfWork) current(id string) (*domain.Chunk, bool) {
	if c, ok := u.chunks[id]; ok {
		return c, true
	}
	c, ok := u.store.chunks[id]
	if !ok || c.JobID != u.job.ID {
		return nil, false
	}
	return c, true
}

func (u *unitOfWork) Chunk(ctx context.Context, id string) (*domain.Chunk, error) {
	c, ok := u.current(id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyChunk(c), nil
}

func (u *unitOfWork) PendingChunks(ctx context.Context, limit int) ([]*domain.Chunk, error) {
	var result []*domain.Chunk
	for _, id := range u.store.byJob[u.job.ID] {
		if limit > 0 && len(result) >= limit {
			break
		}
		c, _ := u.current(id)
		if c.Status == domain.ChunkStatusPending {
			result = append(result, copyChunk(c))
		}
	}
	return result, nil
}

func (u *unitOfWork) SaveChunk(ctx context.Context, chunk *domain.Chunk) error {
	if _, ok := u.current(chunk.ID); !ok {
		return storage.ErrNotFound
	}
	c := copyChunk(chunk)
	c.UpdatedAt = time.Now().Unix()
	u.chunks[c.ID] = c
	return nil
}

func (u *unitOfWork) SaveJob(ctx context.Context, job *domain.Job) error {
	u.job = copyJob(job)
	u.job.UpdatedAt = time.Now().Unix()
	u.jobSet = true
	return nil
}

func (u *unitOfWork) SaveImages(ctx context.Context, images []*domain.Image) error {
	for _, img := range images {
		if img.JobID != u.job.ID {
			return fmt.Errorf("image %s belongs to job %s, not %s", img.ID, img.JobID, u.job.ID)
		}
		cp := *img
		u.images = append(u.images, &cp)
	}
	return nil
}

func (u *unitOfWork) CancelPending(ctx context.Context) (int, []storage.DroppedImage, error) {
	n := 0
	now := time.Now().Unix()
	var dropped []storage.DroppedImage
	for _, id := range u.store.byJob[u.job.ID] {
		c, _ := u.current(id)
		if c.Status != domain.ChunkStatusPending {
			continue
		}
		cc := copyChunk(c)
		cc.Status = domain.ChunkStatusCancelled
		cc.UpdatedAt = now
		u.chunks[id] = cc
		n++

		imgs, _ := u.DeleteChunkImages(ctx, id)
		dropped = append(dropped, imgs...)
	}
	return n, dropped, nil
}

func (u *unitOfWork) DeleteChunkImages(ctx context.Context, chunkID string) ([]storage.DroppedImage, error) {
	var dropped []storage.DroppedImage
	for id, img := range u.store.images {
		if img.ChunkID != chunkID || u.dropped[id] {
			continue
		}
		u.dropped[id] = true
		dropped = append(dropped, storage.DroppedImage{ID: id, StorageRef: img.StorageRef})
	}
	kept := u.images[:0]
	for _, img := range u.images {
		if img.ChunkID == chunkID {
			dropped = append(dropped, storage.DroppedImage{ID: img.ID, StorageRef: img.StorageRef})
			continue
		}
		kept = append(kept, img)
	}
	u.images = kept
	sort.Slice(dropped, func(a, b int) bool { return dropped[a].ID < dropped[b].ID })
	return dropped, nil
}

func (u *unitOfWork) commit() {
	if u.jobSet {
		u.store.jobs[u.job.ID] = u.job
	}
	for id, c := range u.chunks {
		u.store.chunks[id] = c
	}
	for id := range u.dropped {
		delete(u.store.images, id)
	}
	for _, img := range u.images {
		if _, exists := u.store.images[img.ID]; !exists {
			u.store.images[img.ID] = img
		}
	}
}
