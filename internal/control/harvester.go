package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vietddude/harvester/internal/api"
	"github.com/vietddude/harvester/internal/core/config"
	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/blob"
	"github.com/vietddude/harvester/internal/infra/discovery"
	"github.com/vietddude/harvester/internal/infra/fetch"
	"github.com/vietddude/harvester/internal/infra/quality"
	"github.com/vietddude/harvester/internal/infra/queue"
	redisclient "github.com/vietddude/harvester/internal/infra/redis"
	"github.com/vietddude/harvester/internal/infra/storage"
	"github.com/vietddude/harvester/internal/infra/storage/memory"
	"github.com/vietddude/harvester/internal/infra/storage/sqldb"
	"github.com/vietddude/harvester/internal/orchestration/capacity"
	"github.com/vietddude/harvester/internal/orchestration/dedup"
	"github.com/vietddude/harvester/internal/orchestration/orchestrator"
	"github.com/vietddude/harvester/internal/orchestration/validation"
	"github.com/vietddude/harvester/internal/orchestration/worker"
)

// dispatchLockName is the Redis lock guarding scheduler cycles.
const dispatchLockName = "dispatch"

// Role selects which loops a process runs.
type Role int

const (
	// RoleServe runs the API, scheduler and completion consumer, plus
	// in-process workers when the queue backend is local.
	RoleServe Role = iota
	// RoleWorker consumes chunk tasks from the shared queue only.
	RoleWorker
)

// Harvester owns every component of a process and their lifecycle.
type Harvester struct {
	cfg  *config.AppConfig
	role Role

	db      *sqldb.DB
	store   storage.JobStore
	redis   *redisclient.Client
	local   *queue.Local
	asynq   *queue.Asynq
	quality quality.Provider

	monitor *capacity.Monitor
	indexes *dedup.Registry
	orch    *orchestrator.Orchestrator
	sched   *orchestrator.Scheduler
	pruner  *orchestrator.Pruner
	worker  *worker.Worker
	server  *api.Server

	wg  sync.WaitGroup
	log *slog.Logger
}

// NewHarvester creates a Harvester with all dependencies initialized.
func NewHarvester(ctx context.Context, cfg *config.AppConfig, role Role) (*Harvester, error) {
	h := &Harvester{cfg: cfg, role: role, log: slog.Default().With("component", "harvester")}
	if err := h.init(ctx); err != nil {
		h.close()
		return nil, err
	}
	return h, nil
}

func (h *Harvester) init(ctx context.Context) error {
	cfg := h.cfg

	// 1. Storage
	store, db, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	h.store, h.db = store, db

	// 2. Redis, when any component needs it
	if cfg.UsesRedis() {
		h.redis, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return err
		}
	}

	// 3. Transport
	var (
		dispatcher orchestrator.Dispatcher
		reporter   worker.Reporter
	)
	switch cfg.Queue.Backend {
	case "asynq":
		h.asynq, err = queue.NewAsynq(queue.AsynqConfig{
			RedisURL:     cfg.Redis.URL,
			Concurrency:  cfg.Queue.Concurrency,
			ChunkTimeout: cfg.Queue.ChunkTimeout,
			Redeliveries: cfg.Queue.Redeliveries,
			Retention:    cfg.Queue.Retention,
		})
		if err != nil {
			return err
		}
		dispatcher, reporter = h.asynq, h.asynq
	default:
		h.local = queue.NewLocal(queue.LocalConfig{Concurrency: cfg.Queue.Concurrency, Buffer: cfg.Queue.Buffer})
		dispatcher, reporter = h.local, h.local
	}

	// 4. Shared validation collaborators
	factory := dedup.MemoryFactory(cfg.Validation.PHashThreshold)
	if cfg.Dedup.Backend == "redis" {
		factory = h.redis.DedupFactory(cfg.Validation.PHashThreshold, cfg.Dedup.TTL)
	}
	h.indexes = dedup.NewRegistry(factory)

	blobs, err := blob.NewFileStore(cfg.Storage.BasePath)
	if err != nil {
		return err
	}

	// 5. Orchestration, in the serving process only
	if h.role == RoleServe {
		h.monitor = capacity.NewMonitor(cfg.Capacity, h.store)
		h.orch = orchestrator.New(cfg.Orchestrator, h.store, h.monitor, dispatcher, blobs)
		h.orch.UseIndexes(h.indexes)
		h.orch.OnTerminal(h.dropIndex)

		var lock orchestrator.DispatchLock
		if cfg.Orchestrator.DispatchLock {
			lock = h.redis.NewMutex(dispatchLockName, cfg.Orchestrator.LockTTL)
		}
		h.sched = orchestrator.NewScheduler(h.orch, lock)
		h.pruner = orchestrator.NewPruner(h.orch)
		if h.local != nil {
			h.local.OnCompletion(h.applyCompletion)
		}
		h.server = api.NewServer(h.orch, h.healthChecks(), cfg.Server.Port, h.sched.Kick)
	}

	// 6. Workers, wherever chunk tasks are consumed here
	if h.role == RoleWorker || h.local != nil {
		h.quality, err = quality.New(ctx, cfg.Quality)
		if err != nil {
			return err
		}
		validators := validation.NewSet(cfg.Validation, validation.Deps{
			Indexes: h.indexes,
			Quality: h.quality,
			Retry:   cfg.Worker.OperationRetry,
		})
		client := fetch.NewClient(cfg.Worker.Fetch())
		sources, err := discovery.FromConfig(cfg.Discovery.Sources, client, cfg.Worker.OperationRetry)
		if err != nil {
			return err
		}
		h.worker = worker.New(cfg.Worker, worker.Deps{
			Store:      h.store,
			Discovery:  sources,
			Downloader: client,
			Validators: validators,
			Blobs:      blobs,
			Reporter:   reporter,
			Indexes:    h.indexes,
		})
		h.log.Info("Worker initialized", "sources", sources.Names())
	}
	return nil
}

// OpenStore connects the configured job store and applies migrations.
// driver "memory" keeps everything in process.
func OpenStore(ctx context.Context, cfg sqldb.Config) (storage.JobStore, *sqldb.DB, error) {
	if cfg.Driver == "memory" {
		slog.Info("Using memory storage")
		return memory.NewMemoryStorage(), nil, nil
	}
	db, err := sqldb.NewDB(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init db: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	driver, _ := sqldb.ResolveDriver(cfg)
	slog.Info("Using SQL storage", "driver", driver)
	return sqldb.NewStore(db), db, nil
}

// applyCompletion folds a worker completion into job state and wakes the
// scheduler, since the chunk's capacity is free again.
func (h *Harvester) applyCompletion(ctx context.Context, c domain.Completion) error {
	out, err := h.orch.OnChunkComplete(ctx, c)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidCompletion), errors.Is(err, storage.ErrNotFound):
		h.log.Warn("Dropping completion", "job", c.JobID, "chunk", c.ChunkID, "error", err)
		return nil
	case err != nil:
		return err
	}
	if out.Transition != orchestrator.TransitionIgnored {
		h.sched.Kick()
	}
	return nil
}

func (h *Harvester) dropIndex(ctx context.Context, job *domain.Job) {
	if err := h.indexes.Drop(ctx, job.ID); err != nil {
		h.log.Warn("Failed to release dedup index", "job", job.ID, "error", err)
	}
}

func (h *Harvester) healthChecks() *api.Health {
	checks := []api.Check{{Name: "store", Critical: true, Ping: h.store.Health}}
	if h.redis != nil {
		checks = append(checks, api.Check{
			Name:     "redis",
			Critical: h.asynq != nil,
			Ping:    h.redis.Health,
		})
	}
	return api.NewHealth(h.monitor, checks...)
}

// Start launches the role's loops. It returns immediately.
func (h *Harvester) Start(ctx context.Context) error {
	if h.db != nil {
		h.db.StartMetricsCollector(ctx)
	}

	if h.role == RoleServe {
		h.goRun("api", func() error {
			if err := h.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		h.goRun("scheduler", func() error {
			h.sched.Start(ctx)
			return nil
		})
		h.goRun("pruner", func() error {
			h.pruner.Start(ctx)
			return nil
		})
		if h.asynq != nil {
			h.goRun("completions", func() error {
				return h.asynq.ServeCompletions(ctx, h.applyCompletion)
			})
		}
	}

	switch {
	case h.local != nil:
		h.local.Start(ctx, h.worker.Handle)
	case h.role == RoleWorker:
		h.goRun("chunks", func() error {
			return h.asynq.ServeChunks(ctx, h.worker.Handle)
		})
	}
	return nil
}

func (h *Harvester) goRun(name string, fn func() error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := fn(); err != nil {
			h.log.Error("Loop failed", "loop", name, "error", err)
		}
	}()
}

// Stop shuts the API down, drains local workers and releases connections.
// Loops bound to the Start context end when that context is cancelled.
func (h *Harvester) Stop(ctx context.Context) error {
	h.log.Info("Stopping harvester...")

	var err error
	if h.server != nil {
		err = h.server.Stop(ctx)
	}
	if h.local != nil {
		h.local.Stop()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.log.Warn("Timed out waiting for loops to stop")
	}

	h.close()
	return err
}

func (h *Harvester) close() {
	if h.asynq != nil {
		if err := h.asynq.Close(); err != nil {
			h.log.Warn("Failed to close queue", "error", err)
		}
	}
	if c, ok := h.quality.(io.Closer); ok {
		c.Close()
	}
	if h.redis != nil {
		if err := h.redis.Close(); err != nil {
			h.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			h.log.Warn("Failed to close store", "error", err)
		}
	}
}

// Orchestrator exposes the orchestrator for in-process callers.
func (h *Harvester) Orchestrator() *orchestrator.Orchestrator {
	return h.orch
}
