package config

import (
	"errors"
	"fmt"

	"github.com/vietddude/harvester/internal/core/domain"
)

// Validate checks ranges and cross-section requirements.
func (c *AppConfig) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Queue.Backend == "local" || c.Queue.Backend == "asynq", "queue.backend must be local or asynq, got %q", c.Queue.Backend)
	check(c.Queue.Concurrency > 0, "queue.concurrency must be positive")
	check(c.Queue.Redeliveries >= 0, "queue.redeliveries must not be negative")

	o := c.Orchestrator
	check(o.ChunkSizeImages > 0, "orchestrator.chunk_size_images must be positive")
	check(o.MaxChunkRetries >= 0, "orchestrator.max_chunk_retries must not be negative")
	check(o.FailureTolerance >= 0 && o.FailureTolerance <= 1, "orchestrator.failure_tolerance must be within [0,1]")
	check(o.DefaultPriority >= domain.MinPriority && o.DefaultPriority <= domain.MaxPriority,
		"orchestrator.default_priority must be within [%d,%d]", domain.MinPriority, domain.MaxPriority)
	check(o.MaxImagesPerJob >= 0, "orchestrator.max_images_per_job must not be negative")
	check(o.DispatchInterval > 0, "orchestrator.dispatch_interval must be positive")
	check(o.JobRetention >= 0, "orchestrator.job_retention must not be negative")

	cp := c.Capacity
	check(cp.MaxConcurrentChunks > 0, "capacity.max_concurrent_chunks must be positive")
	check(cp.MaxTempStorageBytes >= 0, "capacity.max_temp_storage_bytes must not be negative")
	for s, w := range cp.StrategyWeights {
		check(s.Valid(), "capacity.strategy_weights: unknown strategy %q", s)
		check(w > 0 && w <= cp.MaxConcurrentChunks,
			"capacity.strategy_weights.%s must be within [1,%d] or no chunk of it can ever run", s, cp.MaxConcurrentChunks)
	}

	w := c.Worker
	check(w.DownloadConcurrency > 0, "worker.download_concurrency must be positive")
	check(w.ExhaustionThreshold > 0 && w.ExhaustionThreshold <= 1, "worker.exhaustion_threshold must be within (0,1]")
	check(w.Overfetch >= 0, "worker.overfetch must not be negative")
	check(w.OperationRetry.MaxAttempts > 0, "worker.operation_retry.max_attempts must be positive")

	check(c.Dedup.Backend == "memory" || c.Dedup.Backend == "redis", "dedup.backend must be memory or redis, got %q", c.Dedup.Backend)
	check(c.Queue.Backend != "asynq" || c.Dedup.Backend == "redis", "queue.backend asynq requires dedup.backend redis")
	check(!c.UsesRedis() || c.Redis.URL != "", "redis.url is required by the configured queue, dedup or dispatch lock")

	seen := make(map[string]bool)
	for i, s := range c.Discovery.Sources {
		check(s.Name != "", "discovery.sources[%d].name is required", i)
		check(!seen[s.Name], "discovery.sources[%d]: duplicate name %q", i, s.Name)
		seen[s.Name] = true
	}

	return errors.Join(errs...)
}
