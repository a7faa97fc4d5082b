package config

import (
	"time"

	"github.com/vietddude/harvester/internal/infra/blob"
	"github.com/vietddude/harvester/internal/infra/discovery"
	"github.com/vietddude/harvester/internal/infra/quality"
	redisclient "github.com/vietddude/harvester/internal/infra/redis"
	"github.com/vietddude/harvester/internal/infra/storage/sqldb"
	"github.com/vietddude/harvester/internal/orchestration/capacity"
	"github.com/vietddude/harvester/internal/orchestration/orchestrator"
	"github.com/vietddude/harvester/internal/orchestration/validation"
	"github.com/vietddude/harvester/internal/orchestration/worker"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig        `yaml:"server"`
	Logging      LoggingConfig       `yaml:"logging"`
	Database     sqldb.Config        `yaml:"database"`
	Redis        redisclient.Config  `yaml:"redis"`
	Queue        QueueConfig         `yaml:"queue"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Capacity     capacity.Config     `yaml:"capacity"`
	Worker       worker.Config       `yaml:"worker"`
	Validation   validation.Config   `yaml:"validation"`
	Dedup        DedupConfig         `yaml:"dedup"`
	Storage      blob.Config         `yaml:"storage"`
	Quality      quality.Config      `yaml:"quality"`
	Discovery    DiscoveryConfig     `yaml:"discovery"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// QueueConfig selects the chunk transport.
type QueueConfig struct {
	Backend      string        `yaml:"backend"` // local, asynq
	Concurrency  int           `yaml:"concurrency"`
	Buffer       int           `yaml:"buffer"`
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`
	Redeliveries int           `yaml:"redeliveries"`
	Retention    time.Duration `yaml:"retention"`
}

// DedupConfig selects where per-job dedup indexes live.
type DedupConfig struct {
	Backend string        `yaml:"backend"` // memory, redis
	TTL     time.Duration `yaml:"ttl"`
}

// DiscoveryConfig lists the URL sources jobs may name.
type DiscoveryConfig struct {
	Sources []discovery.SourceConfig `yaml:"sources"`
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *AppConfig) UsesRedis() bool {
	return c.Queue.Backend == "asynq" || c.Dedup.Backend == "redis" || c.Orchestrator.DispatchLock
}
