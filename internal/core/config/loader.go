package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/harvester/internal/core/retry"
	"github.com/vietddude/harvester/internal/orchestration/dedup"
	"github.com/vietddude/harvester/internal/orchestration/validation"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, expanding ${ENV} references, and applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.URL == "" {
		c.Database.URL = "sqlite://harvester.db"
	}

	q := &c.Queue
	if q.Backend == "" {
		q.Backend = "local"
	}
	if q.Concurrency == 0 {
		q.Concurrency = 4
	}
	if q.ChunkTimeout == 0 {
		q.ChunkTimeout = 30 * time.Minute
	}
	if q.Redeliveries == 0 {
		q.Redeliveries = 3
	}

	o := &c.Orchestrator
	if o.ChunkSizeImages == 0 {
		o.ChunkSizeImages = 500
	}
	if o.MaxChunkRetries == 0 {
		o.MaxChunkRetries = 3
	}
	if o.DefaultPriority == 0 {
		o.DefaultPriority = 5
	}
	if o.DispatchInterval == 0 {
		o.DispatchInterval = 2 * time.Second
	}
	if o.ReapEvery == 0 {
		o.ReapEvery = 30
	}
	if o.StaleAfter == 0 {
		o.StaleAfter = q.ChunkTimeout * time.Duration(q.Redeliveries+1)
	}
	if o.LockTTL == 0 {
		o.LockTTL = 10 * time.Second
	}

	cp := &c.Capacity
	if cp.MaxConcurrentChunks == 0 {
		cp.MaxConcurrentChunks = 10
	}
	if cp.AvgImageSizeBytes == 0 {
		cp.AvgImageSizeBytes = 512 << 10
	}
	if cp.StrategyWeights == nil {
		cp.StrategyWeights = validation.DefaultWeights
	}
	cp.ChunkSizeImages = o.ChunkSizeImages

	w := &c.Worker
	if w.DownloadConcurrency == 0 {
		w.DownloadConcurrency = 8
	}
	if w.ExhaustionThreshold == 0 {
		w.ExhaustionThreshold = 0.5
	}
	if w.Overfetch == 0 {
		w.Overfetch = 0.5
	}
	if w.HTTPTimeout == 0 {
		w.HTTPTimeout = 30 * time.Second
	}
	if w.MaxImageBytes == 0 {
		w.MaxImageBytes = 20 << 20
	}
	if w.OperationRetry.MaxAttempts == 0 {
		w.OperationRetry = retry.DefaultPolicy
	}
	w.Tier = c.Storage.Tier

	if c.Dedup.Backend == "" {
		c.Dedup.Backend = "memory"
	}
	if c.Dedup.TTL == 0 {
		c.Dedup.TTL = 7 * 24 * time.Hour
	}
	if c.Validation.PHashThreshold == 0 {
		c.Validation.PHashThreshold = dedup.DefaultThreshold
	}
	if c.Storage.BasePath == "" {
		c.Storage.BasePath = "./data/images"
	}
}
