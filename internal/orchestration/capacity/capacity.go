package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/orchestration/metrics"
)

// Config bounds how much chunk work may be in flight at once.
type Config struct {
	// MaxConcurrentChunks is the budget in weighted units; a fast chunk
	// costs its strategy weight (1 by default).
	MaxConcurrentChunks int `yaml:"max_concurrent_chunks"`
	// MaxTempStorageBytes bounds the in-flight storage estimate. 0 disables it.
	MaxTempStorageBytes int64                             `yaml:"max_temp_storage_bytes"`
	AvgImageSizeBytes   int64                             `yaml:"avg_image_size_bytes"`
	StrategyWeights     map[domain.ValidationStrategy]int `yaml:"strategy_weights"`

	// ChunkSizeImages is copied from the orchestrator section.
	ChunkSizeImages int `yaml:"-"`
}

// Ledger is the durable view the monitor aggregates.
type Ledger interface {
	ProcessingByStrategy(ctx context.Context) (map[domain.ValidationStrategy]int, error)
}

// Usage is a point-in-time capacity reading.
type Usage struct {
	Processing       map[domain.ValidationStrategy]int `json:"processing"`
	ProcessingChunks int                               `json:"processing_chunks"`
	UnitsInUse       int                               `json:"units_in_use"`
	UnitsMax         int                               `json:"units_max"`
	StorageInUse     int64                             `json:"storage_in_use_bytes"`
	StorageMax       int64                             `json:"storage_max_bytes"`
}

// Monitor answers admission questions from the ledger. It holds no state and
// takes no locks; reservations happen in the dispatch transaction.
type Monitor struct {
	cfg    Config
	ledger Ledger
	log    *slog.Logger
}

// NewMonitor creates a capacity monitor.
func NewMonitor(cfg Config, ledger Ledger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		ledger: ledger,
		log:    slog.Default().With("component", "capacity"),
	}
}

// Weight returns the admission cost of one chunk of the given strategy.
func (m *Monitor) Weight(strategy domain.ValidationStrategy) int {
	if w, ok := m.cfg.StrategyWeights[strategy]; ok && w > 0 {
		return w
	}
	return 1
}

func (m *Monitor) chunkStorage() int64 {
	return int64(m.cfg.ChunkSizeImages) * m.cfg.AvgImageSizeBytes
}

// Snapshot reads the current usage.
func (m *Monitor) Snapshot(ctx context.Context) (Usage, error) {
	processing, err := m.ledger.ProcessingByStrategy(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read capacity ledger: %w", err)
	}
	u := Usage{
		Processing: processing,
		UnitsMax:   m.cfg.MaxConcurrentChunks,
		StorageMax: m.cfg.MaxTempStorageBytes,
	}
	for strategy, n := range processing {
		u.ProcessingChunks += n
		u.UnitsInUse += n * m.Weight(strategy)
	}
	for _, strategy := range domain.Strategies {
		metrics.ProcessingChunks.WithLabelValues(string(strategy)).Set(float64(processing[strategy]))
	}
	u.StorageInUse = int64(u.ProcessingChunks) * m.chunkStorage()

	metrics.CapacityUnitsInUse.Set(float64(u.UnitsInUse))
	metrics.CapacityStorageInUse.Set(float64(u.StorageInUse))
	return u, nil
}

// CanAdmit reports whether requested more chunks of strategy fit right now.
func (m *Monitor) CanAdmit(ctx context.Context, requested int, strategy domain.ValidationStrategy) (bool, error) {
	if requested <= 0 {
		return true, nil
	}
	u, err := m.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	return m.fits(u, requested, strategy), nil
}

func (m *Monitor) fits(u Usage, requested int, strategy domain.ValidationStrategy) bool {
	if u.UnitsInUse+requested*m.Weight(strategy) > m.cfg.MaxConcurrentChunks {
		return false
	}
	if m.cfg.MaxTempStorageBytes > 0 &&
		u.StorageInUse+int64(requested)*m.chunkStorage() > m.cfg.MaxTempStorageBytes {
		return false
	}
	return true
}

// Headroom returns the largest n for which CanAdmit(n, strategy) holds.
func (m *Monitor) Headroom(ctx context.Context, strategy domain.ValidationStrategy) (int, error) {
	u, err := m.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	n := m.headroom(u, strategy)
	m.log.Debug("Capacity headroom",
		"strategy", strategy,
		"units_in_use", u.UnitsInUse,
		"units_max", u.UnitsMax,
		"headroom", n,
	)
	return n, nil
}

func (m *Monitor) headroom(u Usage, strategy domain.ValidationStrategy) int {
	free := m.cfg.MaxConcurrentChunks - u.UnitsInUse
	if free <= 0 {
		return 0
	}
	n := free / m.Weight(strategy)

	if m.cfg.MaxTempStorageBytes > 0 {
		per := m.chunkStorage()
		left := m.cfg.MaxTempStorageBytes - u.StorageInUse
		if left <= 0 {
			return 0
		}
		if per > 0 {
			n = min(n, int(min(left/per, int64(math.MaxInt32))))
		}
	}
	return max(n, 0)
}
