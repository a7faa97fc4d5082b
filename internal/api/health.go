package api

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/harvester/internal/orchestration/capacity"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Check pings one dependency. A failing critical check makes the whole
// system critical; any other failure degrades it.
type Check struct {
	Name     string
	Critical bool
	Ping     func(ctx context.Context) error
}

// ComponentHealth is the result of one check.
type ComponentHealth struct {
	Status  SystemStatus `json:"status"`
	Error   string       `json:"error,omitempty"`
	Latency string       `json:"latency"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Components   map[string]ComponentHealth `json:"components"`
	Capacity     *capacity.Usage            `json:"capacity,omitempty"`
}

// CapacityReader exposes capacity usage for reporting.
type CapacityReader interface {
	Snapshot(ctx context.Context) (capacity.Usage, error)
}

// Health runs passive checks on demand. It reports only and never feeds
// admission decisions.
type Health struct {
	checks   []Check
	capacity CapacityReader
	timeout  time.Duration
}

// NewHealth creates a health monitor. capacity may be nil.
func NewHealth(capacity CapacityReader, checks ...Check) *Health {
	return &Health{checks: checks, capacity: capacity, timeout: 3 * time.Second}
}

// CheckHealth runs every check concurrently.
func (h *Health) CheckHealth(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(h.checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := c.Ping(ctx)
			ch := ComponentHealth{Status: StatusHealthy, Latency: time.Since(start).String()}
			if err != nil {
				ch.Status = StatusDegraded
				if c.Critical {
					ch.Status = StatusCritical
				}
				ch.Error = err.Error()
			}
			mu.Lock()
			report.Components[c.Name] = ch
			report.SystemStatus = worst(report.SystemStatus, ch.Status)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if h.capacity != nil {
		u, err := h.capacity.Snapshot(ctx)
		ch := ComponentHealth{Status: StatusHealthy}
		switch {
		case err != nil:
			ch.Status, ch.Error = StatusDegraded, err.Error()
		case u.UnitsMax > 0 && u.UnitsInUse >= u.UnitsMax:
			ch.Status, ch.Error = StatusDegraded, "saturated"
			report.Capacity = &u
		default:
			report.Capacity = &u
		}
		report.Components["capacity"] = ch
		report.SystemStatus = worst(report.SystemStatus, ch.Status)
	}
	return report
}

func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
