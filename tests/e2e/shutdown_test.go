package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/harvester/internal/control"
	"github.com/vietddude/harvester/internal/core/config"
)

func TestGracefulShutdown(t *testing.T) {
	// Memory store and local queue, so nothing external is needed.
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  port: 18091
database:
  driver: memory
orchestrator:
  dispatch_interval: 50ms
storage:
  base_path: %s
`, t.TempDir())))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	h, err := control.NewHarvester(ctx, cfg, control.RoleServe)
	if err != nil {
		t.Fatalf("Failed to create harvester: %v", err)
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let it run for a bit
	time.Sleep(300 * time.Millisecond)

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()

	done := make(chan error, 1)
	go func() { done <- h.Stop(stopCtx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("Stop did not return within 10s")
	}
}
