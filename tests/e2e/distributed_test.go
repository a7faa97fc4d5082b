package e2e

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/vietddude/harvester/internal/control"
	"github.com/vietddude/harvester/internal/core/config"
	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/orchestration/orchestrator"
)

func urlWithDatabase(raw, dbName string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

// TestDistributed_Live runs a serving process and a separate worker process
// against Postgres and Redis, the way a production deployment does.
func TestDistributed_Live(t *testing.T) {
	pgURL, redisURL := os.Getenv("E2E_POSTGRES"), os.Getenv("E2E_REDIS")
	if pgURL == "" || redisURL == "" {
		t.Skip("Skipping distributed E2E test. Set E2E_POSTGRES and E2E_REDIS to run.")
	}

	dbURL := setupTestDB(t, pgURL, "harvester_e2e")
	src := imageServer(t)

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  port: 18090
database:
  url: %s
redis:
  url: %s
queue:
  backend: asynq
  concurrency: 2
dedup:
  backend: redis
  ttl: 1h
orchestrator:
  chunk_size_images: 4
  dispatch_interval: 100ms
  dispatch_lock: true
capacity:
  max_concurrent_chunks: 2
storage:
  base_path: %s
discovery:
  sources:
    - name: api
      type: searchapi
      endpoint: %s/search
`, dbURL, redisURL, t.TempDir(), src.URL)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	serve, err := control.NewHarvester(ctx, cfg, control.RoleServe)
	if err != nil {
		t.Fatalf("Failed to create serving harvester: %v", err)
	}
	workers, err := control.NewHarvester(ctx, cfg, control.RoleWorker)
	if err != nil {
		t.Fatalf("Failed to create worker harvester: %v", err)
	}
	for _, h := range []*control.Harvester{serve, workers} {
		if err := h.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	defer func() {
		cancel()
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = workers.Stop(stopCtx)
		_ = serve.Stop(stopCtx)
	}()

	job, chunks, err := serve.Orchestrator().PlanJob(ctx, orchestrator.Submission{
		Keywords:           []string{"noise", "static"},
		MaxImages:          14,
		ValidationStrategy: domain.StrategyMedium,
	})
	if err != nil {
		t.Fatalf("PlanJob: %v", err)
	}
	if len(chunks) != 4 {
		t.Fatalf("planned %d chunks, want 4", len(chunks))
	}

	var p domain.Progress
	for !p.Status.IsTerminal() {
		select {
		case <-ctx.Done():
			t.Fatalf("Timed out waiting for job, last progress %+v", p)
		case <-time.After(200 * time.Millisecond):
		}
		p, err = serve.Orchestrator().Progress(ctx, job.ID)
		if err != nil {
			t.Fatalf("Progress: %v", err)
		}
		t.Logf("Waiting... %s %d%% (%d/%d chunks)", p.Status, p.Progress, p.CompletedChunks, p.TotalChunks)
	}

	if p.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, progress %+v", p.Status, p)
	}
	if p.ValidImages != 14 || p.ActiveChunks != 0 {
		t.Errorf("progress = %+v", p)
	}
}
