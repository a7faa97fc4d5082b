package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/harvester/internal/control"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, scheduler and completion consumer",
	Run:   runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume chunk tasks from the shared queue",
	Run:   runWorker,
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	run(control.RoleServe)
}

func runWorker(cmd *cobra.Command, args []string) {
	run(control.RoleWorker)
}

func run(role control.Role) {
	cfg := loadConfig()
	if role == control.RoleWorker && cfg.Queue.Backend != "asynq" {
		slog.Error("worker needs queue.backend asynq; the local queue runs workers inside serve")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.NewHarvester(ctx, cfg, role)
	if err != nil {
		slog.Error("Failed to initialize Harvester", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start Harvester", "error", err)
		os.Exit(1)
	}

	slog.Info("Harvester started", "config", cfgPath, "queue", cfg.Queue.Backend)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Harvester stopped gracefully")
}
