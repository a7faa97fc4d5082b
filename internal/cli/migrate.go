package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/harvester/internal/control"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	store, _, err := control.OpenStore(context.Background(), cfg.Database)
	if err != nil {
		slog.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}
	_ = store.Close()

	fmt.Println("Database is up to date")
}
