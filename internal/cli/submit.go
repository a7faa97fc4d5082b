package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/orchestration/orchestrator"
)

var (
	submitKeywords []string
	submitMax      int
	submitStrategy string
	submitSources  []string
	submitPriority int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a collection job",
	Example: `  harvester submit -k "red fox" -k "arctic fox" -n 2000 --strategy medium`,
	RunE: runSubmit,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a job's pending chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	submitCmd.Flags().StringArrayVarP(&submitKeywords, "keyword", "k", nil, "keyword to collect images for (repeatable)")
	submitCmd.Flags().IntVarP(&submitMax, "max-images", "n", 0, "number of images to collect")
	submitCmd.Flags().StringVar(&submitStrategy, "strategy", string(domain.StrategyFast), "validation strategy: fast, medium or slow")
	submitCmd.Flags().StringSliceVar(&submitSources, "source", nil, "discovery sources to use (default all)")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "chunk priority 1-10 (default from config)")
	_ = submitCmd.MarkFlagRequired("keyword")
	_ = submitCmd.MarkFlagRequired("max-images")

	rootCmd.AddCommand(submitCmd, cancelCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req := orchestrator.Submission{
		Keywords:           submitKeywords,
		MaxImages:          submitMax,
		ValidationStrategy: domain.ValidationStrategy(submitStrategy),
		Sources:            submitSources,
	}
	if cmd.Flags().Changed("priority") {
		req.Priority = &submitPriority
	}

	var resp struct {
		JobID       string `json:"job_id"`
		TotalChunks int    `json:"total_chunks"`
	}
	if err := newAPIClient(apiURL).do(context.Background(), "POST", "/jobs", req, &resp); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "%s job %s (%d chunks)\n", color.GreenString("Submitted"), resp.JobID, resp.TotalChunks)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	var p domain.Progress
	if err := newAPIClient(apiURL).do(context.Background(), "POST", "/jobs/"+args[0]+"/cancel", nil, &p); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s job %s: %d chunks cancelled, %d still active\n",
		color.YellowString("Cancelled"), p.JobID, p.CancelledChunks, p.ActiveChunks)
	return nil
}
