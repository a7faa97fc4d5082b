package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vietddude/harvester/internal/core/domain"
)

var (
	statusFilter string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Show recent jobs, or one job's progress and chunks",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only list jobs in this status")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of jobs to list")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := newAPIClient(apiURL)
	if len(args) == 1 {
		return showJob(cmd.Context(), client, args[0])
	}

	q := url.Values{"limit": {strconv.Itoa(statusLimit)}}
	if statusFilter != "" {
		q.Set("status", statusFilter)
	}
	var jobs []domain.Job
	if err := client.do(cmd.Context(), "GET", "/jobs?"+q.Encode(), nil, &jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Job", "Status", "Strategy", "Images", "Chunks", "Active", "Created"})
	table.SetBorder(true)
	for _, j := range jobs {
		table.Append([]string{
			j.ID,
			colorStatus(string(j.Status)),
			string(j.ValidationStrategy),
			fmt.Sprintf("%d/%d", j.ValidImages, j.MaxImages),
			fmt.Sprintf("%d/%d", j.CompletedChunks+j.FailedChunks+j.CancelledChunks, j.TotalChunks),
			strconv.Itoa(j.ActiveChunks),
			time.Unix(j.CreatedAt, 0).Format(time.RFC3339),
		})
	}
	table.Render()
	return nil
}

func showJob(ctx context.Context, client *apiClient, id string) error {
	var p domain.Progress
	if err := client.do(ctx, "GET", "/jobs/"+id, nil, &p); err != nil {
		return err
	}
	var chunks []domain.Chunk
	if err := client.do(ctx, "GET", "/jobs/"+id+"/chunks", nil, &chunks); err != nil {
		return err
	}

	fmt.Printf("Job %s  %s  %d%%\n", p.JobID, colorStatus(string(p.Status)), p.Progress)
	fmt.Printf("Images: %d valid / %d downloaded\n", p.ValidImages, p.DownloadedImages)
	fmt.Printf("Chunks: %d total, %d active, %d completed, %d failed, %d cancelled\n\n",
		p.TotalChunks, p.ActiveChunks, p.CompletedChunks, p.FailedChunks, p.CancelledChunks)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Status", "Range", "Retries", "Last Error"})
	for _, c := range chunks {
		table.Append([]string{
			strconv.Itoa(c.Index),
			colorStatus(string(c.Status)),
			fmt.Sprintf("[%d,%d)", c.Range.Start, c.Range.End),
			strconv.Itoa(c.RetryCount),
			c.LastError,
		})
	}
	table.Render()
	return nil
}

func colorStatus(s string) string {
	switch s {
	case "completed":
		return color.GreenString(s)
	case "completed_with_errors", "cancelled":
		return color.YellowString(s)
	case "failed":
		return color.RedString(s)
	case "processing", "running":
		return color.CyanString(s)
	default:
		return s
	}
}
