package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/tileflow/pkg/client"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Check the status of a seeding job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := api.GetJob(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			printJob(job)
			return nil
		},
	}
}

// printJob renders one job snapshot in the multi-line detail format
// shared by status and seed --wait.
func printJob(j *client.Job) {
	fmt.Printf("Job: %s\n", j.ID)
	fmt.Printf("  Source:  %s\n", j.Source)
	fmt.Printf("  State:   %s\n", j.State)
	fmt.Printf("  Area:    %.4f,%.4f,%.4f,%.4f\n", j.BBox.MinLon, j.BBox.MinLat, j.BBox.MaxLon, j.BBox.MaxLat)
	fmt.Printf("  Zooms:   %d-%d\n", j.MinZoom, j.MaxZoom)
	fmt.Printf("  Tiles:   %d total", j.TilesTotal)
	if j.TilesLoaded > 0 {
		fmt.Printf(", %d loaded", j.TilesLoaded)
	}
	if j.TilesEmpty > 0 {
		fmt.Printf(", %d empty", j.TilesEmpty)
	}
	if j.TilesFailed > 0 {
		fmt.Printf(", %d failed", j.TilesFailed)
	}
	fmt.Println()
	fmt.Printf("  Created: %s\n", j.CreatedAt.Format(time.RFC3339))
	if !j.FinishedAt.IsZero() {
		fmt.Printf("  Finished: %s\n", j.FinishedAt.Format(time.RFC3339))
	}
	if j.TilesFailed > 0 {
		fmt.Printf("Run 'tileflow failures %s' to list failed tiles.\n", j.ID)
	}
}
