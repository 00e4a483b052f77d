package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List seeding jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := api.Jobs(cmd.Context())
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			fmt.Printf("%-26s  %-10s  %-12s  %-15s  %s\n", "ID", "STATE", "SOURCE", "PROGRESS", "CREATED")
			fmt.Printf("%-26s  %-10s  %-12s  %-15s  %s\n", "----", "-----", "------", "--------", "-------")
			for _, j := range jobs {
				settled := j.TilesLoaded + j.TilesEmpty + j.TilesFailed
				progress := fmt.Sprintf("%d/%d", settled, j.TilesTotal)
				fmt.Printf("%-26s  %-10s  %-12s  %-15s  %s\n",
					j.ID, j.State, j.Source, progress, j.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
