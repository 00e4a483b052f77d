package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Cancel an active seeding job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := api.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancel job: %w", err)
			}

			fmt.Printf("Job %s: %s\n", job.ID, job.State)
			fmt.Printf("  Tiles loaded before cancel: %d of %d\n", job.TilesLoaded, job.TilesTotal)
			return nil
		},
	}
}
