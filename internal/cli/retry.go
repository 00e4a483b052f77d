package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job_id>",
		Short: "Re-drive the failed tiles of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := api.RetryJob(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("retry job: %w", err)
			}

			if n == 0 {
				fmt.Println("No failed tiles to retry.")
				return nil
			}
			fmt.Printf("Retrying %d failed tiles.\n", n)
			return nil
		},
	}
}
