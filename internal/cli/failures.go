package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFailuresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failures <job_id>",
		Short: "List the failed tiles of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fails, err := api.Failures(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("list failures: %w", err)
			}

			if len(fails) == 0 {
				fmt.Println("No failures.")
				return nil
			}

			fmt.Printf("%-30s  %s\n", "TILE", "ERROR")
			fmt.Printf("%-30s  %s\n", "----", "-----")
			for _, f := range fails {
				fmt.Printf("%-30s  %s\n", f.Key, f.Error)
			}
			fmt.Printf("\n%d failed tiles. Run 'tileflow retry <job_id>' to re-drive them.\n", len(fails))
			return nil
		},
	}
}
