package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the tile sources configured on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := api.Sources(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sources: %w", err)
			}

			if len(sources) == 0 {
				fmt.Println("No sources configured.")
				return nil
			}

			fmt.Printf("%-20s  %s\n", "ID", "ZOOMS")
			fmt.Printf("%-20s  %s\n", "--", "-----")
			for _, s := range sources {
				fmt.Printf("%-20s  %d-%d\n", s.ID, s.MinZoom, s.MaxZoom)
			}
			return nil
		},
	}
}
