package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show a planner-wide snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := api.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}

			fmt.Printf("Jobs:  %d total (%d active, %d completed, %d canceled)\n",
				s.JobsTotal, s.JobsActive, s.JobsCompleted, s.JobsCanceled)
			fmt.Printf("Tiles: %d queued, %d loading\n", s.TilesQueued, s.TilesLoading)
			fmt.Printf("       %d loaded, %d empty, %d failed\n", s.TilesLoaded, s.TilesEmpty, s.TilesFailed)
			if s.Cache != nil {
				fmt.Printf("Cache: %d entries (%d empty), %d bytes\n", s.Cache.Entries, s.Cache.Empties, s.Cache.Bytes)
			}
			return nil
		},
	}
}
