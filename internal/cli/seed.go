package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/tileflow/pkg/client"
)

func newSeedCmd() *cobra.Command {
	var (
		flagSource   string
		flagBBox     string
		flagMinZoom  uint32
		flagMaxZoom  uint32
		flagCallback string
		flagWait     bool
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a seeding job",
		Long:  "Seed the tile cache for a bounding box across a zoom range.",
		RunE: func(cmd *cobra.Command, args []string) error {
			box, err := parseBBox(flagBBox)
			if err != nil {
				return err
			}

			job, err := api.CreateJob(cmd.Context(), client.JobSpec{
				Source:      flagSource,
				BBox:        box,
				MinZoom:     flagMinZoom,
				MaxZoom:     flagMaxZoom,
				CallbackURL: flagCallback,
			})
			if err != nil {
				return fmt.Errorf("create job: %w", err)
			}

			fmt.Printf("Job created: %s\n", job.ID)
			fmt.Printf("  Source: %s\n", job.Source)
			fmt.Printf("  Zooms:  %d-%d\n", job.MinZoom, job.MaxZoom)
			fmt.Printf("  Tiles:  %d\n", job.TilesTotal)

			if !flagWait {
				return nil
			}

			fmt.Println("Waiting for the job to settle...")
			final, err := api.WaitJob(cmd.Context(), job.ID, time.Second)
			if err != nil {
				return fmt.Errorf("wait for job: %w", err)
			}
			printJob(final)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagSource, "source", "", "Tile source ID (required)")
	cmd.Flags().StringVar(&flagBBox, "bbox", "", "Bounding box as min_lon,min_lat,max_lon,max_lat (required)")
	cmd.Flags().Uint32Var(&flagMinZoom, "min-zoom", 0, "Lowest zoom level to seed")
	cmd.Flags().Uint32Var(&flagMaxZoom, "max-zoom", 0, "Highest zoom level to seed")
	cmd.Flags().StringVar(&flagCallback, "callback", "", "Webhook URL notified when the job finishes")
	cmd.Flags().BoolVar(&flagWait, "wait", false, "Block until the job settles")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("bbox")

	return cmd
}

// parseBBox parses "min_lon,min_lat,max_lon,max_lat".
func parseBBox(s string) (client.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return client.BBox{}, fmt.Errorf("bbox must have four components: min_lon,min_lat,max_lon,max_lat")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return client.BBox{}, fmt.Errorf("bbox component %q is not a number", p)
		}
		vals[i] = v
	}
	return client.BBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}, nil
}
