// Package cli implements the tileflow command-line client. Every
// subcommand talks to a running daemon through the pkg/client SDK.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/me/tileflow/pkg/client"
)

var (
	flagServer string
	flagAPIKey string

	api *client.Client
)

// defaultServer returns the default server URL, checking the
// TILEFLOW_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("TILEFLOW_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8400"
}

// NewRootCmd creates the root cobra command for the tileflow CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tileflow",
		Short: "tileflow — map tile seeding daemon client",
		Long:  "tileflow creates, monitors, and manages tile seeding jobs on a tileflowd daemon.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			var opts []client.ClientOption
			if flagAPIKey != "" {
				opts = append(opts, client.WithAPIKey(flagAPIKey))
			}
			api = client.New(flagServer, opts...)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "tileflowd URL (or TILEFLOW_SERVER env)")
	root.PersistentFlags().StringVar(&flagAPIKey, "api-key", os.Getenv("TILEFLOW_API_KEY"), "API key (or TILEFLOW_API_KEY env)")

	root.AddCommand(
		newSeedCmd(),
		newStatusCmd(),
		newListCmd(),
		newCancelCmd(),
		newRetryCmd(),
		newFailuresCmd(),
		newSourcesCmd(),
		newStatsCmd(),
	)

	return root
}
