// Command tileflow is the command-line client for a tileflowd daemon.
package main

import (
	"os"

	"github.com/me/tileflow/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
