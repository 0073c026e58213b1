// Command grovefleet is the cobra-driven CLI client for grovefleetd,
// talking to the daemon's reference HTTP transport.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var daemonAddr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "grovefleet",
		Short: "Manage a fleet of cloned repositories and worktrees",
		Long:  `grovefleet is the CLI client for grovefleetd, a local git bare+worktrees fleet manager.`,
	}

	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "http://127.0.0.1:7890", "grovefleetd HTTP address")

	rootCmd.AddCommand(
		newCloneCmd(),
		newWorktreeCmd(),
		newRepoCmd(),
		newRefreshCmd(),
		newStatusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
