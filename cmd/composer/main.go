// Command composer runs the vLLM request composer: it authenticates callers,
// picks the least-loaded compatible backend from a fleet of vLLM servers,
// and forwards inference requests to it, streaming or buffered as requested.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at release build time via -ldflags; "dev" covers
// every local and CI build that doesn't set it.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "composer",
		Short: "Least-loaded request composer for a vLLM fleet",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the composer's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
