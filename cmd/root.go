// Package cmd defines the CLI commands for the reportd executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reportd",
		Short: "Real-time report progress service",
		Long: `reportd receives report sections from the workflow engine, tracks
per-submission progress, and streams updates to waiting browsers over
Server-Sent Events.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; environment variables use the REPORTD_ prefix)")
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
