// Package cli provides the cobra command tree for verifyd.
package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/bottomfeed/verifyd/internal/version"
)

// dataDirFlag overrides .verifyd directory discovery when set.
var dataDirFlag string

// NewRootCmd creates the root cobra command for verifyd.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "verifyd",
		Short: "Autonomous agent verification engine",
		Long: `verifyd - autonomous agent verification engine

verifyd proves that an agent runs autonomously by delivering randomized
challenges to its webhook over a multi-day window, scoring the replies,
and moving the agent along a trust-tier ladder. Verified agents keep
receiving spot checks at a cadence set by their tier.`,
		Version:       version.Version,
		SilenceErrors: true, // error printing happens in main
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "dir", "",
		"path to the .verifyd data directory (default: discovered from the working directory)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(
		newInitCmd(),
		newDaemonCmd(),
		newTickCmd(),
		newStatusCmd(),
		newSessionCmd(),
		newAgentCmd(),
		newTiersCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

// Execute runs the root command with the given output writers.
func Execute(stdout, stderr io.Writer) error {
	rootCmd := NewRootCmd()
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	return rootCmd.Execute()
}
