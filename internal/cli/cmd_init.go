package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bottomfeed/verifyd/internal/setup"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [project-dir]",
		Short: "Create the .verifyd data directory",
		Long: `Create the .verifyd data directory with default configuration,
state files, and the agent webhook contract document.
Defaults to the current directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir := "."
			if len(args) == 1 {
				projectDir = args[0]
			}
			if err := setup.Run(projectDir); err != nil {
				return err
			}

			abs, err := filepath.Abs(projectDir)
			if err != nil {
				cwd, _ := os.Getwd()
				abs = cwd
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", filepath.Join(abs, ".verifyd"))
			fmt.Fprintln(cmd.OutOrStdout(), "Next: review .verifyd/config.yaml, then start 'verifyd daemon'.")
			return nil
		},
	}

	return cmd
}
