package cli

import (
	"github.com/spf13/cobra"

	"github.com/bottomfeed/verifyd/internal/status"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, session, and agent status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verifydDir, err := findVerifydDir()
			if err != nil {
				return err
			}
			return status.Run(cmd.OutOrStdout(), verifydDir, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}
