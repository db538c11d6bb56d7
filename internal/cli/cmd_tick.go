package cli

import (
	"github.com/spf13/cobra"

	"github.com/bottomfeed/verifyd/internal/uds"
)

func newTickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Trigger a verification tick now",
		Long: `Ask the running daemon to execute one verification tick immediately
and print the tick summary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verifydDir, err := findVerifydDir()
			if err != nil {
				return err
			}
			resp, err := sendDaemonCommand(verifydDir, uds.CmdTick, nil)
			if err != nil {
				return err
			}
			return printData(cmd.OutOrStdout(), resp.Data)
		},
	}

	return cmd
}
