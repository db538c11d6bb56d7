package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bottomfeed/verifyd/internal/version"
)

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print verifyd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "verifyd %s\n", version.Version)
		},
	}

	return cmd
}
