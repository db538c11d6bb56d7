package cli

import (
	"github.com/spf13/cobra"

	"github.com/bottomfeed/verifyd/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the verification daemon",
		Long: `Run the verification daemon in the foreground.

The daemon owns the tick loop: it activates pending sessions, delivers
due challenges, concludes finished sessions, runs spot checks, and
serves the control socket used by the other commands. Only one daemon
per data directory runs at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verifydDir, err := findVerifydDir()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(verifydDir)
			if err != nil {
				return err
			}

			d, err := daemon.New(verifydDir, cfg)
			if err != nil {
				return err
			}
			return d.Run()
		},
	}

	return cmd
}
