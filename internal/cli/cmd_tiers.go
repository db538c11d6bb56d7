package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bottomfeed/verifyd/internal/tier"
)

func newTiersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "Print the trust-tier ladder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tRANK\tDAYS REQUIRED\tSPOT CHECKS/DAY\tNEXT")
			for _, t := range tier.All() {
				next := "-"
				if t.NextTier != nil {
					next = *t.NextTier
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%g\t%s\n",
					t.Name, t.Rank, t.DaysRequired, t.SpotChecksPerDay, next)
			}
			return w.Flush()
		},
	}

	return cmd
}
