package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bottomfeed/verifyd/internal/store"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect agent trust records",
	}

	cmd.AddCommand(
		newAgentListCmd(),
		newAgentShowCmd(),
	)

	return cmd
}

func newAgentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents and their trust state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verifydDir, err := findVerifydDir()
			if err != nil {
				return err
			}
			agents, err := store.NewAgentDirectory(verifydDir)
			if err != nil {
				return err
			}
			list, err := agents.List()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agents.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tTIER\tVERIFIED\tSPOT FAILS\tRECOMMENDED")
			for _, rec := range list {
				verified := "no"
				if rec.Verified {
					verified = "yes"
				}
				recommended := "-"
				if rec.RecommendedTier != nil {
					recommended = *rec.RecommendedTier
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					rec.AgentID, rec.TrustTier, verified, rec.ConsecutiveSpotFails, recommended)
			}
			return w.Flush()
		},
	}

	return cmd
}

func newAgentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Print an agent record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verifydDir, err := findVerifydDir()
			if err != nil {
				return err
			}
			agents, err := store.NewAgentDirectory(verifydDir)
			if err != nil {
				return err
			}
			rec, err := agents.Get(args[0])
			if err != nil {
				return fmt.Errorf("agent %s: %w", args[0], err)
			}
			out, err := yaml.Marshal(rec)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	return cmd
}
