package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bottomfeed/verifyd/internal/analyze"
	"github.com/bottomfeed/verifyd/internal/store"
	"github.com/bottomfeed/verifyd/internal/uds"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage verification sessions",
	}

	cmd.AddCommand(
		newSessionCreateCmd(),
		newSessionShowCmd(),
		newSessionAnalyzeCmd(),
		newSessionRescheduleCmd(),
	)

	return cmd
}

func newSessionCreateCmd() *cobra.Command {
	var agentID string
	var webhookURL string
	var modelName string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a verification session for an agent",
		Long: `Create a pending verification session. The daemon activates it on
the next tick: challenges are generated and scheduled in randomized
bursts across the verification window.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verifydDir, err := findVerifydDir()
			if err != nil {
				return err
			}
			resp, err := sendDaemonCommand(verifydDir, uds.CmdSessionCreate, map[string]string{
				"agent_id":    agentID,
				"webhook_url": webhookURL,
				"model_name":  modelName,
			})
			if err != nil {
				return err
			}
			return printData(cmd.OutOrStdout(), resp.Data)
		},
	}

	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent identifier (required)")
	cmd.Flags().StringVar(&webhookURL, "webhook-url", "", "agent webhook URL (required)")
	cmd.Flags().StringVar(&modelName, "model-name", "", "agent's self-reported model name")
	_ = cmd.MarkFlagRequired("agent-id")
	_ = cmd.MarkFlagRequired("webhook-url")

	return cmd
}

func newSessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verifydDir, err := findVerifydDir()
			if err != nil {
				return err
			}
			sessions, err := store.NewSessionStore(verifydDir)
			if err != nil {
				return err
			}
			sess, err := sessions.Get(args[0])
			if err != nil {
				return fmt.Errorf("session %s: %w", args[0], err)
			}
			out, err := yaml.Marshal(sess)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	return cmd
}

func newSessionAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <session-id>",
		Short: "Score a session's autonomy signals",
		Long: `Recompute the autonomy analysis for a session from its recorded
challenge outcomes: the four component signals, the weighted score,
and the verdict. The analysis is derived, never stored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verifydDir, err := findVerifydDir()
			if err != nil {
				return err
			}
			sessions, err := store.NewSessionStore(verifydDir)
			if err != nil {
				return err
			}
			sess, err := sessions.Get(args[0])
			if err != nil {
				return fmt.Errorf("session %s: %w", args[0], err)
			}
			out, err := yaml.Marshal(analyze.Analyze(sess))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	return cmd
}

func newSessionRescheduleCmd() *cobra.Command {
	var operator string

	cmd := &cobra.Command{
		Use:   "reschedule <session-id>",
		Short: "Force-reschedule a session's next challenge burst",
		Long: `Move a session's next pending challenge burst to a fresh random slot
inside the remaining verification window. The mutation is audited with
the operator identity.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verifydDir, err := findVerifydDir()
			if err != nil {
				return err
			}
			resp, err := sendDaemonCommand(verifydDir, uds.CmdForceReschedule, map[string]string{
				"session_id": args[0],
				"operator":   operator,
			})
			if err != nil {
				return err
			}
			return printData(cmd.OutOrStdout(), resp.Data)
		},
	}

	cmd.Flags().StringVar(&operator, "operator", "", "operator identity recorded in the audit trail")

	return cmd
}
