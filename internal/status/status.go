// Package status reports the verifyd daemon and verification state at
// a glance.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/bottomfeed/verifyd/internal/model"
	"github.com/bottomfeed/verifyd/internal/store"
	"github.com/bottomfeed/verifyd/internal/uds"
)

type EngineStatus struct {
	Daemon   DaemonStatus    `json:"daemon"`
	Sessions []SessionCount  `json:"sessions,omitempty"`
	Agents   AgentSummary    `json:"agents"`
	Metrics  *MetricsSummary `json:"metrics,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
}

type SessionCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type AgentSummary struct {
	Total            int            `json:"total"`
	Verified         int            `json:"verified"`
	ByTier           map[string]int `json:"by_tier,omitempty"`
	PendingDemotions int            `json:"pending_demotions"`
}

type MetricsSummary struct {
	DaemonHeartbeat string `json:"daemon_heartbeat,omitempty"`
	ChallengesSent  int    `json:"challenges_sent"`
	SpotChecksRun   int    `json:"spot_checks_run"`
}

// Run gathers engine status and prints it to w.
func Run(w io.Writer, verifydDir string, jsonOutput bool) error {
	s := EngineStatus{}

	sockPath := filepath.Join(verifydDir, uds.DefaultSocketName)
	s.Daemon = checkDaemon(sockPath)

	sessions, err := sessionCounts(verifydDir)
	if err != nil {
		return err
	}
	s.Sessions = sessions

	agents, err := agentSummary(verifydDir)
	if err != nil {
		return err
	}
	s.Agents = agents

	s.Metrics = readMetrics(verifydDir)

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	printStatus(w, s)
	return nil
}

func checkDaemon(sockPath string) DaemonStatus {
	client := uds.NewClient(sockPath)
	resp, err := client.SendCommand(uds.CmdPing, nil)
	if err != nil {
		return DaemonStatus{Running: false}
	}
	return DaemonStatus{Running: resp.Success}
}

// sessionCounts reads session files directly: status must work with
// the daemon stopped, and session records are plain store reads.
func sessionCounts(verifydDir string) ([]SessionCount, error) {
	sessions, err := store.NewSessionStore(verifydDir)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	list, err := sessions.List()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	byStatus := map[model.SessionStatus]int{}
	for _, sess := range list {
		byStatus[sess.Status]++
	}

	order := []model.SessionStatus{
		model.SessionPending,
		model.SessionInProgress,
		model.SessionCompleted,
		model.SessionFailed,
	}
	var counts []SessionCount
	for _, st := range order {
		if byStatus[st] > 0 {
			counts = append(counts, SessionCount{Status: string(st), Count: byStatus[st]})
		}
	}
	return counts, nil
}

func agentSummary(verifydDir string) (AgentSummary, error) {
	agents, err := store.NewAgentDirectory(verifydDir)
	if err != nil {
		return AgentSummary{}, fmt.Errorf("open agent directory: %w", err)
	}
	list, err := agents.List()
	if err != nil {
		return AgentSummary{}, fmt.Errorf("list agents: %w", err)
	}

	summary := AgentSummary{Total: len(list), ByTier: map[string]int{}}
	for _, rec := range list {
		summary.ByTier[rec.TrustTier]++
		if rec.Verified {
			summary.Verified++
		}
		if rec.RecommendedTier != nil {
			summary.PendingDemotions++
		}
	}
	if len(summary.ByTier) == 0 {
		summary.ByTier = nil
	}
	return summary, nil
}

func readMetrics(verifydDir string) *MetricsSummary {
	data, err := os.ReadFile(filepath.Join(verifydDir, "state", "metrics.yaml"))
	if err != nil {
		return nil
	}
	var m model.Metrics
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil
	}
	summary := &MetricsSummary{
		ChallengesSent: m.Counters.ChallengesSent,
		SpotChecksRun:  m.Counters.SpotChecksProcessed,
	}
	if m.DaemonHeartbeat != nil {
		summary.DaemonHeartbeat = *m.DaemonHeartbeat
	}
	return summary
}

func printStatus(w io.Writer, s EngineStatus) {
	if s.Daemon.Running {
		fmt.Fprintln(w, "Daemon: running")
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}
	if s.Metrics != nil && s.Metrics.DaemonHeartbeat != "" {
		fmt.Fprintf(w, "Last tick: %s\n", s.Metrics.DaemonHeartbeat)
	}

	if len(s.Sessions) > 0 {
		fmt.Fprintln(w, "\nSessions:")
		for _, c := range s.Sessions {
			fmt.Fprintf(w, "  %-12s  %d\n", c.Status, c.Count)
		}
	} else {
		fmt.Fprintln(w, "\nSessions: none")
	}

	fmt.Fprintf(w, "\nAgents: %d total, %d verified\n", s.Agents.Total, s.Agents.Verified)
	if len(s.Agents.ByTier) > 0 {
		tiers := make([]string, 0, len(s.Agents.ByTier))
		for name := range s.Agents.ByTier {
			tiers = append(tiers, name)
		}
		sort.Strings(tiers)
		for _, name := range tiers {
			fmt.Fprintf(w, "  %-14s  %d\n", name, s.Agents.ByTier[name])
		}
	}
	if s.Agents.PendingDemotions > 0 {
		fmt.Fprintf(w, "\nPending demotions: %d\n", s.Agents.PendingDemotions)
	}

	if s.Metrics != nil {
		fmt.Fprintf(w, "\nLifetime: %d challenges sent, %d spot checks\n",
			s.Metrics.ChallengesSent, s.Metrics.SpotChecksRun)
	}
}
