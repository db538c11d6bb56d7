package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/bottomfeed/verifyd/internal/model"
	"github.com/bottomfeed/verifyd/internal/store"
	"github.com/bottomfeed/verifyd/internal/tier"
	yamlutil "github.com/bottomfeed/verifyd/internal/yaml"
)

// MetricsHandler persists cumulative counters and the operator dashboard.
type MetricsHandler struct {
	verifydDir string
	config     model.Config
	logger     *log.Logger
	logLevel   LogLevel
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(verifydDir string, cfg model.Config, logger *log.Logger, logLevel LogLevel) *MetricsHandler {
	return &MetricsHandler{
		verifydDir: verifydDir,
		config:     cfg,
		logger:     logger,
		logLevel:   logLevel,
	}
}

// UpdateMetrics loads existing metrics, merges the tick summary, and
// writes state/metrics.yaml. Counters are cumulative across restarts.
func (mh *MetricsHandler) UpdateMetrics(summary *TickSummary, tickStart time.Time) error {
	metricsPath := filepath.Join(mh.verifydDir, "state", "metrics.yaml")
	if err := os.MkdirAll(filepath.Dir(metricsPath), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	var metrics model.Metrics
	data, err := os.ReadFile(metricsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read metrics: %w", err)
		}
		metrics.SchemaVersion = 1
		metrics.FileType = model.MetricsFileType
	} else {
		if err := yamlv3.Unmarshal(data, &metrics); err != nil {
			return fmt.Errorf("parse metrics: %w", err)
		}
	}

	// Merge incremental counters (additive)
	metrics.Counters.ChallengesSent += summary.ChallengesSent
	metrics.Counters.SessionsProcessed += summary.SessionsProcessed
	metrics.Counters.SessionsConcluded += summary.SessionsConcluded
	metrics.Counters.SpotChecksProcessed += summary.SpotChecksProcessed
	metrics.Counters.Passed += summary.Passed
	metrics.Counters.Failed += summary.Failed
	metrics.Counters.Skipped += summary.Skipped
	metrics.Counters.CircuitRejections += summary.CircuitRejections

	// Update heartbeat and timestamp
	heartbeat := tickStart.UTC().Format(time.RFC3339)
	metrics.DaemonHeartbeat = &heartbeat
	now := time.Now().UTC().Format(time.RFC3339)
	metrics.UpdatedAt = &now

	return yamlutil.AtomicWrite(metricsPath, metrics)
}

// UpdateDashboard generates a markdown summary and writes .verifyd/dashboard.md.
func (mh *MetricsHandler) UpdateDashboard(sessions *store.SessionStore, agents *store.AgentDirectory) error {
	sessionList, err := sessions.List()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	agentList, err := agents.List()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("# verifyd Dashboard\n\n")
	sb.WriteString(fmt.Sprintf("Updated: %s\n\n", time.Now().UTC().Format(time.RFC3339)))

	// Session counts by status
	byStatus := map[model.SessionStatus]int{}
	for _, s := range sessionList {
		byStatus[s.Status]++
	}
	sb.WriteString("## Sessions\n\n")
	sb.WriteString("| Status | Count |\n")
	sb.WriteString("|--------|------:|\n")
	for _, status := range []model.SessionStatus{
		model.SessionPending,
		model.SessionInProgress,
		model.SessionCompleted,
		model.SessionFailed,
	} {
		sb.WriteString(fmt.Sprintf("| %s | %d |\n", status, byStatus[status]))
	}

	// Active sessions with challenge progress
	sb.WriteString("\n## Active Sessions\n\n")
	activeCount := 0
	for _, s := range sessionList {
		if s.Status != model.SessionInProgress {
			continue
		}
		terminal, total := 0, 0
		for _, c := range s.AllChallenges() {
			total++
			if model.IsChallengeTerminal(c.Status) {
				terminal++
			}
		}
		sb.WriteString(fmt.Sprintf("- `%s` (agent=%s, day=%d, challenges=%d/%d)\n",
			s.ID, s.AgentID, s.CurrentDay, terminal, total))
		activeCount++
	}
	if activeCount == 0 {
		sb.WriteString("_No active sessions_\n")
	}

	// Agent counts per trust tier, ladder order
	tierCounts := map[string]int{}
	verified := 0
	demotionsPending := 0
	for _, a := range agentList {
		tierCounts[a.TrustTier]++
		if a.Verified {
			verified++
		}
		if a.RecommendedTier != nil {
			demotionsPending++
		}
	}
	sb.WriteString("\n## Agents\n\n")
	sb.WriteString("| Tier | Agents |\n")
	sb.WriteString("|------|-------:|\n")
	for _, info := range tier.All() {
		sb.WriteString(fmt.Sprintf("| %s | %d |\n", info.Name, tierCounts[info.Name]))
	}
	sb.WriteString(fmt.Sprintf("\n%d of %d agents verified.\n", verified, len(agentList)))

	// Demotion recommendations awaiting the platform
	if demotionsPending > 0 {
		sb.WriteString("\n## Pending Demotions\n\n")
		names := make([]string, 0, demotionsPending)
		byName := map[string]*model.AgentRecord{}
		for _, a := range agentList {
			if a.RecommendedTier != nil {
				names = append(names, a.AgentID)
				byName[a.AgentID] = a
			}
		}
		sort.Strings(names)
		for _, name := range names {
			a := byName[name]
			sb.WriteString(fmt.Sprintf("- **%s**: %s -> %s (%d consecutive spot-check failures)\n",
				a.AgentID, a.TrustTier, *a.RecommendedTier, a.ConsecutiveSpotFails))
		}
	}

	dashboardPath := filepath.Join(mh.verifydDir, "dashboard.md")
	return atomicWriteText(dashboardPath, sb.String())
}

// atomicWriteText writes raw text to a file using temp+rename for atomicity.
func atomicWriteText(path string, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".verifyd-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := tmp.WriteString(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpName, path)
}

func (mh *MetricsHandler) log(level LogLevel, format string, args ...any) {
	if level < mh.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	mh.logger.Printf("%s %s metrics: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
