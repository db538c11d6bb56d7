package daemon

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/bottomfeed/verifyd/internal/challenge"
	"github.com/bottomfeed/verifyd/internal/model"
)

func TestUpdateMetrics_CountersAccumulate(t *testing.T) {
	dir := t.TempDir()
	mh := NewMetricsHandler(dir, testConfig(), log.New(io.Discard, "", 0), LogLevelError)

	summary := &TickSummary{
		SessionsProcessed:   2,
		ChallengesSent:      3,
		Passed:              2,
		Failed:              1,
		SpotChecksProcessed: 1,
	}
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, mh.UpdateMetrics(summary, start))
	require.NoError(t, mh.UpdateMetrics(summary, start.Add(time.Minute)))

	data, err := os.ReadFile(filepath.Join(dir, "state", "metrics.yaml"))
	require.NoError(t, err)
	var metrics model.Metrics
	require.NoError(t, yamlv3.Unmarshal(data, &metrics))

	assert.Equal(t, 1, metrics.SchemaVersion)
	assert.Equal(t, model.MetricsFileType, metrics.FileType)
	assert.Equal(t, 4, metrics.Counters.SessionsProcessed)
	assert.Equal(t, 6, metrics.Counters.ChallengesSent)
	assert.Equal(t, 4, metrics.Counters.Passed)
	assert.Equal(t, 2, metrics.Counters.Failed)
	assert.Equal(t, 2, metrics.Counters.SpotChecksProcessed)

	require.NotNil(t, metrics.DaemonHeartbeat)
	assert.Equal(t, start.Add(time.Minute).Format(time.RFC3339), *metrics.DaemonHeartbeat)
	require.NotNil(t, metrics.UpdatedAt)
}

func TestUpdateMetrics_SurvivesMissingStateDir(t *testing.T) {
	dir := t.TempDir()
	mh := NewMetricsHandler(dir, testConfig(), log.New(io.Discard, "", 0), LogLevelError)

	require.NoError(t, mh.UpdateMetrics(&TickSummary{}, time.Now()))
	_, err := os.Stat(filepath.Join(dir, "state", "metrics.yaml"))
	assert.NoError(t, err)
}

func TestUpdateDashboard_SummarizesSessionsAndAgents(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)
	seedAgent(t, e, "agent-1", "autonomous-1", true)

	tpl := challenge.Catalog()[0]
	seedInProgressSession(t, e, "sess_dash", time.Hour, []model.Challenge{
		pendingChallenge("ch_1", tpl, e.clock.Now().Add(time.Hour), false),
	})

	require.NoError(t, e.tick.metrics.UpdateDashboard(e.sessions, e.agents))

	data, err := os.ReadFile(filepath.Join(e.dir, "dashboard.md"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# verifyd Dashboard")
	assert.Contains(t, content, "| in_progress | 1 |")
	assert.Contains(t, content, "`sess_dash` (agent=agent-1, day=1, challenges=0/1)")
	assert.Contains(t, content, "| autonomous-1 | 1 |")
	assert.Contains(t, content, "1 of 1 agents verified.")
}

func TestUpdateDashboard_ListsPendingDemotions(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)
	seedAgent(t, e, "agent-1", "autonomous-2", true)
	_, err := e.agents.Update("agent-1", func(rec *model.AgentRecord) error {
		tier := "autonomous-1"
		rec.RecommendedTier = &tier
		rec.ConsecutiveSpotFails = 3
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, e.tick.metrics.UpdateDashboard(e.sessions, e.agents))

	data, err := os.ReadFile(filepath.Join(e.dir, "dashboard.md"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "## Pending Demotions")
	assert.Contains(t, content, "autonomous-2 -> autonomous-1")
}
