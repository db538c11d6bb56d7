package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bottomfeed/verifyd/internal/challenge"
	"github.com/bottomfeed/verifyd/internal/events"
	"github.com/bottomfeed/verifyd/internal/model"
)

func TestCreateForAgent_RegistersAgent(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)

	sess, err := e.tick.Sessions().CreateForAgent("agent-1", testWebhookURL, "claude-3-opus")
	require.NoError(t, err)
	assert.Equal(t, model.SessionPending, sess.Status)

	agent, err := e.agents.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "spawn", agent.TrustTier)
	assert.False(t, agent.Verified)
	assert.Equal(t, "claude-3-opus", agent.ModelName)
}

func TestCreateForAgent_RejectsSecondActiveSession(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)

	_, err := e.tick.Sessions().CreateForAgent("agent-1", testWebhookURL, "")
	require.NoError(t, err)

	_, err = e.tick.Sessions().CreateForAgent("agent-1", testWebhookURL, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has an active session")
}

func TestActivate_BuildsRandomizedSchedule(t *testing.T) {
	cfg := testConfig()
	e := newTestEnv(t, cfg, answerCorrectly)

	sess, err := e.tick.Sessions().CreateForAgent("agent-1", testWebhookURL, "")
	require.NoError(t, err)
	require.NoError(t, e.tick.Sessions().Activate(sess.ID))

	activated, err := e.sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionInProgress, activated.Status)
	assert.Equal(t, 1, activated.CurrentDay)
	assert.NotEmpty(t, activated.StartedAt)

	all := activated.AllChallenges()
	require.Len(t, all, cfg.Verification.ChallengeCount)

	start := activated.StartedAtTime()
	windowEnd := start.Add(time.Duration(cfg.Verification.WindowHours) * time.Hour)
	seen := map[string]bool{}
	for _, c := range all {
		assert.Equal(t, model.ChallengePending, c.Status)
		assert.NotEmpty(t, c.Nonce)
		assert.False(t, seen[c.ID], "duplicate challenge id %s", c.ID)
		seen[c.ID] = true

		scheduled, err := time.Parse(time.RFC3339, c.ScheduledFor)
		require.NoError(t, err)
		assert.False(t, scheduled.Before(start), "challenge scheduled before the window")
		assert.True(t, scheduled.Before(windowEnd), "challenge scheduled past the window")

		hour := scheduled.Hour()
		night := hour >= cfg.Verification.NightStartHour && hour < cfg.Verification.NightEndHour
		assert.Equal(t, night, c.IsNightChallenge, "night flag for hour %d", hour)
	}

	// Day plans are ordered and non-empty.
	lastDay := 0
	for _, plan := range activated.DailyChallenges {
		assert.Greater(t, plan.Day, lastDay)
		assert.NotEmpty(t, plan.Challenges)
		lastDay = plan.Day
	}
}

func TestActivate_RejectsNonPendingSession(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)

	sess, err := e.tick.Sessions().CreateForAgent("agent-1", testWebhookURL, "")
	require.NoError(t, err)
	require.NoError(t, e.tick.Sessions().Activate(sess.ID))

	err = e.tick.Sessions().Activate(sess.ID)
	require.Error(t, err)
}

func TestMaybeConclude_BeforeWindowWithPendingIsNoop(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)
	seedAgent(t, e, "agent-1", "spawn", false)

	tpl := challenge.Catalog()[0]
	sess := seedInProgressSession(t, e, "sess_early", time.Hour, []model.Challenge{
		pendingChallenge("ch_1", tpl, e.clock.Now().Add(2*time.Hour), false),
	})

	concluded, err := e.tick.Sessions().MaybeConclude(sess.ID)
	require.NoError(t, err)
	assert.False(t, concluded)
}

func TestMaybeConclude_WindowElapsedMarksPendingSkipped(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)
	seedAgent(t, e, "agent-1", "spawn", false)

	templates := challenge.Catalog()
	started := 73 * time.Hour
	var chs []model.Challenge
	for i := 0; i < 4; i++ {
		chs = append(chs, pendingChallenge(
			templates[i].ID+"_ch", templates[i], e.clock.Now().Add(-started).Add(time.Duration(i)*time.Hour), false))
	}
	sess := seedInProgressSession(t, e, "sess_silent", started, chs)

	concluded, err := e.tick.Sessions().MaybeConclude(sess.ID)
	require.NoError(t, err)
	assert.True(t, concluded)

	reloaded, err := e.sessions.Get(sess.ID)
	require.NoError(t, err)
	// Total silence across the whole window reads as human-directed.
	assert.Equal(t, model.SessionFailed, reloaded.Status)
	require.NotNil(t, reloaded.ConcludedAt)
	for _, c := range reloaded.AllChallenges() {
		assert.Equal(t, model.ChallengeSkipped, c.Status)
		assert.Equal(t, "verification window elapsed", c.FailureReason)
	}

	agent, err := e.agents.Get("agent-1")
	require.NoError(t, err)
	assert.False(t, agent.Verified)
}

func passedChallenge(id string, tpl challenge.Template, when time.Time, night bool, rtMs int64) model.Challenge {
	ch := pendingChallenge(id, tpl, when, night)
	sent := when.UTC().Format(time.RFC3339)
	responded := when.Add(time.Duration(rtMs) * time.Millisecond).UTC().Format(time.RFC3339)
	resp := tpl.Answer
	ch.Status = model.ChallengePassed
	ch.SentAt = &sent
	ch.RespondedAt = &responded
	ch.Response = &resp
	ch.ResponseTimeMs = &rtMs
	return ch
}

func TestMaybeConclude_AllPassedVerifiesAndPromotes(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)
	seedAgent(t, e, "agent-1", "spawn", false)

	templates := challenge.Catalog()
	started := e.clock.Now().Add(-73 * time.Hour)
	responseTimes := []int64{1200, 1210, 1190, 1205, 1195, 1200}
	var chs []model.Challenge
	for i, rt := range responseTimes {
		night := i < 2
		chs = append(chs, passedChallenge(
			templates[i].ID+"_ch", templates[i], started.Add(time.Duration(i*12)*time.Hour), night, rt))
	}
	sess := seedInProgressSession(t, e, "sess_good", 73*time.Hour, chs)

	concluded, err := e.tick.Sessions().MaybeConclude(sess.ID)
	require.NoError(t, err)
	assert.True(t, concluded)

	reloaded, err := e.sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, reloaded.Status)

	agent, err := e.agents.Get("agent-1")
	require.NoError(t, err)
	assert.True(t, agent.Verified)
	require.NotNil(t, agent.VerifiedAt)
	assert.Equal(t, "autonomous-1", agent.TrustTier)
	assert.Nil(t, agent.RecommendedTier)
}

func TestForceRescheduleNextBurst_MovesEarliestSlot(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)
	seedAgent(t, e, "agent-1", "spawn", false)

	mutations := make(chan events.Event, 1)
	e.bus.Subscribe(events.EventAdminMutation, func(ev events.Event) { mutations <- ev })

	templates := challenge.Catalog()
	now := e.clock.Now()
	burstTime := now.Add(2 * time.Hour)
	laterTime := now.Add(5 * time.Hour)
	sess := seedInProgressSession(t, e, "sess_resched", time.Hour, []model.Challenge{
		pendingChallenge("ch_1", templates[0], burstTime, false),
		pendingChallenge("ch_2", templates[1], burstTime, false),
		pendingChallenge("ch_3", templates[2], laterTime, false),
	})

	newTime, err := e.tick.Sessions().ForceRescheduleNextBurst(sess.ID, "ops@example.com")
	require.NoError(t, err)

	rescheduled, err := time.Parse(time.RFC3339, newTime)
	require.NoError(t, err)
	windowEnd := now.Add(-time.Hour).Add(72 * time.Hour)
	assert.False(t, rescheduled.Before(now))
	assert.True(t, rescheduled.Before(windowEnd))

	reloaded, err := e.sessions.Get(sess.ID)
	require.NoError(t, err)
	// Both challenges of the earliest burst moved together; the later
	// slot is untouched.
	assert.Equal(t, newTime, reloaded.FindChallenge("ch_1").ScheduledFor)
	assert.Equal(t, newTime, reloaded.FindChallenge("ch_2").ScheduledFor)
	assert.Equal(t, laterTime.UTC().Format(time.RFC3339), reloaded.FindChallenge("ch_3").ScheduledFor)

	select {
	case ev := <-mutations:
		assert.Equal(t, "force_reschedule_next_burst", ev.Data["mutation"])
		assert.Equal(t, "ops@example.com", ev.Data["operator"])
	case <-time.After(2 * time.Second):
		t.Fatal("no admin_mutation event published")
	}
}

func TestAdvanceDay_TracksWindowProgress(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)
	templates := challenge.Catalog()
	seedInProgressSession(t, e, "sess_adv", 0, []model.Challenge{
		pendingChallenge("ch_1", templates[0], e.clock.Now().Add(71*time.Hour), false),
	})

	require.NoError(t, e.tick.Sessions().AdvanceDay("sess_adv"))
	sess, err := e.sessions.Get("sess_adv")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.CurrentDay)

	e.clock.Advance(25 * time.Hour)
	require.NoError(t, e.tick.Sessions().AdvanceDay("sess_adv"))
	sess, err = e.sessions.Get("sess_adv")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.CurrentDay)

	// Far past the window the day pins at the final one.
	e.clock.Advance(200 * time.Hour)
	require.NoError(t, e.tick.Sessions().AdvanceDay("sess_adv"))
	sess, err = e.sessions.Get("sess_adv")
	require.NoError(t, err)
	assert.Equal(t, 3, sess.CurrentDay)
}

func TestForceRescheduleNextBurst_ConcludedSessionErrors(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)

	now := e.clock.Now()
	sess := model.NewSession("sess_over", "agent-1", testWebhookURL, now)
	sess.Status = model.SessionCompleted
	concluded := now.UTC().Format(time.RFC3339)
	sess.ConcludedAt = &concluded
	require.NoError(t, e.sessions.Create(sess))

	_, err := e.tick.Sessions().ForceRescheduleNextBurst(sess.ID, "ops")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already concluded")
}
