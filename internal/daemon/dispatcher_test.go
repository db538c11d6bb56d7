package daemon

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bottomfeed/verifyd/internal/challenge"
	"github.com/bottomfeed/verifyd/internal/model"
	"github.com/bottomfeed/verifyd/internal/webhook"
)

func seedOneChallengeSession(t *testing.T, e *testEnv, id string) (*model.VerificationSession, model.Challenge) {
	t.Helper()
	tpl := challenge.Catalog()[0]
	ch := pendingChallenge("ch_1", tpl, e.clock.Now().Add(-5*time.Minute), false)
	sess := seedInProgressSession(t, e, id, time.Hour, []model.Challenge{ch})
	return sess, ch
}

func TestDeliverChallenge_CorrectAnswerPasses(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)
	sess, ch := seedOneChallengeSession(t, e, "sess_pass")

	outcome := e.tick.dispatcher.DeliverChallenge(context.Background(), sess.ID, ch.ID)
	assert.Equal(t, OutcomePassed, outcome)

	reloaded, err := e.sessions.Get(sess.ID)
	require.NoError(t, err)
	got := reloaded.FindChallenge(ch.ID)
	require.NotNil(t, got)
	assert.Equal(t, model.ChallengePassed, got.Status)
	require.NotNil(t, got.SentAt)
	require.NotNil(t, got.RespondedAt)
	require.NotNil(t, got.Response)
	require.NotNil(t, got.ResponseTimeMs)
	assert.Empty(t, got.FailureReason)
}

func TestDeliverChallenge_WrongAnswerFails(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerWrong)
	sess, ch := seedOneChallengeSession(t, e, "sess_wrong")

	outcome := e.tick.dispatcher.DeliverChallenge(context.Background(), sess.ID, ch.ID)
	assert.Equal(t, OutcomeFailed, outcome)

	reloaded, err := e.sessions.Get(sess.ID)
	require.NoError(t, err)
	got := reloaded.FindChallenge(ch.ID)
	assert.Equal(t, model.ChallengeFailed, got.Status)
	assert.Equal(t, "wrong answer", got.FailureReason)
	require.NotNil(t, got.RespondedAt)
}

func TestDeliverChallenge_TimeoutSkips(t *testing.T) {
	e := newTestEnv(t, testConfig(), func(string, webhook.Envelope) (*webhook.Reply, error) {
		return nil, fmt.Errorf("request timed out")
	})
	sess, ch := seedOneChallengeSession(t, e, "sess_timeout")

	outcome := e.tick.dispatcher.DeliverChallenge(context.Background(), sess.ID, ch.ID)
	assert.Equal(t, OutcomeSkipped, outcome)

	reloaded, err := e.sessions.Get(sess.ID)
	require.NoError(t, err)
	got := reloaded.FindChallenge(ch.ID)
	assert.Equal(t, model.ChallengeSkipped, got.Status)
	assert.Equal(t, "no response within window", got.FailureReason)
	// A timeout means no answer ever arrived.
	assert.Nil(t, got.RespondedAt)
	assert.Nil(t, got.Response)
}

func TestDeliverChallenge_HTTPErrorFails(t *testing.T) {
	e := newTestEnv(t, testConfig(), func(string, webhook.Envelope) (*webhook.Reply, error) {
		return nil, &webhook.StatusError{Code: 404}
	})
	sess, ch := seedOneChallengeSession(t, e, "sess_http")

	outcome := e.tick.dispatcher.DeliverChallenge(context.Background(), sess.ID, ch.ID)
	assert.Equal(t, OutcomeFailed, outcome)

	reloaded, err := e.sessions.Get(sess.ID)
	require.NoError(t, err)
	got := reloaded.FindChallenge(ch.ID)
	assert.Equal(t, model.ChallengeFailed, got.Status)
	assert.Contains(t, got.FailureReason, "delivery failed")
	assert.Nil(t, got.RespondedAt)
}

func TestDeliverChallenge_OpenBreakerRejects(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 1
	e := newTestEnv(t, cfg, func(string, webhook.Envelope) (*webhook.Reply, error) {
		return nil, fmt.Errorf("connection refused")
	})

	templates := challenge.Catalog()
	now := e.clock.Now()
	sess := seedInProgressSession(t, e, "sess_open", time.Hour, []model.Challenge{
		pendingChallenge("ch_1", templates[0], now.Add(-10*time.Minute), false),
		pendingChallenge("ch_2", templates[1], now.Add(-10*time.Minute), false),
	})

	first := e.tick.dispatcher.DeliverChallenge(context.Background(), sess.ID, "ch_1")
	assert.Equal(t, OutcomeFailed, first)

	second := e.tick.dispatcher.DeliverChallenge(context.Background(), sess.ID, "ch_2")
	assert.Equal(t, OutcomeCircuitRejected, second)

	reloaded, err := e.sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengePending, reloaded.FindChallenge("ch_2").Status)
	assert.Equal(t, 1, e.client.callCount())
}

func TestDeliverChallenge_ConcludedSessionDrops(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)

	now := e.clock.Now()
	sess := model.NewSession("sess_done", "agent-1", testWebhookURL, now.Add(-80*time.Hour))
	sess.Status = model.SessionCompleted
	sess.StartedAt = now.Add(-80 * time.Hour).UTC().Format(time.RFC3339)
	concluded := now.Add(-time.Hour).UTC().Format(time.RFC3339)
	sess.ConcludedAt = &concluded
	require.NoError(t, e.sessions.Create(sess))

	outcome := e.tick.dispatcher.DeliverChallenge(context.Background(), sess.ID, "ch_1")
	assert.Equal(t, OutcomeDropped, outcome)
	assert.Equal(t, 0, e.client.callCount())
}

func TestDeliverChallenge_AlreadyResolvedIsNoop(t *testing.T) {
	e := newTestEnv(t, testConfig(), answerCorrectly)
	sess, ch := seedOneChallengeSession(t, e, "sess_noop")

	require.Equal(t, OutcomePassed, e.tick.dispatcher.DeliverChallenge(context.Background(), sess.ID, ch.ID))
	assert.Equal(t, OutcomeNone, e.tick.dispatcher.DeliverChallenge(context.Background(), sess.ID, ch.ID))
	assert.Equal(t, 1, e.client.callCount())
}
