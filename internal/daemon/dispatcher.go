package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bottomfeed/verifyd/internal/challenge"
	"github.com/bottomfeed/verifyd/internal/events"
	"github.com/bottomfeed/verifyd/internal/model"
	"github.com/bottomfeed/verifyd/internal/resilience"
	"github.com/bottomfeed/verifyd/internal/store"
	"github.com/bottomfeed/verifyd/internal/webhook"
)

// DeliveryOutcome classifies what happened to one challenge delivery.
type DeliveryOutcome int

const (
	// OutcomeNone: nothing was delivered (challenge gone or not pending).
	OutcomeNone DeliveryOutcome = iota
	OutcomePassed
	OutcomeFailed
	OutcomeSkipped
	// OutcomeCircuitRejected: the host's breaker is open; the challenge
	// stays pending for a later tick.
	OutcomeCircuitRejected
	// OutcomeDropped: the session concluded while the delivery was in
	// flight; the result is discarded.
	OutcomeDropped
)

// Dispatcher delivers a single challenge through the per-host circuit
// breaker and retry policy, grades the reply, and applies the result
// to the session file.
type Dispatcher struct {
	config   model.Config
	store    *store.SessionStore
	client   WebhookClient
	breakers *resilience.BreakerMap
	bus      *events.Bus
	logger   *log.Logger
	logLevel LogLevel

	now func() time.Time
}

func NewDispatcher(
	cfg model.Config,
	sessions *store.SessionStore,
	client WebhookClient,
	breakers *resilience.BreakerMap,
	bus *events.Bus,
	logger *log.Logger,
	logLevel LogLevel,
) *Dispatcher {
	return &Dispatcher{
		config:   cfg,
		store:    sessions,
		client:   client,
		breakers: breakers,
		bus:      bus,
		logger:   logger,
		logLevel: logLevel,
		now:      time.Now,
	}
}

// DeliverChallenge sends one due challenge to the session's webhook.
// A timeout means the agent did not answer inside its window: the
// challenge is skipped, not failed. Any other post-retry error fails
// it. Results for concluded sessions are dropped.
func (dp *Dispatcher) DeliverChallenge(ctx context.Context, sessionID, challengeID string) DeliveryOutcome {
	sess, err := dp.store.Get(sessionID)
	if err != nil {
		dp.log(LogLevelWarn, "deliver: load session=%s: %v", sessionID, err)
		return OutcomeNone
	}
	if sess.Concluded() {
		return OutcomeDropped
	}
	ch := sess.FindChallenge(challengeID)
	if ch == nil || ch.Status != model.ChallengePending {
		return OutcomeNone
	}

	env := webhook.Envelope{
		Type:                 webhook.TypeChallenge,
		ChallengeID:          ch.ID,
		Prompt:               ch.Prompt,
		ChallengeType:        ch.Type,
		Nonce:                ch.Nonce,
		RespondWithinSeconds: dp.config.Verification.ResponseWindowSec,
	}

	sentAt := dp.now()
	dp.bus.Publish(events.EventChallengeSent, map[string]interface{}{
		"session_id":   sess.ID,
		"challenge_id": ch.ID,
		"agent_id":     sess.AgentID,
		"night":        ch.IsNightChallenge,
	})

	var reply *webhook.Reply
	var responseTime time.Duration
	deliverErr := dp.breakers.Execute(ctx, webhook.HostKey(sess.WebhookURL), func(ctx context.Context) error {
		attemptStart := time.Now()
		r, err := dp.client.Deliver(ctx, sess.WebhookURL, env)
		if err != nil {
			return err
		}
		reply = r
		responseTime = time.Since(attemptStart)
		return nil
	}, resilience.RetryOptions{
		MaxAttempts: dp.config.Delivery.MaxAttempts,
		BaseDelay:   time.Duration(dp.config.Delivery.BaseDelayMs) * time.Millisecond,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			dp.log(LogLevelDebug, "deliver retry challenge=%s attempt=%d delay=%s err=%v", ch.ID, attempt, delay, err)
		},
	})

	if errors.Is(deliverErr, resilience.ErrCircuitOpen) {
		dp.log(LogLevelWarn, "deliver rejected challenge=%s host=%s: circuit open", ch.ID, webhook.HostKey(sess.WebhookURL))
		return OutcomeCircuitRejected
	}

	var status model.ChallengeStatus
	var failureReason string
	switch {
	case deliverErr == nil:
		if challenge.Grade(ch.TemplateID, ch.Answer, reply.Response) {
			status = model.ChallengePassed
		} else {
			status = model.ChallengeFailed
			failureReason = "wrong answer"
		}
	case resilience.IsTimeout(deliverErr):
		status = model.ChallengeSkipped
		failureReason = "no response within window"
	default:
		status = model.ChallengeFailed
		failureReason = fmt.Sprintf("delivery failed: %v", deliverErr)
	}

	return dp.applyResult(sess.ID, challengeID, status, failureReason, reply, sentAt, responseTime)
}

func (dp *Dispatcher) applyResult(
	sessionID, challengeID string,
	status model.ChallengeStatus,
	failureReason string,
	reply *webhook.Reply,
	sentAt time.Time,
	responseTime time.Duration,
) DeliveryOutcome {
	dropped := false
	updated, err := dp.store.Update(sessionID, func(sess *model.VerificationSession) error {
		if sess.Concluded() {
			dropped = true
			return nil
		}
		ch := sess.FindChallenge(challengeID)
		if ch == nil {
			return fmt.Errorf("challenge %s missing from session %s", challengeID, sessionID)
		}
		if err := model.ValidateChallengeTransition(ch.Status, status); err != nil {
			return err
		}

		sent := sentAt.UTC().Format(time.RFC3339)
		ch.SentAt = &sent
		ch.Status = status
		ch.FailureReason = failureReason
		if reply != nil && (status == model.ChallengePassed || status == model.ChallengeFailed) {
			responded := sentAt.Add(responseTime).UTC().Format(time.RFC3339)
			ch.RespondedAt = &responded
			resp := reply.Response
			ch.Response = &resp
			ms := responseTime.Milliseconds()
			ch.ResponseTimeMs = &ms
		}
		return nil
	})
	if err != nil {
		dp.log(LogLevelError, "apply result challenge=%s: %v", challengeID, err)
		return OutcomeNone
	}
	if dropped {
		dp.log(LogLevelDebug, "result dropped challenge=%s: session concluded", challengeID)
		return OutcomeDropped
	}

	dp.bus.Publish(events.EventChallengeResolved, map[string]interface{}{
		"session_id":   updated.ID,
		"challenge_id": challengeID,
		"agent_id":     updated.AgentID,
		"status":       string(status),
		"reason":       failureReason,
	})
	dp.log(LogLevelInfo, "challenge resolved id=%s session=%s status=%s", challengeID, sessionID, status)

	switch status {
	case model.ChallengePassed:
		return OutcomePassed
	case model.ChallengeSkipped:
		return OutcomeSkipped
	default:
		return OutcomeFailed
	}
}

func (dp *Dispatcher) log(level LogLevel, format string, args ...any) {
	if level < dp.logLevel {
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
	dp.logger.Printf("%s %s dispatch: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
