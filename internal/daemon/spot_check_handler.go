package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bottomfeed/verifyd/internal/challenge"
	"github.com/bottomfeed/verifyd/internal/events"
	"github.com/bottomfeed/verifyd/internal/model"
	"github.com/bottomfeed/verifyd/internal/resilience"
	"github.com/bottomfeed/verifyd/internal/store"
	"github.com/bottomfeed/verifyd/internal/tier"
	"github.com/bottomfeed/verifyd/internal/webhook"
)

// SpotCheckSummary reports the spot checks run in one tick. Sent counts
// checks that actually went out on the wire; circuit rejections burn no
// check and are tallied separately.
type SpotCheckSummary struct {
	Processed         int
	Sent              int
	Passed            int
	Failed            int
	Skipped           int
	CircuitRejections int
}

// spotResult is one agent's spot-check outcome before it is folded into
// the summary.
type spotResult struct {
	status          model.SpotCheckStatus
	sent            bool
	circuitRejected bool
}

// SpotCheckHandler keeps verified agents honest: each tier carries a
// spot-check cadence, and enough consecutive failures earn a demotion
// recommendation. verifyd never demotes directly; it records the
// recommendation for the platform to apply.
type SpotCheckHandler struct {
	config   model.Config
	agents   *store.AgentDirectory
	client   WebhookClient
	breakers *resilience.BreakerMap
	bus      *events.Bus
	logger   *log.Logger
	logLevel LogLevel

	now func() time.Time

	// mu guards rng: checks for different agents run concurrently on
	// the shared delivery pool.
	mu  sync.Mutex
	rng *rand.Rand
}

// pickTemplate draws a random catalog template.
func (h *SpotCheckHandler) pickTemplate() challenge.Template {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rng == nil {
		h.rng = rand.New(rand.NewSource(h.now().UnixNano()))
	}
	templates := challenge.Catalog()
	return templates[h.rng.Intn(len(templates))]
}

func NewSpotCheckHandler(
	cfg model.Config,
	agents *store.AgentDirectory,
	client WebhookClient,
	breakers *resilience.BreakerMap,
	bus *events.Bus,
	logger *log.Logger,
	logLevel LogLevel,
) *SpotCheckHandler {
	return &SpotCheckHandler{
		config:   cfg,
		agents:   agents,
		client:   client,
		breakers: breakers,
		bus:      bus,
		logger:   logger,
		logLevel: logLevel,
		now:      time.Now,
	}
}

// RunDue runs one spot check for every verified agent whose tier
// cadence says one is due, fanning out on its own bounded pool.
func (h *SpotCheckHandler) RunDue(ctx context.Context) SpotCheckSummary {
	poolSize := h.config.Delivery.WorkerPoolSize
	if poolSize < 1 {
		poolSize = 8
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize)

	summary := SpotCheckSummary{}
	h.EnqueueDue(gctx, g, &mu, &summary)
	_ = g.Wait()
	return summary
}

// EnqueueDue submits one spot check per due agent to a shared delivery
// pool. Summary counters are final once the pool is drained.
func (h *SpotCheckHandler) EnqueueDue(ctx context.Context, g *errgroup.Group, mu *sync.Mutex, summary *SpotCheckSummary) {
	agents, err := h.agents.List()
	if err != nil {
		h.log(LogLevelError, "list agents: %v", err)
		return
	}

	now := h.now()
	for _, agent := range agents {
		if ctx.Err() != nil {
			break
		}
		if !agent.Verified {
			continue
		}

		info, err := tier.Get(agent.TrustTier)
		if err != nil {
			h.log(LogLevelWarn, "agent=%s: %v", agent.AgentID, err)
			continue
		}
		interval := info.SpotCheckInterval()
		if interval <= 0 {
			continue
		}
		if last := agent.LastSpotCheckTime(); !last.IsZero() && now.Sub(last) < interval {
			continue
		}

		agent := agent
		g.Go(func() error {
			res := h.checkAgent(ctx, agent)
			mu.Lock()
			defer mu.Unlock()
			summary.Processed++
			if res.circuitRejected {
				summary.CircuitRejections++
				return nil
			}
			if res.sent {
				summary.Sent++
			}
			switch res.status {
			case model.SpotCheckPassed:
				summary.Passed++
			case model.SpotCheckSkipped:
				summary.Skipped++
			default:
				summary.Failed++
			}
			return nil
		})
	}
}

// checkAgent sends a single catalog challenge and records the result
// on the agent record.
func (h *SpotCheckHandler) checkAgent(ctx context.Context, agent *model.AgentRecord) spotResult {
	tpl := h.pickTemplate()

	nonce, err := challenge.NewNonce()
	if err != nil {
		h.log(LogLevelError, "spot check agent=%s: %v", agent.AgentID, err)
		return spotResult{status: model.SpotCheckSkipped}
	}
	checkID, err := model.GenerateID(model.IDTypeSpotCheck)
	if err != nil {
		h.log(LogLevelError, "spot check agent=%s: %v", agent.AgentID, err)
		return spotResult{status: model.SpotCheckSkipped}
	}
	challengeID, err := model.GenerateID(model.IDTypeChallenge)
	if err != nil {
		h.log(LogLevelError, "spot check agent=%s: %v", agent.AgentID, err)
		return spotResult{status: model.SpotCheckSkipped}
	}

	env := webhook.Envelope{
		Type:                 webhook.TypeSpotCheck,
		ChallengeID:          challengeID,
		Prompt:               tpl.Prompt,
		ChallengeType:        tpl.Type,
		Nonce:                nonce,
		RespondWithinSeconds: h.config.Verification.ResponseWindowSec,
	}

	sentAt := h.now()
	var reply *webhook.Reply
	var responseTime time.Duration
	deliverErr := h.breakers.Execute(ctx, webhook.HostKey(agent.WebhookURL), func(ctx context.Context) error {
		attemptStart := time.Now()
		r, err := h.client.Deliver(ctx, agent.WebhookURL, env)
		if err != nil {
			return err
		}
		reply = r
		responseTime = time.Since(attemptStart)
		return nil
	}, resilience.RetryOptions{
		MaxAttempts: h.config.Delivery.MaxAttempts,
		BaseDelay:   time.Duration(h.config.Delivery.BaseDelayMs) * time.Millisecond,
	})

	var status model.SpotCheckStatus
	var failureReason string
	switch {
	case errors.Is(deliverErr, resilience.ErrCircuitOpen):
		// The host is known-bad right now; do not burn a check on it.
		return spotResult{status: model.SpotCheckSkipped, circuitRejected: true}
	case deliverErr == nil:
		if challenge.Grade(tpl.ID, tpl.Answer, reply.Response) {
			status = model.SpotCheckPassed
		} else {
			status = model.SpotCheckFailed
			failureReason = "wrong answer"
		}
	case resilience.IsTimeout(deliverErr):
		status = model.SpotCheckSkipped
		failureReason = "no response within window"
	default:
		status = model.SpotCheckFailed
		failureReason = fmt.Sprintf("delivery failed: %v", deliverErr)
	}

	entry := model.SpotCheckEntry{
		ID:            checkID,
		ChallengeID:   challengeID,
		Status:        status,
		SentAt:        sentAt.UTC().Format(time.RFC3339),
		FailureReason: failureReason,
	}
	if status == model.SpotCheckPassed || (status == model.SpotCheckFailed && reply != nil) {
		ms := responseTime.Milliseconds()
		entry.ResponseTimeMs = &ms
	}

	updated, err := h.agents.Update(agent.AgentID, func(rec *model.AgentRecord) error {
		ts := sentAt.UTC().Format(time.RFC3339)
		rec.LastSpotCheckAt = &ts
		rec.SpotCheckHistory = append(rec.SpotCheckHistory, entry)
		if limit := h.config.SpotCheck.HistoryLimit; limit > 0 && len(rec.SpotCheckHistory) > limit {
			rec.SpotCheckHistory = rec.SpotCheckHistory[len(rec.SpotCheckHistory)-limit:]
		}

		// An unanswered or wrong spot check is the same signal: the
		// agent was not there.
		if status == model.SpotCheckPassed {
			rec.ConsecutiveSpotFails = 0
			rec.RecommendedTier = nil
		} else {
			rec.ConsecutiveSpotFails++
		}

		demotion, err := tier.RecommendDemotion(rec, h.config.SpotCheck.DemotionThreshold)
		if err != nil {
			return err
		}
		if demotion != nil {
			name := demotion.Name
			rec.RecommendedTier = &name
		}
		return nil
	})
	if err != nil {
		h.log(LogLevelError, "record spot check agent=%s: %v", agent.AgentID, err)
		return spotResult{status: status, sent: true}
	}

	h.log(LogLevelInfo, "spot check agent=%s status=%s consecutive_fails=%d", agent.AgentID, status, updated.ConsecutiveSpotFails)
	h.bus.Publish(events.EventSpotCheck, map[string]interface{}{
		"agent_id":          agent.AgentID,
		"challenge_id":      challengeID,
		"status":            string(status),
		"consecutive_fails": updated.ConsecutiveSpotFails,
	})

	if updated.RecommendedTier != nil && status != model.SpotCheckPassed {
		h.log(LogLevelWarn, "demotion recommended agent=%s tier=%s after %d consecutive failures",
			agent.AgentID, *updated.RecommendedTier, updated.ConsecutiveSpotFails)
		h.bus.Publish(events.EventTierRecommended, map[string]interface{}{
			"agent_id":  agent.AgentID,
			"direction": "demotion",
			"tier":      *updated.RecommendedTier,
		})
	}

	return spotResult{status: status, sent: true}
}

func (h *SpotCheckHandler) log(level LogLevel, format string, args ...any) {
	if level < h.logLevel {
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
	h.logger.Printf("%s %s spotcheck: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
