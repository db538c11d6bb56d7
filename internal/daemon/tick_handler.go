package daemon

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bottomfeed/verifyd/internal/events"
	"github.com/bottomfeed/verifyd/internal/model"
	"github.com/bottomfeed/verifyd/internal/resilience"
	"github.com/bottomfeed/verifyd/internal/store"
	"github.com/bottomfeed/verifyd/internal/webhook"
)

// WebhookClient is the delivery transport. The daemon tests substitute
// a scripted fake.
type WebhookClient interface {
	Deliver(ctx context.Context, webhookURL string, env webhook.Envelope) (*webhook.Reply, error)
}

// TickSummary reports what one tick did.
type TickSummary struct {
	SessionsProcessed   int `json:"sessions_processed"`
	SessionsActivated   int `json:"sessions_activated"`
	SessionsConcluded   int `json:"sessions_concluded"`
	ChallengesSent      int `json:"challenges_sent"`
	Passed              int `json:"passed"`
	Failed              int `json:"failed"`
	Skipped             int `json:"skipped"`
	CircuitRejections   int `json:"circuit_rejections"`
	SpotChecksProcessed int `json:"spot_checks_processed"`
}

// TickHandler drives one engine pass: activate pending sessions,
// deliver due bursts, conclude finished sessions, run due spot checks,
// and persist metrics. Concurrent triggers (ticker, fsnotify, UDS)
// collapse into a single run via singleflight.
type TickHandler struct {
	verifydDir string
	config     model.Config
	store      *store.SessionStore
	agents     *store.AgentDirectory
	bus        *events.Bus
	logger     *log.Logger
	logLevel   LogLevel

	sessions   *SessionHandler
	dispatcher *Dispatcher
	spot       *SpotCheckHandler
	metrics    *MetricsHandler

	group singleflight.Group
	now   func() time.Time
}

func NewTickHandler(
	verifydDir string,
	cfg model.Config,
	sessions *store.SessionStore,
	agents *store.AgentDirectory,
	client WebhookClient,
	bus *events.Bus,
	logger *log.Logger,
	logLevel LogLevel,
) *TickHandler {
	breakers := resilience.NewBreakerMap(
		cfg.Breaker.FailureThreshold,
		time.Duration(cfg.Breaker.WindowSec)*time.Second,
		time.Duration(cfg.Breaker.CooldownSec)*time.Second,
	)
	breakers.OnOpen = func(key string) {
		bus.Publish(events.EventCircuitOpened, map[string]interface{}{
			"host": key,
		})
	}

	t := &TickHandler{
		verifydDir: verifydDir,
		config:     cfg,
		store:      sessions,
		agents:     agents,
		bus:        bus,
		logger:     logger,
		logLevel:   logLevel,
		now:        time.Now,
	}
	t.sessions = NewSessionHandler(cfg, sessions, agents, bus, logger, logLevel)
	t.dispatcher = NewDispatcher(cfg, sessions, client, breakers, bus, logger, logLevel)
	t.spot = NewSpotCheckHandler(cfg, agents, client, breakers, bus, logger, logLevel)
	t.metrics = NewMetricsHandler(verifydDir, cfg, logger, logLevel)
	return t
}

// SetClock overrides the time source for testing, propagating to all
// sub-handlers.
func (t *TickHandler) SetClock(now func() time.Time) {
	t.now = now
	t.sessions.now = now
	t.dispatcher.now = now
	t.spot.now = now
}

// SetRand seeds the schedule randomness for testing.
func (t *TickHandler) SetRand(rng *rand.Rand) {
	t.sessions.rng = rng
}

// Sessions exposes session operations to the UDS handlers.
func (t *TickHandler) Sessions() *SessionHandler {
	return t.sessions
}

// Run executes one tick. Overlapping callers share a single in-flight
// run and its summary.
func (t *TickHandler) Run(ctx context.Context) (*TickSummary, error) {
	v, err, _ := t.group.Do("tick", func() (any, error) {
		return t.tick(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TickSummary), nil
}

func (t *TickHandler) tick(ctx context.Context) (*TickSummary, error) {
	start := t.now()
	summary := &TickSummary{}

	sessions, err := t.store.List()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var inProgress []*model.VerificationSession
	for _, sess := range sessions {
		if ctx.Err() != nil {
			break
		}
		summary.SessionsProcessed++

		switch sess.Status {
		case model.SessionPending:
			if err := t.sessions.Activate(sess.ID); err != nil {
				t.log(LogLevelError, "activate session=%s error=%v", sess.ID, err)
				continue
			}
			summary.SessionsActivated++

		case model.SessionInProgress:
			if err := t.sessions.AdvanceDay(sess.ID); err != nil {
				t.log(LogLevelWarn, "advance day session=%s error=%v", sess.ID, err)
			}
			inProgress = append(inProgress, sess)
		}
	}

	// One bounded pool spans every delivery this tick, sessions and spot
	// checks alike, so a single unreachable agent cannot stall the rest
	// of the fan-out behind its retries.
	poolSize := t.config.Delivery.WorkerPoolSize
	if poolSize < 1 {
		poolSize = 8
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize)

	for _, sess := range inProgress {
		t.enqueueDue(gctx, g, &mu, sess, summary)
	}
	spotSummary := &SpotCheckSummary{}
	t.spot.EnqueueDue(gctx, g, &mu, spotSummary)
	_ = g.Wait()

	for _, sess := range inProgress {
		if ctx.Err() != nil {
			break
		}
		concluded, err := t.sessions.MaybeConclude(sess.ID)
		if err != nil {
			t.log(LogLevelError, "conclude session=%s error=%v", sess.ID, err)
			continue
		}
		if concluded {
			summary.SessionsConcluded++
		}
	}

	summary.SpotChecksProcessed = spotSummary.Processed
	summary.ChallengesSent += spotSummary.Sent
	summary.Passed += spotSummary.Passed
	summary.Failed += spotSummary.Failed
	summary.Skipped += spotSummary.Skipped
	summary.CircuitRejections += spotSummary.CircuitRejections

	if err := t.metrics.UpdateMetrics(summary, start); err != nil {
		t.log(LogLevelWarn, "update metrics: %v", err)
	}
	if err := t.metrics.UpdateDashboard(t.store, t.agents); err != nil {
		t.log(LogLevelWarn, "update dashboard: %v", err)
	}

	return summary, nil
}

// enqueueDue submits the session's due challenges to the shared
// delivery pool. Results are applied to the session file per challenge
// under its keyed mutex, so the fan-out never races the store.
func (t *TickHandler) enqueueDue(ctx context.Context, g *errgroup.Group, mu *sync.Mutex, sess *model.VerificationSession, summary *TickSummary) {
	now := t.now()
	var due []string
	for _, c := range sess.AllChallenges() {
		if c.Status != model.ChallengePending {
			continue
		}
		scheduled, err := time.Parse(time.RFC3339, c.ScheduledFor)
		if err != nil || scheduled.After(now) {
			continue
		}
		due = append(due, c.ID)
	}

	for _, challengeID := range due {
		challengeID := challengeID
		g.Go(func() error {
			outcome := t.dispatcher.DeliverChallenge(ctx, sess.ID, challengeID)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomePassed:
				summary.ChallengesSent++
				summary.Passed++
			case OutcomeFailed:
				summary.ChallengesSent++
				summary.Failed++
			case OutcomeSkipped:
				summary.ChallengesSent++
				summary.Skipped++
			case OutcomeCircuitRejected:
				summary.CircuitRejections++
			}
			return nil
		})
	}
}

func (t *TickHandler) log(level LogLevel, format string, args ...any) {
	if level < t.logLevel {
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
	t.logger.Printf("%s %s tick: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
