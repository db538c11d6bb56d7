package daemon

import (
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/bottomfeed/verifyd/internal/analyze"
	"github.com/bottomfeed/verifyd/internal/challenge"
	"github.com/bottomfeed/verifyd/internal/events"
	"github.com/bottomfeed/verifyd/internal/model"
	"github.com/bottomfeed/verifyd/internal/schedule"
	"github.com/bottomfeed/verifyd/internal/store"
	"github.com/bottomfeed/verifyd/internal/tier"
)

// SessionHandler owns the session lifecycle: creation, activation with
// a randomized challenge schedule, and conclusion with the autonomy
// verdict and any tier promotion.
type SessionHandler struct {
	config   model.Config
	store    *store.SessionStore
	agents   *store.AgentDirectory
	bus      *events.Bus
	logger   *log.Logger
	logLevel LogLevel

	now func() time.Time
	rng *rand.Rand
}

func NewSessionHandler(
	cfg model.Config,
	sessions *store.SessionStore,
	agents *store.AgentDirectory,
	bus *events.Bus,
	logger *log.Logger,
	logLevel LogLevel,
) *SessionHandler {
	return &SessionHandler{
		config:   cfg,
		store:    sessions,
		agents:   agents,
		bus:      bus,
		logger:   logger,
		logLevel: logLevel,
		now:      time.Now,
	}
}

// CreateForAgent creates a pending verification session for an agent,
// registering the agent record on first contact. An agent can only
// run one non-terminal session at a time.
func (h *SessionHandler) CreateForAgent(agentID, webhookURL, modelName string) (*model.VerificationSession, error) {
	now := h.now()

	if _, err := h.agents.Get(agentID); err != nil {
		if err := h.agents.Create(model.NewAgentRecord(agentID, webhookURL, modelName, now)); err != nil {
			return nil, fmt.Errorf("register agent %s: %w", agentID, err)
		}
	}

	if existing, err := h.store.GetByAgent(agentID); err == nil && !existing.Concluded() {
		return nil, fmt.Errorf("agent %s already has an active session %s", agentID, existing.ID)
	}

	id, err := model.GenerateID(model.IDTypeSession)
	if err != nil {
		return nil, err
	}
	sess := model.NewSession(id, agentID, webhookURL, now)
	if err := h.store.Create(sess); err != nil {
		return nil, err
	}
	h.log(LogLevelInfo, "session created id=%s agent=%s", sess.ID, agentID)
	return sess, nil
}

// Activate moves a pending session to in_progress: it generates the
// challenge set, spreads it over the verification window in randomized
// bursts, and flags night-window challenges.
func (h *SessionHandler) Activate(sessionID string) error {
	cfg := h.config.Verification
	now := h.now()

	updated, err := h.store.Update(sessionID, func(sess *model.VerificationSession) error {
		if err := model.ValidateSessionTransition(sess.Status, model.SessionInProgress); err != nil {
			return err
		}

		challenges, err := challenge.BuildSet(cfg.ChallengeCount, h.rng)
		if err != nil {
			return err
		}

		window := time.Duration(cfg.WindowHours) * time.Hour
		slots := schedule.GenerateSchedule(now, len(challenges), cfg.BurstSize, window, h.rng)

		for _, slot := range slots {
			for _, idx := range slot.ChallengeIndices {
				ch := &challenges[idx]
				ch.ScheduledFor = slot.ScheduledTime.Format(time.RFC3339)
				ch.IsNightChallenge = schedule.IsNightHour(slot.ScheduledTime.Hour(), cfg.NightStartHour, cfg.NightEndHour)
			}
		}

		sess.DailyChallenges = groupByDay(challenges, now)
		sess.Status = model.SessionInProgress
		sess.StartedAt = now.UTC().Format(time.RFC3339)
		sess.CurrentDay = 1
		return nil
	})
	if err != nil {
		return err
	}

	h.log(LogLevelInfo, "session activated id=%s agent=%s challenges=%d", updated.ID, updated.AgentID, len(updated.AllChallenges()))
	h.bus.Publish(events.EventSessionActivated, map[string]interface{}{
		"session_id": updated.ID,
		"agent_id":   updated.AgentID,
		"challenges": len(updated.AllChallenges()),
	})
	return nil
}

// groupByDay partitions scheduled challenges into per-day plans,
// keeping each day's challenges in delivery order.
func groupByDay(challenges []model.Challenge, start time.Time) []model.DayPlan {
	byDay := make(map[int][]model.Challenge)
	times := make(map[int]map[string]bool)

	for _, ch := range challenges {
		scheduled, err := time.Parse(time.RFC3339, ch.ScheduledFor)
		if err != nil {
			continue
		}
		day := int(scheduled.Sub(start).Hours()/24) + 1
		if day < 1 {
			day = 1
		}
		byDay[day] = append(byDay[day], ch)
		if times[day] == nil {
			times[day] = make(map[string]bool)
		}
		times[day][ch.ScheduledFor] = true
	}

	days := make([]int, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Ints(days)

	plans := make([]model.DayPlan, 0, len(days))
	for _, d := range days {
		chs := byDay[d]
		sort.Slice(chs, func(i, j int) bool { return chs[i].ScheduledFor < chs[j].ScheduledFor })

		slotTimes := make([]string, 0, len(times[d]))
		for ts := range times[d] {
			slotTimes = append(slotTimes, ts)
		}
		sort.Strings(slotTimes)

		plans = append(plans, model.DayPlan{
			Day:            d,
			Challenges:     chs,
			ScheduledTimes: slotTimes,
		})
	}
	return plans
}

// AdvanceDay keeps an in-progress session's CurrentDay in step with
// wall-clock progress through the verification window, capped at the
// window's final day.
func (h *SessionHandler) AdvanceDay(sessionID string) error {
	now := h.now()

	sess, err := h.store.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status != model.SessionInProgress || sess.StartedAtTime().IsZero() {
		return nil
	}

	day := sess.ElapsedDays(now) + 1
	if maxDay := (h.config.Verification.WindowHours + 23) / 24; day > maxDay {
		day = maxDay
	}
	if day == sess.CurrentDay {
		return nil
	}

	_, err = h.store.Update(sessionID, func(sess *model.VerificationSession) error {
		if sess.Status != model.SessionInProgress {
			return nil
		}
		sess.CurrentDay = day
		return nil
	})
	if err != nil {
		return err
	}
	h.log(LogLevelDebug, "session day advanced id=%s day=%d", sessionID, day)
	return nil
}

// MaybeConclude concludes an in_progress session once every challenge
// is terminal or the verification window has elapsed. Conclusion
// recomputes the autonomy analysis, sets the terminal status, and
// applies any earned tier promotion to the agent record.
func (h *SessionHandler) MaybeConclude(sessionID string) (bool, error) {
	now := h.now()

	sess, err := h.store.Get(sessionID)
	if err != nil {
		return false, err
	}
	if sess.Status != model.SessionInProgress {
		return false, nil
	}

	window := time.Duration(h.config.Verification.WindowHours) * time.Hour
	windowElapsed := !sess.StartedAtTime().IsZero() && now.Sub(sess.StartedAtTime()) >= window
	if !sess.AllChallengesTerminal() && !windowElapsed {
		return false, nil
	}

	// Window elapsed with challenges still pending: they were never
	// delivered, which is the agent's silence, not ours. Mark them
	// skipped so the analysis sees them.
	analysis := analyze.Analysis{}
	updated, err := h.store.Update(sessionID, func(sess *model.VerificationSession) error {
		if sess.Status != model.SessionInProgress {
			return fmt.Errorf("session %s concluded concurrently", sessionID)
		}
		for _, c := range sess.AllChallenges() {
			if c.Status == model.ChallengePending {
				c.Status = model.ChallengeSkipped
				c.FailureReason = "verification window elapsed"
			}
		}

		analysis = analyze.Analyze(sess)

		final := model.SessionCompleted
		if analysis.Verdict == analyze.VerdictLikelyHuman {
			final = model.SessionFailed
		}
		if err := model.ValidateSessionTransition(sess.Status, final); err != nil {
			return err
		}
		sess.Status = final
		concluded := now.UTC().Format(time.RFC3339)
		sess.ConcludedAt = &concluded
		return nil
	})
	if err != nil {
		return false, err
	}

	h.log(LogLevelInfo, "session concluded id=%s agent=%s status=%s score=%.1f verdict=%s",
		updated.ID, updated.AgentID, updated.Status, analysis.Score, analysis.Verdict)
	h.bus.Publish(events.EventSessionConcluded, map[string]interface{}{
		"session_id": updated.ID,
		"agent_id":   updated.AgentID,
		"status":     string(updated.Status),
		"score":      analysis.Score,
		"verdict":    string(analysis.Verdict),
		"reasons":    analysis.Reasons,
	})

	h.applyVerdict(updated, analysis, now)
	return true, nil
}

// applyVerdict updates the agent record after a concluded session:
// verified flag, tier promotion, and the advisory model fingerprint.
func (h *SessionHandler) applyVerdict(sess *model.VerificationSession, analysis analyze.Analysis, now time.Time) {
	agent, err := h.agents.Get(sess.AgentID)
	if err != nil {
		h.log(LogLevelWarn, "agent record missing for session=%s agent=%s: %v", sess.ID, sess.AgentID, err)
		return
	}

	detection := h.fingerprint(sess, agent.ModelName)
	if detection.Mismatch {
		h.log(LogLevelWarn, "model fingerprint mismatch agent=%s reported=%s detected=%s confidence=%.2f",
			agent.AgentID, agent.ModelName, detection.Family, detection.Confidence)
	}

	if sess.Status != model.SessionCompleted || analysis.Verdict != analyze.VerdictAutonomous {
		return
	}

	verifiedDays := sess.ElapsedDays(now)
	if agent.Verified && agent.VerifiedAt != nil {
		if t, err := time.Parse(time.RFC3339, *agent.VerifiedAt); err == nil {
			if days := int(now.Sub(t).Hours() / 24); days > verifiedDays {
				verifiedDays = days
			}
		}
	}

	promotion, err := tier.RecommendPromotion(agent, analysis, verifiedDays)
	if err != nil {
		h.log(LogLevelWarn, "promotion check agent=%s: %v", agent.AgentID, err)
		return
	}

	_, err = h.agents.Update(agent.AgentID, func(rec *model.AgentRecord) error {
		if !rec.Verified {
			rec.Verified = true
			ts := now.UTC().Format(time.RFC3339)
			rec.VerifiedAt = &ts
		}
		if promotion != nil {
			rec.TrustTier = promotion.Name
			rec.RecommendedTier = nil
			rec.ConsecutiveSpotFails = 0
		}
		return nil
	})
	if err != nil {
		h.log(LogLevelError, "update agent=%s after verdict: %v", agent.AgentID, err)
		return
	}

	if promotion != nil {
		h.log(LogLevelInfo, "agent promoted agent=%s tier=%s", agent.AgentID, promotion.Name)
		h.bus.Publish(events.EventTierRecommended, map[string]interface{}{
			"agent_id":  agent.AgentID,
			"direction": "promotion",
			"tier":      promotion.Name,
		})
	}
}

func (h *SessionHandler) fingerprint(sess *model.VerificationSession, modelName string) analyze.Detection {
	var responses []string
	for _, c := range sess.AllChallenges() {
		if c.Response != nil {
			responses = append(responses, *c.Response)
		}
	}
	return analyze.DetectModelFamily(responses, modelName)
}

// ForceRescheduleNextBurst moves the session's next pending burst to a
// fresh random time inside the remaining window. Audited admin
// mutation.
func (h *SessionHandler) ForceRescheduleNextBurst(sessionID, operator string) (string, error) {
	now := h.now()
	rng := h.rng
	if rng == nil {
		rng = rand.New(rand.NewSource(now.UnixNano()))
	}

	var newTime string
	updated, err := h.store.Update(sessionID, func(sess *model.VerificationSession) error {
		if sess.Concluded() {
			return fmt.Errorf("session %s already concluded", sessionID)
		}

		// Earliest pending slot time is the next burst.
		nextSlot := ""
		for _, c := range sess.AllChallenges() {
			if c.Status != model.ChallengePending {
				continue
			}
			if nextSlot == "" || c.ScheduledFor < nextSlot {
				nextSlot = c.ScheduledFor
			}
		}
		if nextSlot == "" {
			return fmt.Errorf("session %s has no pending challenges", sessionID)
		}

		windowEnd := sess.StartedAtTime().Add(time.Duration(h.config.Verification.WindowHours) * time.Hour)
		remaining := windowEnd.Sub(now)
		if remaining <= 0 {
			remaining = time.Minute
		}
		rescheduled := now.Add(time.Duration(rng.Int63n(int64(remaining))))
		newTime = rescheduled.Format(time.RFC3339)

		for _, c := range sess.AllChallenges() {
			if c.Status == model.ChallengePending && c.ScheduledFor == nextSlot {
				c.ScheduledFor = newTime
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	h.log(LogLevelInfo, "next burst rescheduled session=%s operator=%s new_time=%s", sessionID, operator, newTime)
	h.bus.Publish(events.EventAdminMutation, map[string]interface{}{
		"session_id": updated.ID,
		"agent_id":   updated.AgentID,
		"mutation":   "force_reschedule_next_burst",
		"operator":   operator,
		"new_time":   newTime,
	})
	return newTime, nil
}

func (h *SessionHandler) log(level LogLevel, format string, args ...any) {
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
	h.logger.Printf("%s %s session: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
