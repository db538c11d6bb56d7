// Package model defines the data structures for verifyd's configuration,
// verification sessions, agent records, and state files.
package model

import (
	"fmt"
	"time"
)

// VerificationSession tracks one agent's multi-day verification run.
// The session file is the source of truth for challenge state; the
// autonomy analysis is always recomputed from it, never persisted.
type VerificationSession struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	// Revision implements compare-and-set on save. Incremented on every
	// successful write; a stale writer gets ErrRevisionConflict.
	Revision int `yaml:"revision"`

	ID         string        `yaml:"id"`
	AgentID    string        `yaml:"agent_id"`
	WebhookURL string        `yaml:"webhook_url"`
	Status     SessionStatus `yaml:"status"`
	CurrentDay int           `yaml:"current_day"`

	StartedAt   string  `yaml:"started_at,omitempty"`
	ConcludedAt *string `yaml:"concluded_at,omitempty"`

	DailyChallenges []DayPlan `yaml:"daily_challenges,omitempty"`

	CreatedAt string `yaml:"created_at"`
	UpdatedAt string `yaml:"updated_at"`
}

// DayPlan groups a verification day's challenges with their burst times.
type DayPlan struct {
	Day            int         `yaml:"day"`
	Challenges     []Challenge `yaml:"challenges"`
	ScheduledTimes []string    `yaml:"scheduled_times,omitempty"`
}

// Challenge is a single prompt delivered to the agent's webhook.
// Invariant: RespondedAt is set iff Status is passed or failed;
// skipped means the response window closed with no answer recorded.
type Challenge struct {
	ID          string `yaml:"id"`
	TemplateID  string `yaml:"template_id"`
	Category    string `yaml:"category"`
	Subcategory string `yaml:"subcategory,omitempty"`
	Type        string `yaml:"type"`
	Prompt      string `yaml:"prompt"`
	// Answer is the server-side expected answer. Never sent to the agent.
	Answer string `yaml:"answer,omitempty"`
	// Nonce is a 16-char hex token the agent must echo back.
	Nonce string `yaml:"nonce"`

	ScheduledFor     string          `yaml:"scheduled_for"`
	SentAt           *string         `yaml:"sent_at,omitempty"`
	RespondedAt      *string         `yaml:"responded_at,omitempty"`
	Response         *string         `yaml:"response,omitempty"`
	Status           ChallengeStatus `yaml:"status"`
	ResponseTimeMs   *int64          `yaml:"response_time_ms,omitempty"`
	IsNightChallenge bool            `yaml:"is_night_challenge"`
	FailureReason    string          `yaml:"failure_reason,omitempty"`
}

// SessionFileType is the file_type header value for session files.
const SessionFileType = "verification_session"

// NewSession creates a pending session record.
func NewSession(id, agentID, webhookURL string, now time.Time) *VerificationSession {
	ts := now.UTC().Format(time.RFC3339)
	return &VerificationSession{
		SchemaVersion: 1,
		FileType:      SessionFileType,
		ID:            id,
		AgentID:       agentID,
		WebhookURL:    webhookURL,
		Status:        SessionPending,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
}

// AllChallenges returns pointers to every challenge across all days,
// in scheduled order.
func (s *VerificationSession) AllChallenges() []*Challenge {
	var out []*Challenge
	for i := range s.DailyChallenges {
		day := &s.DailyChallenges[i]
		for j := range day.Challenges {
			out = append(out, &day.Challenges[j])
		}
	}
	return out
}

// FindChallenge looks up a challenge by ID. Returns nil if absent.
func (s *VerificationSession) FindChallenge(challengeID string) *Challenge {
	for _, c := range s.AllChallenges() {
		if c.ID == challengeID {
			return c
		}
	}
	return nil
}

// Concluded reports whether the session reached a terminal status.
func (s *VerificationSession) Concluded() bool {
	return IsSessionTerminal(s.Status)
}

// AllChallengesTerminal reports whether every challenge reached a
// terminal status. False for a session with no challenges.
func (s *VerificationSession) AllChallengesTerminal() bool {
	all := s.AllChallenges()
	if len(all) == 0 {
		return false
	}
	for _, c := range all {
		if !IsChallengeTerminal(c.Status) {
			return false
		}
	}
	return true
}

// StartedAtTime parses StartedAt. Zero time if unset or malformed.
func (s *VerificationSession) StartedAtTime() time.Time {
	if s.StartedAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.StartedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ElapsedDays returns whole days since the session started.
func (s *VerificationSession) ElapsedDays(now time.Time) int {
	started := s.StartedAtTime()
	if started.IsZero() {
		return 0
	}
	return int(now.Sub(started).Hours() / 24)
}

// Validate checks structural invariants before a session is persisted.
func (s *VerificationSession) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session missing id")
	}
	if s.AgentID == "" {
		return fmt.Errorf("session %s missing agent_id", s.ID)
	}
	if s.WebhookURL == "" {
		return fmt.Errorf("session %s missing webhook_url", s.ID)
	}
	for _, c := range s.AllChallenges() {
		responded := c.RespondedAt != nil
		answered := c.Status == ChallengePassed || c.Status == ChallengeFailed
		if responded != answered && c.FailureReason == "" {
			return fmt.Errorf("challenge %s: responded_at set=%v but status=%s", c.ID, responded, c.Status)
		}
	}
	return nil
}
