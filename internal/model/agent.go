package model

import "time"

// AgentRecord is the per-agent trust state. trust_tier is owned by the
// wider platform; verifyd writes it on verified promotion and only
// records recommended_tier for demotions (the platform applies those).
type AgentRecord struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Revision      int    `yaml:"revision"`

	AgentID    string `yaml:"agent_id"`
	WebhookURL string `yaml:"webhook_url"`
	// ModelName is the agent's self-reported model, compared against the
	// model-detection fingerprint.
	ModelName string `yaml:"model_name,omitempty"`

	TrustTier       string  `yaml:"trust_tier"`
	RecommendedTier *string `yaml:"recommended_tier,omitempty"`

	Verified   bool    `yaml:"verified"`
	VerifiedAt *string `yaml:"verified_at,omitempty"`

	LastSpotCheckAt      *string          `yaml:"last_spot_check_at,omitempty"`
	ConsecutiveSpotFails int              `yaml:"consecutive_spot_check_failures"`
	SpotCheckHistory     []SpotCheckEntry `yaml:"spot_check_history,omitempty"`

	CreatedAt string `yaml:"created_at"`
	UpdatedAt string `yaml:"updated_at"`
}

// SpotCheckEntry records one post-verification spot check.
type SpotCheckEntry struct {
	ID             string          `yaml:"id"`
	ChallengeID    string          `yaml:"challenge_id"`
	Status         SpotCheckStatus `yaml:"status"`
	SentAt         string          `yaml:"sent_at"`
	ResponseTimeMs *int64          `yaml:"response_time_ms,omitempty"`
	FailureReason  string          `yaml:"failure_reason,omitempty"`
}

// AgentFileType is the file_type header value for agent record files.
const AgentFileType = "agent_record"

// NewAgentRecord creates an unverified spawn-tier agent record.
func NewAgentRecord(agentID, webhookURL, modelName string, now time.Time) *AgentRecord {
	ts := now.UTC().Format(time.RFC3339)
	return &AgentRecord{
		SchemaVersion: 1,
		FileType:      AgentFileType,
		AgentID:       agentID,
		WebhookURL:    webhookURL,
		ModelName:     modelName,
		TrustTier:     "spawn",
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
}

// LastSpotCheckTime parses LastSpotCheckAt. Zero time if unset.
func (a *AgentRecord) LastSpotCheckTime() time.Time {
	if a.LastSpotCheckAt == nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, *a.LastSpotCheckAt)
	if err != nil {
		return time.Time{}
	}
	return t
}
