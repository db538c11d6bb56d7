// Package webhook delivers challenge envelopes to agent endpoints over
// HTTP and decodes their replies.
package webhook

import "fmt"

// EnvelopeType values accepted by agent webhooks.
const (
	TypeChallenge = "challenge"
	TypeSpotCheck = "spot_check"
)

// Envelope is the JSON body POSTed to an agent's webhook URL. The
// answer never travels with the envelope; grading happens server-side.
type Envelope struct {
	Type                 string `json:"type"`
	ChallengeID          string `json:"challenge_id"`
	Prompt               string `json:"prompt"`
	ChallengeType        string `json:"challenge_type"`
	Nonce                string `json:"nonce"`
	RespondWithinSeconds int    `json:"respond_within_seconds"`
}

// Reply is the JSON body an agent must return. The nonce must echo the
// envelope's nonce or the reply is rejected as a replay.
type Reply struct {
	Response string `json:"response"`
	Nonce    string `json:"nonce"`
}

// Validate checks an envelope before it leaves the dispatcher.
func (e Envelope) Validate() error {
	if e.Type != TypeChallenge && e.Type != TypeSpotCheck {
		return fmt.Errorf("invalid envelope type %q", e.Type)
	}
	if e.ChallengeID == "" {
		return fmt.Errorf("envelope missing challenge_id")
	}
	if e.Prompt == "" {
		return fmt.Errorf("envelope missing prompt")
	}
	if e.Nonce == "" {
		return fmt.Errorf("envelope missing nonce")
	}
	if e.RespondWithinSeconds <= 0 {
		return fmt.Errorf("respond_within_seconds must be positive, got %d", e.RespondWithinSeconds)
	}
	return nil
}
