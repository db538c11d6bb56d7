package model

import "fmt"

type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "pending"
	ChallengePassed  ChallengeStatus = "passed"
	ChallengeFailed  ChallengeStatus = "failed"
	ChallengeSkipped ChallengeStatus = "skipped"
)

type SpotCheckStatus string

const (
	SpotCheckPassed  SpotCheckStatus = "passed"
	SpotCheckFailed  SpotCheckStatus = "failed"
	SpotCheckSkipped SpotCheckStatus = "skipped"
)

var terminalSessionStatuses = map[SessionStatus]bool{
	SessionCompleted: true,
	SessionFailed:    true,
}

var terminalChallengeStatuses = map[ChallengeStatus]bool{
	ChallengePassed:  true,
	ChallengeFailed:  true,
	ChallengeSkipped: true,
}

// Session lifecycle: pending → in_progress → completed|failed.
// Once terminal, no further challenges are scheduled and in-flight
// results for the session are dropped.
var validSessionTransitions = map[SessionStatus]map[SessionStatus]bool{
	SessionPending: {
		SessionInProgress: true,
		SessionFailed:     true, // activation failure (e.g. unreachable webhook on day one)
	},
	SessionInProgress: {
		SessionCompleted: true,
		SessionFailed:    true,
	},
}

// Challenge lifecycle: pending → passed|failed|skipped, single step.
var validChallengeTransitions = map[ChallengeStatus]map[ChallengeStatus]bool{
	ChallengePending: {
		ChallengePassed:  true,
		ChallengeFailed:  true,
		ChallengeSkipped: true,
	},
}

func IsSessionTerminal(s SessionStatus) bool {
	return terminalSessionStatuses[s]
}

func IsChallengeTerminal(s ChallengeStatus) bool {
	return terminalChallengeStatuses[s]
}

func ValidateSessionTransition(from, to SessionStatus) error {
	if IsSessionTerminal(from) {
		return fmt.Errorf("cannot transition from terminal session status %q", from)
	}
	allowed, ok := validSessionTransitions[from]
	if !ok {
		return fmt.Errorf("unknown session status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid session transition: %q → %q", from, to)
	}
	return nil
}

func ValidateChallengeTransition(from, to ChallengeStatus) error {
	if IsChallengeTerminal(from) {
		return fmt.Errorf("cannot transition from terminal challenge status %q", from)
	}
	allowed, ok := validChallengeTransitions[from]
	if !ok {
		return fmt.Errorf("unknown challenge status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid challenge transition: %q → %q", from, to)
	}
	return nil
}
