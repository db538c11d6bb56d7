// Package analyze computes the statistical autonomy verdict for a
// verification session and the advisory model-family fingerprint.
package analyze

import (
	"fmt"
	"math"

	"github.com/bottomfeed/verifyd/internal/model"
)

// Verdict is the analyzer's conclusion about who answered the
// challenges.
type Verdict string

const (
	VerdictAutonomous  Verdict = "autonomous"
	VerdictSuspicious  Verdict = "suspicious"
	VerdictLikelyHuman Verdict = "likely_human_directed"
)

// Score thresholds. At or above the autonomous threshold the agent
// verifies; below the human threshold the session fails.
const (
	ThresholdAutonomous = 75.0
	ThresholdHuman      = 50.0
)

// Signal weights. They sum to 1.
const (
	WeightUptime   = 0.30
	WeightNight    = 0.30
	WeightVariance = 0.20
	WeightOffline  = 0.20
)

// neutralNightSignal is used when a session happened to schedule no
// night challenges: absence of night data is not evidence either way,
// but it leaves the agent slightly less proven than full coverage.
const neutralNightSignal = 70.0

// Signals are the four component scores, each normalized to 0-100.
type Signals struct {
	OverallUptime             float64 `yaml:"overall_uptime" json:"overall_uptime"`
	NightChallengePerformance float64 `yaml:"night_challenge_performance" json:"night_challenge_performance"`
	ResponseTimeConsistency   float64 `yaml:"response_time_consistency" json:"response_time_consistency"`
	OfflinePattern            float64 `yaml:"offline_pattern" json:"offline_pattern"`
}

// Analysis is the recomputable result of scoring a session. It is
// never persisted; callers derive it from the session file on demand.
type Analysis struct {
	Score   float64  `yaml:"score" json:"score"`
	Verdict Verdict  `yaml:"verdict" json:"verdict"`
	Signals Signals  `yaml:"signals" json:"signals"`
	Reasons []string `yaml:"reasons,omitempty" json:"reasons,omitempty"`
}

// Analyze scores a session from its terminal challenges. A session
// with no terminal challenges yet scores neutral 50 across the board
// and reads suspicious; it never errors, so the analyzer is safe to
// call at any point in the session lifecycle.
func Analyze(session *model.VerificationSession) Analysis {
	var terminal []*model.Challenge
	for _, c := range session.AllChallenges() {
		if model.IsChallengeTerminal(c.Status) {
			terminal = append(terminal, c)
		}
	}

	if len(terminal) == 0 {
		return Analysis{
			Score:   50,
			Verdict: VerdictSuspicious,
			Signals: Signals{
				OverallUptime:             50,
				NightChallengePerformance: 50,
				ResponseTimeConsistency:   50,
				OfflinePattern:            50,
			},
			Reasons: []string{"no completed challenges to analyze"},
		}
	}

	sig := Signals{
		OverallUptime:             uptimeSignal(terminal),
		NightChallengePerformance: nightSignal(terminal),
		ResponseTimeConsistency:   consistencySignal(terminal),
		OfflinePattern:            offlineSignal(terminal),
	}

	score := WeightUptime*sig.OverallUptime +
		WeightNight*sig.NightChallengePerformance +
		WeightVariance*sig.ResponseTimeConsistency +
		WeightOffline*sig.OfflinePattern
	score = math.Round(score*10) / 10

	return Analysis{
		Score:   score,
		Verdict: verdictFor(score),
		Signals: sig,
		Reasons: reasonsFor(sig, terminal),
	}
}

func verdictFor(score float64) Verdict {
	switch {
	case score >= ThresholdAutonomous:
		return VerdictAutonomous
	case score < ThresholdHuman:
		return VerdictLikelyHuman
	default:
		return VerdictSuspicious
	}
}

// uptimeSignal is the fraction of challenges that received any answer
// (passed or failed) rather than timing out.
func uptimeSignal(terminal []*model.Challenge) float64 {
	answered := 0
	for _, c := range terminal {
		if c.RespondedAt != nil {
			answered++
		}
	}
	return 100 * float64(answered) / float64(len(terminal))
}

// nightSignal is the answered fraction restricted to night-window
// challenges, the hours a human minder is least likely to cover.
func nightSignal(terminal []*model.Challenge) float64 {
	total, answered := 0, 0
	for _, c := range terminal {
		if !c.IsNightChallenge {
			continue
		}
		total++
		if c.RespondedAt != nil {
			answered++
		}
	}
	if total == 0 {
		return neutralNightSignal
	}
	return 100 * float64(answered) / float64(total)
}

// consistencySignal maps the coefficient of variation of response
// times to 0-100. A machine answers in near-constant time; wide swings
// suggest a human in the loop. CV 0 scores 100, CV >= 2 scores 0.
// Fewer than two samples is neutral.
func consistencySignal(terminal []*model.Challenge) float64 {
	var samples []float64
	for _, c := range terminal {
		if c.ResponseTimeMs != nil {
			samples = append(samples, float64(*c.ResponseTimeMs))
		}
	}
	if len(samples) < 2 {
		return 50
	}

	mean := 0.0
	for _, v := range samples {
		mean += v
	}
	mean /= float64(len(samples))
	if mean <= 0 {
		return 50
	}

	variance := 0.0
	for _, v := range samples {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(samples))
	cv := math.Sqrt(variance) / mean

	sig := 100 * (1 - cv/2)
	return clamp(sig, 0, 100)
}

// offlineSignal penalizes long contiguous runs of skipped challenges,
// which look like the agent's host simply being off. A single isolated
// skip is not penalized.
func offlineSignal(terminal []*model.Challenge) float64 {
	longest, run := 0, 0
	for _, c := range terminal {
		if c.Status == model.ChallengeSkipped {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	if longest == 0 {
		return 100
	}
	return clamp(100-25*float64(longest-1), 0, 100)
}

func reasonsFor(sig Signals, terminal []*model.Challenge) []string {
	var reasons []string

	if sig.OverallUptime < 70 {
		answered := 0
		for _, c := range terminal {
			if c.RespondedAt != nil {
				answered++
			}
		}
		reasons = append(reasons, fmt.Sprintf("low uptime: answered %d of %d challenges", answered, len(terminal)))
	}
	if sig.NightChallengePerformance < 70 && sig.NightChallengePerformance != neutralNightSignal {
		reasons = append(reasons, "weak night coverage: challenges in the night window went unanswered")
	}
	if sig.ResponseTimeConsistency < 50 {
		reasons = append(reasons, "response times vary widely, consistent with a human in the loop")
	}
	if sig.OfflinePattern < 75 {
		reasons = append(reasons, "extended offline stretch: multiple consecutive challenges skipped")
	}

	return reasons
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
