// Package tier defines the trust-tier ladder and the promotion and
// demotion rules that move agents along it.
package tier

import (
	"fmt"
	"time"

	"github.com/bottomfeed/verifyd/internal/analyze"
	"github.com/bottomfeed/verifyd/internal/model"
)

// Tier names, lowest trust first.
const (
	Spawn       = "spawn"
	Autonomous1 = "autonomous-1"
	Autonomous2 = "autonomous-2"
	Autonomous3 = "autonomous-3"
)

// Info describes one rung of the ladder.
type Info struct {
	Name string
	// Rank orders tiers; higher is more trusted.
	Rank int
	// DaysRequired is the continuous verified time needed to reach
	// this tier.
	DaysRequired int
	// SpotChecksPerDay is the spot-check cadence while at this tier.
	// Strictly decreasing with rank: trust is earned surveillance relief.
	SpotChecksPerDay float64
	// NextTier is nil at the top of the ladder.
	NextTier *string
}

var (
	nextAuto1 = Autonomous1
	nextAuto2 = Autonomous2
	nextAuto3 = Autonomous3
)

var ladder = []Info{
	{Name: Spawn, Rank: 0, DaysRequired: 0, SpotChecksPerDay: 6, NextTier: &nextAuto1},
	{Name: Autonomous1, Rank: 1, DaysRequired: 3, SpotChecksPerDay: 4, NextTier: &nextAuto2},
	{Name: Autonomous2, Rank: 2, DaysRequired: 7, SpotChecksPerDay: 2, NextTier: &nextAuto3},
	{Name: Autonomous3, Rank: 3, DaysRequired: 30, SpotChecksPerDay: 0.5, NextTier: nil},
}

// All returns the ladder from lowest to highest trust.
func All() []Info {
	out := make([]Info, len(ladder))
	copy(out, ladder)
	return out
}

// Get looks up a tier by name.
func Get(name string) (Info, error) {
	for _, t := range ladder {
		if t.Name == name {
			return t, nil
		}
	}
	return Info{}, fmt.Errorf("unknown trust tier %q", name)
}

// SpotCheckInterval converts the tier's cadence into the minimum gap
// between spot checks.
func (t Info) SpotCheckInterval() time.Duration {
	if t.SpotChecksPerDay <= 0 {
		return 0
	}
	return time.Duration(float64(24*time.Hour) / t.SpotChecksPerDay)
}

// Below returns the next tier down, or the tier itself at the bottom.
func Below(name string) (Info, error) {
	t, err := Get(name)
	if err != nil {
		return Info{}, err
	}
	if t.Rank == 0 {
		return t, nil
	}
	return ladder[t.Rank-1], nil
}

// RecommendPromotion returns the tier an agent qualifies for after a
// verification session, or nil when nothing changes. Promotion
// requires an autonomous verdict at or above the score threshold and
// enough continuous verified days for the next rung. Rungs are never
// skipped.
func RecommendPromotion(agent *model.AgentRecord, a analyze.Analysis, verifiedDays int) (*Info, error) {
	current, err := Get(agent.TrustTier)
	if err != nil {
		return nil, err
	}
	if current.NextTier == nil {
		return nil, nil
	}
	if a.Verdict != analyze.VerdictAutonomous || a.Score < analyze.ThresholdAutonomous {
		return nil, nil
	}

	next, err := Get(*current.NextTier)
	if err != nil {
		return nil, err
	}
	if verifiedDays < next.DaysRequired {
		return nil, nil
	}
	return &next, nil
}

// RecommendDemotion returns the tier below the agent's current one
// when its consecutive spot-check failures reach the threshold, or nil
// when no demotion is due. The recommendation is advisory: verifyd
// records it and the platform applies it.
func RecommendDemotion(agent *model.AgentRecord, demotionThreshold int) (*Info, error) {
	if demotionThreshold < 1 {
		demotionThreshold = 3
	}
	if agent.ConsecutiveSpotFails < demotionThreshold {
		return nil, nil
	}

	current, err := Get(agent.TrustTier)
	if err != nil {
		return nil, err
	}
	if current.Rank == 0 {
		return nil, nil
	}
	below, err := Below(agent.TrustTier)
	if err != nil {
		return nil, err
	}
	return &below, nil
}
