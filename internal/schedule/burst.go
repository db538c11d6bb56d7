// Package schedule computes randomized challenge delivery plans.
package schedule

import (
	"math/rand"
	"sort"
	"time"
)

// DefaultWindow is the span over which a verification session's
// challenges are spread.
const DefaultWindow = 72 * time.Hour

// BurstSlot is one randomized delivery slot holding a contiguous group
// of challenge indices.
// Invariant: across a schedule the indices partition {0..n-1} exactly
// once, and slot times are non-decreasing within [start, start+window].
type BurstSlot struct {
	ScheduledTime    time.Time
	ChallengeIndices []int
}

// GenerateSchedule partitions totalChallenges indices into bursts of
// burstSize (the final burst may be smaller) and draws each burst's
// delivery time uniformly at random within [startTime, startTime+window],
// then sorts the slots chronologically. Randomizing whole bursts rather
// than individual challenges keeps delivery overhead low while denying a
// human minder any fixed check times to cover.
//
// totalChallenges == 0 yields an empty schedule. burstSize < 1 is
// treated as 1. A nil rng falls back to a time-seeded source.
func GenerateSchedule(startTime time.Time, totalChallenges, burstSize int, window time.Duration, rng *rand.Rand) []BurstSlot {
	if totalChallenges <= 0 {
		return nil
	}
	if burstSize < 1 {
		burstSize = 1
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	slotCount := (totalChallenges + burstSize - 1) / burstSize
	slots := make([]BurstSlot, 0, slotCount)

	for i := 0; i < slotCount; i++ {
		lo := i * burstSize
		hi := lo + burstSize
		if hi > totalChallenges {
			hi = totalChallenges
		}

		indices := make([]int, 0, hi-lo)
		for idx := lo; idx < hi; idx++ {
			indices = append(indices, idx)
		}

		offset := time.Duration(rng.Int63n(int64(window)))
		slots = append(slots, BurstSlot{
			ScheduledTime:    startTime.Add(offset),
			ChallengeIndices: indices,
		})
	}

	sort.Slice(slots, func(i, j int) bool {
		return slots[i].ScheduledTime.Before(slots[j].ScheduledTime)
	})

	return slots
}

// IsNightHour reports whether the hour falls in the night band
// [startHour, endHour). A band crossing midnight (e.g. 22 → 6) is
// handled by wrapping.
func IsNightHour(hour, startHour, endHour int) bool {
	if startHour == endHour {
		return false
	}
	if startHour < endHour {
		return hour >= startHour && hour < endHour
	}
	return hour >= startHour || hour < endHour
}
