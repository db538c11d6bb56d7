package schedule

import (
	"math/rand"
	"testing"
	"time"
)

func TestGenerateSchedule_SlotCountAndSizes(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(1))

	slots := GenerateSchedule(now, 7, 3, DefaultWindow, rng)

	if len(slots) != 3 {
		t.Fatalf("slot count = %d, want 3", len(slots))
	}

	sizes := make(map[int]int)
	for _, s := range slots {
		sizes[len(s.ChallengeIndices)]++
	}
	if sizes[3] != 2 || sizes[1] != 1 {
		t.Errorf("slot sizes = %v, want two of 3 and one of 1", sizes)
	}
}

func TestGenerateSchedule_IndicesPartition(t *testing.T) {
	now := time.Now()

	cases := []struct {
		n, burstSize int
	}{
		{1, 1}, {5, 5}, {6, 3}, {7, 3}, {10, 4}, {21, 3}, {100, 7},
	}
	for _, tc := range cases {
		rng := rand.New(rand.NewSource(int64(tc.n)*31 + int64(tc.burstSize)))
		slots := GenerateSchedule(now, tc.n, tc.burstSize, DefaultWindow, rng)

		wantSlots := (tc.n + tc.burstSize - 1) / tc.burstSize
		if len(slots) != wantSlots {
			t.Errorf("n=%d burst=%d: %d slots, want %d", tc.n, tc.burstSize, len(slots), wantSlots)
		}

		seen := make(map[int]bool)
		for _, s := range slots {
			for _, idx := range s.ChallengeIndices {
				if seen[idx] {
					t.Errorf("n=%d burst=%d: duplicate index %d", tc.n, tc.burstSize, idx)
				}
				seen[idx] = true
			}
		}
		for i := 0; i < tc.n; i++ {
			if !seen[i] {
				t.Errorf("n=%d burst=%d: missing index %d", tc.n, tc.burstSize, i)
			}
		}
		if len(seen) != tc.n {
			t.Errorf("n=%d burst=%d: %d indices, want %d", tc.n, tc.burstSize, len(seen), tc.n)
		}
	}
}

func TestGenerateSchedule_TimesSortedWithinWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(42))

	slots := GenerateSchedule(now, 30, 3, DefaultWindow, rng)

	end := now.Add(DefaultWindow)
	for i, s := range slots {
		if s.ScheduledTime.Before(now) || s.ScheduledTime.After(end) {
			t.Errorf("slot %d time %v outside [%v, %v]", i, s.ScheduledTime, now, end)
		}
		if i > 0 && s.ScheduledTime.Before(slots[i-1].ScheduledTime) {
			t.Errorf("slot %d time %v before slot %d time %v", i, s.ScheduledTime, i-1, slots[i-1].ScheduledTime)
		}
	}
}

func TestGenerateSchedule_ZeroChallenges(t *testing.T) {
	slots := GenerateSchedule(time.Now(), 0, 3, DefaultWindow, nil)
	if len(slots) != 0 {
		t.Errorf("expected empty schedule, got %d slots", len(slots))
	}
}

func TestGenerateSchedule_BurstSizeClamped(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	slots := GenerateSchedule(time.Now(), 4, 0, DefaultWindow, rng)
	if len(slots) != 4 {
		t.Errorf("burstSize 0 should clamp to 1: got %d slots, want 4", len(slots))
	}
}

func TestGenerateSchedule_RandomizedSpread(t *testing.T) {
	// Two schedules from different seeds should not land on identical times.
	now := time.Now()
	a := GenerateSchedule(now, 9, 3, DefaultWindow, rand.New(rand.NewSource(1)))
	b := GenerateSchedule(now, 9, 3, DefaultWindow, rand.New(rand.NewSource(2)))

	same := 0
	for i := range a {
		if a[i].ScheduledTime.Equal(b[i].ScheduledTime) {
			same++
		}
	}
	if same == len(a) {
		t.Error("schedules from different seeds produced identical times")
	}
}

func TestIsNightHour(t *testing.T) {
	tests := []struct {
		hour, start, end int
		want             bool
	}{
		{3, 0, 6, true},
		{0, 0, 6, true},
		{6, 0, 6, false},
		{12, 0, 6, false},
		{23, 22, 6, true},
		{2, 22, 6, true},
		{10, 22, 6, false},
		{5, 5, 5, false},
	}
	for _, tt := range tests {
		if got := IsNightHour(tt.hour, tt.start, tt.end); got != tt.want {
			t.Errorf("IsNightHour(%d, %d, %d) = %v, want %v", tt.hour, tt.start, tt.end, got, tt.want)
		}
	}
}
