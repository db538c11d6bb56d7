package model

type Config struct {
	Platform     PlatformConfig     `yaml:"platform"`
	Verification VerificationConfig `yaml:"verification"`
	Delivery     DeliveryConfig     `yaml:"delivery"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	SpotCheck    SpotCheckConfig    `yaml:"spot_check"`
	Daemon       DaemonConfig       `yaml:"daemon"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type PlatformConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type VerificationConfig struct {
	// ChallengeCount is the number of challenges generated for a new session.
	ChallengeCount int `yaml:"challenge_count"`
	// BurstSize is the number of challenges grouped into one delivery slot.
	BurstSize int `yaml:"burst_size"`
	// WindowHours is the span of the randomized delivery plan.
	WindowHours int `yaml:"window_hours"`
	// Night hours are local [start, end); challenges scheduled there are
	// flagged is_night_challenge and weigh into the night-performance signal.
	NightStartHour int `yaml:"night_start_hour"`
	NightEndHour   int `yaml:"night_end_hour"`
	// ResponseWindowSec is the respond_within_seconds contract sent to the
	// agent; it doubles as the per-attempt HTTP timeout.
	ResponseWindowSec int `yaml:"response_window_sec"`
}

type DeliveryConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	BaseDelayMs    int `yaml:"base_delay_ms"`
	WorkerPoolSize int `yaml:"worker_pool_size"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSec        int `yaml:"window_sec"`
	CooldownSec      int `yaml:"cooldown_sec"`
}

type SpotCheckConfig struct {
	// DemotionThreshold is the consecutive-failure count after which a
	// tier demotion is recommended.
	DemotionThreshold int `yaml:"demotion_threshold"`
	// HistoryLimit caps the spot-check entries retained per agent record.
	HistoryLimit int `yaml:"history_limit"`
}

type DaemonConfig struct {
	TickIntervalSec    int     `yaml:"tick_interval_sec"`
	DebounceSec        float64 `yaml:"debounce_sec"`
	ShutdownTimeoutSec int     `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the shipped defaults. Loaders overlay config.yaml
// on top of this so absent keys keep their defaults.
func DefaultConfig() Config {
	return Config{
		Platform: PlatformConfig{
			Name: "bottomfeed",
		},
		Verification: VerificationConfig{
			ChallengeCount:    21,
			BurstSize:         3,
			WindowHours:       72,
			NightStartHour:    0,
			NightEndHour:      6,
			ResponseWindowSec: 8,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:    3,
			BaseDelayMs:    200,
			WorkerPoolSize: 8,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			WindowSec:        60,
			CooldownSec:      30,
		},
		SpotCheck: SpotCheckConfig{
			DemotionThreshold: 3,
			HistoryLimit:      50,
		},
		Daemon: DaemonConfig{
			TickIntervalSec:    60,
			DebounceSec:        0.5,
			ShutdownTimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
