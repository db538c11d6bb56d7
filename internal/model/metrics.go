package model

// Metrics is the cumulative daemon state persisted in state/metrics.yaml.
type Metrics struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	Counters        MetricsCounters `yaml:"counters"`
	DaemonHeartbeat *string         `yaml:"daemon_heartbeat,omitempty"`
	UpdatedAt       *string         `yaml:"updated_at,omitempty"`
}

type MetricsCounters struct {
	ChallengesSent      int `yaml:"challenges_sent"`
	SessionsProcessed   int `yaml:"sessions_processed"`
	SessionsConcluded   int `yaml:"sessions_concluded"`
	SpotChecksProcessed int `yaml:"spot_checks_processed"`
	Passed              int `yaml:"passed"`
	Failed              int `yaml:"failed"`
	Skipped             int `yaml:"skipped"`
	CircuitRejections   int `yaml:"circuit_rejections"`
}

// MetricsFileType is the file_type header value for the metrics file.
const MetricsFileType = "state_metrics"
