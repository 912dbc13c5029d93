package models

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Signaling SignalingConfig `json:"signaling"`
	Retention RetentionConfig `json:"retention"`
	Tracing   TracingConfig   `json:"tracing"`
	LogLevel  string          `json:"log_level"`
}

// ServerConfig holds HTTP and WebSocket settings
type ServerConfig struct {
	Port               int      `json:"port"`
	PingIntervalSec    int      `json:"ping_interval_sec"`
	PingTimeoutSec     int      `json:"ping_timeout_sec"`
	AllowedOrigins     []string `json:"allowed_origins"`
	RateLimitRequests  int      `json:"rate_limit_requests"`
	RateLimitWindowSec int      `json:"rate_limit_window_sec"`
	DeliveryMonitorSec int      `json:"delivery_monitor_sec"`
}

// DatabaseConfig selects and locates the message repository
type DatabaseConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	DSN    string `json:"dsn"`
}

// RedisConfig configures the durable delivery queue
type RedisConfig struct {
	Enabled        bool   `json:"enabled"`
	Addr           string `json:"addr"`
	Password       string `json:"password"`
	DB             int    `json:"db"`
	Prefix         string `json:"prefix"`
	LockTimeoutSec int    `json:"lock_timeout_sec"`
	PollIntervalMs int    `json:"poll_interval_ms"`
}

// DeliveryConfig controls loss simulation and server-side retries
type DeliveryConfig struct {
	DropRate     float64 `json:"drop_rate"`
	BaseDelayMs  int     `json:"base_delay_ms"`
	MaxBackoffMs int     `json:"max_backoff_ms"`
	MaxAttempts  int     `json:"max_attempts"`
}

// SignalingConfig controls WebRTC signal retransmission
type SignalingConfig struct {
	ReconnectIntervalMs int `json:"reconnect_interval_ms"`
	ReconnectAttempts   int `json:"reconnect_attempts"`
}

// RetentionConfig controls cleanup of terminal messages
type RetentionConfig struct {
	DeliveredHours       int `json:"delivered_hours"`
	FailedHours          int `json:"failed_hours"`
	CleanupIntervalHours int `json:"cleanup_interval_hours"`
	BatchSize            int `json:"batch_size"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
