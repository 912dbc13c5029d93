package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"chatrelay/internal/constants"
	"chatrelay/internal/models"
	"chatrelay/internal/security"

	"github.com/joho/godotenv"
)

var (
	ErrInvalidDropRate    = models.ConfigError{Message: "delivery drop rate must be between 0 and 1"}
	ErrInvalidDriver      = models.ConfigError{Message: "database driver must be sqlite3 or postgres"}
	ErrMissingDBPath      = models.ConfigError{Message: "missing database path"}
	ErrMissingDSN         = models.ConfigError{Message: "missing postgres dsn"}
	ErrInvalidMaxAttempts = models.ConfigError{Message: "delivery max attempts must be positive"}
)

// LoadConfig builds the configuration from the JSON file at path (skipped
// when path is empty), a .env file in the working directory, and
// CHATRELAY_* environment variables, in that order of precedence.
func LoadConfig(path string) (*models.Config, error) {
	config := seed()

	if path != "" {
		if err := security.ValidateFilePath(path); err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		file, err := os.ReadFile(path) // #nosec G304 - Path validated above
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(file, &config); err != nil {
			return nil, err
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Default returns the configuration used when nothing is configured.
func Default() *models.Config {
	config := seed()
	_ = validate(&config)
	return &config
}

// seed holds defaults that a zero value cannot express. JSON decoding
// only overwrites the fields present in the file.
func seed() models.Config {
	return models.Config{
		Delivery: models.DeliveryConfig{DropRate: constants.DefaultDropRate},
	}
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

// validate fills defaults and rejects values that cannot work.
func validate(c *models.Config) error {
	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.PingIntervalSec <= 0 {
		c.Server.PingIntervalSec = constants.DefaultPingIntervalSec
	}
	if c.Server.PingTimeoutSec <= 0 {
		c.Server.PingTimeoutSec = constants.DefaultPingTimeoutSec
	}
	if c.Server.RateLimitRequests <= 0 {
		c.Server.RateLimitRequests = constants.DefaultRateLimitRequests
	}
	if c.Server.RateLimitWindowSec <= 0 {
		c.Server.RateLimitWindowSec = constants.DefaultRateLimitWindowSec
	}
	if c.Server.DeliveryMonitorSec <= 0 {
		c.Server.DeliveryMonitorSec = constants.DefaultDeliveryMonitorSec
	}

	if c.Database.Driver == "" {
		c.Database.Driver = constants.DefaultDatabaseDriver
	}
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			c.Database.Path = constants.DefaultDatabasePath
		}
	case "postgres":
		if c.Database.DSN == "" {
			return ErrMissingDSN
		}
	default:
		return ErrInvalidDriver
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = constants.DefaultRedisAddr
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = constants.DefaultQueuePrefix
	}
	if c.Redis.LockTimeoutSec <= 0 {
		c.Redis.LockTimeoutSec = constants.DefaultQueueLockTimeoutSec
	}
	if c.Redis.PollIntervalMs <= 0 {
		c.Redis.PollIntervalMs = constants.DefaultQueuePollIntervalMs
	}

	if c.Delivery.DropRate < 0 || c.Delivery.DropRate > 1 {
		return ErrInvalidDropRate
	}
	if c.Delivery.BaseDelayMs <= 0 {
		c.Delivery.BaseDelayMs = constants.DefaultBaseDelayMs
	}
	if c.Delivery.MaxBackoffMs <= 0 {
		c.Delivery.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Delivery.MaxAttempts < 0 {
		return ErrInvalidMaxAttempts
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = constants.DefaultMaxAttempts
	}

	if c.Signaling.ReconnectIntervalMs <= 0 {
		c.Signaling.ReconnectIntervalMs = constants.DefaultReconnectIntervalMs
	}
	if c.Signaling.ReconnectAttempts <= 0 {
		c.Signaling.ReconnectAttempts = constants.DefaultReconnectAttempts
	}

	if c.Retention.DeliveredHours <= 0 {
		c.Retention.DeliveredHours = constants.DefaultDeliveredRetentionHours
	}
	if c.Retention.FailedHours <= 0 {
		c.Retention.FailedHours = constants.DefaultFailedRetentionHours
	}
	if c.Retention.CleanupIntervalHours <= 0 {
		c.Retention.CleanupIntervalHours = constants.DefaultCleanupIntervalHours
	}
	if c.Retention.BatchSize <= 0 {
		c.Retention.BatchSize = constants.DefaultCleanupBatchSize
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "chatrelay"
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 1.0
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if port := firstEnv("CHATRELAY_PORT", "PORT"); port != "" {
		if v, err := strconv.Atoi(port); err == nil {
			c.Server.Port = v
		}
	}
	if origins := os.Getenv("CHATRELAY_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}

	if driver := os.Getenv("CHATRELAY_DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if path := firstEnv("CHATRELAY_DB_PATH", "DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if dsn := firstEnv("CHATRELAY_DATABASE_URL", "DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if enabled := os.Getenv("CHATRELAY_REDIS_ENABLED"); enabled != "" {
		c.Redis.Enabled = enabled == "true"
	}
	if addr := firstEnv("CHATRELAY_REDIS_ADDR", "REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	// SECURITY: the Redis password should come from the environment
	if password := firstEnv("CHATRELAY_REDIS_PASSWORD", "REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}

	if rate := os.Getenv("CHATRELAY_DROP_RATE"); rate != "" {
		if v, err := strconv.ParseFloat(rate, 64); err == nil {
			c.Delivery.DropRate = v
		}
	}
	if attempts := os.Getenv("CHATRELAY_MAX_ATTEMPTS"); attempts != "" {
		if v, err := strconv.Atoi(attempts); err == nil {
			c.Delivery.MaxAttempts = v
		}
	}
	if level := os.Getenv("CHATRELAY_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if os.Getenv("CHATRELAY_ENV") != "production" {
		if len(c.Server.AllowedOrigins) == 0 {
			fmt.Fprintf(os.Stderr, "WARNING: no allowed origins configured, WebSocket connections are accepted from any origin\n")
		}
		return nil
	}

	if len(c.Server.AllowedOrigins) == 0 {
		return models.ConfigError{Message: "allowed origins are required in production (set CHATRELAY_ALLOWED_ORIGINS)"}
	}
	for _, origin := range c.Server.AllowedOrigins {
		if origin == "*" {
			return models.ConfigError{Message: "wildcard origin is not allowed in production"}
		}
	}
	if c.LogLevel == "debug" {
		return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
