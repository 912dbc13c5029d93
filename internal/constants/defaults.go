package constants

// Delivery defaults
const (
	DefaultDropRate     = 0.5
	DefaultBaseDelayMs  = 2000
	DefaultMaxBackoffMs = 30000
	DefaultMaxAttempts  = 5
)

// Signaling defaults
const (
	DefaultReconnectIntervalMs = 2000
	DefaultReconnectAttempts   = 3
	MaxConnectionHistory       = 10
)

// Server defaults
const (
	DefaultServerPort            = 3001
	DefaultPingIntervalSec       = 25
	DefaultPingTimeoutSec        = 60
	DefaultRateLimitRequests     = 100
	DefaultRateLimitWindowSec    = 15 * 60
	DefaultDeliveryMonitorSec    = 60
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	ServerErrorChannelSize       = 1
	MaxMessageBytes              = 64 * 1024
	ConnSendBufferSize           = 64
)

// Storage and queue defaults
const (
	DefaultDatabaseDriver        = "sqlite3"
	DefaultDatabasePath          = "chatrelay.db"
	DefaultDatabaseRetryAttempts = 3
	DefaultBackoffInitialMs      = 500
	DefaultBackoffMaxSec         = 5
	DefaultRedisAddr             = "localhost:6379"
	DefaultQueuePrefix           = "chatrelay:delivery"
	DefaultQueueLockTimeoutSec   = 30
	DefaultQueuePollIntervalMs   = 250
	DefaultQueueBatchSize        = 50
	DefaultQueueKeepFailed       = 1000
)

// Retention defaults
const (
	DefaultDeliveredRetentionHours = 24
	DefaultFailedRetentionHours    = 7 * 24
	DefaultCleanupIntervalHours    = 1
	DefaultCleanupBatchSize        = 1000
	DefaultManualCleanupDays       = 7
)

// REST API limits
const (
	DefaultPageSize    = 50
	MaxPageSize        = 100
	MaxRetryBatchSize  = 100
	DefaultFailedLimit = 100
)

// Privacy settings
const (
	DefaultMessageIDLength = 8
)

// Encryption settings for stored message text
const (
	EncryptionSalt = "chatrelay-message-text-v1"
	KeySize        = 32
	NonceSize      = 12
	Iterations     = 100000
)
