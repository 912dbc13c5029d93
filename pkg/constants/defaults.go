package constants

// Client outbox defaults
const (
	DefaultRetryIntervalMs     = 2000
	DefaultMaxRetryAttempts    = 3
	DefaultMaxHistory          = 100
	DefaultReconnectAttempts   = 3
	DefaultReconnectIntervalMs = 2000
	DefaultAckTimeoutMs        = 2000
)

// Validation limits shared by client and server
const (
	MaxMessageIDLength = 256
	MaxUserIDLength    = 128
	MaxTextLength      = 10000
)

// File permission constants
const (
	DefaultFilePermissions = 0600
	DefaultDirPermissions  = 0700
)
