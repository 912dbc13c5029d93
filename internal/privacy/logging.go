package privacy

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Standard log field names used across the relay.
const (
	LogFieldMessageID = "message_id"
	LogFieldConnID    = "conn_id"
	LogFieldUserID    = "user_id"
	LogFieldSender    = "sender"
	LogFieldJobID     = "job_id"
	LogFieldText      = "text"

	LogFieldComponent  = "component"
	LogFieldOperation  = "operation"
	LogFieldEvent      = "event"
	LogFieldStatus     = "status"
	LogFieldAttempts   = "attempts"
	LogFieldSequence   = "sequence_number"
	LogFieldSignalType = "signal_type"
	LogFieldRetry      = "retry"
	LogFieldDelay      = "delay_ms"
	LogFieldDuration   = "duration_ms"
	LogFieldCount      = "count"
	LogFieldRemoteIP   = "remote_ip"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey marks a context whose log entries keep raw identifiers.
const VerboseContextKey ContextKey = "verbose"

// WithVerbose returns a context carrying the verbose logging flag.
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// Entry builds a log entry for fields, masking identifiers and hiding text
// unless ctx asks for verbose logging.
func Entry(ctx context.Context, logger *logrus.Logger, fields logrus.Fields) *logrus.Entry {
	if IsVerboseLogging(ctx) {
		return logger.WithFields(fields)
	}
	return logger.WithFields(logrus.Fields(MaskSensitiveFields(fields)))
}
