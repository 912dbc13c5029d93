package errors

import (
	"chatrelay/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Logger logs errors with their code, retryability and context. AppError
// context is masked before it reaches the log because constructors record
// raw message and user ids.
type Logger struct {
	*logrus.Logger
}

// WrapLogger reuses an already configured logrus logger.
func WrapLogger(logger *logrus.Logger) *Logger {
	return &Logger{Logger: logger}
}

func (l *Logger) LogError(err error, message string, fields ...logrus.Fields) {
	l.entry(err, fields).Error(message)
}

func (l *Logger) LogWarn(err error, message string, fields ...logrus.Fields) {
	l.entry(err, fields).Warn(message)
}

// LogRetryableError logs at warn level when err is retryable and at error
// level otherwise.
func (l *Logger) LogRetryableError(err error, message string, fields ...logrus.Fields) {
	if IsRetryable(err) {
		l.LogWarn(err, message, fields...)
	} else {
		l.LogError(err, message, fields...)
	}
}

func (l *Logger) entry(err error, fields []logrus.Fields) *logrus.Entry {
	entry := l.Logger.WithError(err)

	if appErr, ok := As(err); ok {
		entry = entry.WithFields(logrus.Fields{
			"error_code": appErr.Code,
			"retryable":  appErr.Retryable,
		})
		if len(appErr.Context) > 0 {
			entry = entry.WithFields(privacy.MaskSensitiveFields(appErr.Context))
		}
	}

	for _, f := range fields {
		entry = entry.WithFields(f)
	}
	return entry
}
