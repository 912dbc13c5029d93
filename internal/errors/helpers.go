package errors

import (
	"fmt"
	"net/http"
)

// NewInvalidInputError reports a missing or malformed field. These are
// rejected synchronously and never retried.
func NewInvalidInputError(field, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewTransientDeliveryError marks a delivery that should be tried again.
func NewTransientDeliveryError(messageID, reason string) *AppError {
	return &AppError{
		Code:      ErrCodeTransientDeliveryFailure,
		Message:   reason,
		Retryable: true,
		Context:   map[string]interface{}{"message_id": messageID},
	}
}

// NewMaxAttemptsError is the terminal failure once the attempt cap is hit.
func NewMaxAttemptsError(messageID string, attempts int) *AppError {
	return New(ErrCodeMaxAttemptsExceeded, fmt.Sprintf("delivery failed after %d attempts", attempts)).
		WithContext("message_id", messageID).
		WithContext("attempts", attempts).
		WithUserMessage("Message delivery failed")
}

// NewInfrastructureError wraps an unreachable repository, queue or peer.
func NewInfrastructureError(component string, err error) *AppError {
	return WrapRetryable(err, ErrCodeInfrastructureUnavailable, fmt.Sprintf("%s unavailable", component)).
		WithContext("component", component).
		WithUserMessage("Service temporarily unavailable")
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewQueueError creates a queue error with operation context
func NewQueueError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeQueue, fmt.Sprintf("queue %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Queue operation failed")
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return &AppError{
		Code:        ErrCodeTimeout,
		Message:     fmt.Sprintf("%s timed out after %s", operation, duration),
		Retryable:   true,
		Context:     map[string]interface{}{"operation": operation, "timeout": duration},
		UserMessage: "Operation timed out, please try again",
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(limit int, window string) *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded").
		WithContext("limit", limit).
		WithContext("window", window).
		WithUserMessage("Too many requests, please try again later")
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeMaxAttemptsExceeded:
		return http.StatusConflict
	case ErrCodeInfrastructureUnavailable, ErrCodeDatabaseConnection, ErrCodeDatabaseQuery,
		ErrCodeDatabaseMigration, ErrCodeQueue:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON body returned for failed API requests.
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	if len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if k != "password" && k != "token" && k != "secret" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}
	return response
}
