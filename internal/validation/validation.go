package validation

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"chatrelay/internal/errors"
	"chatrelay/pkg/constants"
	"chatrelay/pkg/protocol"
)

// MaxRetentionDays bounds manual cleanup requests.
const MaxRetentionDays = 3650

// ValidateMessageID validates message ID format and length
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return errors.NewInvalidInputError("messageId", "message id is required")
	}

	if len(messageID) > constants.MaxMessageIDLength {
		return errors.NewInvalidInputError("messageId",
			fmt.Sprintf("message id too long (max %d characters)", constants.MaxMessageIDLength))
	}

	if hasControl(messageID) {
		return errors.NewInvalidInputError("messageId", "message id contains invalid characters")
	}

	return nil
}

// ValidateUserID checks a user id supplied at registration or as a
// message sender.
func ValidateUserID(field, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.NewInvalidInputError(field, field+" is required")
	}

	if len(userID) > constants.MaxUserIDLength {
		return errors.NewInvalidInputError(field,
			fmt.Sprintf("%s too long (max %d characters)", field, constants.MaxUserIDLength))
	}

	if hasControl(userID) {
		return errors.NewInvalidInputError(field, field+" contains invalid characters")
	}

	return nil
}

// ValidateText checks chat message text. Whitespace-only text is empty.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.NewInvalidInputError("text", "text is required")
	}
	if len(text) > constants.MaxTextLength {
		return errors.NewInvalidInputError("text",
			fmt.Sprintf("text too long (max %d characters)", constants.MaxTextLength))
	}
	return nil
}

// ValidateSendMessage checks every required field of a submission.
func ValidateSendMessage(req protocol.SendMessage) error {
	if err := ValidateMessageID(req.MessageID); err != nil {
		return err
	}
	if err := ValidateText(req.Text); err != nil {
		return err
	}
	return ValidateUserID("sender", req.Sender)
}

// ValidateSignal checks that a WebRTC signal has a known type and a JSON
// object payload. The payload itself is opaque to the relay.
func ValidateSignal(sig protocol.VideoSignal) error {
	switch {
	case len(sig.Signal) == 0 || string(sig.Signal) == "null":
		return errors.NewInvalidInputError("signal", "Invalid signal data")
	case sig.Type == "":
		return errors.NewInvalidInputError("type", "Invalid signal data")
	case !sig.Type.Valid():
		return errors.NewInvalidInputError("type", "unknown signal type "+string(sig.Type))
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(sig.Signal, &obj); err != nil {
		return errors.NewInvalidInputError("signal", "Invalid signal data")
	}
	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}

	return nil
}

// ValidateStringLength validates string length against bounds
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	if len(value) < minLength {
		return errors.NewInvalidInputError(fieldName,
			fmt.Sprintf("%s too short (min %d characters)", fieldName, minLength))
	}

	if len(value) > maxLength {
		return errors.NewInvalidInputError(fieldName,
			fmt.Sprintf("%s too long (max %d characters)", fieldName, maxLength))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.NewInvalidInputError(fieldName,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.NewInvalidInputError(fieldName,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateRetentionDays validates data retention period
func ValidateRetentionDays(days int) error {
	return ValidateNumericRange(days, "days", 1, MaxRetentionDays)
}

func hasControl(s string) bool {
	for _, char := range s {
		if unicode.IsControl(char) {
			return true
		}
	}
	return false
}
