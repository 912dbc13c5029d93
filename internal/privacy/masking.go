package privacy

import (
	"strings"
)

// MaskUserID masks a user identifier
// Example: "alice123" -> "****e123"
func MaskUserID(userID string) string {
	if userID == "" {
		return ""
	}
	return maskString(userID, 4)
}

// MaskMessageID masks a client generated message ID while keeping the tail
// of the random part for correlation.
// Example: "alice-5f0c2a9e-1b7d-4c55-9a47-0d2e8b6c1f3a" -> "****e-****...1f3a"
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}

	// Client IDs look like "<userId>-<uuid>"; the uuid itself has four hyphens
	if idx := strings.Index(messageID, "-"); idx > 0 && strings.Count(messageID, "-") >= 5 {
		user := messageID[:idx]
		rest := messageID[idx+1:]
		return MaskUserID(user) + "-****..." + tail(rest, 4)
	}

	return maskString(messageID, 4)
}

// MaskConnID shortens a connection ID to its first 8 characters.
func MaskConnID(connID string) string {
	if len(connID) <= 8 {
		return connID
	}
	return connID[:8] + "..."
}

// HideText replaces message text entirely
func HideText(text string) string {
	if text == "" {
		return ""
	}
	return "[hidden]"
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case LogFieldUserID, LogFieldSender, "userId", "from":
			masked[k] = MaskUserID(s)
		case LogFieldMessageID, "messageId", LogFieldJobID:
			masked[k] = MaskMessageID(s)
		case LogFieldConnID, "connectionId":
			masked[k] = MaskConnID(s)
		case LogFieldText, "content":
			masked[k] = HideText(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
