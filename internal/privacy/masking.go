package privacy

import (
	"fmt"
	"strings"
)

// MaskUserID masks a user identifier
// Example: "4f1c2a9e-user" -> "*********user"
func MaskUserID(userID string) string {
	return maskString(userID, 4)
}

// MaskConversationID masks a conversation identifier the same way as user ids
func MaskConversationID(conversationID string) string {
	return maskString(conversationID, 4)
}

// MaskMessageID keeps the first 8 characters of a message id, enough to
// correlate log lines without exposing the whole token.
func MaskMessageID(messageID string) string {
	if len(messageID) <= 8 {
		return messageID
	}
	return messageID[:8] + "..."
}

// MaskContent hides message content, keeping only its length
func MaskContent(content string) string {
	if content == "" {
		return ""
	}
	return fmt.Sprintf("[hidden %d chars]", len(content))
}

// MaskToken hides a bearer token or API key entirely
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	return "[redacted]"
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

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, isString := v.(string)
		if !isString {
			masked[k] = v
			continue
		}
		switch k {
		case "user", "user_id", "userId", "sender", "sender_id", "origin_user":
			masked[k] = MaskUserID(s)
		case "conversation", "conversation_id", "conversationId":
			masked[k] = MaskConversationID(s)
		case "message_id", "messageId", "msg_id":
			masked[k] = MaskMessageID(s)
		case "content", "body", "text":
			masked[k] = MaskContent(s)
		case "token", "access_token", "apikey", "authorization":
			masked[k] = MaskToken(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
