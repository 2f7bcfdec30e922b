package service

// Standard log field names. Use these exact names so log queries work
// across components.
const (
	LogFieldSession        = "session"
	LogFieldMessageID      = "message_id"
	LogFieldConversationID = "conversation_id"
	LogFieldUserID         = "user_id"

	LogFieldRequestID = "request_id"
	LogFieldTraceID   = "trace_id"
	LogFieldComponent = "component"

	LogFieldMethod     = "method"
	LogFieldURL        = "url"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"
	LogFieldStatusCode = "status_code"
	LogFieldSize       = "response_size"

	LogFieldEvent       = "event"
	LogFieldMessageType = "message_type"
	LogFieldDirection   = "direction"
	LogFieldContent     = "content"

	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"

	LogFieldRetryCount = "retry_count"
)

// Log level usage
//
// DEBUG: swallowed best-effort failures (sound, OS notification, profile
// lookups) and per-request backend traffic.
//
// INFO: session login and logout, connectivity transitions, messages sent,
// toasts shown.
//
// WARN: retryable failures, realtime subscription problems, stale queue.
//
// ERROR: storage failures and exhausted deliveries.
