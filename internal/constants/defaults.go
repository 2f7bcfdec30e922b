package constants

// Delivery defaults
const (
	DefaultMaxRetries            = 3
	DefaultRetryDelayMs          = 2000
	DefaultSendRetryInitialMs    = 1000
	DefaultSendRetryMaxMs        = 4000
	DefaultSendRetryMaxAttempts  = 4
	DefaultQueueCASAttempts      = 3
	DefaultDrainStopTimeoutSec   = 10
	QueueStorageKeyPrefix        = "chatr_message_queue_"
	OutboundMessageStatus        = "sent"
	DefaultOutboundMessageType   = "text"
	MaxMessageContentLength      = 10000
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 60000
	DefaultQueueMonitorSec       = 30
	DefaultStaleQueueSec         = 300
	DefaultPushTimeoutSec        = 10
)

// Notification defaults
const (
	DefaultNotificationDismissSec = 5
	DefaultToastHistorySize       = 50
	DefaultPresenceGraceMs        = 2000
	NotificationPreviewLength     = 100
)

// Realtime defaults
const (
	DefaultRealtimeHeartbeatSec    = 30
	DefaultRealtimeReconnectMs     = 1000
	DefaultRealtimeMaxReconnectSec = 30
	DefaultRealtimeJoinTimeoutSec  = 10
	DefaultRealtimeEventBuffer     = 256
	DefaultRealtimeSchema          = "public"
	RealtimeProtocolVersion        = "1.0.0"
)

// Backend defaults
const (
	DefaultHTTPTimeoutSec            = 30
	DefaultCircuitBreakerMaxFailures = 5
	DefaultCircuitBreakerTimeoutSec  = 30
	BackendServiceName               = "backend"
)

// Server defaults
const (
	DefaultServerPort            = 8082
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	MaxRequestBodyBytes          = 1 << 20
)

// Encryption parameters
const (
	EncryptionSalt = "chatr-queue-encryption-salt-v1"
	KeySize        = 32
	NonceSize      = 12
	Iterations     = 100000
)

// Privacy settings
const (
	DefaultIDMaskLength = 4
)

// File permission constants
const (
	DefaultFilePermissions = 0600
)
