package models

// Config holds the application configuration
type Config struct {
	Backend       BackendConfig      `json:"backend" mapstructure:"backend"`
	Auth          AuthConfig         `json:"auth" mapstructure:"auth"`
	Database      DatabaseConfig     `json:"database" mapstructure:"database"`
	Delivery      DeliveryConfig     `json:"delivery" mapstructure:"delivery"`
	Notifications NotificationConfig `json:"notifications" mapstructure:"notifications"`
	Presence      PresenceConfig     `json:"presence" mapstructure:"presence"`
	Server        ServerConfig       `json:"server" mapstructure:"server"`
	Tracing       TracingConfig      `json:"tracing" mapstructure:"tracing"`
	LogLevel      string             `json:"log_level" mapstructure:"log_level"`
}

// BackendConfig holds the remote backend endpoints
type BackendConfig struct {
	URL                       string `json:"url" mapstructure:"url"`
	RealtimeURL               string `json:"realtime_url" mapstructure:"realtime_url"`
	AnonKey                   string `json:"anon_key" mapstructure:"anon_key"`
	Schema                    string `json:"schema" mapstructure:"schema"`
	TimeoutSec                int    `json:"timeoutSec" mapstructure:"timeoutSec"`
	HeartbeatSec              int    `json:"heartbeatSec" mapstructure:"heartbeatSec"`
	PushEnabled               bool   `json:"pushEnabled" mapstructure:"pushEnabled"`
	CircuitBreakerMaxFailures int    `json:"circuitBreakerMaxFailures" mapstructure:"circuitBreakerMaxFailures"`
	CircuitBreakerTimeoutSec  int    `json:"circuitBreakerTimeoutSec" mapstructure:"circuitBreakerTimeoutSec"`
}

// AuthConfig identifies the user the agent starts logged in as. Both
// fields are normally supplied through the environment.
type AuthConfig struct {
	UserID      string `json:"user_id" mapstructure:"user_id"`
	AccessToken string `json:"access_token" mapstructure:"access_token"`
}

// DatabaseConfig holds local storage configuration
type DatabaseConfig struct {
	Path string `json:"path"`
}

// DeliveryConfig controls the outbound queue
type DeliveryConfig struct {
	MaxRetries   int         `json:"maxRetries"`
	RetryDelayMs int         `json:"retryDelayMs"`
	SendRetry    RetryConfig `json:"sendRetry"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// NotificationConfig controls how inbound events are surfaced
type NotificationConfig struct {
	Sound           bool `json:"sound"`
	Desktop         bool `json:"desktop"`
	DismissAfterSec int  `json:"dismissAfterSec"`
	ToastHistory    int  `json:"toastHistory"`
}

// PresenceConfig controls presence tracking
type PresenceConfig struct {
	GracePeriodMs int `json:"gracePeriodMs"`
}

// ServerConfig holds the local control API settings
type ServerConfig struct {
	Port            int `json:"port"`
	ReadTimeoutSec  int `json:"readTimeoutSec"`
	WriteTimeoutSec int `json:"writeTimeoutSec"`
	IdleTimeoutSec  int `json:"idleTimeoutSec"`
}

// TracingConfig mirrors tracing.TracingConfig for JSON loading
type TracingConfig struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	Enabled        bool    `json:"enabled"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
