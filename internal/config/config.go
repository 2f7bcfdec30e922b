package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"chatr/internal/constants"
	"chatr/internal/models"
	"chatr/internal/security"
)

var (
	ErrMissingBackendURL = models.ConfigError{Message: "missing backend URL"}
	ErrMissingAnonKey    = models.ConfigError{Message: "missing backend anon key"}
	ErrMissingDBPath     = models.ConfigError{Message: "missing database path"}
)

const realtimePath = "/realtime/v1/websocket"

func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	// Overrides first so deployments can supply required values through the
	// environment only.
	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Backend.URL == "" {
		return ErrMissingBackendURL
	}
	backendURL, err := url.Parse(c.Backend.URL)
	if err != nil || backendURL.Host == "" {
		return models.ConfigError{Message: fmt.Sprintf("invalid backend URL: %q", c.Backend.URL)}
	}
	if c.Backend.AnonKey == "" {
		return ErrMissingAnonKey
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	if c.Backend.RealtimeURL == "" {
		c.Backend.RealtimeURL = deriveRealtimeURL(backendURL)
	}
	if c.Backend.Schema == "" {
		c.Backend.Schema = constants.DefaultRealtimeSchema
	}
	if c.Backend.TimeoutSec <= 0 {
		c.Backend.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Backend.HeartbeatSec <= 0 {
		c.Backend.HeartbeatSec = constants.DefaultRealtimeHeartbeatSec
	}
	if c.Backend.CircuitBreakerMaxFailures <= 0 {
		c.Backend.CircuitBreakerMaxFailures = constants.DefaultCircuitBreakerMaxFailures
	}
	if c.Backend.CircuitBreakerTimeoutSec <= 0 {
		c.Backend.CircuitBreakerTimeoutSec = constants.DefaultCircuitBreakerTimeoutSec
	}

	if c.Delivery.MaxRetries <= 0 {
		c.Delivery.MaxRetries = constants.DefaultMaxRetries
	}
	if c.Delivery.RetryDelayMs <= 0 {
		c.Delivery.RetryDelayMs = constants.DefaultRetryDelayMs
	}
	if c.Delivery.SendRetry.InitialBackoffMs <= 0 {
		c.Delivery.SendRetry.InitialBackoffMs = constants.DefaultSendRetryInitialMs
	}
	if c.Delivery.SendRetry.MaxBackoffMs <= 0 {
		c.Delivery.SendRetry.MaxBackoffMs = constants.DefaultSendRetryMaxMs
	}
	if c.Delivery.SendRetry.MaxAttempts <= 0 {
		c.Delivery.SendRetry.MaxAttempts = constants.DefaultSendRetryMaxAttempts
	}
	if c.Delivery.SendRetry.InitialBackoffMs > c.Delivery.SendRetry.MaxBackoffMs {
		return models.ConfigError{Message: "delivery.sendRetry.initialBackoffMs must not exceed maxBackoffMs"}
	}

	if c.Notifications.DismissAfterSec <= 0 {
		c.Notifications.DismissAfterSec = constants.DefaultNotificationDismissSec
	}
	if c.Notifications.ToastHistory <= 0 {
		c.Notifications.ToastHistory = constants.DefaultToastHistorySize
	}
	if c.Presence.GracePeriodMs < 0 {
		return models.ConfigError{Message: "presence.gracePeriodMs must not be negative"}
	}

	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port: %d", c.Server.Port)}
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "chatr"
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing.sample_rate must be between 0 and 1"}
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// deriveRealtimeURL maps http(s)://host to ws(s)://host/realtime/v1/websocket.
func deriveRealtimeURL(backend *url.URL) string {
	u := *backend
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + realtimePath
	u.RawQuery = ""
	return u.String()
}

func applyEnvironmentOverrides(c *models.Config) {
	if v := os.Getenv("CHATR_BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("CHATR_REALTIME_URL"); v != "" {
		c.Backend.RealtimeURL = v
	}

	// SECURITY: keys and tokens should be set via environment variables
	if v := os.Getenv("CHATR_ANON_KEY"); v != "" {
		c.Backend.AnonKey = v
	}
	if v := os.Getenv("CHATR_USER_ID"); v != "" {
		c.Auth.UserID = v
	}
	if v := os.Getenv("CHATR_ACCESS_TOKEN"); v != "" {
		c.Auth.AccessToken = v
	}

	if path := os.Getenv("DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("CHATR_ENV") == "production"

	if isProduction {
		backendURL, err := url.Parse(c.Backend.URL)
		if err != nil || backendURL.Scheme != "https" {
			return models.ConfigError{Message: "backend URL must use https in production"}
		}
		realtimeURL, err := url.Parse(c.Backend.RealtimeURL)
		if err != nil || realtimeURL.Scheme != "wss" {
			return models.ConfigError{Message: "realtime URL must use wss in production"}
		}
		if c.Auth.AccessToken == "" && c.Auth.UserID != "" {
			return models.ConfigError{Message: "access token is required in production when a user id is configured (set CHATR_ACCESS_TOKEN environment variable)"}
		}

		// Debug logs include request bodies
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else {
		if c.Auth.UserID != "" && c.Auth.AccessToken == "" {
			fmt.Fprintf(os.Stderr, "WARNING: CHATR_USER_ID is set without CHATR_ACCESS_TOKEN; requests will use the anon key.\n")
		}
	}

	return nil
}
