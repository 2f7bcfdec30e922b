package errors

import (
	"context"
	"fmt"
	"net/http"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	userIDKey    contextKey = "user_id"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
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
		WithUserMessage("Local storage operation failed")
}

// NewQueueStorageError reports a failure to persist or load the outbound queue
func NewQueueStorageError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeQueueStorage, fmt.Sprintf("queue %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Could not save your message locally")
}

// NewAPIError creates an API error for backend calls. Server errors,
// throttling and request timeouts are retryable.
func NewAPIError(service, endpoint string, statusCode int, err error) *AppError {
	code := ErrCodeInternalError
	if service == "backend" {
		code = ErrCodeBackendAPI
	}

	retryable := statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout

	appErr := Wrap(err, code, fmt.Sprintf("%s API call failed", service)).
		WithContext("service", service).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
	appErr.Retryable = retryable

	return appErr
}

// NewNetworkError wraps a transport failure; these are always retryable.
func NewNetworkError(service, endpoint string, err error) *AppError {
	return WrapRetryable(err, ErrCodeBackendAPI, fmt.Sprintf("%s request failed", service)).
		WithContext("service", service).
		WithContext("endpoint", endpoint)
}

// NewDeliveryExhaustedError reports a message that used up its retries.
func NewDeliveryExhaustedError(messageID string, attempts int, err error) *AppError {
	return Wrap(err, ErrCodeDeliveryExhausted, "message delivery exhausted retries").
		WithContext("message_id", messageID).
		WithContext("attempts", attempts).
		WithUserMessage("Message failed to send")
}

// NewSubscribeError reports a change-feed subscription failure.
func NewSubscribeError(topic string, err error) *AppError {
	return Wrap(err, ErrCodeRealtimeSubscribe, "realtime subscription failed").
		WithContext("topic", topic)
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewAuthError creates an authentication error
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Authentication failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// Context helpers

// WithRequestID stores a request id for later error enrichment
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithUserID stores the acting user id for later error enrichment
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// FromContext extracts error context from a context.Context if present
func FromContext(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}

	errorCtx := make(map[string]interface{})
	if requestID := ctx.Value(requestIDKey); requestID != nil {
		errorCtx["request_id"] = requestID
	}
	if userID := ctx.Value(userIDKey); userID != nil {
		errorCtx["user_id"] = userID
	}
	return errorCtx
}

// WithContextFromRequest adds request context to an error
func WithContextFromRequest(err *AppError, ctx context.Context) *AppError {
	if err == nil || ctx == nil {
		return err
	}

	for k, v := range FromContext(ctx) {
		err = err.WithContext(k, v)
	}
	return err
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeAuthorization:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeQueueConflict:
		return http.StatusConflict
	case ErrCodeBackendAPI, ErrCodeRealtimeSubscribe, ErrCodeRealtimeTransport:
		if IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case ErrCodeQueueStorage, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the standardized HTTP error body
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
			if k != "token" && k != "access_token" && k != "secret" && k != "content" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}
	return response
}
