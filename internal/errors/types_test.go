package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Code:    ErrCodeInvalidConfig,
				Message: "configuration is invalid",
			},
			expected: "INVALID_CONFIG: configuration is invalid",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeQueueStorage,
				Message: "queue persist failed",
				Cause:   errors.New("disk full"),
			},
			expected: "QUEUE_STORAGE: queue persist failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(cause, ErrCodeInternalError, "something went wrong")

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestAppError_WithContext(t *testing.T) {
	err := New(ErrCodeValidationFailed, "validation failed")

	result := err.WithContext("field", "content").WithContext("value", "")

	assert.Equal(t, err, result)
	assert.Len(t, err.Context, 2)
	assert.Equal(t, "content", err.Context["field"])
}

func TestIsRetryable_FollowsWrapChain(t *testing.T) {
	inner := WrapRetryable(errors.New("connection reset"), ErrCodeBackendAPI, "insert failed")
	outer := fmt.Errorf("attempt 2: %w", inner)

	assert.True(t, IsRetryable(outer))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.Equal(t, ErrCodeBackendAPI, GetCode(outer))
}

func TestHasCode(t *testing.T) {
	inner := New(ErrCodeQueueConflict, "version mismatch")
	outer := Wrap(inner, ErrCodeQueueStorage, "persist failed")

	assert.True(t, HasCode(outer, ErrCodeQueueStorage))
	assert.True(t, HasCode(outer, ErrCodeQueueConflict))
	assert.False(t, HasCode(outer, ErrCodeTimeout))
	assert.False(t, HasCode(nil, ErrCodeTimeout))
}

func TestNewAPIError_Retryability(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusConflict, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := NewAPIError("backend", "/rest/v1/messages", tt.status, errors.New("boom"))
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, ErrCodeBackendAPI, err.Code)
		})
	}
}

func TestHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatusCode(NewValidationError("content", "", "empty")))
	assert.Equal(t, http.StatusNotFound, HTTPStatusCode(NewNotFoundError("toast", "t1")))
	assert.Equal(t, http.StatusConflict, HTTPStatusCode(New(ErrCodeQueueConflict, "x")))
	assert.Equal(t, http.StatusBadGateway, HTTPStatusCode(NewNetworkError("backend", "/x", errors.New("eof"))))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusCode(NewQueueStorageError("persist", errors.New("locked"))))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusCode(errors.New("plain")))
}

func TestToHTTPResponse_HidesSensitiveContext(t *testing.T) {
	err := NewValidationError("content", "secret text", "too long").
		WithContext("content", "secret text").
		WithContext("access_token", "tok")

	resp := ToHTTPResponse(err, "req_1")

	require.NotNil(t, resp.Error.Context)
	ctx := resp.Error.Context.(map[string]interface{})
	assert.NotContains(t, ctx, "content")
	assert.NotContains(t, ctx, "access_token")
	assert.Equal(t, "content", ctx["field"])
	assert.Equal(t, "req_1", resp.RequestID)
	assert.Equal(t, ErrCodeValidationFailed, resp.Error.Code)
}

func TestWithContextFromRequest(t *testing.T) {
	ctx := WithUserID(WithRequestID(context.Background(), "req_9"), "user-1")
	err := WithContextFromRequest(New(ErrCodeInternalError, "x"), ctx)

	assert.Equal(t, "req_9", err.Context["request_id"])
	assert.Equal(t, "user-1", err.Context["user_id"])
}
