package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	apperrors "chatr/internal/errors"
	"chatr/internal/models"
)

var fastRetry = models.RetryConfig{InitialBackoffMs: 1, MaxBackoffMs: 4, MaxAttempts: 4}

func TestSendWithRetry_RecoversFromTransientFailure(t *testing.T) {
	sender := &mockSender{}
	sender.On("InsertMessage", mock.Anything, mock.Anything).Return(errors.New("connection reset")).Twice()
	sender.On("InsertMessage", mock.Anything, mock.Anything).Return(nil).Once()

	err := SendWithRetry(context.Background(), sender, models.MessageRow{Content: "hi"}, fastRetry, quietLogger())

	assert.NoError(t, err)
	sender.AssertNumberOfCalls(t, "InsertMessage", 3)
}

func TestSendWithRetry_StopsOnPermanentError(t *testing.T) {
	sender := &mockSender{}
	rejected := apperrors.NewAPIError("backend", "/rest/v1/messages", 400, errors.New("bad row"))
	sender.On("InsertMessage", mock.Anything, mock.Anything).Return(rejected)

	err := SendWithRetry(context.Background(), sender, models.MessageRow{Content: "hi"}, fastRetry, quietLogger())

	assert.ErrorIs(t, err, rejected)
	sender.AssertNumberOfCalls(t, "InsertMessage", 1)
}

func TestSendWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	sender := &mockSender{}
	unavailable := apperrors.NewAPIError("backend", "/rest/v1/messages", 503, errors.New("unavailable"))
	sender.On("InsertMessage", mock.Anything, mock.Anything).Return(unavailable)

	err := SendWithRetry(context.Background(), sender, models.MessageRow{Content: "hi"}, fastRetry, quietLogger())

	assert.ErrorIs(t, err, unavailable)
	sender.AssertNumberOfCalls(t, "InsertMessage", 4)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(errors.New("dial tcp: i/o timeout")))
	assert.True(t, IsTransient(apperrors.NewNetworkError("backend", "/rest/v1/messages", errors.New("reset"))))
	assert.False(t, IsTransient(apperrors.NewValidationError("content", "", "empty")))
}

func TestBackoffConfig_Defaults(t *testing.T) {
	cfg := backoffConfig(models.RetryConfig{})
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.False(t, cfg.Jitter)
}
