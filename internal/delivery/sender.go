package delivery

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "chatr/internal/errors"
	"chatr/internal/models"
	"chatr/internal/retry"
)

// SendWithRetry inserts a row directly, bypassing the queue, and retries
// transient failures with exponential backoff. Permanent errors such as a
// rejected row are returned after the first attempt.
func SendWithRetry(ctx context.Context, sender Sender, row models.MessageRow, config models.RetryConfig, logger *logrus.Logger) error {
	backoff := retry.NewBackoff(backoffConfig(config))

	return backoff.RetryNotify(ctx,
		func(int) error {
			return sender.InsertMessage(ctx, row)
		},
		IsTransient,
		func(attempt int, err error, delay time.Duration) {
			logger.WithFields(logrus.Fields{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			}).WithError(err).Warn("Direct send failed, retrying")
		},
	)
}

// IsTransient reports whether a send error is worth retrying. Application
// errors carry their own verdict; anything else that is not a cancellation
// is treated as a network hiccup.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if _, ok := apperrors.As(err); ok {
		return apperrors.IsRetryable(err)
	}
	return true
}

func backoffConfig(config models.RetryConfig) retry.BackoffConfig {
	cfg := retry.DefaultBackoffConfig()
	if config.InitialBackoffMs > 0 {
		cfg.InitialDelay = time.Duration(config.InitialBackoffMs) * time.Millisecond
	}
	if config.MaxBackoffMs > 0 {
		cfg.MaxDelay = time.Duration(config.MaxBackoffMs) * time.Millisecond
	}
	if config.MaxAttempts > 0 {
		cfg.MaxAttempts = config.MaxAttempts
	}
	return cfg
}
