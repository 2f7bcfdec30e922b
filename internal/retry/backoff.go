package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       bool          `json:"jitter"`
}

// DefaultBackoffConfig returns the send-with-retry policy: four attempts
// separated by 1s, 2s and 4s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     4 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  4,
		Jitter:       false,
	}
}

// FixedBackoffConfig returns a policy that waits the same delay between
// every attempt.
func FixedBackoffConfig(delay time.Duration, maxAttempts int) BackoffConfig {
	return BackoffConfig{
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
		MaxAttempts:  maxAttempts,
	}
}

// Backoff implements exponential backoff with optional jitter
type Backoff struct {
	config BackoffConfig
}

// NewBackoff creates a new exponential backoff instance
func NewBackoff(config BackoffConfig) *Backoff {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1.0 {
		config.Multiplier = 1.0
	}
	return &Backoff{
		config: config,
	}
}

// Config returns the effective configuration.
func (b *Backoff) Config() BackoffConfig {
	return b.config
}

// Retry executes the operation with exponential backoff retry logic
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate executes the operation with exponential backoff, using a predicate to determine if errors are retryable
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	return b.RetryNotify(ctx, func(int) error { return operation() }, isRetryable, nil)
}

// RetryNotify is the general form: operation receives the 1-based attempt
// number and onRetry, when set, is called before each wait with the failed
// attempt, its error and the upcoming delay.
func (b *Backoff) RetryNotify(ctx context.Context, operation func(attempt int) error, isRetryable func(error) bool, onRetry func(attempt int, err error, delay time.Duration)) error {
	var lastErr error

	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == b.config.MaxAttempts {
			break
		}

		delay := b.calculateDelay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}

		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateDelay computes the delay after the given attempt
func (b *Backoff) calculateDelay(attempt int) time.Duration {
	delay := float64(b.config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= b.config.Multiplier
	}

	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	// ±25% jitter
	if b.config.Jitter {
		jitter := delay * 0.25
		delay += (secureFloat64() - 0.5) * 2 * jitter

		if delay < 0 {
			delay = float64(b.config.InitialDelay)
		}
		if delay > float64(b.config.MaxDelay) {
			delay = float64(b.config.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// GetNextDelay returns the delay that would follow the given attempt
func (b *Backoff) GetNextDelay(attempt int) time.Duration {
	return b.calculateDelay(attempt)
}

// secureFloat64 generates a cryptographically secure float64 between 0 and 1
func secureFloat64() float64 {
	max := big.NewInt(0).SetUint64(math.MaxUint64)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return float64(time.Now().UnixNano()%1000000) / 1000000.0
	}
	return float64(n.Uint64()) / float64(math.MaxUint64)
}
