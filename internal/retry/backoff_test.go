package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_DefaultConfigDelays(t *testing.T) {
	backoff := NewBackoff(DefaultBackoffConfig())

	expected := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range expected {
		if got := backoff.GetNextDelay(i + 1); got != want {
			t.Errorf("attempt %d: expected delay %v, got %v", i+1, want, got)
		}
	}

	if backoff.Config().MaxAttempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", backoff.Config().MaxAttempts)
	}
}

func TestBackoff_FixedConfig(t *testing.T) {
	backoff := NewBackoff(FixedBackoffConfig(2*time.Second, 3))

	for attempt := 1; attempt <= 3; attempt++ {
		if got := backoff.GetNextDelay(attempt); got != 2*time.Second {
			t.Errorf("attempt %d: expected 2s, got %v", attempt, got)
		}
	}
}

func TestBackoff_SuccessFirstAttempt(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})

	attempts := 0
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestBackoff_SuccessAfterRetries(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})

	attempts := 0
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestBackoff_ReturnsLastError(t *testing.T) {
	backoff := NewBackoff(FixedBackoffConfig(time.Millisecond, 3))

	attempts := 0
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		return errors.New("still failing")
	})

	if err == nil || err.Error() != "still failing" {
		t.Errorf("Expected last error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestBackoff_NonRetryableStopsImmediately(t *testing.T) {
	backoff := NewBackoff(FixedBackoffConfig(time.Millisecond, 5))
	permanent := errors.New("bad request")

	attempts := 0
	err := backoff.RetryWithPredicate(context.Background(), func() error {
		attempts++
		return permanent
	}, func(err error) bool { return !errors.Is(err, permanent) })

	if !errors.Is(err, permanent) {
		t.Errorf("Expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestBackoff_RetryNotifyReportsAttempts(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})

	var seen []int
	var delays []time.Duration
	_ = backoff.RetryNotify(context.Background(), func(attempt int) error {
		seen = append(seen, attempt)
		return errors.New("fail")
	}, nil, func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	})

	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("Unexpected attempts %v", seen)
	}
	if len(delays) != 2 || delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Errorf("Unexpected delays %v", delays)
	}
}

func TestBackoff_ContextCancelledDuringWait(t *testing.T) {
	backoff := NewBackoff(FixedBackoffConfig(time.Second, 3))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := backoff.Retry(ctx, func() error { return errors.New("fail") })

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Retry did not honour cancellation")
	}
}

func TestBackoff_JitterStaysWithinBounds(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	})

	for i := 0; i < 50; i++ {
		d := backoff.GetNextDelay(2)
		if d < 150*time.Millisecond || d > 250*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±25%% of 200ms", d)
		}
	}
}

func TestSleep_ZeroDuration(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}
