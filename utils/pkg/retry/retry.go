package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Clock drives backoff waits; defaults to the real clock.
	Clock clockwork.Clock
	// Retryable decides whether an error is worth another attempt; defaults to IsRetryable.
	Retryable func(error) bool
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, backoff time.Duration, err error)
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// Do executes fn with exponential backoff retry.
// Returns the last error if all attempts fail, or the error itself when it is
// not retryable.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	maxAttempts := max(cfg.MaxAttempts, 1)

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackOff(cfg.BaseBackoff, cfg.MaxBackoff), uint64(maxAttempts-1)),
		ctx,
	)
	attempt := 1
	err := backoff.RetryNotifyWithTimer(func() error {
		err := fn(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		attempt++
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, wait, err)
		}
	}, &clockTimer{clock: clock})
	if err == nil {
		return nil
	}
	if attempt < maxAttempts || !retryable(err) {
		return err
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, err)
}

// newBackOff doubles from base up to maxInterval, randomized by half the interval either way.
func newBackOff(base, maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if base > 0 {
		b.InitialInterval = base
	}
	if maxInterval > 0 {
		b.MaxInterval = maxInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// clockTimer drives backoff waits from a clockwork clock.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}

// IsRetryable reports whether err looks like a transient transport or server failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection closed",
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"timeout",
		"too many simultaneous queries",
		"temporary failure",
		"server is shutting down",
		"too many connections",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
