package retry

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestAccel_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
}

func TestAccel_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		t.Parallel()

		attempts := 0
		err := Do(t.Context(), fastConfig(), func(context.Context) error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("succeeds after retries", func(t *testing.T) {
		t.Parallel()

		attempts := 0
		err := Do(t.Context(), fastConfig(), func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset by peer")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("exhausts attempts and wraps last error", func(t *testing.T) {
		t.Parallel()

		original := errors.New("read: connection reset")
		attempts := 0
		err := Do(t.Context(), fastConfig(), func(context.Context) error {
			attempts++
			return original
		})
		require.ErrorIs(t, err, original)
		require.Contains(t, err.Error(), "failed after 3 attempts")
		require.Equal(t, 3, attempts)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		t.Parallel()

		original := errors.New("unknown column")
		attempts := 0
		err := Do(t.Context(), fastConfig(), func(context.Context) error {
			attempts++
			return original
		})
		require.Same(t, original, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("custom predicate and retry hook", func(t *testing.T) {
		t.Parallel()

		cfg := fastConfig()
		cfg.Retryable = func(error) bool { return true }
		var hooks atomic.Int32
		cfg.OnRetry = func(attempt int, _ time.Duration, err error) {
			hooks.Add(1)
			require.Error(t, err)
		}
		attempts := 0
		err := Do(t.Context(), cfg, func(context.Context) error {
			attempts++
			return errors.New("unknown column")
		})
		require.Error(t, err)
		require.Equal(t, 3, attempts)
		require.EqualValues(t, 2, hooks.Load())
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		t.Parallel()

		attempts := 0
		err := Do(t.Context(), Config{}, func(context.Context) error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("context cancelled during backoff", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		cfg := Config{MaxAttempts: 3, BaseBackoff: time.Hour, MaxBackoff: time.Hour, Clock: clock}
		ctx, cancel := context.WithCancel(t.Context())

		done := make(chan error, 1)
		go func() {
			done <- Do(ctx, cfg, func(context.Context) error {
				return errors.New("timeout")
			})
		}()

		require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
		cancel()
		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("Do did not return after cancellation")
		}
	})
}

func TestAccel_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.False(t, IsRetryable(context.DeadlineExceeded))
	require.True(t, IsRetryable(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	require.True(t, IsRetryable(errors.New("code: 202, message: Too many simultaneous queries")))
	require.True(t, IsRetryable(errors.New("unexpected EOF")))
	require.False(t, IsRetryable(errors.New("syntax error")))
}

func TestAccel_Retry_NewBackOff(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	maxBackoff := time.Second
	b := newBackOff(base, maxBackoff)
	for i := range 10 {
		got := b.NextBackOff()
		interval := min(base*time.Duration(1<<uint(i)), maxBackoff)
		require.GreaterOrEqual(t, got, interval/2)
		require.LessOrEqual(t, got, interval*3/2)
	}
}

func TestAccel_Retry_WaitsOnClock(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := Config{MaxAttempts: 2, BaseBackoff: time.Minute, MaxBackoff: time.Minute, Clock: clock}
	var attempts atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Do(t.Context(), cfg, func(context.Context) error {
			if attempts.Add(1) == 1 {
				return errors.New("connection refused")
			}
			return nil
		})
	}()

	require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
	require.EqualValues(t, 1, attempts.Load())
	clock.Advance(2 * time.Minute)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not retry after the clock advanced")
	}
	require.EqualValues(t, 2, attempts.Load())
}
