package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type refusedError struct{}

func (refusedError) Error() string     { return "access refused" }
func (refusedError) IsRetryable() bool { return false }

func steady(limit int) Backoff {
	return Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2.0, Limit: limit}
}

func TestBackoff(t *testing.T) {
	t.Run("reconnect schedule doubles with spread", func(t *testing.T) {
		b := ReconnectBackoff(time.Second, time.Minute, 3)

		assert.Equal(t, 2.0, b.Factor)
		assert.Equal(t, 0.15, b.Spread)
		assert.Equal(t, 3, b.Limit)
	})

	t.Run("delay grows until the cap", func(t *testing.T) {
		b := Backoff{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2.0}

		for attempt, want := range []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
		} {
			assert.Equal(t, want, b.Delay(attempt), "attempt %d", attempt)
		}
		assert.Equal(t, 10*time.Second, b.Delay(12))
	})

	t.Run("spread keeps the delay within bounds", func(t *testing.T) {
		b := ReconnectBackoff(time.Second, 10*time.Second, 0)

		for i := 0; i < 50; i++ {
			d := b.Delay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("limit counts every attempt", func(t *testing.T) {
		b := steady(3)

		_, again := b.next(1, errors.New("broker down"))
		assert.True(t, again)
		_, again = b.next(2, errors.New("broker down"))
		assert.False(t, again)
	})

	t.Run("zero limit never gives up on transient errors", func(t *testing.T) {
		_, again := steady(0).next(10000, errors.New("broker down"))
		assert.True(t, again)
	})
}

func TestDo(t *testing.T) {
	t.Run("returns after the first success", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), steady(3), func() error {
			calls++
			return nil
		}, nil)

		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("keeps dialing through transient failures", func(t *testing.T) {
		calls := 0
		var observed []int
		err := Do(context.Background(), steady(5), func() error {
			calls++
			if calls < 4 {
				return errors.New("connection reset")
			}
			return nil
		}, func(n int, err error, wait time.Duration) {
			observed = append(observed, n)
			assert.Greater(t, wait, time.Duration(0))
		})

		assert.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2}, observed)
	})

	t.Run("wraps the last error when the limit is reached", func(t *testing.T) {
		down := errors.New("broker down")
		calls := 0
		err := Do(context.Background(), steady(3), func() error {
			calls++
			return down
		}, nil)

		var giveUp *GiveUpError
		require.ErrorAs(t, err, &giveUp)
		assert.ErrorIs(t, err, down)
		assert.Equal(t, 3, giveUp.Attempts)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops at a permanent error", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), steady(0), func() error {
			calls++
			if calls == 2 {
				return fmt.Errorf("dial: %w", refusedError{})
			}
			return errors.New("timeout")
		}, nil)

		assert.ErrorAs(t, err, &refusedError{})
		assert.Equal(t, 2, calls)
	})

	t.Run("cancelling the context ends the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		var calls int32
		err := Do(ctx, Backoff{Initial: time.Second, Max: time.Second, Factor: 1}, func() error {
			atomic.AddInt32(&calls, 1)
			return errors.New("broker down")
		}, nil)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})
}

func TestPermanent(t *testing.T) {
	t.Run("unknown errors are transient", func(t *testing.T) {
		assert.False(t, Permanent(errors.New("eof")))
		assert.False(t, Permanent(nil))
	})

	t.Run("IsRetryable anywhere in the chain decides", func(t *testing.T) {
		assert.True(t, Permanent(fmt.Errorf("open: %w", refusedError{})))
	})
}
