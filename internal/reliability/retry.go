package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Backoff is a capped exponential delay schedule
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Limit caps the number of attempts; zero keeps trying until the context ends
	Limit int
	// Spread randomizes each delay by up to this fraction in either direction
	Spread float64
}

// ReconnectBackoff returns the schedule used to re-establish broker links:
// doubling from initial up to max with 15% spread.
func ReconnectBackoff(initial, max time.Duration, limit int) Backoff {
	return Backoff{
		Initial: initial,
		Max:     max,
		Factor:  2.0,
		Limit:   limit,
		Spread:  0.15,
	}
}

// Delay returns the wait before attempt+1, counting attempts from zero
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial) * math.Pow(b.Factor, float64(attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Spread > 0 {
		d += (rand.Float64()*2 - 1) * b.Spread * d
	}
	return time.Duration(d)
}

// next reports whether another attempt follows the failed one and how long
// to wait for it
func (b Backoff) next(attempt int, err error) (time.Duration, bool) {
	if b.Limit > 0 && attempt+1 >= b.Limit {
		return 0, false
	}
	if Permanent(err) {
		return 0, false
	}
	return b.Delay(attempt), true
}

// FailureFunc observes a failed attempt that will be retried after wait
type FailureFunc func(attempt int, err error, wait time.Duration)

// Do runs attempt until it succeeds, the schedule gives up or ctx ends.
// onFailure may be nil. Giving up returns a *GiveUpError wrapping the last
// error; a cancelled ctx returns ctx.Err().
func Do(ctx context.Context, b Backoff, attempt func() error, onFailure FailureFunc) error {
	start := time.Now()

	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := attempt()
		if err == nil {
			return nil
		}

		wait, again := b.next(n, err)
		if !again {
			return &GiveUpError{Attempts: n + 1, Elapsed: time.Since(start), Err: err}
		}
		if onFailure != nil {
			onFailure(n, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Permanent reports whether an error in err's chain declares itself not
// worth retrying through an IsRetryable() false method. Unknown errors are
// transient.
func Permanent(err error) bool {
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return !r.IsRetryable()
	}
	return false
}
