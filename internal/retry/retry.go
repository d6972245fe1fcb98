// Package retry re-runs operations that fail with transient errors: Redis
// publishes and supervisor listings.
package retry

import (
	"context"
	"math/rand"
	"time"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Jitter   bool

	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// PublishPolicy is used for notifier deliveries.
func PublishPolicy() Policy {
	return Policy{Attempts: 3, Base: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: true}
}

// ListingPolicy is used for supervisor listings inside a sweep. It gives up
// quickly so one slow supervisor does not stall the sweep.
func ListingPolicy() Policy {
	return Policy{Attempts: 2, Base: 500 * time.Millisecond, Max: time.Second}
}

// Delay is the wait after the given zero-based failed attempt, before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt && (p.Max <= 0 || d < p.Max); i++ {
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-retryable error, runs out of
// attempts or ctx is done. It returns the last error from fn, or ctx.Err().
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil || !serrors.IsRetryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		wait := p.Delay(attempt)
		if p.Jitter {
			wait = wait/2 + time.Duration(rand.Int63n(int64(wait/2)+1))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
