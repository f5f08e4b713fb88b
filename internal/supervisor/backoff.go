package supervisor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Jitter is the randomization factor applied to every delay.
const Jitter = 0.2

// NewBackOff returns an exponential backoff which starts at base, doubles per failure and never
// waits longer than ceiling. It never gives up on its own.
func NewBackOff(base, ceiling time.Duration) *backoff.ExponentialBackOff {
	if ceiling < base {
		ceiling = base
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = ceiling
	b.RandomizationFactor = Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Delay returns the delay before the attempt following the given number of failures, for callers
// which persist the failure count rather than a backoff.
func Delay(base, ceiling time.Duration, failures int) time.Duration {
	b := NewBackOff(base, ceiling)

	for i := 0; i < failures; i++ {
		b.NextBackOff()
	}

	return b.NextBackOff()
}

// Wait sleeps for the backoff's next delay or until ctx is done.
func Wait(ctx context.Context, b backoff.BackOff) error {
	timer := time.NewTimer(b.NextBackOff())
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}
