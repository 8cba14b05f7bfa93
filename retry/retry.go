// Package retry re-runs storage calls that failed with recoverable errors,
// backing off exponentially between attempts.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

type options struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
	jitter     bool
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets how many times a failed call is retried. The call runs
// at most maxRetries+1 times.
func WithMaxRetries(maxRetries int) Option {
	return func(o *options) { o.maxRetries = maxRetries }
}

// WithBaseWait sets the wait before the first retry. It doubles per attempt.
func WithBaseWait(wait time.Duration) Option {
	return func(o *options) { o.baseWait = wait }
}

// WithMaxWait caps the wait between attempts.
func WithMaxWait(wait time.Duration) Option {
	return func(o *options) { o.maxWait = wait }
}

// WithJitter randomizes each wait between half and the full backoff.
func WithJitter(jitter bool) Option {
	return func(o *options) { o.jitter = jitter }
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// runs out of retries, or ctx is done. The last error from fn is returned
// unchanged.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := &options{
		maxRetries: 3,
		baseWait:   100 * time.Millisecond,
		maxWait:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= o.maxRetries || !IsRecoverable(err) {
			return err
		}
		timer := time.NewTimer(o.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (o *options) backoff(attempt int) time.Duration {
	wait := o.maxWait
	if attempt < 32 {
		wait = o.baseWait << attempt
	}
	if wait <= 0 || (o.maxWait > 0 && wait > o.maxWait) {
		wait = o.maxWait
	}
	if o.jitter && wait > 1 {
		half := wait / 2
		wait = half + rand.N(wait-half)
	}
	return wait
}
