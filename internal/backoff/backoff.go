// Package backoff implements capped exponential retry delays.
package backoff

import (
	"context"
	"time"
)

const (
	DefaultInitial = time.Second
	DefaultMax     = 30 * time.Second
)

// Policy describes a delay that starts at Initial, doubles on every
// consecutive failure and never exceeds Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// Default returns the 1s..30s policy.
func Default() Policy {
	return Policy{Initial: DefaultInitial, Max: DefaultMax}
}

// Delay returns the wait before the next attempt after the given number of
// consecutive failures. failures <= 0 yields zero. Unset fields take the
// defaults.
func (p Policy) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	initial, limit := p.Initial, p.Max
	if initial <= 0 {
		initial = DefaultInitial
	}
	if limit <= 0 {
		limit = DefaultMax
	}
	if limit < initial {
		limit = initial
	}

	d := initial
	for i := 1; i < failures; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// Backoff tracks consecutive failures against a Policy. It is not safe for
// concurrent use.
type Backoff struct {
	policy   Policy
	failures int
}

func New(policy Policy) *Backoff {
	return &Backoff{policy: policy}
}

// Next records a failure and returns the delay to wait before retrying.
func (b *Backoff) Next() time.Duration {
	b.failures++
	return b.policy.Delay(b.failures)
}

// Reset clears the failure count.
func (b *Backoff) Reset() {
	b.failures = 0
}

// Failures returns the number of consecutive failures recorded.
func (b *Backoff) Failures() int {
	return b.failures
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
