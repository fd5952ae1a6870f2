package httpclient

import (
	"context"
	"math/rand"
	"time"
)

// Backoff retries a failing call with exponential delays plus jitter.
// Resolvers use it for synchronous re-resolution after a cache miss.
type Backoff struct {
	Base     time.Duration // first delay (default 500ms)
	Max      time.Duration // per-delay cap (default 30s)
	Attempts int           // total tries including the first (default 5)
}

// DefaultBackoff: 500ms base doubling up to 30s, 5 attempts.
var DefaultBackoff = Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, Attempts: 5}

// Do calls fn until it succeeds, attempts are exhausted, or ctx is done.
// Between tries it sleeps base·2^n with up to 50% random jitter added.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 5
	}

	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		d := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		if d > max {
			d = max
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
		delay *= 2
		if delay > max {
			delay = max
		}
	}
	return err
}
