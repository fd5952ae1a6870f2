package clock

import (
	"sync"
	"time"
)

// Clock provides wall-clock and monotonic readings. Components that make
// timing decisions (health staleness, cache TTLs, restart windows) take a
// Clock so tests can drive time explicitly.
type Clock interface {
	// Now returns the current wall-clock time. The returned Time carries a
	// monotonic reading, so Sub on two Now results is safe against NTP steps.
	Now() time.Time
	// Since returns the elapsed time since t using the monotonic component.
	Since(t time.Time) time.Duration
}

// System is the real clock.
type System struct{}

func (System) Now() time.Time                  { return time.Now() }
func (System) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake pinned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
