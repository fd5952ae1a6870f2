package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/procpool"
)

const (
	restartVelocityMax = 10
	poolPressureMax    = 0.9
	rssGrowthLimit     = 100 << 20
	rssWindow          = 10 * time.Minute

	defaultSampleInterval = 15 * time.Second
)

// HealthStatus is the slice of the supervisor the containment evaluator
// reads.
type HealthStatus interface {
	RecentRestarts() int
	CircuitOpen() bool
}

type rssSample struct {
	at    time.Time
	bytes int64
}

// Containment decides when automated intervention must stand down. The
// restart gate reads Active, which is a plain atomic load so it is safe
// to call from under the supervisor's lock.
type Containment struct {
	pool   func() procpool.Stats
	health HealthStatus
	rss    func() int64 // 0 when unknown
	clk    clock.Clock
	log    zerolog.Logger

	mu      sync.Mutex
	samples []rssSample

	active atomic.Bool
	reason atomic.Value // string
}

func NewContainment(pool func() procpool.Stats, health HealthStatus, rss func() int64,
	clk clock.Clock, logger zerolog.Logger) *Containment {
	c := &Containment{
		pool:   pool,
		health: health,
		rss:    rss,
		clk:    clk,
		log:    logger.With().Str("component", "containment").Logger(),
	}
	c.reason.Store("")
	return c
}

// Run re-evaluates on a fixed interval until ctx ends.
func (c *Containment) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate()
		}
	}
}

// Active reports the result of the last evaluation. Lock-free.
func (c *Containment) Active() bool {
	return c.active.Load()
}

// Reason names the trigger behind the last Active() == true.
func (c *Containment) Reason() string {
	return c.reason.Load().(string)
}

// Evaluate samples the system and updates the containment flag, returning
// the fresh verdict.
func (c *Containment) Evaluate() bool {
	reason := ""
	switch {
	case c.health != nil && c.health.RecentRestarts() >= restartVelocityMax:
		reason = "restart_velocity"
	case c.pool != nil && c.pool().Pressure >= poolPressureMax:
		reason = "pool_pressure"
	case c.health != nil && c.health.CircuitOpen():
		reason = "circuit_open"
	case c.rssGrowth() > rssGrowthLimit:
		reason = "rss_growth"
	}

	was := c.active.Swap(reason != "")
	c.reason.Store(reason)
	if reason != "" && !was {
		c.log.Warn().Str("trigger", reason).Msg("containment engaged")
	}
	if reason == "" && was {
		c.log.Info().Msg("containment cleared")
	}
	return reason != ""
}

// rssGrowth returns process RSS growth over the sampling window.
func (c *Containment) rssGrowth() int64 {
	if c.rss == nil {
		return 0
	}
	now := c.clk.Now()
	cur := c.rss()
	if cur <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, rssSample{at: now, bytes: cur})
	cutoff := now.Add(-rssWindow)
	kept := c.samples[:0]
	for _, s := range c.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	c.samples = kept
	if len(c.samples) < 2 {
		return 0
	}
	return cur - c.samples[0].bytes
}
