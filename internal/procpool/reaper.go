package procpool

import (
	"context"
	"strconv"
	"time"

	"github.com/airwave-tv/airwave/internal/metrics"
)

// RunReaper sweeps the pool every ReapInterval until ctx ends. Each sweep
// reaps processes that exited without a Release, evicts processes older than
// LongRunMax, and refreshes per-channel memory gauges.
func (p *Pool) RunReaper(ctx context.Context) {
	t := time.NewTicker(p.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.ReapOnce()
		}
	}
}

// ReapOnce performs a single sweep.
func (p *Pool) ReapOnce() {
	p.mu.Lock()
	snapshot := make(map[int64]*Handle, len(p.handles))
	for id, h := range p.handles {
		snapshot[id] = h
	}
	p.mu.Unlock()

	for id, h := range snapshot {
		switch {
		case h.exited():
			p.log.Warn().Int64("channel_id", id).Int("pid", h.PID).Msg("reaping exited process without release")
			p.Release(id)
		case p.clk.Since(h.StartedAt) > p.cfg.LongRunMax:
			p.log.Warn().Int64("channel_id", id).Int("pid", h.PID).
				Dur("age", p.clk.Since(h.StartedAt)).Msg("killing long-running process")
			p.Release(id)
		default:
			if rss := h.RSSBytes(); rss >= 0 {
				metrics.ChannelMemoryBytes.WithLabelValues(strconv.FormatInt(id, 10)).Set(float64(rss))
			}
		}
	}
}
