package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/store"
)

// Manager holds one broadcaster per channel, created lazily on first tune or
// prewarm.
type Manager struct {
	cfg      Config
	sched    Scheduler
	resolver Resolver
	builder  CommandBuilder
	pool     Pool
	profiles ProfileSource
	clk      clock.Clock
	log      zerolog.Logger

	mu           sync.Mutex
	broadcasters map[int64]*Broadcaster
}

func NewManager(cfg Config, sched Scheduler, resolver Resolver, builder CommandBuilder,
	pool Pool, profiles ProfileSource, clk clock.Clock, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:          cfg,
		sched:        sched,
		resolver:     resolver,
		builder:      builder,
		pool:         pool,
		profiles:     profiles,
		clk:          clk,
		log:          logger,
		broadcasters: make(map[int64]*Broadcaster),
	}
}

// Broadcaster returns the broadcaster for channel, creating it if needed.
func (m *Manager) Broadcaster(channel store.Channel) *Broadcaster {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.broadcasters[channel.ID]; ok {
		return b
	}
	b := New(channel, m.cfg, m.sched, m.resolver, m.builder, m.pool, m.profiles, m.clk, m.log)
	m.broadcasters[channel.ID] = b
	return b
}

// Get returns an existing broadcaster without creating one.
func (m *Manager) Get(channelID int64) (*Broadcaster, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasters[channelID]
	return b, ok
}

// All snapshots the current broadcasters.
func (m *Manager) All() []*Broadcaster {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Broadcaster, 0, len(m.broadcasters))
	for _, b := range m.broadcasters {
		out = append(out, b)
	}
	return out
}

// StopAll halts every broadcaster; used during shutdown.
func (m *Manager) StopAll() {
	for _, b := range m.All() {
		b.Stop()
	}
}

// RunJanitor sweeps idle sessions until ctx ends.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, b := range m.All() {
				b.SweepIdle()
			}
		}
	}
}
