// Package health watches channel output freshness and owns the only path
// that may restart a broadcaster. Restart requests pass a storm throttle, a
// per-channel cooldown, and a per-channel circuit breaker before any
// stop/start happens.
package health

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/metrics"
)

// Channel health states.
const (
	StateHealthy    = "healthy"
	StateUnhealthy  = "unhealthy"
	StateRestarting = "restarting"
)

// Blocked reasons returned by RequestChannelRestart.
const (
	BlockedStorm       = "storm"
	BlockedCooldown    = "cooldown"
	BlockedCircuitOpen = "circuit_open"
	BlockedContainment = "containment"
)

// errRestartFailed feeds the breaker's failure counter when a restarted
// channel stays silent past the unhealthy threshold.
var errRestartFailed = errors.New("health: restart produced no output")

// Target is the restartable surface of a broadcaster.
type Target interface {
	ChannelID() int64
	IsRunning() bool
	LastOutput() time.Time
	Stop()
	Start()
	NoteRestart()
}

// Config tunes the supervisor.
type Config struct {
	UnhealthyThreshold time.Duration // default 3 min
	CheckInterval      time.Duration // default 30 s
	StormWindow        time.Duration // default 60 s
	StormMax           int           // default 10
	Cooldown           time.Duration // default 30 s

	CircuitFailureThreshold int           // default 5
	CircuitFailureWindow    time.Duration // default 5 min
	CircuitOpenDuration     time.Duration // default 2 min
}

func (c *Config) applyDefaults() {
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3 * time.Minute
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.StormWindow <= 0 {
		c.StormWindow = time.Minute
	}
	if c.StormMax <= 0 {
		c.StormMax = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.CircuitFailureThreshold <= 0 {
		c.CircuitFailureThreshold = 5
	}
	if c.CircuitFailureWindow <= 0 {
		c.CircuitFailureWindow = 5 * time.Minute
	}
	if c.CircuitOpenDuration <= 0 {
		c.CircuitOpenDuration = 2 * time.Minute
	}
}

// Decision is the outcome of a restart request.
type Decision struct {
	Allowed bool
	Reason  string // blocked reason when !Allowed
}

type channelHealth struct {
	state       string
	lastRestart time.Time
	restartedAt time.Time
	done        func(error) // pending circuit outcome, set while restarting
	cb          *gobreaker.TwoStepCircuitBreaker[any]
}

// Supervisor runs the periodic health check.
type Supervisor struct {
	cfg         Config
	targets     func() []Target
	containment func() bool // nil = containment never active
	clk         clock.Clock
	log         zerolog.Logger

	mu       sync.Mutex
	restarts []time.Time // global window for the storm throttle
	channels map[int64]*channelHealth
}

// New builds a supervisor over the targets snapshot function. containment
// may be nil.
func New(cfg Config, targets func() []Target, containment func() bool, clk clock.Clock, logger zerolog.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:         cfg,
		targets:     targets,
		containment: containment,
		clk:         clk,
		log:         logger.With().Str("component", "health").Logger(),
		channels:    make(map[int64]*channelHealth),
	}
}

// Run ticks until ctx ends. The gauge tracks how far each tick drifts from
// its schedule, a cheap proxy for event-loop congestion.
func (s *Supervisor) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.CheckInterval)
	defer t.Stop()
	last := s.clk.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			lag := s.clk.Since(last) - s.cfg.CheckInterval
			if lag < 0 {
				lag = 0
			}
			metrics.EventLoopLag.Set(lag.Seconds())
			last = s.clk.Now()
			s.Tick()
		}
	}
}

// Tick runs one health pass over every target.
func (s *Supervisor) Tick() {
	for _, t := range s.targets() {
		s.check(t)
	}
}

func (s *Supervisor) check(t Target) {
	ch := s.channelFor(t.ChannelID())

	s.mu.Lock()
	state := ch.state
	restartedAt := ch.restartedAt
	s.mu.Unlock()

	if state == StateRestarting {
		s.resolveRestart(t, ch, restartedAt)
		return
	}

	if !t.IsRunning() {
		return
	}
	age := s.clk.Since(t.LastOutput())
	if age <= s.cfg.UnhealthyThreshold {
		s.setState(ch, StateHealthy)
		return
	}

	s.setState(ch, StateUnhealthy)
	d := s.RequestChannelRestart(t, "stale output")
	if !d.Allowed {
		s.log.Warn().Int64("channel_id", t.ChannelID()).Str("reason", d.Reason).
			Dur("age", age).Msg("restart blocked")
	}
}

// resolveRestart settles a pending restart: output after the restart means
// success, continued silence past the threshold means failure.
func (s *Supervisor) resolveRestart(t Target, ch *channelHealth, restartedAt time.Time) {
	switch {
	case t.LastOutput().After(restartedAt):
		s.settle(ch, true, StateHealthy)
		s.log.Info().Int64("channel_id", t.ChannelID()).Msg("restart succeeded")
	case s.clk.Since(restartedAt) > s.cfg.UnhealthyThreshold:
		s.settle(ch, false, StateUnhealthy)
		s.log.Warn().Int64("channel_id", t.ChannelID()).Msg("restart produced no output")
	}
}

func (s *Supervisor) settle(ch *channelHealth, success bool, state string) {
	s.mu.Lock()
	done := ch.done
	ch.done = nil
	ch.state = state
	s.mu.Unlock()
	if done != nil {
		if success {
			done(nil)
		} else {
			done(errRestartFailed)
		}
	}
}

func (s *Supervisor) setState(ch *channelHealth, state string) {
	s.mu.Lock()
	ch.state = state
	s.mu.Unlock()
}

// RequestChannelRestart is the single gate for recovery restarts. When
// allowed it performs stop then start and leaves the channel in the
// restarting state until the next ticks settle the outcome.
func (s *Supervisor) RequestChannelRestart(t Target, reason string) Decision {
	ch := s.channelFor(t.ChannelID())
	now := s.clk.Now()

	s.mu.Lock()
	s.pruneRestartsLocked(now)
	if len(s.restarts) >= s.cfg.StormMax {
		s.mu.Unlock()
		return Decision{Reason: BlockedStorm}
	}
	if !ch.lastRestart.IsZero() && now.Sub(ch.lastRestart) < s.cfg.Cooldown {
		s.mu.Unlock()
		return Decision{Reason: BlockedCooldown}
	}
	if s.containment != nil && s.containment() {
		s.mu.Unlock()
		return Decision{Reason: BlockedContainment}
	}
	done, err := ch.cb.Allow()
	if err != nil {
		s.mu.Unlock()
		return Decision{Reason: BlockedCircuitOpen}
	}
	s.restarts = append(s.restarts, now)
	ch.lastRestart = now
	ch.restartedAt = now
	ch.state = StateRestarting
	ch.done = done
	s.mu.Unlock()

	s.log.Info().Int64("channel_id", t.ChannelID()).Str("reason", reason).Msg("restarting channel")
	t.Stop()
	t.Start()
	t.NoteRestart()
	return Decision{Allowed: true}
}

// ChannelState reports the supervisor's view of one channel.
func (s *Supervisor) ChannelState(channelID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return StateHealthy
	}
	return ch.state
}

func (s *Supervisor) pruneRestartsLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.StormWindow)
	kept := s.restarts[:0]
	for _, r := range s.restarts {
		if r.After(cutoff) {
			kept = append(kept, r)
		}
	}
	s.restarts = kept
}

// RecentRestarts counts gate-approved restarts inside the storm window.
func (s *Supervisor) RecentRestarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneRestartsLocked(s.clk.Now())
	return len(s.restarts)
}

func (s *Supervisor) channelFor(id int64) *channelHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[id]; ok {
		return ch
	}
	label := strconv.FormatInt(id, 10)
	settings := gobreaker.Settings{
		Name:        "channel-" + label,
		MaxRequests: 1,
		Interval:    s.cfg.CircuitFailureWindow,
		Timeout:     s.cfg.CircuitOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= uint32(s.cfg.CircuitFailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitState.WithLabelValues(label).Set(circuitGauge(to))
			s.log.Warn().Str("breaker", name).Str("from", from.String()).
				Str("to", to.String()).Msg("circuit state change")
		},
	}
	ch := &channelHealth{
		state: StateHealthy,
		cb:    gobreaker.NewTwoStepCircuitBreaker[any](settings),
	}
	s.channels[id] = ch
	return ch
}

// CircuitOpen reports whether any channel's breaker is currently open.
func (s *Supervisor) CircuitOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.cb.State() == gobreaker.StateOpen {
			return true
		}
	}
	return false
}

func circuitGauge(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	}
	return metrics.CircuitClosed
}
