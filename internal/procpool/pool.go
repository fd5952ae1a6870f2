// Package procpool supervises the ffmpeg processes behind all channels. It
// enforces a hard process ceiling, memory and file-descriptor guards, a
// token-bucket spawn rate, and a first-byte deadline on every spawn, so that
// one misbehaving channel cannot starve the host.
package procpool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/metrics"
	"github.com/airwave-tv/airwave/internal/transcoder"
)

const (
	// defaultMaxProcesses caps the pool when neither config nor the host
	// budgets constrain it.
	defaultMaxProcesses = 32

	// reservedFDs keeps headroom for our own listeners, the database, and
	// client sockets when deriving the fd ceiling from the rlimit.
	reservedFDs = 64

	// pressureFraction is the occupancy at which the pool logs and counts a
	// pressure event; the event fires once per excursion above the line.
	pressureFraction = 0.8

	stderrTailBytes = 4 << 10

	firstChunkBytes = 32 << 10
)

// Config tunes the pool. Zero values fall back to derived or built-in
// defaults, documented per field.
type Config struct {
	MaxProcesses          int           // 0 = derive from memory and fd budgets
	RateCapacity          int           // token bucket burst, default 5
	RateRefillPerSecond   int           // default 5
	MemoryWatermarkBytes  int64         // reject spawns when free memory sinks below this
	FDWatermark           int           // 0 = soft rlimit minus headroom
	LongRunMax            time.Duration // reaper kills processes older than this
	ReapInterval          time.Duration
	PerProcessRSSEstimate int64 // sizing estimate per ffmpeg, default 200MiB
	PerProcessFDEstimate  int   // default 16
}

func (c *Config) applyDefaults() {
	if c.RateCapacity <= 0 {
		c.RateCapacity = 5
	}
	if c.RateRefillPerSecond <= 0 {
		c.RateRefillPerSecond = 5
	}
	if c.PerProcessRSSEstimate <= 0 {
		c.PerProcessRSSEstimate = 200 << 20
	}
	if c.PerProcessFDEstimate <= 0 {
		c.PerProcessFDEstimate = 16
	}
	if c.LongRunMax <= 0 {
		c.LongRunMax = 24 * time.Hour
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
}

// spawnFunc starts a process for cmd and returns its handle with the raw
// stdout attached. Tests substitute this to avoid real processes.
type spawnFunc func(cmd transcoder.Command) (*Handle, error)

// Pool admits at most max concurrent transcoder processes, one per channel.
type Pool struct {
	cfg     Config
	max     int
	limiter *rate.Limiter
	clk     clock.Clock
	log     zerolog.Logger
	spawn   spawnFunc

	mu        sync.Mutex
	handles   map[int64]*Handle
	pending   int
	pressured bool
	closed    bool
}

// New sizes and returns a pool. The ceiling is the tightest of the
// configured cap, the free-memory budget, and the fd budget, floored at 1.
func New(cfg Config, clk clock.Clock, logger zerolog.Logger) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateRefillPerSecond), cfg.RateCapacity),
		clk:     clk,
		log:     logger.With().Str("component", "procpool").Logger(),
		handles: make(map[int64]*Handle),
	}
	p.spawn = p.execSpawn

	max := cfg.MaxProcesses
	if max <= 0 {
		max = defaultMaxProcesses
	}
	if free := freeMemoryBytes(); free > 0 {
		if byMem := int(free / cfg.PerProcessRSSEstimate); byMem < max {
			max = byMem
		}
	}
	if lim := fdSoftLimit(); lim > 0 {
		if byFD := (lim - reservedFDs) / cfg.PerProcessFDEstimate; byFD < max {
			max = byFD
		}
	}
	if max < 1 {
		max = 1
	}
	p.max = max
	p.log.Info().Int("max_processes", max).Msg("process pool sized")
	return p
}

// Max returns the process ceiling.
func (p *Pool) Max() int { return p.max }

// Stats is a point-in-time pool reading.
type Stats struct {
	Active   int
	Pending  int
	Max      int
	Pressure float64
}

// Snapshot returns current occupancy.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:   len(p.handles),
		Pending:  p.pending,
		Max:      p.max,
		Pressure: float64(len(p.handles)+p.pending) / float64(p.max),
	}
}

// Acquire admits a spawn for channelID, runs cmd, and waits for its first
// output chunk before handing the process over. Guards run in a fixed order:
// capacity, memory, fd, rate, then the spawn itself under cmd.ColdStart.
func (p *Pool) Acquire(ctx context.Context, channelID int64, cmd transcoder.Command) (*Handle, error) {
	start := p.clk.Now()

	if err := p.admit(channelID); err != nil {
		return nil, err
	}
	metrics.SpawnPending.Inc()
	defer metrics.SpawnPending.Dec()

	// Token bucket. Waiting here holds no lock, so a drained bucket delays
	// only the caller, never other channels' Release paths.
	if err := p.limiter.Wait(ctx); err != nil {
		p.pendingDone()
		metrics.SpawnRejected.WithLabelValues(ReasonRateLimited).Inc()
		return nil, &RejectError{Reason: ReasonRateLimited, Detail: err.Error()}
	}

	h, err := p.spawn(cmd)
	if err != nil {
		p.pendingDone()
		return nil, err
	}
	h.ChannelID = channelID

	if err := p.awaitFirstChunk(ctx, h, cmd.ColdStart); err != nil {
		p.pendingDone()
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.pendingDone()
		p.retire(h)
		return nil, ErrPoolClosed
	}
	p.pending--
	p.handles[channelID] = h
	metrics.ProcessesActive.Set(float64(len(p.handles)))
	p.mu.Unlock()

	metrics.AcquisitionLatency.Observe(p.clk.Since(start).Seconds())
	p.log.Debug().Int64("channel_id", channelID).Int("pid", h.PID).
		Dur("latency", p.clk.Since(start)).Msg("process acquired")
	return h, nil
}

// admit runs the pre-spawn guards and reserves a pending slot.
func (p *Pool) admit(channelID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.handles[channelID]; ok {
		return fmt.Errorf("procpool: channel %d already holds a process", channelID)
	}
	if len(p.handles)+p.pending >= p.max {
		metrics.SpawnRejected.WithLabelValues(ReasonCapacity).Inc()
		return &RejectError{
			Reason: ReasonCapacity,
			Detail: fmt.Sprintf("%d of %d slots in use", len(p.handles)+p.pending, p.max),
		}
	}
	if free := freeMemoryBytes(); free >= 0 && p.cfg.MemoryWatermarkBytes > 0 && free < p.cfg.MemoryWatermarkBytes {
		metrics.SpawnRejected.WithLabelValues(ReasonMemoryGuard).Inc()
		return &RejectError{
			Reason: ReasonMemoryGuard,
			Detail: fmt.Sprintf("%d bytes free, watermark %d", free, p.cfg.MemoryWatermarkBytes),
		}
	}
	if open := openFDCount(); open >= 0 {
		ceiling := p.cfg.FDWatermark
		if ceiling <= 0 {
			if lim := fdSoftLimit(); lim > 0 {
				ceiling = lim - reservedFDs
			}
		}
		if ceiling > 0 && open+p.cfg.PerProcessFDEstimate > ceiling {
			metrics.SpawnRejected.WithLabelValues(ReasonFDGuard).Inc()
			return &RejectError{
				Reason: ReasonFDGuard,
				Detail: fmt.Sprintf("%d fds open, ceiling %d", open, ceiling),
			}
		}
	}

	p.pending++
	occupied := len(p.handles) + p.pending
	if !p.pressured && occupied >= int(math.Ceil(pressureFraction*float64(p.max))) {
		p.pressured = true
		metrics.PoolPressureEvents.Inc()
		p.log.Warn().Int("occupied", occupied).Int("max", p.max).Msg("pool pressure")
	}
	return nil
}

func (p *Pool) pendingDone() {
	p.mu.Lock()
	p.pending--
	p.relaxPressureLocked()
	p.mu.Unlock()
}

func (p *Pool) relaxPressureLocked() {
	if p.pressured && len(p.handles)+p.pending < int(math.Ceil(pressureFraction*float64(p.max))) {
		p.pressured = false
	}
}

// awaitFirstChunk blocks until the process writes its first bytes, the
// deadline passes, or ctx ends. On success the chunk is replayed at the
// front of the handle's stdout.
func (p *Pool) awaitFirstChunk(ctx context.Context, h *Handle, deadline time.Duration) error {
	if deadline <= 0 {
		deadline = 90 * time.Second
	}
	raw := h.stdout

	type firstRead struct {
		buf []byte
		err error
	}
	ch := make(chan firstRead, 1)
	go func() {
		buf := make([]byte, firstChunkBytes)
		n, err := raw.Read(buf)
		ch <- firstRead{buf: buf[:n], err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case fr := <-ch:
		if len(fr.buf) == 0 {
			p.retire(h)
			return fmt.Errorf("procpool: process produced no output: %v (stderr: %s)", fr.err, h.StderrTail())
		}
		h.stdout = io.MultiReader(bytes.NewReader(fr.buf), raw)
		return nil
	case <-timer.C:
		p.retire(h)
		metrics.SpawnTimeouts.Inc()
		metrics.SpawnRejected.WithLabelValues(ReasonSpawnTimeout).Inc()
		return &RejectError{
			Reason: ReasonSpawnTimeout,
			Detail: fmt.Sprintf("no output within %s (stderr: %s)", deadline, h.StderrTail()),
		}
	case <-ctx.Done():
		p.retire(h)
		return ctx.Err()
	}
}

// Release returns channelID's slot. The process is killed if still running.
// Releasing an unknown channel is a no-op, so the call is idempotent.
func (p *Pool) Release(channelID int64) {
	p.mu.Lock()
	h, ok := p.handles[channelID]
	if ok {
		delete(p.handles, channelID)
		metrics.ProcessesActive.Set(float64(len(p.handles)))
		p.relaxPressureLocked()
	}
	p.mu.Unlock()
	if ok {
		p.retire(h)
	}
}

// retire kills and reaps a handle off the caller's critical path.
func (p *Pool) retire(h *Handle) {
	h.kill()
	go func() {
		_ = h.Wait()
		if h.closer != nil {
			_ = h.closer.Close()
		}
	}()
}

// Close rejects further acquisitions and kills every live process.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	live := make([]*Handle, 0, len(p.handles))
	for id, h := range p.handles {
		live = append(live, h)
		delete(p.handles, id)
	}
	metrics.ProcessesActive.Set(0)
	p.mu.Unlock()

	for _, h := range live {
		h.kill()
	}
	for _, h := range live {
		_ = h.Wait()
	}
	p.log.Info().Int("killed", len(live)).Msg("process pool closed")
}

// execSpawn starts cmd for real, wiring a bounded stderr tail.
func (p *Pool) execSpawn(cmd transcoder.Command) (*Handle, error) {
	c := exec.Command(cmd.Path, cmd.Args...)
	tail := newTailBuffer(stderrTailBytes)
	c.Stderr = tail
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("procpool: stdout pipe: %w", err)
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("procpool: start %s: %w", cmd.Path, err)
	}
	return &Handle{
		PID:       c.Process.Pid,
		StartedAt: p.clk.Now(),
		stdout:    stdout,
		closer:    stdout,
		stderr:    tail,
		waitFn:    c.Wait,
		killFn:    func() { _ = c.Process.Kill() },
		aliveFn:   func() bool { return c.Process.Signal(syscall.Signal(0)) == nil },
		waitDone:  make(chan struct{}),
	}, nil
}
