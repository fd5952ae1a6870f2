// Package broadcast runs one producer loop per channel: it asks the playout
// engine what to play, resolves a URL, drives one transcoder process through
// the pool, and fans the MPEG-TS output to every attached client.
package broadcast

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/metrics"
	"github.com/airwave-tv/airwave/internal/procpool"
	"github.com/airwave-tv/airwave/internal/store"
	"github.com/airwave-tv/airwave/internal/transcoder"
)

// Scheduler supplies the item a channel should be playing right now.
// The bool is false when the channel has no programming at all.
type Scheduler interface {
	CurrentItem(ctx context.Context, channelID int64) (store.MediaItem, bool, error)
	Advance(ctx context.Context, channelID int64) error
}

// Resolver turns media items into playable URLs.
type Resolver interface {
	PlayableURL(ctx context.Context, item store.MediaItem) (string, error)
	Invalidate(item store.MediaItem)
}

// CommandBuilder is the transcoder driver surface the broadcaster needs.
type CommandBuilder interface {
	Probe(ctx context.Context, inputURL, source string) (transcoder.ProbeResult, error)
	Build(in transcoder.BuildInput) (transcoder.Command, error)
	Slate(title string) transcoder.Command
}

// Process is a borrowed transcoder process.
type Process interface {
	Stdout() io.Reader
	Wait() error
	StderrTail() string
}

// Pool admits and reclaims transcoder processes.
type Pool interface {
	Acquire(ctx context.Context, channelID int64, cmd transcoder.Command) (Process, error)
	Release(channelID int64)
}

// PoolAdapter lets *procpool.Pool satisfy Pool.
type PoolAdapter struct{ *procpool.Pool }

func (a PoolAdapter) Acquire(ctx context.Context, channelID int64, cmd transcoder.Command) (Process, error) {
	h, err := a.Pool.Acquire(ctx, channelID, cmd)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// ProfileSource loads the encode profile and watermark referenced by a
// channel; *store.Store satisfies it.
type ProfileSource interface {
	GetFFmpegProfile(ctx context.Context, id int64) (store.FFmpegProfile, error)
	GetWatermark(ctx context.Context, id int64) (store.Watermark, error)
}

// Config tunes every broadcaster.
type Config struct {
	ChunkBytes         int           // stdout read size, default 32 KiB
	ClientQueueChunks  int           // per-client queue depth, default 128
	SessionIdleTimeout time.Duration // default 5 min
	IdleStopGrace      time.Duration // stop_on_disconnect grace, default 30 s
	SlateRetryDelay    time.Duration // pause between slate rounds, default 5 s
}

func (c *Config) applyDefaults() {
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 32 << 10
	}
	if c.ClientQueueChunks <= 0 {
		c.ClientQueueChunks = 128
	}
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = 5 * time.Minute
	}
	if c.IdleStopGrace <= 0 {
		c.IdleStopGrace = 30 * time.Second
	}
	if c.SlateRetryDelay <= 0 {
		c.SlateRetryDelay = 5 * time.Second
	}
}

// State is the externally visible broadcaster status.
type State struct {
	IsRunning      bool
	LastOutputTime time.Time
	ClientCount    int
	RestartCount   int
	ErrorCount     int
}

// Broadcaster owns the producer loop for one channel.
type Broadcaster struct {
	channel  store.Channel
	cfg      Config
	sched    Scheduler
	resolver Resolver
	builder  CommandBuilder
	pool     Pool
	profiles ProfileSource
	clk      clock.Clock
	log      zerolog.Logger

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
	clients      map[string]*client
	lastOutput   time.Time
	restartCount int
	errorCount   int
	idleStop     *time.Timer
}

// New wires a broadcaster for channel. Call Start to begin producing.
func New(channel store.Channel, cfg Config, sched Scheduler, resolver Resolver,
	builder CommandBuilder, pool Pool, profiles ProfileSource, clk clock.Clock, logger zerolog.Logger) *Broadcaster {
	cfg.applyDefaults()
	return &Broadcaster{
		channel:  channel,
		cfg:      cfg,
		sched:    sched,
		resolver: resolver,
		builder:  builder,
		pool:     pool,
		profiles: profiles,
		clk:      clk,
		log: logger.With().Str("component", "broadcast").
			Int64("channel_id", channel.ID).Str("channel", channel.Number).Logger(),
		clients: make(map[string]*client),
	}
}

// Start launches the producer loop. Calling it on a running broadcaster is a
// no-op.
func (b *Broadcaster) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.running = true
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx, b.done)
	b.log.Info().Msg("broadcaster started")
}

// Stop halts the producer loop and releases the transcoder process. Clients
// stay attached; their queues simply stop filling.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	// Release first so a blocked stdout read unblocks, then cancel.
	b.pool.Release(b.channel.ID)
	cancel()
	<-done
	b.log.Info().Msg("broadcaster stopped")
}

// NoteRestart records a supervisor-initiated restart.
func (b *Broadcaster) NoteRestart() {
	b.mu.Lock()
	b.restartCount++
	b.mu.Unlock()
	metrics.ChannelRestarts.WithLabelValues(b.channelLabel()).Inc()
}

// State reports current status.
func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		IsRunning:      b.running,
		LastOutputTime: b.lastOutput,
		ClientCount:    len(b.clients),
		RestartCount:   b.restartCount,
		ErrorCount:     b.errorCount,
	}
}

// LastOutput returns the time of the last non-empty chunk.
func (b *Broadcaster) LastOutput() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastOutput
}

// Channel returns the channel this broadcaster serves.
func (b *Broadcaster) Channel() store.Channel { return b.channel }

func (b *Broadcaster) channelLabel() string {
	return strconv.FormatInt(b.channel.ID, 10)
}

// run is the producer loop. It returns on stop, pool closure, or process
// failure; restarts are the health supervisor's call, never its own.
func (b *Broadcaster) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()
	// Reclaims a process acquired in the window between Stop's release and
	// the cancellation landing. Release is idempotent, so this is free in
	// the common case.
	defer b.pool.Release(b.channel.ID)

	for ctx.Err() == nil {
		item, ok, err := b.sched.CurrentItem(ctx, b.channel.ID)
		if err != nil || !ok {
			if err != nil {
				b.log.Warn().Err(err).Msg("playout lookup failed")
			}
			if !b.streamSlate(ctx, "No programming") {
				return
			}
			if !sleepCtx(ctx, b.cfg.SlateRetryDelay) {
				return
			}
			continue
		}

		playErr := b.playItem(ctx, item)
		if ctx.Err() != nil {
			return
		}
		if playErr == nil {
			metrics.StreamSuccess.WithLabelValues(b.channelLabel()).Inc()
			if err := b.sched.Advance(ctx, b.channel.ID); err != nil {
				b.log.Error().Err(err).Msg("advancing playout failed")
			}
			continue
		}

		b.recordFailure(playErr, item)
		var rec recoverableError
		if errors.As(playErr, &rec) {
			// Resolution faults heal on their own (URL expiry, upstream
			// hiccups); keep the channel alive with a slate and retry.
			if !b.streamSlate(ctx, "Channel error") || !sleepCtx(ctx, b.cfg.SlateRetryDelay) {
				return
			}
			continue
		}
		b.streamSlate(ctx, "Channel error")
		return
	}
}

// playItem plays one media item to completion, returning nil on a clean
// process exit.
func (b *Broadcaster) playItem(ctx context.Context, item store.MediaItem) error {
	url, err := b.resolver.PlayableURL(ctx, item)
	if err != nil {
		return recoverableError{err}
	}

	probe, err := b.builder.Probe(ctx, url, item.Source)
	if err != nil {
		// A stale cached URL is the usual culprit; drop it so the next
		// attempt re-resolves.
		b.resolver.Invalidate(item)
		return recoverableError{err}
	}

	in := transcoder.BuildInput{
		URL:     url,
		Source:  item.Source,
		Channel: b.channel,
		Probe:   probe,
		Burn:    b.channel.SubtitleMode == store.SubtitleBurn,
	}
	if b.channel.FFmpegProfileID != 0 {
		if p, err := b.profiles.GetFFmpegProfile(ctx, b.channel.FFmpegProfileID); err == nil {
			in.Profile = p
		}
	}
	if b.channel.WatermarkID != 0 {
		if w, err := b.profiles.GetWatermark(ctx, b.channel.WatermarkID); err == nil {
			in.Marker = w
		}
	}
	cmd, err := b.builder.Build(in)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := b.pool.Acquire(ctx, b.channel.ID, cmd)
	if err != nil {
		return err
	}

	pumpErr := b.pump(ctx, h)
	exitErr := h.Wait()
	b.pool.Release(b.channel.ID)

	if pumpErr != nil {
		return pumpErr
	}
	if exitErr != nil {
		return &ProcessExitError{Err: exitErr, StderrTail: h.StderrTail()}
	}
	return nil
}

// pump copies process output to clients in bounded chunks until EOF.
func (b *Broadcaster) pump(ctx context.Context, h Process) error {
	buf := make([]byte, b.cfg.ChunkBytes)
	r := h.Stdout()
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			b.mu.Lock()
			b.lastOutput = b.clk.Now()
			b.mu.Unlock()
			b.fanOut(chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The release in Stop closes the pipe mid-read; that is a
			// shutdown, not a stream fault.
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// streamSlate plays one synthetic slate segment. It reports false when the
// loop must stop (pool closed or canceled).
func (b *Broadcaster) streamSlate(ctx context.Context, title string) bool {
	h, err := b.pool.Acquire(ctx, b.channel.ID, b.builder.Slate(title))
	if err != nil {
		if errors.Is(err, procpool.ErrPoolClosed) || ctx.Err() != nil {
			return false
		}
		b.log.Warn().Err(err).Msg("slate spawn failed")
		return true
	}
	_ = b.pump(ctx, h)
	_ = h.Wait()
	b.pool.Release(b.channel.ID)
	return ctx.Err() == nil
}

func (b *Broadcaster) recordFailure(err error, item store.MediaItem) {
	b.mu.Lock()
	b.errorCount++
	b.mu.Unlock()
	metrics.StreamFailure.WithLabelValues(b.channelLabel()).Inc()

	ev := b.log.Error().Err(err).Int64("media_id", item.ID).Str("source", item.Source)
	var pe *ProcessExitError
	if errors.As(err, &pe) && pe.StderrTail != "" {
		ev = ev.Str("stderr_tail", pe.StderrTail)
	}
	ev.Msg("stream failed")
}

// recoverableError marks faults the loop retries instead of exiting on.
type recoverableError struct{ err error }

func (e recoverableError) Error() string { return e.err.Error() }
func (e recoverableError) Unwrap() error { return e.err }

// ProcessExitError is a non-zero transcoder exit with its stderr tail.
type ProcessExitError struct {
	Err        error
	StderrTail string
}

func (e *ProcessExitError) Error() string {
	return "broadcast: transcoder exited: " + e.Err.Error()
}

func (e *ProcessExitError) Unwrap() error { return e.Err }

// sleepCtx sleeps for d, returning false when ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
