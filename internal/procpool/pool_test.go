package procpool

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/transcoder"
)

func testPool(t *testing.T, cfg Config, clk clock.Clock) *Pool {
	t.Helper()
	if clk == nil {
		clk = clock.System{}
	}
	return New(cfg, clk, zerolog.Nop())
}

// fakeSpawn returns handles that emit output once and exit cleanly.
func fakeSpawn(output string) spawnFunc {
	return func(transcoder.Command) (*Handle, error) {
		return &Handle{
			PID:      4242,
			stdout:   strings.NewReader(output),
			stderr:   newTailBuffer(64),
			waitFn:   func() error { return nil },
			killFn:   func() {},
			aliveFn:  func() bool { return true },
			waitDone: make(chan struct{}),
		}, nil
	}
}

// blockingSpawn returns handles that never produce output until killed.
func blockingSpawn() spawnFunc {
	return func(transcoder.Command) (*Handle, error) {
		unblock := make(chan struct{})
		return &Handle{
			PID:      4243,
			stdout:   &blockedReader{unblock: unblock},
			stderr:   newTailBuffer(64),
			waitFn:   func() error { return nil },
			killFn:   func() { close(unblock) },
			aliveFn:  func() bool { return true },
			waitDone: make(chan struct{}),
		}, nil
	}
}

type blockedReader struct{ unblock chan struct{} }

func (r *blockedReader) Read([]byte) (int, error) {
	<-r.unblock
	return 0, io.EOF
}

func cmdWithDeadline(d time.Duration) transcoder.Command {
	return transcoder.Command{Path: "ffmpeg", ColdStart: d}
}

func TestAcquireReplaysFirstChunk(t *testing.T) {
	p := testPool(t, Config{MaxProcesses: 4}, nil)
	p.spawn = fakeSpawn("tsdata")

	h, err := p.Acquire(context.Background(), 1, cmdWithDeadline(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	out, err := io.ReadAll(h.Stdout())
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "tsdata" {
		t.Errorf("stdout = %q, want the first chunk replayed", out)
	}
	if got := p.Snapshot().Active; got != 1 {
		t.Errorf("active = %d, want 1", got)
	}

	if _, err := p.Acquire(context.Background(), 1, cmdWithDeadline(time.Second)); err == nil {
		t.Error("second acquire for the same channel must fail")
	}

	p.Release(1)
	p.Release(1) // idempotent
	if got := p.Snapshot().Active; got != 0 {
		t.Errorf("active after release = %d, want 0", got)
	}
}

func TestCapacityGuard(t *testing.T) {
	p := testPool(t, Config{MaxProcesses: 1}, nil)
	p.spawn = fakeSpawn("x")

	if _, err := p.Acquire(context.Background(), 1, cmdWithDeadline(time.Second)); err != nil {
		t.Fatal(err)
	}
	_, err := p.Acquire(context.Background(), 2, cmdWithDeadline(time.Second))
	if RejectReason(err) != ReasonCapacity {
		t.Fatalf("err = %v, want capacity rejection", err)
	}

	p.Release(1)
	if _, err := p.Acquire(context.Background(), 2, cmdWithDeadline(time.Second)); err != nil {
		t.Fatalf("slot freed by release must be usable: %v", err)
	}
}

func TestMemoryGuard(t *testing.T) {
	if freeMemoryBytes() < 0 {
		t.Skip("no memory readings on this platform")
	}
	p := testPool(t, Config{MaxProcesses: 4, MemoryWatermarkBytes: 1 << 62}, nil)
	p.spawn = fakeSpawn("x")

	_, err := p.Acquire(context.Background(), 1, cmdWithDeadline(time.Second))
	if RejectReason(err) != ReasonMemoryGuard {
		t.Fatalf("err = %v, want memory guard rejection", err)
	}
}

func TestFDGuard(t *testing.T) {
	if openFDCount() < 0 {
		t.Skip("no fd readings on this platform")
	}
	p := testPool(t, Config{MaxProcesses: 4, FDWatermark: 1}, nil)
	p.spawn = fakeSpawn("x")

	_, err := p.Acquire(context.Background(), 1, cmdWithDeadline(time.Second))
	if RejectReason(err) != ReasonFDGuard {
		t.Fatalf("err = %v, want fd guard rejection", err)
	}
}

func TestRateLimitDelaysNotDrops(t *testing.T) {
	p := testPool(t, Config{MaxProcesses: 4, RateCapacity: 1, RateRefillPerSecond: 1}, nil)
	p.spawn = fakeSpawn("x")

	if _, err := p.Acquire(context.Background(), 1, cmdWithDeadline(time.Second)); err != nil {
		t.Fatal(err)
	}

	// The bucket is empty; a caller without the patience to wait for the
	// refill is turned away as rate limited.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, 2, cmdWithDeadline(time.Second))
	if RejectReason(err) != ReasonRateLimited {
		t.Fatalf("err = %v, want rate limited rejection", err)
	}
	if got := p.Snapshot().Pending; got != 0 {
		t.Errorf("pending = %d after rejection, want 0", got)
	}
}

func TestSpawnTimeout(t *testing.T) {
	p := testPool(t, Config{MaxProcesses: 4}, nil)
	p.spawn = blockingSpawn()

	_, err := p.Acquire(context.Background(), 1, cmdWithDeadline(30*time.Millisecond))
	if RejectReason(err) != ReasonSpawnTimeout {
		t.Fatalf("err = %v, want spawn timeout rejection", err)
	}
	if got := p.Snapshot().Active; got != 0 {
		t.Errorf("timed-out spawn must not occupy a slot, active = %d", got)
	}
}

func TestClosedPoolRejects(t *testing.T) {
	p := testPool(t, Config{MaxProcesses: 4}, nil)
	p.spawn = fakeSpawn("x")

	if _, err := p.Acquire(context.Background(), 1, cmdWithDeadline(time.Second)); err != nil {
		t.Fatal(err)
	}
	p.Close()
	if _, err := p.Acquire(context.Background(), 2, cmdWithDeadline(time.Second)); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
	if got := p.Snapshot().Active; got != 0 {
		t.Errorf("close must drain the pool, active = %d", got)
	}
}

func TestReaperEvictsLongRunners(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := testPool(t, Config{MaxProcesses: 4, LongRunMax: time.Hour}, clk)
	p.spawn = fakeSpawn("x")

	if _, err := p.Acquire(context.Background(), 1, cmdWithDeadline(time.Second)); err != nil {
		t.Fatal(err)
	}
	p.handles[1].StartedAt = clk.Now()

	p.ReapOnce()
	if got := p.Snapshot().Active; got != 1 {
		t.Fatalf("young process reaped, active = %d", got)
	}

	clk.Advance(2 * time.Hour)
	p.ReapOnce()
	if got := p.Snapshot().Active; got != 0 {
		t.Errorf("long runner not evicted, active = %d", got)
	}
}

func TestReaperCollectsZombies(t *testing.T) {
	p := testPool(t, Config{MaxProcesses: 4}, nil)
	alive := true
	p.spawn = func(transcoder.Command) (*Handle, error) {
		return &Handle{
			PID:      1,
			stdout:   strings.NewReader("x"),
			stderr:   newTailBuffer(64),
			waitFn:   func() error { return nil },
			killFn:   func() {},
			aliveFn:  func() bool { return alive },
			waitDone: make(chan struct{}),
		}, nil
	}

	if _, err := p.Acquire(context.Background(), 1, cmdWithDeadline(time.Second)); err != nil {
		t.Fatal(err)
	}
	alive = false
	p.ReapOnce()
	if got := p.Snapshot().Active; got != 0 {
		t.Errorf("zombie not collected, active = %d", got)
	}
}

func TestStderrTailBounded(t *testing.T) {
	tb := newTailBuffer(8)
	for i := 0; i < 100; i++ {
		_, _ = tb.Write([]byte("0123456789"))
	}
	if got := tb.String(); got != "23456789" {
		t.Errorf("tail = %q, want the last 8 bytes", got)
	}
}
