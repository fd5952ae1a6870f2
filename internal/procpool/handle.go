package procpool

import (
	"io"
	"sync"
	"time"

	"github.com/airwave-tv/airwave/internal/transcoder"
)

// Handle is one live transcoder process. The pool owns it; the broadcaster
// that acquired it borrows it until Release.
type Handle struct {
	ChannelID int64
	PID       int
	StartedAt time.Time

	stdout io.Reader
	closer io.Closer
	stderr *tailBuffer

	waitFn  func() error
	killFn  func()
	aliveFn func() bool

	waitOnce sync.Once
	waitErr  error
	waitDone chan struct{}
}

// Stdout returns the process output stream. The first chunk read during the
// cold-start wait is replayed at the front.
func (h *Handle) Stdout() io.Reader { return h.stdout }

// Wait blocks until the process exits and returns its exit error. Safe to
// call from multiple goroutines; the underlying wait happens once.
func (h *Handle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.waitFn()
		close(h.waitDone)
	})
	<-h.waitDone
	return h.waitErr
}

// exited reports whether the process is gone, either because Wait completed
// or because the liveness probe says so.
func (h *Handle) exited() bool {
	select {
	case <-h.waitDone:
		return true
	default:
	}
	if h.aliveFn != nil {
		return !h.aliveFn()
	}
	return false
}

// kill terminates the process; harmless if it already exited.
func (h *Handle) kill() {
	if h.killFn != nil {
		h.killFn()
	}
}

// StderrTail returns the last stderr bytes, decoded tolerantly.
func (h *Handle) StderrTail() string {
	return h.stderr.String()
}

// RSSBytes samples the process resident set; -1 when unknown.
func (h *Handle) RSSBytes() int64 { return processRSSBytes(h.PID) }

// FDCount samples the process fd table; -1 when unknown.
func (h *Handle) FDCount() int { return processFDCount(h.PID) }

// tailBuffer keeps the last cap bytes written to it. ffmpeg stderr can be
// arbitrarily large and arbitrarily encoded; we keep a bounded tail and
// decode with replacement on read.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{cap: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.cap {
		t.buf = t.buf[len(t.buf)-t.cap:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return transcoder.DecodeLossy(t.buf)
}
