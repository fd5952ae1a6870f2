package broadcast

import (
	"time"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/store"
)

// Client is the consumer half of an attached session. The HTTP handler reads
// Chunks until the channel closes, then calls Close.
type Client struct {
	SessionID string
	b         *Broadcaster
	out       <-chan []byte
}

// Chunks delivers MPEG-TS chunks in broadcast order. The channel closes on
// detach.
func (c *Client) Chunks() <-chan []byte { return c.out }

// Close detaches the session; safe to call more than once.
func (c *Client) Close() { c.b.DetachClient(c.SessionID) }

// Session describes one attached client for status reporting.
type Session struct {
	SessionID    string
	OpenedAt     time.Time
	LastActivity time.Time
	BytesSent    int64
}

type client struct {
	out          chan []byte
	openedAt     time.Time
	lastActivity time.Time
	bytesSent    int64
}

// AttachClient registers a new session and returns its queue.
func (b *Broadcaster) AttachClient() *Client {
	now := b.clk.Now()
	c := &client{
		out:          make(chan []byte, b.cfg.ClientQueueChunks),
		openedAt:     now,
		lastActivity: now,
	}
	id := clock.NewSessionID()

	b.mu.Lock()
	b.clients[id] = c
	if b.idleStop != nil {
		b.idleStop.Stop()
		b.idleStop = nil
	}
	n := len(b.clients)
	b.mu.Unlock()

	b.log.Info().Str("session_id", id).Int("clients", n).Msg("client attached")
	return &Client{SessionID: id, b: b, out: c.out}
}

// DetachClient removes a session; unknown IDs are a no-op. When the last
// client leaves a stop_on_disconnect channel, a stop is scheduled after the
// grace period.
func (b *Broadcaster) DetachClient(sessionID string) {
	b.mu.Lock()
	c, ok := b.clients[sessionID]
	if ok {
		delete(b.clients, sessionID)
		close(c.out)
	}
	empty := len(b.clients) == 0
	shouldSchedule := ok && empty && b.running &&
		b.channel.IdleBehavior != store.IdleKeepRunning && b.idleStop == nil
	if shouldSchedule {
		b.idleStop = time.AfterFunc(b.cfg.IdleStopGrace, b.stopIfIdle)
	}
	b.mu.Unlock()

	if ok {
		b.log.Info().Str("session_id", sessionID).Msg("client detached")
	}
}

func (b *Broadcaster) stopIfIdle() {
	b.mu.Lock()
	idle := len(b.clients) == 0 && b.running
	b.idleStop = nil
	b.mu.Unlock()
	if idle {
		b.log.Info().Msg("no clients after grace period, stopping")
		b.Stop()
	}
}

// Sessions lists attached clients.
func (b *Broadcaster) Sessions() []Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Session, 0, len(b.clients))
	for id, c := range b.clients {
		out = append(out, Session{
			SessionID:    id,
			OpenedAt:     c.openedAt,
			LastActivity: c.lastActivity,
			BytesSent:    c.bytesSent,
		})
	}
	return out
}

// SweepIdle detaches sessions with no activity for the idle timeout. A
// session is active while its queue accepts chunks without drops.
func (b *Broadcaster) SweepIdle() {
	b.mu.Lock()
	var stale []string
	for id, c := range b.clients {
		if b.clk.Since(c.lastActivity) > b.cfg.SessionIdleTimeout {
			stale = append(stale, id)
		}
	}
	b.mu.Unlock()
	for _, id := range stale {
		b.log.Info().Str("session_id", id).Msg("session idle, detaching")
		b.DetachClient(id)
	}
}

// fanOut pushes one chunk to every client queue without ever blocking the
// producer: a full queue loses its oldest chunk to make room.
func (b *Broadcaster) fanOut(chunk []byte) {
	now := b.clk.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		select {
		case c.out <- chunk:
			c.lastActivity = now
			c.bytesSent += int64(len(chunk))
		default:
			select {
			case <-c.out:
			default:
			}
			select {
			case c.out <- chunk:
				c.bytesSent += int64(len(chunk))
			default:
			}
		}
	}
}
