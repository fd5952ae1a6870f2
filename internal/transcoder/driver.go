package transcoder

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/store"
)

// Driver turns (playable URL, channel, probe result) into an ffmpeg
// command. One driver serves all channels; the accelerator choice is probed
// once at startup and remembered per channel until invalidated.
type Driver struct {
	FFmpegPath  string
	FFprobePath string

	ColdStart     time.Duration // first-byte deadline, non-Plex
	ColdStartPlex time.Duration

	log zerolog.Logger

	mu           sync.Mutex
	accel        string            // startup-probed accelerator
	channelAccel map[int64]string  // per-channel override after invalidation
}

func NewDriver(ffmpegPath, ffprobePath string, coldStart, coldStartPlex time.Duration, logger zerolog.Logger) *Driver {
	if coldStart <= 0 {
		coldStart = 90 * time.Second
	}
	if coldStartPlex <= 0 {
		coldStartPlex = 120 * time.Second
	}
	return &Driver{
		FFmpegPath:    ffmpegPath,
		FFprobePath:   ffprobePath,
		ColdStart:     coldStart,
		ColdStartPlex: coldStartPlex,
		log:           logger.With().Str("component", "transcoder").Logger(),
		accel:         AccelSoftware,
		channelAccel:  make(map[int64]string),
	}
}

// Command is a ready-to-spawn invocation plus its first-byte deadline.
type Command struct {
	Path      string
	Args      []string
	ColdStart time.Duration
	Copy      bool // true when codecs are passed through
}

// FirstByteTimeout returns the spawn deadline for a source.
func (d *Driver) FirstByteTimeout(source string) time.Duration {
	if source == store.SourcePlex {
		return d.ColdStartPlex
	}
	return d.ColdStart
}

// AccelFor returns the accelerator for a channel: the per-channel override
// when one was set, else the startup-probed choice.
func (d *Driver) AccelFor(channelID int64) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.channelAccel[channelID]; ok {
		return a
	}
	return d.accel
}

// InvalidateAccel drops a channel to software encoding; the next startup
// probe may restore hardware.
func (d *Driver) InvalidateAccel(channelID int64) {
	d.mu.Lock()
	d.channelAccel[channelID] = AccelSoftware
	d.mu.Unlock()
	d.log.Warn().Int64("channel_id", channelID).Msg("accelerator invalidated, forcing software encode")
}

// mpeg4Family lists codecs that hardware decoders mishandle; they must be
// decoded in software regardless of the chosen encoder.
func mpeg4Family(codec string) bool {
	switch strings.ToLower(codec) {
	case "mpeg4", "msmpeg4v1", "msmpeg4v2", "msmpeg4v3", "h263", "h263p", "flv1":
		return true
	}
	return false
}
