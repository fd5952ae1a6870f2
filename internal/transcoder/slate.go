package transcoder

import (
	"fmt"
	"time"
)

// SlateDuration is how much slate one invocation produces; the broadcaster
// loops while the condition persists.
const SlateDuration = 4 * time.Second

// Slate builds a synthetic MPEG-TS segment with the given title centered on
// a black background, used when a channel has nothing playable.
func (d *Driver) Slate(title string) Command {
	text := escapeFilterPath(title)
	video := fmt.Sprintf(
		"color=c=black:size=1280x720:rate=30,drawtext=text='%s':fontcolor=white:fontsize=48:x=(w-text_w)/2:y=(h-text_h)/2",
		text)
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "lavfi", "-i", video,
		"-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=48000",
		"-t", fmt.Sprintf("%d", int(SlateDuration.Seconds())),
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "stillimage",
		"-b:v", "1500k",
		"-c:a", "aac",
		"-b:a", "128k",
		"-mpegts_flags", mpegtsFlags,
		"-f", "mpegts",
		"pipe:1",
	}
	return Command{
		Path:      d.FFmpegPath,
		Args:      args,
		ColdStart: 30 * time.Second,
	}
}
