package transcoder

import (
	"fmt"
	"strings"

	"github.com/airwave-tv/airwave/internal/store"
)

// mpegtsFlags keeps downstream parsers locked on: headers repeat at frame
// boundaries and the first packet declares a discontinuity.
const mpegtsFlags = "+resend_headers+pat_pmt_at_frames+initial_discontinuity"

// BuildInput holds everything the command builder needs for one run.
type BuildInput struct {
	URL     string
	Source  string
	Channel store.Channel
	Probe   ProbeResult
	Profile store.FFmpegProfile // zero value = defaults
	Marker  store.Watermark     // zero value = none
	Burn    bool                // burn subtitles (channel subtitle_mode)
}

// Build compiles the ffmpeg argument vector. Copy mode is chosen for
// pre-recorded H.264 + AAC/MP3 sources unless the channel forces a
// re-encode; everything else re-encodes on the channel's accelerator.
func (d *Driver) Build(in BuildInput) (Command, error) {
	if in.URL == "" {
		return Command{}, fmt.Errorf("transcoder: empty input url")
	}

	copyMode := d.shouldCopy(in)
	accel := d.AccelFor(in.Channel.ID)
	if mpeg4Family(in.Probe.VideoCodec) {
		// Hardware paths mangle the MPEG-4 family; decode in software.
		accel = AccelSoftware
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
	}

	if !in.Probe.Live {
		// Pre-recorded input: pace reads to the source frame rate or the
		// mux buffers grow without bound.
		args = append(args, "-re")
	}

	// Corruption-tolerant input handling.
	args = append(args,
		"-fflags", "+genpts+discardcorrupt+igndts",
		"-err_detect", "ignore_err",
		"-probesize", "1000000",
		"-analyzeduration", "1000000",
	)

	if strings.HasPrefix(in.URL, "http://") || strings.HasPrefix(in.URL, "https://") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_at_eof", "1",
			"-reconnect_on_network_error", "1",
			"-reconnect_delay_max", "5",
		)
	}

	if !copyMode && accel != AccelSoftware {
		args = append(args, hwDecodeArgs(accel)...)
	}

	args = append(args, "-i", in.URL)

	if copyMode {
		args = append(args,
			"-c:v", "copy",
			"-c:a", "copy",
			// Length-prefixed NALs must become start codes, and SPS/PPS must
			// repeat on keyframes, or seeking and thumbnails break downstream.
			"-bsf:v", "h264_mp4toannexb,dump_extra",
		)
	} else {
		args = append(args, d.encodeArgs(in, accel)...)
	}

	// MPEG-TS muxer tuning: fixed mux rate, tight PCR for A/V sync,
	// immediate flushing, no interleave buffering.
	args = append(args,
		"-muxrate", muxrateFor(in.Profile),
		"-pcr_period", "20",
		"-pat_period", "0.05",
		"-flush_packets", "1",
		"-max_interleave_delta", "0",
		"-muxdelay", "0",
		"-muxpreload", "0",
		"-mpegts_flags", mpegtsFlags,
		"-f", "mpegts",
		"pipe:1",
	)

	return Command{
		Path:      d.FFmpegPath,
		Args:      args,
		ColdStart: d.FirstByteTimeout(in.Source),
		Copy:      copyMode,
	}, nil
}

func (d *Driver) shouldCopy(in BuildInput) bool {
	switch in.Channel.TranscodeMode {
	case store.TranscodeAlways:
		return false
	case store.TranscodeCopyOnly:
		return true
	}
	if in.Probe.Live {
		return false
	}
	if in.Burn || in.Marker.ID != 0 {
		return false
	}
	if in.Probe.VideoCodec != "h264" {
		return false
	}
	switch in.Probe.AudioCodec {
	case "aac", "mp3":
		return true
	}
	return false
}

func (d *Driver) encodeArgs(in BuildInput, accel string) []string {
	p := in.Profile
	if p.VideoCodec == "" {
		p.VideoCodec = "libx264"
	}
	if p.AudioCodec == "" {
		p.AudioCodec = "aac"
	}
	if p.VideoBitrate == "" {
		p.VideoBitrate = "4000k"
	}
	if p.AudioBitrate == "" {
		p.AudioBitrate = "192k"
	}

	args := []string{"-c:v", encoderFor(p.VideoCodec, accel)}
	if in.Marker.ID != 0 {
		// Watermark replaces the plain -vf chain with a filter_complex.
		args = append(args, "-filter_complex", watermarkFilter(in.Marker, p.Resolution))
	} else {
		var filters []string
		if p.Resolution != "" {
			filters = append(filters, "scale="+scaleExpr(p.Resolution))
		}
		if in.Burn {
			filters = append(filters, "subtitles="+escapeFilterPath(in.URL))
		}
		if len(filters) > 0 {
			args = append(args, "-vf", strings.Join(filters, ","))
		}
	}
	args = append(args,
		"-b:v", p.VideoBitrate,
		"-maxrate", p.VideoBitrate,
		"-bufsize", doubled(p.VideoBitrate),
		"-g", "60",
		"-c:a", p.AudioCodec,
		"-ac", "2",
		"-ar", "48000",
		"-b:a", p.AudioBitrate,
		"-af", "aresample=async=1:first_pts=0",
	)
	if lang := in.Channel.PreferredAudioLanguage; lang != "" {
		args = append(args, "-map", "0:v:0", "-map", "0:a:m:language:"+lang+"?")
	}
	return args
}

func watermarkFilter(w store.Watermark, resolution string) string {
	pos := "main_w-overlay_w-10:main_h-overlay_h-10" // bottom_right
	switch w.Position {
	case "top_left":
		pos = "10:10"
	case "top_right":
		pos = "main_w-overlay_w-10:10"
	case "bottom_left":
		pos = "10:main_h-overlay_h-10"
	}
	chain := fmt.Sprintf("movie=%s[wm];[in][wm]overlay=%s", escapeFilterPath(w.Path), pos)
	if resolution != "" {
		chain += ",scale=" + scaleExpr(resolution)
	}
	return chain
}

// scaleExpr turns "1280x720" into an even-dimension scale expression.
func scaleExpr(resolution string) string {
	w, _, ok := strings.Cut(resolution, "x")
	if !ok {
		return resolution
	}
	return fmt.Sprintf("'min(%s,iw)':-2", w)
}

func escapeFilterPath(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`)
	return r.Replace(p)
}

// doubled returns twice the bitrate string for -bufsize ("4000k" -> "8000k").
func doubled(bitrate string) string {
	n := 0
	unit := ""
	if _, err := fmt.Sscanf(bitrate, "%d%s", &n, &unit); err != nil || n == 0 {
		return bitrate
	}
	return fmt.Sprintf("%d%s", n*2, unit)
}

// muxrateFor picks a fixed mux rate comfortably above the target bitrate.
func muxrateFor(p store.FFmpegProfile) string {
	n := 0
	unit := ""
	if _, err := fmt.Sscanf(p.VideoBitrate, "%d%s", &n, &unit); err != nil || n == 0 || unit != "k" {
		return "6000000"
	}
	// 1.5x video bitrate, floor 6 Mbps, in bps.
	rate := n * 1500
	if rate < 6000000 {
		rate = 6000000
	}
	return fmt.Sprintf("%d", rate)
}
