// Package transcoder builds ffmpeg invocations that are guaranteed to put a
// clean MPEG-TS on stdout: probe the input, copy codecs when they are
// already TS-compatible, otherwise re-encode on the selected accelerator.
package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/airwave-tv/airwave/internal/store"
)

// ProbeResult is the subset of ffprobe output the copy decision needs.
type ProbeResult struct {
	VideoCodec string
	AudioCodec string
	Container  string
	Live       bool // true for live inputs (http streams without duration)
}

// ProbeTimeout returns how long a probe of the given source may take before
// we give up and assume re-encode.
func ProbeTimeout(source string) time.Duration {
	switch source {
	case store.SourceLocal:
		return 2 * time.Second
	case store.SourceYouTube:
		return 10 * time.Second
	case store.SourcePlex:
		return 60 * time.Second
	case store.SourceArchiveOrg:
		return 45 * time.Second
	default:
		return 30 * time.Second
	}
}

// Probe runs ffprobe with a short probe window to keep time-to-first-byte
// down on HTTP inputs.
func (d *Driver) Probe(ctx context.Context, inputURL, source string) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout(source))
	defer cancel()

	args := []string{
		"-v", "error",
		"-probesize", "1000000",
		"-analyzeduration", "1000000",
		"-show_streams",
		"-show_format",
		"-of", "json",
		inputURL,
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.FFprobePath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ProbeResult{}, fmt.Errorf("transcoder: probe: %w (%s)", err, DecodeLossy(stderr.Bytes()))
	}

	var doc struct {
		Streams []struct {
			CodecType string `json:"codec_type"`
			CodecName string `json:"codec_name"`
		} `json:"streams"`
		Format struct {
			FormatName string `json:"format_name"`
			Duration   string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return ProbeResult{}, fmt.Errorf("transcoder: probe decode: %w", err)
	}

	var res ProbeResult
	for _, s := range doc.Streams {
		switch s.CodecType {
		case "video":
			if res.VideoCodec == "" {
				res.VideoCodec = strings.ToLower(s.CodecName)
			}
		case "audio":
			if res.AudioCodec == "" {
				res.AudioCodec = strings.ToLower(s.CodecName)
			}
		}
	}
	res.Container = doc.Format.FormatName
	res.Live = doc.Format.Duration == "" || doc.Format.Duration == "N/A"
	return res, nil
}
