package library

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/airwave-tv/airwave/internal/store"
)

// YouTubeTTL: extracted stream URLs carry signed expiry parameters that
// outlast this comfortably.
const YouTubeTTL = 6 * time.Hour

// YouTube extracts stream URLs with an external extractor (yt-dlp). The
// extraction is a blocking subprocess call and runs on the resolver's
// goroutine, never inside a broadcast read loop.
type YouTube struct {
	ExtractorPath string // default "yt-dlp"
	Timeout       time.Duration
}

func (YouTube) Source() string { return store.SourceYouTube }

func (y YouTube) Resolve(ctx context.Context, item store.MediaItem) (Resolved, error) {
	bin := y.ExtractorPath
	if bin == "" {
		bin = "yt-dlp"
	}
	timeout := y.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := item.URL
	if target == "" {
		target = "https://www.youtube.com/watch?v=" + item.SourceID
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-g", "--no-playlist", "-f", "best[protocol^=http]", target)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > 300 {
			tail = tail[len(tail)-300:]
		}
		return Resolved{}, fmt.Errorf("library: extractor for %s: %w (%s)", item.SourceID, err, tail)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(stdout.String()), "\n")
	if line == "" {
		return Resolved{}, fmt.Errorf("library: extractor for %s returned no url", item.SourceID)
	}
	return Resolved{URL: strings.TrimSpace(line), TTL: YouTubeTTL}, nil
}
