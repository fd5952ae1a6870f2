package library

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/airwave-tv/airwave/internal/httpclient"
	"github.com/airwave-tv/airwave/internal/safeurl"
	"github.com/airwave-tv/airwave/internal/store"
)

// HTTPDirect passes a URL through after verifying it is reachable. Covers
// the http and archive_org source tags; the URL itself never expires.
type HTTPDirect struct {
	Tag    string // source tag this instance serves
	Client *http.Client
}

func (h HTTPDirect) Source() string {
	if h.Tag != "" {
		return h.Tag
	}
	return store.SourceHTTP
}

func (h HTTPDirect) Resolve(ctx context.Context, item store.MediaItem) (Resolved, error) {
	if !safeurl.IsHTTPOrHTTPS(item.URL) {
		return Resolved{}, fmt.Errorf("library: not an http(s) url: %q", item.URL)
	}
	client := h.Client
	if client == nil {
		client = httpclient.Default()
	}

	// HEAD first; some hosts reject it, so fall back to a ranged GET.
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, item.URL, nil)
	if err != nil {
		return Resolved{}, fmt.Errorf("library: reachability request: %w", err)
	}
	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 400 {
			return Resolved{URL: item.URL, TTL: 0}, nil
		}
		if resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusForbidden {
			return Resolved{}, fmt.Errorf("library: %s unreachable: status %d", item.URL, resp.StatusCode)
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return Resolved{}, fmt.Errorf("library: reachability request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err = client.Do(req)
	if err != nil {
		return Resolved{}, fmt.Errorf("library: %s unreachable: %w", item.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1))
	if resp.StatusCode >= 400 {
		return Resolved{}, fmt.Errorf("library: %s unreachable: status %d", item.URL, resp.StatusCode)
	}
	return Resolved{URL: item.URL, TTL: 0}, nil
}
