package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CheckEndpoints hits the tuner's discovery surface at baseURL and returns
// the first failure, nil when every endpoint answers 200.
func CheckEndpoints(ctx context.Context, baseURL string) error {
	base := strings.TrimSuffix(baseURL, "/")
	client := &http.Client{Timeout: 15 * time.Second}
	for _, path := range []string{"/healthz", "/discover.json", "/lineup.json", "/epg.xml"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
		}
	}
	return nil
}

// CheckPlaylist fetches the IPTV playlist and verifies it parses as extended
// M3U.
func CheckPlaylist(ctx context.Context, baseURL string) error {
	base := strings.TrimSuffix(baseURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/iptv/playlist.m3u", nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("playlist unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("playlist returned HTTP %d", resp.StatusCode)
	}
	head := make([]byte, 16)
	n, _ := io.ReadFull(resp.Body, head)
	if !strings.HasPrefix(string(head[:n]), "#EXTM3U") {
		return fmt.Errorf("playlist is not extended M3U")
	}
	return nil
}
