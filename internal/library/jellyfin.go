package library

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/airwave-tv/airwave/internal/store"
)

// JellyfinTTL also covers Emby; both expire stream URLs on the hour scale.
const JellyfinTTL = 1 * time.Hour

// Jellyfin resolves items from a Jellyfin or Emby server. The same stream
// endpoint shape works for both; Tag picks which source this instance serves.
type Jellyfin struct {
	Tag     string // store.SourceJellyfin or store.SourceEmby
	BaseURL string
	APIKey  string
}

func (j Jellyfin) Source() string {
	if j.Tag != "" {
		return j.Tag
	}
	return store.SourceJellyfin
}

func (j Jellyfin) Resolve(_ context.Context, item store.MediaItem) (Resolved, error) {
	if j.BaseURL == "" || j.APIKey == "" {
		return Resolved{}, fmt.Errorf("library: %s server not configured", j.Source())
	}
	base := strings.TrimSuffix(j.BaseURL, "/")
	u := base + "/Videos/" + url.PathEscape(item.SourceID) + "/stream?static=true&api_key=" + url.QueryEscape(j.APIKey)
	return Resolved{URL: u, TTL: JellyfinTTL}, nil
}
