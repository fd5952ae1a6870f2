package library

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/httpclient"
	"github.com/airwave-tv/airwave/internal/store"
)

// PlexTTL: Plex stream URLs carry a token and go stale; re-resolve well
// before the server would reject them.
const PlexTTL = 2 * time.Hour

// Plex resolves items from a Plex Media Server using a stored token. The
// item's source_id is either a part key ("/library/parts/...") or a rating
// key; part keys are used directly, rating keys go through the metadata
// endpoint.
type Plex struct {
	BaseURL string
	Token   string
	Section string // library section filter; empty = all
	Client  *http.Client
	Log     zerolog.Logger
}

func (Plex) Source() string { return store.SourcePlex }

func (p Plex) Resolve(ctx context.Context, item store.MediaItem) (Resolved, error) {
	key := item.SourceID
	if !strings.HasPrefix(key, "/") {
		partKey, err := p.partKeyFor(ctx, key)
		if err != nil {
			return Resolved{}, err
		}
		key = partKey
	}
	u, err := p.withToken(key)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{URL: u, TTL: PlexTTL}, nil
}

// partKeyFor asks the metadata endpoint for the first media part of a
// rating key.
func (p Plex) partKeyFor(ctx context.Context, ratingKey string) (string, error) {
	u, err := p.withToken("/library/metadata/" + url.PathEscape(ratingKey))
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("library: plex metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpclient.DoWithRetry(ctx, p.client(), req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return "", fmt.Errorf("library: plex metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("library: plex metadata for %s: status %d", ratingKey, resp.StatusCode)
	}
	var doc struct {
		MediaContainer struct {
			Metadata []struct {
				Media []struct {
					Part []struct {
						Key string `json:"key"`
					} `json:"Part"`
				} `json:"Media"`
			} `json:"Metadata"`
		} `json:"MediaContainer"`
	}
	if err := decodeJSON(resp.Body, &doc); err != nil {
		return "", fmt.Errorf("library: plex metadata decode: %w", err)
	}
	for _, md := range doc.MediaContainer.Metadata {
		for _, m := range md.Media {
			for _, part := range m.Part {
				if part.Key != "" {
					return part.Key, nil
				}
			}
		}
	}
	return "", fmt.Errorf("library: plex item %s has no media parts", ratingKey)
}

// WarmLibrary verifies the token and primes connections by listing library
// sections. Called once at startup; failures are logged, not fatal.
func (p Plex) WarmLibrary(ctx context.Context) error {
	u, err := p.withToken("/library/sections")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("library: plex warm request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client().Do(req)
	if err != nil {
		return fmt.Errorf("library: plex warm: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("library: plex warm: status %d", resp.StatusCode)
	}
	p.Log.Info().Str("base_url", p.BaseURL).Msg("plex library warmed")
	return nil
}

func (p Plex) withToken(key string) (string, error) {
	base := strings.TrimSuffix(p.BaseURL, "/")
	u, err := url.Parse(base + key)
	if err != nil {
		return "", fmt.Errorf("library: plex url %q: %w", key, err)
	}
	q := u.Query()
	q.Set("X-Plex-Token", p.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p Plex) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return httpclient.Default()
}
