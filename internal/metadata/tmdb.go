package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/airwave-tv/airwave/internal/httpclient"
	"github.com/airwave-tv/airwave/internal/store"
)

const tmdbBaseURL = "https://api.themoviedb.org/3"

// TMDBProvider resolves movie metadata against TMDB v3 search.
type TMDBProvider struct {
	apiKey  string
	client  *http.Client
	baseURL string
}

func NewTMDBProvider(apiKey string) *TMDBProvider {
	return &TMDBProvider{apiKey: apiKey, client: httpclient.Default(), baseURL: tmdbBaseURL}
}

func (p *TMDBProvider) Name() string { return "tmdb" }

func (p *TMDBProvider) Lookup(ctx context.Context, item store.MediaItem) (Fields, error) {
	if p.apiKey == "" {
		return Fields{}, ErrNoMatch
	}
	query, year := lookupQuery(item)
	if query == "" {
		return Fields{}, ErrNoMatch
	}

	q := url.Values{}
	q.Set("api_key", p.apiKey)
	q.Set("query", query)
	if year != 0 {
		q.Set("year", strconv.Itoa(year))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/search/movie?"+q.Encode(), nil)
	if err != nil {
		return Fields{}, err
	}
	resp, err := httpclient.DoWithRetry(ctx, p.client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return Fields{}, fmt.Errorf("metadata: tmdb search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Fields{}, fmt.Errorf("metadata: tmdb search: status %d", resp.StatusCode)
	}

	var body struct {
		Results []struct {
			Title       string `json:"title"`
			ReleaseDate string `json:"release_date"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Fields{}, fmt.Errorf("metadata: tmdb decode: %w", err)
	}
	if len(body.Results) == 0 {
		return Fields{}, ErrNoMatch
	}
	hit := body.Results[0]
	f := Fields{Title: hit.Title}
	if len(hit.ReleaseDate) >= 4 {
		f.Year, _ = strconv.Atoi(hit.ReleaseDate[:4])
	}
	if f.Year != 0 {
		f.Title = fmt.Sprintf("%s (%d)", hit.Title, f.Year)
	}
	return f, nil
}
