package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/airwave-tv/airwave/internal/httpclient"
	"github.com/airwave-tv/airwave/internal/store"
)

const tvdbBaseURL = "https://api4.thetvdb.com/v4"

// TVDBProvider resolves series metadata against TheTVDB v4. Tokens are
// fetched lazily and reused until the API rejects one.
type TVDBProvider struct {
	apiKey  string
	client  *http.Client
	baseURL string

	mu    sync.Mutex
	token string
}

func NewTVDBProvider(apiKey string) *TVDBProvider {
	return &TVDBProvider{apiKey: apiKey, client: httpclient.Default(), baseURL: tvdbBaseURL}
}

func (p *TVDBProvider) Name() string { return "tvdb" }

func (p *TVDBProvider) Lookup(ctx context.Context, item store.MediaItem) (Fields, error) {
	if p.apiKey == "" {
		return Fields{}, ErrNoMatch
	}
	query, _ := lookupQuery(item)
	if query == "" {
		return Fields{}, ErrNoMatch
	}

	token, err := p.loginToken(ctx)
	if err != nil {
		return Fields{}, err
	}

	u := p.baseURL + "/search?type=series&query=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Fields{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := httpclient.DoWithRetry(ctx, p.client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return Fields{}, fmt.Errorf("metadata: tvdb search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		p.mu.Lock()
		p.token = ""
		p.mu.Unlock()
		return Fields{}, fmt.Errorf("metadata: tvdb search: token rejected")
	}
	if resp.StatusCode != http.StatusOK {
		return Fields{}, fmt.Errorf("metadata: tvdb search: status %d", resp.StatusCode)
	}

	var body struct {
		Data []struct {
			Name   string   `json:"name"`
			Year   string   `json:"year"`
			Genres []string `json:"genres"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Fields{}, fmt.Errorf("metadata: tvdb decode: %w", err)
	}
	if len(body.Data) == 0 {
		return Fields{}, ErrNoMatch
	}
	hit := body.Data[0]
	year, _ := strconv.Atoi(hit.Year)
	f := Fields{
		ShowTitle: hit.Name,
		Year:      year,
		Genres:    strings.Join(hit.Genres, ","),
	}
	// Episode numbering stays whatever the filename encodes; the search
	// endpoint only identifies the series.
	if parsed := ParseFilename(item.URL); parsed.Episode != 0 {
		f.Season = parsed.Season
		f.Episode = parsed.Episode
		f.Title = fmt.Sprintf("%s S%02dE%02d", hit.Name, parsed.Season, parsed.Episode)
	} else {
		f.Title = hit.Name
	}
	return f, nil
}

func (p *TVDBProvider) loginToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" {
		return p.token, nil
	}

	payload, _ := json.Marshal(map[string]string{"apikey": p.apiKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/login", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata: tvdb login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata: tvdb login: status %d", resp.StatusCode)
	}
	var body struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("metadata: tvdb login decode: %w", err)
	}
	if body.Data.Token == "" {
		return "", fmt.Errorf("metadata: tvdb login: empty token")
	}
	p.token = body.Data.Token
	return p.token, nil
}
