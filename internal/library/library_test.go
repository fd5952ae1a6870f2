package library

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/store"
)

func TestLocalResolveNormalizesPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Cosmos S01E02.mkv")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Local{}.Resolve(context.Background(), store.MediaItem{
		Source: store.SourceLocal, SourceID: path, URL: path,
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.URL, "\\") {
		t.Errorf("path not slash-normalized: %q", res.URL)
	}
	if res.TTL != 0 {
		t.Errorf("local TTL = %v, want 0 (never expires)", res.TTL)
	}
}

func TestLocalResolveMissingFile(t *testing.T) {
	_, err := Local{}.Resolve(context.Background(), store.MediaItem{
		Source: store.SourceLocal, SourceID: "/does/not/exist.mkv", URL: "/does/not/exist.mkv",
	})
	if err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestHTTPDirectVerifiesReachability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := HTTPDirect{}.Resolve(context.Background(), store.MediaItem{
		Source: store.SourceHTTP, SourceID: "x", URL: srv.URL + "/stream.ts",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.URL != srv.URL+"/stream.ts" || res.TTL != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestHTTPDirectRejectsNonHTTP(t *testing.T) {
	_, err := HTTPDirect{}.Resolve(context.Background(), store.MediaItem{
		Source: store.SourceHTTP, URL: "file:///etc/passwd",
	})
	if err == nil {
		t.Fatal("want error for non-http scheme")
	}
}

func TestJellyfinStreamURL(t *testing.T) {
	j := Jellyfin{BaseURL: "http://jf:8096/", APIKey: "k&y"}
	res, err := j.Resolve(context.Background(), store.MediaItem{SourceID: "abc123"})
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(res.URL)
	if err != nil {
		t.Fatal(err)
	}
	if u.Path != "/Videos/abc123/stream" {
		t.Errorf("path = %q", u.Path)
	}
	if u.Query().Get("api_key") != "k&y" {
		t.Errorf("api_key = %q", u.Query().Get("api_key"))
	}
	if res.TTL != time.Hour {
		t.Errorf("TTL = %v", res.TTL)
	}
}

func TestPlexTokenAppended(t *testing.T) {
	p := Plex{BaseURL: "http://plex:32400", Token: "tok"}
	res, err := p.Resolve(context.Background(), store.MediaItem{SourceID: "/library/parts/1/file.mkv"})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(res.URL)
	if u.Query().Get("X-Plex-Token") != "tok" {
		t.Errorf("token missing: %q", res.URL)
	}
	if res.TTL != 2*time.Hour {
		t.Errorf("TTL = %v", res.TTL)
	}
}

func TestRegistryRoutesBySource(t *testing.T) {
	clk := clock.NewFake(time.Now())
	reg := NewRegistry(NewURLCache(8, clk, zerolog.Nop()), zerolog.Nop())
	reg.Register(Jellyfin{BaseURL: "http://jf:8096", APIKey: "k"})

	item := store.MediaItem{Source: store.SourceJellyfin, SourceID: "id1"}
	u, err := reg.PlayableURL(context.Background(), item)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(u, "/Videos/id1/stream") {
		t.Errorf("url = %q", u)
	}

	_, err = reg.PlayableURL(context.Background(), store.MediaItem{Source: "tape_deck"})
	if err == nil {
		t.Fatal("want error for unknown source")
	}
}

func TestDeriveBaseURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://192.168.1.20:5004/lineup.json", nil)
	req.Host = "192.168.1.20:5004"
	if got := DeriveBaseURL("", req); got != "http://192.168.1.20:5004" {
		t.Errorf("got %q", got)
	}

	// Configured base wins.
	if got := DeriveBaseURL("http://tv.lan:5004/", req); got != "http://tv.lan:5004" {
		t.Errorf("got %q", got)
	}

	// Loopback is rewritten when a LAN address is known; at minimum the
	// port must survive.
	req.Host = "127.0.0.1:5004"
	got := DeriveBaseURL("", req)
	if !strings.HasSuffix(got, ":5004") {
		t.Errorf("port lost: %q", got)
	}
}
