package tuner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/airwave-tv/airwave/internal/broadcast"
	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/config"
	"github.com/airwave-tv/airwave/internal/epg"
	"github.com/airwave-tv/airwave/internal/playout"
	"github.com/airwave-tv/airwave/internal/store"
	"github.com/airwave-tv/airwave/internal/transcoder"
)

type fakeProcess struct {
	data io.Reader
	done chan struct{}
}

func (p *fakeProcess) Stdout() io.Reader  { return p.data }
func (p *fakeProcess) Wait() error        { <-p.done; return nil }
func (p *fakeProcess) StderrTail() string { return "" }

type fakePool struct{}

func (fakePool) Acquire(ctx context.Context, _ int64, _ transcoder.Command) (broadcast.Process, error) {
	p := &fakeProcess{data: strings.NewReader(strings.Repeat("ts", 4096)), done: make(chan struct{})}
	go func() {
		<-ctx.Done()
		close(p.done)
	}()
	return p, nil
}

func (fakePool) Release(int64) {}

type fakeScheduler struct{ item store.MediaItem }

func (f fakeScheduler) CurrentItem(context.Context, int64) (store.MediaItem, bool, error) {
	return f.item, true, nil
}
func (f fakeScheduler) Advance(context.Context, int64) error { return nil }

type fakeResolver struct{}

func (fakeResolver) PlayableURL(_ context.Context, item store.MediaItem) (string, error) {
	return item.URL, nil
}
func (fakeResolver) Invalidate(store.MediaItem) {}

type fakeBuilder struct{}

func (fakeBuilder) Probe(context.Context, string, string) (transcoder.ProbeResult, error) {
	return transcoder.ProbeResult{}, nil
}
func (fakeBuilder) Build(transcoder.BuildInput) (transcoder.Command, error) {
	return transcoder.Command{}, nil
}
func (fakeBuilder) Slate(string) transcoder.Command { return transcoder.Command{} }

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "airwave.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.System{}
	manager := broadcast.NewManager(broadcast.Config{}, fakeScheduler{}, fakeResolver{},
		fakeBuilder{}, fakePool{}, st, clk, zerolog.Nop())
	t.Cleanup(manager.StopAll)

	engine := playout.NewEngine(st, clk, zerolog.Nop())
	guide := epg.NewGenerator(st, engine, nil, clk, zerolog.Nop(), time.Hour)

	cfg := config.ServerConfig{FriendlyName: "Airwave", TunerCount: 4, DeviceID: "ABCD1234"}
	return NewServer(cfg, st, manager, guide, clk, zerolog.Nop()), st
}

func seedChannel(t *testing.T, st *store.Store, number, name string, enabled bool) int64 {
	t.Helper()
	id, err := st.CreateChannel(context.Background(), store.Channel{
		Number: number, Name: name, Enabled: enabled, ShowInEPG: true,
	})
	require.NoError(t, err)
	return id
}

func TestDiscoverDocument(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/discover.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Equal(t, "Airwave", doc["FriendlyName"])
	require.Equal(t, "ABCD1234", doc["DeviceID"])
	require.EqualValues(t, 4, doc["TunerCount"])
	require.Equal(t, doc["BaseURL"].(string)+"/lineup.json", doc["LineupURL"])
	require.Equal(t, doc["BaseURL"].(string)+"/epg.xml", doc["GuideURL"])
}

func TestDeviceIDNormalization(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "airwave.db"), zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	cfg := config.ServerConfig{FriendlyName: "Airwave", TunerCount: 4, DeviceID: "not-hex!"}
	s := NewServer(cfg, st, nil, nil, clock.System{}, zerolog.Nop())
	require.Len(t, s.DeviceID(), 8)
	require.Regexp(t, "^[0-9A-F]{8}$", s.DeviceID())

	// Same bad input maps to the same id across restarts.
	again := NewServer(cfg, st, nil, nil, clock.System{}, zerolog.Nop())
	require.Equal(t, s.DeviceID(), again.DeviceID())
}

func TestLineupOrdering(t *testing.T) {
	s, st := newTestServer(t)
	seedChannel(t, st, "10", "Ten", true)
	seedChannel(t, st, "2", "Two", true)
	seedChannel(t, st, "2.1", "TwoOne", true)
	seedChannel(t, st, "9", "Off", false)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/lineup.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	var entries []lineupEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 3, "disabled channels stay out of the lineup")
	require.Equal(t, []string{"2", "2.1", "10"}, []string{
		entries[0].GuideNumber, entries[1].GuideNumber, entries[2].GuideNumber,
	})
	for _, e := range entries {
		require.NotEmpty(t, e.URL)
		require.True(t, strings.HasSuffix(e.URL, "/auto/v"+e.GuideNumber))
	}
}

func TestUnknownChannelIs404DisabledIs403(t *testing.T) {
	s, st := newTestServer(t)
	seedChannel(t, st, "5", "Disabled", false)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/auto/v99")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/auto/v5")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStreamDeliversTS(t *testing.T) {
	s, st := newTestServer(t)
	seedChannel(t, st, "3", "Three", true)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/iptv/channel/3.ts", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))

	buf := make([]byte, 2048)
	n, err := io.ReadAtLeast(resp.Body, buf, 1)
	require.NoError(t, err)
	require.Greater(t, n, 0)
	cancel()
}

func TestChannelParamNeverIntParses(t *testing.T) {
	require.Equal(t, "4.1", channelParam("auto:v4.1"))
	require.Equal(t, "4.1", channelParam(" v4.1 "))
	require.Equal(t, "1984", channelParam("auto:v1984"))
	require.Equal(t, "7", channelParam("7"))
	require.Equal(t, "", channelParam("  "))
}

func TestPlaylistListsEnabledChannels(t *testing.T) {
	s, st := newTestServer(t)
	seedChannel(t, st, "1", "One", true)
	seedChannel(t, st, "2", "Two", false)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/iptv/playlist.m3u")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	require.True(t, strings.HasPrefix(text, "#EXTM3U"))
	require.Contains(t, text, `url-tvg=`)
	require.Contains(t, text, `tvg-name="One"`)
	require.Contains(t, text, "/iptv/channel/1.ts")
	require.NotContains(t, text, "/iptv/channel/2.ts")
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
