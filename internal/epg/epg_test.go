package epg

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/metrics"
	"github.com/airwave-tv/airwave/internal/playout"
	"github.com/airwave-tv/airwave/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "airwave.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMedia(t *testing.T, s *store.Store, secs int, names ...string) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, err := s.UpsertMediaItem(ctx, store.MediaItem{
			Source: store.SourceLocal, SourceID: "/m/" + name + ".mkv",
			URL: "file:///m/" + name + ".mkv", Title: name, DurationSeconds: secs,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func makeGuideChannel(t *testing.T, s *store.Store, number string, mediaIDs ...int64) int64 {
	t.Helper()
	ctx := context.Background()
	items := make([]store.PlaylistItem, 0, len(mediaIDs))
	for i, id := range mediaIDs {
		items = append(items, store.PlaylistItem{MediaItemID: id, Position: i, Enabled: true})
	}
	plID, err := s.CreatePlaylist(ctx, store.Playlist{Name: "guide-" + number, Items: items})
	require.NoError(t, err)
	schID, err := s.CreateSchedule(ctx, store.ProgramSchedule{Name: "sch-" + number, Items: []store.ScheduleSlot{
		{Index: 0, CollectionKind: "playlist", CollectionID: plID},
	}})
	require.NoError(t, err)
	chID, err := s.CreateChannel(ctx, store.Channel{
		Number: number, Name: "ch" + number, Enabled: true, ShowInEPG: true, ScheduleID: schID,
	})
	require.NoError(t, err)
	return chID
}

func testClock() *clock.Fake {
	return clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
}

func newTestGenerator(s *store.Store, clk clock.Clock) *Generator {
	engine := playout.NewEngine(s, clk, zerolog.Nop())
	return NewGenerator(s, engine, nil, clk, zerolog.Nop(), 6*time.Hour)
}

func parseDoc(t *testing.T, data []byte) tvDoc {
	t.Helper()
	var doc tvDoc
	require.NoError(t, xml.Unmarshal(data, &doc))
	return doc
}

func progTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(xmltvTimeLayout, s)
	require.NoError(t, err)
	return ts
}

func TestGenerateProducesContiguousGuide(t *testing.T) {
	s := openTestStore(t)
	clk := testClock()
	ids := seedMedia(t, s, 1800, "Alpha", "Beta", "Gamma")
	makeGuideChannel(t, s, "1", ids...)

	g := newTestGenerator(s, clk)
	out, err := g.Generate(context.Background())
	require.NoError(t, err)

	doc := parseDoc(t, out)
	require.Len(t, doc.Channels, 1)
	require.Equal(t, "1", doc.Channels[0].ID)
	require.Contains(t, doc.Channels[0].DisplayNames, "ch1")
	require.NotEmpty(t, doc.Programmes)

	now := clk.Now()
	first := doc.Programmes[0]
	require.True(t, progTime(t, first.Stop).After(now), "currently playing item must be included")

	for i, p := range doc.Programmes {
		start, stop := progTime(t, p.Start), progTime(t, p.Stop)
		require.True(t, start.Before(stop), "programme %d start must precede stop", i)
		require.NotEmpty(t, p.Title)
		if i > 0 {
			require.Equal(t, doc.Programmes[i-1].Stop, p.Start, "programme %d must abut its predecessor", i)
		}
	}

	cached, at := g.Cached()
	require.Equal(t, out, cached)
	require.Equal(t, now, at)
}

func TestPlaceholderTitleFallsThroughToFilename(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.UpsertMediaItem(ctx, store.MediaItem{
		Source: store.SourceLocal, SourceID: "/m/x",
		URL: "file:///shows/Cosmos%20S01E02.mkv", Title: "Item 7", DurationSeconds: 1800,
	})
	require.NoError(t, err)
	makeGuideChannel(t, s, "2", id)

	g := newTestGenerator(s, testClock())
	out, err := g.Generate(ctx)
	require.NoError(t, err)

	doc := parseDoc(t, out)
	require.NotEmpty(t, doc.Programmes)
	require.Equal(t, "Cosmos S01E02", doc.Programmes[0].Title)
}

func TestEpisodeNumbering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.UpsertMediaItem(ctx, store.MediaItem{
		Source: store.SourceLocal, SourceID: "/m/ep",
		URL: "file:///m/ep.mkv", Title: "Pilot", DurationSeconds: 1800,
		ShowTitle: "Cosmos", Season: 2, Episode: 5, Year: 2014,
	})
	require.NoError(t, err)
	makeGuideChannel(t, s, "3", id)

	g := newTestGenerator(s, testClock())
	out, err := g.Generate(ctx)
	require.NoError(t, err)

	doc := parseDoc(t, out)
	require.NotEmpty(t, doc.Programmes)
	p := doc.Programmes[0]
	require.NotNil(t, p.EpisodeNum)
	require.Equal(t, "xmltv_ns", p.EpisodeNum.System)
	require.Equal(t, "1.4.0", p.EpisodeNum.Value)
	require.Equal(t, "2014", p.Date)
}

func TestEpisodeNumClampsAtZero(t *testing.T) {
	require.Equal(t, "0.0.0", episodeNum(0, 0))
	require.Equal(t, "0.0.0", episodeNum(1, 1))
	require.Equal(t, "0.4.0", episodeNum(0, 5))
	require.Equal(t, "2.9.0", episodeNum(3, 10))
}

func TestLineupMismatchDoesNotBlockGuide(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := seedMedia(t, s, 1800, "Alpha")
	makeGuideChannel(t, s, "4", ids...)

	// A nameless enabled channel trips the lineup cross-check.
	_, err := s.CreateChannel(ctx, store.Channel{Number: "5", Name: "", Enabled: true, ShowInEPG: true})
	require.NoError(t, err)

	g := newTestGenerator(s, testClock())
	before := testutil.ToFloat64(metrics.XMLTVLineupMismatch)
	out, err := g.Generate(ctx)
	require.NoError(t, err, "mismatches warn but must not withhold the guide")
	require.Greater(t, testutil.ToFloat64(metrics.XMLTVLineupMismatch), before)

	doc := parseDoc(t, out)
	require.NotEmpty(t, doc.Programmes)

	cached, _ := g.Cached()
	require.Equal(t, out, cached)
}

func TestBadProgrammeTimesAreRejected(t *testing.T) {
	s := openTestStore(t)
	clk := testClock()
	g := newTestGenerator(s, clk)

	now := clk.Now()
	progs := []playout.Programme{{Start: now, End: now, Item: store.MediaItem{Title: "Zero"}}}
	var stats cycleStats
	rendered, problems := g.renderChannel(store.Channel{Number: "9", Name: "ch9"}, progs, now, &stats)
	require.Empty(t, rendered)
	require.NotEmpty(t, problems, "start >= stop must fail hard validation")
}

func TestBrotliCacheRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ids := seedMedia(t, s, 1800, "Alpha")
	makeGuideChannel(t, s, "6", ids...)

	g := newTestGenerator(s, testClock())
	out, err := g.Generate(context.Background())
	require.NoError(t, err)

	br := g.CachedBrotli()
	require.NotEmpty(t, br)
	decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(br)))
	require.NoError(t, err)
	require.Equal(t, out, decoded)
}

func TestHiddenChannelStaysOutOfGuide(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := seedMedia(t, s, 1800, "Alpha")
	makeGuideChannel(t, s, "7", ids...)
	_, err := s.CreateChannel(ctx, store.Channel{Number: "8", Name: "hidden", Enabled: true, ShowInEPG: false})
	require.NoError(t, err)

	g := newTestGenerator(s, testClock())
	out, err := g.Generate(ctx)
	require.NoError(t, err)

	doc := parseDoc(t, out)
	require.Len(t, doc.Channels, 1)
	require.Equal(t, "7", doc.Channels[0].ID)
}
