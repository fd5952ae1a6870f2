package metadata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/airwave-tv/airwave/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "airwave.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParseFilename(t *testing.T) {
	tests := []struct {
		path string
		want Fields
	}{
		{
			path: "/shows/Cosmos S01E02.mkv",
			want: Fields{Title: "Cosmos S01E02", ShowTitle: "Cosmos", Season: 1, Episode: 2},
		},
		{
			path: "/shows/the.wire.s02e11.mp4",
			want: Fields{Title: "the wire S02E11", ShowTitle: "the wire", Season: 2, Episode: 11},
		},
		{
			path: "/movies/Blade_Runner_1982.mp4",
			want: Fields{Title: "Blade Runner (1982)", Year: 1982},
		},
		{
			path: "http://host/media/Some%20Movie.mkv",
			want: Fields{Title: "Some Movie"},
		},
		{
			path: "/plain/filename.ts",
			want: Fields{Title: "filename"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			require.Equal(t, tt.want, ParseFilename(tt.path))
		})
	}
}

func TestIsPlaceholderTitle(t *testing.T) {
	require.True(t, IsPlaceholderTitle("Item 42"))
	require.True(t, IsPlaceholderTitle(" Item 7 "))
	require.False(t, IsPlaceholderTitle("Item X"))
	require.False(t, IsPlaceholderTitle("The Item 42"))
	require.False(t, IsPlaceholderTitle("Cosmos"))
}

func TestBasenameTitle(t *testing.T) {
	require.Equal(t, "Some Movie", BasenameTitle("http://host/a/Some%20Movie.mkv"))
	require.Equal(t, "clip", BasenameTitle(`C:\media\clip.ts`))
}

type stubProvider struct {
	name   string
	fields Fields
	err    error
	calls  int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Lookup(context.Context, store.MediaItem) (Fields, error) {
	p.calls++
	return p.fields, p.err
}

func seedItem(t *testing.T, s *store.Store, title, url string) store.MediaItem {
	t.Helper()
	id, err := s.UpsertMediaItem(context.Background(), store.MediaItem{
		Source: "local", SourceID: url, URL: url, Title: title, DurationSeconds: 60,
	})
	require.NoError(t, err)
	item, err := s.GetMediaItem(context.Background(), id)
	require.NoError(t, err)
	return item
}

func TestEnrichMergesInChainOrder(t *testing.T) {
	s := openTestStore(t)
	item := seedItem(t, s, "Item 1", "http://host/Item1.ts")

	first := &stubProvider{name: "first", fields: Fields{Title: "Real Title"}}
	second := &stubProvider{name: "second", fields: Fields{Title: "Loser Title", Year: 1999}}
	e := NewEnricher(s, []Provider{first, second}, zerolog.Nop())

	got, err := e.Enrich(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, "Real Title", got.Title)
	require.Equal(t, 1999, got.Year)

	stored, err := s.GetMediaItem(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, "Real Title", stored.Title)
	require.Equal(t, 1999, stored.Year)
}

func TestEnrichStopsWhenComplete(t *testing.T) {
	s := openTestStore(t)
	item := seedItem(t, s, "Item 2", "http://host/Item2.ts")

	first := &stubProvider{name: "first", fields: Fields{Title: "Done", Year: 2001}}
	second := &stubProvider{name: "second", fields: Fields{Title: "Never"}}
	e := NewEnricher(s, []Provider{first, second}, zerolog.Nop())

	_, err := e.Enrich(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, 1, first.calls)
	require.Equal(t, 0, second.calls)
}

func TestProviderFailureFallsThrough(t *testing.T) {
	s := openTestStore(t)
	item := seedItem(t, s, "Item 3", "http://host/Item3.ts")

	broken := &stubProvider{name: "broken", err: errors.New("boom")}
	working := &stubProvider{name: "working", fields: Fields{Title: "Rescued", Year: 2010}}
	e := NewEnricher(s, []Provider{broken, working}, zerolog.Nop())

	got, err := e.Enrich(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, "Rescued", got.Title)
	require.Greater(t, e.FailureRatio(), 0.0)
}

func TestConfidenceDecaysOnFailureWithFloor(t *testing.T) {
	s := openTestStore(t)
	e := NewEnricher(s, nil, zerolog.Nop())

	start := e.Confidence()
	for range 20 {
		e.recordFailure()
	}
	require.Less(t, e.Confidence(), start)
	require.InDelta(t, 0.1, e.Confidence(), 1e-9)

	for range 20 {
		e.recordSuccess()
	}
	require.InDelta(t, 1.0, e.Confidence(), 1e-9)
}

func TestNFOSidecar(t *testing.T) {
	dir := t.TempDir()
	media := filepath.Join(dir, "episode.mkv")
	require.NoError(t, os.WriteFile(media, []byte("x"), 0o644))
	nfo := `<episodedetails>
	<title>Pilot</title>
	<showtitle>Cosmos</showtitle>
	<season>1</season>
	<episode>1</episode>
	<year>2014</year>
	<genre>Documentary</genre>
</episodedetails>`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "episode.nfo"), []byte(nfo), 0o644))

	got, err := NFOProvider{}.Lookup(context.Background(), store.MediaItem{URL: media})
	require.NoError(t, err)
	require.Equal(t, Fields{
		Title: "Pilot", ShowTitle: "Cosmos", Season: 1, Episode: 1,
		Year: 2014, Genres: "Documentary",
	}, got)

	_, err = NFOProvider{}.Lookup(context.Background(), store.MediaItem{URL: "http://host/episode.mkv"})
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestMediaNeedingMetadataPicksPlaceholders(t *testing.T) {
	s := openTestStore(t)
	seedItem(t, s, "Item 5", "http://host/a.ts")
	good := seedItem(t, s, "Finished Film", "http://host/b.ts")
	require.NoError(t, s.UpdateMediaMetadata(context.Background(), good.ID,
		good.Title, "", 0, 0, 1984, ""))

	items, err := s.MediaNeedingMetadata(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Item 5", items[0].Title)
}
