package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "airwave.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPoolSizeFor(t *testing.T) {
	cases := []struct {
		channels int
		want     int
	}{
		{0, 20},
		{1, 20},
		{4, 20},
		{5, 23},
		{10, 35},
		{100, 260},
	}
	for _, c := range cases {
		if got := PoolSizeFor(c.channels); got != c.want {
			t.Errorf("PoolSizeFor(%d) = %d, want %d", c.channels, got, c.want)
		}
	}
}

func TestChannelRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateChannel(ctx, Channel{
		Number:       "  1984.1 ",
		Name:         "Retro",
		Enabled:      true,
		IdleBehavior: IdleKeepRunning,
		ShowInEPG:    true,
	})
	require.NoError(t, err)

	got, err := s.GetChannel(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "1984.1", got.Number, "number must be whitespace-stripped")
	require.Equal(t, IdleKeepRunning, got.IdleBehavior)

	byNum, err := s.GetChannelByNumber(ctx, "\t1984.1 ")
	require.NoError(t, err)
	require.Equal(t, id, byNum.ID)

	// Unique number.
	_, err = s.CreateChannel(ctx, Channel{Number: "1984.1", Name: "Dup", Enabled: true})
	require.Error(t, err)

	_, err = s.GetChannelByNumber(ctx, "9999")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMediaUpsertIsKeyedBySource(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertMediaItem(ctx, MediaItem{
		Source: SourceLocal, SourceID: "/shows/Cosmos S01E02.mkv",
		URL: "file:///shows/Cosmos%20S01E02.mkv", Title: "Item 12345", DurationSeconds: 1800,
	})
	require.NoError(t, err)

	id2, err := s.UpsertMediaItem(ctx, MediaItem{
		Source: SourceLocal, SourceID: "/shows/Cosmos S01E02.mkv",
		URL: "file:///shows/Cosmos%20S01E02.mkv", Title: "Cosmos", ShowTitle: "Cosmos",
		Season: 1, Episode: 2, DurationSeconds: 1800,
	})
	require.NoError(t, err)
	require.Equal(t, id1, id2, "same (source, source_id) must update in place")

	got, err := s.GetMediaItem(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, "Cosmos", got.Title)
	require.Equal(t, 2, got.Episode)
}

func TestPlaylistMediaOrderAndEnabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for _, title := range []string{"A", "B", "C"} {
		id, err := s.UpsertMediaItem(ctx, MediaItem{
			Source: SourceLocal, SourceID: "/m/" + title, URL: "file:///m/" + title,
			Title: title, DurationSeconds: 60,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	plID, err := s.CreatePlaylist(ctx, Playlist{
		Name: "morning",
		Items: []PlaylistItem{
			{MediaItemID: ids[2], Position: 0, Enabled: true},
			{MediaItemID: ids[0], Position: 1, Enabled: true},
			{MediaItemID: ids[1], Position: 2, Enabled: false},
		},
	})
	require.NoError(t, err)

	items, err := s.PlaylistMedia(ctx, plID)
	require.NoError(t, err)
	require.Len(t, items, 2, "disabled items are excluded")
	require.Equal(t, "C", items[0].Title)
	require.Equal(t, "A", items[1].Title)
}

func TestPlayoutAnchorRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chID, err := s.CreateChannel(ctx, Channel{Number: "7", Name: "Seven", Enabled: true})
	require.NoError(t, err)
	schID, err := s.CreateSchedule(ctx, ProgramSchedule{Name: "default"})
	require.NoError(t, err)

	end := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SavePlayout(ctx, Playout{
		ChannelID: chID, ScheduleID: schID, LastItemIndex: 3,
		LastItemEndWallclock: end, EnumeratorState: `{"cursor":3}`, IsActive: true,
	}))

	got, err := s.GetPlayout(ctx, chID)
	require.NoError(t, err)
	require.Equal(t, 3, got.LastItemIndex)
	require.True(t, got.LastItemEndWallclock.Equal(end))
	require.Equal(t, `{"cursor":3}`, got.EnumeratorState)

	// Upsert replaces.
	require.NoError(t, s.SavePlayout(ctx, Playout{
		ChannelID: chID, ScheduleID: schID, LastItemIndex: 4,
		LastItemEndWallclock: end.Add(30 * time.Minute), IsActive: true,
	}))
	got, err = s.GetPlayout(ctx, chID)
	require.NoError(t, err)
	require.Equal(t, 4, got.LastItemIndex)
}

func TestScheduleRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateSchedule(ctx, ProgramSchedule{
		Name: "weekday",
		Items: []ScheduleSlot{
			{Index: 0, StartType: StartFixed, FixedStartTime: "06:00", CollectionKind: "playlist",
				CollectionID: 1, PlayoutMode: ModeFlood},
			{Index: 1, CollectionKind: "playlist", CollectionID: 2,
				PlaybackOrder: OrderShuffle, PlayoutMode: ModeMultiple, MultipleCount: 3},
		},
	})
	require.NoError(t, err)

	got, err := s.GetSchedule(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	require.Equal(t, StartFixed, got.Items[0].StartType)
	require.Equal(t, "06:00", got.Items[0].FixedStartTime)
	require.Equal(t, ModeFlood, got.Items[0].PlayoutMode)
	require.Equal(t, OrderShuffle, got.Items[1].PlaybackOrder)
	require.Equal(t, 3, got.Items[1].MultipleCount)
	// Defaults fill unset enums.
	require.Equal(t, StartDynamic, got.Items[1].StartType)
	require.Equal(t, OrderChronological, got.Items[0].PlaybackOrder)
}
