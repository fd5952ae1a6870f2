package playout

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "airwave.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMedia(t *testing.T, s *store.Store, secs int, titles ...string) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, len(titles))
	for _, title := range titles {
		id, err := s.UpsertMediaItem(ctx, store.MediaItem{
			Source: store.SourceLocal, SourceID: "/m/" + title,
			URL: "file:///m/" + title, Title: title, DurationSeconds: secs,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func makePlaylist(t *testing.T, s *store.Store, name string, mediaIDs ...int64) int64 {
	t.Helper()
	items := make([]store.PlaylistItem, 0, len(mediaIDs))
	for i, id := range mediaIDs {
		items = append(items, store.PlaylistItem{MediaItemID: id, Position: i, Enabled: true})
	}
	id, err := s.CreatePlaylist(context.Background(), store.Playlist{Name: name, Items: items})
	require.NoError(t, err)
	return id
}

func makeFiller(t *testing.T, s *store.Store, name string, playlistID int64) int64 {
	t.Helper()
	id, err := s.CreateFillerPreset(context.Background(), store.FillerPreset{Name: name, PlaylistID: playlistID})
	require.NoError(t, err)
	return id
}

func makeChannel(t *testing.T, s *store.Store, number string, scheduleID, fallbackID int64) int64 {
	t.Helper()
	id, err := s.CreateChannel(context.Background(), store.Channel{
		Number: number, Name: "ch" + number, Enabled: true,
		ScheduleID: scheduleID, FallbackFillerID: fallbackID,
	})
	require.NoError(t, err)
	return id
}

func testClock() *clock.Fake {
	return clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
}

func newTestEngine(s *store.Store, clk clock.Clock) *Engine {
	return NewEngine(s, clk, zerolog.Nop())
}

func mustCurrent(t *testing.T, e *Engine, chID int64) store.MediaItem {
	t.Helper()
	item, ok, err := e.CurrentItem(context.Background(), chID)
	require.NoError(t, err)
	require.True(t, ok, "expected a playable item")
	return item
}

func TestChronologicalOrderIsStable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := seedMedia(t, s, 60, "A", "B", "C")
	plID := makePlaylist(t, s, "p", ids...)
	schID, err := s.CreateSchedule(ctx, store.ProgramSchedule{Name: "sch", Items: []store.ScheduleSlot{
		{Index: 0, CollectionKind: "playlist", CollectionID: plID, PlayoutMode: store.ModeOne},
	}})
	require.NoError(t, err)
	chID := makeChannel(t, s, "1", schID, 0)

	e := newTestEngine(s, testClock())
	require.Equal(t, "A", mustCurrent(t, e, chID).Title)
	// Pinned until advanced.
	require.Equal(t, "A", mustCurrent(t, e, chID).Title)

	require.NoError(t, e.Advance(ctx, chID))
	require.Equal(t, "B", mustCurrent(t, e, chID).Title)
	require.NoError(t, e.Advance(ctx, chID))
	require.Equal(t, "C", mustCurrent(t, e, chID).Title)
	require.NoError(t, e.Advance(ctx, chID))
	require.Equal(t, "A", mustCurrent(t, e, chID).Title, "wraps around the collection")
}

func TestPositionSurvivesRestart(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := seedMedia(t, s, 60, "A", "B", "C")
	plID := makePlaylist(t, s, "p", ids...)
	schID, err := s.CreateSchedule(ctx, store.ProgramSchedule{Name: "sch", Items: []store.ScheduleSlot{
		{Index: 0, CollectionKind: "playlist", CollectionID: plID},
	}})
	require.NoError(t, err)
	chID := makeChannel(t, s, "1", schID, 0)

	e := newTestEngine(s, testClock())
	require.Equal(t, "A", mustCurrent(t, e, chID).Title)
	require.NoError(t, e.Advance(ctx, chID))
	require.Equal(t, "B", mustCurrent(t, e, chID).Title)
	require.NoError(t, e.Advance(ctx, chID))

	// A fresh engine over the same database resumes at C.
	e2 := newTestEngine(s, testClock())
	require.Equal(t, "C", mustCurrent(t, e2, chID).Title)
}

func TestShuffleCoversWholeCycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := seedMedia(t, s, 60, "A", "B", "C", "D", "E")
	plID := makePlaylist(t, s, "p", ids...)
	schID, err := s.CreateSchedule(ctx, store.ProgramSchedule{Name: "sch", Items: []store.ScheduleSlot{
		{Index: 0, CollectionKind: "playlist", CollectionID: plID, PlaybackOrder: store.OrderShuffle},
	}})
	require.NoError(t, err)
	chID := makeChannel(t, s, "1", schID, 0)

	e := newTestEngine(s, testClock())
	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		seen[mustCurrent(t, e, chID).Title] = true
		require.NoError(t, e.Advance(ctx, chID))
	}

	// Restart mid-cycle: the persisted permutation finishes without repeats.
	e2 := newTestEngine(s, testClock())
	for i := 0; i < 3; i++ {
		title := mustCurrent(t, e2, chID).Title
		require.False(t, seen[title], "item %q repeated inside one shuffle cycle", title)
		seen[title] = true
		require.NoError(t, e2.Advance(ctx, chID))
	}
	require.Len(t, seen, 5)
}

func TestRandomAvoidsImmediateRepeat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := seedMedia(t, s, 60, "A", "B", "C", "D", "E", "F", "G", "H", "I", "J")
	plID := makePlaylist(t, s, "p", ids...)
	schID, err := s.CreateSchedule(ctx, store.ProgramSchedule{Name: "sch", Items: []store.ScheduleSlot{
		{Index: 0, CollectionKind: "playlist", CollectionID: plID, PlaybackOrder: store.OrderRandom},
	}})
	require.NoError(t, err)
	chID := makeChannel(t, s, "1", schID, 0)

	e := newTestEngine(s, testClock())
	prev := ""
	for i := 0; i < 20; i++ {
		title := mustCurrent(t, e, chID).Title
		require.NotEqual(t, prev, title, "draw %d repeated the previous item", i)
		prev = title
		require.NoError(t, e.Advance(ctx, chID))
	}
}

func TestSlotQuotasAndPreRoll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	content := seedMedia(t, s, 60, "A", "B", "C")
	other := seedMedia(t, s, 60, "X", "Y")
	bumpers := seedMedia(t, s, 10, "bumper")

	p1 := makePlaylist(t, s, "p1", content...)
	p2 := makePlaylist(t, s, "p2", other...)
	pb := makePlaylist(t, s, "bumpers", bumpers...)
	preRoll := makeFiller(t, s, "pre", pb)

	schID, err := s.CreateSchedule(ctx, store.ProgramSchedule{Name: "sch", Items: []store.ScheduleSlot{
		{Index: 0, CollectionKind: "playlist", CollectionID: p1,
			PlayoutMode: store.ModeMultiple, MultipleCount: 2, PreRollFillerID: preRoll},
		{Index: 1, CollectionKind: "playlist", CollectionID: p2, PlayoutMode: store.ModeOne},
	}})
	require.NoError(t, err)
	chID := makeChannel(t, s, "1", schID, 0)

	e := newTestEngine(s, testClock())
	var titles []string
	for i := 0; i < 5; i++ {
		titles = append(titles, mustCurrent(t, e, chID).Title)
		require.NoError(t, e.Advance(ctx, chID))
	}
	// Pre-roll, two content items, then the second slot's single item, then
	// the first slot's pre-roll again.
	require.Equal(t, []string{"bumper", "A", "B", "X", "bumper"}, titles)
}

func TestFallbackFillerWhenCollectionEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	empty := makePlaylist(t, s, "empty")
	fb := seedMedia(t, s, 30, "standby")
	fbPlaylist := makePlaylist(t, s, "fb", fb...)
	fallback := makeFiller(t, s, "fallback", fbPlaylist)

	schID, err := s.CreateSchedule(ctx, store.ProgramSchedule{Name: "sch", Items: []store.ScheduleSlot{
		{Index: 0, CollectionKind: "playlist", CollectionID: empty},
	}})
	require.NoError(t, err)
	chID := makeChannel(t, s, "1", schID, fallback)

	e := newTestEngine(s, testClock())
	require.Equal(t, "standby", mustCurrent(t, e, chID).Title)
}

func TestNoScheduleMeansNothingPlayable(t *testing.T) {
	s := openTestStore(t)
	chID := makeChannel(t, s, "1", 0, 0)

	e := newTestEngine(s, testClock())
	_, ok, err := e.CurrentItem(context.Background(), chID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFloodCutsOverAtFixedStart(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	flood := seedMedia(t, s, 60, "loop1", "loop2")
	fixed := seedMedia(t, s, 60, "news")
	p1 := makePlaylist(t, s, "flood", flood...)
	p2 := makePlaylist(t, s, "news", fixed...)

	schID, err := s.CreateSchedule(ctx, store.ProgramSchedule{Name: "sch", Items: []store.ScheduleSlot{
		{Index: 0, CollectionKind: "playlist", CollectionID: p1, PlayoutMode: store.ModeFlood},
		{Index: 1, StartType: store.StartFixed, FixedStartTime: "13:00",
			CollectionKind: "playlist", CollectionID: p2, PlayoutMode: store.ModeOne},
	}})
	require.NoError(t, err)
	chID := makeChannel(t, s, "1", schID, 0)

	clk := testClock() // 12:00 UTC
	e := newTestEngine(s, clk)

	require.Equal(t, "loop1", mustCurrent(t, e, chID).Title)
	require.NoError(t, e.Advance(ctx, chID))
	require.Equal(t, "loop2", mustCurrent(t, e, chID).Title)
	require.NoError(t, e.Advance(ctx, chID))
	// Still flooding before the fixed start.
	require.Equal(t, "loop1", mustCurrent(t, e, chID).Title)
	require.NoError(t, e.Advance(ctx, chID))

	clk.Advance(65 * time.Minute) // past 13:00
	require.Equal(t, "news", mustCurrent(t, e, chID).Title)
}

func TestFutureProgrammesAreContiguous(t *testing.T) {
	s := openTestStore(t)
	ids := seedMedia(t, s, 600, "A", "B", "C")
	plID := makePlaylist(t, s, "p", ids...)
	schID, err := s.CreateSchedule(context.Background(), store.ProgramSchedule{Name: "sch", Items: []store.ScheduleSlot{
		{Index: 0, CollectionKind: "playlist", CollectionID: plID},
	}})
	require.NoError(t, err)
	chID := makeChannel(t, s, "1", schID, 0)

	clk := testClock()
	e := newTestEngine(s, clk)
	now := clk.Now()

	current := mustCurrent(t, e, chID)
	progs, err := e.FutureProgrammes(context.Background(), chID, now, 2*time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, progs)

	require.Equal(t, current.ID, progs[0].Item.ID, "projection must lead with the playing item")
	require.False(t, progs[0].Start.After(now))
	require.True(t, progs[0].End.After(now))

	for i, p := range progs {
		require.True(t, p.End.Equal(p.Start.Add(time.Duration(p.Item.DurationSeconds)*time.Second)),
			"programme %d end must be start+duration", i)
		if i > 0 {
			require.True(t, progs[i-1].End.Equal(p.Start), "programme %d must start when %d ends", i, i-1)
		}
	}

	// Projection is a simulation: the live position is untouched.
	require.Equal(t, current.ID, mustCurrent(t, e, chID).ID)
}
