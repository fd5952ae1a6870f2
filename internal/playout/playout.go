// Package playout decides what every channel plays and when. The database
// anchor (last item index and end wallclock) is authoritative; EPG
// projections are simulations that never feed back into playback.
package playout

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/store"
)

// defaultItemSeconds stands in for items with unknown duration so planning
// and EPG projection always make progress.
const defaultItemSeconds = 1800

// maxProjection bounds how many programmes one EPG simulation may emit.
const maxProjection = 500

// Programme is one projected entry: an item with its wall-clock window.
type Programme struct {
	Item        store.MediaItem
	Start       time.Time
	End         time.Time
	Filler      bool
	CustomTitle string // slot override, empty unless configured
}

// selection is one scheduling decision.
type selection struct {
	item store.MediaItem
	ref  *currentRef
	slot store.ScheduleSlot
}

type channelPlayout struct {
	mu       sync.Mutex
	channel  store.Channel
	schedule store.ProgramSchedule
	playout  store.Playout
	state    engineState
	rng      *rand.Rand
	media    map[string][]store.MediaItem
}

// Engine serves current-item and projection queries for all channels.
type Engine struct {
	st  *store.Store
	clk clock.Clock
	log zerolog.Logger

	mu       sync.Mutex
	channels map[int64]*channelPlayout
}

func NewEngine(st *store.Store, clk clock.Clock, logger zerolog.Logger) *Engine {
	return &Engine{
		st:       st,
		clk:      clk,
		log:      logger.With().Str("component", "playout").Logger(),
		channels: make(map[int64]*channelPlayout),
	}
}

// Invalidate drops the cached runtime for a channel, forcing a reload after
// schedule or collection edits.
func (e *Engine) Invalidate(channelID int64) {
	e.mu.Lock()
	delete(e.channels, channelID)
	e.mu.Unlock()
}

// CurrentItem returns what the channel should play right now. The item is
// pinned until Advance, so repeated calls are stable. The bool is false when
// nothing is playable at all.
func (e *Engine) CurrentItem(ctx context.Context, channelID int64) (store.MediaItem, bool, error) {
	cp, err := e.channelFor(ctx, channelID)
	if err != nil {
		return store.MediaItem{}, false, err
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cur := cp.state.Current; cur != nil {
		item, err := e.st.GetMediaItem(ctx, cur.MediaID)
		if err == nil {
			return item, true, nil
		}
		// The pinned item vanished from the library; fall through and pick
		// a fresh one.
		cp.state.Current = nil
	}

	now := e.clk.Now()
	sel, ok, err := e.selectNext(ctx, cp, &cp.state, cp.rng, now)
	if err != nil || !ok {
		return store.MediaItem{}, false, err
	}
	cp.state.Current = sel.ref
	if cp.playout.LastItemEndWallclock.IsZero() {
		cp.playout.LastItemEndWallclock = now
	}
	cp.playout.EnumeratorState = cp.state.encode()
	if err := e.st.SavePlayout(ctx, cp.playout); err != nil {
		return store.MediaItem{}, false, err
	}
	cp.playout = e.reloadPlayout(ctx, cp)
	return sel.item, true, nil
}

// Advance settles the pinned item as finished at the current wall-clock time
// and moves the anchor forward.
func (e *Engine) Advance(ctx context.Context, channelID int64) error {
	cp, err := e.channelFor(ctx, channelID)
	if err != nil {
		return err
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()

	cur := cp.state.Current
	if cur == nil {
		return nil
	}
	secs := defaultItemSeconds
	if item, err := e.st.GetMediaItem(ctx, cur.MediaID); err == nil && item.DurationSeconds > 0 {
		secs = item.DurationSeconds
	}

	now := e.clk.Now()
	cp.state.Current = nil
	e.advanceState(cp, &cp.state, cur, secs, now)

	cp.playout.LastItemIndex++
	cp.playout.LastItemEndWallclock = now
	cp.playout.EnumeratorState = cp.state.encode()
	if err := e.st.SavePlayout(ctx, cp.playout); err != nil {
		return fmt.Errorf("playout: save anchor: %w", err)
	}
	cp.playout = e.reloadPlayout(ctx, cp)
	return nil
}

// FutureProgrammes projects the channel's programme list from the anchor out
// to now+horizon. The projection includes the currently-playing item when
// its window covers now, and never mutates real playout state.
func (e *Engine) FutureProgrammes(ctx context.Context, channelID int64, now time.Time, horizon time.Duration) ([]Programme, error) {
	cp, err := e.channelFor(ctx, channelID)
	if err != nil {
		return nil, err
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()

	sim := cp.state.clone()
	rng := rand.New(rand.NewSource(channelID))
	cutoff := now.Add(horizon)

	t := cp.playout.LastItemEndWallclock
	if t.IsZero() || t.Before(now.Add(-12*time.Hour)) {
		t = now
	}

	var out []Programme
	if cur := sim.Current; cur != nil {
		if item, err := e.st.GetMediaItem(ctx, cur.MediaID); err == nil {
			end := t.Add(itemDuration(item))
			if end.After(now) {
				out = append(out, Programme{Item: item, Start: t, End: end, Filler: cur.Filler})
			}
			sim.Current = nil
			e.advanceState(cp, &sim, cur, durationSeconds(item), end)
			t = end
		} else {
			sim.Current = nil
		}
	}

	for t.Before(cutoff) && len(out) < maxProjection {
		sel, ok, err := e.selectNext(ctx, cp, &sim, rng, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		end := t.Add(itemDuration(sel.item))
		if end.After(now) {
			out = append(out, Programme{
				Item:        sel.item,
				Start:       t,
				End:         end,
				Filler:      sel.ref.Filler,
				CustomTitle: sel.slot.CustomTitle,
			})
		}
		e.advanceState(cp, &sim, sel.ref, durationSeconds(sel.item), end)
		t = end
	}
	return out, nil
}

// selectNext finds the next playable item under the slot phase machine,
// mutating st. It loops through phase transitions that yield no item (empty
// fillers, slot exits) with a hard bound against misconfigured schedules.
func (e *Engine) selectNext(ctx context.Context, cp *channelPlayout, st *engineState, rng *rand.Rand, now time.Time) (selection, bool, error) {
	slots := cp.schedule.Items
	if len(slots) == 0 {
		return selection{}, false, nil
	}

	for steps := 0; steps < len(slots)*5+5; steps++ {
		st.SlotIndex %= len(slots)
		slot := slots[st.SlotIndex]
		if st.Phase == "" {
			st.Phase = phasePre
		}

		// A flood slot, and tail filler, run only until the next fixed
		// start; cut over between items once it is due.
		if slot.PlayoutMode == store.ModeFlood || st.Phase == phaseTail {
			if idx, due := e.dueFixedSlot(slots, st.SlotIndex, now); due {
				st.SlotIndex = idx
				st.resetSlotProgress(phasePre)
				continue
			}
		}

		content, err := e.collection(ctx, cp, slot)
		if err != nil {
			return selection{}, false, err
		}
		if len(content) == 0 && st.Phase == phaseContent {
			return e.selectFallback(ctx, cp, st, slot)
		}

		switch st.Phase {
		case phasePre:
			if sel, ok := e.selectFiller(ctx, cp, st, slot, slot.PreRollFillerID, phasePre); ok {
				return sel, true, nil
			}
			st.Phase = phaseContent
		case phaseContent:
			es := st.enumerator(slotKey(slot))
			item := nextContent(content, slot.PlaybackOrder, es, rng)
			return selection{
				item: item,
				ref:  &currentRef{MediaID: item.ID, Phase: phaseContent},
				slot: slot,
			}, true, nil
		case phaseMid:
			if sel, ok := e.selectFiller(ctx, cp, st, slot, slot.MidRollFillerID, phaseMid); ok {
				return sel, true, nil
			}
			st.Phase = phaseContent
		case phasePost:
			if sel, ok := e.selectFiller(ctx, cp, st, slot, slot.PostRollFillerID, phasePost); ok {
				return sel, true, nil
			}
			e.afterPost(slots, st, now)
		case phaseTail:
			if sel, ok := e.selectFiller(ctx, cp, st, slot, slot.TailFillerID, phaseTail); ok {
				return sel, true, nil
			}
			st.SlotIndex = (st.SlotIndex + 1) % len(slots)
			st.resetSlotProgress(phasePre)
		}
	}
	e.log.Warn().Int64("channel_id", cp.channel.ID).Msg("no playable item after full phase walk")
	return selection{}, false, nil
}

func (e *Engine) selectFallback(ctx context.Context, cp *channelPlayout, st *engineState, slot store.ScheduleSlot) (selection, bool, error) {
	fid := slot.FallbackFillerID
	if fid == 0 {
		fid = cp.channel.FallbackFillerID
	}
	items := e.fillerItems(ctx, cp, fid)
	if len(items) == 0 {
		return selection{}, false, nil
	}
	es := st.enumerator(fillerKey(fid))
	item := nextChronological(items, es)
	return selection{
		item: item,
		ref:  &currentRef{MediaID: item.ID, Filler: true, Phase: phaseContent},
		slot: slot,
	}, true, nil
}

func (e *Engine) selectFiller(ctx context.Context, cp *channelPlayout, st *engineState, slot store.ScheduleSlot, presetID int64, phase string) (selection, bool) {
	items := e.fillerItems(ctx, cp, presetID)
	if len(items) == 0 {
		return selection{}, false
	}
	es := st.enumerator(fillerKey(presetID))
	item := nextChronological(items, es)
	return selection{
		item: item,
		ref:  &currentRef{MediaID: item.ID, Filler: true, Phase: phase},
		slot: slot,
	}, true
}

// advanceState applies one finished item to the phase machine.
func (e *Engine) advanceState(cp *channelPlayout, st *engineState, cur *currentRef, secs int, now time.Time) {
	slots := cp.schedule.Items
	if len(slots) == 0 {
		return
	}
	st.SlotIndex %= len(slots)
	slot := slots[st.SlotIndex]

	switch cur.Phase {
	case phasePre:
		st.Phase = phaseContent
	case phaseContent:
		st.ContentCount++
		st.ContentSecs += secs
		if slotDone(slot, st) {
			if slot.PostRollFillerID != 0 {
				st.Phase = phasePost
			} else {
				e.afterPost(slots, st, now)
			}
		} else if slot.MidRollFillerID != 0 {
			st.Phase = phaseMid
		}
	case phaseMid:
		st.Phase = phaseContent
	case phasePost:
		e.afterPost(slots, st, now)
	case phaseTail:
		// Tail filler keeps playing until the fixed start cuts over.
	}
}

// afterPost exits the slot: into tail filler when a fixed start is pending
// and a tail filler is configured, otherwise straight to the next slot.
func (e *Engine) afterPost(slots []store.ScheduleSlot, st *engineState, now time.Time) {
	slot := slots[st.SlotIndex]
	if slot.TailFillerID != 0 {
		if idx, ok := nextFixedIndex(slots, st.SlotIndex); ok && !fixedDue(slots[idx], now) {
			st.resetSlotProgress(phaseTail)
			return
		}
	}
	st.SlotIndex = (st.SlotIndex + 1) % len(slots)
	st.resetSlotProgress(phasePre)
}

// slotDone reports whether the slot's content quota is met. Flood slots are
// only ever ended by their fixed-start cutover.
func slotDone(slot store.ScheduleSlot, st *engineState) bool {
	switch slot.PlayoutMode {
	case store.ModeMultiple:
		want := slot.MultipleCount
		if want < 1 {
			want = 1
		}
		return st.ContentCount >= want
	case store.ModeDuration:
		if slot.DurationSeconds <= 0 {
			return st.ContentCount >= 1
		}
		return st.ContentSecs >= slot.DurationSeconds
	case store.ModeFlood:
		return false
	default: // one
		return st.ContentCount >= 1
	}
}

// dueFixedSlot returns the next fixed-start slot after from when its start
// time has arrived.
func (e *Engine) dueFixedSlot(slots []store.ScheduleSlot, from int, now time.Time) (int, bool) {
	idx, ok := nextFixedIndex(slots, from)
	if !ok {
		return 0, false
	}
	if fixedDue(slots[idx], now) {
		return idx, true
	}
	return 0, false
}

func nextFixedIndex(slots []store.ScheduleSlot, from int) (int, bool) {
	for i := 1; i <= len(slots); i++ {
		idx := (from + i) % len(slots)
		if slots[idx].StartType == store.StartFixed && slots[idx].FixedStartTime != "" {
			return idx, true
		}
	}
	return 0, false
}

// fixedDue reports whether the slot's daily start time has passed, treating
// occurrences more than half a day old as tomorrow's.
func fixedDue(slot store.ScheduleSlot, now time.Time) bool {
	t, err := time.Parse("15:04", slot.FixedStartTime)
	if err != nil {
		return false
	}
	occ := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if occ.After(now) {
		return false
	}
	return now.Sub(occ) < 12*time.Hour
}

func (e *Engine) channelFor(ctx context.Context, channelID int64) (*channelPlayout, error) {
	e.mu.Lock()
	if cp, ok := e.channels[channelID]; ok {
		e.mu.Unlock()
		return cp, nil
	}
	e.mu.Unlock()

	channel, err := e.st.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	var schedule store.ProgramSchedule
	if channel.ScheduleID != 0 {
		schedule, err = e.st.GetSchedule(ctx, channel.ScheduleID)
		if err != nil {
			return nil, err
		}
	}
	playout, err := e.st.GetPlayout(ctx, channelID)
	if err != nil {
		if err != store.ErrNotFound {
			return nil, err
		}
		playout = store.Playout{ChannelID: channelID, ScheduleID: channel.ScheduleID, IsActive: true}
	}
	state, err := decodeState(playout.EnumeratorState)
	if err != nil {
		e.log.Warn().Err(err).Int64("channel_id", channelID).Msg("resetting corrupt playout state")
		state = engineState{}
	}

	cp := &channelPlayout{
		channel:  channel,
		schedule: schedule,
		playout:  playout,
		state:    state,
		rng:      rand.New(rand.NewSource(e.clk.Now().UnixNano() ^ channelID<<21)),
		media:    make(map[string][]store.MediaItem),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.channels[channelID]; ok {
		return existing, nil
	}
	e.channels[channelID] = cp
	return cp, nil
}

// reloadPlayout refreshes row IDs after an upsert.
func (e *Engine) reloadPlayout(ctx context.Context, cp *channelPlayout) store.Playout {
	p, err := e.st.GetPlayout(ctx, cp.channel.ID)
	if err != nil {
		return cp.playout
	}
	return p
}

func (e *Engine) collection(ctx context.Context, cp *channelPlayout, slot store.ScheduleSlot) ([]store.MediaItem, error) {
	key := fmt.Sprintf("playlist:%d", slot.CollectionID)
	if items, ok := cp.media[key]; ok {
		return items, nil
	}
	pl, err := e.st.GetPlaylist(ctx, slot.CollectionID)
	if err != nil {
		if err == store.ErrNotFound {
			cp.media[key] = nil
			return nil, nil
		}
		return nil, err
	}
	var items []store.MediaItem
	if pl.CollectionType == store.CollectionSmart && pl.SearchQuery != "" {
		items, err = e.st.SearchMedia(ctx, pl.SearchQuery)
	} else {
		items, err = e.st.PlaylistMedia(ctx, pl.ID)
	}
	if err != nil {
		return nil, err
	}
	cp.media[key] = items
	return items, nil
}

func (e *Engine) fillerItems(ctx context.Context, cp *channelPlayout, presetID int64) []store.MediaItem {
	if presetID == 0 {
		return nil
	}
	key := fmt.Sprintf("filler:%d", presetID)
	if items, ok := cp.media[key]; ok {
		return items
	}
	preset, err := e.st.GetFillerPreset(ctx, presetID)
	if err != nil {
		cp.media[key] = nil
		return nil
	}
	items, err := e.st.PlaylistMedia(ctx, preset.PlaylistID)
	if err != nil {
		cp.media[key] = nil
		return nil
	}
	cp.media[key] = items
	return items
}

func slotKey(slot store.ScheduleSlot) string {
	return fmt.Sprintf("slot:%d", slot.ID)
}

func fillerKey(presetID int64) string {
	return fmt.Sprintf("filler:%d", presetID)
}

func itemDuration(item store.MediaItem) time.Duration {
	return time.Duration(durationSeconds(item)) * time.Second
}

func durationSeconds(item store.MediaItem) int {
	if item.DurationSeconds > 0 {
		return item.DurationSeconds
	}
	return defaultItemSeconds
}
