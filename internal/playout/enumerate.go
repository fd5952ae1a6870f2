package playout

import (
	"math/rand"
	"sort"

	"github.com/airwave-tv/airwave/internal/store"
)

// nextContent picks the next item from a collection under the slot's
// playback order, mutating the enumerator state.
func nextContent(items []store.MediaItem, order string, st *enumState, rng *rand.Rand) store.MediaItem {
	switch order {
	case store.OrderShuffle:
		return nextShuffle(items, st, rng)
	case store.OrderRandom:
		return nextRandom(items, st, rng)
	case store.OrderRotatingShuffle:
		return nextRotatingShuffle(items, st, rng)
	default:
		return nextChronological(items, st)
	}
}

// nextChronological advances by one, modulo the collection size. The cursor
// survives restarts, so position is stable.
func nextChronological(items []store.MediaItem, st *enumState) store.MediaItem {
	item := items[st.Cursor%len(items)]
	st.Cursor++
	return item
}

// nextShuffle walks one persisted permutation per full cycle, reshuffling
// when the cycle completes or the collection changes size.
func nextShuffle(items []store.MediaItem, st *enumState, rng *rand.Rand) store.MediaItem {
	if len(st.Permutation) != len(items) || st.Cursor >= len(st.Permutation) {
		st.Permutation = rng.Perm(len(items))
		st.Cursor = 0
	}
	item := items[st.Permutation[st.Cursor]]
	st.Cursor++
	return item
}

// nextRandom draws uniformly, avoiding the last N picks (N = 10% of the
// collection, at least 1).
func nextRandom(items []store.MediaItem, st *enumState, rng *rand.Rand) store.MediaItem {
	avoid := len(items) / 10
	if avoid < 1 {
		avoid = 1
	}
	if avoid >= len(items) {
		avoid = len(items) - 1
	}

	recent := make(map[int64]bool, len(st.Recent))
	for _, id := range st.Recent {
		recent[id] = true
	}
	var pool []store.MediaItem
	for _, it := range items {
		if !recent[it.ID] {
			pool = append(pool, it)
		}
	}
	if len(pool) == 0 {
		pool = items
	}
	item := pool[rng.Intn(len(pool))]

	st.Recent = append(st.Recent, item.ID)
	if len(st.Recent) > avoid {
		st.Recent = st.Recent[len(st.Recent)-avoid:]
	}
	return item
}

// nextRotatingShuffle cycles through groups (by show title) and shuffles
// within the active group.
func nextRotatingShuffle(items []store.MediaItem, st *enumState, rng *rand.Rand) store.MediaItem {
	groups := groupByShow(items)
	if len(groups) == 0 {
		return nextChronological(items, st)
	}
	st.Group %= len(groups)
	group := groups[st.Group]

	if len(st.Permutation) != len(group) || st.Cursor >= len(st.Permutation) {
		if st.Cursor >= len(st.Permutation) && len(st.Permutation) == len(group) {
			// Group exhausted: rotate to the next one.
			st.Group = (st.Group + 1) % len(groups)
			group = groups[st.Group]
		}
		st.Permutation = rng.Perm(len(group))
		st.Cursor = 0
	}
	item := group[st.Permutation[st.Cursor]]
	st.Cursor++
	return item
}

func groupByShow(items []store.MediaItem) [][]store.MediaItem {
	byShow := make(map[string][]store.MediaItem)
	for _, it := range items {
		key := it.ShowTitle
		if key == "" {
			key = it.Title
		}
		byShow[key] = append(byShow[key], it)
	}
	names := make([]string, 0, len(byShow))
	for name := range byShow {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([][]store.MediaItem, 0, len(names))
	for _, name := range names {
		out = append(out, byShow[name])
	}
	return out
}
