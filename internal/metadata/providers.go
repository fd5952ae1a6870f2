package metadata

import (
	"context"
	"errors"

	"github.com/airwave-tv/airwave/internal/store"
)

// ErrNoMatch is a clean miss: the provider answered but knows nothing
// about the item. It does not count against the failure ratio.
var ErrNoMatch = errors.New("metadata: no match")

// lookupQuery derives the search string for remote providers. Placeholder
// titles are useless as queries, so fall back to the filename.
func lookupQuery(item store.MediaItem) (title string, year int) {
	if item.ShowTitle != "" {
		return item.ShowTitle, item.Year
	}
	if item.Title != "" && !IsPlaceholderTitle(item.Title) {
		return item.Title, item.Year
	}
	f := ParseFilename(item.URL)
	if f.ShowTitle != "" {
		return f.ShowTitle, f.Year
	}
	return f.Title, f.Year
}

// FilenameProvider is the last resort in the chain: whatever the path
// itself encodes.
type FilenameProvider struct{}

func (FilenameProvider) Name() string { return "filename" }

func (FilenameProvider) Lookup(_ context.Context, item store.MediaItem) (Fields, error) {
	f := ParseFilename(item.URL)
	if f == (Fields{}) {
		return Fields{}, ErrNoMatch
	}
	return f, nil
}
