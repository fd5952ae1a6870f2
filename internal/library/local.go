package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/airwave-tv/airwave/internal/store"
)

// Local resolves filesystem media. Paths are normalized to forward slashes
// and never expire.
type Local struct{}

func (Local) Source() string { return store.SourceLocal }

func (Local) Resolve(_ context.Context, item store.MediaItem) (Resolved, error) {
	path := item.URL
	if path == "" {
		path = item.SourceID
	}
	path = strings.TrimPrefix(path, "file://")
	if _, err := os.Stat(path); err != nil {
		return Resolved{}, fmt.Errorf("library: local file: %w", err)
	}
	return Resolved{URL: filepath.ToSlash(path), TTL: 0}, nil
}
