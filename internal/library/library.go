// Package library resolves media items to playable URLs. Each source tag
// (local, http, plex, jellyfin, youtube, ...) has a resolver; results are
// held in a TTL cache with proactive refresh so the broadcast loop almost
// never waits on an upstream.
package library

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/store"
)

// Resolved is a playable URL plus its lifetime. TTL 0 means the URL never
// expires (local files, direct HTTP).
type Resolved struct {
	URL string
	TTL time.Duration
}

// Resolver turns a media item into a playable URL for one source tag.
type Resolver interface {
	Source() string
	Resolve(ctx context.Context, item store.MediaItem) (Resolved, error)
}

// Registry maps source tags to resolvers and fronts them with the cache.
type Registry struct {
	resolvers map[string]Resolver
	cache     *URLCache
	log       zerolog.Logger
}

func NewRegistry(cache *URLCache, logger zerolog.Logger) *Registry {
	return &Registry{
		resolvers: make(map[string]Resolver),
		cache:     cache,
		log:       logger.With().Str("component", "library").Logger(),
	}
}

func (r *Registry) Register(res Resolver) {
	r.resolvers[res.Source()] = res
}

// PlayableURL resolves item through the cache. A fresh entry is returned
// immediately (with an async refresh past 80% of its TTL); a miss or expired
// entry resolves synchronously with bounded retries.
func (r *Registry) PlayableURL(ctx context.Context, item store.MediaItem) (string, error) {
	res, ok := r.resolvers[item.Source]
	if !ok {
		return "", fmt.Errorf("library: no resolver for source %q", item.Source)
	}
	return r.cache.Get(ctx, item.Source, item.SourceID, func(ctx context.Context) (Resolved, error) {
		return res.Resolve(ctx, item)
	})
}

// Invalidate drops the cached URL for item, forcing the next PlayableURL to
// re-resolve. Used when a resolved URL starts returning 401/403/410.
func (r *Registry) Invalidate(item store.MediaItem) {
	r.cache.Invalidate(item.Source, item.SourceID)
}
