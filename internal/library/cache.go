package library

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/httpclient"
)

// refreshFraction: entries past this share of their TTL get refreshed in the
// background while the still-valid URL is served.
const refreshFraction = 0.8

type cacheEntry struct {
	key        string
	res        Resolved
	fetchedAt  time.Time
	refreshing bool
	elem       *list.Element
}

// URLCache is a bounded TTL map with LRU eviction. Keys are
// (source, source_id) pairs.
type URLCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List // front = most recently used
	max     int
	clk     clock.Clock
	backoff httpclient.Backoff
	log     zerolog.Logger
}

func NewURLCache(maxEntries int, clk clock.Clock, logger zerolog.Logger) *URLCache {
	if maxEntries < 1 {
		maxEntries = 1024
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &URLCache{
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
		max:     maxEntries,
		clk:     clk,
		backoff: httpclient.DefaultBackoff,
		log:     logger.With().Str("component", "urlcache").Logger(),
	}
}

func cacheKey(source, sourceID string) string {
	return source + "\x00" + sourceID
}

// Get returns a fresh cached URL, or resolves one. Expired entries resolve
// synchronously with exponential backoff; entries past 80% of their TTL are
// served as-is while a background refresh runs.
func (c *URLCache) Get(ctx context.Context, source, sourceID string, resolve func(context.Context) (Resolved, error)) (string, error) {
	key := cacheKey(source, sourceID)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		age := c.clk.Since(e.fetchedAt)
		if e.res.TTL == 0 || age < e.res.TTL {
			c.lru.MoveToFront(e.elem)
			url := e.res.URL
			needRefresh := e.res.TTL > 0 &&
				age > time.Duration(refreshFraction*float64(e.res.TTL)) &&
				!e.refreshing
			if needRefresh {
				e.refreshing = true
				go c.refresh(key, resolve)
			}
			c.mu.Unlock()
			return url, nil
		}
	}
	c.mu.Unlock()

	// Miss or hard-expired: resolve synchronously with bounded retries.
	var res Resolved
	err := c.backoff.Do(ctx, func() error {
		var rerr error
		res, rerr = resolve(ctx)
		return rerr
	})
	if err != nil {
		return "", err
	}
	c.put(key, res)
	return res.URL, nil
}

// refresh re-resolves in the background. On failure the stale entry is kept
// until hard expiration.
func (c *URLCache) refresh(key string, resolve func(context.Context) (Resolved, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	res, err := resolve(ctx)
	if err != nil {
		c.log.Warn().Str("key", key).Err(err).Msg("proactive refresh failed, keeping stale entry")
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.refreshing = false
		}
		c.mu.Unlock()
		return
	}
	c.put(key, res)
}

func (c *URLCache) put(key string, res Resolved) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.res = res
		e.fetchedAt = c.clk.Now()
		e.refreshing = false
		c.lru.MoveToFront(e.elem)
		return
	}
	e := &cacheEntry{key: key, res: res, fetchedAt: c.clk.Now()}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	for len(c.entries) > c.max {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		old := oldest.Value.(*cacheEntry)
		c.lru.Remove(oldest)
		delete(c.entries, old.key)
	}
}

func (c *URLCache) Invalidate(source, sourceID string) {
	key := cacheKey(source, sourceID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, key)
	}
}

// Len reports the number of cached entries.
func (c *URLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
