package library

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/clock"
)

func TestCacheServesFreshEntry(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	c := NewURLCache(16, clk, zerolog.Nop())
	ctx := context.Background()

	calls := 0
	resolve := func(context.Context) (Resolved, error) {
		calls++
		return Resolved{URL: fmt.Sprintf("http://u/%d", calls), TTL: 2 * time.Hour}, nil
	}

	u, err := c.Get(ctx, "plex", "k1", resolve)
	if err != nil || u != "http://u/1" {
		t.Fatalf("first get: %q, %v", u, err)
	}
	clk.Advance(30 * time.Minute)
	u, err = c.Get(ctx, "plex", "k1", resolve)
	if err != nil || u != "http://u/1" {
		t.Fatalf("fresh get re-resolved: %q, %v (calls=%d)", u, err, calls)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestCacheExpiryForcesResolve(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	c := NewURLCache(16, clk, zerolog.Nop())
	ctx := context.Background()

	calls := 0
	resolve := func(context.Context) (Resolved, error) {
		calls++
		return Resolved{URL: fmt.Sprintf("http://u/%d", calls), TTL: time.Hour}, nil
	}

	if _, err := c.Get(ctx, "jellyfin", "k", resolve); err != nil {
		t.Fatal(err)
	}
	// Past the full TTL the stale URL must not be served.
	clk.Advance(time.Hour + time.Second)
	u, err := c.Get(ctx, "jellyfin", "k", resolve)
	if err != nil {
		t.Fatal(err)
	}
	if u != "http://u/2" {
		t.Errorf("expired entry served: %q", u)
	}
}

func TestCacheProactiveRefreshPast80Percent(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	c := NewURLCache(16, clk, zerolog.Nop())
	ctx := context.Background()

	resolved := make(chan struct{}, 2)
	calls := 0
	resolve := func(context.Context) (Resolved, error) {
		calls++
		resolved <- struct{}{}
		return Resolved{URL: fmt.Sprintf("http://u/%d", calls), TTL: time.Hour}, nil
	}

	if _, err := c.Get(ctx, "plex", "k", resolve); err != nil {
		t.Fatal(err)
	}
	<-resolved

	// 80% of 1h is 48m; at 50m the stale-but-valid URL is served and a
	// background refresh fires.
	clk.Advance(50 * time.Minute)
	u, err := c.Get(ctx, "plex", "k", resolve)
	if err != nil {
		t.Fatal(err)
	}
	if u != "http://u/1" {
		t.Errorf("got %q, want the still-valid url", u)
	}
	select {
	case <-resolved:
	case <-time.After(2 * time.Second):
		t.Fatal("background refresh never ran")
	}
}

func TestCacheKeepsStaleEntryWhenRefreshFails(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	c := NewURLCache(16, clk, zerolog.Nop())
	ctx := context.Background()

	calls := 0
	attempted := make(chan struct{}, 4)
	resolve := func(context.Context) (Resolved, error) {
		calls++
		defer func() { attempted <- struct{}{} }()
		if calls > 1 {
			return Resolved{}, errors.New("upstream down")
		}
		return Resolved{URL: "http://u/1", TTL: time.Hour}, nil
	}

	if _, err := c.Get(ctx, "plex", "k", resolve); err != nil {
		t.Fatal(err)
	}
	<-attempted

	clk.Advance(55 * time.Minute)
	u, err := c.Get(ctx, "plex", "k", resolve)
	if err != nil || u != "http://u/1" {
		t.Fatalf("stale-but-valid get: %q, %v", u, err)
	}
	<-attempted

	// Still inside the TTL: the old entry survives the failed refresh.
	clk.Advance(time.Minute)
	u, err = c.Get(ctx, "plex", "k", resolve)
	if err != nil || u != "http://u/1" {
		t.Fatalf("entry dropped after failed refresh: %q, %v", u, err)
	}
}

func TestCacheLRUEviction(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	c := NewURLCache(2, clk, zerolog.Nop())
	ctx := context.Background()

	mk := func(id string) func(context.Context) (Resolved, error) {
		return func(context.Context) (Resolved, error) {
			return Resolved{URL: "http://u/" + id, TTL: time.Hour}, nil
		}
	}

	c.Get(ctx, "s", "a", mk("a"))
	c.Get(ctx, "s", "b", mk("b"))
	c.Get(ctx, "s", "a", mk("a2")) // touch a
	c.Get(ctx, "s", "c", mk("c")) // evicts b

	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	u, _ := c.Get(ctx, "s", "b", mk("b2"))
	if u != "http://u/b2" {
		t.Errorf("b should have been evicted and re-resolved, got %q", u)
	}
}

func TestCacheInvalidate(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	c := NewURLCache(16, clk, zerolog.Nop())
	ctx := context.Background()

	calls := 0
	resolve := func(context.Context) (Resolved, error) {
		calls++
		return Resolved{URL: fmt.Sprintf("http://u/%d", calls), TTL: time.Hour}, nil
	}
	c.Get(ctx, "plex", "k", resolve)
	c.Invalidate("plex", "k")
	u, _ := c.Get(ctx, "plex", "k", resolve)
	if u != "http://u/2" {
		t.Errorf("invalidate did not force re-resolve: %q", u)
	}
}
