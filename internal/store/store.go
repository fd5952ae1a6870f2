// Package store is the relational layer: channels, media items, playlists,
// schedules, playout anchors, libraries, and transcode profiles live here.
// The backend is sqlite in WAL mode behind database/sql; pool sizing scales
// with the enabled channel count.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/airwave-tv/airwave/internal/metrics"
)

type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// PoolSizeFor returns the connection pool size for a given number of
// enabled channels: max(20, ceil(2.5*n)+10).
func PoolSizeFor(enabledChannels int) int {
	n := int(math.Ceil(2.5*float64(enabledChannels))) + 10
	if n < 20 {
		return 20
	}
	return n
}

// Open opens (creating if necessary) the sqlite database at path, applies
// pending migrations, and sizes the connection pool from the enabled
// channel count found after migration.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	// _pragma in the DSN applies to every pooled connection, not just the
	// first one.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, log: logger.With().Str("component", "store").Logger()}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	enabled, err := s.CountEnabledChannels(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.Resize(enabled)
	return s, nil
}

// Resize re-applies the pool sizing formula; called after channel
// enable/disable changes the count materially.
func (s *Store) Resize(enabledChannels int) {
	size := PoolSizeFor(enabledChannels)
	// Overflow allowance equals the base size, so the hard cap is 2x.
	s.db.SetMaxOpenConns(size * 2)
	s.db.SetMaxIdleConns(size)
	s.db.SetConnMaxLifetime(time.Hour)
	metrics.DBPoolSize.Set(float64(size))
	s.log.Debug().Int("pool_size", size).Int("enabled_channels", enabledChannels).Msg("pool sized")
}

// SampleMetrics publishes current pool usage gauges.
func (s *Store) SampleMetrics() {
	st := s.db.Stats()
	metrics.DBPoolCheckedOut.Set(float64(st.InUse))
}

// Ping verifies the database is reachable; the health endpoint uses it.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for tests and one-off maintenance commands.
func (s *Store) DB() *sql.DB { return s.db }
