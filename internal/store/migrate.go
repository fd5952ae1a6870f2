package store

import (
	"context"
	"fmt"
)

// migrations run in order inside a transaction each; schema_version records
// the last applied index. Append only, never edit a shipped migration.
var migrations = []string{
	// 1: core entities
	`
CREATE TABLE channels (
	id                          INTEGER PRIMARY KEY AUTOINCREMENT,
	number                      TEXT NOT NULL,
	name                        TEXT NOT NULL,
	enabled                     INTEGER NOT NULL DEFAULT 1,
	grp                         TEXT,
	logo                        TEXT,
	streaming_mode              TEXT NOT NULL DEFAULT 'transport_stream',
	transcode_mode              TEXT NOT NULL DEFAULT 'on_demand',
	ffmpeg_profile_id           INTEGER REFERENCES ffmpeg_profiles(id),
	watermark_id                INTEGER REFERENCES watermarks(id),
	preferred_audio_language    TEXT,
	preferred_subtitle_language TEXT,
	subtitle_mode               TEXT NOT NULL DEFAULT 'none',
	idle_behavior               TEXT NOT NULL DEFAULT 'stop_on_disconnect',
	fallback_filler_id          INTEGER REFERENCES filler_presets(id),
	show_in_epg                 INTEGER NOT NULL DEFAULT 1,
	prewarm                     INTEGER NOT NULL DEFAULT 0,
	schedule_id                 INTEGER REFERENCES program_schedules(id)
);
CREATE UNIQUE INDEX idx_channels_number ON channels(number);

CREATE TABLE media_items (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	source           TEXT NOT NULL,
	source_id        TEXT NOT NULL,
	url              TEXT NOT NULL,
	title            TEXT NOT NULL,
	duration_seconds INTEGER NOT NULL DEFAULT 0 CHECK (duration_seconds >= 0),
	show_title       TEXT,
	season           INTEGER,
	episode          INTEGER,
	year             INTEGER,
	genres           TEXT,
	provider_meta    TEXT
);
CREATE UNIQUE INDEX idx_media_items_source ON media_items(source, source_id);

CREATE TABLE playlists (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT NOT NULL,
	collection_type TEXT NOT NULL DEFAULT 'manual',
	search_query    TEXT
);

CREATE TABLE playlist_items (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	playlist_id   INTEGER NOT NULL REFERENCES playlists(id) ON DELETE CASCADE,
	media_item_id INTEGER NOT NULL REFERENCES media_items(id),
	position      INTEGER NOT NULL CHECK (position >= 0),
	in_point      REAL,
	out_point     REAL,
	enabled       INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX idx_playlist_items_playlist ON playlist_items(playlist_id, position);

CREATE TABLE program_schedules (
	id                                 INTEGER PRIMARY KEY AUTOINCREMENT,
	name                               TEXT NOT NULL,
	keep_multi_part_episodes_together  INTEGER NOT NULL DEFAULT 0,
	treat_collections_as_shows         INTEGER NOT NULL DEFAULT 0,
	shuffle_schedule_items             INTEGER NOT NULL DEFAULT 0,
	random_start_point                 INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE program_schedule_items (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	schedule_id        INTEGER NOT NULL REFERENCES program_schedules(id) ON DELETE CASCADE,
	idx                INTEGER NOT NULL,
	start_type         TEXT NOT NULL DEFAULT 'dynamic',
	fixed_start_time   TEXT,
	collection_kind    TEXT NOT NULL,
	collection_id      INTEGER NOT NULL,
	playback_order     TEXT NOT NULL DEFAULT 'chronological',
	playout_mode       TEXT NOT NULL DEFAULT 'one',
	multiple_count     INTEGER,
	duration_seconds   INTEGER,
	pre_roll_filler_id  INTEGER REFERENCES filler_presets(id),
	mid_roll_filler_id  INTEGER REFERENCES filler_presets(id),
	post_roll_filler_id INTEGER REFERENCES filler_presets(id),
	tail_filler_id      INTEGER REFERENCES filler_presets(id),
	fallback_filler_id  INTEGER REFERENCES filler_presets(id),
	custom_title       TEXT,
	guide_mode         TEXT NOT NULL DEFAULT 'normal'
);
CREATE INDEX idx_schedule_items_schedule ON program_schedule_items(schedule_id, idx);

CREATE TABLE playouts (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id              INTEGER NOT NULL UNIQUE REFERENCES channels(id),
	schedule_id             INTEGER NOT NULL REFERENCES program_schedules(id),
	last_item_index         INTEGER NOT NULL DEFAULT 0,
	last_item_end_wallclock TEXT NOT NULL,
	enumerator_state        TEXT,
	is_active               INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE filler_presets (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	playlist_id INTEGER NOT NULL REFERENCES playlists(id)
);

CREATE TABLE libraries (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	name    TEXT NOT NULL,
	source  TEXT NOT NULL,
	url     TEXT,
	token   TEXT,
	section TEXT
);

CREATE TABLE ffmpeg_profiles (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL,
	video_codec   TEXT NOT NULL DEFAULT 'libx264',
	audio_codec   TEXT NOT NULL DEFAULT 'aac',
	video_bitrate TEXT NOT NULL DEFAULT '4000k',
	audio_bitrate TEXT NOT NULL DEFAULT '192k',
	resolution    TEXT
);

CREATE TABLE watermarks (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL,
	path     TEXT NOT NULL,
	position TEXT NOT NULL DEFAULT 'bottom_right',
	opacity  REAL NOT NULL DEFAULT 1.0
);
`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("store: create schema_version: %w", err)
	}
	var current int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("store: read schema_version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", i+1, err)
		}
		s.log.Info().Int("version", i+1).Msg("migration applied")
	}
	return nil
}
