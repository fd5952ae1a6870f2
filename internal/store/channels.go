package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/airwave-tv/airwave/internal/clock"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

const channelCols = `id, number, name, enabled, COALESCE(grp,''), COALESCE(logo,''),
	streaming_mode, transcode_mode, COALESCE(ffmpeg_profile_id,0), COALESCE(watermark_id,0),
	COALESCE(preferred_audio_language,''), COALESCE(preferred_subtitle_language,''),
	subtitle_mode, idle_behavior, COALESCE(fallback_filler_id,0), show_in_epg, prewarm,
	COALESCE(schedule_id,0)`

func scanChannel(row interface{ Scan(...any) error }) (Channel, error) {
	var c Channel
	err := row.Scan(&c.ID, &c.Number, &c.Name, &c.Enabled, &c.Group, &c.Logo,
		&c.StreamingMode, &c.TranscodeMode, &c.FFmpegProfileID, &c.WatermarkID,
		&c.PreferredAudioLanguage, &c.PreferredSubtitleLanguage,
		&c.SubtitleMode, &c.IdleBehavior, &c.FallbackFillerID, &c.ShowInEPG, &c.Prewarm,
		&c.ScheduleID)
	return c, err
}

// ListChannels returns channels ordered by number (numeric-aware ordering is
// applied by callers that need lineup order; SQL ordering here is textual and
// only for stable iteration).
func (s *Store) ListChannels(ctx context.Context, enabledOnly bool) ([]Channel, error) {
	q := `SELECT ` + channelCols + ` FROM channels`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY number`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list channels: %w", err)
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetChannel(ctx context.Context, id int64) (Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE id = ?`, id)
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, fmt.Errorf("store: get channel %d: %w", id, err)
	}
	return c, nil
}

// GetChannelByNumber looks a channel up by its guide number. The number is
// whitespace-stripped and matched as a string; "1984.1" is a legal number.
func (s *Store) GetChannelByNumber(ctx context.Context, number string) (Channel, error) {
	number = clock.NormalizeChannelNumber(number)
	row := s.db.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE number = ?`, number)
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, fmt.Errorf("store: get channel %q: %w", number, err)
	}
	return c, nil
}

func (s *Store) CountEnabledChannels(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE enabled = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count channels: %w", err)
	}
	return n, nil
}

// CreateChannel inserts a channel and returns its id. Number is normalized
// before storing; duplicates fail on the unique index.
func (s *Store) CreateChannel(ctx context.Context, c Channel) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (number, name, enabled, grp, logo, streaming_mode, transcode_mode,
			ffmpeg_profile_id, watermark_id, preferred_audio_language, preferred_subtitle_language,
			subtitle_mode, idle_behavior, fallback_filler_id, show_in_epg, prewarm, schedule_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		clock.NormalizeChannelNumber(c.Number), c.Name, c.Enabled, nullStr(c.Group), nullStr(c.Logo),
		orDefault(c.StreamingMode, StreamingModeTS), orDefault(c.TranscodeMode, TranscodeOnDemand),
		nullID(c.FFmpegProfileID), nullID(c.WatermarkID),
		nullStr(c.PreferredAudioLanguage), nullStr(c.PreferredSubtitleLanguage),
		orDefault(c.SubtitleMode, SubtitleNone), orDefault(c.IdleBehavior, IdleStopOnDisconnect),
		nullID(c.FallbackFillerID), c.ShowInEPG, c.Prewarm, nullID(c.ScheduleID))
	if err != nil {
		return 0, fmt.Errorf("store: create channel %q: %w", c.Number, err)
	}
	return res.LastInsertId()
}

func (s *Store) SetChannelEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("store: set channel %d enabled=%t: %w", id, enabled, err)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
