package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) GetSchedule(ctx context.Context, id int64) (ProgramSchedule, error) {
	var sch ProgramSchedule
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, keep_multi_part_episodes_together, treat_collections_as_shows,
			shuffle_schedule_items, random_start_point
		FROM program_schedules WHERE id = ?`, id)
	err := row.Scan(&sch.ID, &sch.Name, &sch.KeepMultiPartEpisodesTogether,
		&sch.TreatCollectionsAsShows, &sch.ShuffleScheduleItems, &sch.RandomStartPoint)
	if errors.Is(err, sql.ErrNoRows) {
		return ProgramSchedule{}, ErrNotFound
	}
	if err != nil {
		return ProgramSchedule{}, fmt.Errorf("store: get schedule %d: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, idx, start_type, COALESCE(fixed_start_time,''),
			collection_kind, collection_id, playback_order, playout_mode,
			COALESCE(multiple_count,0), COALESCE(duration_seconds,0),
			COALESCE(pre_roll_filler_id,0), COALESCE(mid_roll_filler_id,0),
			COALESCE(post_roll_filler_id,0), COALESCE(tail_filler_id,0),
			COALESCE(fallback_filler_id,0), COALESCE(custom_title,''), guide_mode
		FROM program_schedule_items WHERE schedule_id = ? ORDER BY idx`, id)
	if err != nil {
		return ProgramSchedule{}, fmt.Errorf("store: schedule items %d: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var sl ScheduleSlot
		if err := rows.Scan(&sl.ID, &sl.ScheduleID, &sl.Index, &sl.StartType, &sl.FixedStartTime,
			&sl.CollectionKind, &sl.CollectionID, &sl.PlaybackOrder, &sl.PlayoutMode,
			&sl.MultipleCount, &sl.DurationSeconds,
			&sl.PreRollFillerID, &sl.MidRollFillerID, &sl.PostRollFillerID, &sl.TailFillerID,
			&sl.FallbackFillerID, &sl.CustomTitle, &sl.GuideMode); err != nil {
			return ProgramSchedule{}, fmt.Errorf("store: scan schedule item: %w", err)
		}
		sch.Items = append(sch.Items, sl)
	}
	return sch, rows.Err()
}

func (s *Store) CreateSchedule(ctx context.Context, sch ProgramSchedule) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO program_schedules (name, keep_multi_part_episodes_together,
			treat_collections_as_shows, shuffle_schedule_items, random_start_point)
		VALUES (?, ?, ?, ?, ?)`,
		sch.Name, sch.KeepMultiPartEpisodesTogether, sch.TreatCollectionsAsShows,
		sch.ShuffleScheduleItems, sch.RandomStartPoint)
	if err != nil {
		return 0, fmt.Errorf("store: create schedule %q: %w", sch.Name, err)
	}
	id, _ := res.LastInsertId()
	for _, sl := range sch.Items {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO program_schedule_items (schedule_id, idx, start_type, fixed_start_time,
				collection_kind, collection_id, playback_order, playout_mode, multiple_count,
				duration_seconds, pre_roll_filler_id, mid_roll_filler_id, post_roll_filler_id,
				tail_filler_id, fallback_filler_id, custom_title, guide_mode)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, sl.Index, orDefault(sl.StartType, StartDynamic), nullStr(sl.FixedStartTime),
			sl.CollectionKind, sl.CollectionID, orDefault(sl.PlaybackOrder, OrderChronological),
			orDefault(sl.PlayoutMode, ModeOne), zeroNull(sl.MultipleCount), zeroNull(sl.DurationSeconds),
			nullID(sl.PreRollFillerID), nullID(sl.MidRollFillerID), nullID(sl.PostRollFillerID),
			nullID(sl.TailFillerID), nullID(sl.FallbackFillerID), nullStr(sl.CustomTitle),
			orDefault(sl.GuideMode, "normal")); err != nil {
			return 0, fmt.Errorf("store: create schedule item: %w", err)
		}
	}
	return id, nil
}

func (s *Store) GetFillerPreset(ctx context.Context, id int64) (FillerPreset, error) {
	var f FillerPreset
	row := s.db.QueryRowContext(ctx, `SELECT id, name, playlist_id FROM filler_presets WHERE id = ?`, id)
	err := row.Scan(&f.ID, &f.Name, &f.PlaylistID)
	if errors.Is(err, sql.ErrNoRows) {
		return FillerPreset{}, ErrNotFound
	}
	if err != nil {
		return FillerPreset{}, fmt.Errorf("store: get filler preset %d: %w", id, err)
	}
	return f, nil
}

func (s *Store) CreateFillerPreset(ctx context.Context, f FillerPreset) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO filler_presets (name, playlist_id) VALUES (?, ?)`,
		f.Name, f.PlaylistID)
	if err != nil {
		return 0, fmt.Errorf("store: create filler preset %q: %w", f.Name, err)
	}
	return res.LastInsertId()
}

func (s *Store) ListLibraries(ctx context.Context) ([]Library, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, source, COALESCE(url,''), COALESCE(token,''), COALESCE(section,'')
		FROM libraries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list libraries: %w", err)
	}
	defer rows.Close()
	var out []Library
	for rows.Next() {
		var l Library
		if err := rows.Scan(&l.ID, &l.Name, &l.Source, &l.URL, &l.Token, &l.Section); err != nil {
			return nil, fmt.Errorf("store: scan library: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) GetFFmpegProfile(ctx context.Context, id int64) (FFmpegProfile, error) {
	var p FFmpegProfile
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, video_codec, audio_codec, video_bitrate, audio_bitrate, COALESCE(resolution,'')
		FROM ffmpeg_profiles WHERE id = ?`, id)
	err := row.Scan(&p.ID, &p.Name, &p.VideoCodec, &p.AudioCodec, &p.VideoBitrate, &p.AudioBitrate, &p.Resolution)
	if errors.Is(err, sql.ErrNoRows) {
		return FFmpegProfile{}, ErrNotFound
	}
	if err != nil {
		return FFmpegProfile{}, fmt.Errorf("store: get ffmpeg profile %d: %w", id, err)
	}
	return p, nil
}

func (s *Store) GetWatermark(ctx context.Context, id int64) (Watermark, error) {
	var w Watermark
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, position, opacity FROM watermarks WHERE id = ?`, id)
	err := row.Scan(&w.ID, &w.Name, &w.Path, &w.Position, &w.Opacity)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{}, ErrNotFound
	}
	if err != nil {
		return Watermark{}, fmt.Errorf("store: get watermark %d: %w", id, err)
	}
	return w, nil
}

// Playout anchors. last_item_end_wallclock is stored as RFC3339 UTC.

func (s *Store) GetPlayout(ctx context.Context, channelID int64) (Playout, error) {
	var p Playout
	var end string
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, schedule_id, last_item_index, last_item_end_wallclock,
			COALESCE(enumerator_state,''), is_active
		FROM playouts WHERE channel_id = ?`, channelID)
	err := row.Scan(&p.ID, &p.ChannelID, &p.ScheduleID, &p.LastItemIndex, &end, &p.EnumeratorState, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return Playout{}, ErrNotFound
	}
	if err != nil {
		return Playout{}, fmt.Errorf("store: get playout for channel %d: %w", channelID, err)
	}
	p.LastItemEndWallclock, err = time.Parse(time.RFC3339, end)
	if err != nil {
		return Playout{}, fmt.Errorf("store: playout wallclock for channel %d: %w", channelID, err)
	}
	return p, nil
}

// SavePlayout upserts the channel's anchor. The caller holds the per-channel
// playout lock; this is the only write path for anchors.
func (s *Store) SavePlayout(ctx context.Context, p Playout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO playouts (channel_id, schedule_id, last_item_index, last_item_end_wallclock,
			enumerator_state, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			schedule_id = excluded.schedule_id,
			last_item_index = excluded.last_item_index,
			last_item_end_wallclock = excluded.last_item_end_wallclock,
			enumerator_state = excluded.enumerator_state,
			is_active = excluded.is_active`,
		p.ChannelID, p.ScheduleID, p.LastItemIndex,
		p.LastItemEndWallclock.UTC().Format(time.RFC3339),
		nullStr(p.EnumeratorState), p.IsActive)
	if err != nil {
		return fmt.Errorf("store: save playout for channel %d: %w", p.ChannelID, err)
	}
	return nil
}
