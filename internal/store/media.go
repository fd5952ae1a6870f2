package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const mediaCols = `id, source, source_id, url, title, duration_seconds,
	COALESCE(show_title,''), COALESCE(season,0), COALESCE(episode,0), COALESCE(year,0),
	COALESCE(genres,''), COALESCE(provider_meta,'')`

// mediaCols with an explicit m. alias for joined queries.
const mediaColsM = `m.id, m.source, m.source_id, m.url, m.title, m.duration_seconds,
	COALESCE(m.show_title,''), COALESCE(m.season,0), COALESCE(m.episode,0), COALESCE(m.year,0),
	COALESCE(m.genres,''), COALESCE(m.provider_meta,'')`

func scanMedia(row interface{ Scan(...any) error }) (MediaItem, error) {
	var m MediaItem
	err := row.Scan(&m.ID, &m.Source, &m.SourceID, &m.URL, &m.Title, &m.DurationSeconds,
		&m.ShowTitle, &m.Season, &m.Episode, &m.Year, &m.Genres, &m.ProviderMeta)
	return m, err
}

func (s *Store) GetMediaItem(ctx context.Context, id int64) (MediaItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mediaCols+` FROM media_items WHERE id = ?`, id)
	m, err := scanMedia(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MediaItem{}, ErrNotFound
	}
	if err != nil {
		return MediaItem{}, fmt.Errorf("store: get media item %d: %w", id, err)
	}
	return m, nil
}

// UpsertMediaItem inserts or, when (source, source_id) already exists,
// updates the row in place. Returns the row id either way.
func (s *Store) UpsertMediaItem(ctx context.Context, m MediaItem) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_items (source, source_id, url, title, duration_seconds,
			show_title, season, episode, year, genres, provider_meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, source_id) DO UPDATE SET
			url = excluded.url, title = excluded.title,
			duration_seconds = excluded.duration_seconds,
			show_title = excluded.show_title, season = excluded.season,
			episode = excluded.episode, year = excluded.year,
			genres = excluded.genres, provider_meta = excluded.provider_meta`,
		m.Source, m.SourceID, m.URL, m.Title, m.DurationSeconds,
		nullStr(m.ShowTitle), zeroNull(m.Season), zeroNull(m.Episode), zeroNull(m.Year),
		nullStr(m.Genres), nullStr(m.ProviderMeta))
	if err != nil {
		return 0, fmt.Errorf("store: upsert media item (%s,%s): %w", m.Source, m.SourceID, err)
	}
	// last_insert_rowid is not updated on the conflict path, so read back.
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM media_items WHERE source = ? AND source_id = ?`,
		m.Source, m.SourceID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert media item id (%s,%s): %w", m.Source, m.SourceID, err)
	}
	return id, nil
}

// UpdateMediaMetadata applies enriched fields from the metadata pipeline.
func (s *Store) UpdateMediaMetadata(ctx context.Context, id int64, title, showTitle string, season, episode, year int, providerMeta string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_items SET title = ?, show_title = ?, season = ?, episode = ?, year = ?, provider_meta = ?
		WHERE id = ?`,
		title, nullStr(showTitle), zeroNull(season), zeroNull(episode), zeroNull(year), nullStr(providerMeta), id)
	if err != nil {
		return fmt.Errorf("store: update media metadata %d: %w", id, err)
	}
	return nil
}

// PlaylistMedia returns the enabled items of a playlist in position order,
// joined with their media rows.
func (s *Store) PlaylistMedia(ctx context.Context, playlistID int64) ([]MediaItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mediaColsM+`
		FROM playlist_items pi
		JOIN media_items m ON m.id = pi.media_item_id
		WHERE pi.playlist_id = ? AND pi.enabled = 1
		ORDER BY pi.position`, playlistID)
	if err != nil {
		return nil, fmt.Errorf("store: playlist media %d: %w", playlistID, err)
	}
	defer rows.Close()
	var out []MediaItem
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan playlist media: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SearchMedia backs SMART collections: a case-insensitive match against
// title, show title, and genres. Re-run per playout cycle so smart
// collections track the library.
func (s *Store) SearchMedia(ctx context.Context, query string) ([]MediaItem, error) {
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mediaCols+` FROM media_items
		WHERE title LIKE ? OR COALESCE(show_title,'') LIKE ? OR COALESCE(genres,'') LIKE ?
		ORDER BY show_title, season, episode, title`, like, like, like)
	if err != nil {
		return nil, fmt.Errorf("store: search media %q: %w", query, err)
	}
	defer rows.Close()
	var out []MediaItem
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan search media: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MediaNeedingMetadata returns items still carrying extractor placeholders
// or missing episode numbering, oldest first.
func (s *Store) MediaNeedingMetadata(ctx context.Context, limit int) ([]MediaItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mediaCols+` FROM media_items
		WHERE title GLOB 'Item [0-9]*'
		   OR (COALESCE(show_title,'') != '' AND COALESCE(episode,0) = 0)
		   OR COALESCE(year,0) = 0
		ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: media needing metadata: %w", err)
	}
	defer rows.Close()
	var out []MediaItem
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan media needing metadata: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetPlaylist(ctx context.Context, id int64) (Playlist, error) {
	var p Playlist
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, collection_type, COALESCE(search_query,'') FROM playlists WHERE id = ?`, id)
	if err := row.Scan(&p.ID, &p.Name, &p.CollectionType, &p.SearchQuery); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Playlist{}, ErrNotFound
		}
		return Playlist{}, fmt.Errorf("store: get playlist %d: %w", id, err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, playlist_id, media_item_id, position, COALESCE(in_point,0), COALESCE(out_point,0), enabled
		FROM playlist_items WHERE playlist_id = ? ORDER BY position`, id)
	if err != nil {
		return Playlist{}, fmt.Errorf("store: playlist items %d: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var it PlaylistItem
		if err := rows.Scan(&it.ID, &it.PlaylistID, &it.MediaItemID, &it.Position, &it.InPoint, &it.OutPoint, &it.Enabled); err != nil {
			return Playlist{}, fmt.Errorf("store: scan playlist item: %w", err)
		}
		p.Items = append(p.Items, it)
	}
	return p, rows.Err()
}

func (s *Store) CreatePlaylist(ctx context.Context, p Playlist) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO playlists (name, collection_type, search_query) VALUES (?, ?, ?)`,
		p.Name, orDefault(p.CollectionType, CollectionManual), nullStr(p.SearchQuery))
	if err != nil {
		return 0, fmt.Errorf("store: create playlist %q: %w", p.Name, err)
	}
	id, _ := res.LastInsertId()
	for _, it := range p.Items {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO playlist_items (playlist_id, media_item_id, position, in_point, out_point, enabled)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, it.MediaItemID, it.Position, zeroNullF(it.InPoint), zeroNullF(it.OutPoint), it.Enabled); err != nil {
			return 0, fmt.Errorf("store: create playlist item: %w", err)
		}
	}
	return id, nil
}

func zeroNull(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func zeroNullF(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}
