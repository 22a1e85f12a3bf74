package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// UpsertMessage inserts or refreshes a message keyed by (channel_id, remote_id).
// xmax = 0 distinguishes a fresh insert from a conflict update.
func (s *Store) UpsertMessage(ctx context.Context, msg scraper.Message) (string, bool, error) {
	var (
		id       string
		inserted bool
	)
	err := s.pool.QueryRow(ctx, `
INSERT INTO messages (id, channel_id, remote_id, text, author, reply_to_id, views, forwards, has_media, posted_at, scraped_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (channel_id, remote_id) DO UPDATE
SET text = EXCLUDED.text, views = EXCLUDED.views, forwards = EXCLUDED.forwards, has_media = EXCLUDED.has_media
RETURNING id, (xmax = 0) AS inserted`,
		msg.ID, msg.ChannelID, msg.RemoteID, msg.Text, msg.Author, msg.ReplyToID, msg.Views, msg.Forwards,
		msg.HasMedia, msg.PostedAt, msg.ScrapedAt,
	).Scan(&id, &inserted)
	if err != nil {
		return "", false, mapErr("upsert message", err)
	}
	return id, inserted, nil
}

const mediaColumns = `id, message_id, channel_id, message_remote_id, remote_media_id, type, mime_type, file_name,
	status, size, location, checksum, attempts, error, created_at, downloaded_at`

func scanMedia(row rowScanner) (scraper.MediaItem, error) {
	var (
		item              scraper.MediaItem
		mediaType, status string
	)
	err := row.Scan(
		&item.ID, &item.MessageID, &item.ChannelID, &item.MessageRemoteID, &item.RemoteMediaID, &mediaType,
		&item.MimeType, &item.FileName, &status, &item.Size, &item.Location, &item.Checksum, &item.Attempts,
		&item.Error, &item.Created, &item.DownloadedAt,
	)
	item.Type = scraper.MediaType(mediaType)
	item.Status = scraper.MediaStatus(status)
	return item, err
}

// EnsureMedia creates a pending media item or returns the existing one.
func (s *Store) EnsureMedia(ctx context.Context, item scraper.MediaItem) (scraper.MediaItem, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
INSERT INTO media_items (id, message_id, channel_id, message_remote_id, remote_media_id, type, mime_type,
	file_name, status, size, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10)
ON CONFLICT (message_id, remote_media_id) DO NOTHING
RETURNING id`,
		item.ID, item.MessageID, item.ChannelID, item.MessageRemoteID, item.RemoteMediaID, string(item.Type),
		item.MimeType, item.FileName, item.Size, item.Created,
	).Scan(&id)
	if err == nil {
		item.Status = scraper.MediaStatusPending
		return item, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return scraper.MediaItem{}, false, mapErr("ensure media", err)
	}
	existing, err := scanMedia(s.pool.QueryRow(ctx,
		`SELECT `+mediaColumns+` FROM media_items WHERE message_id = $1 AND remote_media_id = $2`,
		item.MessageID, item.RemoteMediaID))
	if err != nil {
		return scraper.MediaItem{}, false, mapErr("ensure media", err)
	}
	return existing, false, nil
}

// GetMedia fetches a media item by ID.
func (s *Store) GetMedia(ctx context.Context, mediaID string) (scraper.MediaItem, error) {
	item, err := scanMedia(s.pool.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media_items WHERE id = $1`, mediaID))
	if err != nil {
		return scraper.MediaItem{}, mapErr("get media", err)
	}
	return item, nil
}

// ListPendingMedia returns up to limit pending items of a channel, oldest first.
func (s *Store) ListPendingMedia(ctx context.Context, channelID string, limit int) ([]scraper.MediaItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+mediaColumns+` FROM media_items
WHERE channel_id = $1 AND status = 'pending' ORDER BY message_remote_id, id LIMIT $2`, channelID, limit)
	if err != nil {
		return nil, mapErr("list pending media", err)
	}
	defer rows.Close()
	var out []scraper.MediaItem
	for rows.Next() {
		item, err := scanMedia(rows)
		if err != nil {
			return nil, mapErr("scan media", err)
		}
		out = append(out, item)
	}
	return out, mapErr("list pending media", rows.Err())
}

// UpdateMedia persists the download state of a media item.
func (s *Store) UpdateMedia(ctx context.Context, item scraper.MediaItem) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE media_items SET status = $2, size = $3, location = $4, checksum = $5, attempts = $6, error = $7,
	downloaded_at = $8
WHERE id = $1`,
		item.ID, string(item.Status), item.Size, item.Location, item.Checksum, item.Attempts, item.Error,
		item.DownloadedAt,
	)
	if err != nil {
		return mapErr("update media", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("update media", "media", item.ID)
	}
	return nil
}

// ResetDownloading reverts interrupted downloads to pending.
func (s *Store) ResetDownloading(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE media_items SET status = 'pending' WHERE status = 'downloading'`)
	if err != nil {
		return 0, mapErr("reset downloading media", err)
	}
	return int(tag.RowsAffected()), nil
}

// ResetFailed returns a failed item to pending with attempts and error cleared.
func (s *Store) ResetFailed(ctx context.Context, mediaID string) (scraper.MediaItem, error) {
	item, err := scanMedia(s.pool.QueryRow(ctx, `
UPDATE media_items SET status = 'pending', attempts = 0, error = ''
WHERE id = $1 AND status = 'failed'
RETURNING `+mediaColumns, mediaID))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return scraper.MediaItem{}, mapErr("reset failed media", err)
	}
	current, err := s.GetMedia(ctx, mediaID)
	if err != nil {
		return scraper.MediaItem{}, err
	}
	return scraper.MediaItem{}, scraper.Errorf(scraper.ErrInvalidTransition, "reset failed media", "media %s is %s", mediaID, current.Status)
}
