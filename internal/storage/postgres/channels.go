package postgres

import (
	"context"
	"time"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

const channelColumns = `id, owner_id, session_id, remote_id, access_hash, username, title, last_remote_id,
	message_count, media_count, schedule_enabled, schedule_interval_seconds, last_run_at, next_run_at,
	active, created_at`

func scanChannel(row rowScanner) (scraper.Channel, error) {
	var (
		ch       scraper.Channel
		interval int64
	)
	err := row.Scan(
		&ch.ID, &ch.OwnerID, &ch.SessionID, &ch.RemoteID, &ch.AccessHash, &ch.Username, &ch.Title,
		&ch.LastRemoteID, &ch.MessageCount, &ch.MediaCount, &ch.Schedule.Enabled, &interval,
		&ch.Schedule.LastRunAt, &ch.Schedule.NextRunAt, &ch.Active, &ch.Created,
	)
	ch.Schedule.Interval = time.Duration(interval) * time.Second
	return ch, err
}

// CreateChannel inserts a tracked channel.
func (s *Store) CreateChannel(ctx context.Context, ch scraper.Channel) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO channels (id, owner_id, session_id, remote_id, access_hash, username, title, last_remote_id,
	schedule_enabled, schedule_interval_seconds, next_run_at, active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ch.ID, ch.OwnerID, ch.SessionID, ch.RemoteID, ch.AccessHash, ch.Username, ch.Title, ch.LastRemoteID,
		ch.Schedule.Enabled, int64(ch.Schedule.Interval/time.Second), ch.Schedule.NextRunAt, ch.Active, ch.Created,
	)
	return mapErr("create channel", err)
}

// GetChannel fetches a channel by ID.
func (s *Store) GetChannel(ctx context.Context, channelID string) (scraper.Channel, error) {
	ch, err := scanChannel(s.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, channelID))
	if err != nil {
		return scraper.Channel{}, mapErr("get channel", err)
	}
	return ch, nil
}

// AdvanceChannel raises the checkpoint and bumps the counters.
func (s *Store) AdvanceChannel(ctx context.Context, channelID string, lastRemoteID int64, addMessages, addMedia int) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE channels SET last_remote_id = GREATEST(last_remote_id, $2),
	message_count = message_count + $3, media_count = media_count + $4
WHERE id = $1`, channelID, lastRemoteID, addMessages, addMedia)
	if err != nil {
		return mapErr("advance channel", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("advance channel", "channel", channelID)
	}
	return nil
}

// UpdateSchedule replaces the schedule configuration.
func (s *Store) UpdateSchedule(ctx context.Context, channelID string, sched scraper.Schedule) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE channels SET schedule_enabled = $2, schedule_interval_seconds = $3, last_run_at = $4, next_run_at = $5
WHERE id = $1`, channelID, sched.Enabled, int64(sched.Interval/time.Second), sched.LastRunAt, sched.NextRunAt)
	if err != nil {
		return mapErr("update schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("update schedule", "channel", channelID)
	}
	return nil
}

// ListDueChannels returns active channels whose schedule is due at now.
func (s *Store) ListDueChannels(ctx context.Context, now time.Time) ([]scraper.Channel, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels
WHERE active AND schedule_enabled AND next_run_at <= $1 ORDER BY next_run_at`, now.UTC())
	if err != nil {
		return nil, mapErr("list due channels", err)
	}
	defer rows.Close()
	var out []scraper.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, mapErr("scan channel", err)
		}
		out = append(out, ch)
	}
	return out, mapErr("list due channels", rows.Err())
}

// MarkScheduledRun records a scheduler-created run.
func (s *Store) MarkScheduledRun(ctx context.Context, channelID string, ranAt, nextRun time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE channels SET last_run_at = $2, next_run_at = $3 WHERE id = $1`,
		channelID, ranAt.UTC(), nextRun.UTC())
	if err != nil {
		return mapErr("mark scheduled run", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("mark scheduled run", "channel", channelID)
	}
	return nil
}
