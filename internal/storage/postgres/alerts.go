package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

const alertColumns = `id, owner_id, channel_id, name, pattern, is_regex, case_sensitive, active, webhook_url,
	match_count, last_match_at, created_at, updated_at`

func scanAlert(row rowScanner) (scraper.Alert, error) {
	var a scraper.Alert
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.ChannelID, &a.Name, &a.Pattern, &a.Regex, &a.CaseSensitive, &a.Active, &a.Webhook,
		&a.MatchCount, &a.LastMatchAt, &a.Created, &a.Updated,
	)
	return a, err
}

func (s *Store) queryAlerts(ctx context.Context, op, query string, args ...any) ([]scraper.Alert, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	var out []scraper.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, a)
	}
	return out, mapErr(op, rows.Err())
}

// CreateAlert inserts an alert. An empty channel id means every channel.
func (s *Store) CreateAlert(ctx context.Context, a scraper.Alert) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO alerts (id, owner_id, channel_id, name, pattern, is_regex, case_sensitive, active, webhook_url,
	match_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11)`,
		a.ID, a.OwnerID, a.ChannelID, a.Name, a.Pattern, a.Regex, a.CaseSensitive, a.Active, a.Webhook,
		a.Created, a.Updated,
	)
	return mapErr("create alert", err)
}

// GetAlert fetches an alert by ID.
func (s *Store) GetAlert(ctx context.Context, alertID string) (scraper.Alert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, alertID))
	if err != nil {
		return scraper.Alert{}, mapErr("get alert", err)
	}
	return a, nil
}

// UpdateAlert replaces the editable fields. Counters are left untouched.
func (s *Store) UpdateAlert(ctx context.Context, a scraper.Alert) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE alerts SET channel_id = $2, name = $3, pattern = $4, is_regex = $5, case_sensitive = $6, active = $7,
	webhook_url = $8, updated_at = $9
WHERE id = $1`,
		a.ID, a.ChannelID, a.Name, a.Pattern, a.Regex, a.CaseSensitive, a.Active, a.Webhook, a.Updated,
	)
	if err != nil {
		return mapErr("update alert", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("update alert", "alert", a.ID)
	}
	return nil
}

// DeleteAlert removes an alert; its matches cascade.
func (s *Store) DeleteAlert(ctx context.Context, alertID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM alerts WHERE id = $1`, alertID)
	if err != nil {
		return mapErr("delete alert", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("delete alert", "alert", alertID)
	}
	return nil
}

// ListAlerts returns alerts matching filter, oldest first.
func (s *Store) ListAlerts(ctx context.Context, filter scraper.AlertFilter) ([]scraper.Alert, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.ChannelID != "" {
		args = append(args, filter.ChannelID)
		where = append(where, fmt.Sprintf("channel_id = $%d", len(args)))
	}
	if filter.ActiveOnly {
		where = append(where, "active")
	}
	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return s.queryAlerts(ctx, "list alerts", query+" ORDER BY created_at, id", args...)
}

// ActiveAlertsFor returns active alerts of owner scoped to channelID or unscoped.
func (s *Store) ActiveAlertsFor(ctx context.Context, ownerID, channelID string) ([]scraper.Alert, error) {
	return s.queryAlerts(ctx, "active alerts", `SELECT `+alertColumns+` FROM alerts
WHERE owner_id = $1 AND active AND (channel_id = '' OR channel_id = $2) ORDER BY created_at, id`, ownerID, channelID)
}

// RecordMatch inserts the match and bumps the alert counter in one transaction.
// A repeated (alert, message) pair changes nothing and reports false.
func (s *Store) RecordMatch(ctx context.Context, m scraper.Match) (bool, error) {
	inserted := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
INSERT INTO keyword_matches (id, alert_id, message_id, channel_id, snippet, is_read, created_at)
VALUES ($1, $2, $3, $4, $5, false, $6)
ON CONFLICT (alert_id, message_id) DO NOTHING`,
			m.ID, m.AlertID, m.MessageID, m.ChannelID, m.Snippet, m.Created,
		)
		if err != nil {
			return mapErr("record match", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		tag, err = tx.Exec(ctx, `UPDATE alerts SET match_count = match_count + 1, last_match_at = $2 WHERE id = $1`,
			m.AlertID, m.Created)
		if err != nil {
			return mapErr("record match", err)
		}
		if tag.RowsAffected() == 0 {
			return notFound("record match", "alert", m.AlertID)
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// ListMatches returns an alert's matches newest first.
func (s *Store) ListMatches(ctx context.Context, alertID string, unreadOnly bool) ([]scraper.Match, error) {
	query := `SELECT id, alert_id, message_id, channel_id, snippet, is_read, created_at FROM keyword_matches WHERE alert_id = $1`
	if unreadOnly {
		query += ` AND NOT is_read`
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY created_at DESC, id`, alertID)
	if err != nil {
		return nil, mapErr("list matches", err)
	}
	defer rows.Close()
	var out []scraper.Match
	for rows.Next() {
		var m scraper.Match
		if err := rows.Scan(&m.ID, &m.AlertID, &m.MessageID, &m.ChannelID, &m.Snippet, &m.Read, &m.Created); err != nil {
			return nil, mapErr("scan match", err)
		}
		out = append(out, m)
	}
	return out, mapErr("list matches", rows.Err())
}

// MarkMatchRead flags one match as read.
func (s *Store) MarkMatchRead(ctx context.Context, alertID, matchID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE keyword_matches SET is_read = true WHERE alert_id = $1 AND id = $2`, alertID, matchID)
	if err != nil {
		return mapErr("mark match read", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("mark match read", "match", matchID)
	}
	return nil
}
