package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

const jobColumns = `id, owner_id, channel_id, session_id, kind, origin, status, progress,
	items_processed, media_queued, media_downloaded, media_failed, checkpoint, item_limit,
	scrape_media, cancel_requested, error, created_at, started_at, finished_at`

func scanJob(row rowScanner) (scraper.Job, error) {
	var (
		job                  scraper.Job
		kind, origin, status string
	)
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.ChannelID, &job.SessionID, &kind, &origin, &status, &job.Progress,
		&job.Counters.ItemsProcessed, &job.Counters.MediaQueued, &job.Counters.MediaDownloaded,
		&job.Counters.MediaFailed, &job.Checkpoint, &job.Limit,
		&job.ScrapeMedia, &job.CancelRequested, &job.Error, &job.Created, &job.Started, &job.Finished,
	)
	job.Kind = scraper.JobKind(kind)
	job.Origin = scraper.JobOrigin(origin)
	job.Status = scraper.JobStatus(status)
	return job, err
}

// CreateJob inserts a pending job. The partial unique index on active jobs
// turns a busy channel into ErrConflict.
func (s *Store) CreateJob(ctx context.Context, job scraper.Job) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO jobs (id, owner_id, channel_id, session_id, kind, origin, status, progress, checkpoint,
	item_limit, scrape_media, created_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8, $9, $10)`,
		job.ID, job.OwnerID, job.ChannelID, job.SessionID, string(job.Kind), string(job.Origin),
		job.Checkpoint, job.Limit, job.ScrapeMedia, job.Created,
	)
	return mapErr("create job", err)
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (scraper.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		return scraper.Job{}, mapErr("get job", err)
	}
	return job, nil
}

// ListJobs returns matching jobs newest first together with the unpaged total.
func (s *Store) ListJobs(ctx context.Context, filter scraper.JobFilter) ([]scraper.Job, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.ChannelID != "" {
		add("channel_id = $%d", filter.ChannelID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM jobs`+cond, args...).Scan(&total); err != nil {
		return nil, 0, mapErr("count jobs", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + cond + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, mapErr("list jobs", err)
	}
	defer rows.Close()
	var out []scraper.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, mapErr("scan job", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapErr("list jobs", err)
	}
	return out, total, nil
}

// UpdateJobStatus applies an allowed status transition under a row lock.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status scraper.JobStatus, errText string, at time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		if err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&current); err != nil {
			return mapErr("update job status", err)
		}
		from := scraper.JobStatus(current)
		if !from.CanTransition(status) {
			return scraper.Errorf(scraper.ErrInvalidTransition, "update job status", "job %s: %s -> %s", jobID, from, status)
		}
		var started, finished *time.Time
		if status == scraper.JobStatusRunning {
			started = timePtr(at)
		}
		if status.Terminal() {
			finished = timePtr(at)
		}
		floor := 0.0
		if status == scraper.JobStatusCompleted {
			floor = 100
		}
		_, err := tx.Exec(ctx, `
UPDATE jobs SET status = $2,
	error = CASE WHEN $3 = '' THEN error ELSE $3 END,
	started_at = COALESCE(started_at, $4),
	finished_at = COALESCE($5, finished_at),
	progress = GREATEST(progress, $6)
WHERE id = $1`, jobID, string(status), errText, started, finished, floor)
		return mapErr("update job status", err)
	})
}

// SaveProgress persists counters and checkpoint of a running job; progress only rises.
func (s *Store) SaveProgress(ctx context.Context, jobID string, p scraper.JobProgress) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET progress = GREATEST(progress, $2), items_processed = $3, media_queued = $4,
	media_downloaded = $5, media_failed = $6, checkpoint = $7
WHERE id = $1 AND status = 'running'`,
		jobID, p.Progress, p.Counters.ItemsProcessed, p.Counters.MediaQueued,
		p.Counters.MediaDownloaded, p.Counters.MediaFailed, p.Checkpoint,
	)
	if err != nil {
		return mapErr("save progress", err)
	}
	if tag.RowsAffected() == 0 {
		return scraper.Errorf(scraper.ErrInvalidTransition, "save progress", "job %s is not running", jobID)
	}
	return nil
}

// FailPending fails jobID only while its row is still pending.
func (s *Store) FailPending(ctx context.Context, jobID, errText string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error = $2, finished_at = $3 WHERE id = $1 AND status = 'pending'`,
		jobID, errText, at.UTC(),
	)
	if err != nil {
		return false, mapErr("fail pending job", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequestCancel flags a running job or cancels a pending job outright.
func (s *Store) RequestCancel(ctx context.Context, jobID string, at time.Time) (scraper.Job, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		if err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&current); err != nil {
			return mapErr("cancel job", err)
		}
		switch scraper.JobStatus(current) {
		case scraper.JobStatusPending:
			_, err := tx.Exec(ctx, `UPDATE jobs SET status = 'cancelled', cancel_requested = true, finished_at = $2 WHERE id = $1`, jobID, at.UTC())
			return mapErr("cancel job", err)
		case scraper.JobStatusRunning:
			_, err := tx.Exec(ctx, `UPDATE jobs SET cancel_requested = true WHERE id = $1`, jobID)
			return mapErr("cancel job", err)
		default:
			return scraper.Errorf(scraper.ErrInvalidTransition, "cancel job", "job %s is already %s", jobID, current)
		}
	})
	if err != nil {
		return scraper.Job{}, err
	}
	return s.GetJob(ctx, jobID)
}

// HasActiveJob reports whether channelID has a pending or running job.
func (s *Store) HasActiveJob(ctx context.Context, channelID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE channel_id = $1 AND status IN ('pending', 'running'))`,
		channelID,
	).Scan(&exists)
	if err != nil {
		return false, mapErr("has active job", err)
	}
	return exists, nil
}
