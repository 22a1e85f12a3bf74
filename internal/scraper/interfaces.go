package scraper

import (
	"context"
	"io"
	"time"
)

// JobStore persists job rows and enforces the job lifecycle.
type JobStore interface {
	// CreateJob inserts a pending job. It returns ErrConflict when the channel
	// already has a pending or running job.
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, int, error)
	// UpdateJobStatus moves a job to status. Disallowed moves return ErrInvalidTransition.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, at time.Time) error
	// SaveProgress persists counters and checkpoint of a running job. Progress never decreases.
	SaveProgress(ctx context.Context, jobID string, progress JobProgress) error
	// FailPending fails the job only while it is still pending and reports
	// whether it did. A job another delivery already started is left alone.
	FailPending(ctx context.Context, jobID, errText string, at time.Time) (bool, error)
	// RequestCancel flags a running job, or cancels a pending one outright.
	RequestCancel(ctx context.Context, jobID string, at time.Time) (Job, error)
	HasActiveJob(ctx context.Context, channelID string) (bool, error)
}

// ChannelStore persists tracked channels and their schedules.
type ChannelStore interface {
	CreateChannel(ctx context.Context, channel Channel) error
	GetChannel(ctx context.Context, channelID string) (Channel, error)
	// AdvanceChannel raises the checkpoint to at least lastRemoteID and adds to the counters.
	AdvanceChannel(ctx context.Context, channelID string, lastRemoteID int64, addMessages, addMedia int) error
	UpdateSchedule(ctx context.Context, channelID string, schedule Schedule) error
	ListDueChannels(ctx context.Context, now time.Time) ([]Channel, error)
	MarkScheduledRun(ctx context.Context, channelID string, ranAt, nextRun time.Time) error
}

// MessageStore persists channel items idempotently by (channel, remote id).
type MessageStore interface {
	// UpsertMessage returns the stored id and whether a new row was created.
	UpsertMessage(ctx context.Context, msg Message) (string, bool, error)
}

// MediaStore persists media items.
type MediaStore interface {
	// EnsureMedia creates a pending item or returns the existing one for the same attachment.
	EnsureMedia(ctx context.Context, item MediaItem) (MediaItem, bool, error)
	GetMedia(ctx context.Context, mediaID string) (MediaItem, error)
	ListPendingMedia(ctx context.Context, channelID string, limit int) ([]MediaItem, error)
	UpdateMedia(ctx context.Context, item MediaItem) error
	// ResetDownloading reverts items stuck in downloading back to pending.
	ResetDownloading(ctx context.Context) (int, error)
	// ResetFailed returns a failed item to pending with its attempts cleared.
	ResetFailed(ctx context.Context, mediaID string) (MediaItem, error)
}

// AlertStore persists keyword alerts and their matches.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert Alert) error
	GetAlert(ctx context.Context, alertID string) (Alert, error)
	UpdateAlert(ctx context.Context, alert Alert) error
	DeleteAlert(ctx context.Context, alertID string) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)
	// ActiveAlertsFor returns active alerts of owner scoped to channelID or to every channel.
	ActiveAlertsFor(ctx context.Context, ownerID, channelID string) ([]Alert, error)
	// RecordMatch inserts the match and bumps the alert counter atomically.
	// It reports false when the (alert, message) pair was already recorded.
	RecordMatch(ctx context.Context, match Match) (bool, error)
	ListMatches(ctx context.Context, alertID string, unreadOnly bool) ([]Match, error)
	MarkMatchRead(ctx context.Context, alertID, matchID string) error
}

// SessionStore persists account sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListSessions(ctx context.Context, ownerID string) ([]Session, error)
	UpdateSession(ctx context.Context, session Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	// MarkUnauthenticated drops the credential and records why.
	MarkUnauthenticated(ctx context.Context, sessionID string, reason string) error
}

// BlobStore writes media payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher pushes job and match events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides at-least-once enqueue/dequeue semantics for jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// RetryPolicy decides retry eligibility and backoff.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Limiter paces outbound platform calls per session.
type Limiter interface {
	Wait(ctx context.Context, sessionID string) error
}

// DigestWriter hashes and counts everything written to it.
type DigestWriter interface {
	io.Writer
	Sum() string
	N() int64
}

// Hasher creates digest writers for media integrity.
type Hasher interface {
	NewWriter() DigestWriter
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
