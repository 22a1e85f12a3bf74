// Package jobs owns job control: creation behind the one-active-job-per-channel rule,
// queries, cooperative cancellation and startup recovery of orphaned work.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/metrics"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// OrphanedDescriptor is recorded on running jobs found at startup.
const OrphanedDescriptor = "orphaned: worker restarted"

// Config tunes the service.
type Config struct {
	// EventTopic receives job status events. Empty disables publication.
	EventTopic string
	// MediaBatchLimit is used when a media trigger omits a limit.
	MediaBatchLimit int
}

// CreateRequest describes a job to create.
type CreateRequest struct {
	OwnerID   string
	ChannelID string
	// SessionID defaults to the session the channel was tracked with.
	SessionID string
	Kind      scraper.JobKind
	Origin    scraper.JobOrigin
	// ScrapeMedia defaults to true.
	ScrapeMedia *bool
	Limit       int
}

// Service implements job control.
type Service struct {
	jobs      scraper.JobStore
	channels  scraper.ChannelStore
	sessions  scraper.SessionStore
	media     scraper.MediaStore
	queue     scraper.Queue
	publisher scraper.Publisher
	ids       scraper.IDGenerator
	clock     scraper.Clock
	cfg       Config
	logger    *zap.Logger
}

// Deps groups the collaborators of Service.
type Deps struct {
	Jobs      scraper.JobStore
	Channels  scraper.ChannelStore
	Sessions  scraper.SessionStore
	Media     scraper.MediaStore
	Queue     scraper.Queue
	Publisher scraper.Publisher
	IDs       scraper.IDGenerator
	Clock     scraper.Clock
}

// NewService wires a Service. Publisher may be nil.
func NewService(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MediaBatchLimit <= 0 {
		cfg.MediaBatchLimit = 10
	}
	return &Service{
		jobs:      deps.Jobs,
		channels:  deps.Channels,
		sessions:  deps.Sessions,
		media:     deps.Media,
		queue:     deps.Queue,
		publisher: deps.Publisher,
		ids:       deps.IDs,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    logger.Named("jobs"),
	}
}

// Create validates req, persists a pending job and enqueues it. A channel that already
// has a pending or running job yields scraper.ErrConflict.
func (s *Service) Create(ctx context.Context, req CreateRequest) (scraper.Job, error) {
	if !req.Kind.Valid() {
		return scraper.Job{}, scraper.Errorf(scraper.ErrValidation, "create job", "unknown job kind %q", req.Kind)
	}
	if req.Limit < 0 {
		return scraper.Job{}, scraper.Errorf(scraper.ErrValidation, "create job", "limit must be >= 0")
	}
	if req.Origin == "" {
		req.Origin = scraper.JobOriginUser
	}
	channel, err := s.ownedChannel(ctx, req.OwnerID, req.ChannelID)
	if err != nil {
		return scraper.Job{}, err
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = channel.SessionID
	}
	if err := s.requireAuthenticated(ctx, channel.OwnerID, sessionID); err != nil {
		return scraper.Job{}, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return scraper.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	scrapeMedia := true
	if req.ScrapeMedia != nil {
		scrapeMedia = *req.ScrapeMedia
	}
	job := scraper.Job{
		ID:          id,
		OwnerID:     channel.OwnerID,
		ChannelID:   channel.ID,
		SessionID:   sessionID,
		Kind:        req.Kind,
		Origin:      req.Origin,
		Status:      scraper.JobStatusPending,
		Limit:       req.Limit,
		ScrapeMedia: scrapeMedia && req.Kind != scraper.JobKindMedia,
		Created:     s.clock.Now(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return scraper.Job{}, fmt.Errorf("create job: %w", err)
	}

	item := scraper.QueueItem{JobID: job.ID, Kind: job.Kind, Submitted: job.Created.Unix()}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		// A job that never reaches the queue must not block the channel.
		failErr := s.jobs.UpdateJobStatus(ctx, job.ID, scraper.JobStatusFailed,
			scraper.Describe(scraper.E(scraper.ErrResourceExhausted, "enqueue job", err)), s.clock.Now())
		if failErr != nil {
			s.logger.Error("fail unqueued job", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		return scraper.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	metrics.ObserveJob(string(job.Kind), string(job.Status))
	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("channel_id", job.ChannelID),
		zap.String("kind", string(job.Kind)),
		zap.String("origin", string(job.Origin)),
	)
	s.publish(ctx, job)
	return job, nil
}

// StartMediaDownload enqueues a media task over up to limit pending items of a channel.
func (s *Service) StartMediaDownload(ctx context.Context, ownerID, channelID, sessionID string, limit int) (scraper.Job, error) {
	if limit <= 0 {
		limit = s.cfg.MediaBatchLimit
	}
	return s.Create(ctx, CreateRequest{
		OwnerID:   ownerID,
		ChannelID: channelID,
		SessionID: sessionID,
		Kind:      scraper.JobKindMedia,
		Origin:    scraper.JobOriginUser,
		Limit:     limit,
	})
}

// retryScanLimit bounds the pending-queue scan that sizes a retry task.
const retryScanLimit = 10000

// RetryMedia re-queues a single media item that is not completed or downloading.
// A failed item returns to pending with its attempts cleared; the media task it
// enqueues is sized to reach the item in the channel's oldest-first queue.
func (s *Service) RetryMedia(ctx context.Context, ownerID, mediaID, sessionID string) (scraper.Job, error) {
	if s.media == nil {
		return scraper.Job{}, scraper.Errorf(scraper.ErrValidation, "retry media", "media storage is not configured")
	}
	item, err := s.media.GetMedia(ctx, mediaID)
	if err != nil {
		return scraper.Job{}, fmt.Errorf("load media: %w", err)
	}
	channel, err := s.channels.GetChannel(ctx, item.ChannelID)
	if err != nil {
		return scraper.Job{}, fmt.Errorf("load channel: %w", err)
	}
	if ownerID != "" && channel.OwnerID != ownerID {
		return scraper.Job{}, scraper.Errorf(scraper.ErrNotFound, "retry media", "media %s not found", mediaID)
	}
	switch item.Status {
	case scraper.MediaStatusCompleted, scraper.MediaStatusDownloading:
		return scraper.Job{}, scraper.Errorf(scraper.ErrInvalidTransition, "retry media", "media %s is %s", mediaID, item.Status)
	}
	if sessionID == "" {
		sessionID = channel.SessionID
	}
	if err := s.requireAuthenticated(ctx, channel.OwnerID, sessionID); err != nil {
		return scraper.Job{}, err
	}
	busy, err := s.jobs.HasActiveJob(ctx, channel.ID)
	if err != nil {
		return scraper.Job{}, fmt.Errorf("check active job: %w", err)
	}
	if busy {
		return scraper.Job{}, scraper.Errorf(scraper.ErrConflict, "retry media", "channel %s already has an active job", channel.ID)
	}
	if item.Status == scraper.MediaStatusFailed {
		if item, err = s.media.ResetFailed(ctx, mediaID); err != nil {
			return scraper.Job{}, fmt.Errorf("reset media: %w", err)
		}
	}

	limit := s.cfg.MediaBatchLimit
	pending, err := s.media.ListPendingMedia(ctx, channel.ID, retryScanLimit)
	if err != nil {
		return scraper.Job{}, fmt.Errorf("list pending media: %w", err)
	}
	for i, p := range pending {
		if p.ID == item.ID {
			limit = max(limit, i+1)
			break
		}
	}
	s.logger.Info("media retry requested", zap.String("media_id", mediaID), zap.String("channel_id", channel.ID))
	return s.StartMediaDownload(ctx, channel.OwnerID, channel.ID, sessionID, limit)
}

// Get returns a job visible to ownerID. An empty ownerID skips the ownership check.
func (s *Service) Get(ctx context.Context, ownerID, jobID string) (scraper.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return scraper.Job{}, fmt.Errorf("get job: %w", err)
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return scraper.Job{}, scraper.Errorf(scraper.ErrNotFound, "get job", "job %s not found", jobID)
	}
	return job, nil
}

// List returns jobs matching filter, newest first, plus the total count.
func (s *Service) List(ctx context.Context, filter scraper.JobFilter) ([]scraper.Job, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, scraper.Errorf(scraper.ErrValidation, "list jobs", "unknown status %q", filter.Status)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, 0, scraper.Errorf(scraper.ErrValidation, "list jobs", "limit and offset must be >= 0")
	}
	jobs, total, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// Cancel requests cooperative cancellation. Pending jobs are cancelled outright; running
// jobs stop at their next checkpoint boundary. Terminal jobs yield ErrInvalidTransition.
func (s *Service) Cancel(ctx context.Context, ownerID, jobID string) (scraper.Job, error) {
	if _, err := s.Get(ctx, ownerID, jobID); err != nil {
		return scraper.Job{}, err
	}
	job, err := s.jobs.RequestCancel(ctx, jobID, s.clock.Now())
	if err != nil {
		return scraper.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	s.logger.Info("job cancel requested", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
	if job.Status == scraper.JobStatusCancelled {
		metrics.ObserveJob(string(job.Kind), string(job.Status))
		s.publish(ctx, job)
	}
	return job, nil
}

// RecoveryReport summarizes a Recover pass.
type RecoveryReport struct {
	Orphaned   int
	Requeued   int
	MediaReset int
}

// Recover runs once before workers start. Running jobs left by a dead worker are failed
// with their checkpoint retained, pending jobs are enqueued again and interrupted media
// downloads revert to pending.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	running, _, err := s.jobs.ListJobs(ctx, scraper.JobFilter{Status: scraper.JobStatusRunning})
	if err != nil {
		return report, fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range running {
		err := s.jobs.UpdateJobStatus(ctx, job.ID, scraper.JobStatusFailed, OrphanedDescriptor, s.clock.Now())
		if err != nil && !errors.Is(err, scraper.ErrInvalidTransition) {
			return report, fmt.Errorf("fail orphaned job %s: %w", job.ID, err)
		}
		report.Orphaned++
		metrics.ObserveJob(string(job.Kind), string(scraper.JobStatusFailed))
		s.logger.Warn("orphaned job failed", zap.String("job_id", job.ID), zap.Int64("checkpoint", job.Checkpoint))
	}

	pending, _, err := s.jobs.ListJobs(ctx, scraper.JobFilter{Status: scraper.JobStatusPending})
	if err != nil {
		return report, fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		item := scraper.QueueItem{JobID: job.ID, Kind: job.Kind, Attempt: 1, Submitted: s.clock.Now().Unix()}
		if err := s.queue.Enqueue(ctx, item); err != nil {
			return report, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		report.Requeued++
	}

	if s.media != nil {
		n, err := s.media.ResetDownloading(ctx)
		if err != nil {
			return report, fmt.Errorf("reset media downloads: %w", err)
		}
		report.MediaReset = n
	}
	s.logger.Info("job recovery complete",
		zap.Int("orphaned", report.Orphaned),
		zap.Int("requeued", report.Requeued),
		zap.Int("media_reset", report.MediaReset),
	)
	return report, nil
}

func (s *Service) ownedChannel(ctx context.Context, ownerID, channelID string) (scraper.Channel, error) {
	if channelID == "" {
		return scraper.Channel{}, scraper.Errorf(scraper.ErrValidation, "create job", "channel_id is required")
	}
	channel, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		return scraper.Channel{}, fmt.Errorf("load channel: %w", err)
	}
	if ownerID != "" && channel.OwnerID != ownerID {
		return scraper.Channel{}, scraper.Errorf(scraper.ErrNotFound, "create job", "channel %s not found", channelID)
	}
	return channel, nil
}

func (s *Service) requireAuthenticated(ctx context.Context, ownerID, sessionID string) error {
	if sessionID == "" {
		return scraper.Errorf(scraper.ErrValidation, "create job", "session_id is required")
	}
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session.OwnerID != ownerID {
		return scraper.Errorf(scraper.ErrNotFound, "create job", "session %s not found", sessionID)
	}
	if session.State != scraper.SessionAuthenticated {
		return scraper.Errorf(scraper.ErrAuthentication, "create job", "session %s is %s", sessionID, session.State)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, job scraper.Job) {
	if s.publisher == nil || s.cfg.EventTopic == "" {
		return
	}
	event := scraper.JobEvent{Type: scraper.EventJobStatus, Job: job, At: s.clock.Now()}
	if _, err := s.publisher.Publish(ctx, s.cfg.EventTopic, event); err != nil {
		s.logger.Warn("publish job event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
