// Package worker executes queued jobs: it binds each job to a session lease, runs the
// scrape or media task and drives the job to a terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/clock/system"
	"github.com/JakeFAU/channel-scraper/internal/lease"
	"github.com/JakeFAU/channel-scraper/internal/metrics"
	"github.com/JakeFAU/channel-scraper/internal/platform"
	"github.com/JakeFAU/channel-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/channel-scraper/internal/progress"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// errCancelled reports a cooperative cancellation observed at a checkpoint boundary.
var errCancelled = errors.New("job cancelled")

// Config controls Worker behavior.
type Config struct {
	LeaseTimeout         time.Duration
	BatchSize            int
	CheckpointInterval   int
	MaxTransientFailures int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	MediaMaxAttempts     int
	MediaBatchLimit      int
	MediaPrefix          string
	// DequeueBackoff spaces retries after a failed dequeue.
	DequeueBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 50
	}
	if c.MaxTransientFailures <= 0 {
		c.MaxTransientFailures = 5
	}
	if c.MediaMaxAttempts <= 0 {
		c.MediaMaxAttempts = 3
	}
	if c.MediaBatchLimit <= 0 {
		c.MediaBatchLimit = 10
	}
	if c.MediaPrefix == "" {
		c.MediaPrefix = "media"
	}
	if c.DequeueBackoff <= 0 {
		c.DequeueBackoff = 200 * time.Millisecond
	}
	return c
}

// Pacer spaces platform calls per session. Penalize holds the session for a pause.
type Pacer interface {
	Wait(ctx context.Context, sessionID string) error
	Penalize(sessionID string, d time.Duration)
}

// Matcher evaluates stored messages against keyword alerts.
type Matcher interface {
	ActiveAlerts(ctx context.Context, ownerID, channelID string) ([]scraper.Alert, error)
	Process(ctx context.Context, alerts []scraper.Alert, msg scraper.Message) (int, error)
}

// MediaStarter enqueues a media task after a scrape queued new attachments.
type MediaStarter interface {
	StartMediaDownload(ctx context.Context, ownerID, channelID, sessionID string, limit int) (scraper.Job, error)
}

// Opener decrypts the sealed session credential.
type Opener interface {
	Open(sealed []byte) ([]byte, error)
}

// Deps groups the collaborators of a Worker. Progress, Pacer, Opener and FollowUp are optional.
type Deps struct {
	Queue    scraper.Queue
	Jobs     scraper.JobStore
	Channels scraper.ChannelStore
	Messages scraper.MessageStore
	Media    scraper.MediaStore
	Sessions scraper.SessionStore
	Blobs    scraper.BlobStore
	Platform platform.Client
	Leases   *lease.Manager
	Matcher  Matcher
	Hasher   scraper.Hasher
	Clock    scraper.Clock
	IDs      scraper.IDGenerator
	Pacer    Pacer
	Opener   Opener
	Progress progress.Emitter
	FollowUp MediaStarter
}

// Worker consumes queue items and executes jobs.
type Worker struct {
	deps   Deps
	cfg    Config
	retry  *scraper.ExponentialRetryPolicy
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if deps.Pacer == nil {
		deps.Pacer = ratelimit.New(ratelimit.Config{})
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		retry:  scraper.NewExponentialRetryPolicy(cfg.MaxTransientFailures, cfg.BackoffInitial, cfg.BackoffMax),
		logger: logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if system.Sleep(ctx, w.cfg.DequeueBackoff) != nil {
				return
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item scraper.QueueItem) {
	job, err := w.deps.Jobs.GetJob(ctx, item.JobID)
	if err != nil {
		w.logger.Error("load job failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	if job.Status != scraper.JobStatusPending {
		// Redelivery of a job that already ran, or one cancelled while queued.
		w.logger.Info("dropping non-pending job", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	held, err := w.deps.Leases.Acquire(ctx, job.SessionID, w.cfg.LeaseTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("lease acquisition failed", zap.String("job_id", job.ID), zap.String("session_id", job.SessionID), zap.Error(err))
		w.failPending(ctx, job, err)
		return
	}
	defer held.Release()

	started := w.deps.Clock.Now()
	if err := w.deps.Jobs.UpdateJobStatus(ctx, job.ID, scraper.JobStatusRunning, "", started); err != nil {
		if errors.Is(err, scraper.ErrInvalidTransition) {
			// Another delivery started it, or it was cancelled while waiting.
			w.logger.Info("job no longer pending", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		if ctx.Err() != nil {
			// Still pending, so startup recovery requeues it.
			return
		}
		w.logger.Error("update job status failed", zap.String("job_id", job.ID), zap.Error(err))
		w.failPending(ctx, job, err)
		return
	}
	job.Status = scraper.JobStatusRunning
	w.emit(job, progress.StageJobStart, func(*progress.Event) {})
	w.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("channel_id", job.ChannelID),
		zap.String("session_id", job.SessionID),
		zap.String("kind", string(job.Kind)),
	)

	err = w.execute(ctx, held, &job)
	w.finish(ctx, job, err, started)
}

func (w *Worker) execute(ctx context.Context, held *lease.Lease, job *scraper.Job) error {
	channel, err := w.deps.Channels.GetChannel(ctx, job.ChannelID)
	if err != nil {
		return fmt.Errorf("load channel: %w", err)
	}
	acct, err := w.account(ctx, job.SessionID)
	if err != nil {
		return err
	}
	if job.Kind == scraper.JobKindMedia {
		return w.runMedia(ctx, held, job, channel, acct)
	}
	return w.runScrape(ctx, held, job, channel, acct)
}

func (w *Worker) account(ctx context.Context, sessionID string) (platform.Account, error) {
	session, err := w.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return platform.Account{}, fmt.Errorf("load session: %w", err)
	}
	if session.State != scraper.SessionAuthenticated {
		return platform.Account{}, scraper.Errorf(scraper.ErrAuthentication, "load session", "session %s is %s", sessionID, session.State)
	}
	state := session.Credential
	if w.deps.Opener != nil && len(state) > 0 {
		state, err = w.deps.Opener.Open(session.Credential)
		if err != nil {
			return platform.Account{}, scraper.E(scraper.ErrAuthentication, "open credential", err)
		}
	}
	return platform.Account{SessionID: session.ID, APIID: session.APIID, APIHash: session.APIHash, State: state}, nil
}

// failPending fails a job that never started. The write only lands while the
// row is still pending, so a duplicate delivery cannot clobber a running job.
func (w *Worker) failPending(ctx context.Context, job scraper.Job, cause error) {
	descriptor := scraper.Describe(cause)
	now := w.deps.Clock.Now()
	applied, err := w.deps.Jobs.FailPending(context.WithoutCancel(ctx), job.ID, descriptor, now)
	if err != nil {
		w.logger.Error("fail pending job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !applied {
		w.logger.Info("job claimed by another delivery", zap.String("job_id", job.ID))
		return
	}
	metrics.ObserveJob(string(job.Kind), string(scraper.JobStatusFailed))
	w.emit(job, progress.StageJobError, func(evt *progress.Event) {
		evt.Note = descriptor
	})
}

// finish moves the job to its terminal state. Writes outlive a cancelled ctx so
// shutdown still leaves a descriptor behind.
func (w *Worker) finish(ctx context.Context, job scraper.Job, runErr error, started time.Time) {
	writeCtx := context.WithoutCancel(ctx)
	status, descriptor := w.deriveFinalStatus(ctx, runErr)
	now := w.deps.Clock.Now()
	if err := w.deps.Jobs.UpdateJobStatus(writeCtx, job.ID, status, descriptor, now); err != nil {
		w.logger.Error("final job status update failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(job.Kind), string(status))

	stage := progress.StageJobDone
	switch status {
	case scraper.JobStatusFailed:
		stage = progress.StageJobError
	case scraper.JobStatusCancelled:
		stage = progress.StageJobCancelled
	}
	w.emit(job, stage, func(evt *progress.Event) {
		evt.Dur = now.Sub(started)
		evt.Note = descriptor
		if status == scraper.JobStatusCompleted {
			evt.Progress = 100
		}
	})

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("channel_id", job.ChannelID),
		zap.String("status", string(status)),
		zap.Int("items_processed", job.Counters.ItemsProcessed),
		zap.Int("media_queued", job.Counters.MediaQueued),
	}
	if status == scraper.JobStatusFailed {
		w.logger.Warn("job failed", append(fields, zap.String("error", descriptor))...)
	} else {
		w.logger.Info("job finished", fields...)
	}

	if status == scraper.JobStatusCompleted && job.Kind != scraper.JobKindMedia &&
		job.ScrapeMedia && job.Counters.MediaQueued > 0 && w.deps.FollowUp != nil {
		follow, err := w.deps.FollowUp.StartMediaDownload(writeCtx, job.OwnerID, job.ChannelID, job.SessionID, job.Counters.MediaQueued)
		if err != nil {
			w.logger.Warn("media follow-up not started", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		w.logger.Info("media follow-up queued", zap.String("job_id", job.ID), zap.String("media_job_id", follow.ID))
	}
}

func (w *Worker) deriveFinalStatus(ctx context.Context, err error) (scraper.JobStatus, string) {
	switch {
	case err == nil:
		return scraper.JobStatusCompleted, ""
	case errors.Is(err, errCancelled):
		return scraper.JobStatusCancelled, ""
	case ctx.Err() != nil:
		return scraper.JobStatusFailed, "interrupted: worker shutting down"
	default:
		return scraper.JobStatusFailed, scraper.Describe(err)
	}
}

func (w *Worker) emit(job scraper.Job, stage progress.Stage, fill func(*progress.Event)) {
	evt := progress.Event{
		JobID:      job.ID,
		ChannelID:  job.ChannelID,
		Kind:       string(job.Kind),
		TS:         w.deps.Clock.Now(),
		Stage:      stage,
		Items:      int64(job.Counters.ItemsProcessed),
		Media:      int64(job.Counters.MediaQueued),
		Checkpoint: job.Checkpoint,
		Progress:   job.Progress,
	}
	fill(&evt)
	w.deps.Progress.Emit(evt)
}

// pause holds the session for d after a transient fault. It fails once the
// consecutive fault count passes the configured cap.
func (w *Worker) pause(job scraper.Job, sessionID string, transient *int, d time.Duration, source string, cause error) error {
	*transient++
	if *transient > w.cfg.MaxTransientFailures {
		return scraper.Errorf(scraper.ErrTransientExhausted, "pause", "%d consecutive transient failures: %w", *transient, cause)
	}
	w.deps.Pacer.Penalize(sessionID, d)
	metrics.ObserveRateLimitDelay(source, d)
	w.emit(job, progress.StagePaused, func(evt *progress.Event) {
		evt.Dur = d
		evt.Note = source
	})
	w.logger.Info("pausing job",
		zap.String("job_id", job.ID),
		zap.String("source", source),
		zap.Duration("wait", d),
		zap.Int("consecutive", *transient),
	)
	return nil
}
