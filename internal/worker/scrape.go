package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/lease"
	"github.com/JakeFAU/channel-scraper/internal/metrics"
	"github.com/JakeFAU/channel-scraper/internal/platform"
	"github.com/JakeFAU/channel-scraper/internal/progress"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// progressCeiling caps the running estimate; only completion reports 100.
const progressCeiling = 95

// scrapeRun holds the state of one scrape execution. Only the goroutine running the
// job touches it, so items and checkpoints advance strictly in order.
type scrapeRun struct {
	w       *Worker
	held    *lease.Lease
	job     *scraper.Job
	channel scraper.Channel
	acct    platform.Account
	peer    platform.Peer

	direction platform.Direction
	// cursor is the remote id of the last processed item; it becomes the checkpoint.
	cursor  int64
	highest int64
	// estimate is the expected number of items for this run.
	estimate  int64
	processed int
	transient int
	alerts    []scraper.Alert

	sinceFlush  int
	newMessages int
	newMedia    int
}

func (w *Worker) runScrape(ctx context.Context, held *lease.Lease, job *scraper.Job, channel scraper.Channel, acct platform.Account) error {
	r := &scrapeRun{
		w:       w,
		held:    held,
		job:     job,
		channel: channel,
		acct:    acct,
		peer:    platform.Peer{ID: channel.RemoteID, AccessHash: channel.AccessHash, Username: channel.Username},
	}
	switch job.Kind {
	case scraper.JobKindIncremental:
		r.direction = platform.Forward
		r.cursor = max(job.Checkpoint, channel.LastRemoteID)
	default:
		r.direction = platform.Backward
		if job.Checkpoint == 0 {
			job.Checkpoint = w.resumePoint(ctx, *job)
		}
		r.cursor = job.Checkpoint
	}
	r.highest = channel.LastRemoteID
	return r.run(ctx)
}

// resumeScanLimit bounds how far back resumePoint looks for the previous full job.
const resumeScanLimit = 50

// resumePoint returns the checkpoint a full job continues from. When the channel's
// previous full job failed part way, the new job walks on from the oldest item it
// reached instead of re-reading the range already stored. Items newer than that
// run's start are left to incremental jobs.
func (w *Worker) resumePoint(ctx context.Context, job scraper.Job) int64 {
	recent, _, err := w.deps.Jobs.ListJobs(ctx, scraper.JobFilter{ChannelID: job.ChannelID, Limit: resumeScanLimit})
	if err != nil {
		w.logger.Warn("list previous jobs failed", zap.String("job_id", job.ID), zap.Error(err))
		return 0
	}
	for _, prev := range recent {
		if prev.ID == job.ID || prev.Kind != scraper.JobKindFull {
			continue
		}
		if prev.Status != scraper.JobStatusFailed || prev.Checkpoint <= 0 {
			return 0
		}
		w.logger.Info("resuming full scrape",
			zap.String("job_id", job.ID),
			zap.String("from_job_id", prev.ID),
			zap.Int64("checkpoint", prev.Checkpoint),
		)
		return prev.Checkpoint
	}
	return 0
}

func (r *scrapeRun) run(ctx context.Context) error {
	w := r.w
	first := true
	for !r.limitReached() {
		if err := w.deps.Pacer.Wait(ctx, r.acct.SessionID); err != nil {
			return fmt.Errorf("pace fetch: %w", err)
		}
		req := platform.HistoryRequest{
			Peer:       r.peer,
			Direction:  r.direction,
			Cursor:     r.cursor,
			Limit:      r.batchLimit(),
			WantNewest: first,
		}
		res := w.deps.Platform.FetchHistory(ctx, r.acct, req)
		switch res.Status {
		case platform.StatusRateLimited:
			cause := scraper.Errorf(scraper.ErrRateLimited, "fetch history", "wait %s", res.Wait)
			if err := r.interrupt(ctx, res.Wait, "rate_limited", cause); err != nil {
				return err
			}
			continue
		case platform.StatusFailed:
			if err := r.handleFailure(ctx, res.Err); err != nil {
				return err
			}
			continue
		}

		r.transient = 0
		page := res.Page
		if first {
			r.estimateFrom(page)
			first = false
		}
		if len(page.Items) > 0 {
			alerts, err := w.deps.Matcher.ActiveAlerts(ctx, r.job.OwnerID, r.channel.ID)
			if err != nil {
				return fmt.Errorf("load alerts: %w", err)
			}
			r.alerts = alerts
		}
		for _, item := range page.Items {
			if r.limitReached() {
				break
			}
			if err := r.processItem(ctx, item); err != nil {
				return err
			}
			if r.sinceFlush >= w.cfg.CheckpointInterval {
				if err := r.flush(ctx, true); err != nil {
					return err
				}
			}
		}
		if page.Done || len(page.Items) == 0 {
			break
		}
	}
	return r.flush(ctx, false)
}

func (r *scrapeRun) handleFailure(ctx context.Context, err error) error {
	if err == nil {
		err = scraper.Errorf(scraper.ErrNetwork, "fetch history", "platform returned no error detail")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		r.persistQuietly(ctx)
		return ctxErr
	}
	switch {
	case errors.Is(err, scraper.ErrNetwork):
		return r.interrupt(ctx, r.w.retry.Backoff(r.transient), "network", err)
	case errors.Is(err, scraper.ErrAuthentication):
		if invErr := r.held.Invalidate(ctx, scraper.Describe(err)); invErr != nil {
			r.w.logger.Error("mark session unauthenticated failed", zap.String("session_id", r.acct.SessionID), zap.Error(invErr))
		}
		r.persistQuietly(ctx)
		return err
	default:
		r.persistQuietly(ctx)
		return err
	}
}

// interrupt persists the checkpoint and pauses. The next fetch resumes from the
// persisted cursor, so nothing already stored is requested again.
func (r *scrapeRun) interrupt(ctx context.Context, wait time.Duration, source string, cause error) error {
	if err := r.flush(ctx, true); err != nil {
		return err
	}
	return r.w.pause(*r.job, r.acct.SessionID, &r.transient, wait, source, cause)
}

func (r *scrapeRun) processItem(ctx context.Context, item platform.Item) error {
	w := r.w
	id, err := w.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}
	msg := scraper.Message{
		ID:        id,
		ChannelID: r.channel.ID,
		RemoteID:  item.ID,
		Text:      item.Text,
		Author:    item.Author,
		ReplyToID: item.ReplyTo,
		Views:     item.Views,
		Forwards:  item.Forwards,
		HasMedia:  item.Media != nil,
		PostedAt:  item.Date.UTC(),
		ScrapedAt: w.deps.Clock.Now(),
	}
	storedID, created, err := w.deps.Messages.UpsertMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("upsert message %d: %w", item.ID, err)
	}
	msg.ID = storedID
	if created {
		r.newMessages++
	}

	if r.job.ScrapeMedia && item.Media != nil && item.Media.ID != 0 && item.Media.Type.Downloadable() {
		if err := r.queueMedia(ctx, msg, item); err != nil {
			return err
		}
	}

	matches, err := w.deps.Matcher.Process(ctx, r.alerts, msg)
	if err != nil {
		return fmt.Errorf("match message %d: %w", item.ID, err)
	}
	metrics.ObserveMatches(matches)

	r.job.Counters.ItemsProcessed++
	r.processed++
	r.sinceFlush++
	r.cursor = item.ID
	if item.ID > r.highest {
		r.highest = item.ID
	}
	r.raiseProgress()
	return nil
}

func (r *scrapeRun) queueMedia(ctx context.Context, msg scraper.Message, item platform.Item) error {
	w := r.w
	id, err := w.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate media id: %w", err)
	}
	media := scraper.MediaItem{
		ID:              id,
		MessageID:       msg.ID,
		ChannelID:       r.channel.ID,
		MessageRemoteID: item.ID,
		RemoteMediaID:   item.Media.ID,
		Type:            item.Media.Type,
		MimeType:        item.Media.MimeType,
		FileName:        item.Media.FileName,
		Size:            item.Media.Size,
		Status:          scraper.MediaStatusPending,
		Created:         w.deps.Clock.Now(),
	}
	_, created, err := w.deps.Media.EnsureMedia(ctx, media)
	if err != nil {
		return fmt.Errorf("queue media for message %d: %w", item.ID, err)
	}
	if created {
		r.job.Counters.MediaQueued++
		r.newMedia++
		metrics.ObserveMedia(string(scraper.MediaStatusPending), 0)
	}
	return nil
}

// flush persists the checkpoint, counters and channel deltas. With checkCancel it
// also observes a cooperative cancel request.
func (r *scrapeRun) flush(ctx context.Context, checkCancel bool) error {
	w := r.w
	r.job.Checkpoint = r.cursor
	err := w.deps.Jobs.SaveProgress(ctx, r.job.ID, scraper.JobProgress{
		Progress:   r.job.Progress,
		Counters:   r.job.Counters,
		Checkpoint: r.job.Checkpoint,
	})
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	if r.newMessages > 0 || r.newMedia > 0 || r.highest > r.channel.LastRemoteID {
		if err := w.deps.Channels.AdvanceChannel(ctx, r.channel.ID, r.highest, r.newMessages, r.newMedia); err != nil {
			return fmt.Errorf("advance channel: %w", err)
		}
		r.channel.LastRemoteID = max(r.channel.LastRemoteID, r.highest)
		r.newMessages, r.newMedia = 0, 0
	}
	metrics.ObserveItems(string(r.job.Kind), r.sinceFlush)
	r.sinceFlush = 0
	w.emit(*r.job, progress.StageCheckpoint, func(*progress.Event) {})

	if !checkCancel {
		return nil
	}
	current, err := w.deps.Jobs.GetJob(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("check cancel: %w", err)
	}
	if current.CancelRequested {
		w.logger.Info("cancel observed", zap.String("job_id", r.job.ID), zap.Int64("checkpoint", r.job.Checkpoint))
		return errCancelled
	}
	return nil
}

func (r *scrapeRun) persistQuietly(ctx context.Context) {
	if r.sinceFlush == 0 {
		return
	}
	if err := r.flush(context.WithoutCancel(ctx), false); err != nil {
		r.w.logger.Warn("persist checkpoint before failing", zap.String("job_id", r.job.ID), zap.Error(err))
	}
}

func (r *scrapeRun) estimateFrom(page platform.Page) {
	var estimate int64
	switch {
	case page.Newest <= 0:
	case r.direction == platform.Forward:
		estimate = page.Newest - r.cursor
	case r.cursor == 0:
		estimate = page.Newest
	default:
		estimate = r.cursor - 1
	}
	if r.job.Limit > 0 && (estimate <= 0 || int64(r.job.Limit) < estimate) {
		estimate = int64(r.job.Limit)
	}
	if estimate <= 0 {
		estimate = int64(len(page.Items))
	}
	r.estimate = estimate
}

// raiseProgress never lowers the stored percentage.
func (r *scrapeRun) raiseProgress() {
	if r.estimate <= 0 {
		return
	}
	pct := min(float64(progressCeiling), float64(r.processed)*100/float64(r.estimate))
	if pct > r.job.Progress {
		r.job.Progress = pct
	}
}

func (r *scrapeRun) limitReached() bool {
	return r.job.Limit > 0 && r.processed >= r.job.Limit
}

func (r *scrapeRun) batchLimit() int {
	size := r.w.cfg.BatchSize
	if r.job.Limit > 0 {
		size = min(size, r.job.Limit-r.processed)
	}
	return size
}
