package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/lease"
	"github.com/JakeFAU/channel-scraper/internal/metrics"
	"github.com/JakeFAU/channel-scraper/internal/platform"
	"github.com/JakeFAU/channel-scraper/internal/progress"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

const defaultContentType = "application/octet-stream"

var errDownloadAborted = errors.New("download aborted")

var mimeExtensions = map[string]string{
	"video/mp4":       ".mp4",
	"audio/mpeg":      ".mp3",
	"audio/ogg":       ".ogg",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"application/pdf": ".pdf",
}

// runMedia downloads up to job.Limit pending items of the channel. Completed items
// are skipped, so replaying the task never fetches a payload twice.
func (w *Worker) runMedia(ctx context.Context, held *lease.Lease, job *scraper.Job, channel scraper.Channel, acct platform.Account) error {
	limit := job.Limit
	if limit <= 0 {
		limit = w.cfg.MediaBatchLimit
	}
	items, err := w.deps.Media.ListPendingMedia(ctx, channel.ID, limit)
	if err != nil {
		return fmt.Errorf("list pending media: %w", err)
	}
	peer := platform.Peer{ID: channel.RemoteID, AccessHash: channel.AccessHash, Username: channel.Username}
	transient := 0
	for i, pending := range items {
		item, err := w.deps.Media.GetMedia(ctx, pending.ID)
		if err != nil {
			return fmt.Errorf("load media: %w", err)
		}
		if item.Status == scraper.MediaStatusPending {
			if err := w.downloadItem(ctx, held, job, peer, acct, &item, &transient); err != nil {
				return err
			}
		}
		job.Counters.ItemsProcessed++
		job.Progress = max(job.Progress, min(float64(progressCeiling), float64(i+1)*100/float64(len(items))))
		if err := w.saveMediaProgress(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) saveMediaProgress(ctx context.Context, job *scraper.Job) error {
	err := w.deps.Jobs.SaveProgress(ctx, job.ID, scraper.JobProgress{
		Progress: job.Progress,
		Counters: job.Counters,
	})
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	w.emit(*job, progress.StageCheckpoint, func(*progress.Event) {})
	current, err := w.deps.Jobs.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("check cancel: %w", err)
	}
	if current.CancelRequested {
		return errCancelled
	}
	return nil
}

// downloadItem drives one item to completed or failed. A fatal error leaves the item
// pending for a later task.
func (w *Worker) downloadItem(
	ctx context.Context,
	held *lease.Lease,
	job *scraper.Job,
	peer platform.Peer,
	acct platform.Account,
	item *scraper.MediaItem,
	transient *int,
) error {
	item.Status = scraper.MediaStatusDownloading
	if err := w.deps.Media.UpdateMedia(ctx, *item); err != nil {
		return fmt.Errorf("mark media downloading: %w", err)
	}
	revert := func(cause error) error {
		item.Status = scraper.MediaStatusPending
		if err := w.deps.Media.UpdateMedia(context.WithoutCancel(ctx), *item); err != nil {
			w.logger.Error("revert media to pending failed", zap.String("media_id", item.ID), zap.Error(err))
		}
		return cause
	}

	for item.Attempts < w.cfg.MediaMaxAttempts {
		if err := w.deps.Pacer.Wait(ctx, acct.SessionID); err != nil {
			return revert(fmt.Errorf("pace media fetch: %w", err))
		}
		item.Attempts++
		res, stored := w.fetchToBlob(ctx, peer, acct, *item)
		switch res.Status {
		case platform.StatusOK:
			*transient = 0
			now := w.deps.Clock.Now()
			item.Status = scraper.MediaStatusCompleted
			item.Size = stored.size
			item.Location = stored.uri
			item.Checksum = stored.checksum
			item.Error = ""
			item.DownloadedAt = &now
			if err := w.deps.Media.UpdateMedia(ctx, *item); err != nil {
				return fmt.Errorf("mark media completed: %w", err)
			}
			job.Counters.MediaDownloaded++
			metrics.ObserveMedia(string(scraper.MediaStatusCompleted), stored.size)
			w.emit(*job, progress.StageMediaDone, func(evt *progress.Event) { evt.Bytes = stored.size })
			w.logger.Debug("media stored",
				zap.String("media_id", item.ID),
				zap.String("location", stored.uri),
				zap.Int64("bytes", stored.size),
			)
			return nil
		case platform.StatusRateLimited:
			// A pause is not a failed attempt.
			item.Attempts--
			cause := scraper.Errorf(scraper.ErrRateLimited, "fetch media", "wait %s", res.Wait)
			if err := w.pause(*job, acct.SessionID, transient, res.Wait, "rate_limited", cause); err != nil {
				return revert(err)
			}
			continue
		}

		err := res.Err
		if ctx.Err() != nil {
			return revert(ctx.Err())
		}
		if errors.Is(err, scraper.ErrAuthentication) {
			if invErr := held.Invalidate(ctx, scraper.Describe(err)); invErr != nil {
				w.logger.Error("mark session unauthenticated failed", zap.String("session_id", acct.SessionID), zap.Error(invErr))
			}
			return revert(err)
		}
		item.Error = scraper.Describe(err)
		w.logger.Warn("media attempt failed",
			zap.String("media_id", item.ID),
			zap.Int("attempt", item.Attempts),
			zap.Error(err),
		)
		if errors.Is(err, scraper.ErrNetwork) && item.Attempts < w.cfg.MediaMaxAttempts {
			w.deps.Pacer.Penalize(acct.SessionID, w.retry.Backoff(item.Attempts-1))
		}
	}

	item.Status = scraper.MediaStatusFailed
	if err := w.deps.Media.UpdateMedia(ctx, *item); err != nil {
		return fmt.Errorf("mark media failed: %w", err)
	}
	job.Counters.MediaFailed++
	metrics.ObserveMedia(string(scraper.MediaStatusFailed), 0)
	return nil
}

type storedObject struct {
	uri      string
	checksum string
	size     int64
}

// fetchToBlob streams the payload into the blob store while hashing it.
func (w *Worker) fetchToBlob(ctx context.Context, peer platform.Peer, acct platform.Account, item scraper.MediaItem) (platform.Result, storedObject) {
	contentType := item.MimeType
	if contentType == "" {
		contentType = defaultContentType
	}
	pr, pw := io.Pipe()
	digest := w.deps.Hasher.NewWriter()

	type putResult struct {
		uri string
		err error
	}
	done := make(chan putResult, 1)
	go func() {
		uri, err := w.deps.Blobs.PutObject(ctx, MediaPath(w.cfg.MediaPrefix, item), contentType, pr)
		// Unblock the writer if the store stopped reading early.
		_ = pr.CloseWithError(err)
		done <- putResult{uri: uri, err: err}
	}()

	res := w.deps.Platform.FetchMedia(ctx, acct, platform.MediaRequest{
		Peer:      peer,
		MessageID: item.MessageRemoteID,
		MediaID:   item.RemoteMediaID,
	}, io.MultiWriter(pw, digest))
	if res.Status == platform.StatusOK {
		_ = pw.Close()
	} else {
		_ = pw.CloseWithError(errDownloadAborted)
	}
	put := <-done
	if res.Status != platform.StatusOK {
		return res, storedObject{}
	}
	if put.err != nil {
		return platform.Failed(fmt.Errorf("store media: %w", put.err)), storedObject{}
	}
	return res, storedObject{uri: put.uri, checksum: digest.Sum(), size: digest.N()}
}

// MediaPath returns the object path <prefix>/<channel_id>/<remote_id>_<media_id><ext>.
func MediaPath(prefix string, item scraper.MediaItem) string {
	name := fmt.Sprintf("%d_%d%s", item.MessageRemoteID, item.RemoteMediaID, mediaExtension(item))
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", item.ChannelID, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, item.ChannelID, name)
}

func mediaExtension(item scraper.MediaItem) string {
	if ext := filepath.Ext(item.FileName); ext != "" {
		return strings.ToLower(ext)
	}
	mime, _, _ := strings.Cut(item.MimeType, ";")
	if ext, ok := mimeExtensions[strings.TrimSpace(strings.ToLower(mime))]; ok {
		return ext
	}
	return ".bin"
}
