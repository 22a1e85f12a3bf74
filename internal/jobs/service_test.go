package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/publisher/memory"
	queuemem "github.com/JakeFAU/channel-scraper/internal/queue/memory"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
	storemem "github.com/JakeFAU/channel-scraper/internal/storage/memory"
)

type fixture struct {
	svc       *Service
	jobs      *storemem.JobStore
	channels  *storemem.ChannelStore
	sessions  *storemem.SessionStore
	content   *storemem.ContentStore
	queue     *queuemem.Queue
	publisher *memory.Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		jobs:      storemem.NewJobStore(),
		channels:  storemem.NewChannelStore(),
		sessions:  storemem.NewSessionStore(),
		content:   storemem.NewContentStore(),
		queue:     queuemem.NewQueue(16),
		publisher: memory.New(),
	}
	ctx := context.Background()
	require.NoError(t, f.sessions.CreateSession(ctx, scraper.Session{ID: "s1", OwnerID: "u1", State: scraper.SessionAuthenticated}))
	require.NoError(t, f.sessions.CreateSession(ctx, scraper.Session{ID: "s2", OwnerID: "u1", State: scraper.SessionUnauthenticated}))
	require.NoError(t, f.channels.CreateChannel(ctx, scraper.Channel{ID: "c1", OwnerID: "u1", SessionID: "s1", RemoteID: 100, Active: true}))
	require.NoError(t, f.channels.CreateChannel(ctx, scraper.Channel{ID: "c2", OwnerID: "u1", SessionID: "s2", RemoteID: 200, Active: true}))

	f.svc = NewService(Deps{
		Jobs:      f.jobs,
		Channels:  f.channels,
		Sessions:  f.sessions,
		Media:     f.content,
		Queue:     f.queue,
		Publisher: f.publisher,
		IDs:       &seqIDs{},
		Clock:     fixedClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}, Config{EventTopic: "job-events"}, zap.NewNop())
	return f
}

func TestCreateEnqueuesPendingJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.Create(ctx, CreateRequest{OwnerID: "u1", ChannelID: "c1", Kind: scraper.JobKindFull})
	require.NoError(t, err)
	require.Equal(t, scraper.JobStatusPending, job.Status)
	require.Equal(t, "s1", job.SessionID)
	require.Equal(t, scraper.JobOriginUser, job.Origin)
	require.True(t, job.ScrapeMedia)

	item, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, item.JobID)
	require.Equal(t, scraper.JobKindFull, item.Kind)

	events := f.publisher.Payloads("job-events")
	require.Len(t, events, 1)
	require.Equal(t, job.ID, events[0].(scraper.JobEvent).Job.ID)
}

func TestCreateRejectsBusyChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateRequest{OwnerID: "u1", ChannelID: "c1", Kind: scraper.JobKindFull})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, CreateRequest{OwnerID: "u1", ChannelID: "c1", Kind: scraper.JobKindIncremental})
	require.ErrorIs(t, err, scraper.ErrConflict)
	require.Equal(t, 1, f.queue.Len())
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateRequest{OwnerID: "u1", ChannelID: "c1", Kind: "sideways"})
	require.ErrorIs(t, err, scraper.ErrValidation)

	_, err = f.svc.Create(ctx, CreateRequest{OwnerID: "u1", ChannelID: "c1", Kind: scraper.JobKindFull, Limit: -1})
	require.ErrorIs(t, err, scraper.ErrValidation)

	_, err = f.svc.Create(ctx, CreateRequest{OwnerID: "u2", ChannelID: "c1", Kind: scraper.JobKindFull})
	require.ErrorIs(t, err, scraper.ErrNotFound)

	_, err = f.svc.Create(ctx, CreateRequest{OwnerID: "u1", ChannelID: "c2", Kind: scraper.JobKindFull})
	require.ErrorIs(t, err, scraper.ErrAuthentication)
	require.Zero(t, f.queue.Len())
}

func TestCreateFailsJobWhenQueueRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queue.Close()
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateRequest{OwnerID: "u1", ChannelID: "c1", Kind: scraper.JobKindFull})
	require.Error(t, err)

	jobs, total, err := f.jobs.ListJobs(ctx, scraper.JobFilter{ChannelID: "c1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, scraper.JobStatusFailed, jobs[0].Status)
	require.Contains(t, jobs[0].Error, "resource_exhausted")

	busy, err := f.jobs.HasActiveJob(ctx, "c1")
	require.NoError(t, err)
	require.False(t, busy)
}

func TestStartMediaDownloadDefaultsLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	job, err := f.svc.StartMediaDownload(context.Background(), "u1", "c1", "", 0)
	require.NoError(t, err)
	require.Equal(t, scraper.JobKindMedia, job.Kind)
	require.Equal(t, 10, job.Limit)
	require.False(t, job.ScrapeMedia)
}

func TestRetryMediaRequeuesFailedItem(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 12; i++ {
		_, _, err := f.content.EnsureMedia(ctx, scraper.MediaItem{
			ID: fmt.Sprintf("p%02d", i), MessageID: fmt.Sprintf("m%02d", i), ChannelID: "c1",
			MessageRemoteID: int64(i), RemoteMediaID: int64(i),
		})
		require.NoError(t, err)
	}
	item, _, err := f.content.EnsureMedia(ctx, scraper.MediaItem{ID: "late", MessageID: "m99", ChannelID: "c1", MessageRemoteID: 99, RemoteMediaID: 99})
	require.NoError(t, err)
	item.Status = scraper.MediaStatusFailed
	item.Attempts = 3
	item.Error = "network_error: reset"
	require.NoError(t, f.content.UpdateMedia(ctx, item))

	job, err := f.svc.RetryMedia(ctx, "u1", "late", "")
	require.NoError(t, err)
	require.Equal(t, scraper.JobKindMedia, job.Kind)
	require.Equal(t, "s1", job.SessionID)
	require.Equal(t, 13, job.Limit)

	got, err := f.content.GetMedia(ctx, "late")
	require.NoError(t, err)
	require.Equal(t, scraper.MediaStatusPending, got.Status)
	require.Zero(t, got.Attempts)
	require.Empty(t, got.Error)

	queued, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, queued.JobID)
}

func TestRetryMediaRefusals(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	done, _, err := f.content.EnsureMedia(ctx, scraper.MediaItem{ID: "done", MessageID: "m1", ChannelID: "c1", RemoteMediaID: 1})
	require.NoError(t, err)
	done.Status = scraper.MediaStatusCompleted
	require.NoError(t, f.content.UpdateMedia(ctx, done))
	failed, _, err := f.content.EnsureMedia(ctx, scraper.MediaItem{ID: "failed", MessageID: "m2", ChannelID: "c1", RemoteMediaID: 2})
	require.NoError(t, err)
	failed.Status = scraper.MediaStatusFailed
	failed.Attempts = 3
	require.NoError(t, f.content.UpdateMedia(ctx, failed))

	_, err = f.svc.RetryMedia(ctx, "u1", "done", "")
	require.ErrorIs(t, err, scraper.ErrInvalidTransition)

	_, err = f.svc.RetryMedia(ctx, "someone-else", "failed", "")
	require.ErrorIs(t, err, scraper.ErrNotFound)

	_, err = f.svc.RetryMedia(ctx, "u1", "missing", "")
	require.ErrorIs(t, err, scraper.ErrNotFound)

	_, err = f.svc.Create(ctx, CreateRequest{OwnerID: "u1", ChannelID: "c1", Kind: scraper.JobKindFull})
	require.NoError(t, err)
	_, err = f.svc.RetryMedia(ctx, "u1", "failed", "")
	require.ErrorIs(t, err, scraper.ErrConflict)

	// A refused retry leaves the item untouched.
	got, err := f.content.GetMedia(ctx, "failed")
	require.NoError(t, err)
	require.Equal(t, scraper.MediaStatusFailed, got.Status)
	require.Equal(t, 3, got.Attempts)
}

func TestCancelPendingAndTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.Create(ctx, CreateRequest{OwnerID: "u1", ChannelID: "c1", Kind: scraper.JobKindFull})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, "u2", job.ID)
	require.ErrorIs(t, err, scraper.ErrNotFound)

	cancelled, err := f.svc.Cancel(ctx, "u1", job.ID)
	require.NoError(t, err)
	require.Equal(t, scraper.JobStatusCancelled, cancelled.Status)

	_, err = f.svc.Cancel(ctx, "u1", job.ID)
	require.ErrorIs(t, err, scraper.ErrInvalidTransition)

	got, err := f.svc.Get(ctx, "u1", job.ID)
	require.NoError(t, err)
	require.Equal(t, scraper.JobStatusCancelled, got.Status)
}

func TestCancelRunningSetsFlag(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.Create(ctx, CreateRequest{OwnerID: "u1", ChannelID: "c1", Kind: scraper.JobKindFull})
	require.NoError(t, err)
	require.NoError(t, f.jobs.UpdateJobStatus(ctx, job.ID, scraper.JobStatusRunning, "", time.Now()))

	got, err := f.svc.Cancel(ctx, "u1", job.ID)
	require.NoError(t, err)
	require.Equal(t, scraper.JobStatusRunning, got.Status)
	require.True(t, got.CancelRequested)
}

func TestListValidatesFilter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.List(ctx, scraper.JobFilter{Status: "bogus"})
	require.ErrorIs(t, err, scraper.ErrValidation)

	_, err = f.svc.Create(ctx, CreateRequest{OwnerID: "u1", ChannelID: "c1", Kind: scraper.JobKindFull})
	require.NoError(t, err)
	jobs, total, err := f.svc.List(ctx, scraper.JobFilter{OwnerID: "u1", Status: scraper.JobStatusPending})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, jobs, 1)
}

func TestRecover(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.channels.CreateChannel(ctx, scraper.Channel{ID: "c3", OwnerID: "u1", SessionID: "s1", Active: true}))

	running, err := f.svc.Create(ctx, CreateRequest{OwnerID: "u1", ChannelID: "c1", Kind: scraper.JobKindIncremental})
	require.NoError(t, err)
	require.NoError(t, f.jobs.UpdateJobStatus(ctx, running.ID, scraper.JobStatusRunning, "", time.Now()))
	require.NoError(t, f.jobs.SaveProgress(ctx, running.ID, scraper.JobProgress{Progress: 40, Checkpoint: 77}))

	pending, err := f.svc.Create(ctx, CreateRequest{OwnerID: "u1", ChannelID: "c3", Kind: scraper.JobKindFull})
	require.NoError(t, err)

	item, _, err := f.content.EnsureMedia(ctx, scraper.MediaItem{ID: "md1", MessageID: "m1", ChannelID: "c1", RemoteMediaID: 1})
	require.NoError(t, err)
	item.Status = scraper.MediaStatusDownloading
	require.NoError(t, f.content.UpdateMedia(ctx, item))

	// Drain what Create enqueued so only the recovery enqueue remains.
	for f.queue.Len() > 0 {
		_, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
	}

	report, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, RecoveryReport{Orphaned: 1, Requeued: 1, MediaReset: 1}, report)

	got, err := f.jobs.GetJob(ctx, running.ID)
	require.NoError(t, err)
	require.Equal(t, scraper.JobStatusFailed, got.Status)
	require.Equal(t, OrphanedDescriptor, got.Error)
	require.Equal(t, int64(77), got.Checkpoint)

	requeued, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, pending.ID, requeued.JobID)
	require.Equal(t, 1, requeued.Attempt)
}

func TestPublishFailureDoesNotFailCreate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.publisher.FailWith(errors.New("broker down"))

	_, err := f.svc.Create(context.Background(), CreateRequest{OwnerID: "u1", ChannelID: "c1", Kind: scraper.JobKindFull})
	require.NoError(t, err)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }
