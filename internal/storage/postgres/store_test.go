package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestCreateJobBusyChannelIsConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	job := scraper.Job{
		ID: "job-2", OwnerID: "u1", ChannelID: "c1", SessionID: "s1",
		Kind: scraper.JobKindIncremental, Origin: scraper.JobOriginUser, ScrapeMedia: true, Created: created,
	}

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("job-2", "u1", "c1", "s1", "incremental", "user", int64(0), 0, true, created).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "jobs_one_active_per_channel"})

	err := store.CreateJob(context.Background(), job)
	require.ErrorIs(t, err, scraper.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusCompletes(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-1", "completed", "", pgxmock.AnyArg(), pgxmock.AnyArg(), 100.0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.UpdateJobStatus(context.Background(), "job-1", scraper.JobStatusCompleted, "", time.Now())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusRefusesTerminalJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	err := store.UpdateJobStatus(context.Background(), "job-1", scraper.JobStatusFailed, "late", time.Now())
	require.ErrorIs(t, err, scraper.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveProgressRequiresRunningJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	p := scraper.JobProgress{Progress: 50, Checkpoint: 120, Counters: scraper.JobCounters{ItemsProcessed: 60, MediaQueued: 3}}
	mock.ExpectExec("UPDATE jobs SET progress = GREATEST").
		WithArgs("job-1", 50.0, 60, 3, 0, 0, int64(120)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SaveProgress(context.Background(), "job-1", p)
	require.ErrorIs(t, err, scraper.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, scraper.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsFiltersAndPages(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	columns := []string{
		"id", "owner_id", "channel_id", "session_id", "kind", "origin", "status", "progress",
		"items_processed", "media_queued", "media_downloaded", "media_failed", "checkpoint", "item_limit",
		"scrape_media", "cancel_requested", "error", "created_at", "started_at", "finished_at",
	}

	mock.ExpectQuery("SELECT count").
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("ORDER BY created_at DESC").
		WithArgs("c1", 1).
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			"job-3", "u1", "c1", "s1", "full", "scheduler", "running", 40.0,
			48, 2, 0, 0, int64(72), 0,
			true, false, "", created, nil, nil,
		))

	jobs, total, err := store.ListJobs(context.Background(), scraper.JobFilter{ChannelID: "c1", Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, jobs, 1)
	got := jobs[0]
	require.Equal(t, scraper.JobKindFull, got.Kind)
	require.Equal(t, scraper.JobOriginScheduler, got.Origin)
	require.Equal(t, scraper.JobStatusRunning, got.Status)
	require.Equal(t, 48, got.Counters.ItemsProcessed)
	require.Equal(t, int64(72), got.Checkpoint)
	require.Nil(t, got.Started)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordMatchInsertsAndCounts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	m := scraper.Match{ID: "m1", AlertID: "a1", MessageID: "msg1", ChannelID: "c1", Snippet: "bought some Bitcoin", Created: at}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO keyword_matches").
		WithArgs("m1", "a1", "msg1", "c1", "bought some Bitcoin", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE alerts SET match_count = match_count").
		WithArgs("a1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	ok, err := store.RecordMatch(context.Background(), m)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordMatchDuplicateLeavesCounter(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	m := scraper.Match{ID: "m2", AlertID: "a1", MessageID: "msg1", ChannelID: "c1", Created: at}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO keyword_matches").
		WithArgs("m2", "a1", "msg1", "c1", "", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	ok, err := store.RecordMatch(context.Background(), m)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMessageReportsInsert(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	posted := time.Unix(1700000000, 0).UTC()
	msg := scraper.Message{ID: "new-id", ChannelID: "c1", RemoteID: 501, Text: "hi", PostedAt: posted, ScrapedAt: posted}

	mock.ExpectQuery("INSERT INTO messages").
		WithArgs("new-id", "c1", int64(501), "hi", "", int64(0), 0, 0, false, posted, posted).
		WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}).AddRow("old-id", false))

	id, inserted, err := store.UpsertMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, "old-id", id)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureMediaReturnsExisting(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	item := scraper.MediaItem{
		ID: "fresh", MessageID: "msg1", ChannelID: "c1", MessageRemoteID: 501, RemoteMediaID: 77,
		Type: scraper.MediaTypePhoto, MimeType: "image/jpeg", Created: created,
	}

	mock.ExpectQuery("INSERT INTO media_items").
		WithArgs("fresh", "msg1", "c1", int64(501), int64(77), "photo", "image/jpeg", "", int64(0), created).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FROM media_items WHERE message_id").
		WithArgs("msg1", int64(77)).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "message_id", "channel_id", "message_remote_id", "remote_media_id", "type", "mime_type", "file_name",
			"status", "size", "location", "checksum", "attempts", "error", "created_at", "downloaded_at",
		}).AddRow(
			"existing", "msg1", "c1", int64(501), int64(77), "photo", "image/jpeg", "",
			"completed", int64(2048), "memory://x", "abc", 1, "", created, nil,
		))

	got, created2, err := store.EnsureMedia(context.Background(), item)
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, "existing", got.ID)
	require.Equal(t, scraper.MediaStatusCompleted, got.Status)
	require.Equal(t, int64(2048), got.Size)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkUnauthenticatedMissingSession(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE sessions SET state = 'unauthenticated'").
		WithArgs("s1", "AUTH_KEY_UNREGISTERED").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.MarkUnauthenticated(context.Background(), "s1", "AUTH_KEY_UNREGISTERED")
	require.ErrorIs(t, err, scraper.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceChannel(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE channels SET last_remote_id = GREATEST").
		WithArgs("c1", int64(510), 10, 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.AdvanceChannel(context.Background(), "c1", 510, 10, 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailPendingLeavesStartedJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE jobs SET status = 'failed'").
		WithArgs("job-1", "resource_exhausted: lease timeout", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("UPDATE jobs SET status = 'failed'").
		WithArgs("job-2", "resource_exhausted: lease timeout", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	applied, err := store.FailPending(context.Background(), "job-1", "resource_exhausted: lease timeout", at)
	require.NoError(t, err)
	require.False(t, applied)

	applied, err = store.FailPending(context.Background(), "job-2", "resource_exhausted: lease timeout", at)
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetFailedRefusesCompletedItem(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	columns := []string{
		"id", "message_id", "channel_id", "message_remote_id", "remote_media_id", "type", "mime_type", "file_name",
		"status", "size", "location", "checksum", "attempts", "error", "created_at", "downloaded_at",
	}
	mock.ExpectQuery("UPDATE media_items SET status = 'pending', attempts = 0").
		WithArgs("m1").
		WillReturnRows(pgxmock.NewRows(columns))
	mock.ExpectQuery("FROM media_items WHERE id").
		WithArgs("m1").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			"m1", "msg1", "c1", int64(501), int64(77), "photo", "image/jpeg", "",
			"completed", int64(2048), "memory://x", "abc", 1, "", created, nil,
		))

	_, err := store.ResetFailed(context.Background(), "m1")
	require.ErrorIs(t, err, scraper.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetFailedClearsAttempts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("UPDATE media_items SET status = 'pending', attempts = 0").
		WithArgs("m1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "message_id", "channel_id", "message_remote_id", "remote_media_id", "type", "mime_type", "file_name",
			"status", "size", "location", "checksum", "attempts", "error", "created_at", "downloaded_at",
		}).AddRow(
			"m1", "msg1", "c1", int64(501), int64(77), "photo", "image/jpeg", "",
			"pending", int64(0), "", "", 0, "", created, nil,
		))

	item, err := store.ResetFailed(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, scraper.MediaStatusPending, item.Status)
	require.Zero(t, item.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}
