package matcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
	"github.com/JakeFAU/channel-scraper/internal/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.AlertStore, *recordingNotifier) {
	t.Helper()
	store := memory.NewAlertStore()
	notifier := &recordingNotifier{}
	svc := NewService(store, NewEngine(), notifier, &seqIDs{}, fixedClock{t: time.Unix(1700000000, 0).UTC()}, zap.NewNop())
	return svc, store, notifier
}

func TestServiceRejectsInvalidRegexBeforePersisting(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "owner", AlertInput{Pattern: "([", Regex: true})
	require.ErrorIs(t, err, scraper.ErrValidation)

	alerts, err := store.ListAlerts(context.Background(), scraper.AlertFilter{OwnerID: "owner"})
	require.NoError(t, err)
	require.Empty(t, alerts)
}

func TestServiceRejectsBadWebhook(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "owner", AlertInput{Pattern: "x", Webhook: "ftp://example.com"})
	require.ErrorIs(t, err, scraper.ErrValidation)
}

func TestServiceProcessRecordsOnceAndNotifies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, notifier := newTestService(t)
	alert, err := svc.Create(ctx, "owner", AlertInput{Pattern: "bitcoin", ChannelID: "C"})
	require.NoError(t, err)
	require.True(t, alert.Active)

	alerts, err := svc.ActiveAlerts(ctx, "owner", "C")
	require.NoError(t, err)
	msg := scraper.Message{ID: "msg-1", ChannelID: "C", RemoteID: 7, Text: "I just bought some Bitcoin"}

	n, err := svc.Process(ctx, alerts, msg)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// a redelivered item does not double count
	n, err = svc.Process(ctx, alerts, msg)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.MatchCount)
	require.NotNil(t, got.LastMatchAt)

	matches, err := svc.Matches(ctx, "owner", alert.ID, true)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.False(t, matches[0].Read)
	require.Equal(t, "I just bought some Bitcoin", matches[0].Snippet)
	require.Equal(t, 1, notifier.count())

	require.NoError(t, svc.MarkRead(ctx, "owner", alert.ID, matches[0].ID))
	unread, err := svc.Matches(ctx, "owner", alert.ID, true)
	require.NoError(t, err)
	require.Empty(t, unread)
}

func TestServiceHidesOtherOwnersAlerts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	alert, err := svc.Create(ctx, "owner", AlertInput{Pattern: "x"})
	require.NoError(t, err)

	_, err = svc.Get(ctx, "intruder", alert.ID)
	require.ErrorIs(t, err, scraper.ErrNotFound)
	require.ErrorIs(t, svc.Delete(ctx, "intruder", alert.ID), scraper.ErrNotFound)
}

func TestServiceUpdateAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	alert, err := svc.Create(ctx, "owner", AlertInput{Pattern: "x"})
	require.NoError(t, err)

	off := false
	_, err = svc.Update(ctx, "owner", alert.ID, AlertInput{Pattern: "[", Regex: true})
	require.ErrorIs(t, err, scraper.ErrValidation)

	updated, err := svc.Update(ctx, "owner", alert.ID, AlertInput{Pattern: "y+", Regex: true, Active: &off})
	require.NoError(t, err)
	require.False(t, updated.Active)
	require.Equal(t, "y+", updated.Pattern)

	require.NoError(t, svc.Delete(ctx, "owner", alert.ID))
	require.Zero(t, svc.engine.Cached())
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []scraper.Match
}

func (n *recordingNotifier) Notify(_ scraper.Alert, m scraper.Match) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, m)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }
