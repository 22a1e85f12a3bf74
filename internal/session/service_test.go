package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/platform/fake"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
	"github.com/JakeFAU/channel-scraper/internal/secret"
	storemem "github.com/JakeFAU/channel-scraper/internal/storage/memory"
)

type fixture struct {
	svc      *Service
	sessions *storemem.SessionStore
	auth     *fake.Client
	sealer   *secret.Sealer
	leases   *heldSet
	forgot   *forgetRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sealer, err := secret.NewSealer("test-key")
	require.NoError(t, err)
	f := &fixture{
		sessions: storemem.NewSessionStore(),
		auth:     fake.New(),
		sealer:   sealer,
		leases:   &heldSet{held: map[string]bool{}},
		forgot:   &forgetRecorder{},
	}
	f.svc = NewService(Deps{
		Sessions: f.sessions,
		Auth:     f.auth,
		Sealer:   sealer,
		Leases:   f.leases,
		Pacing:   f.forgot,
		IDs:      &seqIDs{},
		Clock:    fixedClock{t: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}, zap.NewNop())
	return f
}

func (f *fixture) create(t *testing.T) scraper.Session {
	t.Helper()
	sess, err := f.svc.Create(context.Background(), CreateRequest{OwnerID: "u1", Name: "main", APIID: 1234, APIHash: "hash"})
	require.NoError(t, err)
	return sess
}

func TestLoginWithoutSecondFactor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t)
	require.Equal(t, scraper.SessionUnauthenticated, sess.State)

	sess, err := f.svc.SubmitPhone(ctx, "u1", sess.ID, "+15551234567")
	require.NoError(t, err)
	require.Equal(t, scraper.SessionChallengeSent, sess.State)
	require.Equal(t, "challenge-+15551234567", sess.ChallengeID)

	sess, err = f.svc.SubmitCode(ctx, "u1", sess.ID, "12345")
	require.NoError(t, err)
	require.Equal(t, scraper.SessionAuthenticated, sess.State)
	require.Equal(t, int64(42), sess.RemoteUserID)
	require.Empty(t, sess.ChallengeID)

	stored, err := f.sessions.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotEqual(t, []byte("auth:+15551234567"), stored.Credential)
	plain, err := f.sealer.Open(stored.Credential)
	require.NoError(t, err)
	require.Equal(t, []byte("auth:+15551234567"), plain)
}

func TestLoginWithSecondFactor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.auth.Password = "hunter2"
	ctx := context.Background()
	sess := f.create(t)

	_, err := f.svc.SubmitPhone(ctx, "u1", sess.ID, "+15551234567")
	require.NoError(t, err)
	sess, err = f.svc.SubmitCode(ctx, "u1", sess.ID, "12345")
	require.NoError(t, err)
	require.Equal(t, scraper.SessionPasswordRequired, sess.State)

	_, err = f.svc.SubmitPassword(ctx, "u1", sess.ID, "wrong")
	require.ErrorIs(t, err, scraper.ErrAuthentication)
	stored, err := f.sessions.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, scraper.SessionPasswordRequired, stored.State)
	require.Contains(t, stored.LastError, "authentication_error")

	sess, err = f.svc.SubmitPassword(ctx, "u1", sess.ID, "hunter2")
	require.NoError(t, err)
	require.Equal(t, scraper.SessionAuthenticated, sess.State)
	require.Empty(t, sess.LastError)
}

func TestWrongCodeKeepsChallenge(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t)
	_, err := f.svc.SubmitPhone(ctx, "u1", sess.ID, "+15551234567")
	require.NoError(t, err)

	_, err = f.svc.SubmitCode(ctx, "u1", sess.ID, "00000")
	require.ErrorIs(t, err, scraper.ErrAuthentication)

	sess, err = f.svc.SubmitCode(ctx, "u1", sess.ID, "12345")
	require.NoError(t, err)
	require.Equal(t, scraper.SessionAuthenticated, sess.State)
}

func TestStepsOutOfOrderAreRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t)

	_, err := f.svc.SubmitCode(ctx, "u1", sess.ID, "12345")
	require.ErrorIs(t, err, scraper.ErrInvalidTransition)
	_, err = f.svc.SubmitPassword(ctx, "u1", sess.ID, "pw")
	require.ErrorIs(t, err, scraper.ErrInvalidTransition)

	_, err = f.svc.SubmitPhone(ctx, "u1", sess.ID, "")
	require.ErrorIs(t, err, scraper.ErrValidation)
	_, err = f.svc.SubmitPhone(ctx, "other", sess.ID, "+15551234567")
	require.ErrorIs(t, err, scraper.ErrNotFound)
}

func TestLogoutClearsCredential(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t)

	_, err := f.svc.Logout(ctx, "u1", sess.ID)
	require.ErrorIs(t, err, scraper.ErrInvalidTransition)

	_, err = f.svc.SubmitPhone(ctx, "u1", sess.ID, "+15551234567")
	require.NoError(t, err)
	_, err = f.svc.SubmitCode(ctx, "u1", sess.ID, "12345")
	require.NoError(t, err)

	sess, err = f.svc.Logout(ctx, "u1", sess.ID)
	require.NoError(t, err)
	require.Equal(t, scraper.SessionUnauthenticated, sess.State)
	require.Nil(t, sess.Credential)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateRequest{OwnerID: "u1", APIID: 0, APIHash: "x"})
	require.ErrorIs(t, err, scraper.ErrValidation)
	_, err = f.svc.Create(context.Background(), CreateRequest{APIID: 1, APIHash: "x"})
	require.ErrorIs(t, err, scraper.ErrValidation)
}

func TestCreateFallsBackToDefaultCredentials(t *testing.T) {
	t.Parallel()
	svc := NewService(Deps{
		Sessions:       storemem.NewSessionStore(),
		IDs:            &seqIDs{},
		Clock:          fixedClock{t: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		DefaultAPIID:   42,
		DefaultAPIHash: "configured",
	}, nil)
	sess, err := svc.Create(context.Background(), CreateRequest{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 42, sess.APIID)
	assert.Equal(t, "configured", sess.APIHash)
	assert.Equal(t, scraper.SessionUnauthenticated, sess.State)
}

func TestDeleteRefusedWhileLeased(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t)

	f.leases.set(sess.ID, true)
	require.ErrorIs(t, f.svc.Delete(ctx, "u1", sess.ID), scraper.ErrConflict)

	f.leases.set(sess.ID, false)
	require.NoError(t, f.svc.Delete(ctx, "u1", sess.ID))
	require.Equal(t, []string{sess.ID}, f.forgot.ids)

	_, err := f.svc.Get(ctx, "u1", sess.ID)
	require.ErrorIs(t, err, scraper.ErrNotFound)
}

func TestListByOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.create(t)
	f.create(t)

	out, err := f.svc.List(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	out, err = f.svc.List(context.Background(), "u2")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from scraper.SessionState
		step Step
		ok   bool
	}{
		{scraper.SessionUnauthenticated, StepPhone, true},
		{scraper.SessionUnauthenticated, StepCode, false},
		{scraper.SessionChallengeSent, StepCode, true},
		{scraper.SessionChallengeSent, StepPassword, false},
		{scraper.SessionPasswordRequired, StepPassword, true},
		{scraper.SessionAuthenticated, StepPhone, false},
		{scraper.SessionAuthenticated, StepRevoke, true},
		{scraper.SessionUnauthenticated, StepRevoke, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%s", tc.from, tc.step), func(t *testing.T) {
			assert.Equal(t, tc.ok, Allowed(tc.from, tc.step))
		})
	}
	require.True(t, CanMove(scraper.SessionChallengeSent, StepCode, scraper.SessionPasswordRequired))
	require.False(t, CanMove(scraper.SessionChallengeSent, StepCode, scraper.SessionUnauthenticated))
}

func TestMaskPhone(t *testing.T) {
	t.Parallel()
	require.Equal(t, "+15*****4567", MaskPhone("+15551234567"))
	require.Equal(t, "****", MaskPhone("1234"))
	require.Empty(t, MaskPhone(""))
}

type heldSet struct {
	mu   sync.Mutex
	held map[string]bool
}

func (h *heldSet) set(id string, v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.held[id] = v
}

func (h *heldSet) Held(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.held[id]
}

type forgetRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (f *forgetRecorder) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("sess-%d", s.n), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }
