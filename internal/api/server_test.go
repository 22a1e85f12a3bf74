package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/channels"
	"github.com/JakeFAU/channel-scraper/internal/clock/system"
	"github.com/JakeFAU/channel-scraper/internal/config"
	"github.com/JakeFAU/channel-scraper/internal/id/uuid"
	"github.com/JakeFAU/channel-scraper/internal/jobs"
	"github.com/JakeFAU/channel-scraper/internal/matcher"
	"github.com/JakeFAU/channel-scraper/internal/platform/fake"
	queuemem "github.com/JakeFAU/channel-scraper/internal/queue/memory"
	"github.com/JakeFAU/channel-scraper/internal/scheduler"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
	"github.com/JakeFAU/channel-scraper/internal/secret"
	"github.com/JakeFAU/channel-scraper/internal/session"
	storemem "github.com/JakeFAU/channel-scraper/internal/storage/memory"
)

type apiFixture struct {
	server  *Server
	queue   *queuemem.Queue
	jobs    *storemem.JobStore
	content *storemem.ContentStore
}

func newAPIFixture(t *testing.T, cfg config.Config) *apiFixture {
	t.Helper()
	ids := uuid.New()
	clock := system.New()
	jobStore := storemem.NewJobStore()
	channelStore := storemem.NewChannelStore()
	sessionStore := storemem.NewSessionStore()
	content := storemem.NewContentStore()
	queue := queuemem.NewQueue(16)
	sealer, err := secret.NewSealer("api-test")
	require.NoError(t, err)

	jobSvc := jobs.NewService(jobs.Deps{
		Jobs: jobStore, Channels: channelStore, Sessions: sessionStore, Media: content,
		Queue: queue, IDs: ids, Clock: clock,
	}, jobs.Config{}, zap.NewNop())
	svc := Services{
		Jobs: jobSvc,
		Sessions: session.NewService(session.Deps{
			Sessions: sessionStore, Auth: fake.New(), Sealer: sealer, IDs: ids, Clock: clock,
		}, zap.NewNop()),
		Channels:  channels.NewService(channelStore, sessionStore, ids, clock, zap.NewNop()),
		Schedules: scheduler.New(channelStore, jobStore, sessionStore, jobSvc, clock, scheduler.Config{}, zap.NewNop()),
		Alerts:    matcher.NewService(storemem.NewAlertStore(), matcher.NewEngine(), nil, ids, clock, zap.NewNop()),
	}
	return &apiFixture{server: NewServer(svc, cfg, zap.NewNop()), queue: queue, jobs: jobStore, content: content}
}

func (f *apiFixture) do(t *testing.T, method, path, owner string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

// login walks a session through the fake login flow and tracks one channel on it.
func (f *apiFixture) login(t *testing.T, owner string) (sessionID, channelID string) {
	t.Helper()
	rec, body := f.do(t, http.MethodPost, "/v1/sessions", owner, map[string]any{"name": "main", "api_id": 1, "api_hash": "h"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sessionID = body["session"].(map[string]any)["id"].(string)

	rec, body = f.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/phone", owner, map[string]any{"phone": "+15551234567"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, string(scraper.SessionChallengeSent), body["state"])

	rec, body = f.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/code", owner, map[string]any{"code": "12345"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, string(scraper.SessionAuthenticated), body["state"])

	rec, body = f.do(t, http.MethodPost, "/v1/channels", owner, map[string]any{"session_id": sessionID, "remote_id": 100, "title": "News"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	channelID = body["channel"].(map[string]any)["id"].(string)
	return sessionID, channelID
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, config.Config{})

	rec, _ := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, _ = f.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsDownstreamFailure(t *testing.T) {
	t.Parallel()
	srv := NewServer(Services{Ready: func(context.Context) error { return errors.New("db down") }}, config.Config{}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestV1RequiresOwner(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, config.Config{})
	rec, _ := f.do(t, http.MethodGet, "/v1/jobs", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyGuard(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "k"}})

	rec, _ := f.do(t, http.MethodGet, "/v1/sessions", "u1", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set(OwnerHeader, "u1")
	req.Header.Set("X-API-Key", "k")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, config.Config{})
	_, channelID := f.login(t, "u1")

	rec, body := f.do(t, http.MethodPost, "/v1/jobs", "u1", map[string]any{"channel_id": channelID, "kind": "full"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID := body["job_id"].(string)
	require.Equal(t, 1, f.queue.Len())

	rec, body = f.do(t, http.MethodPost, "/v1/jobs", "u1", map[string]any{"channel_id": channelID, "kind": "incremental"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "conflict", body["kind"])

	rec, body = f.do(t, http.MethodGet, "/v1/jobs/"+jobID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "pending", body["job"].(map[string]any)["status"])

	rec, _ = f.do(t, http.MethodGet, "/v1/jobs/"+jobID, "u2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/v1/jobs?status=pending&limit=10", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, body["total"])

	rec, body = f.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "cancelled", body["status"])

	rec, _ = f.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", "u1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobValidationErrors(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, config.Config{})
	_, channelID := f.login(t, "u1")

	rec, _ := f.do(t, http.MethodPost, "/v1/jobs", "u1", map[string]any{"channel_id": channelID, "kind": "weekly"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/v1/jobs?limit=-1", "u1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/v1/jobs?status=exploded", "u1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString("{invalid"))
	req.Header.Set(OwnerHeader, "u1")
	raw := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(raw, req)
	require.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestUnauthenticatedSessionRejectsJobs(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, config.Config{})
	rec, body := f.do(t, http.MethodPost, "/v1/sessions", "u1", map[string]any{"api_id": 1, "api_hash": "h"})
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := body["session"].(map[string]any)["id"].(string)

	rec, body = f.do(t, http.MethodPost, "/v1/channels", "u1", map[string]any{"session_id": sessionID, "remote_id": 5})
	require.Equal(t, http.StatusCreated, rec.Code)
	channelID := body["channel"].(map[string]any)["id"].(string)

	rec, _ = f.do(t, http.MethodPost, "/v1/jobs", "u1", map[string]any{"channel_id": channelID})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/code", "u1", map[string]any{"code": "12345"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestScheduleAndMediaTrigger(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, config.Config{})
	sessionID, channelID := f.login(t, "u1")

	rec, body := f.do(t, http.MethodPut, "/v1/channels/"+channelID+"/schedule", "u1", map[string]any{"enabled": true, "interval_hours": 6})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sc := body["schedule"].(map[string]any)
	require.Equal(t, true, sc["enabled"])
	require.EqualValues(t, 6, sc["interval_hours"])
	require.NotNil(t, sc["next_run_at"])

	rec, body = f.do(t, http.MethodGet, "/v1/channels/"+channelID+"/schedule", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 6, body["schedule"].(map[string]any)["interval_hours"])

	rec, body = f.do(t, http.MethodPost, "/v1/channels/"+channelID+"/media/download", "u1", map[string]any{"session_id": sessionID, "limit": 3})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := body["job"].(map[string]any)
	require.Equal(t, "media", job["kind"])
	require.EqualValues(t, 3, job["limit"])

	rec, _ = f.do(t, http.MethodGet, "/v1/channels/"+channelID, "u2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryMediaOverHTTP(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, config.Config{})
	_, channelID := f.login(t, "u1")
	ctx := context.Background()
	item, _, err := f.content.EnsureMedia(ctx, scraper.MediaItem{ID: "m1", MessageID: "msg1", ChannelID: channelID, RemoteMediaID: 7})
	require.NoError(t, err)
	item.Status = scraper.MediaStatusFailed
	item.Attempts = 3
	require.NoError(t, f.content.UpdateMedia(ctx, item))

	rec, _ := f.do(t, http.MethodPost, "/v1/media/m1/retry", "u2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	rec, body := f.do(t, http.MethodPost, "/v1/media/m1/retry", "u1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Equal(t, "m1", body["media_id"])
	require.Equal(t, "media", body["job"].(map[string]any)["kind"])

	got, err := f.content.GetMedia(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, scraper.MediaStatusPending, got.Status)
	require.Zero(t, got.Attempts)

	// The media task just queued keeps the channel busy.
	rec, body = f.do(t, http.MethodPost, "/v1/media/m1/retry", "u1", nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	require.Equal(t, "conflict", body["kind"])
}

func TestAlertEndpoints(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, config.Config{})

	rec, _ := f.do(t, http.MethodPost, "/v1/alerts", "u1", map[string]any{"name": "bad", "pattern": "(unclosed", "regex": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/v1/alerts", "u1", map[string]any{"name": "btc", "pattern": "bitcoin"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	alertID := body["alert"].(map[string]any)["id"].(string)

	rec, body = f.do(t, http.MethodGet, "/v1/alerts", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["alerts"], 1)

	rec, body = f.do(t, http.MethodPut, "/v1/alerts/"+alertID, "u1", map[string]any{"name": "btc", "pattern": "btc|bitcoin", "regex": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, body["alert"].(map[string]any)["regex"])

	rec, body = f.do(t, http.MethodGet, "/v1/alerts/"+alertID+"/matches?unread=true", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, body["matches"])

	rec, _ = f.do(t, http.MethodGet, "/v1/alerts/"+alertID, "u2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/v1/alerts/"+alertID, "u1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/v1/alerts/"+alertID, "u1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionDeleteAndList(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, config.Config{})
	sessionID, _ := f.login(t, "u1")

	rec, body := f.do(t, http.MethodGet, "/v1/sessions", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["sessions"], 1)
	require.NotContains(t, rec.Body.String(), "api_hash")

	rec, _ = f.do(t, http.MethodDelete, "/v1/sessions/"+sessionID, "u1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/v1/sessions", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, body["sessions"])
}

func TestStatusForKinds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{scraper.E(scraper.ErrValidation, "op", nil), http.StatusBadRequest},
		{scraper.E(scraper.ErrNotFound, "op", nil), http.StatusNotFound},
		{scraper.E(scraper.ErrConflict, "op", nil), http.StatusConflict},
		{scraper.E(scraper.ErrInvalidTransition, "op", nil), http.StatusConflict},
		{scraper.E(scraper.ErrAuthentication, "op", nil), http.StatusUnauthorized},
		{scraper.E(scraper.ErrRateLimited, "op", nil), http.StatusTooManyRequests},
		{scraper.E(scraper.ErrResourceExhausted, "op", nil), http.StatusServiceUnavailable},
		{scraper.E(scraper.ErrChannelAccess, "op", nil), http.StatusForbidden},
		{scraper.E(scraper.ErrNetwork, "op", errors.New("reset")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	s := &Server{logger: zap.NewNop()}
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()
	h := timeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
