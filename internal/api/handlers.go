package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/channel-scraper/internal/channels"
	"github.com/JakeFAU/channel-scraper/internal/jobs"
	"github.com/JakeFAU/channel-scraper/internal/matcher"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
	"github.com/JakeFAU/channel-scraper/internal/session"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

type createSessionRequest struct {
	Name    string `json:"name"`
	APIID   int    `json:"api_id"`
	APIHash string `json:"api_hash"`
}

type phoneRequest struct {
	Phone string `json:"phone"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.svc.Sessions.Create(r.Context(), session.CreateRequest{
		OwnerID: ownerID(r.Context()),
		Name:    req.Name,
		APIID:   req.APIID,
		APIHash: req.APIHash,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Sessions.List(r.Context(), ownerID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if out == nil {
		out = []scraper.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Sessions.Delete(r.Context(), ownerID(r.Context()), chi.URLParam(r, "session_id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) submitPhone(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.svc.Sessions.SubmitPhone(r.Context(), ownerID(r.Context()), chi.URLParam(r, "session_id"), req.Phone)
	s.writeSession(w, r, sess, err)
}

func (s *Server) submitCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.svc.Sessions.SubmitCode(r.Context(), ownerID(r.Context()), chi.URLParam(r, "session_id"), req.Code)
	s.writeSession(w, r, sess, err)
}

func (s *Server) submitPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.svc.Sessions.SubmitPassword(r.Context(), ownerID(r.Context()), chi.URLParam(r, "session_id"), req.Password)
	s.writeSession(w, r, sess, err)
}

func (s *Server) logoutSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Sessions.Logout(r.Context(), ownerID(r.Context()), chi.URLParam(r, "session_id"))
	s.writeSession(w, r, sess, err)
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, sess scraper.Session, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "state": sess.State})
}

type trackChannelRequest struct {
	SessionID  string `json:"session_id"`
	RemoteID   int64  `json:"remote_id"`
	AccessHash int64  `json:"access_hash"`
	Title      string `json:"title"`
	Username   string `json:"username"`
}

func (s *Server) trackChannel(w http.ResponseWriter, r *http.Request) {
	var req trackChannelRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ch, err := s.svc.Channels.Track(r.Context(), channels.TrackRequest{
		OwnerID:    ownerID(r.Context()),
		SessionID:  req.SessionID,
		RemoteID:   req.RemoteID,
		AccessHash: req.AccessHash,
		Title:      req.Title,
		Username:   req.Username,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"channel": ch})
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.svc.Channels.Get(r.Context(), ownerID(r.Context()), chi.URLParam(r, "channel_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": ch})
}

type scheduleRequest struct {
	Enabled       bool    `json:"enabled"`
	IntervalHours float64 `json:"interval_hours"`
}

type scheduleDTO struct {
	Enabled       bool       `json:"enabled"`
	IntervalHours float64    `json:"interval_hours"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
}

func toScheduleDTO(sc scraper.Schedule) scheduleDTO {
	return scheduleDTO{
		Enabled:       sc.Enabled,
		IntervalHours: sc.Interval.Hours(),
		LastRunAt:     sc.LastRunAt,
		NextRunAt:     sc.NextRunAt,
	}
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.svc.Schedules.GetSchedule(r.Context(), ownerID(r.Context()), chi.URLParam(r, "channel_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": toScheduleDTO(sc)})
}

func (s *Server) putSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	interval := time.Duration(req.IntervalHours * float64(time.Hour))
	sc, err := s.svc.Schedules.PutSchedule(r.Context(), ownerID(r.Context()), chi.URLParam(r, "channel_id"), req.Enabled, interval)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": toScheduleDTO(sc)})
}

type mediaDownloadRequest struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}

func (s *Server) startMediaDownload(w http.ResponseWriter, r *http.Request) {
	var req mediaDownloadRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.svc.Jobs.StartMediaDownload(r.Context(), ownerID(r.Context()), chi.URLParam(r, "channel_id"), req.SessionID, req.Limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "job": job})
}

type retryMediaRequest struct {
	SessionID string `json:"session_id"`
}

// retryMedia accepts an empty body; the channel's session is used by default.
func (s *Server) retryMedia(w http.ResponseWriter, r *http.Request) {
	var req retryMediaRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	mediaID := chi.URLParam(r, "media_id")
	job, err := s.svc.Jobs.RetryMedia(r.Context(), ownerID(r.Context()), mediaID, req.SessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"media_id": mediaID, "job_id": job.ID, "job": job})
}

type createJobRequest struct {
	ChannelID   string `json:"channel_id"`
	SessionID   string `json:"session_id"`
	Kind        string `json:"kind"`
	ScrapeMedia *bool  `json:"scrape_media"`
	Limit       int    `json:"limit"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	kind := scraper.JobKind(req.Kind)
	if kind == "" {
		kind = scraper.JobKindIncremental
	}
	job, err := s.svc.Jobs.Create(r.Context(), jobs.CreateRequest{
		OwnerID:     ownerID(r.Context()),
		ChannelID:   req.ChannelID,
		SessionID:   req.SessionID,
		Kind:        kind,
		Origin:      scraper.JobOriginUser,
		ScrapeMedia: req.ScrapeMedia,
		Limit:       req.Limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	out, total, err := s.svc.Jobs.List(r.Context(), scraper.JobFilter{
		OwnerID:   ownerID(r.Context()),
		ChannelID: strings.TrimSpace(q.Get("channel_id")),
		Status:    scraper.JobStatus(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if out == nil {
		out = []scraper.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "total": total, "limit": limit, "offset": offset})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Jobs.Get(r.Context(), ownerID(r.Context()), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Jobs.Cancel(r.Context(), ownerID(r.Context()), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":           job.ID,
		"status":           job.Status,
		"cancel_requested": job.CancelRequested,
	})
}

func (s *Server) createAlert(w http.ResponseWriter, r *http.Request) {
	var in matcher.AlertInput
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.svc.Alerts.Create(r.Context(), ownerID(r.Context()), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"alert": a})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.svc.Alerts.List(r.Context(), scraper.AlertFilter{
		OwnerID:    ownerID(r.Context()),
		ChannelID:  q.Get("channel_id"),
		ActiveOnly: q.Get("active") == "true",
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if out == nil {
		out = []scraper.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Alerts.Get(r.Context(), ownerID(r.Context()), chi.URLParam(r, "alert_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alert": a})
}

func (s *Server) updateAlert(w http.ResponseWriter, r *http.Request) {
	var in matcher.AlertInput
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.svc.Alerts.Update(r.Context(), ownerID(r.Context()), chi.URLParam(r, "alert_id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alert": a})
}

func (s *Server) deleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Alerts.Delete(r.Context(), ownerID(r.Context()), chi.URLParam(r, "alert_id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMatches(w http.ResponseWriter, r *http.Request) {
	unread := r.URL.Query().Get("unread") == "true"
	out, err := s.svc.Alerts.Matches(r.Context(), ownerID(r.Context()), chi.URLParam(r, "alert_id"), unread)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if out == nil {
		out = []scraper.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": out})
}

func (s *Server) markMatchRead(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Alerts.MarkRead(r.Context(), ownerID(r.Context()), chi.URLParam(r, "alert_id"), chi.URLParam(r, "match_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, scraper.E(scraper.ErrValidation, "parse query", errors.New("invalid limit"))
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, scraper.E(scraper.ErrValidation, "parse query", errors.New("invalid offset"))
		}
		offset = val
	}
	return limit, offset, nil
}
