// Package api exposes the HTTP interface for the scraper service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/channels"
	"github.com/JakeFAU/channel-scraper/internal/config"
	"github.com/JakeFAU/channel-scraper/internal/jobs"
	"github.com/JakeFAU/channel-scraper/internal/matcher"
	"github.com/JakeFAU/channel-scraper/internal/metrics"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
	"github.com/JakeFAU/channel-scraper/internal/session"
)

// OwnerHeader names the caller's identity. Token issuance happens upstream.
const OwnerHeader = "X-Owner-ID"

// JobService is the job control surface.
type JobService interface {
	Create(ctx context.Context, req jobs.CreateRequest) (scraper.Job, error)
	StartMediaDownload(ctx context.Context, ownerID, channelID, sessionID string, limit int) (scraper.Job, error)
	RetryMedia(ctx context.Context, ownerID, mediaID, sessionID string) (scraper.Job, error)
	Get(ctx context.Context, ownerID, jobID string) (scraper.Job, error)
	List(ctx context.Context, filter scraper.JobFilter) ([]scraper.Job, int, error)
	Cancel(ctx context.Context, ownerID, jobID string) (scraper.Job, error)
}

// SessionService is the session control surface.
type SessionService interface {
	Create(ctx context.Context, req session.CreateRequest) (scraper.Session, error)
	List(ctx context.Context, ownerID string) ([]scraper.Session, error)
	Delete(ctx context.Context, ownerID, sessionID string) error
	SubmitPhone(ctx context.Context, ownerID, sessionID, phone string) (scraper.Session, error)
	SubmitCode(ctx context.Context, ownerID, sessionID, code string) (scraper.Session, error)
	SubmitPassword(ctx context.Context, ownerID, sessionID, password string) (scraper.Session, error)
	Logout(ctx context.Context, ownerID, sessionID string) (scraper.Session, error)
}

// ChannelService tracks channels.
type ChannelService interface {
	Track(ctx context.Context, req channels.TrackRequest) (scraper.Channel, error)
	Get(ctx context.Context, ownerID, channelID string) (scraper.Channel, error)
}

// ScheduleService reads and writes channel schedules.
type ScheduleService interface {
	GetSchedule(ctx context.Context, ownerID, channelID string) (scraper.Schedule, error)
	PutSchedule(ctx context.Context, ownerID, channelID string, enabled bool, interval time.Duration) (scraper.Schedule, error)
}

// AlertService manages keyword alerts.
type AlertService interface {
	Create(ctx context.Context, ownerID string, in matcher.AlertInput) (scraper.Alert, error)
	Get(ctx context.Context, ownerID, alertID string) (scraper.Alert, error)
	Update(ctx context.Context, ownerID, alertID string, in matcher.AlertInput) (scraper.Alert, error)
	Delete(ctx context.Context, ownerID, alertID string) error
	List(ctx context.Context, filter scraper.AlertFilter) ([]scraper.Alert, error)
	Matches(ctx context.Context, ownerID, alertID string, unreadOnly bool) ([]scraper.Match, error)
	MarkRead(ctx context.Context, ownerID, alertID, matchID string) error
}

// Services groups the handlers' collaborators.
type Services struct {
	Jobs      JobService
	Sessions  SessionService
	Channels  ChannelService
	Schedules ScheduleService
	Alerts    AlertService
	// Ready reports downstream readiness. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the services.
type Server struct {
	router chi.Router
	svc    Services
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Services, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Use(ownerMiddleware)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Delete("/", s.deleteSession)
				r.Post("/phone", s.submitPhone)
				r.Post("/code", s.submitCode)
				r.Post("/password", s.submitPassword)
				r.Post("/logout", s.logoutSession)
			})
		})
		r.Route("/channels", func(r chi.Router) {
			r.Post("/", s.trackChannel)
			r.Route("/{channel_id}", func(r chi.Router) {
				r.Get("/", s.getChannel)
				r.Get("/schedule", s.getSchedule)
				r.Put("/schedule", s.putSchedule)
				r.Post("/media/download", s.startMediaDownload)
			})
		})
		r.Post("/media/{media_id}/retry", s.retryMedia)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Route("/alerts", func(r chi.Router) {
			r.Post("/", s.createAlert)
			r.Get("/", s.listAlerts)
			r.Route("/{alert_id}", func(r chi.Router) {
				r.Get("/", s.getAlert)
				r.Put("/", s.updateAlert)
				r.Delete("/", s.deleteAlert)
				r.Get("/matches", s.listMatches)
				r.Post("/matches/{match_id}/read", s.markMatchRead)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.svc.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// fail maps an error kind to a status code. Unknown errors are logged and hidden.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, status, "internal server error")
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": scraper.KindName(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scraper.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, scraper.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scraper.ErrConflict), errors.Is(err, scraper.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, scraper.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, scraper.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, scraper.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, scraper.ErrChannelAccess):
		return http.StatusForbidden
	case errors.Is(err, scraper.ErrNetwork):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return scraper.Errorf(scraper.ErrValidation, "decode request", "invalid JSON: %v", err)
	}
	return nil
}

type ownerKey struct{}

func ownerID(ctx context.Context) string {
	id, _ := ctx.Value(ownerKey{}).(string)
	return id
}

func ownerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "missing "+OwnerHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", requestID(r.Context())),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
