// Package session drives the user-initiated login flow of platform accounts and owns
// session create, list and delete.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/platform"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// Sealer encrypts credential blobs at rest. *secret.Sealer satisfies it.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// LeaseChecker reports whether a session is currently leased by a job.
type LeaseChecker interface {
	Held(sessionID string) bool
}

// Forgetter drops per-session pacing state.
type Forgetter interface {
	Forget(sessionID string)
}

// CreateRequest carries the application credentials of a new session.
type CreateRequest struct {
	OwnerID string
	Name    string
	APIID   int
	APIHash string
}

// Deps groups the collaborators of Service.
type Deps struct {
	Sessions scraper.SessionStore
	Auth     platform.Authenticator
	Sealer   Sealer
	Leases   LeaseChecker
	Pacing   Forgetter
	IDs      scraper.IDGenerator
	Clock    scraper.Clock
	// DefaultAPIID and DefaultAPIHash fill a create request that omits both.
	DefaultAPIID   int
	DefaultAPIHash string
}

// Service implements session control.
type Service struct {
	deps   Deps
	logger *zap.Logger
}

// NewService wires a Service. Leases and Pacing may be nil.
func NewService(deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: logger.Named("session")}
}

// Create stores a new unauthenticated session.
func (s *Service) Create(ctx context.Context, req CreateRequest) (scraper.Session, error) {
	if req.OwnerID == "" {
		return scraper.Session{}, scraper.Errorf(scraper.ErrValidation, "create session", "owner is required")
	}
	if req.APIID == 0 && req.APIHash == "" {
		req.APIID, req.APIHash = s.deps.DefaultAPIID, s.deps.DefaultAPIHash
	}
	if req.APIID <= 0 || strings.TrimSpace(req.APIHash) == "" {
		return scraper.Session{}, scraper.Errorf(scraper.ErrValidation, "create session", "api_id and api_hash are required")
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return scraper.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	now := s.deps.Clock.Now()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "session-" + id
	}
	sess := scraper.Session{
		ID:      id,
		OwnerID: req.OwnerID,
		Name:    name,
		APIID:   req.APIID,
		APIHash: req.APIHash,
		State:   scraper.SessionUnauthenticated,
		Created: now,
		Updated: now,
	}
	if err := s.deps.Sessions.CreateSession(ctx, sess); err != nil {
		return scraper.Session{}, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("session created", zap.String("session_id", id), zap.String("owner_id", req.OwnerID))
	return sess, nil
}

// Get returns a session owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, sessionID string) (scraper.Session, error) {
	sess, err := s.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return scraper.Session{}, fmt.Errorf("get session: %w", err)
	}
	if ownerID != "" && sess.OwnerID != ownerID {
		return scraper.Session{}, scraper.Errorf(scraper.ErrNotFound, "get session", "session %s not found", sessionID)
	}
	return sess, nil
}

// List returns the sessions of ownerID.
func (s *Service) List(ctx context.Context, ownerID string) ([]scraper.Session, error) {
	out, err := s.deps.Sessions.ListSessions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Delete removes a session. A session leased by a running job yields ErrConflict.
func (s *Service) Delete(ctx context.Context, ownerID, sessionID string) error {
	if _, err := s.Get(ctx, ownerID, sessionID); err != nil {
		return err
	}
	if s.deps.Leases != nil && s.deps.Leases.Held(sessionID) {
		return scraper.Errorf(scraper.ErrConflict, "delete session", "session %s is in use", sessionID)
	}
	if err := s.deps.Sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if s.deps.Pacing != nil {
		s.deps.Pacing.Forget(sessionID)
	}
	s.logger.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// SubmitPhone asks the platform to issue a login challenge.
func (s *Service) SubmitPhone(ctx context.Context, ownerID, sessionID, phone string) (scraper.Session, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return scraper.Session{}, scraper.Errorf(scraper.ErrValidation, "session phone", "phone is required")
	}
	sess, err := s.Get(ctx, ownerID, sessionID)
	if err != nil {
		return scraper.Session{}, err
	}
	if err := checkStep(sess.State, StepPhone); err != nil {
		return scraper.Session{}, err
	}

	challenge, err := s.deps.Auth.SendChallenge(ctx, account(sess, nil), phone)
	if err != nil {
		return scraper.Session{}, s.recordFailure(ctx, sess, StepPhone, err)
	}
	sealed, err := s.deps.Sealer.Seal(challenge.State)
	if err != nil {
		return scraper.Session{}, fmt.Errorf("seal challenge state: %w", err)
	}
	sess.Phone = phone
	sess.ChallengeID = challenge.ID
	sess.Credential = sealed
	sess.LastError = ""
	return s.move(ctx, sess, StepPhone, scraper.SessionChallengeSent)
}

// SubmitCode verifies the challenge code. The session lands in password_required when the
// account has a second factor.
func (s *Service) SubmitCode(ctx context.Context, ownerID, sessionID, code string) (scraper.Session, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return scraper.Session{}, scraper.Errorf(scraper.ErrValidation, "session code", "code is required")
	}
	sess, err := s.Get(ctx, ownerID, sessionID)
	if err != nil {
		return scraper.Session{}, err
	}
	if err := checkStep(sess.State, StepCode); err != nil {
		return scraper.Session{}, err
	}
	state, err := s.deps.Sealer.Open(sess.Credential)
	if err != nil {
		return scraper.Session{}, fmt.Errorf("open challenge state: %w", err)
	}

	v, err := s.deps.Auth.Verify(ctx, account(sess, state), sess.Phone, sess.ChallengeID, code)
	if err != nil {
		return scraper.Session{}, s.recordFailure(ctx, sess, StepCode, err)
	}
	next := scraper.SessionAuthenticated
	if v.PasswordRequired {
		next = scraper.SessionPasswordRequired
	}
	if err := s.applyVerification(&sess, v); err != nil {
		return scraper.Session{}, err
	}
	return s.move(ctx, sess, StepCode, next)
}

// SubmitPassword completes a login that requires a second factor.
func (s *Service) SubmitPassword(ctx context.Context, ownerID, sessionID, password string) (scraper.Session, error) {
	if password == "" {
		return scraper.Session{}, scraper.Errorf(scraper.ErrValidation, "session password", "password is required")
	}
	sess, err := s.Get(ctx, ownerID, sessionID)
	if err != nil {
		return scraper.Session{}, err
	}
	if err := checkStep(sess.State, StepPassword); err != nil {
		return scraper.Session{}, err
	}
	state, err := s.deps.Sealer.Open(sess.Credential)
	if err != nil {
		return scraper.Session{}, fmt.Errorf("open session state: %w", err)
	}

	v, err := s.deps.Auth.VerifyPassword(ctx, account(sess, state), password)
	if err != nil {
		return scraper.Session{}, s.recordFailure(ctx, sess, StepPassword, err)
	}
	if err := s.applyVerification(&sess, v); err != nil {
		return scraper.Session{}, err
	}
	return s.move(ctx, sess, StepPassword, scraper.SessionAuthenticated)
}

// Logout drops the stored credential so the session must log in again.
func (s *Service) Logout(ctx context.Context, ownerID, sessionID string) (scraper.Session, error) {
	sess, err := s.Get(ctx, ownerID, sessionID)
	if err != nil {
		return scraper.Session{}, err
	}
	if err := checkStep(sess.State, StepRevoke); err != nil {
		return scraper.Session{}, err
	}
	if s.deps.Leases != nil && s.deps.Leases.Held(sessionID) {
		return scraper.Session{}, scraper.Errorf(scraper.ErrConflict, "session logout", "session %s is in use", sessionID)
	}
	sess.Credential = nil
	sess.ChallengeID = ""
	sess.LastError = ""
	return s.move(ctx, sess, StepRevoke, scraper.SessionUnauthenticated)
}

func (s *Service) applyVerification(sess *scraper.Session, v platform.Verification) error {
	sealed, err := s.deps.Sealer.Seal(v.State)
	if err != nil {
		return fmt.Errorf("seal session state: %w", err)
	}
	sess.Credential = sealed
	sess.ChallengeID = ""
	sess.LastError = ""
	if v.UserID != 0 {
		sess.RemoteUserID = v.UserID
	}
	return nil
}

func (s *Service) move(ctx context.Context, sess scraper.Session, step Step, next scraper.SessionState) (scraper.Session, error) {
	if !CanMove(sess.State, step, next) {
		return scraper.Session{}, scraper.Errorf(scraper.ErrInvalidTransition, "session "+string(step), "%s cannot move to %s", sess.State, next)
	}
	prev := sess.State
	sess.State = next
	sess.Updated = s.deps.Clock.Now()
	if err := s.deps.Sessions.UpdateSession(ctx, sess); err != nil {
		return scraper.Session{}, fmt.Errorf("update session: %w", err)
	}
	s.logger.Info("session state changed",
		zap.String("session_id", sess.ID),
		zap.String("phone", MaskPhone(sess.Phone)),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	return sess, nil
}

// recordFailure keeps the current state, notes the error and returns it. A validation or
// authentication failure leaves the user free to retry the same step.
func (s *Service) recordFailure(ctx context.Context, sess scraper.Session, step Step, cause error) error {
	if scraper.KindOf(cause) == nil {
		cause = scraper.E(scraper.ErrAuthentication, "session "+string(step), cause)
	}
	sess.LastError = scraper.Describe(cause)
	sess.Updated = s.deps.Clock.Now()
	if err := s.deps.Sessions.UpdateSession(ctx, sess); err != nil {
		return errors.Join(cause, fmt.Errorf("record session failure: %w", err))
	}
	s.logger.Warn("session step failed",
		zap.String("session_id", sess.ID),
		zap.String("step", string(step)),
		zap.String("phone", MaskPhone(sess.Phone)),
		zap.Error(cause),
	)
	return cause
}

func account(sess scraper.Session, state []byte) platform.Account {
	return platform.Account{SessionID: sess.ID, APIID: sess.APIID, APIHash: sess.APIHash, State: state}
}

// MaskPhone hides the middle digits of a phone number for logs.
func MaskPhone(phone string) string {
	if len(phone) <= 7 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:3] + strings.Repeat("*", len(phone)-7) + phone[len(phone)-4:]
}
