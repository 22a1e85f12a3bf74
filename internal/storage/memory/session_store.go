package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// SessionStore keeps account sessions in memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]scraper.Session
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]scraper.Session)}
}

// CreateSession stores a new session.
func (s *SessionStore) CreateSession(_ context.Context, session scraper.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return scraper.Errorf(scraper.ErrConflict, "create session", "session %s already exists", session.ID)
	}
	s.sessions[session.ID] = session
	return nil
}

// GetSession fetches a session by ID.
func (s *SessionStore) GetSession(_ context.Context, sessionID string) (scraper.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return scraper.Session{}, scraper.Errorf(scraper.ErrNotFound, "get session", "session %s not found", sessionID)
	}
	return session, nil
}

// ListSessions returns the sessions of an owner, oldest first.
func (s *SessionStore) ListSessions(_ context.Context, ownerID string) ([]scraper.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scraper.Session
	for _, session := range s.sessions {
		if session.OwnerID == ownerID {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// UpdateSession replaces a session.
func (s *SessionStore) UpdateSession(_ context.Context, session scraper.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return scraper.Errorf(scraper.ErrNotFound, "update session", "session %s not found", session.ID)
	}
	s.sessions[session.ID] = session
	return nil
}

// DeleteSession removes a session.
func (s *SessionStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return scraper.Errorf(scraper.ErrNotFound, "delete session", "session %s not found", sessionID)
	}
	delete(s.sessions, sessionID)
	return nil
}

// MarkUnauthenticated drops the credential and records the reason.
func (s *SessionStore) MarkUnauthenticated(_ context.Context, sessionID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return scraper.Errorf(scraper.ErrNotFound, "mark unauthenticated", "session %s not found", sessionID)
	}
	session.State = scraper.SessionUnauthenticated
	session.Credential = nil
	session.ChallengeID = ""
	session.LastError = reason
	s.sessions[sessionID] = session
	return nil
}
