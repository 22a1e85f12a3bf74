// Package lease serializes use of an account session's platform connection.
//
// Only one lease per session may be outstanding. Waiters are served in arrival order and a
// waiter whose timeout elapses fails with scraper.ErrResourceExhausted without disturbing the holder.
package lease

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// Observer receives lease wait durations.
type Observer func(wait time.Duration, acquired bool)

// Manager is the lease registry.
type Manager struct {
	mu       sync.Mutex
	entries  map[string]*entry
	sessions scraper.SessionStore
	logger   *zap.Logger
	observe  Observer
}

type entry struct {
	waiters []*waiter
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// NewManager builds a registry. sessions is used to revoke credentials on Invalidate.
func NewManager(sessions scraper.SessionStore, logger *zap.Logger, observe Observer) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observe == nil {
		observe = func(time.Duration, bool) {}
	}
	return &Manager{
		entries:  make(map[string]*entry),
		sessions: sessions,
		logger:   logger.Named("lease"),
		observe:  observe,
	}
}

// Acquire blocks until the caller holds sessionID, timeout elapses, or ctx ends.
// A non-positive timeout fails immediately when the session is held.
func (m *Manager) Acquire(ctx context.Context, sessionID string, timeout time.Duration) (*Lease, error) {
	start := time.Now()
	m.mu.Lock()
	e, held := m.entries[sessionID]
	if !held {
		m.entries[sessionID] = &entry{}
		m.mu.Unlock()
		m.observe(0, true)
		return m.newLease(sessionID), nil
	}
	if timeout <= 0 {
		m.mu.Unlock()
		m.observe(0, false)
		return nil, scraper.Errorf(scraper.ErrResourceExhausted, "acquire lease", "session %s is busy", sessionID)
	}
	w := &waiter{ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-w.ready:
		m.observe(time.Since(start), true)
		return m.newLease(sessionID), nil
	case <-timer.C:
		err = scraper.Errorf(scraper.ErrResourceExhausted, "acquire lease", "session %s busy after %s", sessionID, timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.mu.Lock()
	if w.granted {
		// Handed over between the timeout firing and re-locking.
		m.mu.Unlock()
		m.observe(time.Since(start), true)
		return m.newLease(sessionID), nil
	}
	m.removeWaiter(sessionID, w)
	m.mu.Unlock()
	m.observe(time.Since(start), false)
	m.logger.Debug("lease wait abandoned", zap.String("session_id", sessionID), zap.Error(err))
	return nil, err
}

// Held reports whether sessionID is currently leased.
func (m *Manager) Held(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[sessionID]
	return ok
}

// Waiting returns the number of queued waiters for sessionID.
func (m *Manager) Waiting(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[sessionID]; ok {
		return len(e.waiters)
	}
	return 0
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return
	}
	if len(e.waiters) == 0 {
		delete(m.entries, sessionID)
		return
	}
	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	next.granted = true
	close(next.ready)
}

// removeWaiter must be called with m.mu held.
func (m *Manager) removeWaiter(sessionID string, w *waiter) {
	e, ok := m.entries[sessionID]
	if !ok {
		return
	}
	for i, candidate := range e.waiters {
		if candidate == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) newLease(sessionID string) *Lease {
	return &Lease{sessionID: sessionID, manager: m}
}

// Lease is exclusive use of one session's connection.
type Lease struct {
	sessionID string
	manager   *Manager
	once      sync.Once
}

// SessionID returns the leased session.
func (l *Lease) SessionID() string {
	return l.sessionID
}

// Release returns the lease and wakes the next waiter. Extra calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.manager.release(l.sessionID)
	})
}

// Invalidate marks the session unauthenticated after the platform rejected its credential.
// The caller still owns the lease and must Release it.
func (l *Lease) Invalidate(ctx context.Context, reason string) error {
	l.manager.logger.Warn("session credential invalidated",
		zap.String("session_id", l.sessionID),
		zap.String("reason", reason),
	)
	if l.manager.sessions == nil {
		return nil
	}
	return l.manager.sessions.MarkUnauthenticated(ctx, l.sessionID, reason)
}
