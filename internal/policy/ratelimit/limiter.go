// Package ratelimit paces outbound platform calls with one token bucket per session.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/channel-scraper/internal/metrics"
)

// Limiter manages per-session rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	holdUntil    map[string]time.Time
	defaultRate  rate.Limit
	defaultBurst int
	now          func() time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	CallsPerSecond float64
	Burst          int
}

// New creates a new Limiter. A non-positive rate disables pacing.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.CallsPerSecond)
	if cfg.CallsPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		holdUntil:    make(map[string]time.Time),
		defaultRate:  r,
		defaultBurst: burst,
		now:          time.Now,
	}
}

func (l *Limiter) bucket(sessionID string) (*rate.Limiter, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[sessionID]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[sessionID] = limiter
	}
	var hold time.Duration
	if until, ok := l.holdUntil[sessionID]; ok {
		hold = until.Sub(l.now())
		if hold <= 0 {
			delete(l.holdUntil, sessionID)
			hold = 0
		}
	}
	return limiter, hold
}

// Wait blocks until the session may issue another call, respecting the context.
func (l *Limiter) Wait(ctx context.Context, sessionID string) error {
	limiter, hold := l.bucket(sessionID)
	start := time.Now()
	if hold > 0 {
		timer := time.NewTimer(hold)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		}
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay("limiter", d)
	}
	return nil
}

// Penalize holds every call on sessionID for d, typically after the platform
// asked the session to back off. A shorter hold never shortens a longer one.
func (l *Limiter) Penalize(sessionID string, d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if cur, ok := l.holdUntil[sessionID]; ok && cur.After(until) {
		return
	}
	l.holdUntil[sessionID] = until
}

// Forget drops the state kept for a deleted session.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, sessionID)
	delete(l.holdUntil, sessionID)
}
