// Package scheduler promotes due recurring channels into incremental jobs and manages
// per-channel schedule configuration.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/jobs"
	"github.com/JakeFAU/channel-scraper/internal/metrics"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// Scheduler decisions recorded per due channel.
const (
	DecisionEnqueued        = "enqueued"
	DecisionBusy            = "busy"
	DecisionUnauthenticated = "unauthenticated"
	DecisionError           = "error"
)

// DefaultInterval applies when a schedule is enabled without an interval.
const DefaultInterval = 24 * time.Hour

// Creator creates jobs. *jobs.Service satisfies it.
type Creator interface {
	Create(ctx context.Context, req jobs.CreateRequest) (scraper.Job, error)
}

// Config tunes the loop.
type Config struct {
	Tick            time.Duration
	DefaultInterval time.Duration
}

// Scheduler runs the tick loop.
type Scheduler struct {
	channels scraper.ChannelStore
	jobs     scraper.JobStore
	sessions scraper.SessionStore
	creator  Creator
	clock    scraper.Clock
	cfg      Config
	logger   *zap.Logger
}

// New creates a Scheduler.
func New(channels scraper.ChannelStore, jobStore scraper.JobStore, sessions scraper.SessionStore,
	creator Creator, clock scraper.Clock, cfg Config, logger *zap.Logger,
) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		channels: channels,
		jobs:     jobStore,
		sessions: sessions,
		creator:  creator,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("scheduler"),
	}
}

// Run ticks immediately and then every cfg.Tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every due channel once and returns the decision per channel id.
func (s *Scheduler) Tick(ctx context.Context) map[string]string {
	now := s.clock.Now()
	due, err := s.channels.ListDueChannels(ctx, now)
	if err != nil {
		s.logger.Error("list due channels", zap.Error(err))
		return nil
	}
	decisions := make(map[string]string, len(due))
	for _, ch := range due {
		if ctx.Err() != nil {
			break
		}
		decision := s.promote(ctx, ch, now)
		decisions[ch.ID] = decision
		metrics.ObserveSchedulerDecision(decision)
	}
	if len(due) > 0 {
		s.logger.Info("scheduler tick", zap.Int("due", len(due)))
	}
	return decisions
}

// promote leaves next_run_at untouched on every skip so the channel is reconsidered next tick.
func (s *Scheduler) promote(ctx context.Context, ch scraper.Channel, now time.Time) string {
	logger := s.logger.With(zap.String("channel_id", ch.ID), zap.String("session_id", ch.SessionID))

	busy, err := s.jobs.HasActiveJob(ctx, ch.ID)
	if err != nil {
		logger.Error("check active job", zap.Error(err))
		return DecisionError
	}
	if busy {
		logger.Debug("channel busy, skipping")
		return DecisionBusy
	}

	session, err := s.sessions.GetSession(ctx, ch.SessionID)
	if err != nil && !errors.Is(err, scraper.ErrNotFound) {
		logger.Error("load session", zap.Error(err))
		return DecisionError
	}
	if err != nil || session.State != scraper.SessionAuthenticated {
		logger.Debug("session not authenticated, skipping")
		return DecisionUnauthenticated
	}

	job, err := s.creator.Create(ctx, jobs.CreateRequest{
		OwnerID:   ch.OwnerID,
		ChannelID: ch.ID,
		SessionID: ch.SessionID,
		Kind:      scraper.JobKindIncremental,
		Origin:    scraper.JobOriginScheduler,
	})
	switch {
	case errors.Is(err, scraper.ErrConflict):
		return DecisionBusy
	case errors.Is(err, scraper.ErrAuthentication):
		return DecisionUnauthenticated
	case err != nil:
		logger.Error("create scheduled job", zap.Error(err))
		return DecisionError
	}

	interval := ch.Schedule.Interval
	if interval <= 0 {
		interval = s.cfg.DefaultInterval
	}
	if err := s.channels.MarkScheduledRun(ctx, ch.ID, now, now.Add(interval)); err != nil {
		logger.Error("mark scheduled run", zap.String("job_id", job.ID), zap.Error(err))
		return DecisionError
	}
	logger.Info("scheduled job enqueued", zap.String("job_id", job.ID))
	return DecisionEnqueued
}

// GetSchedule returns the schedule of a channel owned by ownerID.
func (s *Scheduler) GetSchedule(ctx context.Context, ownerID, channelID string) (scraper.Schedule, error) {
	ch, err := s.ownedChannel(ctx, ownerID, channelID, "get schedule")
	if err != nil {
		return scraper.Schedule{}, err
	}
	return ch.Schedule, nil
}

// PutSchedule enables or disables recurring scrapes. Enabling sets next_run_at to now plus
// the interval; disabling clears it. last_run_at is preserved.
func (s *Scheduler) PutSchedule(ctx context.Context, ownerID, channelID string, enabled bool, interval time.Duration) (scraper.Schedule, error) {
	if interval < 0 {
		return scraper.Schedule{}, scraper.Errorf(scraper.ErrValidation, "put schedule", "interval must be positive")
	}
	ch, err := s.ownedChannel(ctx, ownerID, channelID, "put schedule")
	if err != nil {
		return scraper.Schedule{}, err
	}
	if interval == 0 {
		interval = s.cfg.DefaultInterval
	}
	schedule := scraper.Schedule{
		Enabled:   enabled,
		Interval:  interval,
		LastRunAt: ch.Schedule.LastRunAt,
	}
	if enabled {
		next := s.clock.Now().Add(interval)
		schedule.NextRunAt = &next
	}
	if err := s.channels.UpdateSchedule(ctx, channelID, schedule); err != nil {
		return scraper.Schedule{}, fmt.Errorf("update schedule: %w", err)
	}
	s.logger.Info("schedule updated",
		zap.String("channel_id", channelID),
		zap.Bool("enabled", enabled),
		zap.Duration("interval", interval),
	)
	return schedule, nil
}

func (s *Scheduler) ownedChannel(ctx context.Context, ownerID, channelID, op string) (scraper.Channel, error) {
	ch, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		return scraper.Channel{}, fmt.Errorf("%s: %w", op, err)
	}
	if ownerID != "" && ch.OwnerID != ownerID {
		return scraper.Channel{}, scraper.Errorf(scraper.ErrNotFound, op, "channel %s not found", channelID)
	}
	return ch, nil
}
