package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// ChannelStore keeps tracked channels in memory.
type ChannelStore struct {
	mu       sync.RWMutex
	channels map[string]scraper.Channel
}

// NewChannelStore constructs a ChannelStore.
func NewChannelStore() *ChannelStore {
	return &ChannelStore{channels: make(map[string]scraper.Channel)}
}

// CreateChannel stores a channel; (owner, remote id) must be unique.
func (s *ChannelStore) CreateChannel(_ context.Context, channel scraper.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.channels {
		if existing.ID == channel.ID || (existing.OwnerID == channel.OwnerID && existing.RemoteID == channel.RemoteID) {
			return scraper.Errorf(scraper.ErrConflict, "create channel", "channel %d already tracked", channel.RemoteID)
		}
	}
	s.channels[channel.ID] = channel
	return nil
}

// GetChannel fetches a channel by ID.
func (s *ChannelStore) GetChannel(_ context.Context, channelID string) (scraper.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return scraper.Channel{}, scraper.Errorf(scraper.ErrNotFound, "get channel", "channel %s not found", channelID)
	}
	return ch, nil
}

// AdvanceChannel raises the checkpoint and bumps the counters.
func (s *ChannelStore) AdvanceChannel(_ context.Context, channelID string, lastRemoteID int64, addMessages, addMedia int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return scraper.Errorf(scraper.ErrNotFound, "advance channel", "channel %s not found", channelID)
	}
	if lastRemoteID > ch.LastRemoteID {
		ch.LastRemoteID = lastRemoteID
	}
	ch.MessageCount += addMessages
	ch.MediaCount += addMedia
	s.channels[channelID] = ch
	return nil
}

// UpdateSchedule replaces the schedule configuration.
func (s *ChannelStore) UpdateSchedule(_ context.Context, channelID string, schedule scraper.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return scraper.Errorf(scraper.ErrNotFound, "update schedule", "channel %s not found", channelID)
	}
	ch.Schedule = schedule
	s.channels[channelID] = ch
	return nil
}

// ListDueChannels returns active channels whose schedule is due at now.
func (s *ChannelStore) ListDueChannels(_ context.Context, now time.Time) ([]scraper.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scraper.Channel
	for _, ch := range s.channels {
		if !ch.Active || !ch.Schedule.Enabled || ch.Schedule.NextRunAt == nil {
			continue
		}
		if !ch.Schedule.NextRunAt.After(now) {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Schedule.NextRunAt.Before(*out[j].Schedule.NextRunAt) })
	return out, nil
}

// MarkScheduledRun records a scheduler-created run.
func (s *ChannelStore) MarkScheduledRun(_ context.Context, channelID string, ranAt, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return scraper.Errorf(scraper.ErrNotFound, "mark scheduled run", "channel %s not found", channelID)
	}
	ch.Schedule.LastRunAt = pointerTime(ranAt)
	ch.Schedule.NextRunAt = pointerTime(nextRun)
	s.channels[channelID] = ch
	return nil
}
