package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// ContentStore keeps messages and media items in memory.
type ContentStore struct {
	mu         sync.RWMutex
	messages   map[string]scraper.Message
	messageKey map[string]string
	media      map[string]scraper.MediaItem
	mediaKey   map[string]string
}

// NewContentStore constructs a ContentStore.
func NewContentStore() *ContentStore {
	return &ContentStore{
		messages:   make(map[string]scraper.Message),
		messageKey: make(map[string]string),
		media:      make(map[string]scraper.MediaItem),
		mediaKey:   make(map[string]string),
	}
}

func naturalKey(channelID string, remoteID int64) string {
	return fmt.Sprintf("%s/%d", channelID, remoteID)
}

// UpsertMessage inserts or refreshes a message keyed by (channel, remote id).
func (s *ContentStore) UpsertMessage(_ context.Context, msg scraper.Message) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := naturalKey(msg.ChannelID, msg.RemoteID)
	if id, ok := s.messageKey[key]; ok {
		existing := s.messages[id]
		msg.ID = existing.ID
		msg.ScrapedAt = existing.ScrapedAt
		s.messages[id] = msg
		return id, false, nil
	}
	s.messageKey[key] = msg.ID
	s.messages[msg.ID] = msg
	return msg.ID, true, nil
}

// Messages returns the stored messages of a channel ordered by remote id.
func (s *ContentStore) Messages(channelID string) []scraper.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scraper.Message
	for _, msg := range s.messages {
		if msg.ChannelID == channelID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// EnsureMedia creates a pending media item or returns the existing one.
func (s *ContentStore) EnsureMedia(_ context.Context, item scraper.MediaItem) (scraper.MediaItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s/%d", item.MessageID, item.RemoteMediaID)
	if id, ok := s.mediaKey[key]; ok {
		return s.media[id], false, nil
	}
	item.Status = scraper.MediaStatusPending
	s.mediaKey[key] = item.ID
	s.media[item.ID] = item
	return item, true, nil
}

// GetMedia fetches a media item by ID.
func (s *ContentStore) GetMedia(_ context.Context, mediaID string) (scraper.MediaItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.media[mediaID]
	if !ok {
		return scraper.MediaItem{}, scraper.Errorf(scraper.ErrNotFound, "get media", "media %s not found", mediaID)
	}
	return item, nil
}

// ListPendingMedia returns up to limit pending items of a channel, oldest first.
func (s *ContentStore) ListPendingMedia(_ context.Context, channelID string, limit int) ([]scraper.MediaItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scraper.MediaItem
	for _, item := range s.media {
		if item.ChannelID == channelID && item.Status == scraper.MediaStatusPending {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageRemoteID == out[j].MessageRemoteID {
			return out[i].ID < out[j].ID
		}
		return out[i].MessageRemoteID < out[j].MessageRemoteID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateMedia replaces the mutable fields of a media item.
func (s *ContentStore) UpdateMedia(_ context.Context, item scraper.MediaItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.media[item.ID]; !ok {
		return scraper.Errorf(scraper.ErrNotFound, "update media", "media %s not found", item.ID)
	}
	s.media[item.ID] = item
	return nil
}

// ResetDownloading reverts interrupted downloads to pending.
func (s *ContentStore) ResetDownloading(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, item := range s.media {
		if item.Status == scraper.MediaStatusDownloading {
			item.Status = scraper.MediaStatusPending
			s.media[id] = item
			n++
		}
	}
	return n, nil
}

// ResetFailed returns a failed item to pending with attempts and error cleared.
func (s *ContentStore) ResetFailed(_ context.Context, mediaID string) (scraper.MediaItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.media[mediaID]
	if !ok {
		return scraper.MediaItem{}, scraper.Errorf(scraper.ErrNotFound, "reset failed media", "media %s not found", mediaID)
	}
	if item.Status != scraper.MediaStatusFailed {
		return scraper.MediaItem{}, scraper.Errorf(scraper.ErrInvalidTransition, "reset failed media", "media %s is %s", mediaID, item.Status)
	}
	item.Status = scraper.MediaStatusPending
	item.Attempts = 0
	item.Error = ""
	s.media[mediaID] = item
	return item, nil
}
