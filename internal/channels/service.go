// Package channels tracks remote channels on behalf of an owner.
package channels

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// TrackRequest registers a remote channel.
type TrackRequest struct {
	OwnerID    string
	SessionID  string
	RemoteID   int64
	AccessHash int64
	Title      string
	Username   string
}

// Service implements channel tracking.
type Service struct {
	channels scraper.ChannelStore
	sessions scraper.SessionStore
	ids      scraper.IDGenerator
	clock    scraper.Clock
	logger   *zap.Logger
}

// NewService wires a Service.
func NewService(channels scraper.ChannelStore, sessions scraper.SessionStore, ids scraper.IDGenerator, clock scraper.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{channels: channels, sessions: sessions, ids: ids, clock: clock, logger: logger.Named("channels")}
}

// Track stores a channel bound to one of the owner's sessions. Tracking the same remote
// channel twice yields ErrConflict.
func (s *Service) Track(ctx context.Context, req TrackRequest) (scraper.Channel, error) {
	if req.OwnerID == "" {
		return scraper.Channel{}, scraper.Errorf(scraper.ErrValidation, "track channel", "owner is required")
	}
	if req.RemoteID <= 0 {
		return scraper.Channel{}, scraper.Errorf(scraper.ErrValidation, "track channel", "remote_id must be positive")
	}
	if req.SessionID == "" {
		return scraper.Channel{}, scraper.Errorf(scraper.ErrValidation, "track channel", "session_id is required")
	}
	sess, err := s.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return scraper.Channel{}, fmt.Errorf("load session: %w", err)
	}
	if sess.OwnerID != req.OwnerID {
		return scraper.Channel{}, scraper.Errorf(scraper.ErrNotFound, "track channel", "session %s not found", req.SessionID)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return scraper.Channel{}, fmt.Errorf("generate channel id: %w", err)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = strings.TrimPrefix(req.Username, "@")
	}
	ch := scraper.Channel{
		ID:         id,
		OwnerID:    req.OwnerID,
		SessionID:  req.SessionID,
		RemoteID:   req.RemoteID,
		AccessHash: req.AccessHash,
		Username:   strings.TrimPrefix(req.Username, "@"),
		Title:      title,
		Active:     true,
		Created:    s.clock.Now(),
	}
	if err := s.channels.CreateChannel(ctx, ch); err != nil {
		return scraper.Channel{}, fmt.Errorf("track channel: %w", err)
	}
	s.logger.Info("channel tracked",
		zap.String("channel_id", ch.ID),
		zap.Int64("remote_id", ch.RemoteID),
		zap.String("session_id", ch.SessionID),
	)
	return ch, nil
}

// Get returns a channel owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, channelID string) (scraper.Channel, error) {
	ch, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		return scraper.Channel{}, fmt.Errorf("get channel: %w", err)
	}
	if ownerID != "" && ch.OwnerID != ownerID {
		return scraper.Channel{}, scraper.Errorf(scraper.ErrNotFound, "get channel", "channel %s not found", channelID)
	}
	return ch, nil
}
