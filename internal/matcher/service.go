package matcher

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// Notifier receives recorded matches. Implementations must not block.
type Notifier interface {
	Notify(alert scraper.Alert, match scraper.Match)
}

// AlertInput carries user-editable alert fields.
type AlertInput struct {
	Name          string `json:"name"`
	Pattern       string `json:"pattern"`
	Regex         bool   `json:"regex"`
	CaseSensitive bool   `json:"case_sensitive"`
	ChannelID     string `json:"channel_id,omitempty"`
	Active        *bool  `json:"active,omitempty"`
	Webhook       string `json:"webhook_url,omitempty"`
}

// Service validates alert changes, keeps the compile cache in step with the
// store and records matches for scraped items.
type Service struct {
	store    scraper.AlertStore
	engine   *Engine
	notifier Notifier
	ids      scraper.IDGenerator
	clock    scraper.Clock
	logger   *zap.Logger
}

// NewService wires the alert service. notifier may be nil.
func NewService(store scraper.AlertStore, engine *Engine, notifier Notifier, ids scraper.IDGenerator, clock scraper.Clock, logger *zap.Logger) *Service {
	if engine == nil {
		engine = NewEngine()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		engine:   engine,
		notifier: notifier,
		ids:      ids,
		clock:    clock,
		logger:   logger.Named("matcher"),
	}
}

func validateWebhook(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return scraper.Errorf(scraper.ErrValidation, "validate alert", "webhook_url must be an absolute http(s) URL")
	}
	return nil
}

func (in AlertInput) apply(a *scraper.Alert) {
	a.Name = strings.TrimSpace(in.Name)
	a.Pattern = in.Pattern
	a.Regex = in.Regex
	a.CaseSensitive = in.CaseSensitive
	a.ChannelID = in.ChannelID
	a.Webhook = in.Webhook
	if in.Active != nil {
		a.Active = *in.Active
	}
}

// Create validates and persists a new alert for owner.
func (s *Service) Create(ctx context.Context, ownerID string, in AlertInput) (scraper.Alert, error) {
	if ownerID == "" {
		return scraper.Alert{}, scraper.Errorf(scraper.ErrValidation, "create alert", "owner is required")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return scraper.Alert{}, err
	}
	now := s.clock.Now()
	a := scraper.Alert{ID: id, OwnerID: ownerID, Active: true, Created: now, Updated: now}
	in.apply(&a)
	if err := Validate(a); err != nil {
		return scraper.Alert{}, err
	}
	if err := validateWebhook(a.Webhook); err != nil {
		return scraper.Alert{}, err
	}
	if err := s.store.CreateAlert(ctx, a); err != nil {
		return scraper.Alert{}, err
	}
	_ = s.engine.Prepare(a)
	s.logger.Info("alert created", zap.String("alert_id", a.ID), zap.Bool("regex", a.Regex))
	return a, nil
}

// Get returns the alert when it belongs to owner.
func (s *Service) Get(ctx context.Context, ownerID, alertID string) (scraper.Alert, error) {
	a, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return scraper.Alert{}, err
	}
	if a.OwnerID != ownerID {
		return scraper.Alert{}, scraper.Errorf(scraper.ErrNotFound, "get alert", "alert %s not found", alertID)
	}
	return a, nil
}

// Update replaces the editable fields after validating them.
func (s *Service) Update(ctx context.Context, ownerID, alertID string, in AlertInput) (scraper.Alert, error) {
	a, err := s.Get(ctx, ownerID, alertID)
	if err != nil {
		return scraper.Alert{}, err
	}
	in.apply(&a)
	if err := Validate(a); err != nil {
		return scraper.Alert{}, err
	}
	if err := validateWebhook(a.Webhook); err != nil {
		return scraper.Alert{}, err
	}
	a.Updated = s.clock.Now()
	if err := s.store.UpdateAlert(ctx, a); err != nil {
		return scraper.Alert{}, err
	}
	_ = s.engine.Prepare(a)
	return a, nil
}

// Delete removes the alert and its matches.
func (s *Service) Delete(ctx context.Context, ownerID, alertID string) error {
	if _, err := s.Get(ctx, ownerID, alertID); err != nil {
		return err
	}
	if err := s.store.DeleteAlert(ctx, alertID); err != nil {
		return err
	}
	s.engine.Forget(alertID)
	return nil
}

// List returns the owner's alerts.
func (s *Service) List(ctx context.Context, filter scraper.AlertFilter) ([]scraper.Alert, error) {
	if filter.OwnerID == "" {
		return nil, scraper.Errorf(scraper.ErrValidation, "list alerts", "owner is required")
	}
	return s.store.ListAlerts(ctx, filter)
}

// Matches lists the matches of one alert.
func (s *Service) Matches(ctx context.Context, ownerID, alertID string, unreadOnly bool) ([]scraper.Match, error) {
	if _, err := s.Get(ctx, ownerID, alertID); err != nil {
		return nil, err
	}
	return s.store.ListMatches(ctx, alertID, unreadOnly)
}

// MarkRead flags one match as read.
func (s *Service) MarkRead(ctx context.Context, ownerID, alertID, matchID string) error {
	if _, err := s.Get(ctx, ownerID, alertID); err != nil {
		return err
	}
	return s.store.MarkMatchRead(ctx, alertID, matchID)
}

// ActiveAlerts loads the alerts that apply to items of channelID.
func (s *Service) ActiveAlerts(ctx context.Context, ownerID, channelID string) ([]scraper.Alert, error) {
	return s.store.ActiveAlertsFor(ctx, ownerID, channelID)
}

// Process evaluates a stored message against alerts and records every hit.
// It returns the number of new matches. Notification failures never surface here.
func (s *Service) Process(ctx context.Context, alerts []scraper.Alert, msg scraper.Message) (int, error) {
	hits := s.engine.Match(alerts, msg.ChannelID, msg.Text)
	recorded := 0
	for _, hit := range hits {
		id, err := s.ids.NewID()
		if err != nil {
			return recorded, err
		}
		m := scraper.Match{
			ID:        id,
			AlertID:   hit.Alert.ID,
			MessageID: msg.ID,
			ChannelID: msg.ChannelID,
			Snippet:   hit.Snippet,
			Created:   s.clock.Now(),
		}
		inserted, err := s.store.RecordMatch(ctx, m)
		if err != nil {
			return recorded, err
		}
		if !inserted {
			continue
		}
		recorded++
		s.logger.Debug("keyword match",
			zap.String("alert_id", hit.Alert.ID),
			zap.String("message_id", msg.ID),
			zap.String("channel_id", msg.ChannelID),
		)
		if s.notifier != nil {
			s.notifier.Notify(hit.Alert, m)
		}
	}
	return recorded, nil
}
