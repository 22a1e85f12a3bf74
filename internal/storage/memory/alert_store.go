package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// AlertStore keeps alerts and matches in memory. Match recording and the
// counter bump happen under one lock.
type AlertStore struct {
	mu       sync.RWMutex
	alerts   map[string]scraper.Alert
	matches  map[string][]scraper.Match
	matchKey map[string]struct{}
}

// NewAlertStore constructs an AlertStore.
func NewAlertStore() *AlertStore {
	return &AlertStore{
		alerts:   make(map[string]scraper.Alert),
		matches:  make(map[string][]scraper.Match),
		matchKey: make(map[string]struct{}),
	}
}

// CreateAlert stores a new alert.
func (s *AlertStore) CreateAlert(_ context.Context, alert scraper.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alert.ID]; ok {
		return scraper.Errorf(scraper.ErrConflict, "create alert", "alert %s already exists", alert.ID)
	}
	s.alerts[alert.ID] = alert
	return nil
}

// GetAlert fetches an alert by ID.
func (s *AlertStore) GetAlert(_ context.Context, alertID string) (scraper.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return scraper.Alert{}, scraper.Errorf(scraper.ErrNotFound, "get alert", "alert %s not found", alertID)
	}
	return alert, nil
}

// UpdateAlert replaces the editable fields. Counters are preserved.
func (s *AlertStore) UpdateAlert(_ context.Context, alert scraper.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.alerts[alert.ID]
	if !ok {
		return scraper.Errorf(scraper.ErrNotFound, "update alert", "alert %s not found", alert.ID)
	}
	alert.MatchCount = existing.MatchCount
	alert.LastMatchAt = existing.LastMatchAt
	alert.Created = existing.Created
	s.alerts[alert.ID] = alert
	return nil
}

// DeleteAlert removes an alert and its matches.
func (s *AlertStore) DeleteAlert(_ context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alertID]; !ok {
		return scraper.Errorf(scraper.ErrNotFound, "delete alert", "alert %s not found", alertID)
	}
	for _, m := range s.matches[alertID] {
		delete(s.matchKey, alertID+"/"+m.MessageID)
	}
	delete(s.matches, alertID)
	delete(s.alerts, alertID)
	return nil
}

// ListAlerts returns alerts matching filter, oldest first.
func (s *AlertStore) ListAlerts(_ context.Context, filter scraper.AlertFilter) ([]scraper.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scraper.Alert
	for _, a := range s.alerts {
		if filter.OwnerID != "" && a.OwnerID != filter.OwnerID {
			continue
		}
		if filter.ChannelID != "" && a.ChannelID != filter.ChannelID {
			continue
		}
		if filter.ActiveOnly && !a.Active {
			continue
		}
		out = append(out, a)
	}
	sortAlerts(out)
	return out, nil
}

// ActiveAlertsFor returns active alerts of owner scoped to channelID or unscoped.
func (s *AlertStore) ActiveAlertsFor(_ context.Context, ownerID, channelID string) ([]scraper.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scraper.Alert
	for _, a := range s.alerts {
		if a.OwnerID == ownerID && a.Active && (a.ChannelID == "" || a.ChannelID == channelID) {
			out = append(out, a)
		}
	}
	sortAlerts(out)
	return out, nil
}

// RecordMatch inserts a match once per (alert, message) and bumps the counter.
func (s *AlertStore) RecordMatch(_ context.Context, match scraper.Match) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[match.AlertID]
	if !ok {
		return false, scraper.Errorf(scraper.ErrNotFound, "record match", "alert %s not found", match.AlertID)
	}
	key := match.AlertID + "/" + match.MessageID
	if _, dup := s.matchKey[key]; dup {
		return false, nil
	}
	s.matchKey[key] = struct{}{}
	s.matches[match.AlertID] = append(s.matches[match.AlertID], match)
	alert.MatchCount++
	alert.LastMatchAt = pointerTime(match.Created)
	s.alerts[match.AlertID] = alert
	return true, nil
}

// ListMatches returns an alert's matches newest first.
func (s *AlertStore) ListMatches(_ context.Context, alertID string, unreadOnly bool) ([]scraper.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scraper.Match
	for _, m := range s.matches[alertID] {
		if unreadOnly && m.Read {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

// MarkMatchRead flags one match as read.
func (s *AlertStore) MarkMatchRead(_ context.Context, alertID, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.matches[alertID] {
		if m.ID == matchID {
			s.matches[alertID][i].Read = true
			return nil
		}
	}
	return scraper.Errorf(scraper.ErrNotFound, "mark match read", "match %s not found", matchID)
}

func sortAlerts(alerts []scraper.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Created.Equal(alerts[j].Created) {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].Created.Before(alerts[j].Created)
	})
}
