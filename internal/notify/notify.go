// Package notify delivers keyword match notifications off the scrape path.
//
// Each match is published as an event and, when the alert has a webhook,
// POSTed to it with capped exponential backoff. Delivery is best effort:
// failures are logged and counted, never returned to the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/clock/system"
	"github.com/JakeFAU/channel-scraper/internal/metrics"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// Config controls delivery.
type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Timeout        time.Duration
	Topic          string
}

type delivery struct {
	alert scraper.Alert
	match scraper.Match
}

// WebhookPayload is the JSON body POSTed to alert webhooks.
type WebhookPayload struct {
	AlertID   string    `json:"alert_id"`
	AlertName string    `json:"alert_name,omitempty"`
	Pattern   string    `json:"pattern"`
	MatchID   string    `json:"match_id"`
	MessageID string    `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	Snippet   string    `json:"snippet"`
	MatchedAt time.Time `json:"matched_at"`
}

// Notifier fans matches out to webhooks and the event publisher.
type Notifier struct {
	cfg       Config
	client    *http.Client
	publisher scraper.Publisher
	retry     scraper.RetryPolicy
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger

	queue   chan delivery
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

// New builds a notifier. client and publisher may be nil.
func New(cfg Config, client *http.Client, publisher scraper.Publisher, logger *zap.Logger) *Notifier {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = "scraper-events"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		cfg:       cfg,
		client:    client,
		publisher: publisher,
		retry:     scraper.NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.BackoffInitial, cfg.BackoffMax),
		sleep:     system.Sleep,
		logger:    logger.Named("notify"),
		queue:     make(chan delivery, cfg.QueueSize),
	}
}

// Start launches the delivery workers. They exit when ctx is done or Close is called.
func (n *Notifier) Start(ctx context.Context) {
	for i := 0; i < n.cfg.Workers; i++ {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-n.queue:
					if !ok {
						return
					}
					n.deliver(ctx, d)
				}
			}
		}()
	}
}

// Notify queues a match without blocking. A full or closed queue drops the notification.
func (n *Notifier) Notify(alert scraper.Alert, match scraper.Match) {
	n.closeMu.RLock()
	defer n.closeMu.RUnlock()
	if n.closed {
		metrics.ObserveNotification("queue", "dropped")
		n.logger.Debug("notifier closed, dropping match", zap.String("match_id", match.ID))
		return
	}
	select {
	case n.queue <- delivery{alert: alert, match: match}:
	default:
		metrics.ObserveNotification("queue", "dropped")
		n.logger.Warn("notification queue full, dropping match",
			zap.String("alert_id", alert.ID),
			zap.String("match_id", match.ID),
		)
	}
}

// Close stops accepting notifications and waits for queued ones to drain.
func (n *Notifier) Close() {
	n.closeMu.Lock()
	if !n.closed {
		close(n.queue)
		n.closed = true
	}
	n.closeMu.Unlock()
	n.wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, d delivery) {
	if n.publisher != nil {
		ev := scraper.MatchEvent{Type: scraper.EventMatchRecorded, Alert: d.alert, Match: d.match, At: d.match.Created}
		if _, err := n.publisher.Publish(ctx, n.cfg.Topic, ev); err != nil {
			metrics.ObserveNotification("event", "failed")
			n.logger.Warn("publish match event failed", zap.String("match_id", d.match.ID), zap.Error(err))
		} else {
			metrics.ObserveNotification("event", "delivered")
		}
	}
	if d.alert.Webhook == "" {
		return
	}
	if err := n.postWithRetry(ctx, d); err != nil {
		metrics.ObserveNotification("webhook", "failed")
		n.logger.Warn("webhook delivery failed",
			zap.String("alert_id", d.alert.ID),
			zap.String("match_id", d.match.ID),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveNotification("webhook", "delivered")
}

func (n *Notifier) postWithRetry(ctx context.Context, d delivery) error {
	body, err := json.Marshal(WebhookPayload{
		AlertID:   d.alert.ID,
		AlertName: d.alert.Name,
		Pattern:   d.alert.Pattern,
		MatchID:   d.match.ID,
		MessageID: d.match.MessageID,
		ChannelID: d.match.ChannelID,
		Snippet:   d.match.Snippet,
		MatchedAt: d.match.Created,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	for attempt := 0; ; attempt++ {
		err = n.post(ctx, d.alert.Webhook, body)
		if err == nil {
			return nil
		}
		if !n.retry.ShouldRetry(err, attempt+1) {
			return err
		}
		if err := n.sleep(ctx, n.retry.Backoff(attempt)); err != nil {
			return err
		}
	}
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return scraper.E(scraper.ErrValidation, "post webhook", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return scraper.E(scraper.ErrNetwork, "post webhook", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return scraper.Errorf(scraper.ErrNetwork, "post webhook", "status %d", resp.StatusCode)
	default:
		return scraper.Errorf(scraper.ErrValidation, "post webhook", "status %d", resp.StatusCode)
	}
}
