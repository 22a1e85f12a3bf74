// Package pubsub implements a Google Cloud Pub/Sub event publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// publishResult is the subset of *pubsub.PublishResult the publisher reads.
type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
}

type clientPublisher struct {
	p *pubsub.Publisher
}

func (c clientPublisher) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return c.p.Publish(ctx, msg)
}

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher topicPublisher
}

// New creates a Publisher for the provided topic publisher. Enable message
// ordering on it to keep per-channel job events in order.
func New(publisher *pubsub.Publisher) *Publisher {
	if publisher == nil {
		return &Publisher{}
	}
	return &Publisher{publisher: clientPublisher{p: publisher}}
}

// Publish marshals payload to JSON and publishes it. The topic argument is
// carried as an attribute since the Pub/Sub topic is bound at construction.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"topic": topic}}
	if k, ok := payload.(scraper.Keyed); ok {
		msg.OrderingKey = k.EventKey()
		msg.Attributes["event_type"] = k.EventType()
	}

	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}
