// Package pubsub implements the job queue on Google Cloud Pub/Sub.
//
// Enqueue publishes a JSON QueueItem to the jobs topic. A background Receive
// loop feeds a bounded channel that Dequeue drains; a message is acked once
// a worker has taken it. The job row in the store is the source of truth, so
// a redelivered item for a job that is no longer pending is dropped by the worker.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
}

type handler func(ctx context.Context, data []byte, ack, nack func())

type receiver interface {
	Receive(ctx context.Context, h handler) error
}

type clientPublisher struct{ p *pubsub.Publisher }

func (c clientPublisher) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return c.p.Publish(ctx, msg)
}

type clientReceiver struct{ s *pubsub.Subscriber }

func (c clientReceiver) Receive(ctx context.Context, h handler) error {
	return c.s.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		h(ctx, m.Data, m.Ack, m.Nack)
	})
}

type delivery struct {
	item scraper.QueueItem
	ack  func()
}

// Queue is a Pub/Sub backed scraper.Queue.
type Queue struct {
	pub    publisher
	sub    receiver
	items  chan delivery
	logger *zap.Logger
}

// New binds a queue to topic and subscription on client.
func New(client *pubsub.Client, topic, subscription string, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topic == "" || subscription == "" {
		return nil, fmt.Errorf("pubsub topic and subscription are required")
	}
	return newQueue(clientPublisher{p: client.Publisher(topic)}, clientReceiver{s: client.Subscriber(subscription)}, logger), nil
}

func newQueue(pub publisher, sub receiver, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{pub: pub, sub: sub, items: make(chan delivery), logger: logger.Named("pubsub_queue")}
}

// Start runs the receive loop until ctx is done.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		err := q.sub.Receive(ctx, func(ctx context.Context, data []byte, ack, nack func()) {
			var item scraper.QueueItem
			if err := json.Unmarshal(data, &item); err != nil || item.JobID == "" {
				q.logger.Warn("dropping malformed queue message", zap.Error(err))
				ack()
				return
			}
			select {
			case q.items <- delivery{item: item, ack: ack}:
			case <-ctx.Done():
				nack()
			}
		})
		if err != nil && ctx.Err() == nil {
			q.logger.Error("pubsub receive stopped", zap.Error(err))
		}
	}()
}

// Enqueue publishes item and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, item scraper.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"job_id": item.JobID, "kind": string(item.Kind)},
	}
	if _, err := q.pub.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish queue item: %w", err)
	}
	return nil
}

// Dequeue blocks until a message arrives or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (scraper.QueueItem, error) {
	select {
	case <-ctx.Done():
		return scraper.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d := <-q.items:
		d.ack()
		return d.item, nil
	}
}
