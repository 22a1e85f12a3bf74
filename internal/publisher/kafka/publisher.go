// Package kafka implements an event publisher on top of segmentio/kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// Config selects brokers and the default topic.
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes JSON events to Kafka.
type Publisher struct {
	writer       messageWriter
	defaultTopic string
	logger       *zap.Logger
}

// New builds a Publisher with a balanced writer.
func New(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newWithWriter(writer, cfg.Topic, logger), nil
}

func newWithWriter(w messageWriter, topic string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: w, defaultTopic: topic, logger: logger.Named("kafka")}
}

// Publish writes payload as JSON. Keyed payloads hash to a stable partition.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		topic = p.defaultTopic
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafka.Message{Topic: topic, Value: data}
	if k, ok := payload.(scraper.Keyed); ok {
		msg.Key = []byte(k.EventKey())
		msg.Headers = []kafka.Header{{Key: "event_type", Value: []byte(k.EventType())}}
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("publish failed", zap.String("topic", topic), zap.Error(err))
		return "", fmt.Errorf("write message: %w", err)
	}
	return fmt.Sprintf("%s/%s", topic, msg.Key), nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
