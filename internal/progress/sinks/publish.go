package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/channel-scraper/internal/progress"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// PublishSink forwards progress events to the event publisher. Checkpoint
// events are skipped unless includeCheckpoints is set to keep topic volume low.
type PublishSink struct {
	publisher          scraper.Publisher
	topic              string
	includeCheckpoints bool
}

// NewPublishSink builds a sink publishing to topic.
func NewPublishSink(publisher scraper.Publisher, topic string, includeCheckpoints bool) (*PublishSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	return &PublishSink{publisher: publisher, topic: topic, includeCheckpoints: includeCheckpoints}, nil
}

// Consume publishes every event of the batch in order, returning the joined errors.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage == progress.StageCheckpoint && !s.includeCheckpoints {
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for job %s: %w", evt.Stage, evt.JobID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
