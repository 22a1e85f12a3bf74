package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

func TestPublishKeyedEvent(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	p := newWithWriter(w, "scraper.events", zap.NewNop())
	ev := scraper.MatchEvent{Type: scraper.EventMatchRecorded, Match: scraper.Match{ID: "m1", AlertID: "a1"}}

	id, err := p.Publish(context.Background(), "", ev)
	require.NoError(t, err)
	require.Equal(t, "scraper.events/a1", id)
	require.Len(t, w.msgs, 1)
	require.Equal(t, "scraper.events", w.msgs[0].Topic)
	require.Equal(t, []byte("a1"), w.msgs[0].Key)
	require.Equal(t, "event_type", w.msgs[0].Headers[0].Key)
	require.Equal(t, []byte(scraper.EventMatchRecorded), w.msgs[0].Headers[0].Value)

	require.NoError(t, p.Close())
	require.True(t, w.closed)
}

func TestPublishWriteError(t *testing.T) {
	t.Parallel()

	p := newWithWriter(&fakeWriter{err: errors.New("leader not available")}, "t", nil)
	_, err := p.Publish(context.Background(), "other", map[string]string{"k": "v"})
	require.ErrorContains(t, err, "leader not available")
}

func TestNewRequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Topic: "t"}, nil)
	require.Error(t, err)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}
