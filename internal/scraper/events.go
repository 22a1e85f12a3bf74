package scraper

import "time"

// Event types published on the event topic.
const (
	EventJobStatus     = "job.status"
	EventMatchRecorded = "match.recorded"
)

// Keyed is implemented by payloads that carry a partitioning key.
type Keyed interface {
	EventKey() string
	EventType() string
}

// JobEvent announces a job status change.
type JobEvent struct {
	Type string    `json:"type"`
	Job  Job       `json:"job"`
	At   time.Time `json:"at"`
}

// EventKey keeps one channel's job events in order.
func (e JobEvent) EventKey() string { return e.Job.ChannelID }

// EventType implements Keyed.
func (e JobEvent) EventType() string { return e.Type }

// MatchEvent announces a recorded keyword match.
type MatchEvent struct {
	Type  string    `json:"type"`
	Alert Alert     `json:"alert"`
	Match Match     `json:"match"`
	At    time.Time `json:"at"`
}

// EventKey keeps one alert's matches in order.
func (e MatchEvent) EventKey() string { return e.Match.AlertID }

// EventType implements Keyed.
func (e MatchEvent) EventType() string { return e.Type }
