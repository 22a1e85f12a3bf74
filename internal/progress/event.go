package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageCheckpoint   Stage = "JOB_CHECKPOINT"
	StagePaused       Stage = "JOB_PAUSED"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobCancelled Stage = "JOB_CANCELLED"
	StageMediaDone    Stage = "MEDIA_DONE"
)

// EventTypeProgress is the published event type of progress events.
const EventTypeProgress = "job.progress"

// Event captures one job milestone.
type Event struct {
	JobID      string        `json:"job_id"`
	ChannelID  string        `json:"channel_id"`
	Kind       string        `json:"kind"`
	TS         time.Time     `json:"ts"`
	Stage      Stage         `json:"stage"`
	Items      int64         `json:"items,omitempty"`
	Media      int64         `json:"media,omitempty"`
	Bytes      int64         `json:"bytes,omitempty"`
	Checkpoint int64         `json:"checkpoint,omitempty"`
	Progress   float64       `json:"progress"`
	Dur        time.Duration `json:"dur,omitempty"`
	// Note carries low-volume context such as the error descriptor.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageCheckpoint, StageJobDone, StageJobCancelled:
	case StagePaused:
		if e.Dur <= 0 {
			return errors.New("pause requires a duration")
		}
	case StageJobError:
		if e.Note == "" {
			return errors.New("job error requires a note")
		}
	case StageMediaDone:
		if e.Bytes < 0 {
			return errors.New("bytes must be >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends a job.
func (e Event) Terminal() bool {
	return e.Stage == StageJobDone || e.Stage == StageJobError || e.Stage == StageJobCancelled
}

// EventKey keeps one channel's progress in order on partitioned transports.
func (e Event) EventKey() string { return e.ChannelID }

// EventType implements scraper.Keyed.
func (e Event) EventType() string { return EventTypeProgress }
