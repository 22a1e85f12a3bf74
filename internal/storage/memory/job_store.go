package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]scraper.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]scraper.Job),
	}
}

// CreateJob stores a new pending job unless the channel is busy.
func (s *JobStore) CreateJob(_ context.Context, job scraper.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return scraper.Errorf(scraper.ErrConflict, "create job", "job %s already exists", job.ID)
	}
	for _, existing := range s.jobs {
		if existing.ChannelID == job.ChannelID && existing.Status.Active() {
			return scraper.Errorf(scraper.ErrConflict, "create job", "channel %s already has job %s", job.ChannelID, existing.ID)
		}
	}
	job.Status = scraper.JobStatusPending
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scraper.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scraper.Job{}, scraper.Errorf(scraper.ErrNotFound, "get job", "job %s not found", jobID)
	}
	return job, nil
}

// ListJobs returns matching jobs newest first together with the unpaged total.
func (s *JobStore) ListJobs(_ context.Context, filter scraper.JobFilter) ([]scraper.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scraper.Job
	for _, job := range s.jobs {
		if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
			continue
		}
		if filter.ChannelID != "" && job.ChannelID != filter.ChannelID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID > out[j].ID
		}
		return out[i].Created.After(out[j].Created)
	})
	total := len(out)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, total, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

// UpdateJobStatus applies an allowed status transition.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status scraper.JobStatus, errText string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scraper.Errorf(scraper.ErrNotFound, "update job status", "job %s not found", jobID)
	}
	if !job.Status.CanTransition(status) {
		return scraper.Errorf(scraper.ErrInvalidTransition, "update job status", "job %s: %s -> %s", jobID, job.Status, status)
	}
	job.Status = status
	if errText != "" {
		job.Error = errText
	}
	if status == scraper.JobStatusRunning && job.Started == nil {
		job.Started = pointerTime(at)
	}
	if status == scraper.JobStatusCompleted {
		job.Progress = 100
	}
	if status.Terminal() {
		job.Finished = pointerTime(at)
	}
	s.jobs[jobID] = job
	return nil
}

// FailPending fails jobID if it is still pending.
func (s *JobStore) FailPending(_ context.Context, jobID, errText string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, scraper.Errorf(scraper.ErrNotFound, "fail pending job", "job %s not found", jobID)
	}
	if job.Status != scraper.JobStatusPending {
		return false, nil
	}
	job.Status = scraper.JobStatusFailed
	job.Error = errText
	job.Finished = pointerTime(at)
	s.jobs[jobID] = job
	return true, nil
}

// SaveProgress persists counters and checkpoint of a running job.
func (s *JobStore) SaveProgress(_ context.Context, jobID string, progress scraper.JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scraper.Errorf(scraper.ErrNotFound, "save progress", "job %s not found", jobID)
	}
	if job.Status != scraper.JobStatusRunning {
		return scraper.Errorf(scraper.ErrInvalidTransition, "save progress", "job %s is %s", jobID, job.Status)
	}
	if progress.Progress > job.Progress {
		job.Progress = progress.Progress
	}
	job.Counters = progress.Counters
	job.Checkpoint = progress.Checkpoint
	s.jobs[jobID] = job
	return nil
}

// RequestCancel flags a running job or cancels a pending job outright.
func (s *JobStore) RequestCancel(_ context.Context, jobID string, at time.Time) (scraper.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scraper.Job{}, scraper.Errorf(scraper.ErrNotFound, "cancel job", "job %s not found", jobID)
	}
	switch job.Status {
	case scraper.JobStatusPending:
		job.Status = scraper.JobStatusCancelled
		job.CancelRequested = true
		job.Finished = pointerTime(at)
	case scraper.JobStatusRunning:
		job.CancelRequested = true
	default:
		return job, scraper.Errorf(scraper.ErrInvalidTransition, "cancel job", "job %s is already %s", jobID, job.Status)
	}
	s.jobs[jobID] = job
	return job, nil
}

// HasActiveJob reports whether channelID has a pending or running job.
func (s *JobStore) HasActiveJob(_ context.Context, channelID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.ChannelID == channelID && job.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t.UTC()
	return &ts
}
