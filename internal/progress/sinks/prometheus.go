package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/channel-scraper/internal/progress"
)

// PrometheusSink exports job progress metrics via Prometheus.
type PrometheusSink struct {
	jobsStarted   *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	jobsPaused    prometheus.Counter
	pauseDuration prometheus.Histogram
	itemsSeen     *prometheus.CounterVec
	mediaBytes    prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_job_started_total",
			Help: "Jobs that have started, by kind.",
		}, []string{"kind"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_job_finished_total",
			Help: "Jobs that reached a terminal state, by kind and result.",
		}, []string{"kind", "result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_job_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"kind", "result"}),
		jobsPaused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_job_paused_total",
			Help: "Rate-limit pauses taken by running jobs.",
		}),
		pauseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_job_pause_seconds",
			Help:    "Length of rate-limit pauses.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),
		itemsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_job_items_total",
			Help: "Items processed by finished jobs, by kind.",
		}, []string{"kind"}),
		mediaBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_job_media_bytes_total",
			Help: "Bytes downloaded by media tasks.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.jobsPaused,
		s.pauseDuration,
		s.itemsSeen,
		s.mediaBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	kind := evt.Kind
	if kind == "" {
		kind = "unknown"
	}
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StagePaused:
		s.jobsPaused.Inc()
		s.pauseDuration.Observe(evt.Dur.Seconds())
	case progress.StageMediaDone:
		if evt.Bytes > 0 {
			s.mediaBytes.Add(float64(evt.Bytes))
		}
	case progress.StageJobDone, progress.StageJobError, progress.StageJobCancelled:
		result := resultLabel(evt.Stage)
		s.jobsFinished.WithLabelValues(kind, result).Inc()
		if evt.Dur > 0 {
			s.jobRuntime.WithLabelValues(kind, result).Observe(evt.Dur.Seconds())
		}
		if evt.Items > 0 {
			s.itemsSeen.WithLabelValues(kind).Add(float64(evt.Items))
		}
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	}
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageJobDone:
		return "success"
	case progress.StageJobCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
