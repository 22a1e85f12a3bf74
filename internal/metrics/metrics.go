// Package metrics exposes Prometheus collectors for the scraper service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	itemsTotal                 *prometheus.CounterVec
	mediaTotal                 *prometheus.CounterVec
	mediaBytesTotal            prometheus.Counter
	matchesTotal               prometheus.Counter
	notificationsTotal         *prometheus.CounterVec
	leaseAcquisitionsTotal     *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	schedulerDecisionsTotal    *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_total",
				Help: "Job status transitions, labeled by kind and resulting status.",
			},
			[]string{"kind", "status"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_items_total",
				Help: "Channel items persisted, labeled by job kind.",
			},
			[]string{"kind"},
		)

		mediaTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_media_total",
				Help: "Media download outcomes, labeled by status.",
			},
			[]string{"status"},
		)

		mediaBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_media_bytes_total",
				Help: "Bytes of media written to blob storage.",
			},
		)

		matchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_keyword_matches_total",
				Help: "Keyword matches recorded.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_notifications_total",
				Help: "Match notifications, labeled by channel (webhook or event) and outcome.",
			},
			[]string{"channel", "outcome"},
		)

		leaseAcquisitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_lease_acquisitions_total",
				Help: "Session lease requests, labeled by whether they waited and the outcome.",
			},
			[]string{"waited", "outcome"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delays_seconds",
				Help:    "Histogram of pauses taken for rate limits, labeled by source.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"source"},
		)

		schedulerDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_scheduler_decisions_total",
				Help: "Scheduler outcomes per due channel, labeled by decision.",
			},
			[]string{"decision"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob counts a job entering status.
func ObserveJob(kind, status string) {
	Init()
	jobsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveItems counts persisted channel items.
func ObserveItems(kind string, n int) {
	if n <= 0 {
		return
	}
	Init()
	itemsTotal.WithLabelValues(kind).Add(float64(n))
}

// ObserveMedia counts a media download outcome and its size.
func ObserveMedia(status string, bytes int64) {
	Init()
	mediaTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		mediaBytesTotal.Add(float64(bytes))
	}
}

// ObserveMatches counts recorded keyword matches.
func ObserveMatches(n int) {
	if n <= 0 {
		return
	}
	Init()
	matchesTotal.Add(float64(n))
}

// ObserveNotification counts a notification attempt outcome.
func ObserveNotification(channel, outcome string) {
	Init()
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveLease records a lease request. It matches the lease.Observer signature.
func ObserveLease(waited, acquired bool) {
	Init()
	outcome := "acquired"
	if !acquired {
		outcome = "timeout"
	}
	leaseAcquisitionsTotal.WithLabelValues(strconv.FormatBool(waited), outcome).Inc()
}

// ObserveRateLimitDelay records a pause imposed by source ("platform" or "limiter").
func ObserveRateLimitDelay(source string, d time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveSchedulerDecision counts one scheduler decision for a due channel.
func ObserveSchedulerDecision(decision string) {
	Init()
	schedulerDecisionsTotal.WithLabelValues(decision).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
