// Package metrics exposes Prometheus collectors for the release pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	feedPollsTotal             *prometheus.CounterVec
	feedItemsTotal             *prometheus.CounterVec
	catalogLookupsTotal        *prometheus.CounterVec
	queueTasksTotal            *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	automationSessions         prometheus.Gauge
	automationDurationSeconds  *prometheus.HistogramVec
	linkProbesTotal            *prometheus.CounterVec
	linkStatusTransitionsTotal *prometheus.CounterVec
	backupsTotal               *prometheus.CounterVec
	backupSizeBytes            prometheus.Gauge
	eventsTotal                *prometheus.CounterVec
	scheduledRunsTotal         *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	corruptRecordsTotal        *prometheus.CounterVec
	enqueueFailuresTotal       prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		feedPollsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasebot_feed_polls_total",
				Help: "Feed poll ticks, labeled by outcome.",
			},
			[]string{"status"},
		)

		feedItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasebot_feed_items_total",
				Help: "Feed items processed, labeled by dedup decision.",
			},
			[]string{"decision"},
		)

		catalogLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasebot_catalog_lookups_total",
				Help: "Metadata catalog lookups, labeled by catalog and result.",
			},
			[]string{"catalog", "result"},
		)

		queueTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasebot_queue_tasks_total",
				Help: "Resolution task outcomes, labeled by result.",
			},
			[]string{"result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "releasebot_active_workers",
				Help: "Number of workers currently processing a resolution task.",
			},
		)

		automationSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "releasebot_automation_sessions",
				Help: "Number of open browser automation sessions.",
			},
		)

		automationDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "releasebot_automation_duration_seconds",
				Help:    "Histogram of automation session durations, labeled by result.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"result"},
		)

		linkProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasebot_link_probes_total",
				Help: "Link health probes, labeled by result.",
			},
			[]string{"result"},
		)

		linkStatusTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasebot_link_status_transitions_total",
				Help: "Link health status transitions, labeled by new status.",
			},
			[]string{"status"},
		)

		backupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasebot_backups_total",
				Help: "Snapshot attempts, labeled by outcome.",
			},
			[]string{"status"},
		)

		backupSizeBytes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "releasebot_backup_size_bytes",
				Help: "Size of the most recent snapshot archive.",
			},
		)

		eventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasebot_events_total",
				Help: "Delivery events emitted, labeled by type and result.",
			},
			[]string{"type", "result"},
		)

		scheduledRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasebot_scheduled_runs_total",
				Help: "Periodic task runs, labeled by task and outcome.",
			},
			[]string{"task", "status"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "releasebot_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)

		corruptRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasebot_corrupt_records_total",
				Help: "Unreadable store records skipped, labeled by table and component.",
			},
			[]string{"table", "component"},
		)

		enqueueFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "releasebot_enqueue_failures_total",
				Help: "Recorded feed items whose resolution task could not be enqueued.",
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

// SanitizeHost extracts a lowercase hostname from a URL for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFeedPoll counts one poll tick.
func ObserveFeedPoll(status string) {
	Init()
	feedPollsTotal.WithLabelValues(status).Inc()
}

// ObserveFeedItem counts one feed item by its dedup decision.
func ObserveFeedItem(decision string) {
	Init()
	feedItemsTotal.WithLabelValues(decision).Inc()
}

// ObserveCatalogLookup counts one catalog call.
func ObserveCatalogLookup(catalog, result string) {
	Init()
	catalogLookupsTotal.WithLabelValues(catalog, result).Inc()
}

// ObserveTask counts one resolution task outcome.
func ObserveTask(result string) {
	Init()
	queueTasksTotal.WithLabelValues(result).Inc()
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

// ObserveSession tracks an automation session; call the returned func when it ends.
func ObserveSession() func(result string) {
	Init()
	start := time.Now()
	automationSessions.Inc()
	return func(result string) {
		automationSessions.Dec()
		automationDurationSeconds.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}
}

// ObserveProbe counts one link probe.
func ObserveProbe(result string) {
	Init()
	linkProbesTotal.WithLabelValues(result).Inc()
}

// ObserveLinkTransition counts a link entering status.
func ObserveLinkTransition(status string) {
	Init()
	linkStatusTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveBackup counts a snapshot attempt and records the archive size on success.
func ObserveBackup(status string, sizeBytes int64) {
	Init()
	backupsTotal.WithLabelValues(status).Inc()
	if sizeBytes > 0 {
		backupSizeBytes.Set(float64(sizeBytes))
	}
}

// ObserveEvent counts one delivery event.
func ObserveEvent(eventType, result string) {
	Init()
	eventsTotal.WithLabelValues(eventType, result).Inc()
}

// ObserveScheduledRun counts one periodic task run.
func ObserveScheduledRun(task, status string) {
	Init()
	scheduledRunsTotal.WithLabelValues(task, status).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveCorruptRecord counts a record a component skipped because it could not be read.
func ObserveCorruptRecord(table, component string) {
	Init()
	corruptRecordsTotal.WithLabelValues(table, component).Inc()
}

// ObserveEnqueueFailure counts a recorded game left without a resolution task.
func ObserveEnqueueFailure() {
	Init()
	enqueueFailuresTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
