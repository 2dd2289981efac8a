package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	registry *prometheus.Registry

	queueDepth   prometheus.Gauge
	enqueueTotal prometheus.Counter
	taskTotal    *prometheus.CounterVec
	taskDuration prometheus.Histogram

	routeTotal    *prometheus.CounterVec
	routeDuration *prometheus.HistogramVec

	deliveryAttempts *prometheus.CounterVec
	deliveryRetries  *prometheus.CounterVec

	activeSessions prometheus.Gauge
	configReloads  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			registry: prometheus.NewRegistry(),
			queueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "relay_queue_depth",
					Help: "Current number of queued delivery tasks.",
				},
			),
			enqueueTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "relay_queue_enqueue_total",
					Help: "Total enqueue operations.",
				},
			),
			taskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_queue_tasks_total",
					Help: "Total completed queue tasks by status.",
				},
				[]string{"status"},
			),
			taskDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "relay_queue_task_duration_seconds",
					Help:    "Queue task execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			routeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_routes_total",
					Help: "Total routed conversation turns by target and status.",
				},
				[]string{"target", "status"},
			),
			routeDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "relay_route_duration_seconds",
					Help:    "End-to-end routing duration in seconds by target.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"target"},
			),
			deliveryAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_delivery_attempts_total",
					Help: "Total delivery attempts by agent.",
				},
				[]string{"agent"},
			),
			deliveryRetries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_delivery_retries_total",
					Help: "Total delivery retries by agent.",
				},
				[]string{"agent"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "relay_active_sessions",
					Help: "Current number of live session transcripts.",
				},
			),
			configReloads: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_config_reloads_total",
					Help: "Total configuration reloads by status.",
				},
				[]string{"status"},
			),
		}

		m.registry.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.taskTotal,
			m.taskDuration,
			m.routeTotal,
			m.routeDuration,
			m.deliveryAttempts,
			m.deliveryRetries,
			m.activeSessions,
			m.configReloads,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration. Call it once from any package
// that records metrics so scrapes see zeroed series before first use.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(getMetrics().registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordQueueEnqueue records an enqueue and the resulting queue depth.
func RecordQueueEnqueue(depth int) {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.queueDepth.Set(float64(depth))
}

// RecordQueueCompletion records a finished task and the remaining depth.
func RecordQueueCompletion(duration time.Duration, success bool, depth int) {
	m := getMetrics()
	status := "ok"
	if !success {
		status = "error"
	}
	m.taskTotal.WithLabelValues(status).Inc()
	m.taskDuration.Observe(duration.Seconds())
	m.queueDepth.Set(float64(depth))
}

// SetQueueDepth overrides the queue depth gauge.
func SetQueueDepth(depth int) {
	getMetrics().queueDepth.Set(float64(depth))
}

// RecordRoute records the outcome of a single routed turn.
func RecordRoute(target, status string, duration time.Duration) {
	m := getMetrics()
	m.routeTotal.WithLabelValues(target, status).Inc()
	m.routeDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordDeliveryAttempt counts one delivery attempt for an agent.
func RecordDeliveryAttempt(agent string) {
	getMetrics().deliveryAttempts.WithLabelValues(agent).Inc()
}

// RecordDeliveryRetry counts one delivery retry for an agent.
func RecordDeliveryRetry(agent string) {
	getMetrics().deliveryRetries.WithLabelValues(agent).Inc()
}

// SetActiveSessions updates the live transcript gauge.
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// RecordConfigReload counts a configuration reload attempt.
func RecordConfigReload(success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	getMetrics().configReloads.WithLabelValues(status).Inc()
}
