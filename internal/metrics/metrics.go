// Package metrics records broker-layer metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Publish outcomes.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeNacked    = "nacked"
	OutcomeReturned  = "returned"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
)

// Consume outcomes.
const (
	OutcomeAcked     = "acked"
	OutcomeRejected  = "rejected"
	OutcomeExhausted = "exhausted"
	OutcomeAbandoned = "abandoned"
)

// Connection attempt outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collector collects messaging metrics
type Collector interface {
	// RecordPublish records a publish outcome and how long confirmation took
	RecordPublish(routingKey, eventType, outcome string, duration time.Duration)

	// RecordConsumed records how a delivery was settled
	RecordConsumed(queue, outcome string)

	// RecordHandlerRetry records a handler failure that will be retried
	RecordHandlerRetry(queue string)

	// RecordConnectionAttempt records a broker dial
	RecordConnectionAttempt(outcome string)

	// AddRunningConsumers moves the running consumer gauge by delta
	AddRunningConsumers(delta int)

	// RecordDeadLetter records a message read from a dead-letter queue
	RecordDeadLetter(queue, reason string)
}

// NoOpCollector is a no-op implementation of Collector
type NoOpCollector struct{}

// RecordPublish does nothing
func (NoOpCollector) RecordPublish(routingKey, eventType, outcome string, duration time.Duration) {}

// RecordConsumed does nothing
func (NoOpCollector) RecordConsumed(queue, outcome string) {}

// RecordHandlerRetry does nothing
func (NoOpCollector) RecordHandlerRetry(queue string) {}

// RecordConnectionAttempt does nothing
func (NoOpCollector) RecordConnectionAttempt(outcome string) {}

// AddRunningConsumers does nothing
func (NoOpCollector) AddRunningConsumers(delta int) {}

// RecordDeadLetter does nothing
func (NoOpCollector) RecordDeadLetter(queue, reason string) {}

// PrometheusCollector provides Prometheus-compatible metrics collection
type PrometheusCollector struct {
	published          *prometheus.CounterVec
	publishLatency     *prometheus.HistogramVec
	consumed           *prometheus.CounterVec
	handlerRetries     *prometheus.CounterVec
	connectionAttempts *prometheus.CounterVec
	runningConsumers   prometheus.Gauge
	deadLetters        *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a collector backed by its own registry.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "payment"
	}

	m := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	m.published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "published_total",
			Help:      "Total number of publish attempts by outcome",
		},
		[]string{"routing_key", "event_type", "outcome"},
	)

	m.publishLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "publish_duration_seconds",
			Help:      "Time from publish to broker confirmation",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 15),
		},
		[]string{"routing_key"},
	)

	m.consumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "consumed_total",
			Help:      "Total number of consumed deliveries by outcome",
		},
		[]string{"queue", "outcome"},
	)

	m.handlerRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "handler_retries_total",
			Help:      "Total number of handler failures retried with backoff",
		},
		[]string{"queue"},
	)

	m.connectionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "connection_attempts_total",
			Help:      "Total number of broker connection attempts by outcome",
		},
		[]string{"outcome"},
	)

	m.runningConsumers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "consumers_running",
			Help:      "Number of consumer tasks currently running",
		},
	)

	m.deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "dead_letters_total",
			Help:      "Total number of dead-lettered messages observed",
		},
		[]string{"queue", "reason"},
	)

	m.registry.MustRegister(
		m.published,
		m.publishLatency,
		m.consumed,
		m.handlerRetries,
		m.connectionAttempts,
		m.runningConsumers,
		m.deadLetters,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordPublish implements Collector
func (m *PrometheusCollector) RecordPublish(routingKey, eventType, outcome string, duration time.Duration) {
	m.published.WithLabelValues(routingKey, eventType, outcome).Inc()
	if outcome == OutcomeConfirmed {
		m.publishLatency.WithLabelValues(routingKey).Observe(duration.Seconds())
	}
}

// RecordConsumed implements Collector
func (m *PrometheusCollector) RecordConsumed(queue, outcome string) {
	m.consumed.WithLabelValues(queue, outcome).Inc()
}

// RecordHandlerRetry implements Collector
func (m *PrometheusCollector) RecordHandlerRetry(queue string) {
	m.handlerRetries.WithLabelValues(queue).Inc()
}

// RecordConnectionAttempt implements Collector
func (m *PrometheusCollector) RecordConnectionAttempt(outcome string) {
	m.connectionAttempts.WithLabelValues(outcome).Inc()
}

// AddRunningConsumers implements Collector
func (m *PrometheusCollector) AddRunningConsumers(delta int) {
	m.runningConsumers.Add(float64(delta))
}

// RecordDeadLetter implements Collector
func (m *PrometheusCollector) RecordDeadLetter(queue, reason string) {
	m.deadLetters.WithLabelValues(queue, reason).Inc()
}

// Registry returns the Prometheus registry
func (m *PrometheusCollector) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
