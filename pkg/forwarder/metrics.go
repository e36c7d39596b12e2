package forwarder

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "forwarder"

type metrics interface {
	setQueueCapacity(size int)
	setQueueDepth(depth int)
	incrEnqueued()
	incrEnqueueFailures()
	incrOutcome(kind OutcomeKind)
	measureSendLatency(start time.Time, status int)
	measureRateLimitWait(start time.Time)
	registry() *prometheus.Registry
}

// noop metrics is used when metrics are disabled.
type noopMetrics struct{}

func (n noopMetrics) setQueueCapacity(_ int)                {}
func (n noopMetrics) setQueueDepth(_ int)                   {}
func (n noopMetrics) incrEnqueued()                         {}
func (n noopMetrics) incrEnqueueFailures()                  {}
func (n noopMetrics) incrOutcome(_ OutcomeKind)             {}
func (n noopMetrics) measureSendLatency(_ time.Time, _ int) {}
func (n noopMetrics) measureRateLimitWait(_ time.Time)      {}
func (n noopMetrics) registry() *prometheus.Registry        { return nil }

// forwarderMetrics contains a collection of prometheus metrics
// that can be reported if required.
type forwarderMetrics struct {
	// registry holds all the registered metrics
	// and their values.
	reg *prometheus.Registry

	// queueCapacity reports the configured capacity,
	// zero when unbounded.
	queueCapacity prometheus.Gauge

	// queueDepth reports the number of requests waiting,
	// sampled after every batch.
	queueDepth prometheus.Gauge

	enqueued        prometheus.Counter
	enqueueFailures prometheus.Counter

	// outcomes counts attempts by outcome: success,
	// retry or failure.
	outcomes *prometheus.CounterVec

	// sendLatency reports the latency of send attempts.
	//
	// Partitioned by status code, transport errors
	// report a status of -1.
	sendLatency *prometheus.HistogramVec

	// rateLimitWait reports how long workers waited
	// for the rate limiter.
	rateLimitWait prometheus.Histogram
}

func newMetrics(enabled bool, r *prometheus.Registry) metrics {
	if !enabled {
		return noopMetrics{}
	}

	if r == nil {
		r = prometheus.NewRegistry()
	}

	m := &forwarderMetrics{
		reg: r,
		queueCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_capacity",
			Help:      "Reports the configured queue capacity, 0 when unbounded.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Reports the number of notifications waiting to be sent.",
		}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_enqueued_total",
			Help:      "Reports the total number of notifications enqueued.",
		}),
		enqueueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "enqueue_failures_total",
			Help:      "Reports the total number of notifications refused because the queue was full.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "attempts_total",
			Help:      "Reports send attempts by outcome.",
		}, []string{"outcome"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "send_latency_duration_seconds",
			Help:      "Reports the latency of notification send attempts.",
		}, []string{"status"}),
		rateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_wait_duration_seconds",
			Help:      "Reports the time spent waiting for the rate limiter.",
			Buckets:   []float64{.001, .01, .1, 1, 5, 15, 30, 60},
		}),
	}

	m.reg.MustRegister(
		m.queueCapacity,
		m.queueDepth,
		m.enqueued,
		m.enqueueFailures,
		m.outcomes,
		m.sendLatency,
		m.rateLimitWait,
	)

	return m
}

func (m *forwarderMetrics) setQueueCapacity(size int) {
	m.queueCapacity.Set(float64(size))
}

func (m *forwarderMetrics) setQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *forwarderMetrics) incrEnqueued() {
	m.enqueued.Inc()
}

func (m *forwarderMetrics) incrEnqueueFailures() {
	m.enqueueFailures.Inc()
}

func (m *forwarderMetrics) incrOutcome(kind OutcomeKind) {
	m.outcomes.WithLabelValues(kind.String()).Inc()
}

func (m *forwarderMetrics) measureSendLatency(start time.Time, status int) {
	m.sendLatency.
		WithLabelValues(strconv.Itoa(status)).
		Observe(time.Since(start).Seconds())
}

func (m *forwarderMetrics) measureRateLimitWait(start time.Time) {
	m.rateLimitWait.Observe(time.Since(start).Seconds())
}

func (m *forwarderMetrics) registry() *prometheus.Registry {
	return m.reg
}
