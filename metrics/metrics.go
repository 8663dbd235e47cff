// Package metrics exports Prometheus counters/gauges/histograms for the AI
// Queue, the Messaging Dispatcher, and the Storage Retry Controller.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter registers and updates every dialogworker metric under one
// Prometheus registry.
type Exporter struct {
	registry *prometheus.Registry

	queueActive         prometheus.Gauge
	queueQueued         prometheus.Gauge
	queueDropped        prometheus.Counter
	queueAttempts       *prometheus.CounterVec
	queueLatency        prometheus.Histogram
	dispatcherRetries   *prometheus.CounterVec
	dispatcherChunks    prometheus.Counter
	storageRetries      *prometheus.CounterVec
	storageUTMDegraded  prometheus.Gauge
	rateLimitChecks     *prometheus.CounterVec
	adminCommandsServed *prometheus.CounterVec

	mu sync.Mutex
}

// Config configures the exporter.
type Config struct {
	Registry       *prometheus.Registry
	LatencyBuckets []float64
}

// DefaultConfig returns the default latency buckets (seconds).
func DefaultConfig() Config {
	return Config{LatencyBuckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20}}
}

// New constructs and registers the exporter's metrics.
func New(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	const ns = "dialogworker"
	e := &Exporter{
		registry: registry,
		queueActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "ai_queue", Name: "active", Help: "Currently admitted AI Queue requests.",
		}),
		queueQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "ai_queue", Name: "queued", Help: "Waiters currently parked in the AI Queue.",
		}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "ai_queue", Name: "dropped_total", Help: "Requests rejected because the queue was full.",
		}),
		queueAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "ai_queue", Name: "attempts_total", Help: "AI Queue attempts by outcome.",
		}, []string{"outcome"}),
		queueLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "ai_queue", Name: "reply_latency_seconds", Help: "End-to-end AI.Reply latency.",
			Buckets: cfg.LatencyBuckets,
		}),
		dispatcherRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "messaging", Name: "retries_total", Help: "Messaging dispatcher retry attempts by operation.",
		}, []string{"operation"}),
		dispatcherChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "messaging", Name: "chunked_sends_total", Help: "sendText calls that required more than one chunk.",
		}),
		storageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "storage", Name: "retries_total", Help: "Storage retry attempts by operation.",
		}, []string{"operation"}),
		storageUTMDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "storage", Name: "utm_degraded", Help: "1 when utm_source writes are currently degraded.",
		}),
		rateLimitChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "ratelimit", Name: "checks_total", Help: "RateLimit.checkAndIncrement outcomes.",
		}, []string{"result"}),
		adminCommandsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "admin", Name: "commands_total", Help: "Admin commands served by outcome.",
		}, []string{"command", "outcome"}),
	}

	registry.MustRegister(
		e.queueActive, e.queueQueued, e.queueDropped, e.queueAttempts, e.queueLatency,
		e.dispatcherRetries, e.dispatcherChunks,
		e.storageRetries, e.storageUTMDegraded,
		e.rateLimitChecks, e.adminCommandsServed,
	)
	return e
}

func (e *Exporter) SetQueueActive(n int)  { e.queueActive.Set(float64(n)) }
func (e *Exporter) SetQueueQueued(n int)  { e.queueQueued.Set(float64(n)) }
func (e *Exporter) IncQueueDropped()      { e.queueDropped.Inc() }
func (e *Exporter) RecordQueueOutcome(outcome string) {
	e.queueAttempts.WithLabelValues(outcome).Inc()
}
func (e *Exporter) ObserveQueueLatency(d time.Duration) { e.queueLatency.Observe(d.Seconds()) }

func (e *Exporter) IncDispatcherRetry(operation string) {
	e.dispatcherRetries.WithLabelValues(operation).Inc()
}
func (e *Exporter) IncDispatcherChunked() { e.dispatcherChunks.Inc() }

func (e *Exporter) IncStorageRetry(operation string) {
	e.storageRetries.WithLabelValues(operation).Inc()
}
func (e *Exporter) SetUTMDegraded(degraded bool) {
	if degraded {
		e.storageUTMDegraded.Set(1)
		return
	}
	e.storageUTMDegraded.Set(0)
}

func (e *Exporter) RecordRateLimitCheck(result string) {
	e.rateLimitChecks.WithLabelValues(result).Inc()
}

func (e *Exporter) RecordAdminCommand(command, outcome string) {
	e.adminCommandsServed.WithLabelValues(command, outcome).Inc()
}

// Handler returns the HTTP handler serving /metrics.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }
