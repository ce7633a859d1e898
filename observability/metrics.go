package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RouterMetrics wraps collectors tracking hub message flow.
type RouterMetrics struct {
	messages   *prometheus.CounterVec
	executions *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	errors     *prometheus.CounterVec
	paused     prometheus.Gauge
}

// BridgeMetrics bundles collectors for bridge lock lifecycle tracking.
type BridgeMetrics struct {
	locks *prometheus.CounterVec
}

var (
	routerMetricsOnce sync.Once
	routerRegistry    *RouterMetrics

	bridgeMetricsOnce sync.Once
	bridgeRegistry    *BridgeMetrics
)

// Router returns the lazily-initialised metrics registry for the settlement
// router.
func Router() *RouterMetrics {
	routerMetricsOnce.Do(func() {
		routerRegistry = &RouterMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "soundchain",
				Subsystem: "router",
				Name:      "messages_total",
				Help:      "Count of settlement messages segmented by type and lifecycle stage.",
			}, []string{"type", "stage"}),
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "soundchain",
				Subsystem: "router",
				Name:      "executions_total",
				Help:      "Count of message executions segmented by type and outcome.",
			}, []string{"type", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "soundchain",
				Subsystem: "router",
				Name:      "execution_duration_seconds",
				Help:      "Latency distribution for message handler execution.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"type"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "soundchain",
				Subsystem: "router",
				Name:      "errors_total",
				Help:      "Count of routing failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "soundchain",
				Subsystem: "router",
				Name:      "pause_engaged",
				Help:      "Indicates whether the router pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			routerRegistry.messages,
			routerRegistry.executions,
			routerRegistry.latency,
			routerRegistry.errors,
			routerRegistry.paused,
		)
	})
	return routerRegistry
}

// RecordMessage increments the message counter for the supplied type and
// lifecycle stage ("created", "dispatched", "executed").
func (m *RouterMetrics) RecordMessage(messageType, stage string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(labelValue(messageType), labelValue(stage)).Inc()
}

// RecordExecution records the outcome and latency of a handler run.
func (m *RouterMetrics) RecordExecution(messageType string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	label := labelValue(messageType)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.executions.WithLabelValues(label, outcome).Inc()
	m.latency.WithLabelValues(label).Observe(duration.Seconds())
}

// RecordError increments the error counter for the supplied operation.
func (m *RouterMetrics) RecordError(operation, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(labelValue(operation), reason).Inc()
}

// SetPause toggles the pause_engaged gauge.
func (m *RouterMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

// Bridge returns the metrics registry for bridge lock instrumentation.
func Bridge() *BridgeMetrics {
	bridgeMetricsOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			locks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "soundchain",
				Subsystem: "bridge",
				Name:      "locks_total",
				Help:      "Count of bridge lock transitions segmented by stage.",
			}, []string{"stage"}),
		}
		prometheus.MustRegister(bridgeRegistry.locks)
	})
	return bridgeRegistry
}

// RecordLock increments the lock counter for the supplied lifecycle stage
// ("locked", "completed", "reclaimed").
func (m *BridgeMetrics) RecordLock(stage string) {
	if m == nil {
		return
	}
	m.locks.WithLabelValues(labelValue(stage)).Inc()
}

func labelValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
