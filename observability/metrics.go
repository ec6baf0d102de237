package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "polyswarm"

var (
	dispatchMetricsOnce sync.Once
	dispatchRegistry    *DispatchMetrics

	submitterMetricsOnce sync.Once
	submitterRegistry    *SubmitterMetrics

	nonceMetricsOnce sync.Once
	nonceRegistry    *NonceMetrics
)

// DispatchMetrics tracks handler outcomes for the event registry.
type DispatchMetrics struct {
	handlers *prometheus.CounterVec
}

// Dispatch returns the lazily-initialised dispatch metrics registry.
func Dispatch() *DispatchMetrics {
	dispatchMetricsOnce.Do(func() {
		dispatchRegistry = &DispatchMetrics{
			handlers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "handler_invocations_total",
				Help:      "Event handler invocations segmented by event kind and outcome.",
			}, []string{"kind", "outcome"}),
		}
		prometheus.MustRegister(dispatchRegistry.handlers)
	})
	return dispatchRegistry
}

// Observe records a single handler invocation.
func (m *DispatchMetrics) Observe(kind, outcome string) {
	if m == nil {
		return
	}
	m.handlers.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

// SubmitterMetrics captures transaction submission activity.
type SubmitterMetrics struct {
	attempts  *prometheus.CounterVec
	terminal  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	inflight  *prometheus.GaugeVec
	abandoned *prometheus.CounterVec
}

// Submitter returns the singleton submission metrics registry.
func Submitter() *SubmitterMetrics {
	submitterMetricsOnce.Do(func() {
		submitterRegistry = &SubmitterMetrics{
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "submitter",
				Name:      "attempts_total",
				Help:      "Transaction send attempts segmented by chain and outcome.",
			}, []string{"chain", "outcome"}),
			terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "submitter",
				Name:      "requests_total",
				Help:      "Logical submission requests segmented by chain and terminal status.",
			}, []string{"chain", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "submitter",
				Name:      "request_duration_seconds",
				Help:      "Time from first attempt to terminal status for a logical submission.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			}, []string{"chain"}),
			inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "submitter",
				Name:      "inflight",
				Help:      "Logical submissions that have not reached a terminal status.",
			}, []string{"chain"}),
			abandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "submitter",
				Name:      "abandoned_total",
				Help:      "Submissions abandoned during shutdown before reaching a terminal status.",
			}, []string{"chain"}),
		}
		prometheus.MustRegister(
			submitterRegistry.attempts,
			submitterRegistry.terminal,
			submitterRegistry.latency,
			submitterRegistry.inflight,
			submitterRegistry.abandoned,
		)
	})
	return submitterRegistry
}

// RecordAttempt increments the attempt counter.
func (m *SubmitterMetrics) RecordAttempt(chain, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(normalizeLabel(chain), normalizeLabel(outcome)).Inc()
}

// RecordTerminal records the final status of a logical request and its latency.
func (m *SubmitterMetrics) RecordTerminal(chain, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	chain = normalizeLabel(chain)
	m.terminal.WithLabelValues(chain, normalizeLabel(status)).Inc()
	m.latency.WithLabelValues(chain).Observe(elapsed.Seconds())
}

// AddInflight adjusts the in-flight gauge.
func (m *SubmitterMetrics) AddInflight(chain string, delta float64) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(normalizeLabel(chain)).Add(delta)
}

// RecordAbandoned counts a submission abandoned at shutdown.
func (m *SubmitterMetrics) RecordAbandoned(chain string) {
	if m == nil {
		return
	}
	m.abandoned.WithLabelValues(normalizeLabel(chain)).Inc()
}

// NonceMetrics captures nonce reservation behaviour.
type NonceMetrics struct {
	reserved *prometheus.CounterVec
	resyncs  *prometheus.CounterVec
	gaps     *prometheus.CounterVec
}

// Nonce returns the singleton nonce metrics registry.
func Nonce() *NonceMetrics {
	nonceMetricsOnce.Do(func() {
		nonceRegistry = &NonceMetrics{
			reserved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nonce",
				Name:      "reserved_total",
				Help:      "Nonces handed out segmented by chain.",
			}, []string{"chain"}),
			resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nonce",
				Name:      "reconciliations_total",
				Help:      "Reconciliations against the gateway nonce segmented by chain and whether the counter moved.",
			}, []string{"chain", "moved"}),
			gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nonce",
				Name:      "gaps_total",
				Help:      "Released nonces that could not be reused and were recorded as gaps.",
			}, []string{"chain"}),
		}
		prometheus.MustRegister(nonceRegistry.reserved, nonceRegistry.resyncs, nonceRegistry.gaps)
	})
	return nonceRegistry
}

// RecordReserved counts n reserved nonces.
func (m *NonceMetrics) RecordReserved(chain string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reserved.WithLabelValues(normalizeLabel(chain)).Add(float64(n))
}

// RecordReconcile counts a reconciliation.
func (m *NonceMetrics) RecordReconcile(chain string, moved bool) {
	if m == nil {
		return
	}
	label := "false"
	if moved {
		label = "true"
	}
	m.resyncs.WithLabelValues(normalizeLabel(chain), label).Inc()
}

// RecordGap counts a nonce abandoned as a gap.
func (m *NonceMetrics) RecordGap(chain string) {
	if m == nil {
		return
	}
	m.gaps.WithLabelValues(normalizeLabel(chain)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
