package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LoopMetrics tracks the coordination loop for each chain.
type LoopMetrics struct {
	events     *prometheus.CounterVec
	height     *prometheus.GaugeVec
	state      *prometheus.GaugeVec
	reconnects *prometheus.CounterVec
	due        *prometheus.CounterVec
	scheduled  *prometheus.GaugeVec
	stale      *prometheus.CounterVec
}

var (
	loopMetricsOnce sync.Once
	loopRegistry    *LoopMetrics
)

// Loop returns the metrics registry tracking gateway events and deadlines.
func Loop() *LoopMetrics {
	loopMetricsOnce.Do(func() {
		loopRegistry = &LoopMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loop",
				Name:      "events_total",
				Help:      "Gateway events received segmented by chain and kind.",
			}, []string{"chain", "kind"}),
			height: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "loop",
				Name:      "block_height",
				Help:      "Latest block height observed per chain.",
			}, []string{"chain"}),
			state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "loop",
				Name:      "state",
				Help:      "Current loop state per chain (1 for the active state).",
			}, []string{"chain", "state"}),
			reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loop",
				Name:      "reconnects_total",
				Help:      "Subscription reconnect attempts per chain.",
			}, []string{"chain"}),
			due: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "schedule",
				Name:      "actions_due_total",
				Help:      "Scheduled actions released for execution segmented by chain and kind.",
			}, []string{"chain", "kind"}),
			scheduled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "schedule",
				Name:      "pending",
				Help:      "Scheduled actions waiting for their trigger height.",
			}, []string{"chain"}),
			stale: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "schedule",
				Name:      "stale_actions_total",
				Help:      "Due actions dropped because the bounty they reference was already settled.",
			}, []string{"chain", "kind"}),
		}
		prometheus.MustRegister(
			loopRegistry.events,
			loopRegistry.height,
			loopRegistry.state,
			loopRegistry.reconnects,
			loopRegistry.due,
			loopRegistry.scheduled,
			loopRegistry.stale,
		)
	})
	return loopRegistry
}

// RecordEvent increments the event counter for the supplied chain and kind.
func (m *LoopMetrics) RecordEvent(chain, kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(chain), normalizeLabel(kind)).Inc()
}

// SetHeight records the latest observed block height.
func (m *LoopMetrics) SetHeight(chain string, height uint64) {
	if m == nil {
		return
	}
	m.height.WithLabelValues(normalizeLabel(chain)).Set(float64(height))
}

// SetState marks state as active for chain and clears previous.
func (m *LoopMetrics) SetState(chain, previous, state string) {
	if m == nil {
		return
	}
	chain = normalizeLabel(chain)
	if previous != "" {
		m.state.WithLabelValues(chain, previous).Set(0)
	}
	m.state.WithLabelValues(chain, normalizeLabel(state)).Set(1)
}

// RecordReconnect counts a reconnect attempt.
func (m *LoopMetrics) RecordReconnect(chain string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(normalizeLabel(chain)).Inc()
}

// RecordDue counts a released scheduled action.
func (m *LoopMetrics) RecordDue(chain, kind string) {
	if m == nil {
		return
	}
	m.due.WithLabelValues(normalizeLabel(chain), normalizeLabel(kind)).Inc()
}

// SetScheduled records the number of pending actions.
func (m *LoopMetrics) SetScheduled(chain string, pending int) {
	if m == nil {
		return
	}
	m.scheduled.WithLabelValues(normalizeLabel(chain)).Set(float64(pending))
}

// RecordStale counts a dropped stale action.
func (m *LoopMetrics) RecordStale(chain, kind string) {
	if m == nil {
		return
	}
	m.stale.WithLabelValues(normalizeLabel(chain), normalizeLabel(kind)).Inc()
}
