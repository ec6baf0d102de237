package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// WebhookMetrics tracks the event ingress endpoint.
type WebhookMetrics struct {
	deliveries *prometheus.CounterVec
	throttled  *prometheus.CounterVec
}

var (
	webhookOnce     sync.Once
	webhookRegistry *WebhookMetrics
)

func Webhook() *WebhookMetrics {
	webhookOnce.Do(func() {
		webhookRegistry = &WebhookMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "polyswarm_webhook_deliveries_total",
				Help: "Webhook deliveries segmented by event kind and outcome.",
			}, []string{"kind", "outcome"}),
			throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "polyswarm_webhook_throttled_total",
				Help: "Webhook deliveries rejected by the rate limiter per source.",
			}, []string{"source"}),
		}
		prometheus.MustRegister(webhookRegistry.deliveries, webhookRegistry.throttled)
	})
	return webhookRegistry
}

func (m *WebhookMetrics) RecordDelivery(kind, outcome string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.deliveries.WithLabelValues(kind, outcome).Inc()
}

func (m *WebhookMetrics) RecordThrottled(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.throttled.WithLabelValues(source).Inc()
}
