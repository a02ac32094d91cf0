package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores the Prometheus collectors used across the simulator. Each
// daemon builds its own instance against its own registry so tests can
// construct isolated copies.
type Metrics struct {
	InboundMessages   prometheus.Counter
	OutboundMessages  *prometheus.CounterVec
	PolicyDenials     *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	OutboxDepth       prometheus.Gauge
	TransportOnline   prometheus.Gauge
}

// New builds and registers the simulator collectors on the given registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InboundMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Total inbound customer messages processed.",
		}),
		OutboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Total outbound send attempts by result.",
		}, []string{"result"}),
		PolicyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denials_total",
			Help:      "Free-form sends refused by the session policy, by reason.",
		}, []string{"reason"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Delivery status machine transitions by target status.",
		}, []string{"to"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by event type and outcome.",
		}, []string{"type", "outcome"}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Messages parked in the offline outbox.",
		}),
		TransportOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_online",
			Help:      "1 when the simulated transport is online, 0 when offline.",
		}),
	}

	reg.MustRegister(
		m.InboundMessages,
		m.OutboundMessages,
		m.PolicyDenials,
		m.StatusTransitions,
		m.WebhookDeliveries,
		m.OutboxDepth,
		m.TransportOnline,
	)
	return m
}
