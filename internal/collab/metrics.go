package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer, which records nothing.
type Metrics struct {
	groups            prometheus.Gauge
	subscriptions     prometheus.Gauge
	broadcasts        *prometheus.CounterVec
	lagged            prometheus.Counter
	permissionDrops   *prometheus.CounterVec
	deliveryFailures  prometheus.Counter
	admissionAttempts *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		groups: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "groups",
			Help:      "Number of open broadcast groups",
		}),
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "subscriptions",
			Help:      "Number of active group subscriptions",
		}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "broadcast_messages_total",
			Help:      "Messages published to broadcast groups by type",
		}, []string{"type"}),
		lagged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "lagged_messages_total",
			Help:      "Messages lost by subscribers that fell behind",
		}),
		permissionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "permission_drops_total",
			Help:      "Messages dropped by permission filters by direction",
		}, []string{"direction"}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "delivery_failures_total",
			Help:      "Broadcast deliveries that exhausted their retries",
		}),
		admissionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "admission_attempts_total",
			Help:      "Group admission attempts by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) groupOpened() {
	if m != nil {
		m.groups.Inc()
	}
}

func (m *Metrics) groupClosed() {
	if m != nil {
		m.groups.Dec()
	}
}

func (m *Metrics) subscribed() {
	if m != nil {
		m.subscriptions.Inc()
	}
}

func (m *Metrics) unsubscribed() {
	if m != nil {
		m.subscriptions.Dec()
	}
}

func (m *Metrics) broadcast(typ string) {
	if m != nil {
		m.broadcasts.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) lag(missed uint64) {
	if m != nil {
		m.lagged.Add(float64(missed))
	}
}

func (m *Metrics) permissionDrop(direction string) {
	if m != nil {
		m.permissionDrops.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) deliveryFailed() {
	if m != nil {
		m.deliveryFailures.Inc()
	}
}

func (m *Metrics) admissionAttempt(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.admissionAttempts.WithLabelValues("error").Inc()
		return
	}
	m.admissionAttempts.WithLabelValues("ok").Inc()
}
