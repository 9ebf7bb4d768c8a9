// Package metrics holds the prometheus collectors of the gateway and the
// background workers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	notifications     *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	overdue           *prometheus.CounterVec
	policyReloads     prometheus.Counter
}

// New registers the collectors on a private registry so tests can build as
// many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskline_operations_total",
				Help: "Gateway operations by entity type, operation and outcome",
			},
			[]string{"entity_type", "operation", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riskline_operation_duration_seconds",
				Help:    "Gateway operation latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskline_notifications_queued_total",
				Help: "Notification records written to the queue",
			},
			[]string{"event_type"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskline_deliveries_total",
				Help: "Delivery attempts by sender and result",
			},
			[]string{"sender", "result"},
		),
		overdue: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskline_overdue_detected_total",
				Help: "Overdue stage deadlines detected by the sweep",
			},
			[]string{"entity_type", "stage"},
		),
		policyReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskline_policy_invalidations_total",
			Help: "Policy cache invalidations",
		}),
	}
	reg.MustRegister(m.operations, m.operationDuration, m.notifications, m.deliveries, m.overdue, m.policyReloads)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOperation records one gateway call. outcome is "ok" or an error
// kind such as "invalid_transition".
func (m *Metrics) ObserveOperation(entityType, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(entityType, op, outcome).Inc()
	m.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) NotificationQueued(eventType string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Delivery(sender, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(sender, result).Inc()
}

func (m *Metrics) Overdue(entityType, stage string) {
	if m == nil {
		return
	}
	m.overdue.WithLabelValues(entityType, stage).Inc()
}

func (m *Metrics) PolicyInvalidated() {
	if m == nil {
		return
	}
	m.policyReloads.Inc()
}
