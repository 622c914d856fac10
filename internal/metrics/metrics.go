// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rentledger"

// Metrics holds every collector. A nil registerer yields working but
// unregistered collectors, which is what tests use.
type Metrics struct {
	registry prometheus.Gatherer

	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	AuditFailures   prometheus.Counter

	LeaseConflicts    *prometheus.CounterVec
	ApprovalDecisions *prometheus.CounterVec
	Reconciliations   *prometheus.CounterVec
	WebhooksRejected  *prometheus.CounterVec
	SweepTransitions  *prometheus.CounterVec
	SignalsRaised     *prometheus.CounterVec

	NATSPublishFailures prometheus.Counter

	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers the collectors with reg. Pass a *prometheus.Registry to
// serve them with Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Domain events dispatched on the event bus",
		}, []string{"event_type"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Domain events dropped because the bus buffer was full",
		}),
		AuditFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "audit_failures_total",
			Help:      "Audit log writes that failed after the primary change committed",
		}),
		LeaseConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "leasing",
			Name:      "conflicts_total",
			Help:      "Lease creations refused because the property already had an active lease",
		}, []string{"source"}), // assign, approval, sweeper
		ApprovalDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Application decisions by outcome",
		}, []string{"decision", "outcome"}),
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "events_total",
			Help:      "Payment events processed by result",
		}, []string{"result"}), // applied, duplicate, constructed, conflict, inconsistent, ignored
		WebhooksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "rejected_total",
			Help:      "Inbound webhooks rejected before processing",
		}, []string{"reason"}),
		SweepTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "transitions_total",
			Help:      "Lease status transitions applied by the sweeper",
		}, []string{"to"}),
		SignalsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "raised_total",
			Help:      "Classified signals at or above the escalation weight",
		}, []string{"signal"}),
		NATSPublishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "publish_failures_total",
			Help:      "Events that could not be forwarded to NATS",
		}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.registry = g
	}
	return m
}

// Handler serves the registered collectors, or the default registry when
// none was given.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one request.
func (m *Metrics) ObserveHTTP(method, route string, status int, took time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(took.Seconds())
}
