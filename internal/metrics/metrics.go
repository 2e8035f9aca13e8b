// Package metrics exposes Prometheus collectors for the query lifecycle,
// permission decisions and session persistence.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Query metrics
	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	ActiveQueries prometheus.Gauge
	StreamEvents  *prometheus.CounterVec

	// Decision metrics
	DecisionsTotal   *prometheus.CounterVec
	PendingDecisions prometheus.Gauge

	// Session metrics
	SessionSaves  *prometheus.CounterVec
	Notifications *prometheus.CounterVec
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		QueriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amon_queries_total",
				Help: "Total number of queries by final state",
			},
			[]string{"state"},
		),
		QueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "amon_query_duration_seconds",
				Help:    "Wall-clock duration of queries",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"state"},
		),
		ActiveQueries: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "amon_active_queries",
				Help: "Number of queries currently streaming",
			},
		),
		StreamEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amon_stream_events_total",
				Help: "Provider stream events applied, by type",
			},
			[]string{"type"},
		),
		DecisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amon_decisions_total",
				Help: "Permission and question requests by kind and resolution",
			},
			[]string{"kind", "resolution"},
		),
		PendingDecisions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "amon_pending_decisions",
				Help: "Permission and question requests awaiting an answer",
			},
		),
		SessionSaves: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amon_session_saves_total",
				Help: "Session document writes by result",
			},
			[]string{"result"},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amon_message_notifications_total",
				Help: "Messages-changed notifications by delivery mode",
			},
			[]string{"mode"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// QueryStarted records a query entering the streaming state.
func (m *Metrics) QueryStarted() {
	if m == nil {
		return
	}
	m.ActiveQueries.Inc()
}

// QueryFinished records a query leaving the streaming state.
func (m *Metrics) QueryFinished(state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveQueries.Dec()
	m.QueriesTotal.WithLabelValues(state).Inc()
	m.QueryDuration.WithLabelValues(state).Observe(elapsed.Seconds())
}

// StreamEvent counts one applied provider event.
func (m *Metrics) StreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(eventType).Inc()
}

// DecisionRequested records a new pending permission or question request.
func (m *Metrics) DecisionRequested() {
	if m == nil {
		return
	}
	m.PendingDecisions.Inc()
}

// DecisionResolved records how a pending request ended.
func (m *Metrics) DecisionResolved(kind, resolution string) {
	if m == nil {
		return
	}
	m.PendingDecisions.Dec()
	m.DecisionsTotal.WithLabelValues(kind, resolution).Inc()
}

// SessionSaved records one session write.
func (m *Metrics) SessionSaved(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SessionSaves.WithLabelValues(result).Inc()
}

// Notification records one messages-changed notification.
func (m *Metrics) Notification(mode string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(mode).Inc()
}
