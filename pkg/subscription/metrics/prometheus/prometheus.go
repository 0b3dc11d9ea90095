// Package prommetrics implements subscription.Metrics with Prometheus collectors.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

// Metrics implements subscription.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal  *prometheus.CounterVec
	webhookDuration     *prometheus.HistogramVec
	guardDecisionsTotal *prometheus.CounterVec
	transitionsTotal    *prometheus.CounterVec
	notificationsTotal  *prometheus.CounterVec
	sweepRunsTotal      prometheus.Counter
	sweepRemindersTotal prometheus.Counter
	sweepExpiredTotal   prometheus.Counter
	sweepErrorsTotal    prometheus.Counter
	sweepDuration       prometheus.Histogram
	apiCallsTotal       *prometheus.CounterVec
	apiCallDuration     *prometheus.HistogramVec
}

// NewMetrics registers the subscription collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of payment provider events by type and outcome.",
		}, []string{"event_type", "outcome"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of payment provider event processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		guardDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Total number of access decisions by outcome.",
		}, []string{"outcome"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Total number of status transitions by source.",
		}, []string{"from", "to", "source"}),

		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of notification attempts by template and status.",
		}, []string{"template", "status"}),

		sweepRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Total number of sweeper runs.",
		}),

		sweepRemindersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_reminders_sent_total",
			Help:      "Total number of renewal reminders sent by the sweeper.",
		}),

		sweepExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_expired_total",
			Help:      "Total number of subscriptions expired by the sweeper.",
		}),

		sweepErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Total number of row errors reported by the sweeper.",
		}),

		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweeper runs in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_api_calls_total",
			Help:      "Total number of payment provider API calls.",
		}, []string{"endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_api_call_duration_seconds",
			Help:      "Duration of payment provider API calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookDuration(eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordGuardDecision(outcome string) {
	m.guardDecisionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordTransition(from, to subscription.Status, source string) {
	m.transitionsTotal.WithLabelValues(string(from), string(to), source).Inc()
}

func (m *Metrics) RecordNotification(kind subscription.TemplateKind, status string) {
	m.notificationsTotal.WithLabelValues(string(kind), status).Inc()
}

func (m *Metrics) RecordSweep(remindersSent, expired, errors int, duration time.Duration) {
	m.sweepRunsTotal.Inc()
	m.sweepRemindersTotal.Add(float64(remindersSent))
	m.sweepExpiredTotal.Add(float64(expired))
	m.sweepErrorsTotal.Add(float64(errors))
	m.sweepDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordAPICall(endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) subscription.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
