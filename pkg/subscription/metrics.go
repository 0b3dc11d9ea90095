package subscription

import "time"

// Metrics defines the interface for tracking subscription engine operations.
type Metrics interface {
	// RecordWebhookEvent records a provider event.
	// outcome: "applied", "ignored", "rejected" or "error"
	RecordWebhookEvent(eventType, outcome string)

	// RecordWebhookDuration records how long processing a provider event took.
	RecordWebhookDuration(eventType string, duration time.Duration)

	// RecordGuardDecision records an access decision.
	// outcome: "entitled", "forbidden", "unauthenticated" or "error"
	RecordGuardDecision(outcome string)

	// RecordTransition records a status change won by source ("guard", "sweeper", "webhook", "checkout").
	RecordTransition(from, to Status, source string)

	// RecordNotification records a notification attempt.
	// status: "sent" or "failed"
	RecordNotification(kind TemplateKind, status string)

	// RecordSweep records a completed sweeper run.
	RecordSweep(remindersSent, expired, errors int, duration time.Duration)

	// RecordAPICall records a call to the payment provider.
	// status: "success" or "error"
	RecordAPICall(endpoint, status string)

	// RecordAPICallDuration records how long a payment provider call took.
	RecordAPICallDuration(endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                  {}
func (n *NoopMetrics) RecordWebhookDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordGuardDecision(_ string)                    {}
func (n *NoopMetrics) RecordTransition(_, _ Status, _ string)          {}
func (n *NoopMetrics) RecordNotification(_ TemplateKind, _ string)     {}
func (n *NoopMetrics) RecordSweep(_, _, _ int, _ time.Duration)        {}
func (n *NoopMetrics) RecordAPICall(_, _ string)                       {}
func (n *NoopMetrics) RecordAPICallDuration(_ string, _ time.Duration) {}
