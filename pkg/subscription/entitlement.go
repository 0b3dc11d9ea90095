package subscription

import "time"

// DefaultEntitlementGrace bounds how long an active record without period boundaries is
// honored. It covers the gap between checkout completion and the first provider event.
const DefaultEntitlementGrace = time.Hour

// Decision is the outcome of evaluating a subscription at a point in time.
type Decision struct {
	// Entitled is true when the user currently has paid access.
	Entitled bool
	// NeedsExpiry is true when the record is still active but its period has lapsed.
	NeedsExpiry bool
	// Reason is a short machine-readable explanation for logs and status displays.
	Reason string
}

// Decision reasons.
const (
	ReasonEntitled       = "entitled"
	ReasonNoSubscription = "no_subscription"
	ReasonInactive       = "inactive"
	ReasonPeriodEnded    = "period_ended"
	ReasonGraceExpired   = "grace_expired"
)

// Evaluate computes entitlement from status and period boundaries. It has no side effects.
func Evaluate(sub *Subscription, now time.Time, grace time.Duration) Decision {
	if sub == nil {
		return Decision{Reason: ReasonNoSubscription}
	}
	if sub.Status != StatusActive && sub.Status != StatusTrialing {
		return Decision{Reason: ReasonInactive}
	}

	if sub.CurrentPeriodEnd == nil {
		if grace <= 0 {
			grace = DefaultEntitlementGrace
		}
		if now.Sub(sub.UpdatedAt) > grace {
			return Decision{Reason: ReasonGraceExpired}
		}
		return Decision{Entitled: true, Reason: ReasonEntitled}
	}

	if now.After(*sub.CurrentPeriodEnd) {
		return Decision{
			NeedsExpiry: sub.Status == StatusActive,
			Reason:      ReasonPeriodEnded,
		}
	}
	return Decision{Entitled: true, Reason: ReasonEntitled}
}
