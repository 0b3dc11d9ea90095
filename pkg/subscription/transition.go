package subscription

import (
	"context"
	"fmt"
	"time"
)

const maxUpdateAttempts = 3

// ApplyCheckoutCompleted binds sub to the provider subscription confirmed by a completed
// checkout. It reports false when nothing would change or when sub already belongs to a
// different provider subscription.
func ApplyCheckoutCompleted(sub *Subscription, state ProviderState, now time.Time) (*Subscription, bool) {
	if sub.ExternalSubscriptionID != "" && sub.ExternalSubscriptionID != state.ExternalSubscriptionID {
		return sub, false
	}
	next := sub.Clone()
	next.ExternalSubscriptionID = state.ExternalSubscriptionID
	if state.ExternalCustomerID != "" {
		next.ExternalCustomerID = state.ExternalCustomerID
	}
	if state.ExternalPriceID != "" {
		next.ExternalPriceID = state.ExternalPriceID
	}
	next.Status = checkoutStatus(sub.Status, state, now)
	next.PaymentStatus = PaymentStatusPaid
	next.CancelAtPeriodEnd = state.CancelAtPeriodEnd
	setPeriod(next, state)
	return finish(sub, next, now)
}

// ApplyProviderState refreshes status and period boundaries from the provider. A canceled
// record is never revived; an expired record only comes back when the provider confirms a
// period that has not ended yet.
func ApplyProviderState(sub *Subscription, state ProviderState, now time.Time) (*Subscription, bool) {
	next := sub.Clone()
	next.Status = reconcileStatus(sub.Status, state, now)
	if state.ExternalPriceID != "" {
		next.ExternalPriceID = state.ExternalPriceID
	}
	if state.ExternalCustomerID != "" {
		next.ExternalCustomerID = state.ExternalCustomerID
	}
	next.CancelAtPeriodEnd = state.CancelAtPeriodEnd
	setPeriod(next, state)
	return finish(sub, next, now)
}

// ApplyCancellation marks the subscription canceled.
func ApplyCancellation(sub *Subscription, now time.Time) (*Subscription, bool) {
	next := sub.Clone()
	next.Status = StatusCanceled
	next.CancelAtPeriodEnd = false
	return finish(sub, next, now)
}

// ApplyPaymentFailure records a failed charge. Status is left for the provider's
// subscription update to change.
func ApplyPaymentFailure(sub *Subscription, now time.Time) (*Subscription, bool) {
	next := sub.Clone()
	next.PaymentStatus = PaymentStatusFailed
	return finish(sub, next, now)
}

func checkoutStatus(current Status, state ProviderState, now time.Time) Status {
	if current == StatusCanceled {
		return current
	}
	status := state.Status
	if status == "" {
		status = StatusActive
	}
	if current == StatusExpired && !renewed(status, state, now) && status != StatusCanceled {
		return current
	}
	return status
}

func reconcileStatus(current Status, state ProviderState, now time.Time) Status {
	if state.Status == "" || current == StatusCanceled {
		return current
	}
	if current == StatusExpired && !renewed(state.Status, state, now) && state.Status != StatusCanceled {
		return current
	}
	return state.Status
}

// renewed reports whether the provider confirms a paid period that has not ended yet.
func renewed(status Status, state ProviderState, now time.Time) bool {
	return (status == StatusActive || status == StatusTrialing) &&
		state.CurrentPeriodEnd != nil && state.CurrentPeriodEnd.After(now)
}

func setPeriod(next *Subscription, state ProviderState) {
	if state.CurrentPeriodStart != nil {
		next.CurrentPeriodStart = cloneTime(state.CurrentPeriodStart)
	}
	if state.CurrentPeriodEnd != nil {
		next.CurrentPeriodEnd = cloneTime(state.CurrentPeriodEnd)
	}
}

func finish(prev, next *Subscription, now time.Time) (*Subscription, bool) {
	if !equalTime(prev.CurrentPeriodEnd, next.CurrentPeriodEnd) {
		// new period, new reminder window
		next.LastReminderSent = nil
	}
	if sameState(prev, next) {
		return prev, false
	}
	next.UpdatedAt = now
	return next, true
}

// Mutate loads a record, applies fn and writes the result with a compare-and-set on the
// loaded status, re-reading on a lost race. It returns the stored record and whether a write
// happened.
func Mutate(
	ctx context.Context,
	store Store,
	load func(ctx context.Context) (*Subscription, error),
	fn func(sub *Subscription) (*Subscription, bool),
) (*Subscription, bool, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := load(ctx)
		if err != nil {
			return nil, false, err
		}
		next, changed := fn(current)
		if !changed {
			return current, false, nil
		}
		ok, err := store.Update(ctx, next, current.Status)
		if err != nil {
			return nil, false, fmt.Errorf("update subscription %s: %w", current.ID, err)
		}
		if ok {
			return next, true, nil
		}
	}
	return nil, false, ErrConcurrentUpdate
}
