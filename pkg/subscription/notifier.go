package subscription

import (
	"context"
	"fmt"
	"time"
)

// TemplateKind names a notification template.
type TemplateKind string

const (
	TemplateRenewalReminder     TemplateKind = "renewal_reminder"
	TemplateSubscriptionExpired TemplateKind = "subscription_expired"
)

// DefaultNotifyTimeout bounds a single notification send.
const DefaultNotifyTimeout = 10 * time.Second

// Notifier delivers templated notifications. Send returns an error on any delivery failure.
type Notifier interface {
	Send(ctx context.Context, address string, kind TemplateKind, data map[string]any) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, address string, kind TemplateKind, data map[string]any) error

func (f NotifierFunc) Send(ctx context.Context, address string, kind TemplateKind, data map[string]any) error {
	return f(ctx, address, kind, data)
}

// dispatch sends one notification under its own timeout and turns a panic into an error so
// one bad send cannot stall or crash a batch.
func dispatch(
	ctx context.Context,
	n Notifier,
	timeout time.Duration,
	address string,
	kind TemplateKind,
	data map[string]any,
) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return n.Send(ctx, address, kind, data)
}

func reminderData(user *User, sub *Subscription, daysRemaining int, appURL string) map[string]any {
	data := map[string]any{
		"name":           user.Name,
		"email":          user.Email,
		"days_remaining": daysRemaining,
		"renew_url":      appURL + "/subscription",
	}
	if sub.CurrentPeriodEnd != nil {
		data["period_end"] = sub.CurrentPeriodEnd.Format("2 January 2006")
	}
	return data
}

func expiredData(user *User, sub *Subscription, appURL string) map[string]any {
	data := map[string]any{
		"name":          user.Name,
		"email":         user.Email,
		"subscribe_url": appURL + "/subscription",
	}
	if sub.CurrentPeriodEnd != nil {
		data["period_end"] = sub.CurrentPeriodEnd.Format("2 January 2006")
	}
	return data
}
