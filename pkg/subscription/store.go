package subscription

import (
	"context"
	"time"
)

// Store persists subscription records.
//
// Status changes are compare-and-set: a write that finds the row no longer in the expected
// status affects nothing and reports false with a nil error. Callers treat that as a lost
// race, never as a failure.
type Store interface {
	// GetByUserID returns the user's subscription or ErrSubscriptionNotFound.
	GetByUserID(ctx context.Context, userID string) (*Subscription, error)

	// GetByExternalSubscriptionID returns the subscription bound to the provider
	// subscription id or ErrSubscriptionNotFound.
	GetByExternalSubscriptionID(ctx context.Context, externalSubscriptionID string) (*Subscription, error)

	// SavePending inserts or replaces the user's record with a pending placeholder.
	// It returns ErrAlreadyActive instead of overwriting a record for which
	// Subscription.BilledByProvider is true.
	SavePending(ctx context.Context, sub *Subscription) error

	// Update writes every mutable field of sub if the stored status still equals expected.
	Update(ctx context.Context, sub *Subscription, expected Status) (bool, error)

	// TransitionStatus moves the row from one status to another if it is still in from.
	TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error)

	// ListRenewalCandidates returns active subscriptions ending in [from, to) that have
	// not been reminded for their current period.
	ListRenewalCandidates(ctx context.Context, from, to time.Time) ([]*Subscription, error)

	// ListLapsed returns active subscriptions whose period ended strictly before t.
	ListLapsed(ctx context.Context, before time.Time) ([]*Subscription, error)

	// MarkReminderSent stamps LastReminderSent and increments ReminderCount.
	MarkReminderSent(ctx context.Context, id string, at time.Time) error
}

// UserDirectory resolves contact details for notifications.
type UserDirectory interface {
	// GetUser returns the user or ErrUserNotFound.
	GetUser(ctx context.Context, userID string) (*User, error)
}

// Locker provides a best-effort mutual exclusion across processes.
type Locker interface {
	// TryLock acquires key for ttl. ok is false when somebody else holds it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}
