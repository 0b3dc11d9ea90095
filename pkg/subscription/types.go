// Package subscription keeps a local subscription record in step with the payment provider
// and answers access decisions against it.
package subscription

import "time"

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusTrialing, StatusPastDue, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether s can only be left through a new checkout.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

// PaymentStatus is the outcome of the most recent charge reported by the provider.
type PaymentStatus string

const (
	PaymentStatusNone   PaymentStatus = ""
	PaymentStatusPaid   PaymentStatus = "paid"
	PaymentStatusFailed PaymentStatus = "failed"
)

// Subscription is the single subscription record owned by a user.
type Subscription struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Status Status `json:"status"`

	ExternalCustomerID     string        `json:"externalCustomerId,omitempty"`
	ExternalSubscriptionID string        `json:"externalSubscriptionId,omitempty"`
	ExternalPriceID        string        `json:"externalPriceId,omitempty"`
	PaymentStatus          PaymentStatus `json:"paymentStatus,omitempty"`

	CurrentPeriodStart *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancelAtPeriodEnd"`

	LastReminderSent *time.Time `json:"lastReminderSent,omitempty"`
	ReminderCount    int        `json:"reminderCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of s.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.LastReminderSent = cloneTime(s.LastReminderSent)
	return &c
}

// BilledByProvider reports whether a live provider subscription still bills this record. A
// new checkout must not replace such a record or the provider subscription is orphaned.
func (s *Subscription) BilledByProvider() bool {
	switch s.Status {
	case StatusActive, StatusTrialing:
		return true
	case StatusPastDue:
		return s.ExternalSubscriptionID != ""
	}
	return false
}

// sameState compares everything except the audit timestamps.
func sameState(a, b *Subscription) bool {
	return a.ID == b.ID &&
		a.UserID == b.UserID &&
		a.Status == b.Status &&
		a.ExternalCustomerID == b.ExternalCustomerID &&
		a.ExternalSubscriptionID == b.ExternalSubscriptionID &&
		a.ExternalPriceID == b.ExternalPriceID &&
		a.PaymentStatus == b.PaymentStatus &&
		equalTime(a.CurrentPeriodStart, b.CurrentPeriodStart) &&
		equalTime(a.CurrentPeriodEnd, b.CurrentPeriodEnd) &&
		a.CancelAtPeriodEnd == b.CancelAtPeriodEnd &&
		equalTime(a.LastReminderSent, b.LastReminderSent) &&
		a.ReminderCount == b.ReminderCount
}

// User is the subset of a user account the engine needs for notifications.
type User struct {
	ID    string
	Email string
	Name  string
}

// CheckoutRequest starts a hosted checkout for an authenticated user.
type CheckoutRequest struct {
	UserID     string
	Email      string
	Name       string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the provider-hosted session the user is redirected to.
type CheckoutSession struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}

// CustomerParams describes a provider customer to create.
type CustomerParams struct {
	UserID string
	Email  string
	Name   string
}

// CheckoutSessionParams describes a provider checkout session to create.
type CheckoutSessionParams struct {
	UserID     string
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// ProviderState is the authoritative view of a subscription as reported by the provider.
type ProviderState struct {
	ExternalSubscriptionID string
	ExternalCustomerID     string
	ExternalPriceID        string
	Status                 Status
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
