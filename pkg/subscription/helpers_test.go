package subscription_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/storage/memory"
)

// sentNotification is one call observed by recordingNotifier.
type sentNotification struct {
	Address string
	Kind    subscription.TemplateKind
	Data    map[string]any
}

// recordingNotifier records sends and fails for addresses listed in failFor.
type recordingNotifier struct {
	mu      sync.Mutex
	sent    []sentNotification
	failFor map[string]error
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{failFor: make(map[string]error)}
}

func (n *recordingNotifier) Send(_ context.Context, address string, kind subscription.TemplateKind, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err, ok := n.failFor[address]; ok {
		return err
	}
	n.sent = append(n.sent, sentNotification{Address: address, Kind: kind, Data: data})
	return nil
}

func (n *recordingNotifier) Sent() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

// fakeProvider is an in-memory PaymentProvider.
type fakeProvider struct {
	mu              sync.Mutex
	customers       []subscription.CustomerParams
	sessions        []subscription.CheckoutSessionParams
	customerErr     error
	sessionErr      error
	nextCustomerNum int
}

func (p *fakeProvider) CreateCustomer(_ context.Context, params subscription.CustomerParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.customerErr != nil {
		return "", p.customerErr
	}
	p.nextCustomerNum++
	p.customers = append(p.customers, params)
	return fmt.Sprintf("cus_%d", p.nextCustomerNum), nil
}

func (p *fakeProvider) CreateCheckoutSession(
	_ context.Context,
	params subscription.CheckoutSessionParams,
) (*subscription.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessionErr != nil {
		return nil, p.sessionErr
	}
	p.sessions = append(p.sessions, params)
	return &subscription.CheckoutSession{
		ID:  "cs_test_" + params.UserID,
		URL: "https://checkout.stripe.test/c/pay/cs_test_" + params.UserID,
	}, nil
}

// failingStore returns errFailing from the methods switched on.
type failingStore struct {
	*memory.Storage
	failTransition bool
	failRenewals   bool
	failLapsed     bool
	failGet        bool
}

var errFailing = errors.New("connection refused")

func (s *failingStore) GetByUserID(ctx context.Context, userID string) (*subscription.Subscription, error) {
	if s.failGet {
		return nil, errFailing
	}
	return s.Storage.GetByUserID(ctx, userID)
}

func (s *failingStore) TransitionStatus(ctx context.Context, id string, from, to subscription.Status) (bool, error) {
	if s.failTransition {
		return false, errFailing
	}
	return s.Storage.TransitionStatus(ctx, id, from, to)
}

func (s *failingStore) ListRenewalCandidates(ctx context.Context, from, to time.Time) ([]*subscription.Subscription, error) {
	if s.failRenewals {
		return nil, errFailing
	}
	return s.Storage.ListRenewalCandidates(ctx, from, to)
}

func (s *failingStore) ListLapsed(ctx context.Context, before time.Time) ([]*subscription.Subscription, error) {
	if s.failLapsed {
		return nil, errFailing
	}
	return s.Storage.ListLapsed(ctx, before)
}

func activeSubscription(id, userID string, end time.Time) *subscription.Subscription {
	return &subscription.Subscription{
		ID:                     id,
		UserID:                 userID,
		Status:                 subscription.StatusActive,
		ExternalCustomerID:     "cus_" + id,
		ExternalSubscriptionID: "sub_" + id,
		CurrentPeriodStart:     timePtr(end.AddDate(-1, 0, 0)),
		CurrentPeriodEnd:       timePtr(end),
		CreatedAt:              end.AddDate(-1, 0, 0),
		UpdatedAt:              end.AddDate(-1, 0, 0),
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
