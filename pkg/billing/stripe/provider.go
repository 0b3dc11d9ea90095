// Package stripe connects the subscription engine to Stripe: hosted checkout, authoritative
// subscription reads and signed webhook reconciliation.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v83"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/billing/internal"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultBreakerTimeout    = 30 * time.Second
	defaultBreakerFailures   = 5
	webhookBodyLimit         = 256 * 1024

	// metadataUserID is the metadata key that carries our user id through Stripe objects.
	metadataUserID = "userId"
)

// Config configures a Stripe Provider.
type Config struct {
	// StripeAPIKey is the secret API key (required)
	StripeAPIKey string

	// StripeWebhookSecret is the endpoint signing secret. Webhooks are refused without it.
	StripeWebhookSecret string

	// Store receives reconciled state (required for webhooks)
	Store subscription.Store

	// Timeout bounds each API call. Default: 10s
	Timeout time.Duration

	// BreakerFailures is the number of consecutive failures that opens the circuit.
	// Default: 5
	BreakerFailures uint32

	// BreakerTimeout is how long the circuit stays open. Default: 30s
	BreakerTimeout time.Duration

	// RateLimitRequests per client per RateLimitWindow on the webhook endpoint.
	// Default: 100 per minute
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// TrustProxy keys the webhook rate limit by X-Forwarded-For.
	TrustProxy bool

	Logger  subscription.Logger
	Metrics subscription.Metrics
	Now     func() time.Time
}

// api is the subset of the Stripe client the provider uses.
type api interface {
	CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

type clientAPI struct {
	client *stripe.Client
}

func (c clientAPI) CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	return c.client.V1Customers.Create(ctx, params)
}

func (c clientAPI) CreateCheckoutSession(
	ctx context.Context,
	params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}

func (c clientAPI) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Retrieve(ctx, id, nil)
}

// Provider implements subscription.PaymentProvider and reconciles Stripe webhooks.
type Provider struct {
	api           api
	breaker       *gobreaker.CircuitBreaker[any]
	timeout       time.Duration
	store         subscription.Store
	webhookSecret string
	rateLimiter   *internal.RateLimiter
	handlers      map[stripe.EventType]eventHandler
	logger        subscription.Logger
	metrics       subscription.Metrics
	now           func() time.Time
}

// NewProvider creates a new Stripe provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, errors.New("stripe API key is required")
	}

	p := &Provider{
		api:           clientAPI{client: stripe.NewClient(apiKey)},
		timeout:       config.Timeout,
		store:         config.Store,
		webhookSecret: strings.TrimSpace(config.StripeWebhookSecret),
		logger:        config.Logger,
		metrics:       config.Metrics,
		now:           config.Now,
	}
	if p.logger == nil {
		p.logger = &subscription.NoopLogger{}
	}
	if p.metrics == nil {
		p.metrics = &subscription.NoopMetrics{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.timeout <= 0 {
		p.timeout = defaultHTTPTimeout
	}

	limit := config.RateLimitRequests
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	p.rateLimiter = internal.NewRateLimiter(internal.RateLimiterConfig{
		Limit:      limit,
		Window:     window,
		TrustProxy: config.TrustProxy,
	})

	p.breaker = newBreaker(config.BreakerFailures, config.BreakerTimeout, p.logger)
	p.handlers = p.eventHandlers()
	return p, nil
}

func newBreaker(failures uint32, timeout time.Duration, logger subscription.Logger) *gobreaker.CircuitBreaker[any] {
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        providerName,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// Client errors say nothing about Stripe's health.
			var se *stripe.Error
			if errors.As(err, &se) && se.HTTPStatusCode > 0 && se.HTTPStatusCode < http.StatusInternalServerError {
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Payment provider circuit changed state",
				subscription.Field{Key: "breaker", Value: name},
				subscription.Field{Key: "from", Value: from.String()},
				subscription.Field{Key: "to", Value: to.String()})
		},
	})
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// call runs fn through the circuit breaker under the call timeout and records metrics.
// Failures are wrapped with subscription.ErrProviderUnavailable.
func call[T any](ctx context.Context, p *Provider, endpoint string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	out, err := p.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	p.metrics.RecordAPICallDuration(endpoint, time.Since(start))

	var zero T
	if err != nil {
		p.metrics.RecordAPICall(endpoint, "error")
		return zero, fmt.Errorf("%w: %s: %w", subscription.ErrProviderUnavailable, endpoint, err)
	}
	p.metrics.RecordAPICall(endpoint, "success")
	result, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result type %T", endpoint, out)
	}
	return result, nil
}

// CreateCustomer implements subscription.PaymentProvider
func (p *Provider) CreateCustomer(ctx context.Context, params subscription.CustomerParams) (string, error) {
	create := &stripe.CustomerCreateParams{
		Email: stripe.String(params.Email),
	}
	if params.Name != "" {
		create.Name = stripe.String(params.Name)
	}
	create.AddMetadata(metadataUserID, params.UserID)

	customer, err := call(ctx, p, "customers.create", func(ctx context.Context) (*stripe.Customer, error) {
		return p.api.CreateCustomer(ctx, create)
	})
	if err != nil {
		return "", err
	}
	return customer.ID, nil
}

// CreateCheckoutSession implements subscription.PaymentProvider
func (p *Provider) CreateCheckoutSession(
	ctx context.Context,
	params subscription.CheckoutSessionParams,
) (*subscription.CheckoutSession, error) {
	create := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(params.UserID),
	}
	if params.CustomerID != "" {
		create.Customer = stripe.String(params.CustomerID)
	}
	create.AddMetadata(metadataUserID, params.UserID)
	create.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	create.SubscriptionData.AddMetadata(metadataUserID, params.UserID)

	session, err := call(ctx, p, "checkout.sessions.create", func(ctx context.Context) (*stripe.CheckoutSession, error) {
		return p.api.CreateCheckoutSession(ctx, create)
	})
	if err != nil {
		return nil, err
	}
	return &subscription.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// FetchSubscription reads the authoritative state of a Stripe subscription.
func (p *Provider) FetchSubscription(ctx context.Context, id string) (subscription.ProviderState, error) {
	sub, err := call(ctx, p, "subscriptions.retrieve", func(ctx context.Context) (*stripe.Subscription, error) {
		return p.api.RetrieveSubscription(ctx, id)
	})
	if err != nil {
		return subscription.ProviderState{}, err
	}
	return stateFromStripe(sub), nil
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// MapStatus converts a Stripe subscription status to a local status.
func MapStatus(status stripe.SubscriptionStatus) subscription.Status {
	switch status {
	case stripe.SubscriptionStatusActive:
		return subscription.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return subscription.StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return subscription.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return subscription.StatusCanceled
	case stripe.SubscriptionStatusIncompleteExpired:
		return subscription.StatusExpired
	case stripe.SubscriptionStatusIncomplete:
		return subscription.StatusPending
	default:
		return ""
	}
}

func stateFromStripe(sub *stripe.Subscription) subscription.ProviderState {
	state := subscription.ProviderState{
		ExternalSubscriptionID: sub.ID,
		Status:                 MapStatus(sub.Status),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		state.ExternalCustomerID = sub.Customer.ID
	}
	if sub.Items == nil {
		return state
	}

	var start, end int64
	for _, item := range sub.Items.Data {
		if item == nil {
			continue
		}
		if state.ExternalPriceID == "" && item.Price != nil {
			state.ExternalPriceID = item.Price.ID
		}
		if item.CurrentPeriodEnd > end {
			start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
	}
	if start > 0 {
		t := time.Unix(start, 0).UTC()
		state.CurrentPeriodStart = &t
	}
	if end > 0 {
		t := time.Unix(end, 0).UTC()
		state.CurrentPeriodEnd = &t
	}
	return state
}
