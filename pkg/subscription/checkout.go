package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PaymentProvider is the payment provider capability used to start a checkout.
type PaymentProvider interface {
	// CreateCustomer creates a provider customer and returns its id.
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)

	// CreateCheckoutSession creates a hosted subscription checkout session.
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
}

// CheckoutConfig configures a Checkout.
type CheckoutConfig struct {
	Store    Store           // required
	Provider PaymentProvider // required

	// DefaultPriceID is used when the request carries no price.
	DefaultPriceID string

	// Grace is passed to Evaluate when checking the existing record.
	Grace time.Duration

	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// Checkout starts hosted checkout sessions and provisions the pending local record.
type Checkout struct {
	store        Store
	provider     PaymentProvider
	defaultPrice string
	grace        time.Duration
	logger       Logger
	metrics      Metrics
	now          func() time.Time
}

// NewCheckout creates a Checkout.
func NewCheckout(cfg CheckoutConfig) (*Checkout, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("payment provider is required")
	}
	c := &Checkout{
		store:        cfg.Store,
		provider:     cfg.Provider,
		defaultPrice: cfg.DefaultPriceID,
		grace:        cfg.Grace,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}
	if c.logger == nil {
		c.logger = &NoopLogger{}
	}
	if c.metrics == nil {
		c.metrics = &NoopMetrics{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Start creates a checkout session for the user. It fails with ErrAlreadyActive when the user
// is entitled or a live provider subscription still bills the record. Local state is written only after the
// provider session exists.
func (c *Checkout) Start(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if err := validateCheckout(req); err != nil {
		return nil, err
	}
	priceID := req.PriceID
	if priceID == "" {
		priceID = c.defaultPrice
	}
	if priceID == "" {
		return nil, fmt.Errorf("%w: price is required", ErrInvalidInput)
	}

	existing, err := c.store.GetByUserID(ctx, req.UserID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if existing != nil {
		decision := Evaluate(existing, c.now(), c.grace)
		switch {
		case decision.NeedsExpiry:
			if _, err := expireSubscription(ctx, c.store, existing, "checkout", c.logger, c.metrics); err != nil {
				return nil, err
			}
		case decision.Entitled, existing.BilledByProvider():
			return nil, ErrAlreadyActive
		}
	}

	customerID := ""
	if existing != nil {
		customerID = existing.ExternalCustomerID
	}
	if customerID == "" {
		customerID, err = c.provider.CreateCustomer(ctx, CustomerParams{
			UserID: req.UserID,
			Email:  req.Email,
			Name:   req.Name,
		})
		if err != nil {
			return nil, providerError("create customer", err)
		}
	}

	session, err := c.provider.CreateCheckoutSession(ctx, CheckoutSessionParams{
		UserID:     req.UserID,
		CustomerID: customerID,
		PriceID:    priceID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		return nil, providerError("create checkout session", err)
	}

	now := c.now()
	pending := &Subscription{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		Status:             StatusPending,
		ExternalCustomerID: customerID,
		ExternalPriceID:    priceID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if existing != nil && existing.Status == StatusPending {
		pending.ID = existing.ID
		pending.CreatedAt = existing.CreatedAt
	}
	if err := c.store.SavePending(ctx, pending); err != nil {
		return nil, fmt.Errorf("save pending subscription: %w", err)
	}

	c.logger.Info("Checkout session created",
		Field{"user_id", req.UserID}, Field{"session_id", session.ID}, Field{"price_id", priceID})
	return session, nil
}

func validateCheckout(req CheckoutRequest) error {
	switch {
	case req.UserID == "":
		return ErrUnauthenticated
	case req.Email == "":
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	case req.SuccessURL == "" || req.CancelURL == "":
		return fmt.Errorf("%w: success and cancel URLs are required", ErrInvalidInput)
	}
	return nil
}

func providerError(op string, err error) error {
	if errors.Is(err, ErrProviderUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
}
