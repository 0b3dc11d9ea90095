package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

// CheckoutStarter starts hosted checkout sessions. *subscription.Checkout implements it.
type CheckoutStarter interface {
	Start(ctx context.Context, req subscription.CheckoutRequest) (*subscription.CheckoutSession, error)
}

// SweepRunner runs one lifecycle sweep. *subscription.Sweeper implements it.
type SweepRunner interface {
	Run(ctx context.Context) (*subscription.SweepSummary, error)
}

// Config holds configuration for the subscription API handler
type Config struct {
	// Store is read by the status endpoint (required)
	Store subscription.Store

	// Users resolves the caller's email and name for checkout (required)
	Users subscription.UserDirectory

	// Checkout starts checkout sessions (required)
	Checkout CheckoutStarter

	// Sweeper runs the lifecycle sweep for the cron endpoint (required)
	Sweeper SweepRunner

	// CronSecret is the bearer token the cron endpoint expects. An empty secret refuses
	// every call.
	CronSecret string

	// AppURL builds default success and cancel redirect targets.
	AppURL string

	// Grace is passed to subscription.Evaluate for the status endpoint.
	// Default: subscription.DefaultEntitlementGrace
	Grace time.Duration

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger subscription.Logger
	Now    func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Users == nil {
		return fmt.Errorf("user directory is required")
	}
	if c.Checkout == nil {
		return fmt.Errorf("checkout is required")
	}
	if c.Sweeper == nil {
		return fmt.Errorf("sweeper is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Grace <= 0 {
		config.Grace = subscription.DefaultEntitlementGrace
	}
	if config.Logger == nil {
		config.Logger = &subscription.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
