// Package fiber provides Fiber middleware that admits only users with an entitled subscription.
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

// SubscriptionKey is the Fiber locals key holding the admitted *subscription.Subscription.
const SubscriptionKey = "subscription"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Guard makes the access decision (required)
	Guard subscription.Checker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnForbidden is called when the user has no entitled subscription
	// If nil, returns 403 Forbidden
	OnForbidden func(c *fiber.Ctx, err error) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that requires an entitled subscription
func Middleware(cfg Config) fiber.Handler {
	if cfg.Guard == nil {
		panic("subscription/fiber: Config.Guard is required")
	}
	if cfg.GetUserID == nil {
		panic("subscription/fiber: Config.GetUserID is required")
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = defaultUnauthorized
	}
	if cfg.OnForbidden == nil {
		cfg.OnForbidden = defaultForbidden
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}

	return func(c *fiber.Ctx) error {
		sub, err := cfg.Guard.Check(c.UserContext(), cfg.GetUserID(c))
		switch {
		case err == nil:
			c.Locals(SubscriptionKey, sub)
			return c.Next()
		case errors.Is(err, subscription.ErrUnauthenticated):
			return cfg.OnUnauthorized(c)
		case errors.Is(err, subscription.ErrForbidden):
			return cfg.OnForbidden(c, err)
		default:
			return cfg.OnError(c, err)
		}
	}
}

// SubscriptionFromContext returns the subscription admitted by Middleware.
func SubscriptionFromContext(c *fiber.Ctx) (*subscription.Subscription, bool) {
	sub, ok := c.Locals(SubscriptionKey).(*subscription.Subscription)
	return sub, ok
}

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "Unauthorized",
		"code":  subscription.CodeUnauthenticated,
	})
}

func defaultForbidden(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error": subscription.ErrForbidden.Error(),
		"code":  subscription.CodeForbidden,
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal Server Error",
		"code":  subscription.CodeInternal,
	})
}

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
