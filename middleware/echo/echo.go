// Package echo provides Echo middleware that admits only users with an entitled subscription.
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

// SubscriptionKey is the Echo context key holding the admitted *subscription.Subscription.
const SubscriptionKey = "subscription"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Guard makes the access decision (required)
	Guard subscription.Checker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnForbidden is called when the user has no entitled subscription
	// If nil, returns 403 Forbidden
	OnForbidden func(c echo.Context, err error) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that requires an entitled subscription
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Guard == nil {
		panic("subscription/echo: Config.Guard is required")
	}
	if cfg.GetUserID == nil {
		panic("subscription/echo: Config.GetUserID is required")
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sub, err := cfg.Guard.Check(c.Request().Context(), cfg.GetUserID(c))
			switch {
			case err == nil:
				c.Set(SubscriptionKey, sub)
				return next(c)
			case errors.Is(err, subscription.ErrUnauthenticated):
				return cfg.OnUnauthorized(c)
			case errors.Is(err, subscription.ErrForbidden):
				return cfg.OnForbidden(c, err)
			default:
				return cfg.OnError(c, err)
			}
		}
	}
}

// SubscriptionFromContext returns the subscription admitted by Middleware.
func SubscriptionFromContext(c echo.Context) (*subscription.Subscription, bool) {
	sub, ok := c.Get(SubscriptionKey).(*subscription.Subscription)
	return sub, ok
}

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{
		"error": "Unauthorized",
		"code":  subscription.CodeUnauthenticated,
	})
}

func defaultForbidden(c echo.Context, _ error) error {
	return c.JSON(http.StatusForbidden, map[string]string{
		"error": subscription.ErrForbidden.Error(),
		"code":  subscription.CodeForbidden,
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "Internal Server Error",
		"code":  subscription.CodeInternal,
	})
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
