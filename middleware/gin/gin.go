// Package gin provides Gin middleware that admits only users with an entitled subscription.
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

// SubscriptionKey is the Gin context key holding the admitted *subscription.Subscription.
const SubscriptionKey = "subscription"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Guard makes the access decision (required)
	Guard subscription.Checker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnForbidden is called when the user has no entitled subscription
	// If nil, returns 403 Forbidden
	OnForbidden func(c *gongin.Context, err error)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that requires an entitled subscription
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Guard == nil {
		panic("subscription/gin: Config.Guard is required")
	}
	if cfg.GetUserID == nil {
		panic("subscription/gin: Config.GetUserID is required")
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

	return func(c *gongin.Context) {
		sub, err := cfg.Guard.Check(c.Request.Context(), cfg.GetUserID(c))
		switch {
		case err == nil:
			c.Set(SubscriptionKey, sub)
			c.Next()
			return
		case errors.Is(err, subscription.ErrUnauthenticated):
			cfg.OnUnauthorized(c)
		case errors.Is(err, subscription.ErrForbidden):
			cfg.OnForbidden(c, err)
		default:
			cfg.OnError(c, err)
		}
		c.Abort()
	}
}

// SubscriptionFromContext returns the subscription admitted by Middleware.
func SubscriptionFromContext(c *gongin.Context) (*subscription.Subscription, bool) {
	v, ok := c.Get(SubscriptionKey)
	if !ok {
		return nil, false
	}
	sub, ok := v.(*subscription.Subscription)
	return sub, ok
}

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized", "code": subscription.CodeUnauthenticated})
}

func defaultForbidden(c *gongin.Context, _ error) {
	c.JSON(http.StatusForbidden, gongin.H{
		"error": subscription.ErrForbidden.Error(),
		"code":  subscription.CodeForbidden,
	})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error", "code": subscription.CodeInternal})
}

// FromContext returns a UserIDExtractor that gets user ID from the Gin context.
// Use this when your authentication middleware stores user information via
// c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if userID, ok := c.Get(key); ok {
			if id, ok := userID.(string); ok {
				return id
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
