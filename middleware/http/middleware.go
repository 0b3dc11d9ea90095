// Package http provides net/http middleware that admits only users with an entitled
// subscription.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Guard makes the access decision (required)
	Guard subscription.Checker

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnForbidden is called when the user has no entitled subscription
	// If nil, returns 403 Forbidden
	OnForbidden func(w http.ResponseWriter, r *http.Request, err error)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type contextKey struct{ name string }

var subscriptionKey = &contextKey{"subscription"}

// Middleware creates an HTTP middleware that requires an entitled subscription
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.Guard == nil {
		panic("subscription/http: Config.Guard is required")
	}
	if cfg.GetUserID == nil {
		panic("subscription/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sub, err := cfg.Guard.Check(r.Context(), cfg.GetUserID(r))
			switch {
			case err == nil:
				ctx := context.WithValue(r.Context(), subscriptionKey, sub)
				next.ServeHTTP(w, r.WithContext(ctx))
			case errors.Is(err, subscription.ErrUnauthenticated):
				if cfg.OnUnauthorized != nil {
					cfg.OnUnauthorized(w, r)
					return
				}
				writeError(w, http.StatusUnauthorized, err)
			case errors.Is(err, subscription.ErrForbidden):
				if cfg.OnForbidden != nil {
					cfg.OnForbidden(w, r, err)
					return
				}
				writeError(w, http.StatusForbidden, err)
			default:
				if cfg.OnError != nil {
					cfg.OnError(w, r, err)
					return
				}
				writeError(w, http.StatusInternalServerError, err)
			}
		})
	}
}

// HandlerFunc is Middleware for http.HandlerFunc
func HandlerFunc(cfg Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(cfg)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// SubscriptionFromContext returns the subscription admitted by Middleware.
func SubscriptionFromContext(ctx context.Context) (*subscription.Subscription, bool) {
	sub, ok := ctx.Value(subscriptionKey).(*subscription.Subscription)
	return sub, ok
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal Server Error"
	}
	if status == http.StatusForbidden {
		msg = subscription.ErrForbidden.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
		"code":  subscription.Code(err),
	})
}

// ContextKey is a type for context keys
type ContextKey string

// UserIDKey is the context key for user ID
const UserIDKey ContextKey = "subscription:userID"

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
