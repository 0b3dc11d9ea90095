package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window, per-client limiter for webhook endpoints.
type RateLimiter struct {
	mu            sync.Mutex
	requests      map[string]*bucket
	limit         int
	window        time.Duration
	trustProxy    bool
	requestCount  int
	cleanupEvery  int
	cleanupAtSize int
	now           func() time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// Limit is the number of requests allowed per client per window
	Limit int
	// Window is the length of a window
	Window time.Duration
	// TrustProxy keys clients by the first X-Forwarded-For entry. Enable only behind a
	// proxy that sets the header.
	TrustProxy bool
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		requests:      make(map[string]*bucket),
		limit:         cfg.Limit,
		window:        cfg.Window,
		trustProxy:    cfg.TrustProxy,
		cleanupEvery:  100,
		cleanupAtSize: 200,
		now:           time.Now,
	}
}

// Allow records a request for client and reports whether it is within the limit, along with
// the time the client's window resets.
func (rl *RateLimiter) Allow(client string) (bool, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.requests) > rl.cleanupAtSize {
		rl.cleanupExpired(now)
		rl.requestCount = 0
	}

	b, exists := rl.requests[client]
	if !exists || now.After(b.resetAt) {
		b = &bucket{count: 1, resetAt: now.Add(rl.window)}
		rl.requests[client] = b
		return true, b.resetAt
	}
	if b.count >= rl.limit {
		return false, b.resetAt
	}
	b.count++
	return true, b.resetAt
}

func (rl *RateLimiter) cleanupExpired(now time.Time) {
	for client, b := range rl.requests {
		if now.After(b.resetAt) {
			delete(rl.requests, client)
		}
	}
}

// Middleware rejects requests over the limit with 429 and a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, resetAt := rl.Allow(rl.ClientIP(r))
		if !ok {
			retry := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the address used to key the request.
func (rl *RateLimiter) ClientIP(r *http.Request) string {
	if rl.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
