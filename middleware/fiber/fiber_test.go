package fiber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/storage/memory"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type checkerFunc func(ctx context.Context, userID string) (*subscription.Subscription, error)

func (f checkerFunc) Check(ctx context.Context, userID string) (*subscription.Subscription, error) {
	return f(ctx, userID)
}

// Test helper to create a guard with one entitled user
func setupTestGuard(t *testing.T) (*subscription.Guard, *memory.Storage) {
	t.Helper()

	store := memory.New()
	end := testNow.AddDate(0, 0, 10)
	store.Put(&subscription.Subscription{
		ID:               "sub-1",
		UserID:           "user1",
		Status:           subscription.StatusActive,
		CurrentPeriodEnd: &end,
	})

	guard, err := subscription.NewGuard(subscription.GuardConfig{
		Store: store,
		Now:   func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("Failed to create guard: %v", err)
	}
	return guard, store
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(cfg))
	app.Get("/api/access", func(c *fiber.Ctx) error {
		sub, ok := SubscriptionFromContext(c)
		if !ok {
			return c.SendStatus(fiber.StatusTeapot)
		}
		return c.SendString(sub.ID)
	})
	return app
}

func do(t *testing.T, app *fiber.App, userID string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/access", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestMiddleware_Success(t *testing.T) {
	guard, _ := setupTestGuard(t)
	app := newApp(Config{Guard: guard, GetUserID: FromHeader("X-User-ID")})

	status, body := do(t, app, "user1")
	if status != fiber.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	if body != "sub-1" {
		t.Errorf("Expected body sub-1, got %q", body)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	guard, _ := setupTestGuard(t)
	app := newApp(Config{Guard: guard, GetUserID: FromHeader("X-User-ID")})

	status, _ := do(t, app, "")
	if status != fiber.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", status)
	}
}

func TestMiddleware_Forbidden(t *testing.T) {
	guard, store := setupTestGuard(t)
	app := newApp(Config{Guard: guard, GetUserID: FromHeader("X-User-ID")})

	status, _ := do(t, app, "user2")
	if status != fiber.StatusForbidden {
		t.Errorf("Expected status 403, got %d", status)
	}

	end := testNow.Add(-time.Minute)
	store.Put(&subscription.Subscription{
		ID:               "sub-3",
		UserID:           "user3",
		Status:           subscription.StatusActive,
		CurrentPeriodEnd: &end,
	})
	status, _ = do(t, app, "user3")
	if status != fiber.StatusForbidden {
		t.Errorf("Expected lapsed subscription to get 403, got %d", status)
	}
}

func TestMiddleware_Error(t *testing.T) {
	failing := checkerFunc(func(context.Context, string) (*subscription.Subscription, error) {
		return nil, errors.New("connection refused")
	})

	status, _ := do(t, newApp(Config{Guard: failing, GetUserID: FromHeader("X-User-ID")}), "user1")
	if status != fiber.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", status)
	}

	custom := newApp(Config{
		Guard:     failing,
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(c *fiber.Ctx, _ error) error {
			return c.SendStatus(fiber.StatusServiceUnavailable)
		},
	})
	status, _ = do(t, custom, "user1")
	if status != fiber.StatusServiceUnavailable {
		t.Errorf("Expected custom status 503, got %d", status)
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	guard, _ := setupTestGuard(t)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("UserID", c.Get("X-Auth-User"))
		return c.Next()
	})
	app.Use(Middleware(Config{Guard: guard, GetUserID: FromContext("UserID")}))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Auth-User", "user1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing GetUserID")
		}
	}()
	guard, _ := setupTestGuard(t)
	Middleware(Config{Guard: guard})
}
