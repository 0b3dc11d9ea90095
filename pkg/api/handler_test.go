package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/storage/memory"
)

const (
	testUserID     = "user123"
	testCronSecret = "cron-secret"
	testAppURL     = "https://holidays.example.com"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// stubProvider records checkout sessions.
type stubProvider struct {
	mu       sync.Mutex
	sessions []subscription.CheckoutSessionParams
	err      error
}

func (p *stubProvider) CreateCustomer(context.Context, subscription.CustomerParams) (string, error) {
	return "cus_1", p.err
}

func (p *stubProvider) CreateCheckoutSession(
	_ context.Context,
	params subscription.CheckoutSessionParams,
) (*subscription.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.sessions = append(p.sessions, params)
	return &subscription.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil
}

type sweeperFunc func(ctx context.Context) (*subscription.SweepSummary, error)

func (f sweeperFunc) Run(ctx context.Context) (*subscription.SweepSummary, error) {
	return f(ctx)
}

type testEnv struct {
	handler  *Handler
	store    *memory.Storage
	provider *stubProvider
}

func newTestEnv(t *testing.T, sweeper SweepRunner) *testEnv {
	t.Helper()

	store := memory.New()
	store.AddUser(&subscription.User{ID: testUserID, Email: "parent@example.com", Name: "Pat"})
	provider := &stubProvider{}
	checkout, err := subscription.NewCheckout(subscription.CheckoutConfig{
		Store:          store,
		Provider:       provider,
		DefaultPriceID: "price_monthly",
		Now:            func() time.Time { return testNow },
	})
	require.NoError(t, err)

	if sweeper == nil {
		sweeper = sweeperFunc(func(context.Context) (*subscription.SweepSummary, error) {
			return &subscription.SweepSummary{RemindersSent: 2, Expired: 1, Errors: []string{}}, nil
		})
	}

	h, err := NewHandler(Config{
		Store:      store,
		Users:      store,
		Checkout:   checkout,
		Sweeper:    sweeper,
		CronSecret: testCronSecret,
		AppURL:     testAppURL,
		GetUserID:  FromHeader("X-User-ID"),
		Now:        func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return &testEnv{handler: h, store: store, provider: provider}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}

func TestHandler_Checkout(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(`{"priceId":"price_yearly"}`))
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	env.handler.Checkout(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	session := decode[subscription.CheckoutSession](t, rec)
	assert.Equal(t, "cs_1", session.ID)
	assert.Equal(t, "https://checkout.stripe.test/cs_1", session.URL)

	require.Len(t, env.provider.sessions, 1)
	params := env.provider.sessions[0]
	assert.Equal(t, "price_yearly", params.PriceID)
	assert.Equal(t, testAppURL+"/subscription?success=true", params.SuccessURL)
	assert.Equal(t, testAppURL+"/subscription?canceled=true", params.CancelURL)

	sub, err := env.store.GetByUserID(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPending, sub.Status)
}

func TestHandler_CheckoutEmptyBodyUsesDefaults(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", nil)
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	env.handler.Checkout(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, env.provider.sessions, 1)
	assert.Equal(t, "price_monthly", env.provider.sessions[0].PriceID)
}

func TestHandler_CheckoutErrors(t *testing.T) {
	end := testNow.AddDate(0, 0, 20)

	tests := []struct {
		name     string
		method   string
		userID   string
		body     string
		setup    func(env *testEnv)
		wantCode int
		wantErr  string
	}{
		{
			name:     "method not allowed",
			method:   http.MethodGet,
			userID:   testUserID,
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name:     "unauthenticated",
			method:   http.MethodPost,
			wantCode: http.StatusUnauthorized,
			wantErr:  subscription.CodeUnauthenticated,
		},
		{
			name:     "unknown user",
			method:   http.MethodPost,
			userID:   "ghost",
			wantCode: http.StatusUnauthorized,
			wantErr:  subscription.CodeUnauthenticated,
		},
		{
			name:     "malformed body",
			method:   http.MethodPost,
			userID:   testUserID,
			body:     `{"priceId":`,
			wantCode: http.StatusBadRequest,
			wantErr:  subscription.CodeInvalidInput,
		},
		{
			name:   "already active",
			method: http.MethodPost,
			userID: testUserID,
			setup: func(env *testEnv) {
				env.store.Put(&subscription.Subscription{
					ID:               "sub-1",
					UserID:           testUserID,
					Status:           subscription.StatusActive,
					CurrentPeriodEnd: &end,
				})
			},
			wantCode: http.StatusConflict,
			wantErr:  subscription.CodeConflict,
		},
		{
			name:   "provider down",
			method: http.MethodPost,
			userID: testUserID,
			setup: func(env *testEnv) {
				env.provider.err = fmt.Errorf("%w: timeout", subscription.ErrProviderUnavailable)
			},
			wantCode: http.StatusServiceUnavailable,
			wantErr:  subscription.CodeProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			if tt.setup != nil {
				tt.setup(env)
			}
			req := httptest.NewRequest(tt.method, "/api/checkout", strings.NewReader(tt.body))
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			rec := httptest.NewRecorder()
			env.handler.Checkout(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, decode[ErrorResponse](t, rec).Code)
			}
		})
	}
}

func TestHandler_Status(t *testing.T) {
	env := newTestEnv(t, nil)
	end := testNow.AddDate(0, 0, 20)
	env.store.Put(&subscription.Subscription{
		ID:                     "sub-1",
		UserID:                 testUserID,
		Status:                 subscription.StatusActive,
		ExternalSubscriptionID: "sub_ext_1",
		CurrentPeriodEnd:       &end,
		CancelAtPeriodEnd:      true,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	env.handler.Status(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, true, body["entitled"])
	assert.Equal(t, true, body["cancelAtPeriodEnd"])
	assert.Equal(t, subscription.ReasonEntitled, body["reason"])
	assert.Equal(t, "sub_ext_1", body["externalSubscriptionId"])
}

func TestHandler_StatusLapsedIsNotEntitled(t *testing.T) {
	env := newTestEnv(t, nil)
	end := testNow.Add(-time.Hour)
	env.store.Put(&subscription.Subscription{
		ID:               "sub-1",
		UserID:           testUserID,
		Status:           subscription.StatusActive,
		CurrentPeriodEnd: &end,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	env.handler.Status(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[StatusResponse](t, rec)
	assert.False(t, body.Entitled)
	assert.Equal(t, subscription.ReasonPeriodEnded, body.Reason)
}

func TestHandler_StatusErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := httptest.NewRecorder()
	env.handler.Status(rec, httptest.NewRequest(http.MethodGet, "/api/subscription", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	req.Header.Set("X-User-ID", testUserID)
	rec = httptest.NewRecorder()
	env.handler.Status(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, subscription.CodeNotFound, decode[ErrorResponse](t, rec).Code)

	rec = httptest.NewRecorder()
	env.handler.Status(rec, httptest.NewRequest(http.MethodPost, "/api/subscription", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func cronRequest(method, auth string) *http.Request {
	req := httptest.NewRequest(method, "/api/cron/subscriptions", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return req
}

func TestHandler_Sweep(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := httptest.NewRecorder()
	env.handler.Sweep(rec, cronRequest(http.MethodGet, "Bearer "+testCronSecret))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"processed":{"reminders":2,"expired":1,"errors":[]}}`, rec.Body.String())
}

func TestHandler_SweepRejects(t *testing.T) {
	calls := 0
	env := newTestEnv(t, sweeperFunc(func(context.Context) (*subscription.SweepSummary, error) {
		calls++
		return &subscription.SweepSummary{Errors: []string{}}, nil
	}))

	tests := []struct {
		name   string
		method string
		auth   string
		want   int
	}{
		{"missing credential", http.MethodGet, "", http.StatusUnauthorized},
		{"wrong secret", http.MethodGet, "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", http.MethodGet, "Basic " + testCronSecret, http.StatusUnauthorized},
		{"wrong method", http.MethodPost, "Bearer " + testCronSecret, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.handler.Sweep(rec, cronRequest(tt.method, tt.auth))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, 0, calls)
}

func TestHandler_SweepWithoutSecretRefuses(t *testing.T) {
	env := newTestEnv(t, nil)
	env.handler.config.CronSecret = ""

	rec := httptest.NewRecorder()
	env.handler.Sweep(rec, cronRequest(http.MethodGet, "Bearer "))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_SweepFailures(t *testing.T) {
	t.Run("query failure", func(t *testing.T) {
		env := newTestEnv(t, sweeperFunc(func(context.Context) (*subscription.SweepSummary, error) {
			return &subscription.SweepSummary{Errors: []string{}}, errors.New("list lapsed subscriptions: db down")
		}))
		rec := httptest.NewRecorder()
		env.handler.Sweep(rec, cronRequest(http.MethodGet, "Bearer "+testCronSecret))

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decode[SweepResponse](t, rec)
		assert.False(t, body.Success)
		assert.Contains(t, body.Error, "db down")
	})

	t.Run("already running", func(t *testing.T) {
		env := newTestEnv(t, sweeperFunc(func(context.Context) (*subscription.SweepSummary, error) {
			return nil, subscription.ErrSweepInProgress
		}))
		rec := httptest.NewRecorder()
		env.handler.Sweep(rec, cronRequest(http.MethodGet, "Bearer "+testCronSecret))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, StatusForCode(subscription.Code(subscription.ErrUnauthenticated)))
	assert.Equal(t, http.StatusForbidden, StatusForCode(subscription.Code(subscription.ErrForbidden)))
	assert.Equal(t, http.StatusConflict, StatusForCode(subscription.Code(subscription.ErrAlreadyActive)))
	assert.Equal(t, http.StatusBadRequest, StatusForCode(subscription.Code(subscription.ErrInvalidInput)))
	assert.Equal(t, http.StatusBadRequest, StatusForCode(subscription.Code(subscription.ErrInvalidSignature)))
	assert.Equal(t, http.StatusServiceUnavailable, StatusForCode(subscription.Code(subscription.ErrProviderUnavailable)))
	assert.Equal(t, http.StatusNotFound, StatusForCode(subscription.Code(subscription.ErrSubscriptionNotFound)))
	assert.Equal(t, http.StatusInternalServerError, StatusForCode(subscription.Code(errors.New("boom"))))
}
