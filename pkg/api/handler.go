package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

const maxCheckoutBody = 4 << 10

// Handler provides the HTTP endpoints for checkout, subscription status and the sweeper trigger
type Handler struct {
	config Config
}

// Checkout starts a hosted checkout session for the caller.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed", Code: subscription.CodeInvalidInput})
		return
	}

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, subscription.ErrUnauthenticated)
		return
	}

	var body CheckoutRequest
	if r.Body != nil {
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBody)).Decode(&body)
		if err != nil && !errors.Is(err, io.EOF) {
			h.handleError(w, r, fmt.Errorf("%w: malformed body", subscription.ErrInvalidInput))
			return
		}
	}

	user, err := h.config.Users.GetUser(r.Context(), userID)
	if errors.Is(err, subscription.ErrUserNotFound) {
		h.handleError(w, r, subscription.ErrUnauthenticated)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("lookup user: %w", err))
		return
	}

	req := subscription.CheckoutRequest{
		UserID:     userID,
		Email:      user.Email,
		Name:       user.Name,
		PriceID:    body.PriceID,
		SuccessURL: body.SuccessURL,
		CancelURL:  body.CancelURL,
	}
	if req.SuccessURL == "" {
		req.SuccessURL = h.config.AppURL + "/subscription?success=true"
	}
	if req.CancelURL == "" {
		req.CancelURL = h.config.AppURL + "/subscription?canceled=true"
	}

	session, err := h.config.Checkout.Start(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Status returns the caller's subscription and whether it currently grants access.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed", Code: subscription.CodeInvalidInput})
		return
	}

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, subscription.ErrUnauthenticated)
		return
	}

	sub, err := h.config.Store.GetByUserID(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	decision := subscription.Evaluate(sub, h.config.Now(), h.config.Grace)
	writeJSON(w, http.StatusOK, StatusResponse{
		Subscription: sub,
		Entitled:     decision.Entitled,
		Reason:       decision.Reason,
	})
}

// Sweep runs the lifecycle sweeper for an external scheduler. The caller authenticates with
// the shared cron secret as a bearer token.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, SweepResponse{Error: "method not allowed"})
		return
	}
	if !h.authorizedCron(r) {
		h.config.Logger.Warn("Rejected sweeper trigger", subscription.Field{Key: "remote_addr", Value: r.RemoteAddr})
		writeJSON(w, http.StatusUnauthorized, SweepResponse{Error: "unauthorized"})
		return
	}

	summary, err := h.config.Sweeper.Run(r.Context())
	switch {
	case errors.Is(err, subscription.ErrSweepInProgress):
		writeJSON(w, http.StatusConflict, SweepResponse{Error: err.Error()})
	case err != nil:
		h.config.Logger.Error("Sweeper run failed", subscription.Field{Key: "error", Value: err})
		writeJSON(w, http.StatusInternalServerError, SweepResponse{Processed: summary, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, SweepResponse{Success: true, Processed: summary})
	}
}

func (h *Handler) authorizedCron(r *http.Request) bool {
	if h.config.CronSecret == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.config.CronSecret)) == 1
}

// handleError maps err to its stable code and HTTP status
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	code := subscription.Code(err)
	status := StatusForCode(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.config.Logger.Error("Request failed",
			subscription.Field{Key: "path", Value: r.URL.Path},
			subscription.Field{Key: "error", Value: err})
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// StatusForCode returns the HTTP status for a subscription error code.
func StatusForCode(code string) int {
	switch code {
	case subscription.CodeUnauthenticated:
		return http.StatusUnauthorized
	case subscription.CodeForbidden:
		return http.StatusForbidden
	case subscription.CodeConflict, subscription.CodeSweepInProgress:
		return http.StatusConflict
	case subscription.CodeInvalidInput, subscription.CodeInvalidSignature:
		return http.StatusBadRequest
	case subscription.CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case subscription.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
