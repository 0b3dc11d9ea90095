package api

import "github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"

// CheckoutRequest is the body of POST /api/checkout. All fields are optional.
type CheckoutRequest struct {
	PriceID    string `json:"priceId"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

// StatusResponse is the caller's subscription with the current access decision.
type StatusResponse struct {
	*subscription.Subscription
	Entitled bool   `json:"entitled"`
	Reason   string `json:"reason"`
}

// SweepResponse is the body returned by the cron endpoint.
type SweepResponse struct {
	Success   bool                       `json:"success"`
	Processed *subscription.SweepSummary `json:"processed,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
