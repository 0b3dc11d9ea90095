package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/billing/internal"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

// Event types the reconciler acts on.
const (
	EventCheckoutSessionCompleted   stripe.EventType = "checkout.session.completed"
	EventCustomerSubscriptionUpdate stripe.EventType = "customer.subscription.updated"
	EventCustomerSubscriptionDelete stripe.EventType = "customer.subscription.deleted"
	EventInvoicePaymentFailed       stripe.EventType = "invoice.payment_failed"
)

// eventHandler applies one event. applied is false for business no-ops.
type eventHandler func(ctx context.Context, event *stripe.Event) (applied bool, err error)

func (p *Provider) eventHandlers() map[stripe.EventType]eventHandler {
	return map[stripe.EventType]eventHandler{
		EventCheckoutSessionCompleted:   p.handleCheckoutSessionCompleted,
		EventCustomerSubscriptionUpdate: p.handleSubscriptionUpdated,
		EventCustomerSubscriptionDelete: p.handleSubscriptionDeleted,
		EventInvoicePaymentFailed:       p.handleInvoicePaymentFailed,
	}
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Error    string `json:"error,omitempty"`
}

// handleWebhook verifies and applies one Stripe delivery. Only infrastructure failures get a
// non-2xx answer so that Stripe redelivers them.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		_ = internal.WriteJSON(w, http.StatusMethodNotAllowed, webhookResponse{Error: "method not allowed"})
		return
	}
	if p.webhookSecret == "" || p.store == nil {
		_ = internal.WriteJSON(w, http.StatusServiceUnavailable, webhookResponse{Error: "webhook not configured"})
		return
	}

	body, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		p.metrics.RecordWebhookEvent("unknown", "rejected")
		_ = internal.WriteJSON(w, code, webhookResponse{Error: err.Error()})
		return
	}

	err = p.Reconcile(r.Context(), body, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true})
	case errors.Is(err, subscription.ErrInvalidSignature):
		_ = internal.WriteJSON(w, http.StatusBadRequest, webhookResponse{Error: "invalid signature"})
	default:
		_ = internal.WriteJSON(w, http.StatusInternalServerError, webhookResponse{Error: "processing failed"})
	}
}

// Reconcile verifies payload against the signing secret and applies the event to the store.
// It returns subscription.ErrInvalidSignature for unverifiable input and nil for events that
// need no local change.
func (p *Provider) Reconcile(ctx context.Context, payload []byte, signature string) error {
	if p.webhookSecret == "" || signature == "" {
		p.metrics.RecordWebhookEvent("unknown", "rejected")
		p.logger.Warn("Rejected webhook without signature or secret")
		return subscription.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		p.metrics.RecordWebhookEvent("unknown", "rejected")
		p.logger.Warn("Rejected webhook with invalid signature", subscription.Field{Key: "error", Value: err})
		return fmt.Errorf("%w: %v", subscription.ErrInvalidSignature, err)
	}

	return p.dispatch(ctx, &event)
}

func (p *Provider) dispatch(ctx context.Context, event *stripe.Event) error {
	start := time.Now()
	eventType := string(event.Type)
	defer func() {
		p.metrics.RecordWebhookDuration(eventType, time.Since(start))
	}()

	handler, ok := p.handlers[event.Type]
	if !ok {
		p.metrics.RecordWebhookEvent(eventType, "ignored")
		p.logger.Info("Ignoring unhandled webhook event",
			subscription.Field{Key: "event_id", Value: event.ID},
			subscription.Field{Key: "type", Value: eventType})
		return nil
	}

	applied, err := handler(ctx, event)
	if err != nil {
		p.metrics.RecordWebhookEvent(eventType, "error")
		p.logger.Error("Webhook processing failed",
			subscription.Field{Key: "event_id", Value: event.ID},
			subscription.Field{Key: "type", Value: eventType},
			subscription.Field{Key: "error", Value: err})
		return err
	}

	outcome := "ignored"
	if applied {
		outcome = "applied"
	}
	p.metrics.RecordWebhookEvent(eventType, outcome)
	p.logger.Debug("Webhook processed",
		subscription.Field{Key: "event_id", Value: event.ID},
		subscription.Field{Key: "type", Value: eventType},
		subscription.Field{Key: "outcome", Value: outcome})
	return nil
}

// handleCheckoutSessionCompleted binds the user's record to the new Stripe subscription
// using the subscription as Stripe reports it now.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) (bool, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return false, fmt.Errorf("decode checkout session: %w", err)
	}
	if session.Mode != stripe.CheckoutSessionModeSubscription {
		return false, nil
	}

	userID := session.Metadata[metadataUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		p.logger.Warn("Checkout session without user id",
			subscription.Field{Key: "session_id", Value: session.ID})
		return false, nil
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		p.logger.Warn("Checkout session without subscription",
			subscription.Field{Key: "session_id", Value: session.ID})
		return false, nil
	}

	state, err := p.FetchSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return false, err
	}
	if state.ExternalCustomerID == "" && session.Customer != nil {
		state.ExternalCustomerID = session.Customer.ID
	}

	var before subscription.Status
	load := func(ctx context.Context) (*subscription.Subscription, error) {
		sub, err := p.store.GetByUserID(ctx, userID)
		if err == nil {
			before = sub.Status
		}
		if !errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return sub, err
		}
		// The placeholder is gone; recreate it so the payment is not lost.
		now := p.now()
		placeholder := &subscription.Subscription{
			ID:        uuid.NewString(),
			UserID:    userID,
			Status:    subscription.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := p.store.SavePending(ctx, placeholder); err != nil && !errors.Is(err, subscription.ErrAlreadyActive) {
			return nil, fmt.Errorf("recreate subscription for user %s: %w", userID, err)
		}
		sub, err = p.store.GetByUserID(ctx, userID)
		if err == nil {
			before = sub.Status
		}
		return sub, err
	}

	sub, applied, err := subscription.Mutate(ctx, p.store, load, func(sub *subscription.Subscription) (*subscription.Subscription, bool) {
		return subscription.ApplyCheckoutCompleted(sub, state, p.now())
	})
	if err != nil {
		return false, err
	}
	if applied {
		if before != sub.Status {
			p.metrics.RecordTransition(before, sub.Status, "webhook")
		}
		p.logger.Info("Subscription activated",
			subscription.Field{Key: "user_id", Value: userID},
			subscription.Field{Key: "subscription_id", Value: sub.ID},
			subscription.Field{Key: "external_subscription_id", Value: state.ExternalSubscriptionID})
	}
	return applied, nil
}

// handleSubscriptionUpdated refreshes status and period boundaries from Stripe. Events can
// arrive out of order, so the event payload is only used to find the subscription.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) (bool, error) {
	var payload stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &payload); err != nil {
		return false, fmt.Errorf("decode subscription: %w", err)
	}
	if payload.ID == "" {
		return false, nil
	}
	if _, err := p.store.GetByExternalSubscriptionID(ctx, payload.ID); err != nil {
		return false, p.notFoundIsNoop(err, event, payload.ID)
	}

	state, err := p.FetchSubscription(ctx, payload.ID)
	if err != nil {
		return false, err
	}
	return p.mutateByExternalID(ctx, event, payload.ID, func(sub *subscription.Subscription) (*subscription.Subscription, bool) {
		return subscription.ApplyProviderState(sub, state, p.now())
	})
}

// handleSubscriptionDeleted marks the subscription canceled.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) (bool, error) {
	var payload stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &payload); err != nil {
		return false, fmt.Errorf("decode subscription: %w", err)
	}
	if payload.ID == "" {
		return false, nil
	}
	return p.mutateByExternalID(ctx, event, payload.ID, func(sub *subscription.Subscription) (*subscription.Subscription, bool) {
		return subscription.ApplyCancellation(sub, p.now())
	})
}

// handleInvoicePaymentFailed records the failed charge. The status change, if any, comes
// with the customer.subscription.updated event Stripe sends alongside.
func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) (bool, error) {
	subscriptionID := invoiceSubscriptionID(event.Data.Raw)
	if subscriptionID == "" {
		return false, nil
	}
	return p.mutateByExternalID(ctx, event, subscriptionID, func(sub *subscription.Subscription) (*subscription.Subscription, bool) {
		return subscription.ApplyPaymentFailure(sub, p.now())
	})
}

func (p *Provider) mutateByExternalID(
	ctx context.Context,
	event *stripe.Event,
	externalID string,
	fn func(*subscription.Subscription) (*subscription.Subscription, bool),
) (bool, error) {
	var before subscription.Status
	load := func(ctx context.Context) (*subscription.Subscription, error) {
		sub, err := p.store.GetByExternalSubscriptionID(ctx, externalID)
		if err == nil {
			before = sub.Status
		}
		return sub, err
	}

	sub, applied, err := subscription.Mutate(ctx, p.store, load, fn)
	if err != nil {
		return false, p.notFoundIsNoop(err, event, externalID)
	}
	if applied && sub.Status != before {
		p.metrics.RecordTransition(before, sub.Status, "webhook")
		p.logger.Info("Subscription status changed",
			subscription.Field{Key: "subscription_id", Value: sub.ID},
			subscription.Field{Key: "from", Value: string(before)},
			subscription.Field{Key: "to", Value: string(sub.Status)})
	}
	return applied, nil
}

// notFoundIsNoop turns a missing local row into a logged no-op. Test and replayed events for
// subscriptions this system never created are expected.
func (p *Provider) notFoundIsNoop(err error, event *stripe.Event, externalID string) error {
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		p.logger.Info("No local subscription for webhook event",
			subscription.Field{Key: "event_id", Value: event.ID},
			subscription.Field{Key: "type", Value: string(event.Type)},
			subscription.Field{Key: "external_subscription_id", Value: externalID})
		return nil
	}
	return err
}

// invoiceSubscriptionID extracts the subscription id from a raw invoice. Depending on the API
// version it sits at the top level or under parent.subscription_details.
func invoiceSubscriptionID(raw json.RawMessage) string {
	var invoice struct {
		Subscription json.RawMessage `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return ""
	}
	if id := expandableID(invoice.Subscription); id != "" {
		return id
	}
	if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil {
		return expandableID(invoice.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// expandableID reads a Stripe field that is either an id string or an expanded object.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
