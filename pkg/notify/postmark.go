// Package notify delivers subscription notifications by email.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

var (
	// ErrInvalidConfig is returned when the sender configuration is incomplete
	ErrInvalidConfig = errors.New("invalid notifier config")

	// ErrSendFailed is returned when the email service refuses or fails a send
	ErrSendFailed = errors.New("failed to send notification")

	// ErrUnknownTemplate is returned for a template kind without a configured alias
	ErrUnknownTemplate = errors.New("unknown notification template")
)

// DefaultTemplates maps each notification kind to its Postmark template alias.
var DefaultTemplates = map[subscription.TemplateKind]string{
	subscription.TemplateRenewalReminder:     "subscription-renewal-reminder",
	subscription.TemplateSubscriptionExpired: "subscription-expired",
}

// PostmarkConfig configures a Postmark notifier.
type PostmarkConfig struct {
	ServerToken  string // required
	AccountToken string // required
	SenderEmail  string // required
	SupportEmail string

	// Templates overrides DefaultTemplates.
	Templates map[subscription.TemplateKind]string
}

// templatedSender is the part of the Postmark client the notifier uses.
type templatedSender interface {
	SendTemplatedEmail(ctx context.Context, email postmark.TemplatedEmail) (postmark.EmailResponse, error)
}

// Postmark sends notifications as Postmark templated emails.
type Postmark struct {
	client    templatedSender
	config    PostmarkConfig
	templates map[subscription.TemplateKind]string
}

// NewPostmark creates a Postmark-backed notifier.
func NewPostmark(cfg PostmarkConfig) (*Postmark, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: ServerToken is required", ErrInvalidConfig)
	}
	if cfg.AccountToken == "" {
		return nil, fmt.Errorf("%w: AccountToken is required", ErrInvalidConfig)
	}
	if cfg.SenderEmail == "" {
		return nil, fmt.Errorf("%w: SenderEmail is required", ErrInvalidConfig)
	}
	return newPostmark(postmark.NewClient(cfg.ServerToken, cfg.AccountToken), cfg), nil
}

func newPostmark(client templatedSender, cfg PostmarkConfig) *Postmark {
	templates := make(map[subscription.TemplateKind]string, len(DefaultTemplates))
	for kind, alias := range DefaultTemplates {
		templates[kind] = alias
	}
	for kind, alias := range cfg.Templates {
		templates[kind] = alias
	}
	return &Postmark{client: client, config: cfg, templates: templates}
}

// Send implements subscription.Notifier
func (p *Postmark) Send(ctx context.Context, address string, kind subscription.TemplateKind, data map[string]any) error {
	if address == "" {
		return subscription.ErrNoEmail
	}
	alias, ok := p.templates[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, kind)
	}

	resp, err := p.client.SendTemplatedEmail(ctx, postmark.TemplatedEmail{
		TemplateAlias: alias,
		TemplateModel: data,
		From:          p.config.SenderEmail,
		To:            address,
		ReplyTo:       p.config.SupportEmail,
		Tag:           string(kind),
		TrackOpens:    true,
	})
	if err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(
			ErrSendFailed,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		)
	}
	return nil
}
