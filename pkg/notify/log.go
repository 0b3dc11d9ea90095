package notify

import (
	"context"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

// Log is a development notifier that writes every send to the logger instead of emailing.
type Log struct {
	logger subscription.Logger
}

// NewLog creates a logging notifier.
func NewLog(logger subscription.Logger) *Log {
	if logger == nil {
		logger = &subscription.NoopLogger{}
	}
	return &Log{logger: logger}
}

// Send implements subscription.Notifier
func (l *Log) Send(_ context.Context, address string, kind subscription.TemplateKind, data map[string]any) error {
	if address == "" {
		return subscription.ErrNoEmail
	}
	l.logger.Info("Notification (not delivered)",
		subscription.Field{Key: "to", Value: address},
		subscription.Field{Key: "template", Value: string(kind)},
		subscription.Field{Key: "data", Value: data})
	return nil
}
