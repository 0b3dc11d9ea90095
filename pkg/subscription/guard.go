package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Store is the subscription store (required)
	Store Store

	// Grace bounds entitlement of an active record without period boundaries.
	// Default: DefaultEntitlementGrace
	Grace time.Duration

	// Notifier and Users enable an expiry notification when this guard performs the
	// lazy expiration. Both are optional.
	Notifier Notifier
	Users    UserDirectory

	// NotifyTimeout bounds the expiry notification. Default: DefaultNotifyTimeout
	NotifyTimeout time.Duration

	// AppURL is used for links in notifications.
	AppURL string

	Logger  Logger
	Metrics Metrics

	// Now overrides the clock. Default: time.Now
	Now func() time.Time
}

// Checker answers access decisions. Guard implements it.
type Checker interface {
	Check(ctx context.Context, userID string) (*Subscription, error)
}

// Guard decides whether a user may access protected resources.
type Guard struct {
	store         Store
	grace         time.Duration
	notifier      Notifier
	users         UserDirectory
	notifyTimeout time.Duration
	appURL        string
	logger        Logger
	metrics       Metrics
	now           func() time.Time

	pending sync.WaitGroup
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	g := &Guard{
		store:         cfg.Store,
		grace:         cfg.Grace,
		notifier:      cfg.Notifier,
		users:         cfg.Users,
		notifyTimeout: cfg.NotifyTimeout,
		appURL:        cfg.AppURL,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
	}
	if g.grace <= 0 {
		g.grace = DefaultEntitlementGrace
	}
	if g.notifyTimeout <= 0 {
		g.notifyTimeout = DefaultNotifyTimeout
	}
	if g.logger == nil {
		g.logger = &NoopLogger{}
	}
	if g.metrics == nil {
		g.metrics = &NoopMetrics{}
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// Check returns the user's subscription when it is entitled. It fails with ErrUnauthenticated
// for an empty user id and ErrForbidden when the user has no entitled subscription. A record
// found active past its period end is expired before the request is refused.
func (g *Guard) Check(ctx context.Context, userID string) (*Subscription, error) {
	if userID == "" {
		g.metrics.RecordGuardDecision("unauthenticated")
		return nil, ErrUnauthenticated
	}

	sub, err := g.store.GetByUserID(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		g.metrics.RecordGuardDecision("forbidden")
		return nil, fmt.Errorf("%w: %s", ErrForbidden, ReasonNoSubscription)
	}
	if err != nil {
		g.metrics.RecordGuardDecision("error")
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	decision := Evaluate(sub, g.now(), g.grace)
	if decision.NeedsExpiry {
		// The outcome does not change the decision; only the winner runs side effects.
		if won, err := g.expire(ctx, sub); err != nil {
			g.logger.Error("Lazy expiration failed",
				Field{"user_id", userID}, Field{"subscription_id", sub.ID}, Field{"error", err})
		} else if won {
			g.notifyExpired(sub)
		}
	}

	if !decision.Entitled {
		g.metrics.RecordGuardDecision("forbidden")
		return nil, fmt.Errorf("%w: %s", ErrForbidden, decision.Reason)
	}
	g.metrics.RecordGuardDecision("entitled")
	return sub, nil
}

// Wait blocks until expiry notifications started by Check have finished.
func (g *Guard) Wait() {
	g.pending.Wait()
}

func (g *Guard) expire(ctx context.Context, sub *Subscription) (bool, error) {
	return expireSubscription(ctx, g.store, sub, "guard", g.logger, g.metrics)
}

func (g *Guard) notifyExpired(sub *Subscription) {
	if g.notifier == nil || g.users == nil {
		return
	}
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), g.notifyTimeout)
		defer cancel()

		user, err := g.users.GetUser(ctx, sub.UserID)
		if err != nil || user.Email == "" {
			g.logger.Debug("Skipping expiry notification",
				Field{"user_id", sub.UserID}, Field{"error", err})
			return
		}
		err = dispatch(ctx, g.notifier, g.notifyTimeout, user.Email, TemplateSubscriptionExpired,
			expiredData(user, sub, g.appURL))
		if err != nil {
			g.metrics.RecordNotification(TemplateSubscriptionExpired, "failed")
			g.logger.Warn("Expiry notification failed",
				Field{"user_id", sub.UserID}, Field{"error", err})
			return
		}
		g.metrics.RecordNotification(TemplateSubscriptionExpired, "sent")
	}()
}

// expireSubscription flips an active record to expired with a compare-and-set. A false
// result with a nil error means another path already moved the record.
func expireSubscription(
	ctx context.Context,
	store Store,
	sub *Subscription,
	source string,
	logger Logger,
	metrics Metrics,
) (bool, error) {
	won, err := store.TransitionStatus(ctx, sub.ID, StatusActive, StatusExpired)
	if err != nil {
		return false, fmt.Errorf("expire subscription %s: %w", sub.ID, err)
	}
	if !won {
		logger.Debug("Expiration already applied",
			Field{"subscription_id", sub.ID}, Field{"source", source})
		return false, nil
	}
	metrics.RecordTransition(StatusActive, StatusExpired, source)
	logger.Info("Subscription expired",
		Field{"subscription_id", sub.ID}, Field{"user_id", sub.UserID}, Field{"source", source})
	return true, nil
}
