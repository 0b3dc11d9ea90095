package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultReminderLeadDays is how many days before period end a reminder goes out.
	DefaultReminderLeadDays = 7

	// DefaultSweepLockTTL bounds how long a crashed run can hold the sweep lock.
	DefaultSweepLockTTL = 15 * time.Minute

	sweepLockKey = "subscription-sweeper"
)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Store    Store         // required
	Users    UserDirectory // required
	Notifier Notifier      // required

	// ReminderLeadDays selects the renewal day. Default: DefaultReminderLeadDays
	ReminderLeadDays int

	// Location defines calendar days for reminder matching. Default: UTC
	Location *time.Location

	// NotifyTimeout bounds each notification. Default: DefaultNotifyTimeout
	NotifyTimeout time.Duration

	// Lock prevents overlapping runs when set.
	Lock    Locker
	LockTTL time.Duration

	// AppURL is used for links in notifications.
	AppURL string

	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// SweepSummary reports what a sweeper run did. Errors holds one entry per failed row.
type SweepSummary struct {
	RemindersSent int      `json:"reminders"`
	Expired       int      `json:"expired"`
	Errors        []string `json:"errors"`
}

// Sweeper sends renewal reminders and expires lapsed subscriptions in batch.
type Sweeper struct {
	store         Store
	users         UserDirectory
	notifier      Notifier
	leadDays      int
	location      *time.Location
	notifyTimeout time.Duration
	lock          Locker
	lockTTL       time.Duration
	appURL        string
	logger        Logger
	metrics       Metrics
	now           func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Users == nil {
		return nil, errors.New("user directory is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	s := &Sweeper{
		store:         cfg.Store,
		users:         cfg.Users,
		notifier:      cfg.Notifier,
		leadDays:      cfg.ReminderLeadDays,
		location:      cfg.Location,
		notifyTimeout: cfg.NotifyTimeout,
		lock:          cfg.Lock,
		lockTTL:       cfg.LockTTL,
		appURL:        cfg.AppURL,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
	}
	if s.leadDays <= 0 {
		s.leadDays = DefaultReminderLeadDays
	}
	if s.location == nil {
		s.location = time.UTC
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = DefaultNotifyTimeout
	}
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultSweepLockTTL
	}
	if s.logger == nil {
		s.logger = &NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = &NoopMetrics{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Run processes renewal reminders and then expirations. Row-level failures are collected in
// the summary. A non-nil error means a candidate query failed; the other pass still ran and
// the summary is still returned.
func (s *Sweeper) Run(ctx context.Context) (*SweepSummary, error) {
	if s.lock != nil {
		unlock, ok, err := s.lock.TryLock(ctx, sweepLockKey, s.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			return nil, ErrSweepInProgress
		}
		defer func() {
			if err := unlock(context.Background()); err != nil {
				s.logger.Warn("Failed to release sweep lock", Field{"error", err})
			}
		}()
	}

	start := s.now()
	summary := &SweepSummary{Errors: []string{}}

	reminderErr := s.sendReminders(ctx, start, summary)
	if reminderErr != nil {
		s.logger.Error("Renewal reminder pass failed", Field{"error", reminderErr})
	}
	expireErr := s.expireLapsed(ctx, start, summary)
	if expireErr != nil {
		s.logger.Error("Expiration pass failed", Field{"error", expireErr})
	}

	elapsed := time.Since(start)
	s.metrics.RecordSweep(summary.RemindersSent, summary.Expired, len(summary.Errors), elapsed)
	s.logger.Info("Sweep finished",
		Field{"reminders_sent", summary.RemindersSent},
		Field{"expired", summary.Expired},
		Field{"errors", len(summary.Errors)},
		Field{"duration", elapsed.String()})

	return summary, errors.Join(reminderErr, expireErr)
}

// renewalWindow returns the calendar day that is leadDays after now.
func (s *Sweeper) renewalWindow(now time.Time) (time.Time, time.Time) {
	local := now.In(s.location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location)
	from := day.AddDate(0, 0, s.leadDays)
	return from, from.AddDate(0, 0, 1)
}

func (s *Sweeper) sendReminders(ctx context.Context, now time.Time, summary *SweepSummary) error {
	from, to := s.renewalWindow(now)
	candidates, err := s.store.ListRenewalCandidates(ctx, from, to)
	if err != nil {
		return fmt.Errorf("list renewal candidates: %w", err)
	}

	for _, sub := range candidates {
		if err := s.remind(ctx, sub, now); err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("reminder for user %s (subscription %s): %v", sub.UserID, sub.ID, err))
			continue
		}
		summary.RemindersSent++
	}
	return nil
}

func (s *Sweeper) remind(ctx context.Context, sub *Subscription, now time.Time) error {
	user, err := s.lookup(ctx, sub.UserID)
	if err != nil {
		return err
	}

	days := s.leadDays
	if sub.CurrentPeriodEnd != nil {
		days = int(sub.CurrentPeriodEnd.Sub(now).Hours()/24 + 0.5)
	}
	err = dispatch(ctx, s.notifier, s.notifyTimeout, user.Email, TemplateRenewalReminder,
		reminderData(user, sub, days, s.appURL))
	if err != nil {
		s.metrics.RecordNotification(TemplateRenewalReminder, "failed")
		return fmt.Errorf("send reminder: %w", err)
	}
	s.metrics.RecordNotification(TemplateRenewalReminder, "sent")

	if err := s.store.MarkReminderSent(ctx, sub.ID, now); err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return nil
}

func (s *Sweeper) expireLapsed(ctx context.Context, now time.Time, summary *SweepSummary) error {
	candidates, err := s.store.ListLapsed(ctx, now)
	if err != nil {
		return fmt.Errorf("list lapsed subscriptions: %w", err)
	}

	for _, sub := range candidates {
		won, err := expireSubscription(ctx, s.store, sub, "sweeper", s.logger, s.metrics)
		if err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("expire user %s (subscription %s): %v", sub.UserID, sub.ID, err))
			continue
		}
		if !won {
			continue
		}
		summary.Expired++

		user, err := s.lookup(ctx, sub.UserID)
		if errors.Is(err, ErrNoEmail) || errors.Is(err, ErrUserNotFound) {
			s.logger.Debug("Skipping expiry notification",
				Field{"user_id", sub.UserID}, Field{"error", err})
			continue
		}
		if err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("expiry notice for user %s (subscription %s): %v", sub.UserID, sub.ID, err))
			continue
		}
		err = dispatch(ctx, s.notifier, s.notifyTimeout, user.Email, TemplateSubscriptionExpired,
			expiredData(user, sub, s.appURL))
		if err != nil {
			s.metrics.RecordNotification(TemplateSubscriptionExpired, "failed")
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("expiry notice for user %s (subscription %s): %v", sub.UserID, sub.ID, err))
			continue
		}
		s.metrics.RecordNotification(TemplateSubscriptionExpired, "sent")
	}
	return nil
}

func (s *Sweeper) lookup(ctx context.Context, userID string) (*User, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user.Email == "" {
		return nil, ErrNoEmail
	}
	return user, nil
}
