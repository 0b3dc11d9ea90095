// Package postgres provides a PostgreSQL implementation of subscription.Store.
// Status changes are single conditional UPDATE statements, so concurrent writers race on the
// row's status column instead of on application locks.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

//go:embed migrations/*.sql
var migrations embed.FS

const subscriptionColumns = `id, user_id, status, payment_status, external_customer_id,
	external_subscription_id, external_price_id, current_period_start, current_period_end,
	cancel_at_period_end, last_reminder_sent, reminder_count, created_at, updated_at`

// Storage implements subscription.Store and subscription.UserDirectory on PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger subscription.Logger
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded migrations in New.
	AutoMigrate bool

	// MigrationsTable is the goose version table. Default: goose_db_version
	MigrationsTable string

	Logger subscription.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		MigrationsTable: "goose_db_version",
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config, logger: config.Logger}
	if s.logger == nil {
		s.logger = &subscription.NoopLogger{}
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema migrations with goose.
func (s *Storage) Migrate(ctx context.Context) error {
	// goose speaks database/sql; share the pool's connections.
	db := stdlib.OpenDBFromPool(s.pool)
	defer func() {
		if err := db.Close(); err != nil {
			s.logger.Warn("Failed to close migration connection", subscription.Field{Key: "error", Value: err})
		}
	}()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{s.logger})
	if s.config.MigrationsTable != "" {
		goose.SetTableName(s.config.MigrationsTable)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose output through the application logger.
type gooseLogger struct {
	log subscription.Logger
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Info(fmt.Sprintf(format, v...))
}

// GetByUserID implements subscription.Store
func (s *Storage) GetByUserID(ctx context.Context, userID string) (*subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetByExternalSubscriptionID implements subscription.Store
func (s *Storage) GetByExternalSubscriptionID(
	ctx context.Context,
	externalSubscriptionID string,
) (*subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = $1`,
		externalSubscriptionID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// SavePending implements subscription.Store. The upsert skips a row still billed by the
// provider (see Subscription.BilledByProvider), which is reported as ErrAlreadyActive.
func (s *Storage) SavePending(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (user_id) DO UPDATE SET
				id = EXCLUDED.id,
				status = EXCLUDED.status,
				payment_status = EXCLUDED.payment_status,
				external_customer_id = EXCLUDED.external_customer_id,
				external_subscription_id = EXCLUDED.external_subscription_id,
				external_price_id = EXCLUDED.external_price_id,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				last_reminder_sent = EXCLUDED.last_reminder_sent,
				reminder_count = EXCLUDED.reminder_count,
				created_at = EXCLUDED.created_at,
				updated_at = EXCLUDED.updated_at
			WHERE subscriptions.status NOT IN ('active', 'trialing')
				AND NOT (subscriptions.status = 'past_due' AND subscriptions.external_subscription_id IS NOT NULL)`,
		subscriptionArgs(sub)...,
	)
	if err != nil {
		return fmt.Errorf("failed to save pending subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrAlreadyActive
	}
	return nil
}

// Update implements subscription.Store. The reminder columns are only written when the period
// end changes; otherwise the stored values from MarkReminderSent are kept.
func (s *Storage) Update(ctx context.Context, sub *subscription.Subscription, expected subscription.Status) (bool, error) {
	if sub == nil || sub.ID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
				status = $2,
				payment_status = $3,
				external_customer_id = NULLIF($4, ''),
				external_subscription_id = NULLIF($5, ''),
				external_price_id = NULLIF($6, ''),
				current_period_start = $7,
				current_period_end = $8,
				cancel_at_period_end = $9,
				last_reminder_sent = CASE WHEN current_period_end IS DISTINCT FROM $8::timestamptz
					THEN $10::timestamptz ELSE last_reminder_sent END,
				reminder_count = CASE WHEN current_period_end IS DISTINCT FROM $8::timestamptz
					THEN $11::integer ELSE reminder_count END,
				updated_at = $12
			WHERE id = $1 AND status = $13`,
		sub.ID,
		string(sub.Status),
		string(sub.PaymentStatus),
		sub.ExternalCustomerID,
		sub.ExternalSubscriptionID,
		sub.ExternalPriceID,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.LastReminderSent,
		sub.ReminderCount,
		sub.UpdatedAt.UTC(),
		string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionStatus implements subscription.Store
func (s *Storage) TransitionStatus(ctx context.Context, id string, from, to subscription.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("failed to transition subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListRenewalCandidates implements subscription.Store
func (s *Storage) ListRenewalCandidates(ctx context.Context, from, to time.Time) ([]*subscription.Subscription, error) {
	return s.list(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = 'active'
				AND last_reminder_sent IS NULL
				AND current_period_end >= $1 AND current_period_end < $2
			ORDER BY current_period_end`,
		from.UTC(), to.UTC())
}

// ListLapsed implements subscription.Store
func (s *Storage) ListLapsed(ctx context.Context, before time.Time) ([]*subscription.Subscription, error) {
	return s.list(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = 'active' AND current_period_end < $1
			ORDER BY current_period_end`,
		before.UTC())
}

// MarkReminderSent implements subscription.Store
func (s *Storage) MarkReminderSent(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions
			SET last_reminder_sent = $2, reminder_count = reminder_count + 1, updated_at = now()
			WHERE id = $1`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrSubscriptionNotFound
	}
	return nil
}

// GetUser implements subscription.UserDirectory
func (s *Storage) GetUser(ctx context.Context, userID string) (*subscription.User, error) {
	var user subscription.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name FROM users WHERE id = $1`, userID).
		Scan(&user.ID, &user.Email, &user.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// UpsertUser creates or updates a user's contact details.
func (s *Storage) UpsertUser(ctx context.Context, user *subscription.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, name) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name`,
		user.ID, user.Email, user.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *Storage) list(ctx context.Context, query string, args ...any) ([]*subscription.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out, nil
}

func subscriptionArgs(sub *subscription.Subscription) []any {
	created := sub.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := sub.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	return []any{
		sub.ID,
		sub.UserID,
		string(sub.Status),
		string(sub.PaymentStatus),
		sub.ExternalCustomerID,
		sub.ExternalSubscriptionID,
		sub.ExternalPriceID,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.LastReminderSent,
		sub.ReminderCount,
		created.UTC(),
		updated.UTC(),
	}
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var (
		sub                                      subscription.Subscription
		status, paymentStatus                    string
		customerID, externalID, priceID          *string
		periodStart, periodEnd, lastReminderSent *time.Time
	)
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&status,
		&paymentStatus,
		&customerID,
		&externalID,
		&priceID,
		&periodStart,
		&periodEnd,
		&sub.CancelAtPeriodEnd,
		&lastReminderSent,
		&sub.ReminderCount,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = subscription.Status(status)
	sub.PaymentStatus = subscription.PaymentStatus(paymentStatus)
	sub.ExternalCustomerID = deref(customerID)
	sub.ExternalSubscriptionID = deref(externalID)
	sub.ExternalPriceID = deref(priceID)
	sub.CurrentPeriodStart = utc(periodStart)
	sub.CurrentPeriodEnd = utc(periodEnd)
	sub.LastReminderSent = utc(lastReminderSent)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
