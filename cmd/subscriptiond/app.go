package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	stripebilling "github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/billing/stripe"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/config"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/notify"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
	zerologadapter "github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription/logger/zerolog"
	prommetrics "github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription/metrics/prometheus"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/storage/memory"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/storage/postgres"
	redislock "github.com/sdavidov17/holiday-program-aggregator-sub001/storage/redis"
)

const metricsNamespace = "subscriptions"

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	zl       zerolog.Logger
	logger   subscription.Logger
	registry *prometheus.Registry
	metrics  subscription.Metrics

	store    subscription.Store
	users    subscription.UserDirectory
	locker   subscription.Locker
	notifier subscription.Notifier
	pg       *postgres.Storage
	redis    *goredis.Client
}

// newApp connects storage, the sweep lock and the notifier. Callers must Close it.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	zl := newLogger(cfg)
	a := &app{
		cfg:      cfg,
		zl:       zl,
		logger:   zerologadapter.NewLogger(zl),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = prommetrics.NewMetrics(a.registry, metricsNamespace)

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openLocker(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openNotifier(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		if !a.cfg.IsDevelopment() {
			return errors.New("DATABASE_URL is required outside development")
		}
		a.zl.Warn().Msg("DATABASE_URL not set, using in-memory store")
		mem := memory.New()
		a.store, a.users, a.locker = mem, mem, mem
		return nil
	}

	pgCfg := postgres.DefaultConfig()
	pgCfg.ConnectionString = a.cfg.DatabaseURL
	pgCfg.AutoMigrate = a.cfg.AutoMigrate
	pgCfg.Logger = a.logger
	pg, err := postgres.New(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	a.pg = pg
	a.store, a.users = pg, pg
	return nil
}

func (a *app) openLocker(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		return nil
	}
	opts, err := goredis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("connect redis: %w", err)
	}
	locker, err := redislock.New(client, redislock.DefaultConfig())
	if err != nil {
		_ = client.Close()
		return err
	}
	a.redis = client
	a.locker = locker
	return nil
}

func (a *app) openNotifier() error {
	if a.cfg.PostmarkServerToken == "" {
		a.zl.Warn().Msg("Postmark not configured, notifications are logged only")
		a.notifier = notify.NewLog(a.logger)
		return nil
	}
	pm, err := notify.NewPostmark(notify.PostmarkConfig{
		ServerToken:  a.cfg.PostmarkServerToken,
		AccountToken: a.cfg.PostmarkAccountToken,
		SenderEmail:  a.cfg.EmailFrom,
		SupportEmail: a.cfg.SupportEmail,
	})
	if err != nil {
		return err
	}
	a.notifier = pm
	return nil
}

func (a *app) sweeper() (*subscription.Sweeper, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	return subscription.NewSweeper(subscription.SweeperConfig{
		Store:            a.store,
		Users:            a.users,
		Notifier:         a.notifier,
		ReminderLeadDays: a.cfg.ReminderLeadDays,
		Location:         loc,
		Lock:             a.locker,
		AppURL:           a.cfg.AppURL,
		Logger:           a.logger,
		Metrics:          a.metrics,
	})
}

func (a *app) guard() (*subscription.Guard, error) {
	return subscription.NewGuard(subscription.GuardConfig{
		Store:    a.store,
		Grace:    a.cfg.EntitlementGrace,
		Notifier: a.notifier,
		Users:    a.users,
		AppURL:   a.cfg.AppURL,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
}

func (a *app) stripeProvider() (*stripebilling.Provider, error) {
	return stripebilling.NewProvider(stripebilling.Config{
		StripeAPIKey:        a.cfg.StripeSecretKey,
		StripeWebhookSecret: a.cfg.StripeWebhookSecret,
		Store:               a.store,
		RateLimitRequests:   a.cfg.WebhookRateLimit,
		TrustProxy:          a.cfg.TrustProxy,
		Logger:              a.logger,
		Metrics:             a.metrics,
	})
}

// Close releases connections opened by newApp.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.zl.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
}
