package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpmw "github.com/sdavidov17/holiday-program-aggregator-sub001/middleware/http"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/api"
	stripebilling "github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/billing/stripe"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/config"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the sweep scheduler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.HTTPAddr, _ = cmd.Flags().GetString("addr")
		}
		if cmd.Flags().Changed("sweep-interval") {
			cfg.SweepInterval, _ = cmd.Flags().GetDuration("sweep-interval")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	serveCmd.Flags().Duration("sweep-interval", 0, "Sweep schedule, 0 disables it (overrides SWEEP_INTERVAL)")
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := newService(a)
	if err != nil {
		return err
	}
	defer svc.guard.Wait()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           svc.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.zl.Info().Str("addr", cfg.HTTPAddr).Str("env", cfg.Env).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.zl.Info().Msg("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.SweepInterval > 0 {
		g.Go(func() error {
			runScheduler(ctx, a, svc.sweeper, cfg.SweepInterval)
			return nil
		})
	}
	return g.Wait()
}

// service is the HTTP-facing component graph.
type service struct {
	app      *app
	provider *stripebilling.Provider
	guard    *subscription.Guard
	sweeper  *subscription.Sweeper
	handler  *api.Handler
}

func newService(a *app) (*service, error) {
	cfg := a.cfg
	provider, err := a.stripeProvider()
	if err != nil {
		return nil, fmt.Errorf("stripe provider: %w", err)
	}
	checkout, err := subscription.NewCheckout(subscription.CheckoutConfig{
		Store:          a.store,
		Provider:       provider,
		DefaultPriceID: cfg.StripePriceID,
		Grace:          cfg.EntitlementGrace,
		Logger:         a.logger,
		Metrics:        a.metrics,
	})
	if err != nil {
		return nil, err
	}
	guard, err := a.guard()
	if err != nil {
		return nil, err
	}
	sweeper, err := a.sweeper()
	if err != nil {
		return nil, err
	}
	handler, err := api.NewHandler(api.Config{
		Store:      a.store,
		Users:      a.users,
		Checkout:   checkout,
		Sweeper:    sweeper,
		CronSecret: cfg.CronSecret,
		AppURL:     cfg.AppURL,
		Grace:      cfg.EntitlementGrace,
		GetUserID:  api.FromHeader(cfg.UserIDHeader),
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}
	return &service{app: a, provider: provider, guard: guard, sweeper: sweeper, handler: handler}, nil
}

func (s *service) router() http.Handler {
	cfg := s.app.cfg

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	if cfg.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.Recoverer)

	r.Post("/api/checkout", s.handler.Checkout)
	r.Get("/api/subscription", s.handler.Status)
	r.Get("/api/cron/subscriptions", s.handler.Sweep)
	r.Handle("/webhooks/stripe", s.provider.WebhookHandler())
	r.With(httpmw.Middleware(httpmw.Config{
		Guard:     s.guard,
		GetUserID: httpmw.FromHeader(cfg.UserIDHeader),
	})).Get("/api/access", accessHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.app.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", healthHandler(s.app))
	return r
}

// runScheduler runs the sweep every interval until ctx is done.
func runScheduler(ctx context.Context, a *app, sweeper *subscription.Sweeper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.zl.Info().Dur("interval", interval).Msg("Sweep scheduler started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := sweeper.Run(ctx)
			switch {
			case errors.Is(err, subscription.ErrSweepInProgress):
				a.zl.Debug().Msg("Sweep skipped, another run holds the lock")
			case err != nil:
				a.zl.Error().Err(err).Msg("Scheduled sweep failed")
			case len(summary.Errors) > 0:
				a.zl.Warn().Strs("errors", summary.Errors).Msg("Scheduled sweep finished with row errors")
			}
		}
	}
}

func accessHandler(w http.ResponseWriter, r *http.Request) {
	sub, _ := httpmw.SubscriptionFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"entitled":     true,
		"subscription": sub,
	})
}

func healthHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.pg != nil {
			if err := a.pg.Ping(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
