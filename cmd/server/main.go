package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wclausen/mimir/internal"
	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/email"
	adminhandler "github.com/wclausen/mimir/internal/handler/admin"
	"github.com/wclausen/mimir/internal/handler/api"
	"github.com/wclausen/mimir/internal/handler/webhook"
	"github.com/wclausen/mimir/internal/middleware"
	"github.com/wclausen/mimir/internal/router"
	"github.com/wclausen/mimir/internal/routes"
	"github.com/wclausen/mimir/internal/service"
	"github.com/wclausen/mimir/internal/store"
	"github.com/wclausen/mimir/internal/telemetry"
	"github.com/wclausen/mimir/internal/worker"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize Sentry error tracking
	sentryCleanup, err := telemetry.InitSentry(cfg.Sentry, logger)
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	defer sentryCleanup()

	// Register business metrics
	telemetry.InitBusinessMetrics("mimir")

	// Initialize database/sql connection for migrations
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	// Run migrations
	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for application
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	st := store.NewPostgresStore(pool)

	// Initialize Stripe billing provider
	logger.Info("Initializing Stripe billing provider...")
	stripeConfig := billing.StripeConfig{
		APIKey:        cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
	}
	billingProvider, err := billing.NewStripeProvider(stripeConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize Stripe provider: %w", err)
	}
	logger.Info("Stripe billing provider initialized", "test_mode", stripeConfig.IsTestMode())

	// Email notifications
	sender := email.NewSMTPSender(&cfg.Email, logger)
	notices, err := email.NewNotices(sender, cfg.Email.From, cfg.AppName, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize email notices: %w", err)
	}

	// Initialize services
	identityService, err := service.NewIdentityService(st, billingProvider, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize identity service: %w", err)
	}

	subscriptionService, err := service.NewSubscriptionService(st, billingProvider, identityService, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize subscription service: %w", err)
	}

	paymentMethodService, err := service.NewPaymentMethodService(st, billingProvider, identityService, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize payment method service: %w", err)
	}

	edgeCaseService, err := service.NewEdgeCaseService(st, billingProvider, notices, service.EdgeCaseConfig{
		DunningSchedule: cfg.Dunning.Schedule,
		RefundPolicy:    service.RefundCancelPolicy(cfg.Dunning.RefundCancelPolicy),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize edge case service: %w", err)
	}

	historyService, err := service.NewHistoryService(st, billingProvider, identityService, cfg.IsProduction(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize history service: %w", err)
	}

	recoveryService, err := service.NewRecoveryService(st, billingProvider, identityService, subscriptionService, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize recovery service: %w", err)
	}

	processor, err := service.NewEventProcessor(st, billingProvider, subscriptionService, edgeCaseService, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event processor: %w", err)
	}

	// ==========================================================================
	// Build route dependencies
	// ==========================================================================

	apiDeps := routes.APIDeps{
		Billing: api.NewBillingHandler(subscriptionService, paymentMethodService, historyService, logger),
	}

	adminDeps := routes.AdminDeps{
		Recovery: adminhandler.NewRecoveryHandler(recoveryService, logger),
	}

	stripeWebhookHandler := webhook.NewStripeHandler(billingProvider, st, processor, webhook.StripeWebhookConfig{
		WebhookSecret: cfg.Stripe.WebhookSecret,
	}, logger)
	webhookDeps := routes.WebhookDeps{
		StripeHandler: stripeWebhookHandler.HandleWebhook,
	}

	// ==========================================================================
	// Initialize middleware and routers
	// ==========================================================================

	metrics := middleware.NewMetrics("mimir")
	defaultRateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer defaultRateLimiter.Stop()

	r := router.New(
		router.Recovery(logger),
		telemetry.SentryMiddleware(),
		middleware.RequestID,
		metrics.Middleware,
		middleware.MaxBodySize(middleware.DefaultMaxBodySize),
		middleware.Timeout(middleware.DefaultTimeout),
		defaultRateLimiter.Middleware,
		router.Logger(logger),
	)

	// Metrics endpoint (protect in production via firewall)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		metrics.Handler().ServeHTTP(w, req)
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	routes.RegisterAPIRoutes(r, apiDeps)
	routes.RegisterAdminRoutes(r, adminDeps, cfg.AdminToken)
	routes.RegisterWebhookRoutes(r, webhookDeps)

	// ==========================================================================
	// Start background worker and server
	// ==========================================================================

	if cfg.Worker.Enabled {
		w, err := worker.NewWorker(st, processor, edgeCaseService, worker.Config{
			PollInterval: cfg.Worker.PollInterval,
			BatchSize:    cfg.Worker.BatchSize,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize worker: %w", err)
		}
		go func() {
			if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker stopped", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
