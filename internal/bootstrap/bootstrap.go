// Package bootstrap wires storage, providers and services from configuration.
// It is shared by the API server and the lifecycle CLI.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/config"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/entitlement"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/lifecycle"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/cron"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/database"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/email"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/retry"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/stripe"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/repository/memory"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/repository/postgresql"
	entitlementService "github.com/cmlabs-hris/entitlement-backend-go/internal/service/entitlement"
	lifecycleService "github.com/cmlabs-hris/entitlement-backend-go/internal/service/lifecycle"
	webhookService "github.com/cmlabs-hris/entitlement-backend-go/internal/service/webhook"
	"github.com/jonboulle/clockwork"
)

// OpResumeWebhookRetries is the scheduler operation that picks up webhook
// events left in RETRYING by a previous process
const OpResumeWebhookRetries = "resume_webhook_retries"

// Storage is the repository set backing every service
type Storage struct {
	Accounts      account.AccountRepository
	Usage         account.UsageRepository
	Subscriptions billing.SubscriptionRepository
	Payments      billing.PaymentRepository
	WebhookEvents billing.WebhookEventRepository
	Transactor    database.Transactor

	// DB is nil for the memory driver
	DB *database.DB
}

// Close releases the database pool, if any
func (s *Storage) Close() {
	if s.DB != nil {
		s.DB.Close()
	}
}

// Services is the application service graph
type Services struct {
	Entitlement entitlement.EntitlementService
	Webhook     billing.WebhookIngestor
	Lifecycle   lifecycle.LifecycleService
	Scheduler   *cron.Scheduler
}

// NewLogger builds the process logger from the app config and installs it as
// the slog default
func NewLogger(cfg config.AppConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Env == "development" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// OpenStorage connects to the configured storage driver. With the postgres
// driver and DB_AUTO_MIGRATE set, pending migrations are applied first.
func OpenStorage(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (*Storage, error) {
	if cfg.Database.Driver == "memory" {
		slog.Warn("Using in-memory storage, state is lost on restart")
		store := memory.NewStore(clock)
		return &Storage{
			Accounts:      store.Accounts(),
			Usage:         store.Usage(),
			Subscriptions: store.Subscriptions(),
			Payments:      store.Payments(),
			WebhookEvents: store.WebhookEvents(),
			Transactor:    store.Transactor(),
		}, nil
	}

	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Storage{
		Accounts:      postgresql.NewAccountRepository(db),
		Usage:         postgresql.NewUsageRepository(db),
		Subscriptions: postgresql.NewSubscriptionRepository(db),
		Payments:      postgresql.NewPaymentRepository(db),
		WebhookEvents: postgresql.NewWebhookEventRepository(db),
		Transactor:    postgresql.NewTransactor(db),
		DB:            db,
	}, nil
}

// OpenDatabase connects to PostgreSQL with the configured pool settings
func OpenDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := database.NewPostgreSQLDB(connectCtx, cfg.DatabaseURL(), database.PoolConfig{
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// Provider returns the Stripe client, or nil when Stripe is not configured
func Provider(cfg *config.Config) billing.Provider {
	if cfg.Stripe.WebhookSecret == "" {
		slog.Warn("Stripe is not configured, webhooks are rejected and subscription sync is skipped")
		return nil
	}
	return stripe.NewClient(cfg.Stripe)
}

// Notifier returns the SMTP notifier, or nil when SMTP is not configured
func Notifier(cfg *config.Config) (billing.Notifier, error) {
	if cfg.SMTP.Host == "" {
		slog.Warn("SMTP is not configured, billing notices are skipped")
		return nil, nil
	}
	notifier, err := email.NewEmailService(cfg.SMTP, email.Options{
		ManageURL: cfg.Gate.UpgradeURL,
		FreeLimit: cfg.Usage.FreeWeeklyLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize email service: %w", err)
	}
	return notifier, nil
}

// NewServices builds the service graph and registers every scheduler task
func NewServices(cfg *config.Config, storage *Storage, provider billing.Provider, notifier billing.Notifier, clock clockwork.Clock) (*Services, error) {
	entitlementSvc := entitlementService.NewEntitlementService(
		storage.Accounts,
		storage.Usage,
		storage.Payments,
		clock,
		cfg,
	)

	var ingestor billing.WebhookIngestor
	if provider != nil {
		ingestor = webhookService.NewWebhookService(
			provider,
			storage.WebhookEvents,
			storage.Subscriptions,
			storage.Payments,
			storage.Accounts,
			storage.Transactor,
			notifier,
			clock,
			webhookService.Config{
				RetryPolicy: retry.Policy{
					MaxAttempts: cfg.Webhook.MaxAttempts,
					BaseDelay:   cfg.Webhook.BaseDelay,
					MaxDelay:    cfg.Webhook.MaxDelay,
					Jitter:      cfg.Webhook.Jitter,
				},
				MaxPayloadBytes: cfg.Webhook.MaxPayloadBytes,
			},
		)
	} else {
		ingestor = webhookService.Disabled{}
	}

	lifecycleSvc := lifecycleService.NewLifecycleService(
		storage.Accounts,
		storage.Usage,
		storage.Subscriptions,
		storage.WebhookEvents,
		provider,
		notifier,
		storage.Transactor,
		clock,
		cfg,
	)

	scheduler := cron.NewScheduler(clock, cfg.Scheduler.PollInterval)
	if err := cron.NewLifecycleJobs(lifecycleSvc).RegisterJobs(scheduler); err != nil {
		return nil, fmt.Errorf("register lifecycle jobs: %w", err)
	}
	scheduler.RegisterOperation(OpResumeWebhookRetries, func(ctx context.Context) error {
		_, err := ingestor.ResumePending(ctx)
		return err
	})
	if err := scheduler.AddBaselineTask(OpResumeWebhookRetries, OpResumeWebhookRetries, cron.Every{Interval: 5 * time.Minute}); err != nil {
		return nil, fmt.Errorf("register webhook resume task: %w", err)
	}

	return &Services{
		Entitlement: entitlementSvc,
		Webhook:     ingestor,
		Lifecycle:   lifecycleSvc,
		Scheduler:   scheduler,
	}, nil
}

// Shutdown drains the background workers owned by the services
func (s *Services) Shutdown(ctx context.Context) error {
	s.Scheduler.Stop()
	var firstErr error
	if err := s.Webhook.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("shutdown webhook ingestor: %w", err)
	}
	if err := s.Entitlement.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shutdown usage recorder: %w", err)
	}
	return firstErr
}
