package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/bootstrap"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/config"
	appHTTP "github.com/cmlabs-hris/entitlement-backend-go/internal/handler/http"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/handler/http/middleware"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/jwt"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/processing"
	entitlementService "github.com/cmlabs-hris/entitlement-backend-go/internal/service/entitlement"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("Error loading config:", err)
		return err
	}
	bootstrap.NewLogger(cfg.App)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	storage, err := bootstrap.OpenStorage(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer storage.Close()

	notifier, err := bootstrap.Notifier(cfg)
	if err != nil {
		return err
	}
	services, err := bootstrap.NewServices(cfg, storage, bootstrap.Provider(cfg), notifier, clock)
	if err != nil {
		return err
	}

	var processor processing.Processor = processing.Local{}
	if cfg.Processing.URL != "" {
		processor = processing.NewClient(cfg.Processing.URL, cfg.Processing.Timeout)
	} else {
		slog.Warn("PROCESSING_WORKER_URL is not set, jobs are accepted locally")
	}

	JWTService := jwt.NewJWTService(cfg.JWT.Secret, cfg.JWT.AccessExpiration)

	router := appHTTP.NewRouter(
		cfg,
		JWTService,
		services.Entitlement,
		middleware.NewEntitlementMiddleware(services.Entitlement, entitlementService.DefaultClassifier()),
		appHTTP.Handlers{
			Account:    appHTTP.NewAccountHandler(services.Entitlement),
			Processing: appHTTP.NewProcessingHandler(processor),
			Webhook:    appHTTP.NewWebhookHandler(services.Webhook, cfg.Webhook.MaxPayloadBytes),
			Admin:      appHTTP.NewAdminHandler(services.Scheduler, services.Lifecycle, services.Webhook),
		},
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Scheduler.Enabled {
		if err := services.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		slog.Info("Scheduler disabled, lifecycle tasks run only on demand")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server running", "addr", server.Addr, "env", cfg.App.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		if err := services.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped")
	return nil
}
