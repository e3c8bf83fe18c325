package http

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/config"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/handler/http/middleware"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/jwt"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/metrics"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v3"
	"github.com/go-chi/jwtauth/v5"
)

// Version is reported in request logs
const Version = "v1.0.0"

// Handlers groups the HTTP handlers mounted by NewRouter
type Handlers struct {
	Account    AccountHandler
	Processing ProcessingHandler
	Webhook    WebhookHandler
	Admin      AdminHandler
}

func NewRouter(
	cfg *config.Config,
	JWTService jwt.Service,
	provisioner middleware.AccountProvisioner,
	entitlementMiddleware *middleware.EntitlementMiddleware,
	handlers Handlers,
) *chi.Mux {
	r := chi.NewRouter()
	logFormat := httplog.SchemaECS.Concise(cfg.App.Env != "production")
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		ReplaceAttr: logFormat.ReplaceAttr,
	})).With(
		slog.String("app", "entitlement-backend"),
		slog.String("version", Version),
		slog.String("env", cfg.App.Env),
	)

	origins := cfg.App.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-CSRF-Token",
			middleware.HeaderProcessingMode, middleware.HeaderPriority,
		},
		ExposedHeaders: []string{
			"Link", "Retry-After",
			middleware.HeaderLimit, middleware.HeaderRemaining, middleware.HeaderReset,
			middleware.HeaderModeFallback, middleware.HeaderEffectiveMode,
		},
		MaxAge: 300,
	}))

	r.Use(chiMiddleware.RequestID)
	r.Use(httplog.RequestLogger(logger, &httplog.Options{
		Level:  slog.LevelDebug,
		Schema: httplog.SchemaECS,
	}))

	r.Use(chiMiddleware.CleanPath)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	// Operator-only metrics
	r.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(JWTService.JWTAuth()))
		r.Use(middleware.AdminOnly(cfg.Admin.APIKeyHash))
		r.Handle("/metrics", metrics.Handler())
	})

	r.Route("/api/v1", func(r chi.Router) {

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/stripe", handlers.Webhook.HandleStripe)
		})

		// Admin only
		r.Route("/admin", func(r chi.Router) {
			r.Use(jwtauth.Verifier(JWTService.JWTAuth()))
			r.Use(middleware.AdminOnly(cfg.Admin.APIKeyHash))

			r.Route("/scheduler", func(r chi.Router) {
				r.Get("/", handlers.Admin.SchedulerStatus)
				r.Post("/run-all", handlers.Admin.RunAllTasks)
				r.Post("/tasks", handlers.Admin.AddTask)
				r.Route("/tasks/{name}", func(r chi.Router) {
					r.Get("/", handlers.Admin.GetTask)
					r.Delete("/", handlers.Admin.RemoveTask)
					r.Post("/run", handlers.Admin.RunTask)
					r.Post("/enable", handlers.Admin.EnableTask)
					r.Post("/disable", handlers.Admin.DisableTask)
				})
			})

			r.Route("/operations", func(r chi.Router) {
				r.Get("/", handlers.Admin.ListOperations)
				r.Post("/run-all", handlers.Admin.RunAllOperations)
				r.Post("/{operation}/run", handlers.Admin.RunOperation)
			})

			r.Route("/webhooks", func(r chi.Router) {
				r.Get("/failed", handlers.Admin.ListFailedWebhooks)
				r.Get("/{id}", handlers.Admin.GetWebhookEvent)
				r.Post("/{id}/replay", handlers.Admin.ReplayWebhook)
			})
		})

		// Requires authentication and passes the entitlement gate
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(JWTService.JWTAuth()))
			r.Use(middleware.AuthRequired(provisioner))
			r.Use(entitlementMiddleware.Enforce)

			r.Route("/account", func(r chi.Router) {
				r.Get("/entitlements", handlers.Account.GetEntitlements)
				r.Get("/usage", handlers.Account.GetUsage)
				r.Get("/payments", handlers.Account.GetPayments)
				r.Put("/preferences", handlers.Account.UpdatePreferences)
			})

			r.Post("/resumes/process", handlers.Processing.ProcessResume)
			r.Post("/resumes/bulk", handlers.Processing.ProcessBulk)
			r.Post("/cover-letters", handlers.Processing.GenerateCoverLetter)
		})
	})
	return r
}
