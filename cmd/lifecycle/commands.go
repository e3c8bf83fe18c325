package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/bootstrap"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/config"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/lifecycle"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/database"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/jwt"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
)

var errOperationFailed = errors.New("operation reported failure")

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "lifecycle",
		Short:         "Entitlement lifecycle maintenance commands",
		Long:          `Run reconciliation operations and schema migrations outside the API server`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newMigrateCmd(),
		newOperationsCmd(),
		newRunCmd(),
		newRunAllCmd(),
		newTokenCmd(),
	)
	return rootCmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate requires STORAGE_DRIVER=postgres, got %q", cfg.Database.Driver)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := bootstrap.OpenDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(ctx, db); err != nil {
				return err
			}
			version, err := database.MigrationVersion(ctx, db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d\n", version)
			return nil
		},
	}
}

func newOperationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "operations",
		Short: "List lifecycle operations in run order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, op := range lifecycle.Operations {
				fmt.Fprintln(cmd.OutOrStdout(), op)
			}
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var retentionDays int

	cmd := &cobra.Command{
		Use:   "run <operation>",
		Short: "Run one lifecycle operation",
		Example: `  lifecycle run reset_weekly_usage
  lifecycle run cleanup_old_data --retention-days 30`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := lifecycle.ParseOperation(args[0])
			if err != nil {
				return fmt.Errorf("%w: %s", err, args[0])
			}
			if cmd.Flags().Changed("retention-days") && op != lifecycle.OpCleanupOldData {
				return fmt.Errorf("--retention-days only applies to %s", lifecycle.OpCleanupOldData)
			}

			return withServices(cmd.Context(), func(ctx context.Context, services *bootstrap.Services) error {
				var result lifecycle.Result
				if cmd.Flags().Changed("retention-days") {
					result = services.Lifecycle.CleanupOldData(ctx, lifecycle.CleanupOptions{RetentionDays: retentionDays})
				} else {
					result = services.Lifecycle.Run(ctx, op)
				}
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if !result.Success {
					return fmt.Errorf("%w: %s", errOperationFailed, result.Error)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "override the configured retention for cleanup_old_data")
	return cmd
}

func newRunAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run every lifecycle operation in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, services *bootstrap.Services) error {
				result := services.Lifecycle.RunAll(ctx)
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if !result.Success {
					return errOperationFailed
				}
				return nil
			})
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		accountID string
		email     string
		admin     bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token signed with JWT_SECRET_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, expiresAt, err := jwt.NewJWTService(cfg.JWT.Secret, cfg.JWT.AccessExpiration).
				GenerateAccessToken(accountID, email, admin)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"access_token": token,
				"expires_at":   expiresAt,
			})
		},
	}

	cmd.Flags().StringVar(&accountID, "account-id", "", "account id placed in the token")
	cmd.Flags().StringVar(&email, "email", "", "email placed in the token")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin privilege")
	_ = cmd.MarkFlagRequired("account-id")
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	bootstrap.NewLogger(cfg.App)
	return cfg, nil
}

// withServices opens storage, builds the services and runs fn, then drains
// background work before returning
func withServices(parent context.Context, fn func(ctx context.Context, services *bootstrap.Services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
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

	runErr := fn(ctx, services)
	if err := services.Shutdown(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
