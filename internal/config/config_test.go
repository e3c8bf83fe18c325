package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Setup
	t.Setenv("JWT_SECRET_KEY", "test-secret")
	t.Setenv("STORAGE_DRIVER", "memory")

	// Act
	cfg, err := Load()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.App.Port)
	assert.Equal(t, 5, cfg.Usage.FreeWeeklyLimit)
	assert.Equal(t, 7*24*time.Hour, cfg.Usage.Window)
	assert.Equal(t, 72*time.Hour, cfg.Lifecycle.GracePeriod)
	assert.Equal(t, 90, cfg.Lifecycle.RetentionDays)
	assert.Equal(t, 4, cfg.Webhook.MaxAttempts)
	assert.Equal(t, "fallback", cfg.Gate.EnhancedModePolicy)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "test-secret")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("LIFECYCLE_GRACE_PERIOD", "48h")
	t.Setenv("USAGE_FREE_WEEKLY_LIMIT", "10")
	t.Setenv("GATE_ADMIN_BYPASS", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.Lifecycle.GracePeriod)
	assert.Equal(t, 10, cfg.Usage.FreeWeeklyLimit)
	assert.True(t, cfg.Gate.AdminBypass)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.App.CORSOrigins)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "test-secret")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("USAGE_WINDOW", "one week")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "USAGE_WINDOW")
}

func TestValidate_RequiresWebhookSecretWithStripeKey(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "test-secret")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
}

func TestValidate_RejectsUnknownPolicy(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "test-secret")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("GATE_PRIORITY_QUEUE_POLICY", "maybe")

	_, err := Load()

	require.Error(t, err)
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{
		User: "postgres", Password: "pw", Host: "db", Port: 5432, Name: "entitlement", SSLMode: "disable",
	}}
	assert.Equal(t, "postgres://postgres:pw@db:5432/entitlement?sslmode=disable", cfg.DatabaseURL())

	cfg.Database.URL = "postgres://override"
	assert.Equal(t, "postgres://override", cfg.DatabaseURL())
}
