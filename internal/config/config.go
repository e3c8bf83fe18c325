package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Stripe     StripeConfig
	Webhook    WebhookConfig
	Lifecycle  LifecycleConfig
	Usage      UsageConfig
	Gate       GateConfig
	Scheduler  SchedulerConfig
	SMTP       SMTPConfig
	Admin      AdminConfig
	Processing ProcessingConfig
}

// AppConfig holds application configuration
type AppConfig struct {
	Port        int
	Env         string
	LogLevel    string
	CORSOrigins []string
}

type DatabaseConfig struct {
	// Driver selects the storage backend: "postgres" or "memory"
	Driver      string
	URL         string
	Host        string
	Port        int
	User        string
	Password    string
	Name        string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	AutoMigrate bool
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret           string
	AccessExpiration string
}

// StripeConfig holds billing provider credentials
type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
}

// WebhookConfig bounds webhook ingestion and its retry policy
type WebhookConfig struct {
	MaxPayloadBytes int64
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Jitter          float64
}

// LifecycleConfig tunes the reconciliation operations
type LifecycleConfig struct {
	GracePeriod     time.Duration
	ReminderHorizon time.Duration
	RetentionDays   int
	BatchSize       int
	SyncStaleAfter  time.Duration
}

// UsageConfig holds the metering window and free-tier allowance
type UsageConfig struct {
	FreeWeeklyLimit int
	Window          time.Duration
}

// GateConfig holds entitlement gate behaviour
type GateConfig struct {
	AdminBypass         bool
	UpgradeURL          string
	EnhancedModePolicy  string
	PriorityQueuePolicy string
}

// SchedulerConfig holds the lifecycle scheduler settings
type SchedulerConfig struct {
	Enabled      bool
	PollInterval time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// AdminConfig holds operator credentials
type AdminConfig struct {
	// APIKeyHash is the bcrypt hash of the operator API key
	APIKeyHash string
}

// ProcessingConfig points at the remote resume processing worker
type ProcessingConfig struct {
	URL     string
	Timeout time.Duration
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env file: %w", err)
	} else if err != nil {
		slog.Debug("No .env file found, using process environment")
	}

	config := &Config{}
	p := &parser{}

	config.App = AppConfig{
		Port:        p.int("APP_PORT", 8080),
		Env:         getEnv("APP_ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CORSOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS"),
	}

	config.Database = DatabaseConfig{
		Driver:      getEnv("STORAGE_DRIVER", "postgres"),
		URL:         getEnv("DATABASE_URL", ""),
		Host:        getEnv("DB_HOST", "localhost"),
		Port:        p.int("DB_PORT", 5432),
		User:        getEnv("DB_USER", "postgres"),
		Password:    getEnv("DB_PASSWORD", ""),
		Name:        getEnv("DB_NAME", "entitlement"),
		SSLMode:     getEnv("DB_SSL_MODE", "disable"),
		MaxConns:    int32(p.int("DB_MAX_CONNS", 25)),
		MinConns:    int32(p.int("DB_MIN_CONNS", 5)),
		AutoMigrate: p.bool("DB_AUTO_MIGRATE", false),
	}

	config.JWT = JWTConfig{
		Secret:           getEnv("JWT_SECRET_KEY", ""),
		AccessExpiration: getEnv("JWT_ACCESS_EXPIRATION_TIME", "1h"),
	}

	config.Stripe = StripeConfig{
		SecretKey:        getEnv("STRIPE_SECRET_KEY", ""),
		WebhookSecret:    getEnv("STRIPE_WEBHOOK_SECRET", ""),
		WebhookTolerance: p.duration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
	}

	config.Webhook = WebhookConfig{
		MaxPayloadBytes: int64(p.int("WEBHOOK_MAX_PAYLOAD_BYTES", 1<<20)),
		MaxAttempts:     p.int("WEBHOOK_RETRY_MAX_ATTEMPTS", 4),
		BaseDelay:       p.duration("WEBHOOK_RETRY_BASE_DELAY", time.Second),
		MaxDelay:        p.duration("WEBHOOK_RETRY_MAX_DELAY", 30*time.Second),
		Jitter:          p.float("WEBHOOK_RETRY_JITTER", 0.2),
	}

	config.Lifecycle = LifecycleConfig{
		GracePeriod:     p.duration("LIFECYCLE_GRACE_PERIOD", 72*time.Hour),
		ReminderHorizon: p.duration("LIFECYCLE_REMINDER_HORIZON", 72*time.Hour),
		RetentionDays:   p.int("LIFECYCLE_RETENTION_DAYS", 90),
		BatchSize:       p.int("LIFECYCLE_BATCH_SIZE", 500),
		SyncStaleAfter:  p.duration("LIFECYCLE_SYNC_STALE_AFTER", 6*time.Hour),
	}

	config.Usage = UsageConfig{
		FreeWeeklyLimit: p.int("USAGE_FREE_WEEKLY_LIMIT", 5),
		Window:          p.duration("USAGE_WINDOW", 7*24*time.Hour),
	}

	config.Gate = GateConfig{
		AdminBypass:         p.bool("GATE_ADMIN_BYPASS", false),
		UpgradeURL:          getEnv("GATE_UPGRADE_URL", "/pricing"),
		EnhancedModePolicy:  getEnv("GATE_ENHANCED_MODE_POLICY", "fallback"),
		PriorityQueuePolicy: getEnv("GATE_PRIORITY_QUEUE_POLICY", "block"),
	}

	config.Scheduler = SchedulerConfig{
		Enabled:      p.bool("SCHEDULER_ENABLED", true),
		PollInterval: p.duration("SCHEDULER_POLL_INTERVAL", time.Minute),
	}

	config.SMTP = SMTPConfig{
		Host:     getEnv("SMTP_HOST", ""),
		Port:     p.int("SMTP_PORT", 587),
		Username: getEnv("SMTP_USERNAME", ""),
		Password: getEnv("SMTP_PASSWORD", ""),
		From:     getEnv("SMTP_FROM", "billing@localhost"),
		FromName: getEnv("SMTP_FROM_NAME", "Billing"),
	}

	config.Admin = AdminConfig{
		APIKeyHash: getEnv("ADMIN_API_KEY_HASH", ""),
	}

	config.Processing = ProcessingConfig{
		URL:     getEnv("PROCESSING_WORKER_URL", ""),
		Timeout: p.duration("PROCESSING_WORKER_TIMEOUT", 60*time.Second),
	}

	if p.err != nil {
		return nil, p.err
	}

	// Validate required fields
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required")
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" && c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD or DATABASE_URL is required")
		}
	case "memory":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Webhook.Jitter < 0 || c.Webhook.Jitter > 1 {
		return fmt.Errorf("WEBHOOK_RETRY_JITTER must be between 0 and 1")
	}
	if c.Usage.FreeWeeklyLimit < 0 {
		return fmt.Errorf("USAGE_FREE_WEEKLY_LIMIT must not be negative")
	}
	if c.Usage.Window <= 0 {
		return fmt.Errorf("USAGE_WINDOW must be positive")
	}
	if c.Lifecycle.GracePeriod < 0 || c.Lifecycle.ReminderHorizon <= 0 {
		return fmt.Errorf("LIFECYCLE_GRACE_PERIOD must not be negative and LIFECYCLE_REMINDER_HORIZON must be positive")
	}
	if c.Lifecycle.RetentionDays < 1 {
		return fmt.Errorf("LIFECYCLE_RETENTION_DAYS must be at least 1")
	}
	if c.Lifecycle.BatchSize < 1 {
		return fmt.Errorf("LIFECYCLE_BATCH_SIZE must be at least 1")
	}
	for key, policy := range map[string]string{
		"GATE_ENHANCED_MODE_POLICY":  c.Gate.EnhancedModePolicy,
		"GATE_PRIORITY_QUEUE_POLICY": c.Gate.PriorityQueuePolicy,
	} {
		if policy != "block" && policy != "fallback" {
			return fmt.Errorf("%s must be block or fallback, got %q", key, policy)
		}
	}
	return nil
}

// IsProduction reports whether APP_ENV is production
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvSlice(env string) []string {
	value := getEnv(env, "")
	if value == "" {
		return []string{}
	}
	result := strings.Split(value, ",")
	for i := range result {
		result[i] = strings.TrimSpace(result[i])
	}
	return result
}

// parser keeps the first conversion error so Load can report it once
type parser struct {
	err error
}

func (p *parser) int(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) float(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) bool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}
