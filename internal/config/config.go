package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/Tesseract-Nexus/go-shared/secrets"
	"github.com/shopspring/decimal"

	"ledger-service/internal/gateway"
	"ledger-service/internal/services"
)

// Config holds all configuration for the ledger service
type Config struct {
	// Server
	Port        string
	Environment string

	// Database
	DatabaseURL        string
	SerializableWrites bool

	// Redis
	RedisURL string

	// Events
	NATSURL        string
	EventsTenantID string

	// RBAC
	StaffServiceURL string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string

	// Razorpay
	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string

	// Pre-normalised gateway events
	GenericWebhookSecret string

	// Ledger
	PaymentStatusTolerance decimal.Decimal
	QuoteLockTTL           time.Duration
	QuoteLockWait          time.Duration
	RateCacheTTL           time.Duration

	// Reconciliation
	ReconAmountTolerancePct   decimal.Decimal
	ReconDateWindowDays       int
	ReconNegligibleThreshold  decimal.Decimal
	ReconExactAmountTolerance decimal.Decimal

	// Jobs
	ProjectionRepairInterval time.Duration
	ReconResumeInterval      time.Duration
}

// buildDatabaseURL constructs the database URL from individual components
// Password is fetched from GCP Secret Manager if enabled
func buildDatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	dbname := getEnv("DB_NAME", "ledger")
	sslmode := getEnv("DB_SSLMODE", "disable")

	password := getPasswordFromGCPOrEnv()

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, dbname, sslmode)
}

// getPasswordFromGCPOrEnv fetches the database password from GCP Secret Manager
// or falls back to environment variable
func getPasswordFromGCPOrEnv() string {
	if os.Getenv("USE_GCP_SECRET_MANAGER") != "true" {
		return getEnv("DB_PASSWORD", "password")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secretFetcher, err := secrets.NewEnvSecretFetcher(ctx)
	if err != nil {
		log.Printf("Warning: Failed to initialize GCP Secret Manager: %v (using env var)", err)
		return getEnv("DB_PASSWORD", "password")
	}
	defer secretFetcher.Close()

	password := secrets.LoadDatabasePassword(ctx, secretFetcher)
	if password == "" || password == "password" {
		log.Printf("Warning: Got empty/default password from GCP Secret Manager, using env var")
		return getEnv("DB_PASSWORD", "password")
	}
	return password
}

// Load loads configuration from environment variables
func Load() *Config {
	config := &Config{
		Port:               getEnv("PORT", "8095"),
		Environment:        getEnv("ENVIRONMENT", "development"),
		DatabaseURL:        buildDatabaseURL(),
		SerializableWrites: getBoolEnv("SERIALIZABLE_WRITES", true),
		RedisURL:           getEnv("REDIS_URL", "redis://redis.redis-marketplace.svc.cluster.local:6379/0"),
		NATSURL:            getEnv("NATS_URL", "nats://nats.nats.svc.cluster.local:4222"),
		EventsTenantID:     getEnv("EVENTS_TENANT_ID", "platform"),
		StaffServiceURL:    getEnv("STAFF_SERVICE_URL", "http://staff-service.global.svc.cluster.local:8080"),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		RazorpayKeyID:         getEnv("RAZORPAY_KEY_ID", ""),
		RazorpayKeySecret:     getEnv("RAZORPAY_KEY_SECRET", ""),
		RazorpayWebhookSecret: getEnv("RAZORPAY_WEBHOOK_SECRET", ""),

		GenericWebhookSecret: getEnv("GENERIC_WEBHOOK_SECRET", ""),

		PaymentStatusTolerance: getDecimalEnv("PAYMENT_STATUS_TOLERANCE", "0.01"),
		QuoteLockTTL:           getDurationEnv("QUOTE_LOCK_TTL", 30*time.Second),
		QuoteLockWait:          getDurationEnv("QUOTE_LOCK_WAIT", 10*time.Second),
		RateCacheTTL:           getDurationEnv("RATE_CACHE_TTL", 24*time.Hour),

		ReconAmountTolerancePct:   getDecimalEnv("RECON_AMOUNT_TOLERANCE_PCT", "1"),
		ReconDateWindowDays:       getIntEnv("RECON_DATE_WINDOW_DAYS", 3),
		ReconNegligibleThreshold:  getDecimalEnv("RECON_NEGLIGIBLE_THRESHOLD", "0.05"),
		ReconExactAmountTolerance: getDecimalEnv("RECON_EXACT_AMOUNT_TOLERANCE", "0.01"),

		ProjectionRepairInterval: getDurationEnv("PROJECTION_REPAIR_INTERVAL", time.Hour),
		ReconResumeInterval:      getDurationEnv("RECON_RESUME_INTERVAL", 5*time.Minute),
	}

	if config.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	return config
}

// IsDevelopment reports whether the service runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// GatewayConfig returns the gateway credentials
func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		StripeSecretKey:       c.StripeSecretKey,
		StripeWebhookSecret:   c.StripeWebhookSecret,
		RazorpayKeyID:         c.RazorpayKeyID,
		RazorpayKeySecret:     c.RazorpayKeySecret,
		RazorpayWebhookSecret: c.RazorpayWebhookSecret,
		GenericWebhookSecret:  c.GenericWebhookSecret,
	}
}

// MatchPolicy returns the reconciliation matching policy
func (c *Config) MatchPolicy() services.MatchPolicy {
	return services.MatchPolicy{
		AmountTolerancePct:   c.ReconAmountTolerancePct,
		DateWindowDays:       c.ReconDateWindowDays,
		NegligibleThreshold:  c.ReconNegligibleThreshold,
		ExactAmountTolerance: c.ReconExactAmountTolerance,
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getBoolEnv(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

func getDecimalEnv(key, defaultValue string) decimal.Decimal {
	if value, err := decimal.NewFromString(os.Getenv(key)); err == nil {
		return value
	}
	return decimal.RequireFromString(defaultValue)
}
