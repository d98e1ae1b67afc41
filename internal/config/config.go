package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the sync engine.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Stripe   StripeConfig
	Sync     SyncConfig
	Security SecurityConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds destination Postgres configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	Schema          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN builds the libpq connection string used both for the primary
// pgxpool and for the dedicated database/sql connection golang-migrate
// requires. When DATABASE_URL is set it is returned as-is and the
// discrete host/port/user/password/db fields are not used.
func (c DatabaseConfig) DSN() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.MaxOpenConns,
	)
}

// RedisConfig holds optional distributed-cache configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// StripeConfig holds source-provider credentials and feature flags.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	APIVersion    string
	// AccountID scopes every table row and managed webhook this
	// deployment owns. Defaults to "default" for a single-account
	// deployment; set it to the platform's own Stripe account id when
	// running against a Connect platform so other processes sharing
	// the schema can't collide on it.
	AccountID string
}

// SyncConfig holds synchronization-engine tuning knobs.
type SyncConfig struct {
	AutoExpandLists                bool
	BackfillRelatedEntities        bool
	RevalidateObjectsViaStripeAPI  bool
	KeepWebhooksOnShutdown         bool
	MaxConcurrentObjects           int
	StaleRunInterval               time.Duration
	SignatureToleranceSeconds      int64
	WebhookBaseURL                 string
	PageSize                       int64
	CheckpointEvery                int
	MaxConcurrentPerParentPaginate int
}

// SecurityConfig holds admin-surface authentication configuration.
type SecurityConfig struct {
	APIKey string
}

// Load loads configuration from environment variables. The CLI entry point
// and any interactive/`.env` prompting are external to this package; Load
// only defines and validates the typed surface they populate.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("HOST", "0.0.0.0"),
			Port:         getEnvAsInt("PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "postgres"),
			Schema:          getEnv("SCHEMA", "stripe"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("MAX_POSTGRES_CONNECTIONS", 10),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "30m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Stripe: StripeConfig{
			APIKey:        getEnv("STRIPE_API_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			APIVersion:    getEnv("STRIPE_API_VERSION", ""),
			AccountID:     getEnv("STRIPE_ACCOUNT_ID", "default"),
		},
		Sync: SyncConfig{
			AutoExpandLists:                getEnvAsBool("AUTO_EXPAND_LISTS", true),
			BackfillRelatedEntities:        getEnvAsBool("BACKFILL_RELATED_ENTITIES", true),
			RevalidateObjectsViaStripeAPI:  getEnvAsBool("REVALIDATE_OBJECTS_VIA_STRIPE_API", false),
			KeepWebhooksOnShutdown:         getEnvAsBool("KEEP_WEBHOOKS_ON_SHUTDOWN", false),
			MaxConcurrentObjects:           getEnvAsInt("MAX_CONCURRENT_OBJECTS", 5),
			StaleRunInterval:               getEnvAsDuration("STALE_RUN_INTERVAL", "5m"),
			SignatureToleranceSeconds:      int64(getEnvAsInt("SIGNATURE_TOLERANCE_SECONDS", 300)),
			WebhookBaseURL:                 getEnv("WEBHOOK_BASE_URL", ""),
			PageSize:                       100,
			CheckpointEvery:                100,
			MaxConcurrentPerParentPaginate: 10,
		},
		Security: SecurityConfig{
			APIKey: getEnv("API_KEY", ""),
		},
	}

	if cfg.Database.Password == "" && getEnv("DATABASE_URL", "") == "" {
		return nil, fmt.Errorf("config: DB_PASSWORD or DATABASE_URL is required")
	}
	if cfg.Stripe.APIKey == "" {
		return nil, fmt.Errorf("config: STRIPE_API_KEY is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
