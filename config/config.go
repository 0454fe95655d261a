package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig
	DB      DatabaseConfig
	JWT     JWTConfig
	Log     LogConfig
	Redis   RedisConfig
	Tenancy TenancyConfig
	Email   EmailConfig
	Storage StorageConfig
	Stripe  StripeConfig
	Tracing TracingConfig
	Sentry  SentryConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port             string
	Env              string
	APIRatePerMinute int
}

// DatabaseConfig holds the control-plane database configuration
type DatabaseConfig struct {
	Driver       string
	DSN          string
	MaxIdleConns int
	MaxOpenConns int
	LogLevel     string
}

// JWTConfig holds portal admin token configuration
type JWTConfig struct {
	SigningKey     string
	ExpirationTime time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// RedisConfig holds the tenant resolution cache configuration
type RedisConfig struct {
	URL string
	TTL time.Duration
}

// TenancyConfig holds tenant onboarding defaults
type TenancyConfig struct {
	BaseDomain          string
	DSNTemplate         string
	TrialDays           int
	OnboardingTrialDays int
	TrialCredits        int64
	DefaultPhoneRegion  string
}

// EmailConfig holds welcome notification configuration
type EmailConfig struct {
	SendGridAPIKey string
	From           string
	FromName       string
}

// StorageConfig holds tenant bucket configuration
type StorageConfig struct {
	Backend         string
	BucketPrefix    string
	AWSRegion       string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// StripeConfig holds external billing configuration
type StripeConfig struct {
	SecretKey string
}

// TracingConfig holds aeonis tracer configuration
type TracingConfig struct {
	ServiceName string
	Endpoint    string
	APIKey      string
}

// SentryConfig holds error reporting configuration
type SentryConfig struct {
	DSN string
}

// Load loads the application configuration from environment variables
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:             getEnv("SERVER_PORT", "8081"),
			Env:              getEnv("APP_ENV", "development"),
			APIRatePerMinute: getEnvAsInt("API_RATE_PER_MINUTE", 120),
		},
		DB: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "postgres"),
			DSN:          getEnv("DB_DSN", "host=localhost user=postgres password=postgres dbname=schoolhub port=5432 sslmode=disable"),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 50),
			LogLevel:     getEnv("DB_LOG_LEVEL", "warn"),
		},
		JWT: JWTConfig{
			SigningKey:     getEnv("JWT_SIGNING_KEY", "schoolhub-dev-signing-key"),
			ExpirationTime: time.Duration(getEnvAsInt("JWT_EXPIRATION_HOURS", 24)) * time.Hour,
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
			TTL: getEnvAsDuration("REDIS_TENANT_TTL", 5*time.Minute),
		},
		Tenancy: TenancyConfig{
			BaseDomain:          getEnv("TENANT_BASE_DOMAIN", "schoolhub.app"),
			DSNTemplate:         getEnv("TENANT_DSN_TEMPLATE", ""),
			TrialDays:           getEnvAsInt("TRIAL_DAYS", 30),
			OnboardingTrialDays: getEnvAsInt("ONBOARDING_TRIAL_DAYS", 14),
			TrialCredits:        int64(getEnvAsInt("TRIAL_CREDITS", 1000)),
			DefaultPhoneRegion:  getEnv("DEFAULT_PHONE_REGION", "IN"),
		},
		Email: EmailConfig{
			SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
			From:           getEnv("EMAIL_FROM", "noreply@schoolhub.app"),
			FromName:       getEnv("EMAIL_FROM_NAME", "SchoolHub"),
		},
		Storage: StorageConfig{
			Backend:         getEnv("STORAGE_BACKEND", "database"),
			BucketPrefix:    getEnv("S3_BUCKET_PREFIX", "schoolhub"),
			AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
		},
		Stripe: StripeConfig{
			SecretKey: getEnv("STRIPE_SECRET_KEY", ""),
		},
		Tracing: TracingConfig{
			ServiceName: getEnv("AEONIS_SERVICE_NAME", "schoolhub"),
			Endpoint:    getEnv("AEONIS_ENDPOINT", "http://localhost:8000/v1/traces"),
			APIKey:      getEnv("AEONIS_API_KEY", ""),
		},
		Sentry: SentryConfig{
			DSN: getEnv("SENTRY_DSN", ""),
		},
	}
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
