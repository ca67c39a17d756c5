// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	LogLevel    string
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	AWS         AWSConfig
	Payment     PaymentConfig
	Commission  CommissionConfig
	Callback    CallbackConfig
	Cache       CacheConfig
	Email       EmailConfig
	Alerts      AlertConfig
	Queue       QueueConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
	// WebhookRPS limits webhook requests per source IP.
	WebhookRPS   float64
	WebhookBurst int
	CORSOrigins  []string
}

type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	LogLevel     string
}

type JWTConfig struct {
	SecretKey string
	Issuer    string
}

// AWSConfig configures the callback payload archive.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	S3Bucket        string
	ArchivePrefix   string
	LocalArchiveDir string
}

type PaymentConfig struct {
	StripeWebhookSecret string
	StripeAllowedIPs    []string
	Gateways            []GatewayConfig
}

// GatewayConfig describes an HMAC-signed gateway, read from
// GATEWAY_<NAME>_SECRET, GATEWAY_<NAME>_SIGNATURE_HEADER and GATEWAY_<NAME>_ALLOWED_IPS.
type GatewayConfig struct {
	Name            string
	Secret          string
	SignatureHeader string
	AllowedIPs      []string
}

type CommissionConfig struct {
	MaxDepth int
	// RateVersion pins a rate table version; empty follows the active one.
	RateVersion string
	// RateFile loads rates from YAML instead of the rate_entries table.
	RateFile string
}

type CallbackConfig struct {
	Lease          time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	StoreTimeout   time.Duration
	SweepInterval  time.Duration
	SweepBatchSize int
}

type CacheConfig struct {
	Capacity int
	Policy   string
	UserTTL  time.Duration
	RateTTL  time.Duration
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string
}

type AlertConfig struct {
	Recipients []string
}

type QueueConfig struct {
	Enabled    bool
	MaxWorkers int
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
			WebhookRPS:   getEnvAsFloat("WEBHOOK_RATE_LIMIT_RPS", 50),
			WebhookBurst: getEnvAsInt("WEBHOOK_RATE_LIMIT_BURST", 100),
			CORSOrigins:  getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "commission"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
			LogLevel:     getEnv("DB_LOG_LEVEL", "warn"),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			Issuer:    getEnv("JWT_ISSUER", "imi-commission"),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			S3Bucket:        getEnv("AWS_S3_BUCKET", "imi-commission-callbacks"),
			ArchivePrefix:   getEnv("CALLBACK_ARCHIVE_PREFIX", "callbacks"),
			LocalArchiveDir: getEnv("CALLBACK_ARCHIVE_DIR", "./archive"),
		},
		Payment: PaymentConfig{
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			StripeAllowedIPs:    getEnvAsSlice("STRIPE_ALLOWED_IPS", nil),
			Gateways:            loadGateways(getEnvAsSlice("PAYMENT_GATEWAYS", nil)),
		},
		Commission: CommissionConfig{
			MaxDepth:    getEnvAsInt("COMMISSION_MAX_DEPTH", 10),
			RateVersion: getEnv("COMMISSION_RATE_VERSION", ""),
			RateFile:    getEnv("COMMISSION_RATE_FILE", ""),
		},
		Callback: CallbackConfig{
			Lease:          getEnvAsDuration("CALLBACK_LEASE", time.Minute),
			MaxAttempts:    getEnvAsInt("CALLBACK_MAX_ATTEMPTS", 8),
			BaseDelay:      getEnvAsDuration("CALLBACK_RETRY_BASE_DELAY", 30*time.Second),
			MaxDelay:       getEnvAsDuration("CALLBACK_RETRY_MAX_DELAY", 30*time.Minute),
			Multiplier:     getEnvAsFloat("CALLBACK_RETRY_MULTIPLIER", 2),
			StoreTimeout:   getEnvAsDuration("STORE_TIMEOUT", 5*time.Second),
			SweepInterval:  getEnvAsDuration("CALLBACK_SWEEP_INTERVAL", time.Minute),
			SweepBatchSize: getEnvAsInt("CALLBACK_SWEEP_BATCH", 100),
		},
		Cache: CacheConfig{
			Capacity: getEnvAsInt("CACHE_CAPACITY", 10000),
			Policy:   getEnv("CACHE_POLICY", "lru"),
			UserTTL:  getEnvAsDuration("CACHE_USER_TTL", 5*time.Minute),
			RateTTL:  getEnvAsDuration("CACHE_RATE_TTL", 10*time.Minute),
		},
		Email: EmailConfig{
			SMTPHost:     getEnv("SMTP_HOST", ""),
			SMTPPort:     getEnv("SMTP_PORT", "587"),
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			FromEmail:    getEnv("FROM_EMAIL", "noreply@imi-commission.local"),
			FromName:     getEnv("FROM_NAME", "Commission Ledger"),
		},
		Alerts: AlertConfig{
			Recipients: getEnvAsSlice("ALERT_RECIPIENTS", nil),
		},
		Queue: QueueConfig{
			Enabled:    getEnvAsBool("QUEUE_ENABLED", true),
			MaxWorkers: getEnvAsInt("QUEUE_MAX_WORKERS", 10),
		},
	}

	return config, config.Validate()
}

func loadGateways(names []string) []GatewayConfig {
	gateways := make([]GatewayConfig, 0, len(names))
	for _, name := range names {
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		gateways = append(gateways, GatewayConfig{
			Name:            strings.ToLower(name),
			Secret:          getEnv("GATEWAY_"+key+"_SECRET", ""),
			SignatureHeader: getEnv("GATEWAY_"+key+"_SIGNATURE_HEADER", "X-Signature"),
			AllowedIPs:      getEnvAsSlice("GATEWAY_"+key+"_ALLOWED_IPS", nil),
		})
	}
	return gateways
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == "your-secret-key-change-in-production" && c.Environment == "production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Database.Password == "" && c.Environment == "production" {
		return fmt.Errorf("database password is required in production")
	}

	for _, g := range c.Payment.Gateways {
		if g.Secret == "" {
			return fmt.Errorf("gateway %s has no signing secret", g.Name)
		}
	}

	if c.Commission.MaxDepth <= 0 || c.Commission.MaxDepth > 64 {
		return fmt.Errorf("commission max depth must be between 1 and 64, got %d", c.Commission.MaxDepth)
	}

	if c.Callback.MaxAttempts <= 0 {
		return fmt.Errorf("callback max attempts must be positive")
	}

	if c.Callback.Lease <= 0 {
		return fmt.Errorf("callback lease must be positive")
	}

	switch strings.ToLower(c.Cache.Policy) {
	case "lru", "lfu":
	default:
		return fmt.Errorf("unknown cache policy %q", c.Cache.Policy)
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsSlice splits a comma-separated value, dropping empty items.
func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
