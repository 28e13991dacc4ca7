package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Database       DatabaseConfig       `yaml:"database"`
	Stripe         StripeConfig         `yaml:"stripe"`
	AppStore       AppStoreConfig       `yaml:"app_store"`
	Auth           AuthConfig           `yaml:"auth"`
	ObjectStore    ObjectStoreConfig    `yaml:"object_store"`
	Uploads        UploadsConfig        `yaml:"uploads"`
	Credits        CreditsConfig        `yaml:"credits"`
	Promos         PromoConfig          `yaml:"promos"`
	Retention      RetentionConfig      `yaml:"retention"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	FrontendBaseURL    string   `yaml:"frontend_base_url"`     // Checkout redirect target
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional key protecting /metrics
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	URL  string             `yaml:"url"`
	Pool PostgresPoolConfig `yaml:"pool"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Default: 25
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Default: 5
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Default: 5m
}

// StripeConfig holds payment gateway integration configuration.
type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	SuccessURL    string `yaml:"success_url"`
	CancelURL     string `yaml:"cancel_url"`
	Mode          string `yaml:"mode"` // live | test
}

// AppStoreConfig holds mobile store server-notification configuration.
type AppStoreConfig struct {
	RootCertPEM string `yaml:"root_cert"`   // Apple root CA, PEM; baked-in default used when empty
	BundleID    string `yaml:"bundle_id"`   // Expected bundle for notification payloads
	Environment string `yaml:"environment"` // sandbox | production
	IssuerID    string `yaml:"issuer_id"`   // App Store Connect API issuer (consumption responses)
	KeyID       string `yaml:"key_id"`      // App Store Connect API key id
	PrivateKey  string `yaml:"private_key"` // P8 key content for the server API
}

// AuthConfig holds auth-provider webhook configuration.
type AuthConfig struct {
	WebhookSecret      string `yaml:"webhook_secret"`       // HMAC secret for user lifecycle events
	SignupBonusCredits int64  `yaml:"signup_bonus_credits"` // Granted once per new photographer (0 = disabled)
}

// ObjectStoreConfig holds S3-compatible object storage configuration (R2).
type ObjectStoreConfig struct {
	AccountID       string `yaml:"account_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	Zone            string `yaml:"zone"` // Signing region; R2 uses "auto"
	WebhookSecret   string `yaml:"webhook_secret"`
}

// UploadsConfig holds upload intent configuration.
type UploadsConfig struct {
	PresignTTL          Duration `yaml:"presign_ttl"`           // Presigned URL validity (default: 15m)
	MaxContentLength    int64    `yaml:"max_content_length"`    // Max object size in bytes (default: 100 MiB)
	AllowedContentTypes []string `yaml:"allowed_content_types"` // image/jpeg etc.
	SizeTolerance       int64    `yaml:"size_tolerance"`        // Allowed byte drift between declared and stored size
}

// CreditsConfig holds credit grant configuration.
type CreditsConfig struct {
	PriceCentsPerCredit int64    `yaml:"price_cents_per_credit"` // Checkout rate (default: 49)
	Currency            string   `yaml:"currency"`               // Default: "eur"
	PurchaseExpiry      Duration `yaml:"purchase_expiry"`        // Store purchases expire after this (default: ~6 months)
	MinCheckoutCredits  int64    `yaml:"min_checkout_credits"`
	MaxCheckoutCredits  int64    `yaml:"max_checkout_credits"`
}

// PromoConfig holds promo code source configuration.
type PromoConfig struct {
	Source   string               `yaml:"source"`    // "postgres", "yaml", or "disabled"
	CacheTTL Duration             `yaml:"cache_ttl"` // Short validation cache (0 = no cache)
	Codes    map[string]PromoCode `yaml:"codes"`     // Only used when Source = "yaml"
}

// PromoCode defines a gift or discount code in YAML configuration.
type PromoCode struct {
	Code                  string   `yaml:"code"`
	Kind                  string   `yaml:"kind"` // gift | discount
	GrantCredits          int64    `yaml:"grant_credits"`
	GrantExpiry           Duration `yaml:"grant_expiry"`
	PercentOff            int      `yaml:"percent_off"`
	AmountOffCents        int64    `yaml:"amount_off_cents"`
	ExpiresAt             string   `yaml:"expires_at"` // RFC3339
	MaxRedemptions        int      `yaml:"max_redemptions"`
	MaxRedemptionsPerUser int      `yaml:"max_redemptions_per_user"`
	TargetPhotographerIDs []string `yaml:"target_photographer_ids"`
	Active                bool     `yaml:"active"`
}

// RetentionConfig holds cleanup scheduler configuration.
type RetentionConfig struct {
	RetentionDays    int      `yaml:"retention_days"`     // Soft-deleted data kept this long (default: 30)
	CleanupBatchSize int      `yaml:"cleanup_batch_size"` // Max jobs enqueued per tick (default: 200)
	SoftDeleteAt     string   `yaml:"soft_delete_at"`     // Wall-clock HH:MM for the soft-delete producer
	HardDeleteAt     string   `yaml:"hard_delete_at"`     // Wall-clock HH:MM for the hard-delete producer
	WorkerPoll       Duration `yaml:"worker_poll"`        // Queue poll interval (default: 5s)
	MaxJobAttempts   int      `yaml:"max_job_attempts"`   // Default: 5
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled            bool     `yaml:"enabled"`
	PerIPLimit         int      `yaml:"per_ip_limit"`
	PerIPWindow        Duration `yaml:"per_ip_window"`
	PerAccountLimit    int      `yaml:"per_account_limit"`
	PerAccountWindow   Duration `yaml:"per_account_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled     bool                 `yaml:"enabled"`
	Stripe      BreakerServiceConfig `yaml:"stripe"`
	AppStore    BreakerServiceConfig `yaml:"app_store"`
	ObjectStore BreakerServiceConfig `yaml:"object_store"`
}

// BreakerServiceConfig configures a circuit breaker for one external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}
