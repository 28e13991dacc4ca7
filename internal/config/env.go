package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use FRAMEHAUS_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "FRAMEHAUS_SERVER_ADDRESS")
	setIfEnv(&c.Server.FrontendBaseURL, "FRAMEHAUS_FRONTEND_BASE_URL")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "FRAMEHAUS_ADMIN_METRICS_API_KEY")
	if v := os.Getenv("FRAMEHAUS_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitAndTrim(v)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "FRAMEHAUS_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "FRAMEHAUS_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "FRAMEHAUS_ENVIRONMENT")

	// Database config
	setIfEnv(&c.Database.URL, "FRAMEHAUS_DATABASE_URL")
	setIntIfEnv(&c.Database.Pool.MaxOpenConns, "FRAMEHAUS_DATABASE_MAX_OPEN_CONNS")
	setIntIfEnv(&c.Database.Pool.MaxIdleConns, "FRAMEHAUS_DATABASE_MAX_IDLE_CONNS")
	setDurationIfEnv(&c.Database.Pool.ConnMaxLifetime, "FRAMEHAUS_DATABASE_CONN_MAX_LIFETIME")

	// Stripe config
	setIfEnv(&c.Stripe.SecretKey, "FRAMEHAUS_STRIPE_SECRET_KEY")
	setIfEnv(&c.Stripe.WebhookSecret, "FRAMEHAUS_STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Stripe.SuccessURL, "FRAMEHAUS_STRIPE_SUCCESS_URL")
	setIfEnv(&c.Stripe.CancelURL, "FRAMEHAUS_STRIPE_CANCEL_URL")
	setIfEnv(&c.Stripe.Mode, "FRAMEHAUS_STRIPE_MODE")

	// App Store config
	setIfEnv(&c.AppStore.RootCertPEM, "FRAMEHAUS_APPSTORE_ROOT_CERT")
	setIfEnv(&c.AppStore.BundleID, "FRAMEHAUS_APPSTORE_BUNDLE_ID")
	setIfEnv(&c.AppStore.Environment, "FRAMEHAUS_APPSTORE_ENVIRONMENT")
	setIfEnv(&c.AppStore.IssuerID, "FRAMEHAUS_APPSTORE_ISSUER_ID")
	setIfEnv(&c.AppStore.KeyID, "FRAMEHAUS_APPSTORE_KEY_ID")
	setIfEnv(&c.AppStore.PrivateKey, "FRAMEHAUS_APPSTORE_PRIVATE_KEY")

	// Auth provider config
	setIfEnv(&c.Auth.WebhookSecret, "FRAMEHAUS_AUTH_WEBHOOK_SECRET")
	setInt64IfEnv(&c.Auth.SignupBonusCredits, "FRAMEHAUS_AUTH_SIGNUP_BONUS_CREDITS")

	// Object store config
	setIfEnv(&c.ObjectStore.AccountID, "FRAMEHAUS_OBJECTSTORE_ACCOUNT_ID")
	setIfEnv(&c.ObjectStore.AccessKeyID, "FRAMEHAUS_OBJECTSTORE_ACCESS_KEY_ID")
	setIfEnv(&c.ObjectStore.SecretAccessKey, "FRAMEHAUS_OBJECTSTORE_SECRET_ACCESS_KEY")
	setIfEnv(&c.ObjectStore.Bucket, "FRAMEHAUS_OBJECTSTORE_BUCKET")
	setIfEnv(&c.ObjectStore.Zone, "FRAMEHAUS_OBJECTSTORE_ZONE")
	setIfEnv(&c.ObjectStore.WebhookSecret, "FRAMEHAUS_OBJECTSTORE_WEBHOOK_SECRET")

	// Uploads config
	setDurationIfEnv(&c.Uploads.PresignTTL, "FRAMEHAUS_UPLOADS_PRESIGN_TTL")
	setInt64IfEnv(&c.Uploads.MaxContentLength, "FRAMEHAUS_UPLOADS_MAX_CONTENT_LENGTH")
	if v := os.Getenv("FRAMEHAUS_UPLOADS_ALLOWED_CONTENT_TYPES"); v != "" {
		c.Uploads.AllowedContentTypes = splitAndTrim(v)
	}

	// Credits config
	setInt64IfEnv(&c.Credits.PriceCentsPerCredit, "FRAMEHAUS_CREDITS_PRICE_CENTS")
	setIfEnv(&c.Credits.Currency, "FRAMEHAUS_CREDITS_CURRENCY")
	setDurationIfEnv(&c.Credits.PurchaseExpiry, "FRAMEHAUS_CREDITS_PURCHASE_EXPIRY")

	// Promo config
	setIfEnv(&c.Promos.Source, "FRAMEHAUS_PROMO_SOURCE")
	setDurationIfEnv(&c.Promos.CacheTTL, "FRAMEHAUS_PROMO_CACHE_TTL")

	// Retention config
	setIntIfEnv(&c.Retention.RetentionDays, "FRAMEHAUS_RETENTION_DAYS")
	setIntIfEnv(&c.Retention.CleanupBatchSize, "FRAMEHAUS_RETENTION_BATCH_SIZE")
	setIfEnv(&c.Retention.SoftDeleteAt, "FRAMEHAUS_RETENTION_SOFT_DELETE_AT")
	setIfEnv(&c.Retention.HardDeleteAt, "FRAMEHAUS_RETENTION_HARD_DELETE_AT")
	setDurationIfEnv(&c.Retention.WorkerPoll, "FRAMEHAUS_RETENTION_WORKER_POLL")

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.Enabled, "FRAMEHAUS_RATE_LIMIT_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "FRAMEHAUS_RATE_LIMIT_PER_IP")
	setIntIfEnv(&c.RateLimit.PerAccountLimit, "FRAMEHAUS_RATE_LIMIT_PER_ACCOUNT")

	// Circuit breaker config
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "FRAMEHAUS_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// splitAndTrim splits a comma-separated list and trims whitespace from each entry.
func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
