package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Stripe.Mode == "" {
		c.Stripe.Mode = "test"
	}
	if c.AppStore.Environment == "" {
		c.AppStore.Environment = "production"
	}
	if c.ObjectStore.Zone == "" {
		c.ObjectStore.Zone = "auto"
	}
	if c.Uploads.PresignTTL.Duration <= 0 {
		c.Uploads.PresignTTL = Duration{Duration: 15 * time.Minute}
	}
	if c.Uploads.MaxContentLength <= 0 {
		c.Uploads.MaxContentLength = 100 << 20
	}
	if len(c.Uploads.AllowedContentTypes) == 0 {
		c.Uploads.AllowedContentTypes = []string{"image/jpeg", "image/png", "image/heic", "image/webp"}
	}
	if c.Credits.PriceCentsPerCredit <= 0 {
		c.Credits.PriceCentsPerCredit = 49
	}
	if c.Credits.Currency == "" {
		c.Credits.Currency = "eur"
	}
	if c.Credits.PurchaseExpiry.Duration <= 0 {
		c.Credits.PurchaseExpiry = Duration{Duration: 182 * 24 * time.Hour}
	}
	if c.Credits.MinCheckoutCredits <= 0 {
		c.Credits.MinCheckoutCredits = 1
	}
	if c.Credits.MaxCheckoutCredits <= 0 {
		c.Credits.MaxCheckoutCredits = 10000
	}
	if c.Promos.Source == "" {
		c.Promos.Source = "yaml"
	}
	if c.Promos.Codes == nil {
		c.Promos.Codes = map[string]PromoCode{}
	}
	if c.Retention.RetentionDays <= 0 {
		c.Retention.RetentionDays = 30
	}
	if c.Retention.CleanupBatchSize <= 0 {
		c.Retention.CleanupBatchSize = 200
	}
	if c.Retention.WorkerPoll.Duration <= 0 {
		c.Retention.WorkerPoll = Duration{Duration: 5 * time.Second}
	}
	if c.Retention.MaxJobAttempts <= 0 {
		c.Retention.MaxJobAttempts = 5
	}
	if c.Retention.SoftDeleteAt == "" {
		c.Retention.SoftDeleteAt = "03:00"
	}
	if c.Retention.HardDeleteAt == "" {
		c.Retention.HardDeleteAt = "04:00"
	}

	// Normalize promo codes: key doubles as the code when the field is omitted.
	for key, code := range c.Promos.Codes {
		if code.Code == "" {
			code.Code = key
		}
		code.Code = strings.ToUpper(strings.TrimSpace(code.Code))
		c.Promos.Codes[key] = code
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		errs = append(errs, "stripe.webhook_secret is required when stripe.secret_key is set")
	}

	if c.AppStore.BundleID != "" {
		switch c.AppStore.Environment {
		case "sandbox", "production":
		default:
			errs = append(errs, fmt.Sprintf("app_store.environment must be 'sandbox' or 'production', got %q", c.AppStore.Environment))
		}
	}

	if c.ObjectStore.Bucket != "" {
		if c.ObjectStore.AccountID == "" {
			errs = append(errs, "object_store.account_id is required when object_store.bucket is set")
		}
		if c.ObjectStore.AccessKeyID == "" || c.ObjectStore.SecretAccessKey == "" {
			errs = append(errs, "object_store.access_key_id and object_store.secret_access_key are required when object_store.bucket is set")
		}
	}

	if c.Credits.MinCheckoutCredits > c.Credits.MaxCheckoutCredits {
		errs = append(errs, fmt.Sprintf("credits.min_checkout_credits (%d) exceeds credits.max_checkout_credits (%d)",
			c.Credits.MinCheckoutCredits, c.Credits.MaxCheckoutCredits))
	}

	switch c.Promos.Source {
	case "yaml", "postgres", "disabled":
	default:
		errs = append(errs, fmt.Sprintf("promos.source must be 'yaml', 'postgres', or 'disabled', got %q", c.Promos.Source))
	}
	if c.Promos.Source == "postgres" && c.Database.URL == "" {
		errs = append(errs, "database.url is required when promos.source is 'postgres'")
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"retention.soft_delete_at", c.Retention.SoftDeleteAt},
		{"retention.hard_delete_at", c.Retention.HardDeleteAt},
	} {
		if _, err := time.Parse("15:04", field.value); err != nil {
			errs = append(errs, fmt.Sprintf("%s must be a HH:MM wall-clock time, got %q", field.name, field.value))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25 // default
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5 // default
	}

	// Validate: maxIdle cannot exceed maxOpen
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute // default
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
