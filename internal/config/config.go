package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Database: DatabaseConfig{
			Pool: PostgresPoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 5 * time.Minute},
			},
		},
		Stripe: StripeConfig{
			Mode:       "test",
			SuccessURL: "http://localhost:8080/api/checkout/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  "http://localhost:8080/api/checkout/cancel",
		},
		AppStore: AppStoreConfig{
			Environment: "production",
		},
		ObjectStore: ObjectStoreConfig{
			Zone: "auto",
		},
		Uploads: UploadsConfig{
			PresignTTL:       Duration{Duration: 15 * time.Minute},
			MaxContentLength: 100 << 20,
			AllowedContentTypes: []string{
				"image/jpeg",
				"image/png",
				"image/heic",
				"image/webp",
			},
			SizeTolerance: 0,
		},
		Credits: CreditsConfig{
			PriceCentsPerCredit: 49,
			Currency:            "eur",
			PurchaseExpiry:      Duration{Duration: 182 * 24 * time.Hour},
			MinCheckoutCredits:  1,
			MaxCheckoutCredits:  10000,
		},
		Promos: PromoConfig{
			Source:   "yaml",
			CacheTTL: Duration{Duration: 0},
			Codes:    map[string]PromoCode{},
		},
		Retention: RetentionConfig{
			RetentionDays:    30,
			CleanupBatchSize: 200,
			SoftDeleteAt:     "03:00",
			HardDeleteAt:     "04:00",
			WorkerPoll:       Duration{Duration: 5 * time.Second},
			MaxJobAttempts:   5,
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			Enabled:          true,
			PerIPLimit:       120,
			PerIPWindow:      Duration{Duration: 1 * time.Minute},
			PerAccountLimit:  60,
			PerAccountWindow: Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Stripe: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			AppStore: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			ObjectStore: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second}, // Presigning is local, HEAD checks are not
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
