package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("Server.Address = %q, want :8080", cfg.Server.Address)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Uploads.PresignTTL.Duration != 15*time.Minute {
		t.Errorf("Uploads.PresignTTL = %v, want 15m", cfg.Uploads.PresignTTL.Duration)
	}
	if cfg.Credits.PriceCentsPerCredit != 49 {
		t.Errorf("Credits.PriceCentsPerCredit = %d, want 49", cfg.Credits.PriceCentsPerCredit)
	}
	if cfg.Retention.RetentionDays != 30 {
		t.Errorf("Retention.RetentionDays = %d, want 30", cfg.Retention.RetentionDays)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = false, want true by default")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	content := `
server:
  address: ":9090"
  read_timeout: 30s
logging:
  level: debug
  format: console
uploads:
  presign_ttl: 10m
  max_content_length: 52428800
  allowed_content_types:
    - image/jpeg
credits:
  price_cents_per_credit: 99
  currency: usd
promos:
  source: yaml
  codes:
    welcome10:
      kind: discount
      percent_off: 10
      active: true
retention:
  retention_days: 14
  soft_delete_at: "02:30"
`
	path := writeTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Errorf("Server.Address = %q, want :9090", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout.Duration != 30*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 30s", cfg.Server.ReadTimeout.Duration)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Uploads.MaxContentLength != 52428800 {
		t.Errorf("Uploads.MaxContentLength = %d, want 52428800", cfg.Uploads.MaxContentLength)
	}
	if cfg.Credits.Currency != "usd" {
		t.Errorf("Credits.Currency = %q, want usd", cfg.Credits.Currency)
	}
	if cfg.Retention.RetentionDays != 14 {
		t.Errorf("Retention.RetentionDays = %d, want 14", cfg.Retention.RetentionDays)
	}

	promo, ok := cfg.Promos.Codes["welcome10"]
	if !ok {
		t.Fatal("promo code welcome10 missing")
	}
	if promo.Code != "WELCOME10" {
		t.Errorf("promo.Code = %q, want WELCOME10 (key adopted and upper-cased)", promo.Code)
	}
	if promo.PercentOff != 10 {
		t.Errorf("promo.PercentOff = %d, want 10", promo.PercentOff)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FRAMEHAUS_SERVER_ADDRESS", ":7070")
	t.Setenv("FRAMEHAUS_DATABASE_URL", "postgres://localhost/framehaus_test")
	t.Setenv("FRAMEHAUS_STRIPE_SECRET_KEY", "sk_test_abc")
	t.Setenv("FRAMEHAUS_STRIPE_WEBHOOK_SECRET", "whsec_abc")
	t.Setenv("FRAMEHAUS_UPLOADS_PRESIGN_TTL", "5m")
	t.Setenv("FRAMEHAUS_CREDITS_PRICE_CENTS", "75")
	t.Setenv("FRAMEHAUS_RATE_LIMIT_ENABLED", "false")
	t.Setenv("FRAMEHAUS_CORS_ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":7070" {
		t.Errorf("Server.Address = %q, want :7070", cfg.Server.Address)
	}
	if cfg.Database.URL != "postgres://localhost/framehaus_test" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.Stripe.SecretKey != "sk_test_abc" {
		t.Errorf("Stripe.SecretKey = %q", cfg.Stripe.SecretKey)
	}
	if cfg.Uploads.PresignTTL.Duration != 5*time.Minute {
		t.Errorf("Uploads.PresignTTL = %v, want 5m", cfg.Uploads.PresignTTL.Duration)
	}
	if cfg.Credits.PriceCentsPerCredit != 75 {
		t.Errorf("Credits.PriceCentsPerCredit = %d, want 75", cfg.Credits.PriceCentsPerCredit)
	}
	if cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = true, want false from env override")
	}
	if len(cfg.Server.CORSAllowedOrigins) != 2 || cfg.Server.CORSAllowedOrigins[1] != "https://admin.example.com" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.Server.CORSAllowedOrigins)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "stripe key without webhook secret",
			yaml: `
stripe:
  secret_key: sk_test_abc
`,
			wantErr: "stripe.webhook_secret",
		},
		{
			name: "bad app store environment",
			yaml: `
app_store:
  bundle_id: haus.frame.app
  environment: staging
`,
			wantErr: "app_store.environment",
		},
		{
			name: "bucket without credentials",
			yaml: `
object_store:
  bucket: photos
  account_id: acct
`,
			wantErr: "object_store.access_key_id",
		},
		{
			name: "postgres promos without database url",
			yaml: `
promos:
  source: postgres
`,
			wantErr: "database.url",
		},
		{
			name: "bad wall-clock time",
			yaml: `
retention:
  soft_delete_at: "25:99"
`,
			wantErr: "retention.soft_delete_at",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestDuration_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{`"5m"`, 5 * time.Minute},
		{`"1h30m"`, 90 * time.Minute},
		{`"45"`, 45 * time.Second}, // bare numbers read as seconds
		{`""`, 0},
	}

	for _, tt := range tests {
		var d Duration
		if err := yaml.Unmarshal([]byte(tt.input), &d); err != nil {
			t.Errorf("Unmarshal(%s) error = %v", tt.input, err)
			continue
		}
		if d.Duration != tt.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.input, d.Duration, tt.want)
		}
	}

	var d Duration
	if err := yaml.Unmarshal([]byte(`"not-a-duration"`), &d); err == nil {
		t.Error("Unmarshal(not-a-duration) expected error")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}
