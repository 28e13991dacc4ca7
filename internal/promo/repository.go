// Package promo resolves gift and discount codes. Gift codes grant credits
// directly on redemption; discount codes adjust checkout pricing. Redemption
// caps are enforced through promo usage rows whose unique indexes make
// concurrent redemptions race-safe.
package promo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/framehaus/server/internal/config"
)

// Kind distinguishes the two promo code behaviors.
type Kind string

const (
	KindGift     Kind = "gift"
	KindDiscount Kind = "discount"
)

// Code is a resolved promo code definition.
type Code struct {
	Code                  string
	Kind                  Kind
	GrantCredits          int64
	GrantExpiry           time.Duration
	PercentOff            int
	AmountOffCents        int64
	ExpiresAt             *time.Time
	MaxRedemptions        int // 0 = unlimited
	MaxRedemptionsPerUser int // 0 = default of 1
	TargetPhotographerIDs []string
	Active                bool
}

// PerUserCap returns the per-user redemption cap, defaulting to one.
func (c Code) PerUserCap() int {
	if c.MaxRedemptionsPerUser <= 0 {
		return 1
	}
	return c.MaxRedemptionsPerUser
}

// ErrUnknownCode is returned when no definition matches the code.
var ErrUnknownCode = errors.New("promo: unknown code")

// Repository looks up promo code definitions by code.
type Repository interface {
	Lookup(ctx context.Context, code string) (Code, error)
}

// NewRepository builds a repository from configuration. The "disabled"
// source resolves nothing.
func NewRepository(cfg config.PromoConfig, db *sql.DB) (Repository, error) {
	var repo Repository
	switch cfg.Source {
	case "", "disabled":
		return disabledRepository{}, nil
	case "yaml":
		repo = NewConfigRepository(cfg.Codes)
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("promo: postgres source requires a database")
		}
		pg, err := NewPostgresRepository(db)
		if err != nil {
			return nil, err
		}
		repo = pg
	default:
		return nil, fmt.Errorf("promo: unknown source %q", cfg.Source)
	}
	if ttl := cfg.CacheTTL.Duration; ttl > 0 {
		repo = NewCachedRepository(repo, ttl)
	}
	return repo, nil
}

type disabledRepository struct{}

func (disabledRepository) Lookup(context.Context, string) (Code, error) {
	return Code{}, ErrUnknownCode
}

// ConfigRepository serves codes defined in the YAML configuration file.
type ConfigRepository struct {
	codes map[string]Code
}

// NewConfigRepository builds a repository from configured code definitions.
// Codes are matched case-insensitively.
func NewConfigRepository(defs map[string]config.PromoCode) *ConfigRepository {
	codes := make(map[string]Code, len(defs))
	for key, def := range defs {
		code := def.Code
		if code == "" {
			code = key
		}
		resolved := Code{
			Code:                  strings.ToUpper(code),
			Kind:                  Kind(def.Kind),
			GrantCredits:          def.GrantCredits,
			GrantExpiry:           def.GrantExpiry.Duration,
			PercentOff:            def.PercentOff,
			AmountOffCents:        def.AmountOffCents,
			MaxRedemptions:        def.MaxRedemptions,
			MaxRedemptionsPerUser: def.MaxRedemptionsPerUser,
			TargetPhotographerIDs: def.TargetPhotographerIDs,
			Active:                def.Active,
		}
		if def.ExpiresAt != "" {
			if at, err := time.Parse(time.RFC3339, def.ExpiresAt); err == nil {
				resolved.ExpiresAt = &at
			}
		}
		codes[strings.ToUpper(code)] = resolved
	}
	return &ConfigRepository{codes: codes}
}

func (r *ConfigRepository) Lookup(_ context.Context, code string) (Code, error) {
	resolved, ok := r.codes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Code{}, ErrUnknownCode
	}
	return resolved, nil
}

// PostgresRepository serves codes from a promo_codes table, letting
// operators add codes without a deploy.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates the repository and its table if missing.
func NewPostgresRepository(db *sql.DB) (*PostgresRepository, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS promo_codes (
			code TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			grant_credits BIGINT NOT NULL DEFAULT 0,
			grant_expiry_seconds BIGINT NOT NULL DEFAULT 0,
			percent_off INTEGER NOT NULL DEFAULT 0,
			amount_off_cents BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ,
			max_redemptions INTEGER NOT NULL DEFAULT 0,
			max_redemptions_per_user INTEGER NOT NULL DEFAULT 1,
			target_photographer_ids TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("create promo_codes table: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) Lookup(ctx context.Context, code string) (Code, error) {
	var (
		resolved      Code
		kind          string
		expirySeconds int64
		expiresAt     sql.NullTime
		targets       string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT code, kind, grant_credits, grant_expiry_seconds, percent_off, amount_off_cents,
			expires_at, max_redemptions, max_redemptions_per_user, target_photographer_ids, active
		FROM promo_codes
		WHERE code = UPPER($1)
	`, strings.TrimSpace(code)).Scan(
		&resolved.Code, &kind, &resolved.GrantCredits, &expirySeconds,
		&resolved.PercentOff, &resolved.AmountOffCents, &expiresAt,
		&resolved.MaxRedemptions, &resolved.MaxRedemptionsPerUser, &targets, &resolved.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Code{}, ErrUnknownCode
	}
	if err != nil {
		return Code{}, fmt.Errorf("lookup promo code: %w", err)
	}
	resolved.Kind = Kind(kind)
	resolved.GrantExpiry = time.Duration(expirySeconds) * time.Second
	if expiresAt.Valid {
		at := expiresAt.Time
		resolved.ExpiresAt = &at
	}
	if targets != "" {
		resolved.TargetPhotographerIDs = strings.Split(targets, ",")
	}
	return resolved, nil
}

// CachedRepository caches lookups for a short TTL so hot codes do not hit
// the backing store on every checkout preview.
type CachedRepository struct {
	inner Repository
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	code      Code
	err       error
	expiresAt time.Time
}

// NewCachedRepository wraps a repository with a TTL cache. Negative results
// are cached too, which keeps brute-force code guessing off the database.
func NewCachedRepository(inner Repository, ttl time.Duration) *CachedRepository {
	return &CachedRepository{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (r *CachedRepository) Lookup(ctx context.Context, code string) (Code, error) {
	key := strings.ToUpper(strings.TrimSpace(code))

	r.mu.Lock()
	if entry, ok := r.entries[key]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.code, entry.err
	}
	r.mu.Unlock()

	resolved, err := r.inner.Lookup(ctx, code)
	if err != nil && !errors.Is(err, ErrUnknownCode) {
		// Transient backend errors are not cached.
		return Code{}, err
	}

	r.mu.Lock()
	r.entries[key] = cacheEntry{code: resolved, err: err, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return resolved, err
}
