package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/framehaus/server/internal/errors"
	"github.com/framehaus/server/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	// Per-IP rate limiting (fallback when no account is identified)
	PerIPEnabled bool
	PerIPLimit   int // requests per window
	PerIPWindow  time.Duration

	// Per-account rate limiting (identified by authenticated photographer)
	PerAccountEnabled bool
	PerAccountLimit   int
	PerAccountWindow  time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible default rate limits.
// These are generous limits designed to stop obvious spam while not restricting legitimate use.
func DefaultConfig() Config {
	return Config{
		// Per-IP: 120 req/min (2 req/sec avg)
		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,

		// Per-account: 60 req/min (1 req/sec avg)
		PerAccountEnabled: true,
		PerAccountLimit:   60,
		PerAccountWindow:  1 * time.Minute,
	}
}

// createRateLimitHandler creates a standardized rate limit handler function.
// The response uses the shared error envelope so clients see the same shape
// as every other error.
func createRateLimitHandler(
	limitType string,
	windowSeconds int,
	extractIdentifier func(*http.Request) string,
	metricsCollector *metrics.Metrics,
) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if extractIdentifier != nil {
			if id := extractIdentifier(r); id != "" {
				identifier = id
			}
		}

		if metricsCollector != nil {
			metricsCollector.ObserveRateLimit(limitType, identifier)
		}

		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		errors.Write(w, errors.CodeRateLimited, "Rate limit exceeded. Please try again later.")
	}
}

// IPLimiter creates a per-IP rate limiter middleware.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}

	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			createRateLimitHandler(
				"per_ip",
				int(cfg.PerIPWindow.Seconds()),
				func(r *http.Request) string { return r.RemoteAddr },
				cfg.Metrics,
			),
		),
	)
}

// AccountLimiter creates a per-photographer rate limiter middleware.
// It keys on the authenticated account header and falls back to IP-based
// limiting for unauthenticated requests.
func AccountLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerAccountEnabled {
		return passthrough
	}

	return httprate.Limit(
		cfg.PerAccountLimit,
		cfg.PerAccountWindow,
		httprate.WithKeyFuncs(accountKeyExtractor),
		httprate.WithLimitHandler(
			createRateLimitHandler(
				"per_account",
				int(cfg.PerAccountWindow.Seconds()),
				extractAccountFromRequest,
				cfg.Metrics,
			),
		),
	)
}

func passthrough(next http.Handler) http.Handler {
	return next
}

// accountKeyExtractor is a httprate.KeyFunc that extracts the photographer
// account from the request.
func accountKeyExtractor(r *http.Request) (string, error) {
	account := extractAccountFromRequest(r)
	if account == "" {
		// Fall back to IP-based limiting
		return httprate.KeyByIP(r)
	}
	return "account:" + account, nil
}

// extractAccountFromRequest returns the authenticated photographer ID, if any.
// The auth middleware sets X-Photographer-ID after validating the bearer token.
func extractAccountFromRequest(r *http.Request) string {
	return r.Header.Get("X-Photographer-ID")
}
