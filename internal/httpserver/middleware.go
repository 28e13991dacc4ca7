package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/framehaus/server/internal/errors"
)

// headerPhotographer carries the authenticated photographer ID. The auth
// gateway in front of this service validates the bearer token and injects
// the header; an empty value means the request is unauthenticated.
const headerPhotographer = "X-Photographer-ID"

// securityHeaders adds baseline security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requirePhotographer rejects requests without an authenticated account.
func requirePhotographer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerPhotographer) == "" {
			apierrors.Write(w, apierrors.CodeUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// photographerID returns the authenticated account for the request.
func photographerID(r *http.Request) string {
	return r.Header.Get(headerPhotographer)
}

// adminAuth guards operator endpoints with the configured API key. With no
// key configured the endpoints stay open, which is only acceptable in
// development setups.
func adminAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" {
				provided := r.Header.Get("X-API-Key")
				if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
					apierrors.Write(w, apierrors.CodeUnauthorized, "invalid api key")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
