package idempotency

import (
	"bytes"
	"net/http"
	"time"
)

const (
	// HeaderKey is the standard idempotency key header
	HeaderKey = "Idempotency-Key"

	// HeaderAccount carries the authenticated photographer ID, set by the
	// auth middleware. Keys are scoped to it so two accounts can never
	// collide on the same client-chosen key.
	HeaderAccount = "X-Photographer-ID"

	// DefaultTTL is the default cache duration for idempotent responses (24 hours)
	DefaultTTL = 24 * time.Hour
)

// responseWriter wraps http.ResponseWriter to capture response details
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	headers    map[string]string
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
		headers:        make(map[string]string),
	}
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// captureHeaders captures all headers that were set before WriteHeader was called
func (rw *responseWriter) captureHeaders() {
	for key := range rw.ResponseWriter.Header() {
		rw.headers[key] = rw.ResponseWriter.Header().Get(key)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.body.Write(b) // Capture body for caching
	return rw.ResponseWriter.Write(b)
}

// Middleware creates idempotency middleware for mutating endpoints such as
// presign creation and checkout. Requests without an Idempotency-Key header
// pass through untouched.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Scope the key by account, method and path to prevent
			// cross-endpoint and cross-account collisions.
			key := r.Header.Get(HeaderAccount) + ":" + r.Method + ":" + r.URL.Path + ":" + rawKey

			cached, found := store.Get(r.Context(), key)
			if found {
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("X-Idempotency-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				w.Write(cached.Body)
				return
			}

			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			// Cache successful responses (2xx status codes)
			if rw.statusCode >= 200 && rw.statusCode < 300 {
				rw.captureHeaders()

				response := &Response{
					StatusCode: rw.statusCode,
					Headers:    rw.headers,
					Body:       rw.body.Bytes(),
					CachedAt:   time.Now(),
				}

				store.Set(r.Context(), key, response, ttl)
			}
		})
	}
}
