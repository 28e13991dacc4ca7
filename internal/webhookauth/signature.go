// Package webhookauth verifies and dispatches the HMAC-signed webhooks:
// auth-provider user lifecycle events and object-storage completion events.
// Both providers sign the raw request body with HMAC-SHA256; verification
// must run over the exact bytes received, before any parser touches them.
package webhookauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidSignature is returned when the signature header does not match
// the body. The webhook layer answers these with an authentication failure
// and must not mutate state.
var ErrInvalidSignature = errors.New("webhookauth: invalid signature")

// ErrNotConfigured is returned when no secret is configured for the source.
var ErrNotConfigured = errors.New("webhookauth: webhook secret not configured")

// Sign computes the hex HMAC-SHA256 of the body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature header against the raw body. An optional
// "sha256=" prefix on the header value is accepted.
func Verify(secret string, body []byte, signature string) error {
	if secret == "" {
		return ErrNotConfigured
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return ErrInvalidSignature
	}
	expected := Sign(secret, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}
