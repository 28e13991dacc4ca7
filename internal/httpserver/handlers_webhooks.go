package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/framehaus/server/internal/appstore"
	apierrors "github.com/framehaus/server/internal/errors"
	"github.com/framehaus/server/internal/logger"
	stripesvc "github.com/framehaus/server/internal/stripe"
	"github.com/framehaus/server/internal/webhookauth"
	"github.com/framehaus/server/pkg/responders"

	"github.com/rs/zerolog"
)

// Webhook contract: the raw body is read before anything parses it, every
// signature is verified over those exact bytes, and a failed verification
// never mutates state. After verification only the payment sink returns
// 5xx (the gateway redelivers on it); the other senders get 2xx even on
// internal failures so they stop retrying.

const maxWebhookBody = 1 << 20 // 1 MiB

func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		apierrors.Write(w, apierrors.CodeBadRequest, "unreadable request body")
		return nil, false
	}
	r.Body.Close()
	return body, true
}

func (h *handlers) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	start := time.Now()

	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}

	event, err := h.stripe.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.rejectWebhook(w, log, "payment", err)
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		if err := h.stripe.HandleCompletion(r.Context(), event); err != nil {
			// 5xx so the gateway redelivers; the correlation key makes the
			// replay a no-op once the grant lands.
			log.Error().Err(err).Str("session_id", event.SessionID).Msg("webhooks.payment.completion_failed")
			h.observeWebhook("payment", event.Type, "error", start)
			apierrors.Write(w, apierrors.CodeInternalError, "temporary failure, please retry")
			return
		}
	case "checkout.session.expired":
		if err := h.stripe.HandleExpiry(r.Context(), event); err != nil {
			log.Error().Err(err).Str("session_id", event.SessionID).Msg("webhooks.payment.expiry_failed")
			h.observeWebhook("payment", event.Type, "error", start)
			apierrors.Write(w, apierrors.CodeInternalError, "temporary failure, please retry")
			return
		}
	default:
		log.Debug().Str("event_type", event.Type).Msg("webhooks.payment.ignored")
	}

	h.observeWebhook("payment", event.Type, "ok", start)
	responders.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

type storeNotification struct {
	SignedPayload string `json:"signedPayload"`
}

func (h *handlers) handleStoreWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	start := time.Now()

	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}

	var envelope storeNotification
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.SignedPayload == "" {
		// Malformed envelopes are acked; redelivery cannot fix them.
		log.Warn().Msg("webhooks.store.malformed_envelope")
		responders.JSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	outcome, err := h.appstore.HandleNotification(r.Context(), envelope.SignedPayload)
	if errors.Is(err, appstore.ErrInvalidSignature) {
		h.rejectWebhook(w, log, "store", err)
		return
	}
	if err != nil {
		// Post-verification failure: ack to stop the store's retry storm,
		// the signed payload is logged for replay by an operator.
		log.Error().Err(err).
			Str("notification_type", outcome.NotificationType).
			Str("transaction_id", outcome.TransactionID).
			Msg("webhooks.store.processing_failed")
		h.observeWebhook("store", outcome.NotificationType, "error", start)
		responders.JSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	log.Info().
		Str("notification_type", outcome.NotificationType).
		Str("action", outcome.Action).
		Str("transaction_id", outcome.TransactionID).
		Msg("webhooks.store.processed")
	h.observeWebhook("store", outcome.NotificationType, "ok", start)
	responders.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *handlers) handleAuthWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	start := time.Now()

	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}

	if err := webhookauth.Verify(h.cfg.Auth.WebhookSecret, body, r.Header.Get("X-Webhook-Signature")); err != nil {
		h.rejectWebhook(w, log, "auth", err)
		return
	}

	if err := h.events.HandleAuthEvent(r.Context(), body); err != nil {
		log.Error().Err(err).Msg("webhooks.auth.processing_failed")
		h.observeWebhook("auth", "user_event", "error", start)
	} else {
		h.observeWebhook("auth", "user_event", "ok", start)
	}
	responders.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *handlers) handleStorageWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	start := time.Now()

	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}

	if err := webhookauth.Verify(h.cfg.ObjectStore.WebhookSecret, body, r.Header.Get("X-Webhook-Signature")); err != nil {
		h.rejectWebhook(w, log, "storage", err)
		return
	}

	if err := h.events.HandleStorageEvent(r.Context(), body); err != nil {
		log.Error().Err(err).Msg("webhooks.storage.processing_failed")
		h.observeWebhook("storage", "object_event", "error", start)
	} else {
		h.observeWebhook("storage", "object_event", "ok", start)
	}
	responders.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *handlers) rejectWebhook(w http.ResponseWriter, log zerolog.Logger, provider string, err error) {
	reason := "signature"
	switch {
	case errors.Is(err, webhookauth.ErrNotConfigured):
		reason = "not_configured"
	case errors.Is(err, stripesvc.ErrInvalidSignature),
		errors.Is(err, webhookauth.ErrInvalidSignature),
		errors.Is(err, appstore.ErrInvalidSignature):
	}

	log.Warn().Err(err).Str("provider", provider).Msg("webhooks.rejected")
	if h.metrics != nil {
		h.metrics.ObserveWebhookReject(provider, reason)
	}
	apierrors.Write(w, apierrors.CodeUnauthorized, "webhook signature verification failed")
}

func (h *handlers) observeWebhook(provider, eventType, status string, start time.Time) {
	if h.metrics != nil {
		h.metrics.ObserveWebhook(provider, eventType, status, time.Since(start))
	}
}
