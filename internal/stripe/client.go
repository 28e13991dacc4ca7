// Package stripe wraps stripe-go for credit purchases: checkout session
// creation with promo discounts, signed webhook parsing and completion
// handling that grants the purchased credits.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/framehaus/server/internal/circuitbreaker"
	"github.com/framehaus/server/internal/config"
	"github.com/framehaus/server/internal/ledger"
	"github.com/framehaus/server/internal/logger"
	"github.com/framehaus/server/internal/metrics"
	"github.com/framehaus/server/internal/promo"
	"github.com/framehaus/server/internal/storage"
)

// ErrInvalidCreditAmount is returned for checkout amounts outside the
// configured bounds.
var ErrInvalidCreditAmount = errors.New("stripe: credit amount out of bounds")

// ErrInvalidSignature is returned when the webhook signature does not
// verify against the endpoint secret.
var ErrInvalidSignature = errors.New("stripe: invalid webhook signature")

// Client wraps stripe-go operations used by the server.
type Client struct {
	cfg      config.StripeConfig
	credits  config.CreditsConfig
	ledger   *ledger.Service
	promos   *promo.Resolver
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
}

// NewClient sets up stripe-go with the provided credentials.
func NewClient(cfg config.StripeConfig, credits config.CreditsConfig, ledgerSvc *ledger.Service, promos *promo.Resolver, breakers *circuitbreaker.Manager, m *metrics.Metrics) *Client {
	stripeapi.Key = cfg.SecretKey
	return &Client{
		cfg:      cfg,
		credits:  credits,
		ledger:   ledgerSvc,
		promos:   promos,
		breakers: breakers,
		metrics:  m,
	}
}

// CheckoutRequest asks for a credit purchase session.
type CheckoutRequest struct {
	PhotographerID string
	CustomerEmail  string
	Credits        int64
	PromoCode      string
	SuccessURL     string
	CancelURL      string
}

// CheckoutSession is the API-facing view of a created session.
type CheckoutSession struct {
	SessionID        string `json:"session_id"`
	URL              string `json:"url"`
	Credits          int64  `json:"credits"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
	PromoCode        string `json:"promo_code,omitempty"`
	DiscountCents    int64  `json:"discount_cents,omitempty"`
	PromoReservation string `json:"-"`
}

// CreateCheckoutSession prices the purchase, applies an optional discount
// code and creates the Stripe Checkout session. The promo reservation is
// keyed on the session so duplicate submissions cannot double-spend a code.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	preview, err := c.Preview(ctx, req.PhotographerID, req.Credits, req.PromoCode)
	if err != nil {
		c.observeCheckout("rejected")
		return CheckoutSession{}, err
	}

	metadata := map[string]string{
		"photographer_id": req.PhotographerID,
		"credits":         strconv.FormatInt(req.Credits, 10),
	}
	if req.PromoCode != "" {
		metadata["promo_code"] = strings.ToUpper(req.PromoCode)
		metadata["original_amount_cents"] = strconv.FormatInt(preview.OriginalAmountCents, 10)
		metadata["discount_cents"] = strconv.FormatInt(preview.DiscountCents, 10)
	}

	params := &stripeapi.CheckoutSessionParams{
		Mode:               stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		SuccessURL:         stripeapi.String(firstNonEmpty(req.SuccessURL, c.cfg.SuccessURL)),
		CancelURL:          stripeapi.String(firstNonEmpty(req.CancelURL, c.cfg.CancelURL)),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				Quantity: stripeapi.Int64(1),
				PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
					Currency: stripeapi.String(preview.Currency),
					ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripeapi.String(fmt.Sprintf("%d upload credits", req.Credits)),
					},
					UnitAmount: stripeapi.Int64(preview.FinalAmountCents),
				},
			},
		},
	}
	params.Metadata = metadata
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripeapi.String(req.CustomerEmail)
	}

	result, err := c.execute(func() (interface{}, error) {
		return session.New(params)
	})
	if err != nil {
		c.observeCheckout("error")
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	created := result.(*stripeapi.CheckoutSession)

	out := CheckoutSession{
		SessionID:     created.ID,
		URL:           created.URL,
		Credits:       req.Credits,
		AmountCents:   preview.FinalAmountCents,
		Currency:      preview.Currency,
		PromoCode:     metadata["promo_code"],
		DiscountCents: preview.DiscountCents,
	}

	if preview.discount != nil {
		reservationID, err := c.promos.ReserveForSession(ctx, preview.discount.Code, req.PhotographerID, created.ID)
		if err != nil {
			// The code raced to its cap between preview and session
			// creation. The session is priced with the discount, so void it
			// rather than charge a price the code no longer backs.
			c.expireSession(ctx, created.ID)
			c.observeCheckout("promo_conflict")
			return CheckoutSession{}, err
		}
		metadata["promo_reservation_id"] = reservationID
		out.PromoReservation = reservationID
		if _, err := c.execute(func() (interface{}, error) {
			return session.Update(created.ID, &stripeapi.CheckoutSessionParams{
				Params: stripeapi.Params{Metadata: metadata},
			})
		}); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).
				Str("session_id", created.ID).
				Msg("stripe.session.metadata_update_failed")
		}
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("session_id", created.ID).
		Str("photographer_id", req.PhotographerID).
		Int64("credits", req.Credits).
		Int64("amount_cents", preview.FinalAmountCents).
		Msg("stripe.checkout.created")
	c.observeCheckout("created")
	return out, nil
}

// GetSession fetches a session for purchase status polling.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*stripeapi.CheckoutSession, error) {
	result, err := c.execute(func() (interface{}, error) {
		return session.Get(sessionID, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: get session: %w", err)
	}
	return result.(*stripeapi.CheckoutSession), nil
}

// WebhookEvent wraps the subset of event types we care about.
type WebhookEvent struct {
	Type             string
	SessionID        string
	PhotographerID   string
	Credits          int64
	PromoReservation string
	PromoCode        string
	AmountTotal      int64
	Currency         string
}

// ParseWebhook validates the event signature against the raw body and
// normalises the payload.
func (c *Client) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if c.cfg.WebhookSecret == "" {
		return WebhookEvent{}, errors.New("stripe: webhook secret not configured")
	}
	event, err := webhook.ConstructEvent(payload, signature, c.cfg.WebhookSecret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.expired":
		var checkout stripeapi.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &checkout); err != nil {
			return WebhookEvent{}, fmt.Errorf("stripe: decode session payload: %w", err)
		}

		out := WebhookEvent{
			Type:        event.Type,
			SessionID:   checkout.ID,
			AmountTotal: checkout.AmountTotal,
			Currency:    string(checkout.Currency),
		}
		if checkout.Metadata != nil {
			out.PhotographerID = checkout.Metadata["photographer_id"]
			out.PromoReservation = checkout.Metadata["promo_reservation_id"]
			out.PromoCode = checkout.Metadata["promo_code"]
			out.Credits, _ = strconv.ParseInt(checkout.Metadata["credits"], 10, 64)
		}
		return out, nil
	default:
		return WebhookEvent{Type: event.Type}, nil
	}
}

// HandleCompletion grants the purchased credits. The grant is keyed on the
// session ID, so redelivered webhooks replay instead of double-granting.
func (c *Client) HandleCompletion(ctx context.Context, event WebhookEvent) error {
	if event.SessionID == "" {
		return errors.New("stripe: completion missing session id")
	}
	if event.PhotographerID == "" || event.Credits <= 0 {
		return fmt.Errorf("stripe: completion for session %s missing purchase metadata", event.SessionID)
	}

	var expiresAt *time.Time
	if ttl := c.credits.PurchaseExpiry.Duration; ttl > 0 {
		at := time.Now().UTC().Add(ttl)
		expiresAt = &at
	}

	result, err := c.ledger.Grant(ctx, ledger.GrantRequest{
		PhotographerID:   event.PhotographerID,
		Source:           storage.SourceStripe,
		Amount:           event.Credits,
		ExpiresAt:        expiresAt,
		CorrelationKind:  storage.CorrStripeSession,
		CorrelationValue: event.SessionID,
		Note:             "stripe purchase",
	})
	if err != nil {
		return fmt.Errorf("stripe: grant purchased credits: %w", err)
	}
	if result.AlreadyGranted {
		return nil
	}

	if event.PromoReservation != "" {
		if err := c.promos.CommitReservation(ctx, event.PromoReservation); err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).
				Str("session_id", event.SessionID).
				Str("reservation_id", event.PromoReservation).
				Msg("stripe.promo.commit_failed")
		}
	}
	c.observeCheckout("completed")
	return nil
}

// HandleExpiry releases the promo reservation of an abandoned checkout.
func (c *Client) HandleExpiry(ctx context.Context, event WebhookEvent) error {
	if event.PromoReservation == "" {
		return nil
	}
	if err := c.promos.ReleaseReservation(ctx, event.PromoReservation); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("stripe: release promo reservation: %w", err)
	}
	c.observeCheckout("expired")
	return nil
}

func (c *Client) expireSession(ctx context.Context, sessionID string) {
	if _, err := c.execute(func() (interface{}, error) {
		return session.Expire(sessionID, nil)
	}); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).
			Str("session_id", sessionID).
			Msg("stripe.session.expire_failed")
	}
}

func (c *Client) execute(fn func() (interface{}, error)) (interface{}, error) {
	if c.breakers == nil {
		return fn()
	}
	return c.breakers.Execute(circuitbreaker.ServiceStripe, fn)
}

func (c *Client) observeCheckout(status string) {
	if c.metrics != nil {
		c.metrics.ObserveCheckout(status)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
