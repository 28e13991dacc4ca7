package appstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/awa/go-iap/appstore"
	"github.com/awa/go-iap/appstore/api"

	"github.com/framehaus/server/internal/circuitbreaker"
	"github.com/framehaus/server/internal/config"
	"github.com/framehaus/server/internal/consumption"
	"github.com/framehaus/server/internal/ledger"
	"github.com/framehaus/server/internal/logger"
	"github.com/framehaus/server/internal/storage"
)

// ErrInvalidSignature is returned when the notification's JWS or its
// certificate chain does not verify. The webhook layer answers these with
// an authentication failure and must not mutate state.
var ErrInvalidSignature = errors.New("appstore: invalid notification signature")

// ONE_TIME_CHARGE notifies a completed consumable purchase.
const notificationOneTimeCharge appstore.NotificationTypeV2 = "ONE_TIME_CHARGE"

// Apple consumptionStatus codes for the consumption response.
const (
	consumptionStatusNot       = 1
	consumptionStatusPartially = 2
	consumptionStatusFully     = 3
)

// ConsumptionSender answers App Store consumption requests via the App
// Store Server API. Implemented by api.StoreClient.
type ConsumptionSender interface {
	SendConsumptionInfo(ctx context.Context, originalTransactionID string, body api.ConsumptionRequestBody) (int, error)
}

// Service dispatches verified App Store server notifications onto the
// credit ledger: purchases grant, refunds claw back, consumption requests
// are answered from the journal.
type Service struct {
	cfg      config.AppStoreConfig
	credits  config.CreditsConfig
	verifier *Verifier
	ledger   *ledger.Service
	reporter *consumption.Reporter
	sender   ConsumptionSender
	breakers *circuitbreaker.Manager
	now      func() time.Time
}

// NewService creates the App Store notification service. The consumption
// sender is wired only when a server API key is configured; without one,
// consumption requests are computed and logged but not answered.
func NewService(cfg config.AppStoreConfig, creditsCfg config.CreditsConfig, ldg *ledger.Service, reporter *consumption.Reporter, breakers *circuitbreaker.Manager) (*Service, error) {
	verifier, err := NewVerifier(cfg.RootCertPEM)
	if err != nil {
		return nil, err
	}

	var sender ConsumptionSender
	if cfg.PrivateKey != "" {
		sender = api.NewStoreClient(&api.StoreConfig{
			KeyContent: []byte(cfg.PrivateKey),
			KeyID:      cfg.KeyID,
			BundleID:   cfg.BundleID,
			Issuer:     cfg.IssuerID,
			Sandbox:    !strings.EqualFold(cfg.Environment, "production"),
		})
	}

	return &Service{
		cfg:      cfg,
		credits:  creditsCfg,
		verifier: verifier,
		ledger:   ldg,
		reporter: reporter,
		sender:   sender,
		breakers: breakers,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Outcome reports what a notification resolved to.
type Outcome struct {
	NotificationType string
	Subtype          string
	TransactionID    string
	Action           string // granted | replayed | revoked | consumption_reported | skipped
	Credits          int64
}

// HandleNotification verifies and dispatches one signed notification.
// ErrInvalidSignature means the payload failed verification and nothing
// was mutated; any other error occurred after verification.
func (s *Service) HandleNotification(ctx context.Context, signedPayload string) (Outcome, error) {
	ntf, pubKey, err := s.verifier.VerifyNotification(signedPayload)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Outcome{
		NotificationType: string(ntf.NotificationType),
		Subtype:          string(ntf.Subtype),
		Action:           "skipped",
	}
	log := logger.FromContext(ctx)

	txn, err := DecodeTransaction(pubKey, ntf.Data.SignedTransactionInfo)
	if err != nil {
		// The envelope verified but the nested transaction did not: the
		// payload is permanently malformed, ack it.
		log.Error().Err(err).
			Str("notification_type", out.NotificationType).
			Msg("appstore.notification.transaction_undecodable")
		return out, nil
	}
	out.TransactionID = txn.TransactionID

	if s.cfg.BundleID != "" && txn.BundleID != s.cfg.BundleID {
		log.Warn().
			Str("bundle_id", txn.BundleID).
			Str("transaction_id", txn.TransactionID).
			Msg("appstore.notification.bundle_mismatch")
		return out, nil
	}

	switch {
	case ntf.NotificationType == notificationOneTimeCharge,
		ntf.NotificationType == appstore.NotificationTypeV2Subscribed && ntf.Subtype == appstore.SubTypeV2InitialBuy:
		return s.handlePurchase(ctx, out, txn)

	case ntf.NotificationType == appstore.NotificationTypeV2Refund,
		ntf.NotificationType == appstore.NotificationTypeV2Revoke:
		return s.handleRefund(ctx, out, txn)

	case ntf.NotificationType == appstore.NotificationTypeV2ConsumptionRequest:
		return s.handleConsumptionRequest(ctx, out, txn)

	default:
		log.Info().
			Str("notification_type", out.NotificationType).
			Str("subtype", out.Subtype).
			Msg("appstore.notification.ignored")
		return out, nil
	}
}

// handlePurchase grants credits for a completed consumable purchase. The
// transaction ID is the idempotency anchor, so Apple's redeliveries replay.
func (s *Service) handlePurchase(ctx context.Context, out Outcome, txn *Transaction) (Outcome, error) {
	log := logger.FromContext(ctx)

	if txn.AppAccountToken == "" {
		log.Error().
			Str("transaction_id", txn.TransactionID).
			Msg("appstore.purchase.missing_account_token")
		return out, nil
	}
	credits, err := creditsForProduct(txn.ProductID)
	if err != nil {
		log.Error().Err(err).
			Str("transaction_id", txn.TransactionID).
			Msg("appstore.purchase.unknown_product")
		return out, nil
	}
	if txn.Quantity > 1 {
		credits *= txn.Quantity
	}

	expiresAt := s.now().Add(s.credits.PurchaseExpiry.Duration)
	result, err := s.ledger.Grant(ctx, ledger.GrantRequest{
		PhotographerID:   txn.AppAccountToken,
		Source:           storage.SourceAppStore,
		Amount:           credits,
		ExpiresAt:        &expiresAt,
		CorrelationKind:  storage.CorrAppleTransaction,
		CorrelationValue: txn.TransactionID,
		Note:             "app store purchase " + txn.ProductID,
	})
	if err != nil {
		return out, fmt.Errorf("grant purchase: %w", err)
	}

	out.Credits = credits
	if result.AlreadyGranted {
		out.Action = "replayed"
	} else {
		out.Action = "granted"
	}
	return out, nil
}

// handleRefund claws back the full original grant. A refund arriving before
// its purchase finds no grant and is acked; when the purchase notification
// later lands, the credits are granted normally.
func (s *Service) handleRefund(ctx context.Context, out Outcome, txn *Transaction) (Outcome, error) {
	log := logger.FromContext(ctx)

	grant, err := s.ledger.GrantByCorrelation(ctx, storage.CorrAppleTransaction, txn.TransactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().
				Str("transaction_id", txn.TransactionID).
				Msg("appstore.refund.grant_missing")
			return out, nil
		}
		return out, fmt.Errorf("resolve refunded grant: %w", err)
	}

	result, err := s.ledger.Revoke(ctx, ledger.RevokeRequest{
		PhotographerID:   grant.PhotographerID,
		Amount:           grant.Amount,
		CorrelationKind:  storage.CorrAppleRefund,
		CorrelationValue: txn.TransactionID,
		Note:             "app store refund",
	})
	if err != nil {
		return out, fmt.Errorf("revoke refunded grant: %w", err)
	}

	out.Credits = grant.Amount
	if result.AlreadyRevoked {
		out.Action = "replayed"
	} else {
		out.Action = "revoked"
	}
	return out, nil
}

// handleConsumptionRequest computes how much of the purchase has been spent
// and answers through the App Store Server API.
func (s *Service) handleConsumptionRequest(ctx context.Context, out Outcome, txn *Transaction) (Outcome, error) {
	log := logger.FromContext(ctx)

	report, err := s.reporter.ForCorrelation(ctx, storage.CorrAppleTransaction, txn.TransactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, consumption.ErrNotAGrant) {
			log.Warn().
				Str("transaction_id", txn.TransactionID).
				Msg("appstore.consumption.grant_missing")
			return out, nil
		}
		return out, fmt.Errorf("compute consumption: %w", err)
	}

	log.Info().
		Str("transaction_id", txn.TransactionID).
		Int64("granted", report.Granted).
		Int64("consumed", report.Consumed).
		Str("status", string(report.Status)).
		Msg("appstore.consumption.computed")

	if s.sender == nil {
		log.Warn().
			Str("transaction_id", txn.TransactionID).
			Msg("appstore.consumption.sender_not_configured")
		return out, nil
	}

	body := api.ConsumptionRequestBody{
		AppAccountToken:   txn.AppAccountToken,
		ConsumptionStatus: consumptionCode(report.Status),
		CustomerConsented: true,
		Platform:          1, // Apple
		UserStatus:        1, // active
	}
	original := txn.OriginalTransactionID
	if original == "" {
		original = txn.TransactionID
	}
	if err := s.sendConsumption(ctx, original, body); err != nil {
		return out, fmt.Errorf("send consumption info: %w", err)
	}

	out.Credits = report.Consumed
	out.Action = "consumption_reported"
	return out, nil
}

func (s *Service) sendConsumption(ctx context.Context, originalTransactionID string, body api.ConsumptionRequestBody) error {
	fn := func() (interface{}, error) {
		return s.sender.SendConsumptionInfo(ctx, originalTransactionID, body)
	}
	if s.breakers == nil {
		_, err := fn()
		return err
	}
	_, err := s.breakers.Execute(circuitbreaker.ServiceAppStore, fn)
	return err
}

func consumptionCode(status consumption.Status) int32 {
	switch status {
	case consumption.StatusFullyConsumed:
		return consumptionStatusFully
	case consumption.StatusPartiallyConsumed:
		return consumptionStatusPartially
	default:
		return consumptionStatusNot
	}
}

// creditsForProduct derives the credit amount from the product identifier's
// trailing digits, e.g. "com.framehaus.credits.50" grants 50.
func creditsForProduct(productID string) (int64, error) {
	i := len(productID)
	for i > 0 && productID[i-1] >= '0' && productID[i-1] <= '9' {
		i--
	}
	if i == len(productID) {
		return 0, fmt.Errorf("appstore: product %q carries no credit amount", productID)
	}
	credits, err := strconv.ParseInt(productID[i:], 10, 64)
	if err != nil || credits <= 0 {
		return 0, fmt.Errorf("appstore: product %q carries no credit amount", productID)
	}
	return credits, nil
}
