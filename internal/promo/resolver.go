package promo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/framehaus/server/internal/ledger"
	"github.com/framehaus/server/internal/logger"
	"github.com/framehaus/server/internal/metrics"
	"github.com/framehaus/server/internal/storage"
)

// Validation failures. Handlers map these onto the shared error envelope.
var (
	ErrInactive         = errors.New("promo: code is not active")
	ErrExpired          = errors.New("promo: code has expired")
	ErrNotEligible      = errors.New("promo: photographer not eligible for code")
	ErrGlobalCapReached = errors.New("promo: code redemption cap reached")
	ErrUserCapReached   = errors.New("promo: per-user redemption cap reached")
	ErrAlreadyRedeemed  = errors.New("promo: code already redeemed")
	ErrWrongKind        = errors.New("promo: code kind does not support this operation")
)

// Resolver validates and redeems promo codes.
type Resolver struct {
	repo    Repository
	store   storage.Store
	ledger  *ledger.Service
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewResolver creates a promo resolver. Metrics may be nil in tests.
func NewResolver(repo Repository, store storage.Store, ledgerSvc *ledger.Service, m *metrics.Metrics) *Resolver {
	return &Resolver{
		repo:    repo,
		store:   store,
		ledger:  ledgerSvc,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Resolve validates a code for the photographer and returns its definition.
// The cap checks here are advisory; redemption re-verifies through the
// usage table's unique indexes.
func (r *Resolver) Resolve(ctx context.Context, code, photographerID string) (Code, error) {
	resolved, err := r.repo.Lookup(ctx, code)
	if err != nil {
		return Code{}, err
	}
	if err := r.validate(ctx, resolved, photographerID); err != nil {
		return Code{}, err
	}
	return resolved, nil
}

func (r *Resolver) validate(ctx context.Context, code Code, photographerID string) error {
	if !code.Active {
		return ErrInactive
	}
	if code.ExpiresAt != nil && r.now().After(*code.ExpiresAt) {
		return ErrExpired
	}
	if len(code.TargetPhotographerIDs) > 0 && !containsFold(code.TargetPhotographerIDs, photographerID) {
		return ErrNotEligible
	}
	if code.MaxRedemptions > 0 {
		total, err := r.store.CountPromoUsages(ctx, code.Code)
		if err != nil {
			return fmt.Errorf("count redemptions: %w", err)
		}
		if total >= code.MaxRedemptions {
			return ErrGlobalCapReached
		}
	}
	if photographerID != "" {
		used, err := r.store.CountPromoUsagesByPhotographer(ctx, code.Code, photographerID)
		if err != nil {
			return fmt.Errorf("count user redemptions: %w", err)
		}
		if used >= code.PerUserCap() {
			return ErrUserCapReached
		}
	}
	return nil
}

// GiftRedemption reports the result of redeeming a gift code.
type GiftRedemption struct {
	Code    Code
	Entry   storage.LedgerEntry
	Balance int64
	// Replayed is true when this photographer had already redeemed the code
	// and the original grant is returned.
	Replayed bool
}

// RedeemGift redeems a gift code and grants its credits. Concurrent
// redemptions of the same code by the same photographer collapse to one
// grant: the usage row's (code, photographer_id) unique index elects a
// winner and losers see the winner's entry replayed.
func (r *Resolver) RedeemGift(ctx context.Context, rawCode, photographerID string) (GiftRedemption, error) {
	code, err := r.Resolve(ctx, rawCode, photographerID)
	if err != nil {
		if errors.Is(err, ErrUserCapReached) {
			// Cap already spent: surface the original grant as a replay.
			if redemption, replayErr := r.replayedGift(ctx, rawCode, photographerID); replayErr == nil {
				return redemption, nil
			}
		}
		r.observeRedemption(KindGift, "rejected")
		return GiftRedemption{}, err
	}
	if code.Kind != KindGift {
		r.observeRedemption(code.Kind, "rejected")
		return GiftRedemption{}, ErrWrongKind
	}

	usage := storage.PromoUsage{
		ID:             uuid.NewString(),
		Code:           code.Code,
		PhotographerID: photographerID,
		Status:         storage.PromoReserved,
	}
	if err := r.store.ReservePromoUsage(ctx, usage); err != nil {
		if errors.Is(err, storage.ErrDuplicatePromoUsage) {
			if redemption, replayErr := r.replayedGift(ctx, code.Code, photographerID); replayErr == nil {
				r.observeRedemption(KindGift, "replayed")
				return redemption, nil
			}
			return GiftRedemption{}, ErrAlreadyRedeemed
		}
		return GiftRedemption{}, fmt.Errorf("reserve promo usage: %w", err)
	}

	var expiresAt *time.Time
	if code.GrantExpiry > 0 {
		at := r.now().Add(code.GrantExpiry)
		expiresAt = &at
	}

	grant, err := r.ledger.Grant(ctx, ledger.GrantRequest{
		PhotographerID:   photographerID,
		Source:           storage.SourceGiftCode,
		Amount:           code.GrantCredits,
		ExpiresAt:        expiresAt,
		CorrelationKind:  storage.CorrGiftRedemption,
		CorrelationValue: giftCorrelation(code.Code, photographerID),
		Note:             "gift code " + code.Code,
	})
	if err != nil {
		if releaseErr := r.store.ReleasePromoUsage(ctx, usage.ID); releaseErr != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(releaseErr).
				Str("code", code.Code).
				Msg("promo.release_failed")
		}
		r.observeRedemption(KindGift, "error")
		return GiftRedemption{}, fmt.Errorf("grant gift credits: %w", err)
	}

	if err := r.store.CommitPromoUsage(ctx, usage.ID); err != nil {
		// The grant landed; a stuck reservation still counts against caps,
		// so log and carry on.
		log := logger.FromContext(ctx)
		log.Error().Err(err).
			Str("code", code.Code).
			Msg("promo.commit_failed")
	}

	balance, err := r.ledger.Balance(ctx, photographerID)
	if err != nil {
		return GiftRedemption{}, fmt.Errorf("read balance: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("code", code.Code).
		Str("photographer_id", photographerID).
		Int64("credits", code.GrantCredits).
		Bool("replayed", grant.AlreadyGranted).
		Msg("promo.gift_redeemed")
	r.observeRedemption(KindGift, "redeemed")

	return GiftRedemption{
		Code:     code,
		Entry:    grant.Entry,
		Balance:  balance,
		Replayed: grant.AlreadyGranted,
	}, nil
}

// replayedGift reconstructs a completed redemption from the ledger.
func (r *Resolver) replayedGift(ctx context.Context, rawCode, photographerID string) (GiftRedemption, error) {
	code, err := r.repo.Lookup(ctx, rawCode)
	if err != nil {
		return GiftRedemption{}, err
	}
	entry, err := r.store.GetEntryByCorrelation(ctx, storage.CorrGiftRedemption, giftCorrelation(code.Code, photographerID))
	if err != nil {
		return GiftRedemption{}, err
	}
	balance, err := r.ledger.Balance(ctx, photographerID)
	if err != nil {
		return GiftRedemption{}, err
	}
	return GiftRedemption{Code: code, Entry: entry, Balance: balance, Replayed: true}, nil
}

// Discount describes the price adjustment a discount code applies.
type Discount struct {
	Code           Code
	PercentOff     int
	AmountOffCents int64
}

// DiscountFor validates a discount code for checkout. The returned
// reservation happens later, keyed on the checkout session.
func (r *Resolver) DiscountFor(ctx context.Context, rawCode, photographerID string) (Discount, error) {
	code, err := r.Resolve(ctx, rawCode, photographerID)
	if err != nil {
		return Discount{}, err
	}
	if code.Kind != KindDiscount {
		return Discount{}, ErrWrongKind
	}
	return Discount{Code: code, PercentOff: code.PercentOff, AmountOffCents: code.AmountOffCents}, nil
}

// ReserveForSession holds a redemption slot for an in-flight checkout
// session. Returns the reservation ID for later commit or release.
func (r *Resolver) ReserveForSession(ctx context.Context, code Code, photographerID, sessionID string) (string, error) {
	usage := storage.PromoUsage{
		ID:              uuid.NewString(),
		Code:            code.Code,
		PhotographerID:  photographerID,
		StripeSessionID: sessionID,
		Status:          storage.PromoReserved,
	}
	if err := r.store.ReservePromoUsage(ctx, usage); err != nil {
		if errors.Is(err, storage.ErrDuplicatePromoUsage) {
			return "", ErrAlreadyRedeemed
		}
		return "", fmt.Errorf("reserve promo usage: %w", err)
	}
	return usage.ID, nil
}

// CommitReservation marks a reserved redemption as counted.
func (r *Resolver) CommitReservation(ctx context.Context, reservationID string) error {
	return r.store.CommitPromoUsage(ctx, reservationID)
}

// ReleaseReservation frees a reserved slot after an abandoned or failed
// checkout.
func (r *Resolver) ReleaseReservation(ctx context.Context, reservationID string) error {
	return r.store.ReleasePromoUsage(ctx, reservationID)
}

func (r *Resolver) observeRedemption(kind Kind, status string) {
	if r.metrics != nil {
		r.metrics.ObservePromoRedemption(string(kind), status)
	}
}

func giftCorrelation(code, photographerID string) string {
	return strings.ToLower(code) + ":" + photographerID
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}
