// Package ledger exposes the credit journal operations: granting credits
// from purchases and promotions, consuming them for uploads, reporting
// balances and writing off expired grants. All idempotency is anchored on
// correlation pairs enforced by the storage layer; this service adds
// validation, metrics and logging.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/framehaus/server/internal/logger"
	"github.com/framehaus/server/internal/metrics"
	"github.com/framehaus/server/internal/storage"
)

// ErrInvalidAmount is returned when a grant or consume amount is not positive.
var ErrInvalidAmount = errors.New("ledger: amount must be positive")

// ErrMissingCorrelation is returned when an operation lacks its idempotency anchor.
var ErrMissingCorrelation = errors.New("ledger: correlation value required")

// ErrInsufficientFunds is returned when a consume exceeds the available credits.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// Service wraps the storage ledger with validation and observability.
type Service struct {
	store   storage.Store
	metrics *metrics.Metrics
}

// NewService creates a ledger service. Metrics may be nil in tests.
func NewService(store storage.Store, m *metrics.Metrics) *Service {
	return &Service{store: store, metrics: m}
}

// GrantRequest describes a credit grant.
type GrantRequest struct {
	PhotographerID   string
	Source           storage.GrantSource
	Amount           int64
	ExpiresAt        *time.Time
	CorrelationKind  storage.CorrelationKind
	CorrelationValue string
	Note             string
}

// GrantResult reports the applied (or replayed) grant.
type GrantResult struct {
	Entry storage.LedgerEntry
	// AlreadyGranted is true when the correlation pair had been applied
	// before and the stored entry was returned.
	AlreadyGranted bool
}

// Grant appends a credit grant. Replaying the same correlation pair is not
// an error: the original entry is returned with AlreadyGranted set.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (GrantResult, error) {
	if req.Amount <= 0 {
		return GrantResult{}, ErrInvalidAmount
	}
	if req.CorrelationValue == "" || req.CorrelationKind == "" {
		return GrantResult{}, ErrMissingCorrelation
	}

	entry, applied, err := s.store.ApplyGrant(ctx, storage.LedgerEntry{
		PhotographerID:   req.PhotographerID,
		Type:             storage.EntryGrant,
		Source:           req.Source,
		Amount:           req.Amount,
		ExpiresAt:        req.ExpiresAt,
		CorrelationKind:  req.CorrelationKind,
		CorrelationValue: req.CorrelationValue,
		Note:             req.Note,
	})
	if err != nil {
		return GrantResult{}, fmt.Errorf("apply grant: %w", err)
	}

	log := logger.FromContext(ctx)
	if applied {
		log.Info().
			Str("photographer_id", req.PhotographerID).
			Str("source", string(req.Source)).
			Int64("credits", req.Amount).
			Str("correlation", string(req.CorrelationKind)+":"+req.CorrelationValue).
			Msg("ledger.grant.applied")
		if s.metrics != nil {
			s.metrics.ObserveGrant(string(req.Source), req.Amount)
		}
	} else {
		log.Info().
			Str("photographer_id", req.PhotographerID).
			Str("correlation", string(req.CorrelationKind)+":"+req.CorrelationValue).
			Msg("ledger.grant.replayed")
		if s.metrics != nil {
			s.metrics.ObserveDuplicate("grant")
		}
	}

	return GrantResult{Entry: entry, AlreadyGranted: !applied}, nil
}

// ConsumeRequest describes a credit consumption.
type ConsumeRequest struct {
	PhotographerID   string
	Amount           int64
	CorrelationKind  storage.CorrelationKind
	CorrelationValue string
	Note             string
}

// ConsumeResult reports the applied (or replayed) debit.
type ConsumeResult struct {
	Entry           storage.LedgerEntry
	AlreadyConsumed bool
}

// Consume debits credits FIFO across the earliest-expiring grants. Returns
// ErrInsufficientFunds when the available balance cannot cover the amount.
func (s *Service) Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error) {
	if req.Amount <= 0 {
		return ConsumeResult{}, ErrInvalidAmount
	}
	if req.CorrelationValue == "" || req.CorrelationKind == "" {
		return ConsumeResult{}, ErrMissingCorrelation
	}

	entry, applied, err := s.store.ApplyDebit(ctx, storage.DebitRequest{
		PhotographerID:   req.PhotographerID,
		Amount:           req.Amount,
		CorrelationKind:  req.CorrelationKind,
		CorrelationValue: req.CorrelationValue,
		Note:             req.Note,
	})
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			return ConsumeResult{}, ErrInsufficientFunds
		}
		return ConsumeResult{}, fmt.Errorf("apply debit: %w", err)
	}

	log := logger.FromContext(ctx)
	if applied {
		log.Info().
			Str("photographer_id", req.PhotographerID).
			Int64("credits", req.Amount).
			Str("correlation", string(req.CorrelationKind)+":"+req.CorrelationValue).
			Msg("ledger.consume.applied")
		if s.metrics != nil {
			s.metrics.ObserveDebit(req.Note, req.Amount)
		}
	} else {
		log.Info().
			Str("photographer_id", req.PhotographerID).
			Str("correlation", string(req.CorrelationKind)+":"+req.CorrelationValue).
			Msg("ledger.consume.replayed")
		if s.metrics != nil {
			s.metrics.ObserveDuplicate("consume")
		}
	}

	return ConsumeResult{Entry: entry, AlreadyConsumed: !applied}, nil
}

// RevokeRequest describes a refund clawback.
type RevokeRequest struct {
	PhotographerID   string
	Amount           int64
	CorrelationKind  storage.CorrelationKind
	CorrelationValue string
	Note             string
}

// RevokeResult reports the applied (or replayed) clawback.
type RevokeResult struct {
	Entry          storage.LedgerEntry
	AlreadyRevoked bool
}

// Revoke claws back granted credits after a store refund. Unlike Consume it
// never fails on balance: the credits come off even if already spent, so
// the balance may go negative until the next grant.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (RevokeResult, error) {
	if req.Amount <= 0 {
		return RevokeResult{}, ErrInvalidAmount
	}
	if req.CorrelationValue == "" || req.CorrelationKind == "" {
		return RevokeResult{}, ErrMissingCorrelation
	}

	entry, applied, err := s.store.ApplyRevocation(ctx, storage.RevocationRequest{
		PhotographerID:   req.PhotographerID,
		Amount:           req.Amount,
		Source:           storage.SourceRefund,
		CorrelationKind:  req.CorrelationKind,
		CorrelationValue: req.CorrelationValue,
		Note:             req.Note,
	})
	if err != nil {
		return RevokeResult{}, fmt.Errorf("apply revocation: %w", err)
	}

	log := logger.FromContext(ctx)
	if applied {
		log.Info().
			Str("photographer_id", req.PhotographerID).
			Int64("credits", req.Amount).
			Str("correlation", string(req.CorrelationKind)+":"+req.CorrelationValue).
			Msg("ledger.revoke.applied")
		if s.metrics != nil {
			s.metrics.ObserveDebit("refund", req.Amount)
		}
	} else {
		log.Info().
			Str("photographer_id", req.PhotographerID).
			Str("correlation", string(req.CorrelationKind)+":"+req.CorrelationValue).
			Msg("ledger.revoke.replayed")
		if s.metrics != nil {
			s.metrics.ObserveDuplicate("revoke")
		}
	}

	return RevokeResult{Entry: entry, AlreadyRevoked: !applied}, nil
}

// Balance returns the photographer's current credit balance.
func (s *Service) Balance(ctx context.Context, photographerID string) (int64, error) {
	balance, err := s.store.Balance(ctx, photographerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Accounts with no ledger history have a zero balance.
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// BalanceDetail is the balance endpoint's view: the cached balance, the
// currently consumable credits and the nearest expiry still holding credits.
type BalanceDetail struct {
	Balance         int64      `json:"balance"`
	Available       int64      `json:"available"`
	NextExpiry      *time.Time `json:"next_expiry,omitempty"`
	ExpiringCredits int64      `json:"expiring_credits,omitempty"`
}

// BalanceDetail replays the journal through the lot arithmetic to report
// the available credits and the first expiry at risk.
func (s *Service) BalanceDetail(ctx context.Context, photographerID string) (BalanceDetail, error) {
	balance, err := s.Balance(ctx, photographerID)
	if err != nil {
		return BalanceDetail{}, err
	}
	entries, err := s.store.ListLedgerEntries(ctx, photographerID, 0)
	if err != nil {
		return BalanceDetail{}, fmt.Errorf("list ledger entries: %w", err)
	}

	now := time.Now().UTC()
	lots := storage.BuildLots(entries)
	detail := BalanceDetail{
		Balance:   balance,
		Available: storage.AvailableCredits(lots, now),
	}
	// Lots are FIFO-ordered, so the first live lot with credits left owns
	// the nearest expiry; lots sharing that expiry add to the at-risk sum.
	for _, lot := range lots {
		if lot.Entry.ExpiresAt == nil || !lot.Entry.ExpiresAt.After(now) || lot.Remaining() <= 0 {
			continue
		}
		if detail.NextExpiry == nil {
			t := *lot.Entry.ExpiresAt
			detail.NextExpiry = &t
			detail.ExpiringCredits = lot.Remaining()
		} else if lot.Entry.ExpiresAt.Equal(*detail.NextExpiry) {
			detail.ExpiringCredits += lot.Remaining()
		}
	}
	return detail, nil
}

// GrantByCorrelation looks up the journal entry anchored on the given
// correlation pair. Returns storage.ErrNotFound when no entry matches.
func (s *Service) GrantByCorrelation(ctx context.Context, kind storage.CorrelationKind, value string) (storage.LedgerEntry, error) {
	return s.store.GetEntryByCorrelation(ctx, kind, value)
}

// History returns the newest-first journal of the photographer.
func (s *Service) History(ctx context.Context, photographerID string, limit int) ([]storage.LedgerEntry, error) {
	return s.store.ListLedgerEntries(ctx, photographerID, limit)
}

// RunExpirySweep writes off the remainders of all expired grants and
// returns the total credits written off.
func (s *Service) RunExpirySweep(ctx context.Context, now time.Time) (int64, error) {
	appended, err := s.store.SweepExpiredGrants(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired grants: %w", err)
	}

	var total int64
	for _, entry := range appended {
		total += -entry.Amount
	}

	if len(appended) > 0 {
		log := logger.FromContext(ctx)
		log.Info().
			Int("grants_swept", len(appended)).
			Int64("credits_written_off", total).
			Msg("ledger.expiry_sweep.completed")
	}
	if s.metrics != nil {
		s.metrics.ObserveExpirySweep(total)
	}
	return total, nil
}
