package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/framehaus/server/internal/config"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateCorrelation is returned when a ledger append collides with an
// existing entry carrying the same correlation pair. Callers treat this as
// an idempotent replay, not a failure.
var ErrDuplicateCorrelation = errors.New("storage: duplicate correlation")

// ErrInsufficientCredits is returned when a debit exceeds the photographer's
// available (unexpired, unconsumed) credits.
var ErrInsufficientCredits = errors.New("storage: insufficient credits")

// ErrConflict is returned when a state transition is not valid from the
// entity's current state.
var ErrConflict = errors.New("storage: conflict")

// ErrDuplicatePromoUsage is returned when a promo reservation collides with
// an existing usage row for the same code and photographer or session.
var ErrDuplicatePromoUsage = errors.New("storage: duplicate promo usage")

// DebitRequest describes a consumption of credits. Amount is the positive
// number of credits to remove; the store records it as a negative journal row.
type DebitRequest struct {
	PhotographerID   string
	Amount           int64
	CorrelationKind  CorrelationKind
	CorrelationValue string
	Note             string
}

// RevocationRequest claws back previously granted credits, typically on a
// store refund. Amount is the positive number of credits to remove; the
// store records it as a negative journal row. No balance check applies:
// the clawback lands even when the credits were already spent, so the
// cached balance may go negative.
type RevocationRequest struct {
	PhotographerID string
	Amount         int64
	Source         GrantSource
	// CorrelationValue is the refunded transaction's identifier; lot
	// arithmetic uses it to shrink the matching grant's capacity.
	CorrelationKind  CorrelationKind
	CorrelationValue string
	Note             string
}

// Settlement finalizes an uploaded intent: the intent moves to completed,
// the photo row is created and the credit debit is appended, all in one
// transaction.
type Settlement struct {
	IntentID string
	Photo    Photo
	Debit    DebitRequest
}

// SettlementResult reports the outcome of a settlement transaction.
type SettlementResult struct {
	Intent     UploadIntent
	Photo      Photo
	DebitEntry LedgerEntry
	NewBalance int64
	// Replayed is true when the intent had already settled and the stored
	// outcome was returned instead of applying a second debit.
	Replayed bool
}

// Store captures the persistence requirements of the credit and upload
// pipeline. Every ledger mutation that spans entities (settlement, grants
// with balance updates) executes atomically inside the store so callers
// never observe a journal row without its balance projection.
type Store interface {
	// Photographer accounts
	UpsertPhotographer(ctx context.Context, p Photographer) error
	GetPhotographer(ctx context.Context, id string) (Photographer, error)
	SoftDeletePhotographer(ctx context.Context, id string, at time.Time) error

	// Events (galleries)
	CreateEvent(ctx context.Context, e Event) error
	GetEvent(ctx context.Context, id string) (Event, error)
	ListEvents(ctx context.Context, photographerID string) ([]Event, error)
	SoftDeleteEvent(ctx context.Context, id string, at time.Time) error
	// ListExpiredEvents returns live events whose expiry has passed,
	// oldest expiry first. Feeds the retention soft-delete producer.
	ListExpiredEvents(ctx context.Context, now time.Time, limit int) ([]Event, error)
	ListSoftDeletedEvents(ctx context.Context, before time.Time, limit int) ([]Event, error)
	HardDeleteEvent(ctx context.Context, id string) error

	// Credit ledger. ApplyGrant and ApplyDebit return the canonical entry
	// and whether it was newly applied; a false second value means the
	// correlation pair already existed and the stored entry is returned.
	ApplyGrant(ctx context.Context, grant LedgerEntry) (LedgerEntry, bool, error)
	ApplyDebit(ctx context.Context, debit DebitRequest) (LedgerEntry, bool, error)
	ApplyRevocation(ctx context.Context, rev RevocationRequest) (LedgerEntry, bool, error)
	Balance(ctx context.Context, photographerID string) (int64, error)
	ListLedgerEntries(ctx context.Context, photographerID string, limit int) ([]LedgerEntry, error)
	GetEntryByCorrelation(ctx context.Context, kind CorrelationKind, value string) (LedgerEntry, error)
	// SweepExpiredGrants writes off the unconsumed remainder of every grant
	// whose expiry has passed. Returns the adjustment entries appended.
	// Safe to run concurrently and repeatedly: each grant is written off
	// at most once via its correlation pair.
	SweepExpiredGrants(ctx context.Context, now time.Time) ([]LedgerEntry, error)

	// Upload intents
	CreateIntent(ctx context.Context, intent UploadIntent) error
	GetIntent(ctx context.Context, id string) (UploadIntent, error)
	GetIntentByObjectKey(ctx context.Context, objectKey string) (UploadIntent, error)
	ListIntents(ctx context.Context, photographerID string, status IntentStatus, limit int) ([]UploadIntent, error)
	// TransitionIntent moves an intent between states, enforcing the
	// transition table. Returns ErrConflict when the move is not allowed.
	TransitionIntent(ctx context.Context, id string, to IntentStatus, failureReason string) (UploadIntent, error)
	// RepresignIntent rotates a pending, expired or failed intent back to
	// pending with a fresh object key and presign expiry, clearing any
	// failure reason. Returns ErrConflict for other states.
	RepresignIntent(ctx context.Context, id string, objectKey string, expiresAt time.Time) (UploadIntent, error)
	// SettleIntent atomically completes the intent, inserts the photo and
	// debits the ledger. A replayed settlement returns the stored outcome.
	SettleIntent(ctx context.Context, settlement Settlement) (SettlementResult, error)
	// ExpireStaleIntents marks pending intents past their presign expiry.
	ExpireStaleIntents(ctx context.Context, now time.Time) (int, error)

	// Photos
	GetPhoto(ctx context.Context, id string) (Photo, error)
	ListPhotos(ctx context.Context, eventID string) ([]Photo, error)
	SoftDeletePhoto(ctx context.Context, id string, at time.Time) error
	ListSoftDeletedPhotos(ctx context.Context, before time.Time, limit int) ([]Photo, error)
	HardDeletePhoto(ctx context.Context, id string) error

	// Promo usage tracking. Reservations hold a redemption slot while a
	// checkout is in flight; commit makes it count, release rolls it back.
	ReservePromoUsage(ctx context.Context, usage PromoUsage) error
	CommitPromoUsage(ctx context.Context, id string) error
	ReleasePromoUsage(ctx context.Context, id string) error
	CountPromoUsages(ctx context.Context, code string) (int, error)
	CountPromoUsagesByPhotographer(ctx context.Context, code, photographerID string) (int, error)

	// Cleanup job queue
	EnqueueCleanupJob(ctx context.Context, job CleanupJob) (string, error)
	DequeueCleanupJobs(ctx context.Context, limit int) ([]CleanupJob, error)
	MarkJobProcessing(ctx context.Context, id string) error
	MarkJobCompleted(ctx context.Context, id string) error
	MarkJobFailed(ctx context.Context, id string, errorMsg string, nextAttemptAt time.Time) error
	ListCleanupJobs(ctx context.Context, status CleanupJobStatus, limit int) ([]CleanupJob, error)

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend      string // "memory" or "postgres"
	PostgresURL  string
	PostgresPool config.PostgresPoolConfig
	// SharedDB, when set, is used instead of opening a new connection so
	// all repositories share one pool.
	SharedDB *sql.DB
}

// NewStore creates a storage backend based on configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.SharedDB != nil {
			return NewPostgresStoreWithDB(cfg.SharedDB)
		}
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("storage: postgres backend requires a connection url")
		}
		return NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
