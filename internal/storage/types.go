package storage

import (
	"time"
)

// EntryType identifies the kind of a ledger journal row.
type EntryType string

const (
	// EntryGrant adds credits to a photographer's balance.
	EntryGrant EntryType = "grant"
	// EntryDebit removes credits, normally when an upload settles.
	EntryDebit EntryType = "debit"
	// EntryExpiryAdjust writes off the unconsumed remainder of an expired grant.
	EntryExpiryAdjust EntryType = "expiry_adjust"
	// EntryRevoke claws back a granted amount after a store refund. Unlike a
	// debit it does not require available balance.
	EntryRevoke EntryType = "revoke"
)

// GrantSource identifies where a credit grant originated.
type GrantSource string

const (
	SourceStripe      GrantSource = "stripe"
	SourceAppStore    GrantSource = "app_store"
	SourceGiftCode    GrantSource = "gift_code"
	SourceAdmin       GrantSource = "admin"
	SourceSignupBonus GrantSource = "signup_bonus"
	SourceRefund      GrantSource = "refund"
)

// CorrelationKind scopes a correlation value to its originating system.
// The (kind, value) pair is unique across the journal: replaying the same
// external event can never produce a second row.
type CorrelationKind string

const (
	CorrStripeSession    CorrelationKind = "stripe_session"
	CorrAppleTransaction CorrelationKind = "apple_transaction"
	CorrAppleRefund      CorrelationKind = "apple_refund"
	CorrGiftRedemption   CorrelationKind = "gift_redemption"
	CorrAdminOp          CorrelationKind = "admin_op"
	CorrUploadIntent     CorrelationKind = "upload_intent"
	CorrExpiryAdjust     CorrelationKind = "expiry_adjust"
)

// LedgerEntry is one immutable row of the credit journal. Amount is signed:
// positive for grants, negative for debits and expiry adjustments. The
// journal is append-only; balances and consumption are derived from it.
type LedgerEntry struct {
	ID               string
	PhotographerID   string
	Type             EntryType
	Source           GrantSource // Set on grants, empty otherwise
	Amount           int64
	ExpiresAt        *time.Time // Grant expiry; debits inherit the expiry of the first lot they consume
	CorrelationKind  CorrelationKind
	CorrelationValue string
	Note             string
	CreatedAt        time.Time
}

// IsGrant reports whether the entry adds credits.
func (e LedgerEntry) IsGrant() bool { return e.Type == EntryGrant }

// Photographer is an account that owns events, photos and a credit balance.
// Balance is a cached projection of the ledger, updated in the same
// transaction as every journal append.
type Photographer struct {
	ID          string
	Email       string
	DisplayName string
	Balance     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Event is a gallery a photographer uploads photos into. ExpiresAt feeds
// the retention producer: expired events get soft-deleted, and after the
// retention window their photos and the event itself are hard-deleted.
type Event struct {
	ID             string
	PhotographerID string
	Title          string
	EventDate      *time.Time
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	DeletedAt      *time.Time
}

// IntentStatus is the lifecycle state of an upload intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentUploaded  IntentStatus = "uploaded"
	IntentCompleted IntentStatus = "completed"
	IntentExpired   IntentStatus = "expired"
	IntentFailed    IntentStatus = "failed"
	IntentCancelled IntentStatus = "cancelled"
)

// ValidTransition reports whether an intent may move from its current
// status to the target status.
func (s IntentStatus) ValidTransition(to IntentStatus) bool {
	switch s {
	case IntentPending:
		return to == IntentUploaded || to == IntentExpired || to == IntentCancelled || to == IntentFailed
	case IntentUploaded:
		return to == IntentCompleted || to == IntentFailed
	default:
		// completed, expired, failed and cancelled are terminal
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentCompleted, IntentExpired, IntentFailed, IntentCancelled:
		return true
	}
	return false
}

// UploadIntent tracks one presigned upload from issuance to settlement.
type UploadIntent struct {
	ID               string
	PhotographerID   string
	EventID          string
	Status           IntentStatus
	Filename         string
	ContentType      string
	ContentLength    int64
	ObjectKey        string
	PresignExpiresAt time.Time
	CreditCost       int64
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Photo is a settled upload attached to an event.
type Photo struct {
	ID             string
	EventID        string
	PhotographerID string
	UploadIntentID string
	ObjectKey      string
	ContentType    string
	SizeBytes      int64
	CreatedAt      time.Time
	DeletedAt      *time.Time
}

// PromoUsageStatus tracks a redemption from reservation to commit.
type PromoUsageStatus string

const (
	// PromoReserved holds a slot while a discounted checkout is in flight.
	PromoReserved PromoUsageStatus = "reserved"
	// PromoCommitted marks a redemption that granted credits or discounted
	// a completed purchase.
	PromoCommitted PromoUsageStatus = "committed"
)

// PromoUsage is one redemption (or in-flight reservation) of a promo code.
// Uniqueness on (code, photographer_id) and (code, stripe_session_id)
// enforces the per-user cap and checkout dedup under concurrency.
type PromoUsage struct {
	ID              string
	Code            string
	PhotographerID  string
	StripeSessionID string
	Status          PromoUsageStatus
	CreatedAt       time.Time
}

// CleanupJobType identifies the work a cleanup job performs.
type CleanupJobType string

const (
	JobSoftDelete CleanupJobType = "soft_delete"
	JobHardDelete CleanupJobType = "hard_delete"
)

// CleanupJobStatus is the queue state of a cleanup job.
type CleanupJobStatus string

const (
	JobPending    CleanupJobStatus = "pending"
	JobProcessing CleanupJobStatus = "processing"
	JobCompleted  CleanupJobStatus = "completed"
	JobDLQ        CleanupJobStatus = "dlq"
)

// CleanupJob is a unit of retention work: soft-deleting aged entities or
// hard-deleting ones past the retention window. Producers are thin; the
// queue worker does the destructive part.
type CleanupJob struct {
	ID            string
	JobType       CleanupJobType
	TargetKind    string // "photo", "event", "photographer", "upload_intent"
	TargetID      string
	Status        CleanupJobStatus
	Attempts      int
	MaxAttempts   int
	LastError     string
	LastAttemptAt *time.Time
	NextAttemptAt time.Time
	CreatedAt     time.Time
	CompletedAt   *time.Time
}
