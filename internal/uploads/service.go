// Package uploads drives the upload intent lifecycle: presigned URL
// issuance, settlement of storage completion events against the credit
// ledger, re-presigning and cancellation.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/framehaus/server/internal/config"
	"github.com/framehaus/server/internal/logger"
	"github.com/framehaus/server/internal/metrics"
	"github.com/framehaus/server/internal/objectstore"
	"github.com/framehaus/server/internal/storage"
)

// Per-photo settlement price in credits.
const creditCostPerPhoto = 1

const reasonInsufficientCredits = "insufficient_credits"

var (
	// ErrUnsupportedContentType is returned for content types outside the
	// configured allow list.
	ErrUnsupportedContentType = errors.New("uploads: unsupported content type")
	// ErrContentTooLarge is returned when the declared size exceeds the cap.
	ErrContentTooLarge = errors.New("uploads: content too large")
	// ErrInsufficientCredits is returned when the balance cannot cover the
	// upload.
	ErrInsufficientCredits = errors.New("uploads: insufficient credits")
	// ErrObjectMismatch is returned when the stored object does not match
	// the intent's declaration.
	ErrObjectMismatch = errors.New("uploads: stored object does not match intent")
	// ErrObjectMissing is returned when settlement finds no object under
	// the intent's key.
	ErrObjectMissing = errors.New("uploads: object not uploaded")
	// ErrNotOwner is returned when the intent belongs to another account.
	ErrNotOwner = errors.New("uploads: intent belongs to another photographer")
	// ErrEventExpired is returned when a presign targets an expired or
	// soft-deleted event.
	ErrEventExpired = errors.New("uploads: event expired")
)

// Presigner issues signed PUT URLs.
type Presigner interface {
	PresignPut(ctx context.Context, objectKey, contentType string, contentLength int64, ttl time.Duration) (objectstore.PresignedUpload, error)
}

// Bucket validates and removes stored objects.
type Bucket interface {
	Stat(ctx context.Context, objectKey string) (objectstore.ObjectInfo, error)
	Delete(ctx context.Context, objectKey string) error
}

// Service implements the upload intent machine.
type Service struct {
	store     storage.Store
	presigner Presigner
	bucket    Bucket
	cfg       config.UploadsConfig
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService creates an uploads service. Metrics may be nil in tests.
func NewService(store storage.Store, presigner Presigner, bucket Bucket, cfg config.UploadsConfig, m *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		presigner: presigner,
		bucket:    bucket,
		cfg:       cfg,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PresignRequest asks for a signed upload slot.
type PresignRequest struct {
	PhotographerID string
	EventID        string
	Filename       string
	ContentType    string
	ContentLength  int64
}

// PresignResult carries the created intent and its signed upload.
type PresignResult struct {
	Intent UploadIntent
	Upload objectstore.PresignedUpload
}

// UploadIntent is the API-facing view of an intent.
type UploadIntent struct {
	ID               string               `json:"id"`
	EventID          string               `json:"event_id"`
	Status           storage.IntentStatus `json:"status"`
	Filename         string               `json:"filename"`
	ContentType      string               `json:"content_type"`
	ContentLength    int64                `json:"content_length"`
	ObjectKey        string               `json:"object_key"`
	PresignExpiresAt time.Time            `json:"presign_expires_at"`
	CreditCost       int64                `json:"credit_cost"`
	FailureReason    string               `json:"failure_reason,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
}

func toAPIIntent(intent storage.UploadIntent) UploadIntent {
	return UploadIntent{
		ID:               intent.ID,
		EventID:          intent.EventID,
		Status:           intent.Status,
		Filename:         intent.Filename,
		ContentType:      intent.ContentType,
		ContentLength:    intent.ContentLength,
		ObjectKey:        intent.ObjectKey,
		PresignExpiresAt: intent.PresignExpiresAt,
		CreditCost:       intent.CreditCost,
		FailureReason:    intent.FailureReason,
		CreatedAt:        intent.CreatedAt,
	}
}

// CreatePresign validates the request, checks the balance covers the upload
// and issues a presigned PUT bound to the declared content type and size.
// The balance check is advisory; settlement re-verifies under lock.
func (s *Service) CreatePresign(ctx context.Context, req PresignRequest) (PresignResult, error) {
	if err := s.validateContent(req.ContentType, req.ContentLength); err != nil {
		s.observePresign("rejected")
		return PresignResult{}, err
	}

	event, err := s.store.GetEvent(ctx, req.EventID)
	if err != nil {
		s.observePresign("rejected")
		return PresignResult{}, fmt.Errorf("load event: %w", err)
	}
	if event.PhotographerID != req.PhotographerID {
		s.observePresign("rejected")
		return PresignResult{}, ErrNotOwner
	}
	if event.DeletedAt != nil || (event.ExpiresAt != nil && !event.ExpiresAt.After(s.now())) {
		s.observePresign("rejected")
		return PresignResult{}, ErrEventExpired
	}

	balance, err := s.store.Balance(ctx, req.PhotographerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return PresignResult{}, fmt.Errorf("check balance: %w", err)
	}
	if balance < creditCostPerPhoto {
		s.observePresign("insufficient_credits")
		return PresignResult{}, ErrInsufficientCredits
	}

	now := s.now()
	filename := sanitizeFilename(req.Filename)
	intent := storage.UploadIntent{
		ID:               uuid.NewString(),
		PhotographerID:   req.PhotographerID,
		EventID:          req.EventID,
		Status:           storage.IntentPending,
		Filename:         filename,
		ContentType:      req.ContentType,
		ContentLength:    req.ContentLength,
		ObjectKey:        newObjectKey(req.PhotographerID, req.EventID, filename),
		PresignExpiresAt: now.Add(s.presignTTL()),
		CreditCost:       creditCostPerPhoto,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	upload, err := s.presigner.PresignPut(ctx, intent.ObjectKey, intent.ContentType, intent.ContentLength, s.presignTTL())
	if err != nil {
		s.observePresign("error")
		return PresignResult{}, fmt.Errorf("presign upload: %w", err)
	}

	if err := s.store.CreateIntent(ctx, intent); err != nil {
		return PresignResult{}, fmt.Errorf("create intent: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("intent_id", intent.ID).
		Str("photographer_id", req.PhotographerID).
		Str("object_key", intent.ObjectKey).
		Msg("uploads.presign.issued")
	s.observePresign("issued")

	return PresignResult{Intent: toAPIIntent(intent), Upload: upload}, nil
}

// Represign re-opens a pending, expired or failed intent with a rotated
// object key and a fresh presign. The old key becomes an orphan for the
// cleanup worker.
func (s *Service) Represign(ctx context.Context, intentID, photographerID string) (PresignResult, error) {
	intent, err := s.ownedIntent(ctx, intentID, photographerID)
	if err != nil {
		return PresignResult{}, err
	}
	switch intent.Status {
	case storage.IntentPending, storage.IntentExpired, storage.IntentFailed:
	default:
		return PresignResult{}, storage.ErrConflict
	}

	objectKey := newObjectKey(intent.PhotographerID, intent.EventID, intent.Filename)
	upload, err := s.presigner.PresignPut(ctx, objectKey, intent.ContentType, intent.ContentLength, s.presignTTL())
	if err != nil {
		s.observePresign("error")
		return PresignResult{}, fmt.Errorf("presign upload: %w", err)
	}

	refreshed, err := s.store.RepresignIntent(ctx, intent.ID, objectKey, upload.ExpiresAt)
	if err != nil {
		return PresignResult{}, fmt.Errorf("represign intent: %w", err)
	}
	s.observePresign("reissued")
	return PresignResult{Intent: toAPIIntent(refreshed), Upload: upload}, nil
}

// SettleResult reports a completed settlement.
type SettleResult struct {
	Intent     UploadIntent
	PhotoID    string
	NewBalance int64
	Replayed   bool
}

// SettleUpload is the storage-event entry point: the object landed under
// objectKey, so validate it and settle the owning intent. Stray objects
// return storage.ErrNotFound for the caller to ack; replays return the
// stored outcome.
func (s *Service) SettleUpload(ctx context.Context, objectKey string) (SettleResult, error) {
	intent, err := s.store.GetIntentByObjectKey(ctx, objectKey)
	if err != nil {
		return SettleResult{}, err
	}

	switch intent.Status {
	case storage.IntentPending:
		intent, err = s.store.TransitionIntent(ctx, intent.ID, storage.IntentUploaded, "")
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			return SettleResult{}, fmt.Errorf("mark uploaded: %w", err)
		}
	case storage.IntentUploaded, storage.IntentCompleted:
		// Crash retry or duplicate storage event.
	default:
		return SettleResult{}, storage.ErrConflict
	}

	return s.settle(ctx, intent)
}

// Settle settles an uploaded intent on behalf of its owner, for clients
// that poll instead of waiting for the storage event.
func (s *Service) Settle(ctx context.Context, intentID, photographerID string) (SettleResult, error) {
	intent, err := s.ownedIntent(ctx, intentID, photographerID)
	if err != nil {
		return SettleResult{}, err
	}
	return s.settle(ctx, intent)
}

func (s *Service) settle(ctx context.Context, intent storage.UploadIntent) (SettleResult, error) {
	start := s.now()
	log := logger.FromContext(ctx)

	info, err := s.bucket.Stat(ctx, intent.ObjectKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			s.observeSettlement("object_missing", start)
			return SettleResult{}, ErrObjectMissing
		}
		s.observeSettlement("error", start)
		return SettleResult{}, fmt.Errorf("stat object: %w", err)
	}
	if err := s.matchObject(intent, info); err != nil {
		s.observeSettlement("mismatch", start)
		s.failIntent(ctx, intent, err.Error())
		return SettleResult{}, err
	}

	// The object is in the bucket even if the storage event has not
	// arrived yet.
	if intent.Status == storage.IntentPending {
		updated, err := s.store.TransitionIntent(ctx, intent.ID, storage.IntentUploaded, "")
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			return SettleResult{}, fmt.Errorf("mark uploaded: %w", err)
		}
		if err == nil {
			intent = updated
		}
	}

	result, err := s.store.SettleIntent(ctx, storage.Settlement{
		IntentID: intent.ID,
		Photo: storage.Photo{
			ID:             uuid.NewString(),
			EventID:        intent.EventID,
			PhotographerID: intent.PhotographerID,
			UploadIntentID: intent.ID,
			ObjectKey:      intent.ObjectKey,
			ContentType:    info.ContentType,
			SizeBytes:      info.ContentLength,
			CreatedAt:      s.now(),
		},
		Debit: storage.DebitRequest{
			PhotographerID:   intent.PhotographerID,
			Amount:           intent.CreditCost,
			CorrelationKind:  storage.CorrUploadIntent,
			CorrelationValue: intent.ID,
			Note:             "photo upload",
		},
	})
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			s.observeSettlement("insufficient_credits", start)
			s.failIntent(ctx, intent, reasonInsufficientCredits)
			return SettleResult{}, ErrInsufficientCredits
		}
		s.observeSettlement("error", start)
		return SettleResult{}, fmt.Errorf("settle intent: %w", err)
	}

	if result.Replayed {
		log.Info().
			Str("intent_id", intent.ID).
			Msg("uploads.settle.replayed")
		s.observeSettlement("replayed", start)
	} else {
		log.Info().
			Str("intent_id", intent.ID).
			Str("photo_id", result.Photo.ID).
			Int64("new_balance", result.NewBalance).
			Msg("uploads.settle.completed")
		s.observeSettlement("completed", start)
	}

	return SettleResult{
		Intent:     toAPIIntent(result.Intent),
		PhotoID:    result.Photo.ID,
		NewBalance: result.NewBalance,
		Replayed:   result.Replayed,
	}, nil
}

// failIntent moves the intent to failed and removes the uploaded object so
// unsettleable uploads do not linger in the bucket.
func (s *Service) failIntent(ctx context.Context, intent storage.UploadIntent, reason string) {
	log := logger.FromContext(ctx)
	if _, err := s.store.TransitionIntent(ctx, intent.ID, storage.IntentFailed, reason); err != nil && !errors.Is(err, storage.ErrConflict) {
		log.Error().Err(err).
			Str("intent_id", intent.ID).
			Msg("uploads.settle.fail_transition_error")
	}
	if err := s.bucket.Delete(ctx, intent.ObjectKey); err != nil {
		log.Error().Err(err).
			Str("intent_id", intent.ID).
			Str("object_key", intent.ObjectKey).
			Msg("uploads.settle.orphan_delete_failed")
	}
	log.Warn().
		Str("intent_id", intent.ID).
		Str("reason", reason).
		Msg("uploads.settle.failed")
}

// Cancel voids a pending intent before upload.
func (s *Service) Cancel(ctx context.Context, intentID, photographerID string) (UploadIntent, error) {
	intent, err := s.ownedIntent(ctx, intentID, photographerID)
	if err != nil {
		return UploadIntent{}, err
	}
	updated, err := s.store.TransitionIntent(ctx, intent.ID, storage.IntentCancelled, "")
	if err != nil {
		return UploadIntent{}, err
	}
	return toAPIIntent(updated), nil
}

// Get returns one intent owned by the photographer.
func (s *Service) Get(ctx context.Context, intentID, photographerID string) (UploadIntent, error) {
	intent, err := s.ownedIntent(ctx, intentID, photographerID)
	if err != nil {
		return UploadIntent{}, err
	}
	return toAPIIntent(intent), nil
}

// List returns the photographer's intents, optionally filtered by status.
func (s *Service) List(ctx context.Context, photographerID string, status storage.IntentStatus, limit int) ([]UploadIntent, error) {
	intents, err := s.store.ListIntents(ctx, photographerID, status, limit)
	if err != nil {
		return nil, err
	}
	out := make([]UploadIntent, len(intents))
	for i, intent := range intents {
		out[i] = toAPIIntent(intent)
	}
	return out, nil
}

// ListForEvent returns the photographer's intents within one event.
func (s *Service) ListForEvent(ctx context.Context, photographerID, eventID string, limit int) ([]UploadIntent, error) {
	intents, err := s.store.ListIntents(ctx, photographerID, "", 0)
	if err != nil {
		return nil, err
	}
	out := make([]UploadIntent, 0, len(intents))
	for _, intent := range intents {
		if intent.EventID != eventID {
			continue
		}
		out = append(out, toAPIIntent(intent))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Statuses resolves a batch of intents for polling clients. Unknown or
// foreign IDs are skipped.
func (s *Service) Statuses(ctx context.Context, photographerID string, intentIDs []string) ([]UploadIntent, error) {
	out := make([]UploadIntent, 0, len(intentIDs))
	for _, id := range intentIDs {
		intent, err := s.store.GetIntent(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if intent.PhotographerID != photographerID {
			continue
		}
		out = append(out, toAPIIntent(intent))
	}
	return out, nil
}

// ExpireStale moves pending intents past their presign expiry to expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	count, err := s.store.ExpireStaleIntents(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expire stale intents: %w", err)
	}
	if count > 0 {
		log := logger.FromContext(ctx)
		log.Info().
			Int("expired", count).
			Msg("uploads.intents.expired")
		if s.metrics != nil {
			s.metrics.ObserveIntentsExpired(count)
		}
	}
	return count, nil
}

func (s *Service) ownedIntent(ctx context.Context, intentID, photographerID string) (storage.UploadIntent, error) {
	intent, err := s.store.GetIntent(ctx, intentID)
	if err != nil {
		return storage.UploadIntent{}, err
	}
	if intent.PhotographerID != photographerID {
		return storage.UploadIntent{}, ErrNotOwner
	}
	return intent, nil
}

func (s *Service) validateContent(contentType string, contentLength int64) error {
	allowed := false
	for _, candidate := range s.cfg.AllowedContentTypes {
		if strings.EqualFold(candidate, contentType) {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrUnsupportedContentType
	}
	if contentLength <= 0 || contentLength > s.cfg.MaxContentLength {
		return ErrContentTooLarge
	}
	return nil
}

func (s *Service) matchObject(intent storage.UploadIntent, info objectstore.ObjectInfo) error {
	if !strings.EqualFold(info.ContentType, intent.ContentType) {
		return fmt.Errorf("%w: content type %q, declared %q", ErrObjectMismatch, info.ContentType, intent.ContentType)
	}
	drift := info.ContentLength - intent.ContentLength
	if drift < 0 {
		drift = -drift
	}
	if drift > s.cfg.SizeTolerance {
		return fmt.Errorf("%w: size %d, declared %d", ErrObjectMismatch, info.ContentLength, intent.ContentLength)
	}
	return nil
}

func (s *Service) presignTTL() time.Duration {
	if ttl := s.cfg.PresignTTL.Duration; ttl > 0 {
		return ttl
	}
	return 15 * time.Minute
}

func (s *Service) observePresign(status string) {
	if s.metrics != nil {
		s.metrics.ObservePresign(status)
	}
}

func (s *Service) observeSettlement(status string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveSettlement(status, s.now().Sub(start))
	}
}

// newObjectKey mints a bucket key for one presigned upload slot. Every
// presign gets a fresh slot, so rotated presigns never collide with an
// object uploaded against an older URL.
func newObjectKey(photographerID, eventID, filename string) string {
	if filename == "" {
		filename = "photo"
	}
	return path.Join(photographerID, eventID, uuid.NewString(), filename)
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
