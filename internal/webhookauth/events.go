package webhookauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/framehaus/server/internal/config"
	"github.com/framehaus/server/internal/ledger"
	"github.com/framehaus/server/internal/logger"
	"github.com/framehaus/server/internal/storage"
	"github.com/framehaus/server/internal/uploads"
)

// Auth-provider event types.
const (
	AuthUserCreated = "user.created"
	AuthUserUpdated = "user.updated"
	AuthUserDeleted = "user.deleted"
)

// Storage event types.
const StorageObjectCreated = "object_created"

// AuthEvent is one user lifecycle event from the auth provider.
type AuthEvent struct {
	Type string `json:"type"`
	User struct {
		ID          string `json:"id"`
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
	} `json:"user"`
}

// StorageEvent is one object event from the storage event bus.
type StorageEvent struct {
	Type      string `json:"type"`
	EventID   string `json:"event_id"`
	ObjectKey string `json:"object_key"`
}

// Settler settles uploads against their intents; implemented by the
// uploads service.
type Settler interface {
	SettleUpload(ctx context.Context, objectKey string) (uploads.SettleResult, error)
}

// Dispatcher routes verified auth and storage events onto the domain
// services. Malformed or unknown payloads are logged and acked so the
// senders do not redeliver them forever.
type Dispatcher struct {
	store   storage.Store
	ledger  *ledger.Service
	settler Settler
	auth    config.AuthConfig
	now     func() time.Time
}

// NewDispatcher creates a webhook event dispatcher.
func NewDispatcher(store storage.Store, ldg *ledger.Service, settler Settler, auth config.AuthConfig) *Dispatcher {
	return &Dispatcher{
		store:   store,
		ledger:  ldg,
		settler: settler,
		auth:    auth,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleAuthEvent applies one user lifecycle event: account rows follow
// the auth provider, and new accounts receive the signup bonus. The bonus
// correlation makes redelivered created-events grant at most once.
func (d *Dispatcher) HandleAuthEvent(ctx context.Context, body []byte) error {
	log := logger.FromContext(ctx)

	var event AuthEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Error().Err(err).Msg("webhooks.auth.unparseable")
		return nil
	}
	if event.User.ID == "" {
		log.Error().Str("event_type", event.Type).Msg("webhooks.auth.missing_user_id")
		return nil
	}

	switch event.Type {
	case AuthUserCreated, AuthUserUpdated:
		if err := d.store.UpsertPhotographer(ctx, storage.Photographer{
			ID:          event.User.ID,
			Email:       event.User.Email,
			DisplayName: event.User.DisplayName,
		}); err != nil {
			return fmt.Errorf("upsert photographer: %w", err)
		}
		log.Info().
			Str("photographer_id", event.User.ID).
			Str("event_type", event.Type).
			Msg("webhooks.auth.photographer_upserted")

		if event.Type == AuthUserCreated && d.auth.SignupBonusCredits > 0 {
			if _, err := d.ledger.Grant(ctx, ledger.GrantRequest{
				PhotographerID:   event.User.ID,
				Source:           storage.SourceSignupBonus,
				Amount:           d.auth.SignupBonusCredits,
				CorrelationKind:  storage.CorrAdminOp,
				CorrelationValue: "signup:" + event.User.ID,
				Note:             "signup bonus",
			}); err != nil {
				return fmt.Errorf("grant signup bonus: %w", err)
			}
		}
		return nil

	case AuthUserDeleted:
		err := d.store.SoftDeletePhotographer(ctx, event.User.ID, d.now())
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().
				Str("photographer_id", event.User.ID).
				Msg("webhooks.auth.delete_unknown_photographer")
			return nil
		}
		if err != nil {
			return fmt.Errorf("soft delete photographer: %w", err)
		}
		log.Info().
			Str("photographer_id", event.User.ID).
			Msg("webhooks.auth.photographer_soft_deleted")
		return nil

	default:
		log.Info().Str("event_type", event.Type).Msg("webhooks.auth.ignored")
		return nil
	}
}

// HandleStorageEvent settles the upload intent owning the created object.
// Stray objects and permanently unsettleable intents are acked; the
// uploads service has already recorded their failure state.
func (d *Dispatcher) HandleStorageEvent(ctx context.Context, body []byte) error {
	log := logger.FromContext(ctx)

	var event StorageEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Error().Err(err).Msg("webhooks.storage.unparseable")
		return nil
	}
	if event.Type != StorageObjectCreated {
		log.Info().Str("event_type", event.Type).Msg("webhooks.storage.ignored")
		return nil
	}
	if event.ObjectKey == "" {
		log.Error().Msg("webhooks.storage.missing_object_key")
		return nil
	}

	result, err := d.settler.SettleUpload(ctx, event.ObjectKey)
	switch {
	case err == nil:
		log.Info().
			Str("object_key", event.ObjectKey).
			Str("intent_id", result.Intent.ID).
			Bool("replayed", result.Replayed).
			Msg("webhooks.storage.settled")
		return nil
	case errors.Is(err, storage.ErrNotFound):
		// No intent owns this key: a stray object, ack and move on.
		log.Warn().
			Str("object_key", event.ObjectKey).
			Msg("webhooks.storage.stray_object")
		return nil
	case errors.Is(err, uploads.ErrInsufficientCredits),
		errors.Is(err, uploads.ErrObjectMismatch),
		errors.Is(err, uploads.ErrObjectMissing),
		errors.Is(err, storage.ErrConflict):
		// Permanent for this delivery; the intent carries the failure state.
		log.Warn().Err(err).
			Str("object_key", event.ObjectKey).
			Msg("webhooks.storage.unsettleable")
		return nil
	default:
		return fmt.Errorf("settle upload: %w", err)
	}
}
