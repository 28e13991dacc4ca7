package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *PostgresStore) CreateIntent(ctx context.Context, intent UploadIntent) error {
	now := time.Now().UTC()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	if intent.Status == "" {
		intent.Status = IntentPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_intents (id, photographer_id, event_id, status, filename, content_type,
			content_length, object_key, presign_expires_at, credit_cost, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, intent.ID, intent.PhotographerID, intent.EventID, string(intent.Status), intent.Filename,
		intent.ContentType, intent.ContentLength, intent.ObjectKey, intent.PresignExpiresAt,
		intent.CreditCost, intent.FailureReason, intent.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create intent: %w", err)
	}
	return nil
}

const intentColumns = `id, photographer_id, event_id, status, filename, content_type,
	content_length, object_key, presign_expires_at, credit_cost, failure_reason, created_at, updated_at`

func scanIntent(row rowScanner) (UploadIntent, error) {
	var intent UploadIntent
	var status string
	err := row.Scan(&intent.ID, &intent.PhotographerID, &intent.EventID, &status, &intent.Filename,
		&intent.ContentType, &intent.ContentLength, &intent.ObjectKey, &intent.PresignExpiresAt,
		&intent.CreditCost, &intent.FailureReason, &intent.CreatedAt, &intent.UpdatedAt)
	if err != nil {
		return UploadIntent{}, err
	}
	intent.Status = IntentStatus(status)
	return intent, nil
}

func (s *PostgresStore) GetIntent(ctx context.Context, id string) (UploadIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM upload_intents WHERE id = $1`, id)
	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UploadIntent{}, ErrNotFound
	}
	if err != nil {
		return UploadIntent{}, fmt.Errorf("get intent: %w", err)
	}
	return intent, nil
}

func (s *PostgresStore) GetIntentByObjectKey(ctx context.Context, objectKey string) (UploadIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM upload_intents WHERE object_key = $1`, objectKey)
	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UploadIntent{}, ErrNotFound
	}
	if err != nil {
		return UploadIntent{}, fmt.Errorf("get intent by object key: %w", err)
	}
	return intent, nil
}

func (s *PostgresStore) ListIntents(ctx context.Context, photographerID string, status IntentStatus, limit int) ([]UploadIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM upload_intents WHERE photographer_id = $1`
	args := []interface{}{photographerID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, nullableLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()

	var out []UploadIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionIntent(ctx context.Context, id string, to IntentStatus, failureReason string) (UploadIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UploadIntent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	intent, err := s.transitionIntentTx(ctx, tx, id, to, failureReason)
	if err != nil {
		return intent, err
	}
	if err := tx.Commit(); err != nil {
		return UploadIntent{}, fmt.Errorf("commit transition: %w", err)
	}
	return intent, nil
}

// transitionIntentTx locks the intent row, validates the transition and
// applies it.
func (s *PostgresStore) transitionIntentTx(ctx context.Context, tx *sql.Tx, id string, to IntentStatus, failureReason string) (UploadIntent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM upload_intents WHERE id = $1 FOR UPDATE`, id)
	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UploadIntent{}, ErrNotFound
	}
	if err != nil {
		return UploadIntent{}, fmt.Errorf("lock intent: %w", err)
	}

	if !intent.Status.ValidTransition(to) {
		return intent, ErrConflict
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE upload_intents SET status = $2, failure_reason = $3, updated_at = $4 WHERE id = $1
	`, id, string(to), failureReason, now); err != nil {
		return UploadIntent{}, fmt.Errorf("update intent: %w", err)
	}

	intent.Status = to
	intent.FailureReason = failureReason
	intent.UpdatedAt = now
	return intent, nil
}

func (s *PostgresStore) RepresignIntent(ctx context.Context, id string, objectKey string, expiresAt time.Time) (UploadIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UploadIntent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM upload_intents WHERE id = $1 FOR UPDATE`, id)
	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UploadIntent{}, ErrNotFound
	}
	if err != nil {
		return UploadIntent{}, fmt.Errorf("lock intent: %w", err)
	}
	switch intent.Status {
	case IntentPending, IntentExpired, IntentFailed:
	default:
		return intent, ErrConflict
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE upload_intents
		SET status = $2, object_key = $3, presign_expires_at = $4, failure_reason = '', updated_at = $5
		WHERE id = $1
	`, id, string(IntentPending), objectKey, expiresAt, now); err != nil {
		return UploadIntent{}, fmt.Errorf("represign intent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return UploadIntent{}, fmt.Errorf("commit represign: %w", err)
	}

	intent.Status = IntentPending
	intent.ObjectKey = objectKey
	intent.PresignExpiresAt = expiresAt
	intent.FailureReason = ""
	intent.UpdatedAt = now
	return intent, nil
}

// SettleIntent completes an uploaded intent, inserts the photo row and
// debits the ledger in one transaction. Replays return the stored outcome.
func (s *PostgresStore) SettleIntent(ctx context.Context, settlement Settlement) (SettlementResult, error) {
	// Fast replay check outside the transaction: a completed intent with
	// its debit entry means a previous settlement committed.
	if result, ok, err := s.replayedSettlement(ctx, settlement.IntentID); err != nil {
		return SettlementResult{}, err
	} else if ok {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SettlementResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	debitEntry, applied, err := s.applyDebitTx(ctx, tx, settlement.Debit, now)
	if errors.Is(err, ErrDuplicateCorrelation) {
		// Lost the insert race with a concurrent settlement; its commit
		// carries the outcome.
		_ = tx.Rollback()
		if result, ok, err := s.replayedSettlement(ctx, settlement.IntentID); err != nil {
			return SettlementResult{}, err
		} else if ok {
			return result, nil
		}
		return SettlementResult{}, ErrConflict
	}
	if err != nil {
		return SettlementResult{}, err
	}
	if !applied {
		// The debit already exists, so the prior settlement committed.
		_ = tx.Rollback()
		if result, ok, err := s.replayedSettlement(ctx, settlement.IntentID); err != nil {
			return SettlementResult{}, err
		} else if ok {
			return result, nil
		}
		return SettlementResult{}, ErrConflict
	}

	intent, err := s.transitionIntentTx(ctx, tx, settlement.IntentID, IntentCompleted, "")
	if err != nil {
		return SettlementResult{}, err
	}

	photo := settlement.Photo
	if photo.ID == "" {
		photo.ID = uuid.NewString()
	}
	photo.UploadIntentID = settlement.IntentID
	photo.CreatedAt = now
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO photos (id, event_id, photographer_id, upload_intent_id, object_key, content_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, photo.ID, photo.EventID, photo.PhotographerID, photo.UploadIntentID, photo.ObjectKey,
		photo.ContentType, photo.SizeBytes, photo.CreatedAt); err != nil {
		return SettlementResult{}, fmt.Errorf("insert photo: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `
		SELECT balance FROM photographers WHERE id = $1
	`, intent.PhotographerID).Scan(&balance); err != nil {
		return SettlementResult{}, fmt.Errorf("read balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SettlementResult{}, fmt.Errorf("commit settlement: %w", err)
	}

	return SettlementResult{
		Intent:     intent,
		Photo:      photo,
		DebitEntry: debitEntry,
		NewBalance: balance,
	}, nil
}

// replayedSettlement reconstructs the stored outcome of an already-settled
// intent from its photo, debit entry and balance projection.
func (s *PostgresStore) replayedSettlement(ctx context.Context, intentID string) (SettlementResult, bool, error) {
	intent, err := s.GetIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SettlementResult{}, false, ErrNotFound
		}
		return SettlementResult{}, false, err
	}
	if intent.Status != IntentCompleted {
		if intent.Status != IntentUploaded {
			return SettlementResult{}, false, ErrConflict
		}
		return SettlementResult{}, false, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, photographer_id, upload_intent_id, object_key, content_type, size_bytes, created_at, deleted_at
		FROM photos WHERE upload_intent_id = $1
	`, intentID)
	var photo Photo
	if err := row.Scan(&photo.ID, &photo.EventID, &photo.PhotographerID, &photo.UploadIntentID,
		&photo.ObjectKey, &photo.ContentType, &photo.SizeBytes, &photo.CreatedAt, &photo.DeletedAt); err != nil {
		return SettlementResult{}, false, fmt.Errorf("load settled photo: %w", err)
	}

	debit, err := s.GetEntryByCorrelation(ctx, CorrUploadIntent, intentID)
	if err != nil {
		return SettlementResult{}, false, err
	}
	balance, err := s.Balance(ctx, intent.PhotographerID)
	if err != nil {
		return SettlementResult{}, false, err
	}

	return SettlementResult{
		Intent:     intent,
		Photo:      photo,
		DebitEntry: debit,
		NewBalance: balance,
		Replayed:   true,
	}, true, nil
}

func (s *PostgresStore) ExpireStaleIntents(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE upload_intents SET status = $1, updated_at = $2
		WHERE status = $3 AND presign_expires_at < $2
	`, string(IntentExpired), now, string(IntentPending))
	if err != nil {
		return 0, fmt.Errorf("expire stale intents: %w", err)
	}
	count, _ := res.RowsAffected()
	return int(count), nil
}

// --- Photos ---

func (s *PostgresStore) GetPhoto(ctx context.Context, id string) (Photo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, photographer_id, upload_intent_id, object_key, content_type, size_bytes, created_at, deleted_at
		FROM photos WHERE id = $1
	`, id)
	var p Photo
	err := row.Scan(&p.ID, &p.EventID, &p.PhotographerID, &p.UploadIntentID, &p.ObjectKey,
		&p.ContentType, &p.SizeBytes, &p.CreatedAt, &p.DeletedAt)
	if err == sql.ErrNoRows {
		return Photo{}, ErrNotFound
	}
	if err != nil {
		return Photo{}, fmt.Errorf("get photo: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPhotos(ctx context.Context, eventID string) ([]Photo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, photographer_id, upload_intent_id, object_key, content_type, size_bytes, created_at, deleted_at
		FROM photos WHERE event_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list photos: %w", err)
	}
	defer rows.Close()

	var out []Photo
	for rows.Next() {
		var p Photo
		if err := rows.Scan(&p.ID, &p.EventID, &p.PhotographerID, &p.UploadIntentID, &p.ObjectKey,
			&p.ContentType, &p.SizeBytes, &p.CreatedAt, &p.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan photo: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SoftDeletePhoto(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE photos SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("soft delete photo: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM photos WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("soft delete photo: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *PostgresStore) ListSoftDeletedPhotos(ctx context.Context, before time.Time, limit int) ([]Photo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, photographer_id, upload_intent_id, object_key, content_type, size_bytes, created_at, deleted_at
		FROM photos WHERE deleted_at IS NOT NULL AND deleted_at < $1
		ORDER BY deleted_at ASC
		LIMIT $2
	`, before, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list soft deleted photos: %w", err)
	}
	defer rows.Close()

	var out []Photo
	for rows.Next() {
		var p Photo
		if err := rows.Scan(&p.ID, &p.EventID, &p.PhotographerID, &p.UploadIntentID, &p.ObjectKey,
			&p.ContentType, &p.SizeBytes, &p.CreatedAt, &p.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan photo: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HardDeletePhoto(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM photos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("hard delete photo: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}
