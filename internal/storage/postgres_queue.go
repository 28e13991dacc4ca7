package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Promo usage ---

func (s *PostgresStore) ReservePromoUsage(ctx context.Context, usage PromoUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.NewString()
	}
	if usage.Status == "" {
		usage.Status = PromoReserved
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promo_usages (id, code, photographer_id, stripe_session_id, status, created_at)
		VALUES ($1, LOWER($2), $3, $4, $5, $6)
	`, usage.ID, usage.Code, usage.PhotographerID, usage.StripeSessionID, string(usage.Status), usage.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// The partial unique indexes on (code, photographer_id) and
			// (code, stripe_session_id) resolve redemption races.
			return ErrDuplicatePromoUsage
		}
		return fmt.Errorf("reserve promo usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) CommitPromoUsage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE promo_usages SET status = $2 WHERE id = $1
	`, id, string(PromoCommitted))
	if err != nil {
		return fmt.Errorf("commit promo usage: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ReleasePromoUsage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM promo_usages WHERE id = $1 AND status = $2
	`, id, string(PromoReserved))
	if err != nil {
		return fmt.Errorf("release promo usage: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM promo_usages WHERE id = $1`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("release promo usage: %w", err)
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) CountPromoUsages(ctx context.Context, code string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM promo_usages WHERE code = LOWER($1)
	`, code).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count promo usages: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountPromoUsagesByPhotographer(ctx context.Context, code, photographerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM promo_usages WHERE code = LOWER($1) AND photographer_id = $2
	`, code, photographerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count promo usages by photographer: %w", err)
	}
	return count, nil
}

// --- Cleanup queue ---

func (s *PostgresStore) EnqueueCleanupJob(ctx context.Context, job CleanupJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 5
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cleanup_jobs (id, job_type, target_kind, target_id, status, attempts, max_attempts,
			last_error, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, '', $7, $8)
	`, job.ID, string(job.JobType), job.TargetKind, job.TargetID, string(job.Status),
		job.MaxAttempts, job.NextAttemptAt, job.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("enqueue cleanup job: %w", err)
	}
	return job.ID, nil
}

const jobColumns = `id, job_type, target_kind, target_id, status, attempts, max_attempts,
	last_error, last_attempt_at, next_attempt_at, created_at, completed_at`

func scanJob(row rowScanner) (CleanupJob, error) {
	var job CleanupJob
	var jobType, status string
	err := row.Scan(&job.ID, &jobType, &job.TargetKind, &job.TargetID, &status, &job.Attempts,
		&job.MaxAttempts, &job.LastError, &job.LastAttemptAt, &job.NextAttemptAt, &job.CreatedAt, &job.CompletedAt)
	if err != nil {
		return CleanupJob{}, err
	}
	job.JobType = CleanupJobType(jobType)
	job.Status = CleanupJobStatus(status)
	return job, nil
}

// DequeueCleanupJobs returns pending jobs that are due, oldest first.
// Workers claim each job with MarkJobProcessing before acting; the
// SKIP LOCKED read keeps concurrent pollers from contending.
func (s *PostgresStore) DequeueCleanupJobs(ctx context.Context, limit int) ([]CleanupJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM cleanup_jobs
		WHERE status = 'pending' AND next_attempt_at <= NOW()
		ORDER BY next_attempt_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("dequeue cleanup jobs: %w", err)
	}
	defer rows.Close()

	var out []CleanupJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cleanup job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkJobProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cleanup_jobs
		SET status = 'processing', attempts = attempts + 1, last_attempt_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM cleanup_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("mark job processing: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) MarkJobCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cleanup_jobs SET status = 'completed', completed_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkJobFailed(ctx context.Context, id string, errorMsg string, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cleanup_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'dlq' ELSE 'pending' END,
			last_error = $2,
			next_attempt_at = $3
		WHERE id = $1
	`, id, errorMsg, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListCleanupJobs(ctx context.Context, status CleanupJobStatus, limit int) ([]CleanupJob, error) {
	query := `SELECT ` + jobColumns + ` FROM cleanup_jobs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT $%d`, len(args)+1)
	args = append(args, nullableLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cleanup jobs: %w", err)
	}
	defer rows.Close()

	var out []CleanupJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cleanup job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
