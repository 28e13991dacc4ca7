// Package retention implements the cleanup pipeline: thin daily producers
// enqueue soft-delete and hard-delete jobs into the persistent queue, and a
// polling worker owns the multi-step deletion (object teardown plus DB
// marking). Failed jobs retry with exponential backoff and land in the DLQ
// after their attempt budget.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/framehaus/server/internal/config"
	"github.com/framehaus/server/internal/metrics"
	"github.com/framehaus/server/internal/storage"
)

// Retry pacing for failed cleanup jobs.
const (
	initialBackoff = 30 * time.Second
	maxBackoff     = 15 * time.Minute
	backoffFactor  = 2.0
)

// Jobs dequeued per poll.
const dequeueBatch = 10

// ObjectDeleter removes stored objects; implemented by the object-store
// client. Delete must be idempotent: deleting a missing key succeeds.
type ObjectDeleter interface {
	Delete(ctx context.Context, objectKey string) error
}

// Worker drains the cleanup job queue.
type Worker struct {
	store    storage.Store
	bucket   ObjectDeleter
	cfg      config.RetentionConfig
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	stopChan chan struct{}
	doneChan chan struct{}
	now      func() time.Time
}

// WorkerOptions configures the cleanup queue worker.
type WorkerOptions struct {
	Store   storage.Store
	Bucket  ObjectDeleter
	Config  config.RetentionConfig
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// NewWorker creates a cleanup queue worker.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.Config.WorkerPoll.Duration <= 0 {
		opts.Config.WorkerPoll = config.Duration{Duration: 5 * time.Second}
	}
	return &Worker{
		store:    opts.Store,
		bucket:   opts.Bucket,
		cfg:      opts.Config,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start begins polling the queue.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop blocks until the worker loop has exited.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.cfg.WorkerPoll.Duration)
	defer ticker.Stop()

	w.logger.Info().
		Dur("poll_interval", w.cfg.WorkerPoll.Duration).
		Msg("retention.worker.started")

	for {
		select {
		case <-w.stopChan:
			w.logger.Info().Msg("retention.worker.stopping")
			return
		case <-ticker.C:
			w.ProcessQueue(ctx)
		}
	}
}

// ProcessQueue drains one batch of due jobs. Exported so tests and the
// scheduler can drive the worker without the ticker.
func (w *Worker) ProcessQueue(ctx context.Context) {
	jobs, err := w.store.DequeueCleanupJobs(ctx, dequeueBatch)
	if err != nil {
		w.logger.Error().Err(err).Msg("retention.worker.dequeue_failed")
		return
	}

	for _, job := range jobs {
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job storage.CleanupJob) {
	// Claiming the job bumps its attempt count; a concurrent worker that
	// lost the claim gets ErrConflict and moves on.
	if err := w.store.MarkJobProcessing(ctx, job.ID); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("retention.worker.claim_failed")
		}
		return
	}
	job.Attempts++

	if err := w.execute(ctx, job); err != nil {
		w.handleFailure(ctx, job, err)
		return
	}

	if err := w.store.MarkJobCompleted(ctx, job.ID); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("retention.worker.complete_failed")
		return
	}
	if w.metrics != nil {
		w.metrics.ObserveCleanupProcessed(string(job.JobType), "completed")
	}
	w.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", string(job.JobType)).
		Str("target_kind", job.TargetKind).
		Str("target_id", job.TargetID).
		Int("attempts", job.Attempts).
		Msg("retention.worker.job_completed")
}

// execute performs one deletion. Targets that are already gone count as
// success so redelivered jobs converge.
func (w *Worker) execute(ctx context.Context, job storage.CleanupJob) error {
	switch job.JobType {
	case storage.JobSoftDelete:
		return w.softDelete(ctx, job)
	case storage.JobHardDelete:
		return w.hardDelete(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.JobType)
	}
}

func (w *Worker) softDelete(ctx context.Context, job storage.CleanupJob) error {
	at := w.now()
	switch job.TargetKind {
	case "event":
		// Soft-deleting an event ages its photos into the hard-delete
		// window as well.
		photos, err := w.store.ListPhotos(ctx, job.TargetID)
		if err != nil {
			return fmt.Errorf("list photos: %w", err)
		}
		for _, photo := range photos {
			if err := w.store.SoftDeletePhoto(ctx, photo.ID, at); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("soft delete photo %s: %w", photo.ID, err)
			}
		}
		if err := w.store.SoftDeleteEvent(ctx, job.TargetID, at); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("soft delete event: %w", err)
		}
		return nil
	case "photo":
		if err := w.store.SoftDeletePhoto(ctx, job.TargetID, at); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("soft delete photo: %w", err)
		}
		return nil
	case "photographer":
		if err := w.store.SoftDeletePhotographer(ctx, job.TargetID, at); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("soft delete photographer: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown target kind %q", job.TargetKind)
	}
}

func (w *Worker) hardDelete(ctx context.Context, job storage.CleanupJob) error {
	switch job.TargetKind {
	case "photo":
		photo, err := w.store.GetPhoto(ctx, job.TargetID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get photo: %w", err)
		}
		// Object first: if the DB delete then fails, the retry re-deletes
		// an already-missing object, which is a no-op.
		if w.bucket != nil {
			if err := w.bucket.Delete(ctx, photo.ObjectKey); err != nil {
				return fmt.Errorf("delete object %s: %w", photo.ObjectKey, err)
			}
		}
		if err := w.store.HardDeletePhoto(ctx, job.TargetID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("hard delete photo: %w", err)
		}
		return nil
	case "event":
		if err := w.store.HardDeleteEvent(ctx, job.TargetID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("hard delete event: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown target kind %q", job.TargetKind)
	}
}

func (w *Worker) handleFailure(ctx context.Context, job storage.CleanupJob, execErr error) {
	nextAttemptAt := w.now().Add(backoff(job.Attempts))

	if err := w.store.MarkJobFailed(ctx, job.ID, execErr.Error(), nextAttemptAt); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("retention.worker.fail_mark_failed")
		return
	}

	if job.Attempts >= job.MaxAttempts {
		if w.metrics != nil {
			w.metrics.ObserveCleanupDLQ()
		}
		w.logger.Warn().
			Str("job_id", job.ID).
			Str("job_type", string(job.JobType)).
			Str("target_id", job.TargetID).
			Int("attempts", job.Attempts).
			Err(execErr).
			Msg("retention.worker.job_dead_lettered")
		return
	}

	if w.metrics != nil {
		w.metrics.ObserveCleanupProcessed(string(job.JobType), "retry")
	}
	w.logger.Warn().
		Str("job_id", job.ID).
		Str("job_type", string(job.JobType)).
		Str("target_id", job.TargetID).
		Int("attempts", job.Attempts).
		Time("next_attempt", nextAttemptAt).
		Err(execErr).
		Msg("retention.worker.job_retry_scheduled")
}

// backoff returns the delay before the next attempt, doubling per attempt
// up to the cap.
func backoff(attempt int) time.Duration {
	d := initialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * backoffFactor)
		if d > maxBackoff {
			return maxBackoff
		}
	}
	return d
}
