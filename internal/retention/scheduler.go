package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/framehaus/server/internal/config"
	"github.com/framehaus/server/internal/ledger"
	"github.com/framehaus/server/internal/metrics"
	"github.com/framehaus/server/internal/storage"
)

// How often pending intents are checked against their presign expiry.
const staleIntentInterval = time.Minute

// IntentExpirer marks pending upload intents past their presign deadline;
// implemented by the uploads service.
type IntentExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Scheduler runs the time-driven side of the pipeline: the daily
// soft-delete and hard-delete producers, the ledger expiry sweep and the
// stale-intent sweep. Producers only enqueue; the queue worker deletes.
type Scheduler struct {
	store    storage.Store
	ledger   *ledger.Service
	intents  IntentExpirer
	cfg      config.RetentionConfig
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	stopChan chan struct{}
	doneChan chan struct{}
	now      func() time.Time
}

// SchedulerOptions configures the retention scheduler.
type SchedulerOptions struct {
	Store   storage.Store
	Ledger  *ledger.Service
	Intents IntentExpirer
	Config  config.RetentionConfig
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// NewScheduler creates a retention scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	return &Scheduler{
		store:    opts.Store,
		ledger:   opts.Ledger,
		intents:  opts.Intents,
		cfg:      opts.Config,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the producer and sweep loops.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop blocks until the scheduler loop has exited.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	<-s.doneChan
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneChan)

	softTimer := time.NewTimer(untilNext(s.now(), s.cfg.SoftDeleteAt))
	defer softTimer.Stop()
	hardTimer := time.NewTimer(untilNext(s.now(), s.cfg.HardDeleteAt))
	defer hardTimer.Stop()
	staleTicker := time.NewTicker(staleIntentInterval)
	defer staleTicker.Stop()

	s.logger.Info().
		Str("soft_delete_at", s.cfg.SoftDeleteAt).
		Str("hard_delete_at", s.cfg.HardDeleteAt).
		Int("retention_days", s.cfg.RetentionDays).
		Msg("retention.scheduler.started")

	for {
		select {
		case <-s.stopChan:
			s.logger.Info().Msg("retention.scheduler.stopping")
			return
		case <-softTimer.C:
			s.RunSoftDeleteTick(ctx)
			softTimer.Reset(untilNext(s.now(), s.cfg.SoftDeleteAt))
		case <-hardTimer.C:
			s.RunHardDeleteTick(ctx)
			hardTimer.Reset(untilNext(s.now(), s.cfg.HardDeleteAt))
		case <-staleTicker.C:
			s.runStaleIntentSweep(ctx)
		}
	}
}

// RunSoftDeleteTick enqueues soft-delete jobs for events whose expiry has
// passed, and runs the ledger expiry sweep on the same daily cadence.
func (s *Scheduler) RunSoftDeleteTick(ctx context.Context) {
	now := s.now()

	if s.ledger != nil {
		if _, err := s.ledger.RunExpirySweep(ctx, now); err != nil {
			s.logger.Error().Err(err).Msg("retention.sweep.ledger_failed")
		}
	}

	events, err := s.store.ListExpiredEvents(ctx, now, s.cfg.CleanupBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("retention.producer.list_expired_failed")
		return
	}

	enqueued := 0
	for _, event := range events {
		_, err := s.store.EnqueueCleanupJob(ctx, storage.CleanupJob{
			JobType:     storage.JobSoftDelete,
			TargetKind:  "event",
			TargetID:    event.ID,
			MaxAttempts: s.cfg.MaxJobAttempts,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("event_id", event.ID).Msg("retention.producer.enqueue_failed")
			continue
		}
		enqueued++
	}

	if s.metrics != nil && enqueued > 0 {
		s.metrics.ObserveCleanupEnqueued(string(storage.JobSoftDelete), enqueued)
	}
	s.logger.Info().
		Int("expired_events", len(events)).
		Int("jobs_enqueued", enqueued).
		Msg("retention.producer.soft_delete_tick")
}

// RunHardDeleteTick enqueues hard-delete jobs for photos and events that
// have been soft-deleted longer than the retention window.
func (s *Scheduler) RunHardDeleteTick(ctx context.Context) {
	cutoff := s.now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)

	enqueued := 0
	photos, err := s.store.ListSoftDeletedPhotos(ctx, cutoff, s.cfg.CleanupBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("retention.producer.list_deleted_photos_failed")
	} else {
		for _, photo := range photos {
			_, err := s.store.EnqueueCleanupJob(ctx, storage.CleanupJob{
				JobType:     storage.JobHardDelete,
				TargetKind:  "photo",
				TargetID:    photo.ID,
				MaxAttempts: s.cfg.MaxJobAttempts,
			})
			if err != nil {
				s.logger.Error().Err(err).Str("photo_id", photo.ID).Msg("retention.producer.enqueue_failed")
				continue
			}
			enqueued++
		}
	}

	events, err := s.store.ListSoftDeletedEvents(ctx, cutoff, s.cfg.CleanupBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("retention.producer.list_deleted_events_failed")
	} else {
		for _, event := range events {
			_, err := s.store.EnqueueCleanupJob(ctx, storage.CleanupJob{
				JobType:     storage.JobHardDelete,
				TargetKind:  "event",
				TargetID:    event.ID,
				MaxAttempts: s.cfg.MaxJobAttempts,
			})
			if err != nil {
				s.logger.Error().Err(err).Str("event_id", event.ID).Msg("retention.producer.enqueue_failed")
				continue
			}
			enqueued++
		}
	}

	if s.metrics != nil && enqueued > 0 {
		s.metrics.ObserveCleanupEnqueued(string(storage.JobHardDelete), enqueued)
	}
	s.logger.Info().
		Time("cutoff", cutoff).
		Int("jobs_enqueued", enqueued).
		Msg("retention.producer.hard_delete_tick")
}

func (s *Scheduler) runStaleIntentSweep(ctx context.Context) {
	if s.intents == nil {
		return
	}
	expired, err := s.intents.ExpireStale(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("retention.sweep.intents_failed")
		return
	}
	if expired > 0 {
		s.logger.Info().Int("expired", expired).Msg("retention.sweep.intents_expired")
	}
}

// untilNext returns the duration until the next wall-clock occurrence of
// at ("15:04"). Config validation guarantees the format; a malformed value
// falls back to a 24h cadence.
func untilNext(now time.Time, at string) time.Duration {
	parsed, err := time.Parse("15:04", at)
	if err != nil {
		return 24 * time.Hour
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
