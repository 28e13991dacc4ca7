package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	if err := s.UpsertPhotographer(context.Background(), Photographer{ID: "ph_1", Email: "anna@example.com"}); err != nil {
		t.Fatalf("seed photographer: %v", err)
	}
	return s
}

func TestApplyGrant_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	grant := LedgerEntry{
		PhotographerID:   "ph_1",
		Source:           SourceStripe,
		Amount:           50,
		CorrelationKind:  CorrStripeSession,
		CorrelationValue: "cs_test_123",
	}

	first, applied, err := s.ApplyGrant(ctx, grant)
	if err != nil {
		t.Fatalf("ApplyGrant: %v", err)
	}
	if !applied {
		t.Fatal("first grant not applied")
	}

	// Same correlation pair delivered again: no new entry, same row back.
	second, applied, err := s.ApplyGrant(ctx, grant)
	if err != nil {
		t.Fatalf("ApplyGrant replay: %v", err)
	}
	if applied {
		t.Error("replayed grant reported as applied")
	}
	if second.ID != first.ID {
		t.Errorf("replay returned entry %s, want %s", second.ID, first.ID)
	}

	balance, err := s.Balance(ctx, "ph_1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 50 {
		t.Errorf("balance = %d, want 50 (single grant despite replay)", balance)
	}
}

func TestApplyDebit_InsufficientCredits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.ApplyGrant(ctx, LedgerEntry{
		PhotographerID: "ph_1", Source: SourceAdmin, Amount: 3,
		CorrelationKind: CorrAdminOp, CorrelationValue: "op_1",
	})

	_, _, err := s.ApplyDebit(ctx, DebitRequest{
		PhotographerID: "ph_1", Amount: 4,
		CorrelationKind: CorrUploadIntent, CorrelationValue: "int_1",
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}

	// A failed debit must leave no journal row behind.
	entries, _ := s.ListLedgerEntries(ctx, "ph_1", 0)
	if len(entries) != 1 {
		t.Errorf("journal has %d entries after failed debit, want 1", len(entries))
	}
}

func TestApplyDebit_ConsumesEarliestExpiryFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expEarly := time.Now().UTC().Add(24 * time.Hour)
	expLate := time.Now().UTC().Add(30 * 24 * time.Hour)

	s.ApplyGrant(ctx, LedgerEntry{
		PhotographerID: "ph_1", Source: SourceStripe, Amount: 10, ExpiresAt: &expLate,
		CorrelationKind: CorrStripeSession, CorrelationValue: "cs_late",
	})
	s.ApplyGrant(ctx, LedgerEntry{
		PhotographerID: "ph_1", Source: SourceGiftCode, Amount: 10, ExpiresAt: &expEarly,
		CorrelationKind: CorrGiftRedemption, CorrelationValue: "gift_early",
	})

	entry, applied, err := s.ApplyDebit(ctx, DebitRequest{
		PhotographerID: "ph_1", Amount: 5,
		CorrelationKind: CorrUploadIntent, CorrelationValue: "int_1",
	})
	if err != nil || !applied {
		t.Fatalf("ApplyDebit: applied=%v err=%v", applied, err)
	}
	if entry.ExpiresAt == nil || !entry.ExpiresAt.Equal(expEarly) {
		t.Errorf("debit inherited expiry %v, want earliest-expiring grant %v", entry.ExpiresAt, expEarly)
	}
}

func TestApplyDebit_Replay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.ApplyGrant(ctx, LedgerEntry{
		PhotographerID: "ph_1", Source: SourceAdmin, Amount: 10,
		CorrelationKind: CorrAdminOp, CorrelationValue: "op_1",
	})

	req := DebitRequest{
		PhotographerID: "ph_1", Amount: 2,
		CorrelationKind: CorrUploadIntent, CorrelationValue: "int_1",
	}
	first, _, err := s.ApplyDebit(ctx, req)
	if err != nil {
		t.Fatalf("ApplyDebit: %v", err)
	}
	second, applied, err := s.ApplyDebit(ctx, req)
	if err != nil {
		t.Fatalf("ApplyDebit replay: %v", err)
	}
	if applied || second.ID != first.ID {
		t.Errorf("replay applied=%v id=%s, want existing entry %s", applied, second.ID, first.ID)
	}

	balance, _ := s.Balance(ctx, "ph_1")
	if balance != 8 {
		t.Errorf("balance = %d, want 8 (single debit)", balance)
	}
}

func TestApplyDebit_ConcurrentSameCorrelation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.ApplyGrant(ctx, LedgerEntry{
		PhotographerID: "ph_1", Source: SourceAdmin, Amount: 10,
		CorrelationKind: CorrAdminOp, CorrelationValue: "op_1",
	})

	req := DebitRequest{
		PhotographerID: "ph_1", Amount: 3,
		CorrelationKind: CorrUploadIntent, CorrelationValue: "int_race",
	}

	const racers = 8
	var wg sync.WaitGroup
	entries := make([]LedgerEntry, racers)
	applies := make([]bool, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], applies[i], errs[i] = s.ApplyDebit(ctx, req)
		}(i)
	}
	wg.Wait()

	// Every racer gets the winning entry back; losing the insert race is
	// a replay, not an error.
	var appliedCount int
	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("racer %d: %v", i, errs[i])
		}
		if applies[i] {
			appliedCount++
		}
		if entries[i].ID != entries[0].ID {
			t.Errorf("racer %d got entry %s, want %s", i, entries[i].ID, entries[0].ID)
		}
	}
	if appliedCount != 1 {
		t.Errorf("applied count = %d, want 1", appliedCount)
	}

	balance, _ := s.Balance(ctx, "ph_1")
	if balance != 7 {
		t.Errorf("balance = %d, want 7 (single debit)", balance)
	}
}

func TestSweepExpiredGrants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	s.ApplyGrant(ctx, LedgerEntry{
		PhotographerID: "ph_1", Source: SourceAppStore, Amount: 10, ExpiresAt: &past,
		CorrelationKind: CorrAppleTransaction, CorrelationValue: "txn_1",
	})

	appended, err := s.SweepExpiredGrants(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("SweepExpiredGrants: %v", err)
	}
	if len(appended) != 1 {
		t.Fatalf("appended %d entries, want 1", len(appended))
	}
	if appended[0].Type != EntryExpiryAdjust || appended[0].Amount != -10 {
		t.Errorf("adjustment = %+v, want expiry_adjust of -10", appended[0])
	}

	balance, _ := s.Balance(ctx, "ph_1")
	if balance != 0 {
		t.Errorf("balance = %d, want 0 after sweep", balance)
	}

	// A second sweep is a no-op: the write-off is keyed by grant ID.
	appended, err = s.SweepExpiredGrants(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(appended) != 0 {
		t.Errorf("second sweep appended %d entries, want 0", len(appended))
	}
}

func TestApplyDebit_SweepsBeforeConsuming(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	s.ApplyGrant(ctx, LedgerEntry{
		PhotographerID: "ph_1", Source: SourceStripe, Amount: 10, ExpiresAt: &past,
		CorrelationKind: CorrStripeSession, CorrelationValue: "cs_expired",
	})
	s.ApplyGrant(ctx, LedgerEntry{
		PhotographerID: "ph_1", Source: SourceStripe, Amount: 5,
		CorrelationKind: CorrStripeSession, CorrelationValue: "cs_live",
	})

	// Only the live grant is spendable.
	_, _, err := s.ApplyDebit(ctx, DebitRequest{
		PhotographerID: "ph_1", Amount: 6,
		CorrelationKind: CorrUploadIntent, CorrelationValue: "int_1",
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}

	entry, applied, err := s.ApplyDebit(ctx, DebitRequest{
		PhotographerID: "ph_1", Amount: 5,
		CorrelationKind: CorrUploadIntent, CorrelationValue: "int_2",
	})
	if err != nil || !applied {
		t.Fatalf("ApplyDebit: applied=%v err=%v", applied, err)
	}
	if entry.ExpiresAt != nil {
		t.Errorf("debit inherited expiry %v from expired grant, want nil", entry.ExpiresAt)
	}

	balance, _ := s.Balance(ctx, "ph_1")
	if balance != 0 {
		t.Errorf("balance = %d, want 0 (expired grant written off, live grant spent)", balance)
	}
}

func TestIntentTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	intent := UploadIntent{
		ID: "int_1", PhotographerID: "ph_1", EventID: "ev_1", Status: IntentPending,
		ObjectKey: "ph_1/ev_1/int_1.jpg", PresignExpiresAt: time.Now().Add(15 * time.Minute),
		CreditCost: 1,
	}
	if err := s.CreateIntent(ctx, intent); err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}

	if _, err := s.TransitionIntent(ctx, "int_1", IntentCompleted, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("pending->completed err = %v, want ErrConflict", err)
	}

	if _, err := s.TransitionIntent(ctx, "int_1", IntentUploaded, ""); err != nil {
		t.Fatalf("pending->uploaded: %v", err)
	}

	if _, err := s.TransitionIntent(ctx, "int_1", IntentCancelled, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("uploaded->cancelled err = %v, want ErrConflict", err)
	}
}

func TestSettleIntent_AtomicAndReplayable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.ApplyGrant(ctx, LedgerEntry{
		PhotographerID: "ph_1", Source: SourceStripe, Amount: 5,
		CorrelationKind: CorrStripeSession, CorrelationValue: "cs_1",
	})
	s.CreateIntent(ctx, UploadIntent{
		ID: "int_1", PhotographerID: "ph_1", EventID: "ev_1", Status: IntentPending,
		ObjectKey: "ph_1/ev_1/int_1.jpg", PresignExpiresAt: time.Now().Add(15 * time.Minute),
		CreditCost: 1,
	})
	s.TransitionIntent(ctx, "int_1", IntentUploaded, "")

	settlement := Settlement{
		IntentID: "int_1",
		Photo: Photo{
			EventID: "ev_1", PhotographerID: "ph_1",
			ObjectKey: "ph_1/ev_1/int_1.jpg", ContentType: "image/jpeg", SizeBytes: 1024,
		},
		Debit: DebitRequest{
			PhotographerID: "ph_1", Amount: 1,
			CorrelationKind: CorrUploadIntent, CorrelationValue: "int_1",
		},
	}

	result, err := s.SettleIntent(ctx, settlement)
	if err != nil {
		t.Fatalf("SettleIntent: %v", err)
	}
	if result.Intent.Status != IntentCompleted {
		t.Errorf("intent status = %s, want completed", result.Intent.Status)
	}
	if result.NewBalance != 4 {
		t.Errorf("new balance = %d, want 4", result.NewBalance)
	}
	if result.Replayed {
		t.Error("first settlement flagged as replayed")
	}

	// Settling the same intent again returns the stored outcome and does
	// not debit twice.
	replay, err := s.SettleIntent(ctx, settlement)
	if err != nil {
		t.Fatalf("SettleIntent replay: %v", err)
	}
	if !replay.Replayed {
		t.Error("replay not flagged")
	}
	if replay.Photo.ID != result.Photo.ID {
		t.Errorf("replay photo = %s, want %s", replay.Photo.ID, result.Photo.ID)
	}
	balance, _ := s.Balance(ctx, "ph_1")
	if balance != 4 {
		t.Errorf("balance = %d after replay, want 4", balance)
	}

	photos, _ := s.ListPhotos(ctx, "ev_1")
	if len(photos) != 1 {
		t.Errorf("photos = %d, want 1", len(photos))
	}
}

func TestSettleIntent_InsufficientCreditsLeavesIntentUploaded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateIntent(ctx, UploadIntent{
		ID: "int_1", PhotographerID: "ph_1", EventID: "ev_1", Status: IntentPending,
		ObjectKey: "k", PresignExpiresAt: time.Now().Add(time.Minute), CreditCost: 1,
	})
	s.TransitionIntent(ctx, "int_1", IntentUploaded, "")

	_, err := s.SettleIntent(ctx, Settlement{
		IntentID: "int_1",
		Photo:    Photo{EventID: "ev_1", PhotographerID: "ph_1", ObjectKey: "k"},
		Debit: DebitRequest{
			PhotographerID: "ph_1", Amount: 1,
			CorrelationKind: CorrUploadIntent, CorrelationValue: "int_1",
		},
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}

	intent, _ := s.GetIntent(ctx, "int_1")
	if intent.Status != IntentUploaded {
		t.Errorf("intent status = %s, want uploaded (settlement rolled back)", intent.Status)
	}
	photos, _ := s.ListPhotos(ctx, "ev_1")
	if len(photos) != 0 {
		t.Errorf("photos = %d after failed settlement, want 0", len(photos))
	}
}

func TestExpireStaleIntents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateIntent(ctx, UploadIntent{
		ID: "int_stale", PhotographerID: "ph_1", EventID: "ev_1",
		Status: IntentPending, PresignExpiresAt: time.Now().Add(-time.Minute), ObjectKey: "a",
	})
	s.CreateIntent(ctx, UploadIntent{
		ID: "int_fresh", PhotographerID: "ph_1", EventID: "ev_1",
		Status: IntentPending, PresignExpiresAt: time.Now().Add(time.Hour), ObjectKey: "b",
	})

	count, err := s.ExpireStaleIntents(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireStaleIntents: %v", err)
	}
	if count != 1 {
		t.Errorf("expired %d intents, want 1", count)
	}

	stale, _ := s.GetIntent(ctx, "int_stale")
	if stale.Status != IntentExpired {
		t.Errorf("stale intent status = %s, want expired", stale.Status)
	}
	fresh, _ := s.GetIntent(ctx, "int_fresh")
	if fresh.Status != IntentPending {
		t.Errorf("fresh intent status = %s, want pending", fresh.Status)
	}
}

func TestPromoUsage_UniquePerPhotographerAndSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.ReservePromoUsage(ctx, PromoUsage{Code: "WELCOME", PhotographerID: "ph_1", StripeSessionID: "cs_1"})
	if err != nil {
		t.Fatalf("first reservation: %v", err)
	}

	err = s.ReservePromoUsage(ctx, PromoUsage{Code: "welcome", PhotographerID: "ph_1", StripeSessionID: "cs_2"})
	if !errors.Is(err, ErrDuplicatePromoUsage) {
		t.Errorf("same photographer err = %v, want ErrDuplicatePromoUsage", err)
	}

	err = s.ReservePromoUsage(ctx, PromoUsage{Code: "WELCOME", PhotographerID: "ph_2", StripeSessionID: "cs_1"})
	if !errors.Is(err, ErrDuplicatePromoUsage) {
		t.Errorf("same session err = %v, want ErrDuplicatePromoUsage", err)
	}

	err = s.ReservePromoUsage(ctx, PromoUsage{Code: "WELCOME", PhotographerID: "ph_2", StripeSessionID: "cs_2"})
	if err != nil {
		t.Errorf("distinct photographer and session err = %v, want nil", err)
	}

	count, _ := s.CountPromoUsages(ctx, "welcome")
	if count != 2 {
		t.Errorf("usages = %d, want 2", count)
	}
}

func TestPromoUsage_ReleaseOnlyReserved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	usage := PromoUsage{ID: "u_1", Code: "GIFT", PhotographerID: "ph_1"}
	s.ReservePromoUsage(ctx, usage)
	if err := s.CommitPromoUsage(ctx, "u_1"); err != nil {
		t.Fatalf("CommitPromoUsage: %v", err)
	}
	if err := s.ReleasePromoUsage(ctx, "u_1"); !errors.Is(err, ErrConflict) {
		t.Errorf("release of committed usage err = %v, want ErrConflict", err)
	}
}

func TestCleanupQueue_RetryAndDLQ(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueCleanupJob(ctx, CleanupJob{
		JobType: JobHardDelete, TargetKind: "photo", TargetID: "p_1", MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("EnqueueCleanupJob: %v", err)
	}

	jobs, _ := s.DequeueCleanupJobs(ctx, 10)
	if len(jobs) != 1 {
		t.Fatalf("dequeued %d jobs, want 1", len(jobs))
	}

	// First attempt fails and is rescheduled.
	s.MarkJobProcessing(ctx, id)
	s.MarkJobFailed(ctx, id, "object store unavailable", time.Now().Add(-time.Second))

	jobs, _ = s.DequeueCleanupJobs(ctx, 10)
	if len(jobs) != 1 {
		t.Fatalf("after retry schedule, dequeued %d jobs, want 1", len(jobs))
	}

	// Second failure exhausts MaxAttempts and parks the job.
	s.MarkJobProcessing(ctx, id)
	s.MarkJobFailed(ctx, id, "object store unavailable", time.Now().Add(time.Minute))

	dlq, _ := s.ListCleanupJobs(ctx, JobDLQ, 0)
	if len(dlq) != 1 {
		t.Fatalf("DLQ has %d jobs, want 1", len(dlq))
	}
	if dlq[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", dlq[0].Attempts)
	}
}

func TestSoftDeleteListing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateEvent(ctx, Event{ID: "ev_1", PhotographerID: "ph_1", Title: "Vienna Marathon"})
	old := time.Now().Add(-40 * 24 * time.Hour)
	s.SoftDeleteEvent(ctx, "ev_1", old)

	events, _ := s.ListEvents(ctx, "ph_1")
	if len(events) != 0 {
		t.Errorf("ListEvents returned %d soft-deleted events, want 0", len(events))
	}

	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	deleted, _ := s.ListSoftDeletedEvents(ctx, cutoff, 0)
	if len(deleted) != 1 {
		t.Errorf("soft-deleted events past retention = %d, want 1", len(deleted))
	}
}
