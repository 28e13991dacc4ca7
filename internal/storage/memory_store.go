package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of Store, used in tests and
// single-node development setups. All multi-entity operations hold one
// mutex, giving the same atomicity the Postgres store gets from
// transactions.
type MemoryStore struct {
	mu sync.Mutex

	photographers map[string]Photographer
	events        map[string]Event
	entries       map[string][]LedgerEntry // photographer ID -> journal, append order
	correlations  map[string]string        // "kind\x00value" -> entry ID
	entryByID     map[string]LedgerEntry
	intents       map[string]UploadIntent
	photos        map[string]Photo
	promoUsages   map[string]PromoUsage
	jobs          map[string]CleanupJob
	settlements   map[string]SettlementResult // intent ID -> stored outcome
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		photographers: make(map[string]Photographer),
		events:        make(map[string]Event),
		entries:       make(map[string][]LedgerEntry),
		correlations:  make(map[string]string),
		entryByID:     make(map[string]LedgerEntry),
		intents:       make(map[string]UploadIntent),
		photos:        make(map[string]Photo),
		promoUsages:   make(map[string]PromoUsage),
		jobs:          make(map[string]CleanupJob),
		settlements:   make(map[string]SettlementResult),
	}
}

func corrKey(kind CorrelationKind, value string) string {
	return string(kind) + "\x00" + value
}

// --- Photographers ---

func (s *MemoryStore) UpsertPhotographer(ctx context.Context, p Photographer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.photographers[p.ID]; ok {
		// Preserve the balance projection and creation time on update.
		p.Balance = existing.Balance
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()
	s.photographers[p.ID] = p
	return nil
}

func (s *MemoryStore) GetPhotographer(ctx context.Context, id string) (Photographer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.photographers[id]
	if !ok {
		return Photographer{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) SoftDeletePhotographer(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.photographers[id]
	if !ok {
		return ErrNotFound
	}
	if p.DeletedAt == nil {
		p.DeletedAt = &at
		p.UpdatedAt = time.Now().UTC()
		s.photographers[id] = p
	}
	return nil
}

// --- Events ---

func (s *MemoryStore) CreateEvent(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.events[e.ID] = e
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, photographerID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.events {
		if e.PhotographerID == photographerID && e.DeletedAt == nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListExpiredEvents(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.events {
		if e.DeletedAt == nil && e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SoftDeleteEvent(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if e.DeletedAt == nil {
		e.DeletedAt = &at
		s.events[id] = e
	}
	return nil
}

func (s *MemoryStore) ListSoftDeletedEvents(ctx context.Context, before time.Time, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.events {
		if e.DeletedAt != nil && e.DeletedAt.Before(before) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.Before(*out[j].DeletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) HardDeleteEvent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[id]; !ok {
		return ErrNotFound
	}
	delete(s.events, id)
	return nil
}

// --- Ledger ---

func (s *MemoryStore) ApplyGrant(ctx context.Context, grant LedgerEntry) (LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if grant.Amount <= 0 {
		return LedgerEntry{}, false, ErrConflict
	}

	if existingID, ok := s.correlations[corrKey(grant.CorrelationKind, grant.CorrelationValue)]; ok {
		return s.entryByID[existingID], false, nil
	}

	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	grant.Type = EntryGrant
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}

	s.appendEntryLocked(grant)
	return grant, true, nil
}

func (s *MemoryStore) ApplyDebit(ctx context.Context, debit DebitRequest) (LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applyDebitLocked(debit, time.Now().UTC())
}

// applyDebitLocked sweeps expired grants for the photographer, plans the
// debit FIFO across the remaining lots and appends the entry. Caller must
// hold the mutex.
func (s *MemoryStore) applyDebitLocked(debit DebitRequest, now time.Time) (LedgerEntry, bool, error) {
	if debit.Amount <= 0 {
		return LedgerEntry{}, false, ErrConflict
	}

	if existingID, ok := s.correlations[corrKey(debit.CorrelationKind, debit.CorrelationValue)]; ok {
		return s.entryByID[existingID], false, nil
	}

	// Expired grants must be written off before consumption is planned,
	// otherwise the FIFO allocation would route this debit through lots
	// that are no longer spendable.
	s.sweepPhotographerLocked(debit.PhotographerID, now)

	lots := BuildLots(s.entries[debit.PhotographerID])
	if AvailableCredits(lots, now) < debit.Amount {
		return LedgerEntry{}, false, ErrInsufficientCredits
	}
	inherited, ok := PlanDebit(lots, debit.Amount, now)
	if !ok {
		return LedgerEntry{}, false, ErrInsufficientCredits
	}

	entry := LedgerEntry{
		ID:               uuid.NewString(),
		PhotographerID:   debit.PhotographerID,
		Type:             EntryDebit,
		Amount:           -debit.Amount,
		ExpiresAt:        inherited,
		CorrelationKind:  debit.CorrelationKind,
		CorrelationValue: debit.CorrelationValue,
		Note:             debit.Note,
		CreatedAt:        now,
	}
	s.appendEntryLocked(entry)
	return entry, true, nil
}

func (s *MemoryStore) ApplyRevocation(ctx context.Context, rev RevocationRequest) (LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rev.Amount <= 0 {
		return LedgerEntry{}, false, ErrConflict
	}
	if existingID, ok := s.correlations[corrKey(rev.CorrelationKind, rev.CorrelationValue)]; ok {
		return s.entryByID[existingID], false, nil
	}

	entry := LedgerEntry{
		ID:               uuid.NewString(),
		PhotographerID:   rev.PhotographerID,
		Type:             EntryRevoke,
		Source:           rev.Source,
		Amount:           -rev.Amount,
		CorrelationKind:  rev.CorrelationKind,
		CorrelationValue: rev.CorrelationValue,
		Note:             rev.Note,
		CreatedAt:        time.Now().UTC(),
	}
	s.appendEntryLocked(entry)
	return entry, true, nil
}

// appendEntryLocked writes the journal row and updates the cached balance.
func (s *MemoryStore) appendEntryLocked(e LedgerEntry) {
	s.entries[e.PhotographerID] = append(s.entries[e.PhotographerID], e)
	s.correlations[corrKey(e.CorrelationKind, e.CorrelationValue)] = e.ID
	s.entryByID[e.ID] = e

	if p, ok := s.photographers[e.PhotographerID]; ok {
		p.Balance += e.Amount
		p.UpdatedAt = time.Now().UTC()
		s.photographers[e.PhotographerID] = p
	}
}

func (s *MemoryStore) Balance(ctx context.Context, photographerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.photographers[photographerID]; ok {
		return p.Balance, nil
	}
	// An account unknown to the store but present in the journal still has
	// a derivable balance.
	entries, ok := s.entries[photographerID]
	if !ok {
		return 0, ErrNotFound
	}
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	return total, nil
}

func (s *MemoryStore) ListLedgerEntries(ctx context.Context, photographerID string, limit int) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.entries[photographerID]
	out := make([]LedgerEntry, len(entries))
	copy(out, entries)
	// Newest first for listings; BuildLots callers re-sort as needed.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetEntryByCorrelation(ctx context.Context, kind CorrelationKind, value string) (LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.correlations[corrKey(kind, value)]
	if !ok {
		return LedgerEntry{}, ErrNotFound
	}
	return s.entryByID[id], nil
}

func (s *MemoryStore) SweepExpiredGrants(ctx context.Context, now time.Time) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var appended []LedgerEntry
	for photographerID := range s.entries {
		appended = append(appended, s.sweepPhotographerLocked(photographerID, now)...)
	}
	return appended, nil
}

func (s *MemoryStore) sweepPhotographerLocked(photographerID string, now time.Time) []LedgerEntry {
	lots := BuildLots(s.entries[photographerID])
	remainders := ExpiredRemainders(lots, now)
	if len(remainders) == 0 {
		return nil
	}

	// Deterministic order for tests and logs.
	grantIDs := make([]string, 0, len(remainders))
	for id := range remainders {
		grantIDs = append(grantIDs, id)
	}
	sort.Strings(grantIDs)

	var appended []LedgerEntry
	for _, grantID := range grantIDs {
		if _, exists := s.correlations[corrKey(CorrExpiryAdjust, grantID)]; exists {
			continue
		}
		entry := LedgerEntry{
			ID:               uuid.NewString(),
			PhotographerID:   photographerID,
			Type:             EntryExpiryAdjust,
			Amount:           -remainders[grantID],
			CorrelationKind:  CorrExpiryAdjust,
			CorrelationValue: grantID,
			Note:             "expired grant write-off",
			CreatedAt:        now,
		}
		s.appendEntryLocked(entry)
		appended = append(appended, entry)
	}
	return appended
}

// --- Upload intents ---

func (s *MemoryStore) CreateIntent(ctx context.Context, intent UploadIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}
	intent.UpdatedAt = intent.CreatedAt
	if intent.Status == "" {
		intent.Status = IntentPending
	}
	s.intents[intent.ID] = intent
	return nil
}

func (s *MemoryStore) GetIntent(ctx context.Context, id string) (UploadIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[id]
	if !ok {
		return UploadIntent{}, ErrNotFound
	}
	return intent, nil
}

func (s *MemoryStore) GetIntentByObjectKey(ctx context.Context, objectKey string) (UploadIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, intent := range s.intents {
		if intent.ObjectKey == objectKey {
			return intent, nil
		}
	}
	return UploadIntent{}, ErrNotFound
}

func (s *MemoryStore) ListIntents(ctx context.Context, photographerID string, status IntentStatus, limit int) ([]UploadIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []UploadIntent
	for _, intent := range s.intents {
		if intent.PhotographerID != photographerID {
			continue
		}
		if status != "" && intent.Status != status {
			continue
		}
		out = append(out, intent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TransitionIntent(ctx context.Context, id string, to IntentStatus, failureReason string) (UploadIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transitionIntentLocked(id, to, failureReason)
}

func (s *MemoryStore) transitionIntentLocked(id string, to IntentStatus, failureReason string) (UploadIntent, error) {
	intent, ok := s.intents[id]
	if !ok {
		return UploadIntent{}, ErrNotFound
	}
	if !intent.Status.ValidTransition(to) {
		return intent, ErrConflict
	}
	intent.Status = to
	intent.FailureReason = failureReason
	intent.UpdatedAt = time.Now().UTC()
	s.intents[id] = intent
	return intent, nil
}

func (s *MemoryStore) RepresignIntent(ctx context.Context, id string, objectKey string, expiresAt time.Time) (UploadIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[id]
	if !ok {
		return UploadIntent{}, ErrNotFound
	}
	switch intent.Status {
	case IntentPending, IntentExpired, IntentFailed:
	default:
		return intent, ErrConflict
	}
	intent.Status = IntentPending
	intent.ObjectKey = objectKey
	intent.PresignExpiresAt = expiresAt
	intent.FailureReason = ""
	intent.UpdatedAt = time.Now().UTC()
	s.intents[id] = intent
	return intent, nil
}

func (s *MemoryStore) SettleIntent(ctx context.Context, settlement Settlement) (SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.settlements[settlement.IntentID]; ok {
		stored.Replayed = true
		return stored, nil
	}

	intent, ok := s.intents[settlement.IntentID]
	if !ok {
		return SettlementResult{}, ErrNotFound
	}
	if intent.Status != IntentUploaded {
		return SettlementResult{}, ErrConflict
	}

	now := time.Now().UTC()
	debitEntry, applied, err := s.applyDebitLocked(settlement.Debit, now)
	if err != nil {
		return SettlementResult{}, err
	}
	if !applied {
		// The debit row already exists for this intent; reconstruct the
		// stored outcome rather than inserting a second photo.
		if stored, ok := s.settlements[settlement.IntentID]; ok {
			stored.Replayed = true
			return stored, nil
		}
	}

	intent, err = s.transitionIntentLocked(settlement.IntentID, IntentCompleted, "")
	if err != nil {
		return SettlementResult{}, err
	}

	photo := settlement.Photo
	if photo.ID == "" {
		photo.ID = uuid.NewString()
	}
	photo.UploadIntentID = settlement.IntentID
	photo.CreatedAt = now
	s.photos[photo.ID] = photo

	result := SettlementResult{
		Intent:     intent,
		Photo:      photo,
		DebitEntry: debitEntry,
		NewBalance: s.photographers[intent.PhotographerID].Balance,
	}
	s.settlements[settlement.IntentID] = result
	return result, nil
}

func (s *MemoryStore) ExpireStaleIntents(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, intent := range s.intents {
		if intent.Status == IntentPending && intent.PresignExpiresAt.Before(now) {
			intent.Status = IntentExpired
			intent.UpdatedAt = now
			s.intents[id] = intent
			count++
		}
	}
	return count, nil
}

// --- Photos ---

func (s *MemoryStore) GetPhoto(ctx context.Context, id string) (Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	photo, ok := s.photos[id]
	if !ok {
		return Photo{}, ErrNotFound
	}
	return photo, nil
}

func (s *MemoryStore) ListPhotos(ctx context.Context, eventID string) ([]Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Photo
	for _, photo := range s.photos {
		if photo.EventID == eventID && photo.DeletedAt == nil {
			out = append(out, photo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SoftDeletePhoto(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	photo, ok := s.photos[id]
	if !ok {
		return ErrNotFound
	}
	if photo.DeletedAt == nil {
		photo.DeletedAt = &at
		s.photos[id] = photo
	}
	return nil
}

func (s *MemoryStore) ListSoftDeletedPhotos(ctx context.Context, before time.Time, limit int) ([]Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Photo
	for _, photo := range s.photos {
		if photo.DeletedAt != nil && photo.DeletedAt.Before(before) {
			out = append(out, photo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.Before(*out[j].DeletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) HardDeletePhoto(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.photos[id]; !ok {
		return ErrNotFound
	}
	delete(s.photos, id)
	return nil
}

// --- Promo usage ---

func (s *MemoryStore) ReservePromoUsage(ctx context.Context, usage PromoUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.promoUsages {
		if !strings.EqualFold(existing.Code, usage.Code) {
			continue
		}
		if usage.PhotographerID != "" && existing.PhotographerID == usage.PhotographerID {
			return ErrDuplicatePromoUsage
		}
		if usage.StripeSessionID != "" && existing.StripeSessionID == usage.StripeSessionID {
			return ErrDuplicatePromoUsage
		}
	}

	if usage.ID == "" {
		usage.ID = uuid.NewString()
	}
	if usage.Status == "" {
		usage.Status = PromoReserved
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}
	s.promoUsages[usage.ID] = usage
	return nil
}

func (s *MemoryStore) CommitPromoUsage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.promoUsages[id]
	if !ok {
		return ErrNotFound
	}
	usage.Status = PromoCommitted
	s.promoUsages[id] = usage
	return nil
}

func (s *MemoryStore) ReleasePromoUsage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.promoUsages[id]
	if !ok {
		return ErrNotFound
	}
	if usage.Status == PromoCommitted {
		return ErrConflict
	}
	delete(s.promoUsages, id)
	return nil
}

func (s *MemoryStore) CountPromoUsages(ctx context.Context, code string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, usage := range s.promoUsages {
		if strings.EqualFold(usage.Code, code) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountPromoUsagesByPhotographer(ctx context.Context, code, photographerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, usage := range s.promoUsages {
		if strings.EqualFold(usage.Code, code) && usage.PhotographerID == photographerID {
			count++
		}
	}
	return count, nil
}

// --- Cleanup queue ---

func (s *MemoryStore) EnqueueCleanupJob(ctx context.Context, job CleanupJob) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	s.jobs[job.ID] = job
	return job.ID, nil
}

func (s *MemoryStore) DequeueCleanupJobs(ctx context.Context, limit int) ([]CleanupJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var out []CleanupJob
	for _, job := range s.jobs {
		if job.Status == JobPending && !job.NextAttemptAt.After(now) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkJobProcessing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != JobPending {
		return ErrConflict
	}
	job.Status = JobProcessing
	now := time.Now().UTC()
	job.LastAttemptAt = &now
	job.Attempts++
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) MarkJobCompleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = JobCompleted
	now := time.Now().UTC()
	job.CompletedAt = &now
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) MarkJobFailed(ctx context.Context, id string, errorMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.LastError = errorMsg
	if job.Attempts >= job.MaxAttempts {
		job.Status = JobDLQ
	} else {
		job.Status = JobPending
		job.NextAttemptAt = nextAttemptAt
	}
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) ListCleanupJobs(ctx context.Context, status CleanupJobStatus, limit int) ([]CleanupJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CleanupJob
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
