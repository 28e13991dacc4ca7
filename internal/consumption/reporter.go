// Package consumption reports how much of a purchased credit grant has been
// spent. Refund handlers use these reports to answer consumption requests
// from payment providers.
package consumption

import (
	"context"
	"errors"
	"fmt"

	"github.com/framehaus/server/internal/storage"
)

// Status summarizes how much of a grant has been consumed.
type Status string

const (
	StatusNotConsumed       Status = "NOT_CONSUMED"
	StatusPartiallyConsumed Status = "PARTIALLY_CONSUMED"
	StatusFullyConsumed     Status = "FULLY_CONSUMED"
)

// ErrNotAGrant is returned when the correlation resolves to a non-grant entry.
var ErrNotAGrant = errors.New("consumption: correlation is not a grant")

// Report describes the consumption state of one credit grant.
type Report struct {
	GrantID          string
	PhotographerID   string
	CorrelationKind  storage.CorrelationKind
	CorrelationValue string
	Granted          int64
	Consumed         int64
	Remaining        int64
	Status           Status
}

// Reporter computes consumption reports from the ledger journal.
type Reporter struct {
	store storage.Store
}

// NewReporter creates a consumption reporter.
func NewReporter(store storage.Store) *Reporter {
	return &Reporter{store: store}
}

// ForCorrelation reports consumption for the grant identified by the given
// correlation pair, e.g. an Apple transaction ID during a refund review.
// Returns storage.ErrNotFound when no grant matches.
func (r *Reporter) ForCorrelation(ctx context.Context, kind storage.CorrelationKind, value string) (Report, error) {
	grant, err := r.store.GetEntryByCorrelation(ctx, kind, value)
	if err != nil {
		return Report{}, fmt.Errorf("resolve grant: %w", err)
	}
	if grant.Type != storage.EntryGrant {
		return Report{}, ErrNotAGrant
	}

	entries, err := r.store.ListLedgerEntries(ctx, grant.PhotographerID, 0)
	if err != nil {
		return Report{}, fmt.Errorf("load journal: %w", err)
	}

	// Replay the whole journal so consumption routes through lots exactly
	// as the debits did.
	lots := storage.BuildLots(chronological(entries))
	for _, lot := range lots {
		if lot.Entry.ID != grant.ID {
			continue
		}
		return Report{
			GrantID:          grant.ID,
			PhotographerID:   grant.PhotographerID,
			CorrelationKind:  kind,
			CorrelationValue: value,
			Granted:          grant.Amount,
			Consumed:         lot.Consumed,
			Remaining:        lot.Remaining(),
			Status:           statusOf(grant.Amount, lot.Consumed),
		}, nil
	}
	return Report{}, storage.ErrNotFound
}

func statusOf(granted, consumed int64) Status {
	switch {
	case consumed <= 0:
		return StatusNotConsumed
	case consumed >= granted:
		return StatusFullyConsumed
	default:
		return StatusPartiallyConsumed
	}
}

// chronological re-orders a newest-first listing into append order.
func chronological(entries []storage.LedgerEntry) []storage.LedgerEntry {
	out := make([]storage.LedgerEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}
