package storage

import (
	"sort"
	"time"
)

// GrantLot is a grant entry enriched with its derived consumption state.
// Consumption is never stored: it is recomputed from the journal by
// allocating recorded debits across grants in expiry order.
type GrantLot struct {
	Entry LedgerEntry
	// Capacity is the grant amount net of expiry write-offs. An expired,
	// swept grant shrinks to exactly the portion that was consumed before
	// it expired.
	Capacity int64
	// Consumed is the portion of Capacity absorbed by debits.
	Consumed int64
}

// Remaining returns the unconsumed portion of the lot.
func (l GrantLot) Remaining() int64 {
	return l.Capacity - l.Consumed
}

// BuildLots derives the consumption state of every grant in the journal.
// Grants are ordered first-to-expire first (entries without expiry last,
// ties broken by creation time), and the total recorded debit volume is
// allocated greedily across them in that order.
func BuildLots(entries []LedgerEntry) []GrantLot {
	var grants []LedgerEntry
	adjustments := make(map[string]int64) // grant ID -> write-off total (negative)
	revocations := make(map[string]int64) // grant correlation value -> clawback total (negative)
	var totalDebits int64

	for _, e := range entries {
		switch e.Type {
		case EntryGrant:
			grants = append(grants, e)
		case EntryDebit:
			totalDebits += -e.Amount
		case EntryExpiryAdjust:
			adjustments[e.CorrelationValue] += e.Amount
		case EntryRevoke:
			// A revocation carries the refunded transaction's correlation
			// value, which matches the original grant's.
			revocations[e.CorrelationValue] += e.Amount
		}
	}

	sortGrantsFIFO(grants)

	lots := make([]GrantLot, 0, len(grants))
	for _, g := range grants {
		capacity := g.Amount + adjustments[g.ID] + revocations[g.CorrelationValue]
		if capacity < 0 {
			capacity = 0
		}
		lots = append(lots, GrantLot{Entry: g, Capacity: capacity})
	}

	// consumed_i = clamp(D - C_{i-1}, 0, capacity_i) where C is the running
	// capacity prefix sum and D the total debit volume.
	remaining := totalDebits
	for i := range lots {
		take := remaining
		if take > lots[i].Capacity {
			take = lots[i].Capacity
		}
		if take < 0 {
			take = 0
		}
		lots[i].Consumed = take
		remaining -= take
	}

	return lots
}

// sortGrantsFIFO orders grants by (expires_at ASC, nil last, created_at ASC, id ASC).
func sortGrantsFIFO(grants []LedgerEntry) {
	sort.SliceStable(grants, func(i, j int) bool {
		a, b := grants[i], grants[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
			// fall through to created_at
		case a.ExpiresAt == nil:
			return false
		case b.ExpiresAt == nil:
			return true
		case !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// AvailableCredits sums the remaining capacity of lots that are still
// consumable at the given time.
func AvailableCredits(lots []GrantLot, now time.Time) int64 {
	var total int64
	for _, lot := range lots {
		if lot.Entry.ExpiresAt != nil && !lot.Entry.ExpiresAt.After(now) {
			continue
		}
		total += lot.Remaining()
	}
	return total
}

// PlanDebit allocates a new debit of the given amount across the available
// lots in FIFO order and returns the expiry the debit entry inherits: the
// expiry of the first lot it consumes from. Returns false when the lots
// cannot cover the amount.
func PlanDebit(lots []GrantLot, amount int64, now time.Time) (inherited *time.Time, ok bool) {
	if amount <= 0 {
		return nil, false
	}

	remaining := amount
	for _, lot := range lots {
		if lot.Entry.ExpiresAt != nil && !lot.Entry.ExpiresAt.After(now) {
			continue
		}
		avail := lot.Remaining()
		if avail <= 0 {
			continue
		}
		if inherited == nil {
			inherited = lot.Entry.ExpiresAt
		}
		remaining -= avail
		if remaining <= 0 {
			return inherited, true
		}
	}
	return nil, false
}

// ExpiredRemainders returns, for every expired grant that still has
// unconsumed capacity, the write-off amount the sweep should append.
// Keys are grant IDs, values are positive remainders.
func ExpiredRemainders(lots []GrantLot, now time.Time) map[string]int64 {
	out := make(map[string]int64)
	for _, lot := range lots {
		if lot.Entry.ExpiresAt == nil || lot.Entry.ExpiresAt.After(now) {
			continue
		}
		if rem := lot.Remaining(); rem > 0 {
			out[lot.Entry.ID] = rem
		}
	}
	return out
}
