package storage

import (
	"testing"
	"time"
)

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return parsed
}

func grantEntry(id string, amount int64, expiresAt *time.Time, createdAt time.Time) LedgerEntry {
	return LedgerEntry{
		ID:             id,
		PhotographerID: "ph_1",
		Type:           EntryGrant,
		Amount:         amount,
		ExpiresAt:      expiresAt,
		CreatedAt:      createdAt,
	}
}

func debitEntry(id string, amount int64, createdAt time.Time) LedgerEntry {
	return LedgerEntry{
		ID:             id,
		PhotographerID: "ph_1",
		Type:           EntryDebit,
		Amount:         -amount,
		CreatedAt:      createdAt,
	}
}

func TestBuildLots_FIFOByExpiry(t *testing.T) {
	t0 := ts(t, "2026-01-01T00:00:00Z")
	expEarly := ts(t, "2026-03-01T00:00:00Z")
	expLate := ts(t, "2026-06-01T00:00:00Z")

	// The late-expiring grant was created first but must be consumed second.
	entries := []LedgerEntry{
		grantEntry("g_late", 10, &expLate, t0),
		grantEntry("g_early", 10, &expEarly, t0.Add(time.Hour)),
		debitEntry("d1", 12, t0.Add(2*time.Hour)),
	}

	lots := BuildLots(entries)
	if len(lots) != 2 {
		t.Fatalf("lots = %d, want 2", len(lots))
	}
	if lots[0].Entry.ID != "g_early" {
		t.Errorf("first lot = %s, want g_early (earliest expiry first)", lots[0].Entry.ID)
	}
	if lots[0].Consumed != 10 {
		t.Errorf("g_early consumed = %d, want 10", lots[0].Consumed)
	}
	if lots[1].Consumed != 2 {
		t.Errorf("g_late consumed = %d, want 2", lots[1].Consumed)
	}
}

func TestBuildLots_NoExpirySortsLast(t *testing.T) {
	t0 := ts(t, "2026-01-01T00:00:00Z")
	exp := ts(t, "2026-02-01T00:00:00Z")

	entries := []LedgerEntry{
		grantEntry("g_forever", 10, nil, t0),
		grantEntry("g_expiring", 10, &exp, t0.Add(time.Hour)),
		debitEntry("d1", 5, t0.Add(2*time.Hour)),
	}

	lots := BuildLots(entries)
	if lots[0].Entry.ID != "g_expiring" {
		t.Fatalf("first lot = %s, want g_expiring", lots[0].Entry.ID)
	}
	if lots[0].Consumed != 5 || lots[1].Consumed != 0 {
		t.Errorf("consumed = (%d, %d), want (5, 0)", lots[0].Consumed, lots[1].Consumed)
	}
}

func TestBuildLots_ExpiryAdjustShrinksCapacity(t *testing.T) {
	t0 := ts(t, "2026-01-01T00:00:00Z")
	exp := ts(t, "2026-02-01T00:00:00Z")

	// Grant of 10, 4 consumed before expiry, 6 written off. A later debit
	// of 7 must route entirely to the second grant.
	entries := []LedgerEntry{
		grantEntry("g1", 10, &exp, t0),
		grantEntry("g2", 20, nil, t0.Add(time.Hour)),
		debitEntry("d1", 4, t0.Add(2*time.Hour)),
		{
			ID: "adj1", PhotographerID: "ph_1", Type: EntryExpiryAdjust, Amount: -6,
			CorrelationKind: CorrExpiryAdjust, CorrelationValue: "g1", CreatedAt: exp,
		},
		debitEntry("d2", 7, exp.Add(time.Hour)),
	}

	lots := BuildLots(entries)
	if lots[0].Capacity != 4 {
		t.Errorf("g1 capacity = %d, want 4 after write-off", lots[0].Capacity)
	}
	if lots[0].Remaining() != 0 {
		t.Errorf("g1 remaining = %d, want 0", lots[0].Remaining())
	}
	if lots[1].Consumed != 7 {
		t.Errorf("g2 consumed = %d, want 7", lots[1].Consumed)
	}
	if lots[1].Remaining() != 13 {
		t.Errorf("g2 remaining = %d, want 13", lots[1].Remaining())
	}
}

func TestAvailableCredits_SkipsExpired(t *testing.T) {
	t0 := ts(t, "2026-01-01T00:00:00Z")
	exp := ts(t, "2026-02-01T00:00:00Z")
	now := ts(t, "2026-03-01T00:00:00Z")

	entries := []LedgerEntry{
		grantEntry("g_expired", 10, &exp, t0),
		grantEntry("g_live", 5, nil, t0),
	}

	lots := BuildLots(entries)
	if got := AvailableCredits(lots, now); got != 5 {
		t.Errorf("AvailableCredits = %d, want 5 (expired lot excluded)", got)
	}
	if got := AvailableCredits(lots, t0.Add(time.Hour)); got != 15 {
		t.Errorf("AvailableCredits before expiry = %d, want 15", got)
	}
}

func TestPlanDebit_InheritsFirstLotExpiry(t *testing.T) {
	t0 := ts(t, "2026-01-01T00:00:00Z")
	expEarly := ts(t, "2026-03-01T00:00:00Z")
	expLate := ts(t, "2026-06-01T00:00:00Z")

	entries := []LedgerEntry{
		grantEntry("g1", 3, &expEarly, t0),
		grantEntry("g2", 10, &expLate, t0),
	}
	lots := BuildLots(entries)

	// Spans both lots; inherits the first lot's expiry.
	inherited, ok := PlanDebit(lots, 5, t0.Add(time.Hour))
	if !ok {
		t.Fatal("PlanDebit failed, want success")
	}
	if inherited == nil || !inherited.Equal(expEarly) {
		t.Errorf("inherited expiry = %v, want %v", inherited, expEarly)
	}
}

func TestPlanDebit_Insufficient(t *testing.T) {
	t0 := ts(t, "2026-01-01T00:00:00Z")
	entries := []LedgerEntry{grantEntry("g1", 3, nil, t0)}
	lots := BuildLots(entries)

	if _, ok := PlanDebit(lots, 4, t0); ok {
		t.Error("PlanDebit succeeded beyond available credits")
	}
	if _, ok := PlanDebit(lots, 0, t0); ok {
		t.Error("PlanDebit succeeded for zero amount")
	}
}

func TestExpiredRemainders(t *testing.T) {
	t0 := ts(t, "2026-01-01T00:00:00Z")
	exp := ts(t, "2026-02-01T00:00:00Z")
	now := ts(t, "2026-02-02T00:00:00Z")

	entries := []LedgerEntry{
		grantEntry("g1", 10, &exp, t0),
		grantEntry("g2", 5, nil, t0),
		debitEntry("d1", 4, t0.Add(time.Hour)),
	}

	remainders := ExpiredRemainders(BuildLots(entries), now)
	if len(remainders) != 1 {
		t.Fatalf("remainders = %v, want exactly one", remainders)
	}
	if remainders["g1"] != 6 {
		t.Errorf("g1 remainder = %d, want 6", remainders["g1"])
	}
}
