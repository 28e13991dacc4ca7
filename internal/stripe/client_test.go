package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/framehaus/server/internal/config"
	"github.com/framehaus/server/internal/ledger"
	"github.com/framehaus/server/internal/promo"
	"github.com/framehaus/server/internal/storage"
)

func testCreditsConfig() config.CreditsConfig {
	return config.CreditsConfig{
		PriceCentsPerCredit: 50,
		Currency:            "eur",
		PurchaseExpiry:      config.Duration{Duration: 182 * 24 * time.Hour},
		MinCheckoutCredits:  1,
		MaxCheckoutCredits:  500,
	}
}

func newTestClient(t *testing.T, codes map[string]config.PromoCode) (*Client, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	if err := store.UpsertPhotographer(context.Background(), storage.Photographer{ID: "ph_1"}); err != nil {
		t.Fatalf("seed photographer: %v", err)
	}

	ledgerSvc := ledger.NewService(store, nil)
	resolver := promo.NewResolver(promo.NewConfigRepository(codes), store, ledgerSvc, nil)
	client := NewClient(config.StripeConfig{WebhookSecret: "whsec_test"}, testCreditsConfig(), ledgerSvc, resolver, nil, nil)
	return client, store
}

func TestPreview_NoDiscount(t *testing.T) {
	client, _ := newTestClient(t, nil)

	preview, err := client.Preview(context.Background(), "ph_1", 10, "")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.OriginalAmountCents != 500 || preview.FinalAmountCents != 500 {
		t.Errorf("preview = %+v, want 500/500 cents", preview)
	}
	if preview.Currency != "eur" {
		t.Errorf("currency = %s, want eur", preview.Currency)
	}
}

func TestPreview_PercentDiscount(t *testing.T) {
	client, _ := newTestClient(t, map[string]config.PromoCode{
		"SAVE20": {Code: "SAVE20", Kind: "discount", PercentOff: 20, Active: true},
	})

	preview, err := client.Preview(context.Background(), "ph_1", 10, "save20")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.DiscountCents != 100 {
		t.Errorf("discount = %d cents, want 100", preview.DiscountCents)
	}
	if preview.FinalAmountCents != 400 {
		t.Errorf("final = %d cents, want 400", preview.FinalAmountCents)
	}
	if preview.PromoCode != "SAVE20" {
		t.Errorf("promo code = %s, want SAVE20", preview.PromoCode)
	}
}

func TestPreview_DiscountNeverBelowZero(t *testing.T) {
	client, _ := newTestClient(t, map[string]config.PromoCode{
		"BIG": {Code: "BIG", Kind: "discount", AmountOffCents: 100000, Active: true},
	})

	preview, err := client.Preview(context.Background(), "ph_1", 2, "BIG")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.FinalAmountCents != 0 {
		t.Errorf("final = %d cents, want 0", preview.FinalAmountCents)
	}
}

func TestPreview_AmountBounds(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	if _, err := client.Preview(ctx, "ph_1", 0, ""); !errors.Is(err, ErrInvalidCreditAmount) {
		t.Errorf("zero credits: err = %v, want ErrInvalidCreditAmount", err)
	}
	if _, err := client.Preview(ctx, "ph_1", 501, ""); !errors.Is(err, ErrInvalidCreditAmount) {
		t.Errorf("above max: err = %v, want ErrInvalidCreditAmount", err)
	}
}

func TestPreview_GiftCodeRejected(t *testing.T) {
	client, _ := newTestClient(t, map[string]config.PromoCode{
		"WELCOME10": {Code: "WELCOME10", Kind: "gift", GrantCredits: 10, Active: true},
	})

	if _, err := client.Preview(context.Background(), "ph_1", 10, "WELCOME10"); !errors.Is(err, promo.ErrWrongKind) {
		t.Errorf("err = %v, want ErrWrongKind", err)
	}
}

func TestHandleCompletion_GrantsOnce(t *testing.T) {
	client, store := newTestClient(t, nil)
	ctx := context.Background()

	event := WebhookEvent{
		Type:           "checkout.session.completed",
		SessionID:      "cs_test_1",
		PhotographerID: "ph_1",
		Credits:        20,
		AmountTotal:    1000,
		Currency:       "eur",
	}

	if err := client.HandleCompletion(ctx, event); err != nil {
		t.Fatalf("completion: %v", err)
	}
	// Stripe redelivers; the grant must not double.
	if err := client.HandleCompletion(ctx, event); err != nil {
		t.Fatalf("redelivered completion: %v", err)
	}

	balance, err := store.Balance(ctx, "ph_1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 20 {
		t.Errorf("balance = %d, want 20", balance)
	}

	entry, err := store.GetEntryByCorrelation(ctx, storage.CorrStripeSession, "cs_test_1")
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.ExpiresAt == nil {
		t.Error("purchase grant has no expiry")
	}
}

func TestHandleCompletion_MissingMetadata(t *testing.T) {
	client, _ := newTestClient(t, nil)

	err := client.HandleCompletion(context.Background(), WebhookEvent{
		Type:      "checkout.session.completed",
		SessionID: "cs_test_2",
	})
	if err == nil {
		t.Fatal("completion without metadata succeeded")
	}
}

func TestHandleCompletion_CommitsPromoReservation(t *testing.T) {
	client, store := newTestClient(t, map[string]config.PromoCode{
		"SAVE20": {Code: "SAVE20", Kind: "discount", PercentOff: 20, Active: true},
	})
	ctx := context.Background()

	discount, err := client.promos.DiscountFor(ctx, "SAVE20", "ph_1")
	if err != nil {
		t.Fatalf("discount: %v", err)
	}
	reservationID, err := client.promos.ReserveForSession(ctx, discount.Code, "ph_1", "cs_test_3")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := client.HandleCompletion(ctx, WebhookEvent{
		Type:             "checkout.session.completed",
		SessionID:        "cs_test_3",
		PhotographerID:   "ph_1",
		Credits:          10,
		PromoReservation: reservationID,
	}); err != nil {
		t.Fatalf("completion: %v", err)
	}

	// A committed reservation cannot be released.
	if err := store.ReleasePromoUsage(ctx, reservationID); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("release after commit: err = %v, want ErrConflict", err)
	}
}

func TestHandleExpiry_ReleasesReservation(t *testing.T) {
	client, store := newTestClient(t, map[string]config.PromoCode{
		"SAVE20": {Code: "SAVE20", Kind: "discount", PercentOff: 20, Active: true},
	})
	ctx := context.Background()

	discount, err := client.promos.DiscountFor(ctx, "SAVE20", "ph_1")
	if err != nil {
		t.Fatalf("discount: %v", err)
	}
	reservationID, err := client.promos.ReserveForSession(ctx, discount.Code, "ph_1", "cs_test_4")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := client.HandleExpiry(ctx, WebhookEvent{
		Type:             "checkout.session.expired",
		SessionID:        "cs_test_4",
		PromoReservation: reservationID,
	}); err != nil {
		t.Fatalf("expiry: %v", err)
	}

	count, err := store.CountPromoUsages(ctx, "SAVE20")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("usages = %d, want 0 after release", count)
	}
}

// signPayload builds a Stripe-Signature header for the raw body.
func signPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestParseWebhook_SignatureVerification(t *testing.T) {
	client, _ := newTestClient(t, nil)
	payload := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_5",
				"amount_total": 500,
				"currency": "eur",
				"metadata": {"photographer_id": "ph_1", "credits": "10"}
			}
		}
	}`)

	event, err := client.ParseWebhook(payload, signPayload(payload, "whsec_test", time.Now()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.SessionID != "cs_test_5" || event.PhotographerID != "ph_1" || event.Credits != 10 {
		t.Errorf("event = %+v", event)
	}

	// Wrong secret must be rejected.
	if _, err := client.ParseWebhook(payload, signPayload(payload, "whsec_wrong", time.Now())); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("bad signature: err = %v, want ErrInvalidSignature", err)
	}

	// Tampered body must be rejected.
	header := signPayload(payload, "whsec_test", time.Now())
	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	if _, err := client.ParseWebhook(tampered, header); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered body: err = %v, want ErrInvalidSignature", err)
	}
}
