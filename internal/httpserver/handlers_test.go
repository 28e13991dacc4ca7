package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/framehaus/server/internal/appstore"
	"github.com/framehaus/server/internal/circuitbreaker"
	"github.com/framehaus/server/internal/config"
	"github.com/framehaus/server/internal/consumption"
	apierrors "github.com/framehaus/server/internal/errors"
	"github.com/framehaus/server/internal/idempotency"
	"github.com/framehaus/server/internal/ledger"
	"github.com/framehaus/server/internal/objectstore"
	"github.com/framehaus/server/internal/promo"
	"github.com/framehaus/server/internal/storage"
	stripesvc "github.com/framehaus/server/internal/stripe"
	"github.com/framehaus/server/internal/uploads"
	"github.com/framehaus/server/internal/webhookauth"
)

type fakeBucket struct {
	objects map[string]objectstore.ObjectInfo
}

func (f *fakeBucket) PresignPut(_ context.Context, objectKey, contentType string, contentLength int64, ttl time.Duration) (objectstore.PresignedUpload, error) {
	return objectstore.PresignedUpload{
		URL:       "https://bucket.example/" + objectKey + "?sig=test",
		Method:    "PUT",
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

func (f *fakeBucket) Stat(_ context.Context, objectKey string) (objectstore.ObjectInfo, error) {
	info, ok := f.objects[objectKey]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrObjectNotFound
	}
	return info, nil
}

func (f *fakeBucket) Delete(_ context.Context, objectKey string) error {
	delete(f.objects, objectKey)
	return nil
}

func (f *fakeBucket) put(objectKey, contentType string, size int64) {
	f.objects[objectKey] = objectstore.ObjectInfo{
		Key:           objectKey,
		ContentType:   contentType,
		ContentLength: size,
	}
}

const (
	testAuthSecret    = "auth-secret"
	testStorageSecret = "storage-secret"
	testAdminKey      = "admin-key"
)

func testServerConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address:            ":0",
			AdminMetricsAPIKey: testAdminKey,
		},
		Auth: config.AuthConfig{
			WebhookSecret:      testAuthSecret,
			SignupBonusCredits: 3,
		},
		ObjectStore: config.ObjectStoreConfig{
			WebhookSecret: testStorageSecret,
		},
		Uploads: config.UploadsConfig{
			PresignTTL:          config.Duration{Duration: 15 * time.Minute},
			MaxContentLength:    100 << 20,
			AllowedContentTypes: []string{"image/jpeg", "image/png"},
		},
		Credits: config.CreditsConfig{
			PriceCentsPerCredit: 49,
			Currency:            "eur",
			MinCheckoutCredits:  1,
			MaxCheckoutCredits:  500,
		},
	}
}

func newTestServer(t *testing.T) (http.Handler, storage.Store, *fakeBucket) {
	t.Helper()

	cfg := testServerConfig()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	ledgerSvc := ledger.NewService(store, nil)
	bucket := &fakeBucket{objects: make(map[string]objectstore.ObjectInfo)}
	uploadsSvc := uploads.NewService(store, bucket, bucket, cfg.Uploads, nil)
	promos := promo.NewResolver(promo.NewConfigRepository(nil), store, ledgerSvc, nil)
	breakers := circuitbreaker.NewManagerFromConfig(config.CircuitBreakerConfig{})
	stripeClient := stripesvc.NewClient(config.StripeConfig{
		SecretKey:     "sk_test_x",
		WebhookSecret: "whsec_test",
	}, cfg.Credits, ledgerSvc, promos, breakers, nil)

	appstoreSvc, err := appstore.NewService(config.AppStoreConfig{
		BundleID:    "com.framehaus.app",
		Environment: "sandbox",
	}, cfg.Credits, ledgerSvc, consumption.NewReporter(store), breakers)
	if err != nil {
		t.Fatalf("appstore service: %v", err)
	}

	srv := New(Options{
		Config:           cfg,
		Ledger:           ledgerSvc,
		Uploads:          uploadsSvc,
		Stripe:           stripeClient,
		AppStore:         appstoreSvc,
		Promos:           promos,
		Events:           webhookauth.NewDispatcher(store, ledgerSvc, uploadsSvc, cfg.Auth),
		IdempotencyStore: idempotency.NewMemoryStore(),
		Metrics:          nil,
		Logger:           zerolog.Nop(),
	})
	return srv.httpServer.Handler, store, bucket
}

func seedAccount(t *testing.T, store storage.Store, credits int64) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertPhotographer(ctx, storage.Photographer{ID: "ph_1", Email: "ana@example.com"}); err != nil {
		t.Fatalf("seed photographer: %v", err)
	}
	if err := store.CreateEvent(ctx, storage.Event{ID: "ev_1", PhotographerID: "ph_1", Title: "Wedding"}); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	if credits > 0 {
		if _, _, err := store.ApplyGrant(ctx, storage.LedgerEntry{
			PhotographerID: "ph_1", Type: storage.EntryGrant, Source: storage.SourceAdmin,
			Amount: credits, CorrelationKind: storage.CorrAdminOp, CorrelationValue: "seed",
		}); err != nil {
			t.Fatalf("seed credits: %v", err)
		}
	}
}

func doRequest(handler http.Handler, method, target string, body any, header map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, _ := json.Marshal(b)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func asPhotographer(extra map[string]string) map[string]string {
	header := map[string]string{headerPhotographer: "ph_1"}
	for k, v := range extra {
		header[k] = v
	}
	return header
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, rec.Body.String())
	}
	return envelope.Error.Code
}

func TestHealth(t *testing.T) {
	handler, _, _ := newTestServer(t)

	rec := doRequest(handler, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestRequirePhotographer(t *testing.T) {
	handler, _, _ := newTestServer(t)

	rec := doRequest(handler, http.MethodGet, "/credits/balance", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := errorCode(t, rec); code != string(apierrors.CodeUnauthorized) {
		t.Errorf("code = %q, want %q", code, apierrors.CodeUnauthorized)
	}
}

func TestPresignLifecycle(t *testing.T) {
	handler, store, bucket := newTestServer(t)
	seedAccount(t, store, 5)

	rec := doRequest(handler, http.MethodPost, "/uploads/presign", presignRequest{
		EventID:       "ev_1",
		Filename:      "dance.jpg",
		ContentType:   "image/jpeg",
		ContentLength: 2048,
	}, asPhotographer(nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("presign status = %d, body %s", rec.Code, rec.Body.String())
	}

	var presign presignResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &presign); err != nil {
		t.Fatalf("decode presign: %v", err)
	}
	if presign.UploadID == "" || presign.PutURL == "" || presign.ObjectKey == "" {
		t.Fatalf("incomplete presign response: %+v", presign)
	}
	if presign.CreditCost != 1 {
		t.Errorf("creditCost = %d, want 1", presign.CreditCost)
	}

	// Simulate the browser's PUT, then settle through the client path.
	bucket.put(presign.ObjectKey, "image/jpeg", 2048)

	rec = doRequest(handler, http.MethodPost, "/uploads/"+presign.UploadID+"/settle", nil, asPhotographer(nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("settle status = %d, body %s", rec.Code, rec.Body.String())
	}
	var settled settleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &settled); err != nil {
		t.Fatalf("decode settle: %v", err)
	}
	if settled.PhotoID == "" {
		t.Error("settle returned no photo ID")
	}
	if settled.NewBalance != 4 {
		t.Errorf("newBalance = %d, want 4", settled.NewBalance)
	}
	if settled.Intent.Status != storage.IntentCompleted {
		t.Errorf("intent status = %s, want completed", settled.Intent.Status)
	}
}

func TestPresignValidation(t *testing.T) {
	handler, store, _ := newTestServer(t)
	seedAccount(t, store, 5)

	rec := doRequest(handler, http.MethodPost, "/uploads/presign", presignRequest{
		EventID: "ev_1",
	}, asPhotographer(nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPresignInsufficientCredits(t *testing.T) {
	handler, store, _ := newTestServer(t)
	seedAccount(t, store, 0)

	rec := doRequest(handler, http.MethodPost, "/uploads/presign", presignRequest{
		EventID:       "ev_1",
		Filename:      "dance.jpg",
		ContentType:   "image/jpeg",
		ContentLength: 2048,
	}, asPhotographer(nil))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if code := errorCode(t, rec); code != string(apierrors.CodePaymentRequired) {
		t.Errorf("code = %q, want %q", code, apierrors.CodePaymentRequired)
	}
}

func TestPresignIdempotencyReplay(t *testing.T) {
	handler, store, _ := newTestServer(t)
	seedAccount(t, store, 5)

	body := presignRequest{
		EventID:       "ev_1",
		Filename:      "dance.jpg",
		ContentType:   "image/jpeg",
		ContentLength: 2048,
	}
	header := asPhotographer(map[string]string{idempotency.HeaderKey: "key-1"})

	first := doRequest(handler, http.MethodPost, "/uploads/presign", body, header)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}
	second := doRequest(handler, http.MethodPost, "/uploads/presign", body, header)
	if second.Code != http.StatusCreated {
		t.Fatalf("second status = %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replay") != "true" {
		t.Error("second response missing replay header")
	}

	var a, b presignResponse
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if a.UploadID != b.UploadID {
		t.Errorf("replayed uploadId = %q, want %q", b.UploadID, a.UploadID)
	}
}

func TestBalanceAndHistory(t *testing.T) {
	handler, store, _ := newTestServer(t)
	seedAccount(t, store, 5)

	rec := doRequest(handler, http.MethodGet, "/credits/balance", nil, asPhotographer(nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec.Code)
	}
	var balance struct {
		Balance   int64 `json:"balance"`
		Available int64 `json:"available"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.Balance != 5 || balance.Available != 5 {
		t.Errorf("balance = %+v, want 5/5", balance)
	}

	rec = doRequest(handler, http.MethodGet, "/credits/history", nil, asPhotographer(nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var history struct {
		Entries []historyEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(history.Entries))
	}
	if history.Entries[0].Amount != 5 || history.Entries[0].Type != string(storage.EntryGrant) {
		t.Errorf("entry = %+v", history.Entries[0])
	}
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	handler, _, _ := newTestServer(t)

	rec := doRequest(handler, http.MethodPost, "/webhooks/payment",
		[]byte(`{"type":"checkout.session.completed"}`),
		map[string]string{"Stripe-Signature": "t=1,v1=bogus"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthWebhook(t *testing.T) {
	handler, store, _ := newTestServer(t)
	ctx := context.Background()

	body := []byte(`{"type":"user.created","user":{"id":"ph_new","email":"new@example.com"}}`)

	t.Run("rejects bad signature", func(t *testing.T) {
		rec := doRequest(handler, http.MethodPost, "/webhooks/auth", body,
			map[string]string{"X-Webhook-Signature": "deadbeef"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if _, err := store.GetPhotographer(ctx, "ph_new"); err == nil {
			t.Error("photographer created despite rejected signature")
		}
	})

	t.Run("creates photographer and grants bonus", func(t *testing.T) {
		rec := doRequest(handler, http.MethodPost, "/webhooks/auth", body,
			map[string]string{"X-Webhook-Signature": webhookauth.Sign(testAuthSecret, body)})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if _, err := store.GetPhotographer(ctx, "ph_new"); err != nil {
			t.Fatalf("photographer not created: %v", err)
		}
		balance, err := store.Balance(ctx, "ph_new")
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		if balance != 3 {
			t.Errorf("signup bonus balance = %d, want 3", balance)
		}
	})
}

func TestStorageWebhookSettles(t *testing.T) {
	handler, store, bucket := newTestServer(t)
	seedAccount(t, store, 5)

	rec := doRequest(handler, http.MethodPost, "/uploads/presign", presignRequest{
		EventID:       "ev_1",
		Filename:      "dance.jpg",
		ContentType:   "image/jpeg",
		ContentLength: 2048,
	}, asPhotographer(nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("presign status = %d", rec.Code)
	}
	var presign presignResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &presign); err != nil {
		t.Fatalf("decode presign: %v", err)
	}
	bucket.put(presign.ObjectKey, "image/jpeg", 2048)

	event := []byte(`{"type":"object_created","event_id":"evt_1","object_key":"` + presign.ObjectKey + `"}`)
	rec = doRequest(handler, http.MethodPost, "/webhooks/storage", event,
		map[string]string{"X-Webhook-Signature": webhookauth.Sign(testStorageSecret, event)})
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, body %s", rec.Code, rec.Body.String())
	}

	intent, err := store.GetIntent(context.Background(), presign.UploadID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.Status != storage.IntentCompleted {
		t.Errorf("intent status = %s, want completed", intent.Status)
	}
	balance, err := store.Balance(context.Background(), "ph_1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 4 {
		t.Errorf("balance after settle = %d, want 4", balance)
	}
}

func TestAdminAdjust(t *testing.T) {
	handler, store, _ := newTestServer(t)
	seedAccount(t, store, 0)

	body := adminAdjustRequest{
		PhotographerID: "ph_1",
		Credits:        10,
		OperationID:    "op_1",
	}

	rec := doRequest(handler, http.MethodPost, "/admin/credits/adjust", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", rec.Code)
	}

	header := map[string]string{"X-API-Key": testAdminKey}
	rec = doRequest(handler, http.MethodPost, "/admin/credits/adjust", body, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var first struct {
		EntryID  string `json:"entryId"`
		Replayed bool   `json:"replayed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Replayed {
		t.Error("first adjust reported replayed")
	}

	// Retried operation applies once.
	rec = doRequest(handler, http.MethodPost, "/admin/credits/adjust", body, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d", rec.Code)
	}
	var second struct {
		EntryID  string `json:"entryId"`
		Replayed bool   `json:"replayed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode retry: %v", err)
	}
	if !second.Replayed || second.EntryID != first.EntryID {
		t.Errorf("retry = %+v, want replay of %+v", second, first)
	}

	balance, err := store.Balance(context.Background(), "ph_1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		t.Errorf("balance = %d, want 10", balance)
	}
}

func TestPromoRedeemUnknownCode(t *testing.T) {
	handler, store, _ := newTestServer(t)
	seedAccount(t, store, 0)

	rec := doRequest(handler, http.MethodPost, "/credits/promo/redeem",
		redeemRequest{Code: "NOPE"}, asPhotographer(nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != string(apierrors.CodeNotFound) {
		t.Errorf("code = %q, want %q", code, apierrors.CodeNotFound)
	}
}
