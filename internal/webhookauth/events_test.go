package webhookauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/framehaus/server/internal/config"
	"github.com/framehaus/server/internal/ledger"
	"github.com/framehaus/server/internal/storage"
	"github.com/framehaus/server/internal/uploads"
)

type fakeSettler struct {
	calls  []string
	result uploads.SettleResult
	err    error
}

func (f *fakeSettler) SettleUpload(ctx context.Context, objectKey string) (uploads.SettleResult, error) {
	f.calls = append(f.calls, objectKey)
	return f.result, f.err
}

func newTestDispatcher(t *testing.T, bonus int64) (*Dispatcher, storage.Store, *fakeSettler) {
	t.Helper()
	store := storage.NewMemoryStore()
	settler := &fakeSettler{}
	d := NewDispatcher(store, ledger.NewService(store, nil), settler, config.AuthConfig{
		WebhookSecret:      "whsec_test",
		SignupBonusCredits: bonus,
	})
	return d, store, settler
}

func TestHandleAuthEvent_UserCreatedGrantsBonusOnce(t *testing.T) {
	d, store, _ := newTestDispatcher(t, 5)
	ctx := context.Background()

	body := []byte(`{"type":"user.created","user":{"id":"ph_new","email":"anna@example.com","display_name":"Anna"}}`)
	if err := d.HandleAuthEvent(ctx, body); err != nil {
		t.Fatalf("HandleAuthEvent: %v", err)
	}

	ph, err := store.GetPhotographer(ctx, "ph_new")
	if err != nil {
		t.Fatalf("GetPhotographer: %v", err)
	}
	if ph.Email != "anna@example.com" || ph.DisplayName != "Anna" {
		t.Fatalf("photographer = %+v", ph)
	}
	if ph.Balance != 5 {
		t.Fatalf("balance = %d, want 5", ph.Balance)
	}

	// Redelivery must not grant a second bonus.
	if err := d.HandleAuthEvent(ctx, body); err != nil {
		t.Fatalf("redelivered HandleAuthEvent: %v", err)
	}
	balance, _ := store.Balance(ctx, "ph_new")
	if balance != 5 {
		t.Fatalf("balance after redelivery = %d, want 5", balance)
	}
}

func TestHandleAuthEvent_BonusDisabled(t *testing.T) {
	d, store, _ := newTestDispatcher(t, 0)
	ctx := context.Background()

	body := []byte(`{"type":"user.created","user":{"id":"ph_new","email":"anna@example.com"}}`)
	if err := d.HandleAuthEvent(ctx, body); err != nil {
		t.Fatalf("HandleAuthEvent: %v", err)
	}
	balance, _ := store.Balance(ctx, "ph_new")
	if balance != 0 {
		t.Fatalf("balance = %d, want 0", balance)
	}
}

func TestHandleAuthEvent_UserUpdatedNoBonus(t *testing.T) {
	d, store, _ := newTestDispatcher(t, 5)
	ctx := context.Background()

	created := []byte(`{"type":"user.created","user":{"id":"ph_1","email":"old@example.com"}}`)
	if err := d.HandleAuthEvent(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}
	updated := []byte(`{"type":"user.updated","user":{"id":"ph_1","email":"new@example.com","display_name":"Anna B"}}`)
	if err := d.HandleAuthEvent(ctx, updated); err != nil {
		t.Fatalf("update: %v", err)
	}

	ph, _ := store.GetPhotographer(ctx, "ph_1")
	if ph.Email != "new@example.com" || ph.DisplayName != "Anna B" {
		t.Fatalf("photographer = %+v", ph)
	}
	if ph.Balance != 5 {
		t.Fatalf("balance = %d, want 5 (update must not grant)", ph.Balance)
	}
}

func TestHandleAuthEvent_UserDeleted(t *testing.T) {
	d, store, _ := newTestDispatcher(t, 0)
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	if err := d.HandleAuthEvent(ctx, []byte(`{"type":"user.created","user":{"id":"ph_1"}}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.HandleAuthEvent(ctx, []byte(`{"type":"user.deleted","user":{"id":"ph_1"}}`)); err != nil {
		t.Fatalf("delete: %v", err)
	}

	ph, err := store.GetPhotographer(ctx, "ph_1")
	if err != nil {
		t.Fatalf("GetPhotographer: %v", err)
	}
	if ph.DeletedAt == nil || !ph.DeletedAt.Equal(fixed) {
		t.Fatalf("DeletedAt = %v, want %v", ph.DeletedAt, fixed)
	}

	// Deleting an unknown photographer is acked, not errored.
	if err := d.HandleAuthEvent(ctx, []byte(`{"type":"user.deleted","user":{"id":"ph_ghost"}}`)); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
}

func TestHandleAuthEvent_MalformedAndUnknownAcked(t *testing.T) {
	d, _, _ := newTestDispatcher(t, 0)
	ctx := context.Background()

	for _, body := range []string{
		`not json`,
		`{"type":"user.created"}`,
		`{"type":"user.promoted","user":{"id":"ph_1"}}`,
	} {
		if err := d.HandleAuthEvent(ctx, []byte(body)); err != nil {
			t.Fatalf("HandleAuthEvent(%s) = %v, want nil", body, err)
		}
	}
}

func TestHandleStorageEvent_SettlesObject(t *testing.T) {
	d, _, settler := newTestDispatcher(t, 0)
	settler.result = uploads.SettleResult{PhotoID: "photo_1", NewBalance: 4}

	body := []byte(`{"type":"object_created","event_id":"evt_1","object_key":"ph_1/ev_1/abc/cat.jpg"}`)
	if err := d.HandleStorageEvent(context.Background(), body); err != nil {
		t.Fatalf("HandleStorageEvent: %v", err)
	}
	if len(settler.calls) != 1 || settler.calls[0] != "ph_1/ev_1/abc/cat.jpg" {
		t.Fatalf("settler calls = %v", settler.calls)
	}
}

func TestHandleStorageEvent_AcksPermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"stray object", storage.ErrNotFound},
		{"insufficient credits", uploads.ErrInsufficientCredits},
		{"size mismatch", uploads.ErrObjectMismatch},
		{"object missing", uploads.ErrObjectMissing},
		{"terminal intent", storage.ErrConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, _, settler := newTestDispatcher(t, 0)
			settler.err = tc.err
			body := []byte(`{"type":"object_created","object_key":"ph_1/ev_1/abc/cat.jpg"}`)
			if err := d.HandleStorageEvent(context.Background(), body); err != nil {
				t.Fatalf("HandleStorageEvent = %v, want nil", err)
			}
		})
	}
}

func TestHandleStorageEvent_TransientErrorPropagates(t *testing.T) {
	d, _, settler := newTestDispatcher(t, 0)
	settler.err = errors.New("store timeout")

	body := []byte(`{"type":"object_created","object_key":"ph_1/ev_1/abc/cat.jpg"}`)
	if err := d.HandleStorageEvent(context.Background(), body); err == nil {
		t.Fatal("want transient error to propagate")
	}
}

func TestHandleStorageEvent_IgnoresOtherTypes(t *testing.T) {
	d, _, settler := newTestDispatcher(t, 0)

	for _, body := range []string{
		`{"type":"object_deleted","object_key":"ph_1/x"}`,
		`{"type":"object_created"}`,
		`not json`,
	} {
		if err := d.HandleStorageEvent(context.Background(), []byte(body)); err != nil {
			t.Fatalf("HandleStorageEvent(%s) = %v, want nil", body, err)
		}
	}
	if len(settler.calls) != 0 {
		t.Fatalf("settler calls = %v, want none", settler.calls)
	}
}
