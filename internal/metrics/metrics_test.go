package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveGrant(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveGrant("stripe", 50)
	m.ObserveGrant("stripe", 25)
	m.ObserveGrant("gift_code", 10)

	if got := testutil.ToFloat64(m.GrantsTotal.WithLabelValues("stripe")); got != 2 {
		t.Errorf("GrantsTotal[stripe] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.GrantCreditsTotal.WithLabelValues("stripe")); got != 75 {
		t.Errorf("GrantCreditsTotal[stripe] = %v, want 75", got)
	}
	if got := testutil.ToFloat64(m.GrantCreditsTotal.WithLabelValues("gift_code")); got != 10 {
		t.Errorf("GrantCreditsTotal[gift_code] = %v, want 10", got)
	}
}

func TestObserveDebit(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDebit("photo_upload", 1)
	m.ObserveDebit("photo_upload", 1)

	if got := testutil.ToFloat64(m.DebitsTotal.WithLabelValues("photo_upload")); got != 2 {
		t.Errorf("DebitsTotal = %v, want 2", got)
	}
}

func TestObserveWebhook(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveWebhook("stripe", "checkout.session.completed", "processed", 50*time.Millisecond)
	m.ObserveWebhook("app_store", "ONE_TIME_CHARGE", "processed", 20*time.Millisecond)
	m.ObserveWebhookReject("stripe", "bad_signature")

	if got := testutil.ToFloat64(m.WebhooksTotal.WithLabelValues("stripe", "checkout.session.completed", "processed")); got != 1 {
		t.Errorf("WebhooksTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WebhookRejectsTotal.WithLabelValues("stripe", "bad_signature")); got != 1 {
		t.Errorf("WebhookRejectsTotal = %v, want 1", got)
	}
}

func TestObserveExpirySweep(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveExpirySweep(40)
	m.ObserveExpirySweep(0)

	if got := testutil.ToFloat64(m.ExpirySweepRuns); got != 2 {
		t.Errorf("ExpirySweepRuns = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ExpiredCreditsTotal); got != 40 {
		t.Errorf("ExpiredCreditsTotal = %v, want 40", got)
	}
}

func TestObserveCleanup(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveCleanupEnqueued("soft_delete", 3)
	m.ObserveCleanupProcessed("soft_delete", "success")
	m.ObserveCleanupProcessed("soft_delete", "retry")
	m.ObserveCleanupDLQ()

	if got := testutil.ToFloat64(m.CleanupJobsEnqueuedTotal.WithLabelValues("soft_delete")); got != 3 {
		t.Errorf("CleanupJobsEnqueuedTotal = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.CleanupJobsProcessedTotal.WithLabelValues("soft_delete", "retry")); got != 1 {
		t.Errorf("CleanupJobsProcessedTotal[retry] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CleanupJobsDLQTotal); got != 1 {
		t.Errorf("CleanupJobsDLQTotal = %v, want 1", got)
	}
}

func TestNew_NilRegistryUsesDefault(t *testing.T) {
	// Must not panic when given an explicit registry twice; default registry
	// registration is exercised implicitly by the application.
	registry := prometheus.NewRegistry()
	_ = New(registry)
}
