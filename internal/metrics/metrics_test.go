package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveDecision(t *testing.T) {
	m := New()

	m.ObserveDecision("shop", "block", "keyword", 12.5, false, 3*time.Millisecond)
	m.ObserveDecision("shop", "allow", "", 0.5, true, time.Millisecond)
	m.ObserveDecision("default", "allow", "", 0, false, time.Millisecond)

	if got := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("shop", "block")); got != 1 {
		t.Fatalf("submissions shop/block = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("shop", "allow")); got != 1 {
		t.Fatalf("submissions shop/allow = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WouldBlockTotal.WithLabelValues("shop")); got != 1 {
		t.Fatalf("would_block shop = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ShortCircuitTotal.WithLabelValues("keyword")); got != 1 {
		t.Fatalf("short_circuit keyword = %v, want 1", got)
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := New()
	b := New()
	a.TokensIssued.Inc()
	if got := testutil.ToFloat64(b.TokensIssued); got != 0 {
		t.Fatalf("registries shared state: %v", got)
	}
}

func TestHandler_ServesTextFormat(t *testing.T) {
	m := New()
	m.HeartbeatFailures.Inc()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "formgate_heartbeat_failures_total 1") {
		t.Fatalf("exposition missing counter:\n%s", body)
	}
}
