package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestAlerter(t *testing.T) (*AuditAlerter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	a := NewAuditAlerter(srv.Addr(), "", "test:alerts")
	if a == nil {
		t.Fatalf("expected alerter")
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, srv
}

func TestAuditAlerterTriggersOncePerWindow(t *testing.T) {
	a, _ := newTestAlerter(t)
	ctx := context.Background()

	triggered := 0
	for i := 1; i <= 12; i++ {
		alert, err := a.Observe(ctx, EventLogin, OutcomeFailure, "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if alert.Triggered {
			triggered++
			if i != 10 || alert.Threshold != 10 || alert.Window != 5*time.Minute {
				t.Fatalf("unexpected alert at %d: %+v", i, alert)
			}
		}
	}
	if triggered != 1 {
		t.Fatalf("triggered %d times, want 1", triggered)
	}
	other, _ := a.Observe(ctx, EventLogin, OutcomeFailure, "10.0.0.1")
	if other.Count != 1 {
		t.Fatalf("counts must be per ip, got %+v", other)
	}
}

func TestAuditAlerterWindowRollsOver(t *testing.T) {
	a, _ := newTestAlerter(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }
	ctx := context.Background()

	for range 3 {
		if _, err := a.Observe(ctx, EventClubAdmin, OutcomeFailure, "ip"); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	clock = clock.Add(5 * time.Minute)
	alert, err := a.Observe(ctx, EventClubAdmin, OutcomeFailure, "ip")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if alert.Count != 1 {
		t.Fatalf("expected fresh bucket, got %+v", alert)
	}
}

func TestAuditAlerterRateLimitedMatchesAnyEvent(t *testing.T) {
	a, _ := newTestAlerter(t)
	alert, err := a.Observe(context.Background(), "custom", OutcomeRateLimited, "ip")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if alert.Count != 1 || alert.Threshold != 20 || alert.Window != time.Minute {
		t.Fatalf("unexpected alert: %+v", alert)
	}
}

func TestAuditAlerterIgnoresUntrackedOutcome(t *testing.T) {
	a, srv := newTestAlerter(t)
	alert, err := a.Observe(context.Background(), EventLogin, OutcomeSuccess, "127.0.0.1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if alert.Triggered || alert.Count != 0 {
		t.Fatalf("unexpected alert: %+v", alert)
	}
	if keys := srv.Keys(); len(keys) != 0 {
		t.Fatalf("untracked outcome wrote keys %v", keys)
	}
}

func TestSegmentStripsSeparators(t *testing.T) {
	if got := segment(" a:b c|d* "); got != "a_b_c_d_" {
		t.Fatalf("segment = %q", got)
	}
	if got := segment(""); got != "unknown" {
		t.Fatalf("segment empty = %q", got)
	}
}

func TestNilAuditAlerterIsNoop(t *testing.T) {
	a := NewAuditAlerter("", "", "")
	if a != nil {
		t.Fatalf("expected nil alerter without redis")
	}
	if _, err := a.Observe(context.Background(), EventLogin, OutcomeFailure, "ip"); err != nil {
		t.Fatalf("nil observe: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
