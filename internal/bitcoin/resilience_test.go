package bitcoin

import (
	"net/http"
	"testing"
	"time"
)

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("expected Allow() before tripping, iteration %d", i)
		}
		cb.RecordFailure()
	}

	if cb.Allow() {
		t.Error("expected circuit to be open after reaching threshold")
	}
	if cb.State() != "open" {
		t.Errorf("State() = %q, want open", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.Allow()
	cb.RecordFailure()

	if cb.Allow() {
		t.Fatal("expected open immediately after tripping")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected half-open to allow a probe after cooldown")
	}
	cb.RecordSuccess()
	if cb.State() != "closed" {
		t.Errorf("State() = %q, want closed after success", cb.State())
	}
}

func TestCircuitBreaker_ReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	cb.Allow() // consumes the half-open probe
	cb.RecordFailure()

	if cb.State() != "open" {
		t.Errorf("State() = %q, want open after half-open probe fails", cb.State())
	}
}

func TestParseRetryAfter_Seconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "5")
	d := parseRetryAfter(h)
	if d != 5*time.Second {
		t.Errorf("parseRetryAfter() = %v, want 5s", d)
	}
}

func TestParseRetryAfter_Missing(t *testing.T) {
	if d := parseRetryAfter(http.Header{}); d != 0 {
		t.Errorf("parseRetryAfter() = %v, want 0", d)
	}
}

func TestParseRetryAfter_Unparseable(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "not-a-duration")
	if d := parseRetryAfter(h); d != 0 {
		t.Errorf("parseRetryAfter() = %v, want 0", d)
	}
}
