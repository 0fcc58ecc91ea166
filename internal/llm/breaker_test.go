package llm

import (
	"testing"
	"time"
)

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("test-service", BreakerConfig{FailureThreshold: 3, CooldownPeriod: time.Minute})

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("expected breaker to allow call %d before tripping", i)
		}
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("expected breaker to stay closed below threshold, got %v", b.State())
	}

	if !b.Allow() {
		t.Fatal("expected breaker to allow the third call")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected breaker to trip open after %d consecutive failures, got %v", 3, b.State())
	}
	if b.Allow() {
		t.Fatal("expected an open breaker to reject immediately")
	}
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	b := NewBreaker("svc", BreakerConfig{FailureThreshold: 1, CooldownPeriod: 10 * time.Millisecond})

	b.Allow()
	b.RecordFailure() // trips open

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected the breaker to admit a half-open probe after cooldown")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected a successful probe to close the breaker, got %v", b.State())
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := NewBreaker("svc", BreakerConfig{FailureThreshold: 1, CooldownPeriod: 10 * time.Millisecond})

	b.Allow()
	b.RecordFailure()

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected a half-open probe to be admitted")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected a failed probe to re-open the breaker, got %v", b.State())
	}
}

func TestBreaker_OnlyOneProbeAdmittedAtATime(t *testing.T) {
	b := NewBreaker("svc", BreakerConfig{FailureThreshold: 1, CooldownPeriod: 10 * time.Millisecond})
	b.Allow()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected the first half-open probe to be admitted")
	}
	if b.Allow() {
		t.Fatal("expected a second concurrent half-open probe to be rejected")
	}
}

func TestBreaker_OnTripAndOnResetCallbacks(t *testing.T) {
	var tripped, reset bool
	b := NewBreaker("svc", BreakerConfig{FailureThreshold: 1, CooldownPeriod: 5 * time.Millisecond})
	b.OnTrip = func(string) { tripped = true }
	b.OnReset = func(string) { reset = true }

	b.Allow()
	b.RecordFailure()
	if !tripped {
		t.Fatal("expected OnTrip to fire")
	}

	time.Sleep(10 * time.Millisecond)
	b.Allow()
	b.RecordSuccess()
	if !reset {
		t.Fatal("expected OnReset to fire on a successful half-open probe")
	}
}
