package session

import (
	"context"
	"testing"
	"time"
)

func TestPauseGate_WaitReturnsImmediatelyWhenOpen(t *testing.T) {
	g := newPauseGate()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("expected an open gate to admit immediately, got %v", err)
	}
}

func TestPauseGate_PauseBlocksUntilResume(t *testing.T) {
	g := newPauseGate()
	g.Pause()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("expected Wait to block while the gate is paused")
	case <-time.After(50 * time.Millisecond):
	}

	g.Resume()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected Wait to succeed after Resume, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Wait to unblock after Resume")
	}
}

func TestPauseGate_IsPaused(t *testing.T) {
	g := newPauseGate()
	if g.IsPaused() {
		t.Fatal("expected a fresh gate to not be paused")
	}
	g.Pause()
	if !g.IsPaused() {
		t.Fatal("expected IsPaused to report true after Pause")
	}
	g.Resume()
	if g.IsPaused() {
		t.Fatal("expected IsPaused to report false after Resume")
	}
}

func TestPauseGate_DoublePauseIsIdempotent(t *testing.T) {
	g := newPauseGate()
	g.Pause()
	g.Pause() // must not re-create the channel and strand a waiter
	done := make(chan struct{})
	go func() {
		g.Wait(context.Background())
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	g.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected the waiter to be released by a single Resume")
	}
}

// TestStopFlag_UnblocksAPausedWaiter covers spec §5 "Stop sets a flag and
// also signals the pause primitive so a paused loop can observe the stop and
// exit its wait."
func TestStopFlag_UnblocksAPausedWaiter(t *testing.T) {
	g := newPauseGate()
	g.Pause()
	sf := newStopFlag(g)

	done := make(chan error, 1)
	go func() {
		done <- g.Wait(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	sf.Set()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected stop to release the paused waiter cleanly, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Set to unblock a paused Wait")
	}
	if !sf.IsSet() {
		t.Fatal("expected IsSet to report true after Set")
	}
}

func TestStopFlag_IdempotentAcrossMultipleSets(t *testing.T) {
	g := newPauseGate()
	sf := newStopFlag(g)
	sf.Set()
	sf.Set()
	if !sf.IsSet() {
		t.Fatal("expected IsSet to remain true")
	}
}

// TestState_PauseResumeTransitions exercises the Status-gated legality rules:
// pause only from running, resume only from paused (spec §4.6 "States").
func TestState_PauseResumeTransitions(t *testing.T) {
	s := &State{Status: StatusConfiguring, pauseGate: newPauseGate()}
	s.stop = newStopFlag(s.pauseGate)

	if s.Pause() {
		t.Fatal("expected Pause to be illegal outside running")
	}

	s.Status = StatusRunning
	if !s.Pause() {
		t.Fatal("expected Pause to succeed from running")
	}
	if s.Status != StatusPaused {
		t.Fatalf("expected status paused, got %v", s.Status)
	}

	if s.Pause() {
		t.Fatal("expected a second Pause from paused to be illegal")
	}

	if !s.Resume() {
		t.Fatal("expected Resume to succeed from paused")
	}
	if s.Status != StatusRunning {
		t.Fatalf("expected status running after resume, got %v", s.Status)
	}

	if s.Resume() {
		t.Fatal("expected Resume from running to be illegal")
	}
}
