package events

import (
	"sync"
	"testing"
	"time"
)

// fakeSink is an in-memory Sink for tests, recording every Event it receives
// in arrival order.
type fakeSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
	failAfter int // -1 = never fail
}

func newFakeSink() *fakeSink {
	return &fakeSink{failAfter: -1}
}

func (f *fakeSink) Send(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter >= 0 && len(f.events) >= f.failAfter {
		return errSinkFailure
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

type sinkFailureError struct{}

func (*sinkFailureError) Error() string { return "sink failed" }

var errSinkFailure = &sinkFailureError{}

func TestHub_BroadcastDeliversToAllConnections(t *testing.T) {
	h := NewHub("sess-1", time.Hour, time.Hour)
	defer h.Close()

	s1, s2 := newFakeSink(), newFakeSink()
	h.Connect("c1", s1)
	h.Connect("c2", s2)

	h.Broadcast(NewEvent(EventCandle, map[string]interface{}{"i": 1}))

	if len(s1.received()) != 1 || len(s2.received()) != 1 {
		t.Fatalf("expected both connections to receive the broadcast event, got %d and %d",
			len(s1.received()), len(s2.received()))
	}
}

// TestHub_OrderingPreservedPerConnection covers spec invariant 7: "For all
// events sent to a single consumer, their emission order equals their
// reception order."
func TestHub_OrderingPreservedPerConnection(t *testing.T) {
	h := NewHub("sess-1", time.Hour, time.Hour)
	defer h.Close()

	sink := newFakeSink()
	h.Connect("c1", sink)

	for i := 0; i < 20; i++ {
		h.Broadcast(NewEvent(EventStatsUpdate, map[string]interface{}{"i": i}))
	}

	received := sink.received()
	if len(received) != 20 {
		t.Fatalf("expected 20 events, got %d", len(received))
	}
	for i, ev := range received {
		data := ev.Data.(map[string]interface{})
		if data["i"] != i {
			t.Fatalf("expected event %d in order, got %v at position %d", i, data["i"], i)
		}
	}
}

// TestHub_FailingSendDisconnectsOnlyThatConnection covers spec §4.5 "a send
// that fails disconnects that connection and does not affect others."
func TestHub_FailingSendDisconnectsOnlyThatConnection(t *testing.T) {
	h := NewHub("sess-1", time.Hour, time.Hour)
	defer h.Close()

	failing := newFakeSink()
	failing.failAfter = 0
	healthy := newFakeSink()
	h.Connect("failing", failing)
	h.Connect("healthy", healthy)

	h.Broadcast(NewEvent(EventCandle, nil))

	if h.ConnectionCount() != 1 {
		t.Fatalf("expected the failing connection to be disconnected, %d remain", h.ConnectionCount())
	}
	if len(healthy.received()) != 1 {
		t.Fatalf("expected the healthy connection to still receive the event, got %d", len(healthy.received()))
	}
}

func TestHub_SendToScopesDeliveryToOneConnection(t *testing.T) {
	h := NewHub("sess-1", time.Hour, time.Hour)
	defer h.Close()

	a, b := newFakeSink(), newFakeSink()
	h.Connect("a", a)
	h.Connect("b", b)

	h.SendTo("a", NewEvent(EventError, nil))

	if len(a.received()) != 1 {
		t.Fatalf("expected connection a to receive the scoped event, got %d", len(a.received()))
	}
	if len(b.received()) != 0 {
		t.Fatalf("expected connection b to receive nothing, got %d", len(b.received()))
	}
}

func TestHub_AckAndReportUnknownCommand(t *testing.T) {
	h := NewHub("sess-1", time.Hour, time.Hour)
	defer h.Close()

	sink := newFakeSink()
	h.Connect("c1", sink)

	h.Ack("c1", CommandStop, map[string]interface{}{"result_id": "r-1"})
	h.ReportUnknownCommand("c1", "frobnicate")

	got := sink.received()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != EventCommandAck {
		t.Errorf("expected first event command_ack, got %v", got[0].Type)
	}
	if got[1].Type != EventError {
		t.Errorf("expected second event error, got %v", got[1].Type)
	}
}

func TestHub_ReapDisconnectsStaleConnections(t *testing.T) {
	h := NewHub("sess-1", time.Hour, 10*time.Millisecond)
	defer h.Close()

	sink := newFakeSink()
	conn := h.Connect("c1", sink)
	// Force the last-heartbeat timestamp into the past beyond maxAge.
	conn.mu.Lock()
	conn.lastHeartbeat = time.Now().Add(-time.Second)
	conn.mu.Unlock()

	h.Reap()

	if h.ConnectionCount() != 0 {
		t.Fatalf("expected Reap to disconnect the stale connection, %d remain", h.ConnectionCount())
	}
}

func TestBus_HubForCreatesAndReusesPerSession(t *testing.T) {
	b := NewBus(time.Hour, time.Hour)
	h1 := b.HubFor("sess-a")
	h2 := b.HubFor("sess-a")
	if h1 != h2 {
		t.Fatal("expected the same Hub instance for the same session id")
	}

	if _, ok := b.Lookup("sess-b"); ok {
		t.Fatal("expected Lookup to report false for an unregistered session")
	}

	b.RemoveSession("sess-a")
	if _, ok := b.Lookup("sess-a"); ok {
		t.Fatal("expected RemoveSession to remove the hub")
	}
}
