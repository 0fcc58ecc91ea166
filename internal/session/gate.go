package session

import (
	"context"
	"sync"
	"sync/atomic"
)

// pauseGate is the rendezvous primitive spec §5/§9 describe: "a boolean flag
// and a rendezvous primitive that blocks a consumer when cleared and admits
// it when set." Modeled on Go's usual closed-channel broadcast idiom rather
// than the teacher's asyncio.Event, since a channel is the idiomatic
// Go stand-in for a one-shot broadcast gate.
type pauseGate struct {
	mu     sync.Mutex
	open   chan struct{}
	paused bool
}

func newPauseGate() *pauseGate {
	ch := make(chan struct{})
	close(ch)
	return &pauseGate{open: ch}
}

// Pause closes the gate; the next Wait call blocks.
func (g *pauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.open = make(chan struct{})
}

// Resume opens the gate, admitting any blocked or future Wait call.
func (g *pauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.open)
}

// IsPaused reports the current flag state.
func (g *pauseGate) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks until the gate is open or ctx is cancelled.
func (g *pauseGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopFlag is a process-local, atomically-checked stop signal. Stop() both
// sets the flag and opens the pause gate so a paused loop observes the stop
// immediately instead of waiting on resume (spec §5 "Pause/cancellation
// semantics").
type stopFlag struct {
	flag int32
	gate *pauseGate
}

func newStopFlag(gate *pauseGate) *stopFlag {
	return &stopFlag{gate: gate}
}

func (s *stopFlag) Set() {
	atomic.StoreInt32(&s.flag, 1)
	s.gate.Resume()
}

func (s *stopFlag) IsSet() bool {
	return atomic.LoadInt32(&s.flag) == 1
}
