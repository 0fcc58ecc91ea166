package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradingagent/internal/candle"
	"tradingagent/internal/events"
	"tradingagent/internal/indicator"
	"tradingagent/internal/marketdata"
	"tradingagent/internal/metrics"
	"tradingagent/internal/position"
	"tradingagent/internal/result"
)

// State is one session's full in-memory working set. A Runtime owns many
// States concurrently (one per active session), each driven by its own
// goroutine; nothing here is shared across sessions (spec §5 "Scheduling
// model").
type State struct {
	SessionID uuid.UUID
	Kind      string // "backtest" | "forward"
	Agent     AgentConfig
	Asset     string
	Timeframe candle.Timeframe

	StartingCapital float64

	Candles          []candle.Candle
	Indicators       *indicator.Pipeline
	Positions        *position.Manager
	Decider          Decider
	Gateway          marketdata.Gateway

	DecisionStartIndex int
	CurrentIndex       int
	RuntimeReadiness   float64

	PendingOrder *PendingOrder

	Curve   *result.Curve
	Journal []JournalEntry

	StartedAt time.Time

	// PositionOpenedIndex and LastReviewedIndex track the force-decision
	// "extended period without review" condition (spec §4.6.3); both are
	// set to the opening candle when a position opens, LastReviewedIndex also
	// advances on every Decider call, and neither is reset on close.
	PositionOpenedIndex int
	LastReviewedIndex   int

	Status     Status
	ForcedStop bool
	AutoStop   bool

	// StopClosePosition and StopAckConnID carry the inbound stop command's
	// parameters (spec §6 "close_position boolean on stop, default true")
	// through to the driver loop, which closes the position if requested,
	// persists the stopped status, and only then acknowledges; the ack carries
	// no result id, since a manual stop writes no Result.
	StopClosePosition bool
	StopAckConnID     string

	pauseGate *pauseGate
	stop      *stopFlag

	Hub *events.Hub
	log zerolog.Logger

	// Metrics is optional: nil until a Runtime wires a shared *metrics.Registry
	// in. Every call site guards on it being non-nil.
	Metrics *metrics.Registry
}

// NewState builds a State in the "configuring" status. Init (backtest.go /
// forward.go) advances it to "initializing" and then "running".
func NewState(sessionID uuid.UUID, kind string, agent AgentConfig, asset string, timeframe candle.Timeframe, startingCapital float64, hub *events.Hub, log zerolog.Logger) *State {
	gate := newPauseGate()
	return &State{
		SessionID:       sessionID,
		Kind:            kind,
		Agent:           agent,
		Asset:           asset,
		Timeframe:       timeframe,
		StartingCapital: startingCapital,
		Status:          StatusConfiguring,
		pauseGate:       gate,
		stop:            newStopFlag(gate),
		Hub:             hub,
		log:             log.With().Str("component", "session").Str("session_id", sessionID.String()).Logger(),
	}
}

// Pause is only legal from Running (spec §4.6 "Pause is only legal from
// running").
func (s *State) Pause() bool {
	if s.Status != StatusRunning {
		return false
	}
	s.Status = StatusPaused
	s.pauseGate.Pause()
	return true
}

// Resume is only legal from Paused.
func (s *State) Resume() bool {
	if s.Status != StatusPaused {
		return false
	}
	s.Status = StatusRunning
	s.pauseGate.Resume()
	return true
}

// Stop is legal from Running or Paused, and idempotent on terminal sessions.
// closePosition and ackConnID carry the inbound command's parameters (spec
// §6) so the driver loop can close any open position and address the
// deferred command_ack to the right connection once it has finalized.
func (s *State) Stop(closePosition bool, ackConnID string) {
	s.StopClosePosition = closePosition
	s.StopAckConnID = ackConnID
	s.stop.Set()
}

func (s *State) isStopped() bool {
	return s.stop.IsSet()
}

func (s *State) waitForResume(ctx context.Context) error {
	return s.pauseGate.Wait(ctx)
}
