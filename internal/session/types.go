// Package session implements the Session Runtime (C6): the backtest and
// forward drivers that step candle-by-candle through a simulation, calling
// into the Indicator Pipeline (C1), Position Manager (C2), LLM/Council
// decision client (C3/C4), Event Bus (C5), Market Data Gateway (C7), and
// Result Finalizer (C8). Grounded on the teacher's internal/bot/bot.go
// goroutine-per-worker + stopChan shape for the concurrency skeleton, and
// on original_source/backend/services/trading/backtest_engine/{engine,processor}.py
// and forward_engine/{engine,processor}.py for the exact cadence,
// force-decision, fast-forward, and finalization semantics.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tradingagent/internal/candle"
	"tradingagent/internal/indicator"
	"tradingagent/internal/llm"
)

// Status is one node in the session state machine (spec §4.6 "States").
type Status string

const (
	StatusConfiguring  Status = "configuring"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
)

// DecisionCadence is the policy for which candle indices require a full
// decision step (spec §6 "Decision cadence").
type DecisionCadence string

const (
	CadenceEveryCandle    DecisionCadence = "every_candle"
	CadenceEveryNCandles  DecisionCadence = "every_n_candles"
)

// PlaybackSpeed controls the inter-candle sleep on decision candles (spec §6
// "Playback speeds").
type PlaybackSpeed string

const (
	SpeedSlow    PlaybackSpeed = "slow"
	SpeedNormal  PlaybackSpeed = "normal"
	SpeedFast    PlaybackSpeed = "fast"
	SpeedInstant PlaybackSpeed = "instant"
)

// Delay returns the sleep duration for one decision candle at this speed.
func (s PlaybackSpeed) Delay() time.Duration {
	switch s {
	case SpeedSlow:
		return 1000 * time.Millisecond
	case SpeedNormal:
		return 500 * time.Millisecond
	case SpeedFast:
		return 200 * time.Millisecond
	case SpeedInstant:
		return 0
	default:
		return 500 * time.Millisecond
	}
}

// AgentConfig is the configuration of the agent under test. InitBacktest and
// InitForward use the copy they are handed; it is not reloaded from
// persistence.
type AgentConfig struct {
	AgentID          uuid.UUID
	Name             string
	Mode             indicator.Mode
	Indicators       []string
	CustomIndicators []indicator.CustomRule
	StrategyPrompt   string
	Model            string
	SafetyMode       bool
	AllowLeverage    bool
	PlaybackSpeed    PlaybackSpeed
	DecisionCadence  DecisionCadence
	DecisionInterval int

	CouncilMode     bool
	CouncilModels   []string
	CouncilChairman string

	CredentialID uuid.UUID
}

// PendingOrder is a registered but unfilled limit-like entry (spec §4.6.2).
type PendingOrder struct {
	Side          string
	EntryPrice    float64
	SizePercent   float64
	StopLoss      *float64
	TakeProfit    *float64
	Leverage      int
	Reasoning     string
	DecisionIndex int
}

// Fills reports whether candle c's range touches this order's entry price.
func (p PendingOrder) Fills(c candle.Candle) bool {
	return c.FillPredicate(p.EntryPrice)
}

// JournalEntry is one persisted AiThought row's in-memory shape (spec §6
// "AiThought").
type JournalEntry struct {
	CandleIndex int
	Timestamp   time.Time
	Candle      candle.Candle
	Indicators  map[string]*float64
	Reasoning   string
	Decision    llm.Decision
}

// Decider is satisfied by both *llm.Client (C3) and *council.Orchestrator
// (C4); the runtime is indifferent to which one backs a session (spec
// §4.6.1: "Build C3 (or C4 if council is enabled)").
type Decider interface {
	Decide(ctx context.Context, req llm.DecideRequest) llm.Decision
}

// TerminalSummary is everything a consumer needs to render a wrap-up view
// (spec §7 "User-visible failure").
type TerminalSummary struct {
	ResultID        uuid.UUID
	FinalEquity     float64
	TotalPnL        float64
	TotalPnLPercent float64
	TotalTrades     int
	WinRate         float64
	ForcedStop      bool
	AutoStop        bool
}
