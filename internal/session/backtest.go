package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradingagent/internal/apperr"
	"tradingagent/internal/candle"
	"tradingagent/internal/database"
	"tradingagent/internal/events"
	"tradingagent/internal/indicator"
	"tradingagent/internal/marketdata"
	"tradingagent/internal/position"
	"tradingagent/internal/result"
)

// Backtest drives one historical-range session to completion (spec
// §4.6.1), grounded on original_source's BacktestEngine.start_backtest +
// _process_backtest.
type Backtest struct {
	state *State
	repo  *database.Repository
}

// InitBacktest validates parameters, loads the full candle range eagerly,
// builds C1/C2/C3-or-C4, and emits session_initialized (spec §4.6.1
// "Initialization"). It uses the AgentConfig and Decider it is handed;
// neither it nor Runtime.StartBacktest reloads the agent from persistence.
func InitBacktest(ctx context.Context, repo *database.Repository, sessionID uuid.UUID, agent AgentConfig, asset string, timeframe candle.Timeframe, start, end time.Time, startingCapital float64, gateway marketdata.Gateway, decider Decider, hub *events.Hub, decisionStartReadiness, runtimeReadiness float64, log zerolog.Logger) (*Backtest, error) {
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return nil, apperr.NewValidation("date_range", "start must be before end")
	}
	if start.After(time.Now()) {
		return nil, apperr.NewValidation("start_date", "cannot be in the future")
	}
	if startingCapital < 100 {
		return nil, apperr.NewValidation("starting_capital", "must be >= 100")
	}

	state := NewState(sessionID, "backtest", agent, asset, timeframe, startingCapital, hub, log)
	state.Status = StatusInitializing

	candles, err := gateway.Historical(ctx, asset, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, apperr.NewValidation("candles", "no historical data available for the requested range")
	}
	state.Candles = candles
	state.Gateway = gateway

	pipeline, err := indicator.New(candles, agent.Indicators, agent.Mode, agent.CustomIndicators)
	if err != nil {
		return nil, err
	}
	state.Indicators = pipeline
	state.DecisionStartIndex = pipeline.FirstReadyIndex(decisionStartReadiness)
	state.RuntimeReadiness = runtimeReadiness

	state.Positions = position.NewManager(startingCapital, agent.SafetyMode)
	state.Curve = result.NewCurve(startingCapital)
	state.Decider = decider
	state.StartedAt = time.Now().UTC()
	state.Status = StatusRunning

	cfg, _ := json.Marshal(agent)
	if err := repo.InsertSession(ctx, database.SessionRow{
		ID:           sessionID,
		AgentID:      agent.AgentID,
		Status:       string(StatusRunning),
		SessionType:  "backtest",
		Config:       cfg,
		CurrentIndex: 0,
		TotalCandles: intPtr(len(candles)),
		CreatedAt:    time.Now().UTC(),
		StartedAt:    &state.StartedAt,
	}); err != nil {
		return nil, err
	}

	state.broadcastSessionInitialized(len(candles))
	return &Backtest{state: state, repo: repo}, nil
}

func intPtr(v int) *int { return &v }

// Run executes the main loop to completion (spec §4.6.1 "Main loop").
func (b *Backtest) Run(ctx context.Context) (*TerminalSummary, error) {
	s := b.state
	total := len(s.Candles)
	callPoints := precomputeCallPoints(s.Agent.DecisionCadence, s.Agent.DecisionInterval, s.DecisionStartIndex, total)

	for s.CurrentIndex < total {
		if s.isStopped() {
			break
		}
		if err := s.waitForResume(ctx); err != nil {
			break
		}

		idx := s.CurrentIndex
		c := s.Candles[idx]

		hasPosition := s.Positions.HasOpenPosition()
		isCallPoint := callPoints[idx]

		forceDecision := false
		forceReason := ""
		if hasPosition {
			forceDecision, forceReason = s.shouldForceDecision(idx, c.Close)
		}

		if isCallPoint || forceDecision {
			s.RunFullStep(ctx, idx, isCallPoint, forceDecision, forceReason)
		} else {
			b.fastForwardStep(ctx, idx)
		}

		s.CurrentIndex++
		if idx%20 == 0 || isCallPoint || forceDecision {
			persistProgress(ctx, b.repo, s)
		}

		if (isCallPoint || forceDecision) && s.Agent.PlaybackSpeed != SpeedInstant {
			if delay := s.Agent.PlaybackSpeed.Delay(); delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
	}

	if s.isStopped() {
		finalizeStop(ctx, b.repo, s)
		return nil, nil
	}
	return finalizeSession(ctx, b.repo, s, false)
}

func (b *Backtest) fastForwardStep(ctx context.Context, idx int) {
	s := b.state
	c := s.Candles[idx]

	s.updatePosition(idx)
	s.fillPendingOrder(idx)

	stats := s.Positions.ComputeStats()
	s.Curve.Record(c.Timestamp, stats.CurrentEquity)
	s.broadcastCandle(c, nil, idx)

	if idx%20 == 0 {
		s.broadcastStats(stats, idx, len(s.Candles))
	}
}

// precomputeCallPoints mirrors original_source's precompute_llm_call_points:
// a boolean mask over [0, total) of which indices are cadence call points.
func precomputeCallPoints(cadence DecisionCadence, interval, decisionStart, total int) []bool {
	out := make([]bool, total)
	for i := decisionStart; i < total; i++ {
		out[i] = isDecisionCandle(cadence, interval, decisionStart, i)
	}
	return out
}
