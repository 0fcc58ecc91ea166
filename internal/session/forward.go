package session

import (
	"context"
	"encoding/json"
	"errors"
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

var errStopped = errors.New("session stopped")

// AutoStopPolicy configures the forward-only automatic termination
// predicate (spec §4.6.4 "Auto-stop"): currently cumulative PnL% <=
// -ThresholdPct, evaluated after each processed candle.
type AutoStopPolicy struct {
	Enabled      bool
	ThresholdPct float64
}

// Forward drives an unbounded, live-streamed session (spec §4.6.4),
// grounded on original_source/backend/services/trading/forward_engine/{engine,processor}.py
// and sharing the backtest driver's cadence/force-decision/execution logic
// via State.RunFullStep.
type Forward struct {
	state    *State
	repo     *database.Repository
	autoStop AutoStopPolicy
}

// InitForward fetches a historical warm-up window sized by
// max(enabled indicator lookback)*1.5, clamped to the timeframe's bounds,
// builds C1/C2, and seeds an opening analysis if the warm-up already
// crosses the decision-start index (spec §4.6.4 "Initialization").
func InitForward(ctx context.Context, repo *database.Repository, sessionID uuid.UUID, agent AgentConfig, asset string, timeframe candle.Timeframe, startingCapital float64, gateway marketdata.Gateway, decider Decider, hub *events.Hub, decisionStartReadiness, runtimeReadiness float64, autoStop AutoStopPolicy, log zerolog.Logger) (*Forward, error) {
	if startingCapital < 100 {
		return nil, apperr.NewValidation("starting_capital", "must be >= 100")
	}

	state := NewState(sessionID, "forward", agent, asset, timeframe, startingCapital, hub, log)
	state.Status = StatusInitializing
	state.Gateway = gateway

	expanded := indicator.ExpandNames(agent.Indicators)
	warmupCount := int(float64(indicator.MaxLookback(expanded)) * 1.5)
	minWarmup, maxWarmup := timeframe.WarmupBounds()
	warmupCount = clampInt(warmupCount, minWarmup, maxWarmup)

	end := time.Now().UTC()
	start := end.Add(-time.Duration(warmupCount) * timeframe.Duration())
	warmup, err := gateway.Historical(ctx, asset, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	if len(warmup) == 0 {
		return nil, apperr.NewValidation("candles", "no warm-up data available")
	}
	state.Candles = warmup

	pipeline, err := indicator.New(warmup, agent.Indicators, agent.Mode, agent.CustomIndicators)
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
	state.CurrentIndex = len(warmup) - 1

	cfg, _ := json.Marshal(agent)
	if err := repo.InsertSession(ctx, database.SessionRow{
		ID:           sessionID,
		AgentID:      agent.AgentID,
		Status:       string(StatusRunning),
		SessionType:  "forward",
		Config:       cfg,
		CurrentIndex: state.CurrentIndex,
		CreatedAt:    time.Now().UTC(),
		StartedAt:    &state.StartedAt,
	}); err != nil {
		return nil, err
	}

	for i, c := range warmup {
		state.broadcastCandle(c, pipeline.ValuesAt(i), i)
	}
	state.broadcastSessionInitialized(len(warmup))

	f := &Forward{state: state, repo: repo, autoStop: autoStop}

	if state.DecisionStartIndex < len(warmup) {
		state.runSeedDecision(ctx, state.CurrentIndex)
		persistProgress(ctx, repo, state)
	}

	return f, nil
}

// Run waits for each new timeframe-aligned candle close, processes it as one
// full step, and evaluates auto-stop — it never terminates on its own
// besides Stop() or the auto-stop predicate (spec §4.6.4 "Main loop").
func (f *Forward) Run(ctx context.Context) (*TerminalSummary, error) {
	s := f.state

	for {
		if s.isStopped() {
			break
		}
		if err := s.waitForResume(ctx); err != nil {
			break
		}

		deadline := s.Timeframe.NextBoundary(time.Now().UTC())
		if err := f.waitForClose(ctx, deadline); err != nil {
			if errors.Is(err, errStopped) {
				break
			}
			return nil, err
		}
		if s.isStopped() {
			break
		}

		latest, err := s.Gateway.LatestClosed(ctx, s.Asset, s.Timeframe)
		if err != nil {
			s.broadcastError("market data fetch failed: " + err.Error())
			continue
		}
		if latest == nil {
			continue
		}
		last := s.Candles[len(s.Candles)-1]
		if !latest.Timestamp.After(last.Timestamp) {
			continue
		}

		s.Candles = append(s.Candles, *latest)
		idx := len(s.Candles) - 1
		s.CurrentIndex = idx

		pipeline, err := indicator.New(s.Candles, s.Agent.Indicators, s.Agent.Mode, s.Agent.CustomIndicators)
		if err != nil {
			s.broadcastError("indicator recompute failed: " + err.Error())
			continue
		}
		s.Indicators = pipeline

		hasPosition := s.Positions.HasOpenPosition()
		forceDecision, forceReason := false, ""
		if hasPosition {
			forceDecision, forceReason = s.shouldForceDecision(idx, latest.Close)
		}
		isCallPoint := isDecisionCandle(s.Agent.DecisionCadence, s.Agent.DecisionInterval, s.DecisionStartIndex, idx)

		s.RunFullStep(ctx, idx, isCallPoint, forceDecision, forceReason)
		persistProgress(ctx, f.repo, s)

		if triggered := f.checkAutoStop(); triggered {
			return f.finalizeAutoStop(ctx)
		}
	}

	if s.isStopped() {
		finalizeStop(ctx, f.repo, s)
	}
	return nil, nil
}

// waitForClose blocks until deadline, emitting a countdown_update at most
// every 30s and a price_update every second (spec §4.6.4 "while waiting").
func (f *Forward) waitForClose(ctx context.Context, deadline time.Time) error {
	s := f.state
	priceTicker := time.NewTicker(1 * time.Second)
	defer priceTicker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		countdownWait := remaining
		if countdownWait > 30*time.Second {
			countdownWait = 30 * time.Second
		}
		s.broadcastCountdown(deadline, remaining)

		countdownTimer := time.NewTimer(countdownWait)
		for {
			stop := false
			select {
			case <-countdownTimer.C:
				stop = true
			case <-priceTicker.C:
				if s.isStopped() {
					countdownTimer.Stop()
					return errStopped
				}
				f.broadcastPrice(ctx)
			case <-ctx.Done():
				countdownTimer.Stop()
				return ctx.Err()
			}
			if stop {
				break
			}
		}
	}
}

func (f *Forward) broadcastPrice(ctx context.Context) {
	s := f.state
	p, err := s.Gateway.CurrentPrice(ctx, s.Asset)
	if err != nil || p == nil {
		return
	}
	s.broadcastPriceUpdate(p)
}

// checkAutoStop evaluates the configured predicate (spec §4.6.4
// "Auto-stop": currently cumulative PnL% <= -threshold).
func (f *Forward) checkAutoStop() bool {
	if !f.autoStop.Enabled {
		return false
	}
	stats := f.state.Positions.ComputeStats()
	return stats.TotalPnLPercent <= -f.autoStop.ThresholdPct
}

func (f *Forward) finalizeAutoStop(ctx context.Context) (*TerminalSummary, error) {
	s := f.state
	if s.Positions.HasOpenPosition() {
		last := s.Candles[len(s.Candles)-1]
		trade := s.Positions.Close(last.Close, position.ReasonAutoStop)
		if trade != nil {
			s.broadcastPositionClosed(trade, s.CurrentIndex)
		}
	}
	s.AutoStop = true
	return finalizeSession(ctx, f.repo, s, true)
}
