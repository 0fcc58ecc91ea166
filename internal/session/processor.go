package session

import (
	"context"

	"tradingagent/internal/candle"
	"tradingagent/internal/indicator"
	"tradingagent/internal/llm"
	"tradingagent/internal/position"
)

// Force-decision and low-volatility-skip thresholds (spec §4.6.3), ported
// 1:1 from original_source/.../backtest_engine/processor.py's module-level
// constants.
const (
	forceProximityPct      = 1.0
	forceSignificantPnLPct = 2.0
	forceExtendedCandles   = 50
	lowVolatilityThreshold = 0.5
)

// shouldForceDecision implements spec §4.6.3's three force conditions,
// checked only when a position is open.
func (s *State) shouldForceDecision(idx int, currentPrice float64) (bool, string) {
	pos := s.Positions.OpenPosition()
	if pos == nil {
		return false, ""
	}

	if pos.StopLoss != nil {
		dist := absPct(*pos.StopLoss, currentPrice)
		if dist < forceProximityPct {
			return true, "position near stop-loss"
		}
	}
	if pos.TakeProfit != nil {
		dist := absPct(*pos.TakeProfit, currentPrice)
		if dist < forceProximityPct {
			return true, "position near take-profit"
		}
	}

	if pos.Size > 0 {
		pnlPct := pos.UnrealizedPnL / (pos.EntryPrice * pos.Size) * 100
		if pnlPct < 0 {
			pnlPct = -pnlPct
		}
		if pnlPct > forceSignificantPnLPct {
			return true, "significant unrealized pnl"
		}
	}

	if idx-s.LastReviewedIndex > forceExtendedCandles {
		return true, "position open without review for extended period"
	}

	return false, ""
}

func absPct(level, currentPrice float64) float64 {
	if currentPrice == 0 {
		return 0
	}
	d := (level - currentPrice) / currentPrice * 100
	if d < 0 {
		return -d
	}
	return d
}

// shouldSkipLowVolatility implements spec §4.6.3's volatility skip, only
// evaluated when no position is open and a cadence call was scheduled.
func (s *State) shouldSkipLowVolatility(idx int) (bool, string) {
	if idx < 5 {
		return false, ""
	}

	if atr, ok := s.Indicators.ValueAt(indicator.ATR, idx); ok {
		avg, n := 0.0, 0
		for i := idx - 5; i < idx; i++ {
			if v, ok := s.Indicators.ValueAt(indicator.ATR, i); ok {
				avg += v
				n++
			}
		}
		if n > 0 {
			avg /= float64(n)
			if avg > 0 && atr < avg*lowVolatilityThreshold {
				return true, "low volatility (ATR)"
			}
			return false, ""
		}
	}

	currentRange := s.Candles[idx].High - s.Candles[idx].Low
	avgRange, n := 0.0, 0
	for i := idx - 5; i < idx; i++ {
		avgRange += s.Candles[i].High - s.Candles[i].Low
		n++
	}
	if n > 0 {
		avgRange /= float64(n)
		if avgRange > 0 && currentRange < avgRange*lowVolatilityThreshold {
			return true, "low volatility (price range)"
		}
	}
	return false, ""
}

// decisionWindow builds the recent-history slices handed to the decider,
// widened to full history on a forced decision (spec §4.6.2 "Use adaptive
// history window based on position state").
func (s *State) decisionWindow(idx int, forceFull bool) ([]candle.Candle, []map[string]*float64) {
	start := idx - 20
	if forceFull {
		start = s.DecisionStartIndex
	}
	if start < 0 {
		start = 0
	}
	candles := make([]candle.Candle, 0, idx-start)
	indicators := make([]map[string]*float64, 0, idx-start)
	for i := start; i < idx; i++ {
		candles = append(candles, s.Candles[i])
		indicators = append(indicators, s.Indicators.ValuesAt(i))
	}
	return candles, indicators
}

// updatePosition runs C2's SL/TP check for one candle and emits
// position_closed if it triggered (spec §4.6.1 step 3/4).
func (s *State) updatePosition(idx int) {
	c := s.Candles[idx]
	trade, _, closed := s.Positions.Update(c.High, c.Low, c.Close)
	if closed {
		s.broadcastPositionClosed(trade, idx)
		s.recordTradeMetrics(trade)
	}
}

// recordTradeMetrics feeds a just-closed trade into the optional metrics
// registry; a no-op until a Runtime wires one in.
func (s *State) recordTradeMetrics(trade *position.Trade) {
	if s.Metrics == nil || trade == nil {
		return
	}
	s.Metrics.RecordTrade(trade.PnL > 0, string(trade.Reason), string(trade.Side))
}

// fillPendingOrder checks and fills a registered PendingOrder against the
// current candle's range (spec §4.6.2 "PendingOrder fill check is
// path-aware").
func (s *State) fillPendingOrder(idx int) {
	if s.PendingOrder == nil || s.Positions.HasOpenPosition() {
		return
	}
	po := s.PendingOrder
	c := s.Candles[idx]
	if !po.Fills(c) {
		return
	}

	opened, err := s.Positions.Open(sideOf(po.Side), po.EntryPrice, po.SizePercent, po.StopLoss, po.TakeProfit, po.Leverage)
	if err == nil && opened {
		s.PositionOpenedIndex = idx
		s.LastReviewedIndex = idx
		s.broadcastPositionOpened(s.Positions.OpenPosition(), idx)
	}
	s.PendingOrder = nil
}

// executeDecision applies decision execution semantics (spec §4.6.2).
func (s *State) executeDecision(ctx context.Context, d llm.Decision, idx int) {
	c := s.Candles[idx]

	switch d.Action {
	case llm.ActionHold:
		return

	case llm.ActionClose:
		if !s.Positions.HasOpenPosition() {
			return
		}
		trade := s.Positions.Close(c.Close, closeReasonAIDecision)
		if trade != nil {
			s.broadcastPositionClosed(trade, idx)
			s.recordTradeMetrics(trade)
		}
		return

	case llm.ActionLong, llm.ActionShort:
		if s.Positions.HasOpenPosition() {
			s.log.Warn().Int("candle_index", idx).Msg("cannot open position: one already open")
			return
		}
		leverage := d.Leverage
		if !s.Agent.AllowLeverage {
			leverage = 1
		}
		leverage = clampInt(leverage, 1, 5)

		if d.EntryPrice != nil {
			s.PendingOrder = &PendingOrder{
				Side:          string(d.Action),
				EntryPrice:    *d.EntryPrice,
				SizePercent:   d.SizePercent,
				StopLoss:      d.StopLoss,
				TakeProfit:    d.TakeProfit,
				Leverage:      leverage,
				Reasoning:     d.Reasoning,
				DecisionIndex: idx,
			}
			return
		}

		opened, err := s.Positions.Open(sideOf(string(d.Action)), c.Close, d.SizePercent, d.StopLoss, d.TakeProfit, leverage)
		if err != nil {
			s.log.Warn().Err(err).Int("candle_index", idx).Msg("decision rejected by position manager")
			return
		}
		if opened {
			s.PositionOpenedIndex = idx
			s.LastReviewedIndex = idx
			s.broadcastPositionOpened(s.Positions.OpenPosition(), idx)
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RunFullStep executes one full decision-capable step for candle idx:
// broadcast the candle and its indicators, let C2 mark-to-market and fill
// any pending order, consult the decider when isCallPoint or forceDecision
// holds, execute the resulting decision, and record the equity curve (spec
// §4.6.1 step 3, shared verbatim by the backtest and forward drivers per
// §4.6.4 "no fast-forward path in forward mode").
func (s *State) RunFullStep(ctx context.Context, idx int, isCallPoint, forceDecision bool, forceReason string) {
	c := s.Candles[idx]

	indicators := s.Indicators.ValuesAt(idx)
	s.broadcastCandle(c, indicators, idx)

	readyCount, totalCount := s.Indicators.ReadyCount(idx)
	s.broadcastIndicatorReadiness(readyCount, totalCount, idx)

	s.updatePosition(idx)
	s.fillPendingOrder(idx)

	hasPosition := s.Positions.HasOpenPosition()
	indicatorsReady := s.Indicators.IsReady(idx, s.RuntimeReadiness)

	decision := synthesizeSkippedHold("")
	runAI := false

	switch {
	case forceDecision:
		runAI = true
	case !hasPosition && isCallPoint:
		if skip, reason := s.shouldSkipLowVolatility(idx); skip {
			decision = synthesizeSkippedHold("skipped (volatility): " + reason)
		} else {
			runAI = isCallPoint && indicatorsReady
		}
	default:
		runAI = isCallPoint && indicatorsReady
	}

	if runAI {
		decision = s.runDecision(ctx, idx, forceDecision)
		if forceDecision {
			decision.Reasoning = forceReason + ": " + decision.Reasoning
		}
	} else {
		if decision.Reasoning == "" {
			decision.Reasoning = "decision cadence skipped this candle"
		}
		decision.CandleIndex = &idx
		s.recordDecision(idx, c, indicators, decision)
	}

	s.executeDecision(ctx, decision, idx)

	stats := s.Positions.ComputeStats()
	s.Curve.Record(c.Timestamp, stats.CurrentEquity)
	s.broadcastStats(stats, idx, len(s.Candles))
	if s.Metrics != nil {
		s.Metrics.SetEquity(stats.CurrentEquity)
		s.Metrics.SetMaxDrawdownPct(s.Curve.MaxDrawdownPct())
	}
}

