package session

import (
	"context"
	"strings"

	"tradingagent/internal/candle"
	"tradingagent/internal/llm"
)

// runDecision builds the DecideRequest for candle idx and calls the
// session's Decider, recording a journal entry and broadcasting ai_decision
// (spec §4.6.1 step 3, §4.6.2).
func (s *State) runDecision(ctx context.Context, idx int, forceFull bool) llm.Decision {
	c := s.Candles[idx]
	indicators := s.Indicators.ValuesAt(idx)
	recentCandles, recentIndicators := s.decisionWindow(idx, forceFull)

	req := llm.DecideRequest{
		Candle:           c,
		Indicators:       indicators,
		Position:         s.positionSnapshot(),
		Equity:           s.Positions.TotalEquity(),
		RecentCandles:    recentCandles,
		RecentIndicators: recentIndicators,
		Leverage:         llm.LeveragePolicy{Allow: s.Agent.AllowLeverage, Cap: leverageCap(s.Agent.AllowLeverage)},
		Mode:             string(s.Agent.Mode),
		StrategyPrompt:   s.Agent.StrategyPrompt,
	}

	s.broadcastAIThinking()
	decision := s.Decider.Decide(ctx, req)
	decision.CandleIndex = &idx

	s.recordDecision(idx, c, indicators, decision)
	s.LastReviewedIndex = idx
	return decision
}

// recordDecision journals and broadcasts one candle's decision outcome and
// feeds the decision-count metric, whether the decision came from the
// Decider or was synthesized as a skipped HOLD (spec §4.6.1 step 3: "persist
// a journal entry; emit ai_decision" applies to every full step, not only
// ones that actually consulted the Decider). Does not touch
// LastReviewedIndex — callers decide whether this candle counts as review.
func (s *State) recordDecision(idx int, c candle.Candle, indicators map[string]*float64, decision llm.Decision) {
	s.appendJournal(JournalEntry{
		CandleIndex: idx,
		Timestamp:   c.Timestamp,
		Candle:      c,
		Indicators:  indicators,
		Reasoning:   decision.Reasoning,
		Decision:    decision,
	})
	s.broadcastAIDecision(decision, idx)
	if s.Metrics != nil {
		s.Metrics.RecordDecision(strings.ToLower(string(decision.Action)))
	}
}

// runSeedDecision makes one opening-analysis decision call on the last
// warm-up candle when the warm-up window already crosses the decision-start
// index, before any live candle arrives (spec §4.6.4 "Initialization").
func (s *State) runSeedDecision(ctx context.Context, idx int) {
	decision := s.runDecision(ctx, idx, false)
	s.executeDecision(ctx, decision, idx)
	stats := s.Positions.ComputeStats()
	s.Curve.Record(s.Candles[idx].Timestamp, stats.CurrentEquity)
	s.broadcastStats(stats, idx, len(s.Candles))
}

func leverageCap(allow bool) int {
	if allow {
		return 5
	}
	return 1
}

func (s *State) positionSnapshot() *llm.PositionSnapshot {
	pos := s.Positions.OpenPosition()
	if pos == nil {
		return nil
	}
	return &llm.PositionSnapshot{
		Side:          string(pos.Side),
		EntryPrice:    pos.EntryPrice,
		Size:          pos.Size,
		StopLoss:      pos.StopLoss,
		TakeProfit:    pos.TakeProfit,
		Leverage:      pos.Leverage,
		UnrealizedPnL: pos.UnrealizedPnL,
	}
}

// synthesizeSkippedHold builds the diagnostic HOLD used when a scheduled
// decision candle is skipped (warmup, indicator readiness, cadence,
// volatility) per spec §4.6.2/§4.6.3.
func synthesizeSkippedHold(reason string) llm.Decision {
	return llm.HoldDecision(reason)
}

// isDecisionCandle reports whether idx is a cadence call point, matching
// original_source's precompute_llm_call_points semantics (spec §4.6.1).
func isDecisionCandle(cadence DecisionCadence, interval, decisionStart, idx int) bool {
	if idx < decisionStart {
		return false
	}
	switch cadence {
	case CadenceEveryNCandles:
		if interval <= 0 {
			interval = 1
		}
		return (idx-decisionStart)%interval == 0
	default:
		return true
	}
}
