package session

import (
	"time"

	"tradingagent/internal/candle"
	"tradingagent/internal/events"
	"tradingagent/internal/llm"
	"tradingagent/internal/marketdata"
	"tradingagent/internal/position"
)

// broadcast* helpers translate domain events into events.Event envelopes on
// the session's Hub, grounded on the teacher's EventBroadcaster-style
// one-method-per-event-type shape (internal/api/websocket.go callers).

func (s *State) broadcastSessionInitialized(totalCandles int) {
	s.Hub.Broadcast(events.NewEvent(events.EventSessionInitialized, map[string]interface{}{
		"session_id":    s.SessionID,
		"agent_name":    s.Agent.Name,
		"agent_mode":    s.Agent.Mode,
		"asset":         s.Asset,
		"timeframe":     s.Timeframe,
		"total_candles": totalCandles,
	}))
}

func (s *State) broadcastCandle(c candle.Candle, indicators map[string]*float64, index int) {
	s.Hub.Broadcast(events.NewEvent(events.EventCandle, map[string]interface{}{
		"candle_index": index,
		"candle":       c,
		"indicators":   indicators,
	}))
}

func (s *State) broadcastAIThinking() {
	s.Hub.Broadcast(events.NewEvent(events.EventAIThinking, nil))
}

func (s *State) broadcastAIDecision(d llm.Decision, candleIndex int) {
	s.Hub.Broadcast(events.NewEvent(events.EventAIDecision, map[string]interface{}{
		"candle_index": candleIndex,
		"action":       d.Action,
		"reasoning":    d.Reasoning,
		"context":      d.Context,
	}))
}

// broadcastIndicatorReadiness reports the fraction of enabled indicators
// with a non-null value at candleIndex, emitted on every full step by
// RunFullStep; backtest fast-forward candles do not emit it (spec §3
// "indicator_readiness").
func (s *State) broadcastIndicatorReadiness(ready, total, candleIndex int) {
	pct := 0.0
	if total > 0 {
		pct = float64(ready) / float64(total) * 100
	}
	s.Hub.Broadcast(events.NewEvent(events.EventIndicatorReadiness, map[string]interface{}{
		"candle_index": candleIndex,
		"ready":        ready,
		"total":        total,
		"percentage":   pct,
	}))
}

func (s *State) broadcastPositionOpened(p *position.Position, candleIndex int) {
	s.Hub.Broadcast(events.NewEvent(events.EventPositionOpened, map[string]interface{}{
		"candle_index": candleIndex,
		"position":     p,
	}))
}

func (s *State) broadcastPositionClosed(t *position.Trade, candleIndex int) {
	s.Hub.Broadcast(events.NewEvent(events.EventPositionClosed, map[string]interface{}{
		"candle_index": candleIndex,
		"trade":        t,
	}))
}

func (s *State) broadcastStats(stats position.Stats, candleIndex, totalCandles int) {
	s.Hub.Broadcast(events.NewEvent(events.EventStatsUpdate, map[string]interface{}{
		"stats":         stats,
		"current_candle": candleIndex + 1,
		"total_candles":  totalCandles,
	}))
}

func (s *State) broadcastError(message string) {
	s.Hub.Broadcast(events.NewEvent(events.EventError, map[string]interface{}{
		"scope":   "session",
		"message": message,
	}))
}

func (s *State) broadcastCompleted(summary TerminalSummary) {
	s.Hub.Broadcast(events.NewEvent(events.EventSessionCompleted, summary))
}

func (s *State) broadcastPaused() {
	s.Hub.Broadcast(events.NewEvent(events.EventSessionPaused, map[string]interface{}{"current_index": s.CurrentIndex}))
}

func (s *State) broadcastResumed() {
	s.Hub.Broadcast(events.NewEvent(events.EventSessionResumed, map[string]interface{}{"current_index": s.CurrentIndex}))
}

// broadcastCountdown and broadcastPriceUpdate are forward-session-only
// streams emitted while waiting for the next candle close (spec §4.6.4).
func (s *State) broadcastCountdown(nextClose time.Time, remaining time.Duration) {
	s.Hub.Broadcast(events.NewEvent(events.EventCountdownUpdate, map[string]interface{}{
		"next_close_at":      nextClose,
		"seconds_remaining":  int(remaining.Seconds()),
	}))
}

func (s *State) broadcastPriceUpdate(p *marketdata.CurrentPrice) {
	s.Hub.Broadcast(events.NewEvent(events.EventPriceUpdate, p))
}
