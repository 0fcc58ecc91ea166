package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradingagent/internal/candle"
	"tradingagent/internal/events"
	"tradingagent/internal/indicator"
	"tradingagent/internal/llm"
	"tradingagent/internal/position"
	"tradingagent/internal/result"
)

// stubDecider always returns a canned Decision, used to drive the runtime's
// decision-cadence/execution logic without a real LLM call.
type stubDecider struct {
	decisions []llm.Decision
	calls     int
}

func (s *stubDecider) Decide(ctx context.Context, req llm.DecideRequest) llm.Decision {
	if len(s.decisions) == 0 {
		s.calls++
		return llm.HoldDecision("stub")
	}
	d := s.decisions[s.calls%len(s.decisions)]
	s.calls++
	return d
}

func flatCandles(n int, price float64) []candle.Candle {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]candle.Candle, n)
	for i := 0; i < n; i++ {
		out[i] = candle.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      price, High: price, Low: price, Close: price, Volume: 100,
		}
	}
	return out
}

func newTestState(t *testing.T, candles []candle.Candle, mode indicator.Mode, names []string, decider Decider) *State {
	t.Helper()
	hub := events.NewHub("test-session", time.Hour, time.Hour)
	t.Cleanup(hub.Close)

	s := NewState(uuid.New(), "backtest", AgentConfig{
		Mode:            mode,
		Indicators:      names,
		DecisionCadence: CadenceEveryCandle,
		PlaybackSpeed:   SpeedInstant,
	}, "BTCUSD", candle.Timeframe1h, 10000, hub, zerolog.Nop())

	pipeline, err := indicator.New(candles, names, mode, nil)
	if err != nil {
		t.Fatalf("unexpected indicator construction error: %v", err)
	}
	s.Candles = candles
	s.Indicators = pipeline
	s.DecisionStartIndex = pipeline.FirstReadyIndex(0.80)
	s.RuntimeReadiness = 0.80
	s.Positions = position.NewManager(10000, false)
	s.Curve = result.NewCurve(10000)
	s.Decider = decider
	s.Status = StatusRunning
	return s
}

// TestRunFullStep_MonkBacktestDeterministicHold covers end-to-end scenario 1:
// monk mode, rsi+macd, every_candle cadence, 120 flat candles, an
// always-HOLD decider. Expected: 0 trades, final equity unchanged.
func TestRunFullStep_MonkBacktestDeterministicHold(t *testing.T) {
	candles := flatCandles(120, 100)
	decider := &stubDecider{}
	s := newTestState(t, candles, indicator.ModeMonk, []string{indicator.RSI, indicator.MACD}, decider)

	callPoints := precomputeCallPoints(CadenceEveryNCandles, 1, s.DecisionStartIndex, len(candles))
	for i := s.DecisionStartIndex; i < len(candles); i++ {
		s.RunFullStep(context.Background(), i, callPoints[i] || true, false, "")
	}

	stats := s.Positions.ComputeStats()
	if stats.TotalTrades != 0 {
		t.Fatalf("expected 0 trades, got %d", stats.TotalTrades)
	}
	if stats.CurrentEquity != 10000 {
		t.Fatalf("expected final equity unchanged at 10000, got %v", stats.CurrentEquity)
	}

	// Invariant 4: monk-mode indicator maps never contain a non-rsi/macd name.
	for i := range candles {
		for name := range s.Indicators.ValuesAt(i) {
			if name != indicator.RSI && name != indicator.MACD {
				t.Fatalf("monk-mode pipeline leaked indicator %q into the emitted map", name)
			}
		}
	}
}

// TestRunFullStep_PendingOrderPathAwareFill covers end-to-end scenario 3:
// an entry_price LONG decision registers a PendingOrder that only fills once
// a later candle's [low,high] brackets it.
func TestRunFullStep_PendingOrderPathAwareFill(t *testing.T) {
	candles := flatCandles(30, 100)
	// Candle 11 doesn't bracket 99.5; candle 12 does.
	candles[11].Low, candles[11].High = 99.8, 100.3
	candles[11].Open, candles[11].Close = 100, 100
	candles[12].Low, candles[12].High = 99.0, 100.2
	candles[12].Open, candles[12].Close = 99.5, 99.8

	entry := 99.5
	decisions := []llm.Decision{
		{Action: llm.ActionLong, Reasoning: "enter", EntryPrice: &entry, SizePercent: 0.1, Leverage: 1},
	}
	decider := &stubDecider{decisions: decisions}
	s := newTestState(t, candles, indicator.ModeOmni, []string{indicator.RSI}, decider)
	s.DecisionStartIndex = 10
	s.RuntimeReadiness = 0 // force readiness for this synthetic scenario

	// Candle 10: the LONG decision with entry_price registers a PendingOrder,
	// no position opens yet.
	s.RunFullStep(context.Background(), 10, true, false, "")
	if s.Positions.HasOpenPosition() {
		t.Fatal("expected no position to open on the decision candle itself")
	}
	if s.PendingOrder == nil {
		t.Fatal("expected a PendingOrder to be registered")
	}

	// Candle 11: range doesn't bracket 99.5, must not fill.
	s.RunFullStep(context.Background(), 11, false, false, "")
	if s.Positions.HasOpenPosition() {
		t.Fatal("expected no fill on candle 11 (entry price outside range)")
	}

	// Candle 12: range brackets 99.5, must fill.
	s.RunFullStep(context.Background(), 12, false, false, "")
	if !s.Positions.HasOpenPosition() {
		t.Fatal("expected the pending order to fill on candle 12")
	}
	pos := s.Positions.OpenPosition()
	if pos.EntryPrice != 99.5 {
		t.Fatalf("expected fill at entry price 99.5, got %v", pos.EntryPrice)
	}
	if s.PendingOrder != nil {
		t.Fatal("expected the pending order slot to be cleared once filled")
	}
}

func TestShouldForceDecision_NoPositionNeverForces(t *testing.T) {
	candles := flatCandles(30, 100)
	s := newTestState(t, candles, indicator.ModeOmni, []string{indicator.RSI}, &stubDecider{})
	force, _ := s.shouldForceDecision(10, 100)
	if force {
		t.Fatal("expected no force-decision override with no open position")
	}
}

func TestShouldForceDecision_NearStopLossForces(t *testing.T) {
	candles := flatCandles(30, 100)
	s := newTestState(t, candles, indicator.ModeOmni, []string{indicator.RSI}, &stubDecider{})
	sl := 99.5
	_, err := s.Positions.Open(position.Long, 100, 0.1, &sl, nil, 1)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	// currentPrice 99.6 is within 1% of the 99.5 stop.
	force, reason := s.shouldForceDecision(10, 99.6)
	if !force {
		t.Fatal("expected a force-decision override when price nears the stop loss")
	}
	if reason == "" {
		t.Fatal("expected a non-empty force reason")
	}
}

func TestShouldForceDecision_ExtendedReviewGapForces(t *testing.T) {
	candles := flatCandles(100, 100)
	s := newTestState(t, candles, indicator.ModeOmni, []string{indicator.RSI}, &stubDecider{})
	_, err := s.Positions.Open(position.Long, 100, 0.1, nil, nil, 1)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	s.LastReviewedIndex = 0
	force, _ := s.shouldForceDecision(60, 100)
	if !force {
		t.Fatal("expected a force-decision override after 50+ candles without review")
	}
}

// captureSink is a minimal in-memory events.Sink for asserting on broadcasts
// from session-level tests.
type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureSink) Send(ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) filter(t events.EventType) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Event, 0)
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// TestRunFullStep_SkippedCandleStillJournalsAndBroadcasts covers the
// decision-cadence-skip and low-volatility-skip paths: even when runAI never
// fires, the synthesized HOLD must still produce a journal entry and an
// ai_decision broadcast (spec §4.6.1 step 3 applies to every full step, not
// only ones that consult the Decider).
func TestRunFullStep_SkippedCandleStillJournalsAndBroadcasts(t *testing.T) {
	candles := flatCandles(30, 100)
	s := newTestState(t, candles, indicator.ModeOmni, []string{indicator.RSI}, &stubDecider{})
	s.DecisionStartIndex = 10

	sink := &captureSink{}
	s.Hub.Connect("test-conn", sink)

	// isCallPoint=false, no position, no forced decision: runAI stays false
	// and the cadence-skip HOLD path fires.
	s.RunFullStep(context.Background(), 15, false, false, "")

	if len(s.Journal) != 1 {
		t.Fatalf("expected 1 journal entry for the skipped candle, got %d", len(s.Journal))
	}
	if s.Journal[0].Decision.Action != llm.ActionHold {
		t.Fatalf("expected a synthesized HOLD, got %v", s.Journal[0].Decision.Action)
	}
	if s.LastReviewedIndex == 15 {
		t.Fatal("a synthesized skip-HOLD must not advance LastReviewedIndex")
	}

	decisions := sink.filter(events.EventAIDecision)
	if len(decisions) != 1 {
		t.Fatalf("expected 1 ai_decision broadcast for the skipped candle, got %d", len(decisions))
	}

	readiness := sink.filter(events.EventIndicatorReadiness)
	if len(readiness) != 1 {
		t.Fatalf("expected 1 indicator_readiness broadcast, got %d", len(readiness))
	}
	data, ok := readiness[0].Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected indicator_readiness data to be a map, got %T", readiness[0].Data)
	}
	if _, ok := data["ready"]; !ok {
		t.Fatal("expected indicator_readiness data to include a ready count")
	}
	if _, ok := data["total"]; !ok {
		t.Fatal("expected indicator_readiness data to include a total count")
	}
}

func TestShouldSkipLowVolatility_SkipsWhenRangeIsQuiet(t *testing.T) {
	candles := flatCandles(30, 100)
	// Widen candle indices [20..24]'s range, then make idx 25 very quiet.
	for i := 20; i < 25; i++ {
		candles[i].High = 110
		candles[i].Low = 90
	}
	candles[25].High = 100.1
	candles[25].Low = 99.9

	s := newTestState(t, candles, indicator.ModeOmni, nil, &stubDecider{})
	skip, reason := s.shouldSkipLowVolatility(25)
	if !skip {
		t.Fatal("expected a low-volatility skip when the current range is far below the 5-candle average")
	}
	if reason == "" {
		t.Fatal("expected a non-empty skip reason")
	}
}
