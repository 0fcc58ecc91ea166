package session

import (
	"testing"

	"tradingagent/internal/position"
)

func TestIsDecisionCandle_EveryCandle(t *testing.T) {
	for i := 10; i < 15; i++ {
		if !isDecisionCandle(CadenceEveryCandle, 0, 10, i) {
			t.Errorf("expected every_candle cadence to call at index %d", i)
		}
	}
	if isDecisionCandle(CadenceEveryCandle, 0, 10, 9) {
		t.Error("expected indices before decisionStart to never be call points")
	}
}

func TestIsDecisionCandle_EveryNCandles(t *testing.T) {
	decisionStart, interval := 10, 5
	wantTrue := map[int]bool{10: true, 15: true, 20: true}
	for i := 10; i <= 22; i++ {
		got := isDecisionCandle(CadenceEveryNCandles, interval, decisionStart, i)
		if got != wantTrue[i] {
			t.Errorf("index %d: expected call point=%v, got %v", i, wantTrue[i], got)
		}
	}
}

func TestIsDecisionCandle_ZeroIntervalDefaultsToOne(t *testing.T) {
	if !isDecisionCandle(CadenceEveryNCandles, 0, 5, 6) {
		t.Error("expected a zero interval to behave as interval=1 (every candle from decisionStart)")
	}
}

func TestPrecomputeCallPoints_MatchesIsDecisionCandle(t *testing.T) {
	total := 30
	points := precomputeCallPoints(CadenceEveryNCandles, 3, 5, total)
	if len(points) != total {
		t.Fatalf("expected %d entries, got %d", total, len(points))
	}
	for i := 0; i < total; i++ {
		want := isDecisionCandle(CadenceEveryNCandles, 3, 5, i)
		if points[i] != want {
			t.Errorf("index %d: expected %v, got %v", i, want, points[i])
		}
	}
}

func TestSideOf(t *testing.T) {
	if sideOf("LONG") != position.Long {
		t.Error("expected LONG to map to the long side")
	}
	if sideOf("SHORT") != position.Short {
		t.Error("expected SHORT (or any non-long action) to map to the short side")
	}
}
