package marketdata

import (
	"context"
	"testing"
	"time"

	"tradingagent/internal/candle"
)

func buildCandles(n int) []candle.Candle {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]candle.Candle, n)
	for i := 0; i < n; i++ {
		price := float64(100 + i)
		out[i] = candle.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      price, High: price + 1, Low: price - 1, Close: price, Volume: 10,
		}
	}
	return out
}

func TestFixture_SortsDefensively(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reversed := []candle.Candle{
		{Timestamp: base.Add(2 * time.Hour), Close: 102},
		{Timestamp: base, Close: 100},
		{Timestamp: base.Add(time.Hour), Close: 101},
	}
	f := NewFixture("BTCUSD", candle.Timeframe1h, reversed)
	out, err := f.Historical(context.Background(), "BTCUSD", candle.Timeframe1h, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 || out[0].Close != 100 || out[2].Close != 102 {
		t.Fatalf("expected ascending-sorted candles, got %+v", out)
	}
}

func TestFixture_HistoricalIsInclusiveRange(t *testing.T) {
	candles := buildCandles(5)
	f := NewFixture("ETHUSD", candle.Timeframe1h, candles)

	out, err := f.Historical(context.Background(), "ETHUSD", candle.Timeframe1h, candles[1].Timestamp, candles[3].Timestamp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 candles inclusive of both boundaries, got %d", len(out))
	}
}

func TestFixture_HistoricalRejectsMismatchedAssetOrTimeframe(t *testing.T) {
	f := NewFixture("ETHUSD", candle.Timeframe1h, buildCandles(3))
	if _, err := f.Historical(context.Background(), "BTCUSD", candle.Timeframe1h, time.Time{}, time.Time{}); err == nil {
		t.Error("expected an error for a mismatched asset")
	}
	if _, err := f.Historical(context.Background(), "ETHUSD", candle.Timeframe4h, time.Time{}, time.Time{}); err == nil {
		t.Error("expected an error for a mismatched timeframe")
	}
}

func TestFixture_LatestClosedReturnsLastCandle(t *testing.T) {
	candles := buildCandles(4)
	f := NewFixture("ETHUSD", candle.Timeframe1h, candles)
	last, err := f.LatestClosed(context.Background(), "ETHUSD", candle.Timeframe1h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last == nil || last.Close != candles[3].Close {
		t.Fatalf("expected the last candle, got %+v", last)
	}
}

func TestFixture_LatestClosedEmptyFixtureReturnsNil(t *testing.T) {
	f := NewFixture("ETHUSD", candle.Timeframe1h, nil)
	last, err := f.LatestClosed(context.Background(), "ETHUSD", candle.Timeframe1h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last != nil {
		t.Fatalf("expected nil for an empty fixture, got %+v", last)
	}
}

func TestFixture_CurrentPriceDerivesFromLastCandleByDefault(t *testing.T) {
	candles := buildCandles(3)
	f := NewFixture("ETHUSD", candle.Timeframe1h, candles)
	p, err := f.CurrentPrice(context.Background(), "ETHUSD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := candles[2]
	if p.Price != want.Close || p.High24h != want.High || p.Low24h != want.Low {
		t.Fatalf("expected a snapshot derived from the last candle, got %+v", p)
	}
}

func TestFixture_CurrentPriceOverride(t *testing.T) {
	f := NewFixture("ETHUSD", candle.Timeframe1h, buildCandles(3))
	f.SetCurrentPrice(CurrentPrice{Price: 999, High24h: 1000, Low24h: 900})
	p, err := f.CurrentPrice(context.Background(), "ETHUSD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Price != 999 {
		t.Fatalf("expected the overridden price to take precedence, got %v", p.Price)
	}
}
