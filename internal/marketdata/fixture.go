package marketdata

import (
	"context"
	"sort"
	"time"

	"tradingagent/internal/apperr"
	"tradingagent/internal/candle"
)

// Fixture is a deterministic in-memory Gateway backed by a preloaded candle
// series, used by backtests (which supply their own historical range up
// front, spec §4.6.2 "Init") and by tests that need a Gateway without a real
// vendor collaborator.
type Fixture struct {
	asset     string
	timeframe candle.Timeframe
	candles   []candle.Candle
	price     *CurrentPrice
}

// NewFixture builds a Fixture over candles, which must already be sorted
// ascending by timestamp; NewFixture sorts defensively if they are not.
func NewFixture(asset string, timeframe candle.Timeframe, candles []candle.Candle) *Fixture {
	cs := make([]candle.Candle, len(candles))
	copy(cs, candles)
	sort.Slice(cs, func(i, j int) bool { return cs[i].Timestamp.Before(cs[j].Timestamp) })
	return &Fixture{asset: asset, timeframe: timeframe, candles: cs}
}

// SetCurrentPrice overrides what CurrentPrice returns; absent a call to this,
// CurrentPrice derives a snapshot from the last loaded candle.
func (f *Fixture) SetCurrentPrice(p CurrentPrice) {
	f.price = &p
}

// Historical returns the inclusive [start, end] slice of the loaded series
// for the matching asset/timeframe, or apperr.NotFoundError if asset or
// timeframe don't match what the fixture was built for.
func (f *Fixture) Historical(ctx context.Context, asset string, timeframe candle.Timeframe, start, end time.Time) ([]candle.Candle, error) {
	if asset != f.asset || timeframe != f.timeframe {
		return nil, apperr.NewNotFound("candles", asset)
	}
	out := make([]candle.Candle, 0, len(f.candles))
	for _, c := range f.candles {
		if (c.Timestamp.Equal(start) || c.Timestamp.After(start)) && (c.Timestamp.Equal(end) || c.Timestamp.Before(end)) {
			out = append(out, c)
		}
	}
	return out, nil
}

// LatestClosed returns the last candle in the loaded series, or nil if the
// fixture is empty.
func (f *Fixture) LatestClosed(ctx context.Context, asset string, timeframe candle.Timeframe) (*candle.Candle, error) {
	if asset != f.asset || timeframe != f.timeframe {
		return nil, apperr.NewNotFound("candles", asset)
	}
	if len(f.candles) == 0 {
		return nil, nil
	}
	last := f.candles[len(f.candles)-1]
	return &last, nil
}

// CurrentPrice returns the explicit override set via SetCurrentPrice, or a
// snapshot derived from the last loaded candle's close.
func (f *Fixture) CurrentPrice(ctx context.Context, asset string) (*CurrentPrice, error) {
	if asset != f.asset {
		return nil, apperr.NewNotFound("price", asset)
	}
	if f.price != nil {
		return f.price, nil
	}
	if len(f.candles) == 0 {
		return nil, nil
	}
	last := f.candles[len(f.candles)-1]
	return &CurrentPrice{
		Price:   last.Close,
		High24h: last.High,
		Low24h:  last.Low,
	}, nil
}
