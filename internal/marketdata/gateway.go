// Package marketdata defines the Market Data Gateway contract (C7) the
// Session Runtime consumes, plus a read-through Redis cache decorator and a
// deterministic fixture implementation for tests and backtests. The
// gateway's own vendor failover is explicitly out of scope (spec §1); this
// package only names and exercises the contract in spec §6.
package marketdata

import (
	"context"
	"time"

	"tradingagent/internal/apperr"
	"tradingagent/internal/candle"
)

// CurrentPrice is the live-mark snapshot returned by current_price (spec
// §6): {price, high24h, low24h, volume24h, change24h, changePct24h}.
type CurrentPrice struct {
	Price         float64
	High24h       float64
	Low24h        float64
	Volume24h     float64
	Change24h     float64
	ChangePct24h  float64
}

// Gateway is the contract this engine consumes from a market-data vendor
// collaborator (spec §6 "Market Data Gateway contract"). Concrete vendor
// drivers and their caching/failover are out of scope; this engine only
// retries with exponential backoff over whatever this interface throws.
type Gateway interface {
	// Historical returns the deterministic, inclusive candle range
	// [start, end] for asset/timeframe.
	Historical(ctx context.Context, asset string, timeframe candle.Timeframe, start, end time.Time) ([]candle.Candle, error)
	// LatestClosed returns the most recently closed candle, or nil if none
	// exists yet.
	LatestClosed(ctx context.Context, asset string, timeframe candle.Timeframe) (*candle.Candle, error)
	// CurrentPrice returns the live mark snapshot, or nil if unavailable.
	CurrentPrice(ctx context.Context, asset string) (*CurrentPrice, error)
}

// WithRetry wraps a Gateway so every call retries with exponential backoff
// over whatever error the underlying vendor driver throws (spec §6: "the
// engine only retries with exponential backoff over whatever this
// interface throws").
type WithRetry struct {
	inner      Gateway
	maxRetries int
	baseDelay  time.Duration
}

// NewWithRetry wraps inner with bounded exponential-backoff retries.
func NewWithRetry(inner Gateway, maxRetries int, baseDelay time.Duration) *WithRetry {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	return &WithRetry{inner: inner, maxRetries: maxRetries, baseDelay: baseDelay}
}

func (w *WithRetry) retry(ctx context.Context, op func() error) error {
	var lastErr error
	delay := w.baseDelay
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return apperr.NewTimeout("market_data", delay)
			}
			delay *= 2
		}
		if err := op(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (w *WithRetry) Historical(ctx context.Context, asset string, tf candle.Timeframe, start, end time.Time) ([]candle.Candle, error) {
	var out []candle.Candle
	err := w.retry(ctx, func() error {
		var innerErr error
		out, innerErr = w.inner.Historical(ctx, asset, tf, start, end)
		return innerErr
	})
	return out, err
}

func (w *WithRetry) LatestClosed(ctx context.Context, asset string, tf candle.Timeframe) (*candle.Candle, error) {
	var out *candle.Candle
	err := w.retry(ctx, func() error {
		var innerErr error
		out, innerErr = w.inner.LatestClosed(ctx, asset, tf)
		return innerErr
	})
	return out, err
}

func (w *WithRetry) CurrentPrice(ctx context.Context, asset string) (*CurrentPrice, error) {
	var out *CurrentPrice
	err := w.retry(ctx, func() error {
		var innerErr error
		out, innerErr = w.inner.CurrentPrice(ctx, asset)
		return innerErr
	})
	return out, err
}
