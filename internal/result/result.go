// Package result implements the Result Finalizer (C8): it aggregates a
// session's terminal statistics and sampled equity curve into a persisted
// Result record. Grounded on original_source/backend/models/result.py's
// TestResult columns (equity_curve JSONB, win_rate, total_pnl_pct,
// max_drawdown_pct) and the equity/drawdown bookkeeping in
// original_source/backend/services/trading/backtest_engine/processor.py's
// _record_equity_point.
package result

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradingagent/internal/database"
	"tradingagent/internal/position"
)

// EquityPoint is one sampled point on the equity curve.
type EquityPoint struct {
	Time     time.Time `json:"time"`
	Value    float64   `json:"value"`
	Drawdown float64   `json:"drawdown"`
}

// Curve accumulates equity samples and tracks running peak/drawdown. A
// session's main loop calls Record once per processed candle, full and
// fast-forward steps alike (spec §4.6.1 "Record equity, update drawdown").
type Curve struct {
	mu             sync.Mutex
	points         []EquityPoint
	peakEquity     float64
	maxDrawdownPct float64
}

// NewCurve seeds the running peak at the session's starting capital.
func NewCurve(startingEquity float64) *Curve {
	return &Curve{peakEquity: startingEquity}
}

// Record appends one equity sample and updates the running peak/drawdown.
func (c *Curve) Record(t time.Time, equity float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if equity > c.peakEquity {
		c.peakEquity = equity
	}
	drawdown := 0.0
	if c.peakEquity != 0 {
		drawdown = (equity - c.peakEquity) / c.peakEquity * 100
	}
	if drawdown < c.maxDrawdownPct {
		c.maxDrawdownPct = drawdown
	}
	c.points = append(c.points, EquityPoint{Time: t.UTC(), Value: round2(equity), Drawdown: round2(drawdown)})
}

// Points returns a copy of the sampled curve.
func (c *Curve) Points() []EquityPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EquityPoint, len(c.points))
	copy(out, c.points)
	return out
}

// MaxDrawdownPct reports the worst drawdown observed so far (≤ 0).
func (c *Curve) MaxDrawdownPct() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return round2(c.maxDrawdownPct)
}

// Result is the finalized, persisted terminal record for one session (spec
// §8's Result schema).
type Result struct {
	ID              uuid.UUID
	SessionID       uuid.UUID
	FinalEquity     float64
	TotalPnL        float64
	TotalPnLPercent float64
	TotalTrades     int
	WinRate         float64
	ForcedStop      bool
	AutoStop        bool
	MaxDrawdownPct  float64
	EquityCurve     []EquityPoint
	CreatedAt       time.Time
}

// Finalize aggregates stats and the sampled equity curve into a Result and
// persists it, generating a fresh id (spec §9 Open Question (b):
// finalization always produces a real persisted Result id, never a
// placeholder).
func Finalize(ctx context.Context, repo *database.Repository, sessionID uuid.UUID, stats position.Stats, curve *Curve, forcedStop, autoStop bool) (*Result, error) {
	points := curve.Points()

	res := &Result{
		ID:              uuid.New(),
		SessionID:       sessionID,
		FinalEquity:     stats.CurrentEquity,
		TotalPnL:        stats.TotalPnL,
		TotalPnLPercent: stats.TotalPnLPercent,
		TotalTrades:     stats.TotalTrades,
		WinRate:         stats.WinRate,
		ForcedStop:      forcedStop,
		AutoStop:        autoStop,
		MaxDrawdownPct:  curve.MaxDrawdownPct(),
		EquityCurve:     points,
		CreatedAt:        time.Now().UTC(),
	}

	curveJSON, err := json.Marshal(points)
	if err != nil {
		return nil, err
	}

	row := database.ResultRow{
		ID:              res.ID,
		SessionID:       res.SessionID,
		FinalEquity:     res.FinalEquity,
		TotalPnL:        res.TotalPnL,
		TotalPnLPercent: res.TotalPnLPercent,
		TotalTrades:     res.TotalTrades,
		WinRate:         res.WinRate,
		ForcedStop:      res.ForcedStop,
		AutoStop:        res.AutoStop,
		EquityCurve:     curveJSON,
		CreatedAt:       res.CreatedAt,
	}
	if err := repo.InsertResult(ctx, row); err != nil {
		return nil, err
	}
	return res, nil
}

// Reconstruct rebuilds terminal stats from persisted Trade rows for the
// stop-from-database-only-state path (spec §4.6.5): gross aggregate, win
// rate, and final equity from the persisted runtime stats, with the equity
// curve left null (a reconstruction is not attempted).
func Reconstruct(ctx context.Context, repo *database.Repository, sessionID uuid.UUID, finalEquity float64, trades []database.TradeRow, forcedStop bool) (*Result, error) {
	var totalPnL float64
	var winning int
	for _, t := range trades {
		totalPnL += t.PnL
		if t.PnL > 0 {
			winning++
		}
	}
	total := len(trades)
	winRate := 0.0
	if total > 0 {
		winRate = round2(float64(winning) / float64(total) * 100)
	}

	res := &Result{
		ID:          uuid.New(),
		SessionID:   sessionID,
		FinalEquity: round2(finalEquity),
		TotalPnL:    round2(totalPnL),
		TotalTrades: total,
		WinRate:     winRate,
		ForcedStop:  forcedStop,
		CreatedAt:   time.Now().UTC(),
	}

	row := database.ResultRow{
		ID:              res.ID,
		SessionID:       res.SessionID,
		FinalEquity:     res.FinalEquity,
		TotalPnL:        res.TotalPnL,
		TotalPnLPercent: res.TotalPnLPercent,
		TotalTrades:     res.TotalTrades,
		WinRate:         res.WinRate,
		ForcedStop:      res.ForcedStop,
		AutoStop:        res.AutoStop,
		EquityCurve:     nil,
		CreatedAt:       res.CreatedAt,
	}
	if err := repo.InsertResult(ctx, row); err != nil {
		return nil, err
	}
	return res, nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+sign(v)*0.5)) / 100
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
