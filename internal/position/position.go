// Package position implements the Position Manager (C2): simulates one open
// position at a time, computes realized/unrealized PnL, enforces the
// safety-mode stop, and triggers SL/TP from candle OHLC. Ported close to
// 1:1 from original_source/backend/services/trading/position_manager.py,
// restructured into Go idiom matching internal/risk/manager.go's
// struct-plus-mutex shape.
package position

import (
	"math"
	"sync"
	"time"

	"tradingagent/internal/apperr"
)

// Side is the direction of a simulated position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// CloseReason is why a Trade was closed.
type CloseReason string

const (
	ReasonStopLoss   CloseReason = "stop_loss"
	ReasonTakeProfit CloseReason = "take_profit"
	ReasonAIDecision CloseReason = "ai_decision"
	ReasonManual     CloseReason = "manual"
	ReasonAutoStop   CloseReason = "auto_stop"
)

// Position is the currently open simulated trade.
type Position struct {
	Side           Side
	EntryPrice     float64
	Size           float64
	StopLoss       *float64
	TakeProfit     *float64
	EntryTime      time.Time
	Leverage       int
	UnrealizedPnL  float64
}

// Trade is a closed Position. Immutable once written.
type Trade struct {
	Side       Side
	EntryPrice float64
	ExitPrice  float64
	Size       float64
	PnL        float64
	PnLPercent float64
	EntryTime  time.Time
	ExitTime   time.Time
	Reason     CloseReason
	Leverage   int
}

// Stats is the Stats() return shape, rounded to 2 decimals at the boundary
// only (spec §4.2).
type Stats struct {
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	WinRate         float64
	TotalPnL        float64
	TotalPnLPercent float64
	AverageWin      float64
	AverageLoss     float64
	LargestWin      float64
	LargestLoss     float64
	ProfitFactor    float64
	CurrentEquity   float64
	EquityChangePct float64
}

// Manager simulates one open position at a time for a single session.
type Manager struct {
	mu sync.RWMutex

	startingCapital float64
	equity          float64
	safetyMode      bool
	open            *Position
	trades          []Trade
}

// NewManager creates a Manager seeded with starting capital.
func NewManager(startingCapital float64, safetyMode bool) *Manager {
	return &Manager{
		startingCapital: startingCapital,
		equity:          startingCapital,
		safetyMode:      safetyMode,
	}
}

// HasOpenPosition reports whether a position is currently open.
func (m *Manager) HasOpenPosition() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.open != nil
}

// Open validates and opens a new position (spec §4.2 "Open").
func (m *Manager) Open(side Side, entryPrice, sizePct float64, stopLoss, takeProfit *float64, leverage int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open != nil {
		return false, nil
	}
	if side != Long && side != Short {
		return false, apperr.NewValidation("side", "must be long or short")
	}
	if sizePct <= 0 || sizePct > 1.0 {
		return false, apperr.NewValidation("size_pct", "must be in (0,1]")
	}
	if leverage < 1 || leverage > 5 {
		return false, apperr.NewValidation("leverage", "must be in [1,5]")
	}

	size := m.calculateSize(entryPrice, sizePct, leverage)

	if m.safetyMode {
		if side == Long {
			safetyStop := entryPrice * 0.98
			if stopLoss == nil || *stopLoss < safetyStop {
				stopLoss = &safetyStop
			}
		} else {
			safetyStop := entryPrice * 1.02
			if stopLoss == nil || *stopLoss > safetyStop {
				stopLoss = &safetyStop
			}
		}
	}

	m.open = &Position{
		Side:       side,
		EntryPrice: entryPrice,
		Size:       size,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		EntryTime:  time.Now().UTC(),
		Leverage:   leverage,
	}
	return true, nil
}

// CalculatePositionSize mirrors the internal helper the teacher exposes so
// callers can preview sizing before opening.
func (m *Manager) CalculatePositionSize(entryPrice, sizePct float64, leverage int) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calculateSize(entryPrice, sizePct, leverage)
}

func (m *Manager) calculateSize(entryPrice, sizePct float64, leverage int) float64 {
	capitalToUse := m.equity * sizePct
	return (capitalToUse * float64(leverage)) / entryPrice
}

// Update refreshes unrealized PnL from the candle close, then checks SL/TP
// triggers against candle high/low (path-aware, intra-candle). SL is
// checked before TP (conservative tie-break, spec §4.2).
func (m *Manager) Update(candleHigh, candleLow, currentPrice float64) (*Trade, CloseReason, bool) {
	m.mu.Lock()
	pos := m.open
	if pos == nil {
		m.mu.Unlock()
		return nil, "", false
	}
	m.updateUnrealized(currentPrice)

	var reason CloseReason
	var exitPrice float64
	triggered := false

	if pos.Side == Long {
		if pos.StopLoss != nil && candleLow <= *pos.StopLoss {
			reason, exitPrice, triggered = ReasonStopLoss, *pos.StopLoss, true
		} else if pos.TakeProfit != nil && candleHigh >= *pos.TakeProfit {
			reason, exitPrice, triggered = ReasonTakeProfit, *pos.TakeProfit, true
		}
	} else {
		if pos.StopLoss != nil && candleHigh >= *pos.StopLoss {
			reason, exitPrice, triggered = ReasonStopLoss, *pos.StopLoss, true
		} else if pos.TakeProfit != nil && candleLow <= *pos.TakeProfit {
			reason, exitPrice, triggered = ReasonTakeProfit, *pos.TakeProfit, true
		}
	}
	m.mu.Unlock()

	if !triggered {
		return nil, "", false
	}
	trade := m.close(exitPrice, reason)
	if trade == nil {
		return nil, "", false
	}
	return trade, reason, true
}

func (m *Manager) updateUnrealized(currentPrice float64) {
	pos := m.open
	if pos == nil {
		return
	}
	if pos.Side == Long {
		pos.UnrealizedPnL = (currentPrice - pos.EntryPrice) * pos.Size
	} else {
		pos.UnrealizedPnL = (pos.EntryPrice - currentPrice) * pos.Size
	}
}

// Close closes the open position at exitPrice for the given reason. Returns
// nil if no position is open.
func (m *Manager) Close(exitPrice float64, reason CloseReason) *Trade {
	return m.close(exitPrice, reason)
}

func (m *Manager) close(exitPrice float64, reason CloseReason) *Trade {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := m.open
	if pos == nil {
		return nil
	}

	var realizedPnL float64
	if pos.Side == Long {
		realizedPnL = (exitPrice - pos.EntryPrice) * pos.Size
	} else {
		realizedPnL = (pos.EntryPrice - exitPrice) * pos.Size
	}

	marginUsed := (pos.EntryPrice * pos.Size) / float64(pos.Leverage)
	pnlPct := 0.0
	if marginUsed > 0 {
		pnlPct = (realizedPnL / marginUsed) * 100
	}

	m.equity += realizedPnL

	trade := Trade{
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Size:       pos.Size,
		PnL:        realizedPnL,
		PnLPercent: pnlPct,
		EntryTime:  pos.EntryTime,
		ExitTime:   time.Now().UTC(),
		Reason:     reason,
		Leverage:   pos.Leverage,
	}
	m.trades = append(m.trades, trade)
	m.open = nil

	return &trade
}

// Open position accessor (snapshot copy).
func (m *Manager) OpenPosition() *Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.open == nil {
		return nil
	}
	cp := *m.open
	return &cp
}

// Trades returns a copy of the closed-trade log.
func (m *Manager) Trades() []Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

// TotalEquity returns realized equity plus any open position's unrealized PnL.
func (m *Manager) TotalEquity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := m.equity
	if m.open != nil {
		total += m.open.UnrealizedPnL
	}
	return total
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ComputeStats returns comprehensive trading statistics, rounded to 2
// decimals only at this boundary (spec §4.2).
func (m *Manager) ComputeStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := len(m.trades)
	currentEquity := m.equity
	if m.open != nil {
		currentEquity += m.open.UnrealizedPnL
	}
	if total == 0 {
		return Stats{CurrentEquity: round2(currentEquity)}
	}

	var winning, losing int
	var totalPnL, grossProfit, grossLoss, largestWin, largestLoss float64
	for _, t := range m.trades {
		totalPnL += t.PnL
		if t.PnL > 0 {
			winning++
			grossProfit += t.PnL
			if t.PnL > largestWin {
				largestWin = t.PnL
			}
		} else {
			losing++
			grossLoss += -t.PnL
			if t.PnL < largestLoss {
				largestLoss = t.PnL
			}
		}
	}

	var avgWin, avgLoss, profitFactor float64
	if winning > 0 {
		avgWin = grossProfit / float64(winning)
	}
	if losing > 0 {
		avgLoss = grossLoss / float64(losing)
	}
	if grossLoss > 0 {
		profitFactor = grossProfit / grossLoss
	}

	winRate := float64(winning) / float64(total) * 100
	totalPnLPct := totalPnL / m.startingCapital * 100
	equityChangePct := (currentEquity - m.startingCapital) / m.startingCapital * 100

	return Stats{
		TotalTrades:     total,
		WinningTrades:   winning,
		LosingTrades:    losing,
		WinRate:         round2(winRate),
		TotalPnL:        round2(totalPnL),
		TotalPnLPercent: round2(totalPnLPct),
		AverageWin:      round2(avgWin),
		AverageLoss:     round2(avgLoss),
		LargestWin:      round2(largestWin),
		LargestLoss:     round2(largestLoss),
		ProfitFactor:    round2(profitFactor),
		CurrentEquity:   round2(currentEquity),
		EquityChangePct: round2(equityChangePct),
	}
}

// Reset restores the manager to its initial state.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = m.startingCapital
	m.open = nil
	m.trades = nil
}
