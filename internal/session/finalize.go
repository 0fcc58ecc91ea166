package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"tradingagent/internal/database"
	"tradingagent/internal/events"
	"tradingagent/internal/position"
	"tradingagent/internal/result"
)

// persistProgress snapshots runtime stats and any pending position into the
// session row, called periodically by both drivers (spec §4.6.1, §5
// "Runtime-stat flushes").
func persistProgress(ctx context.Context, repo *database.Repository, s *State) {
	stats := s.Positions.ComputeStats()
	runtimeStats, _ := json.Marshal(stats)
	var pending json.RawMessage
	if pos := s.Positions.OpenPosition(); pos != nil {
		pending, _ = json.Marshal(pos)
	}
	_ = repo.UpdateSessionProgress(ctx, s.SessionID, s.CurrentIndex, runtimeStats, pending)
}

// finalizeSession flushes the journal, persists every closed trade, writes
// the terminal Result, marks the session completed, and emits
// session_completed — shared by the backtest and forward drivers (spec
// §4.6.6).
func finalizeSession(ctx context.Context, repo *database.Repository, s *State, autoStop bool) (*TerminalSummary, error) {
	if err := flushJournal(ctx, repo, s.SessionID, s.Journal); err != nil {
		return nil, err
	}
	s.Journal = nil

	for _, t := range s.Positions.Trades() {
		_ = repo.InsertTrade(ctx, database.TradeRow{
			ID:         uuid.New(),
			SessionID:  s.SessionID,
			Side:       string(t.Side),
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			Size:       t.Size,
			PnL:        t.PnL,
			PnLPercent: t.PnLPercent,
			EntryTime:  t.EntryTime,
			ExitTime:   t.ExitTime,
			Reason:     string(t.Reason),
			Leverage:   t.Leverage,
		})
	}

	persistProgress(ctx, repo, s)

	stats := s.Positions.ComputeStats()
	res, err := result.Finalize(ctx, repo, s.SessionID, stats, s.Curve, s.ForcedStop, autoStop)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_ = repo.UpdateSessionStatus(ctx, s.SessionID, string(StatusCompleted), nil, &now)

	s.Status = StatusCompleted
	summary := TerminalSummary{
		ResultID:        res.ID,
		FinalEquity:     res.FinalEquity,
		TotalPnL:        res.TotalPnL,
		TotalPnLPercent: res.TotalPnLPercent,
		TotalTrades:     res.TotalTrades,
		WinRate:         res.WinRate,
		ForcedStop:      s.ForcedStop,
		AutoStop:        autoStop,
	}
	s.broadcastCompleted(summary)
	return &summary, nil
}

// finalizeStop closes the open position if requested (spec §6 "optional
// close_position boolean on stop, default true") and persists the terminal
// stopped status. Deliberately does not write a Result: spec §4.6.1 "on
// loop exit, if not stopped, run the finalization path" means a manual stop
// bypasses result aggregation entirely — only §4.6.5's stop-from-DB path
// produces one when the runtime is no longer live.
func finalizeStop(ctx context.Context, repo *database.Repository, s *State) {
	if s.StopClosePosition && s.Positions.HasOpenPosition() && len(s.Candles) > 0 {
		exitPrice := s.Candles[len(s.Candles)-1].Close
		trade := s.Positions.Close(exitPrice, position.ReasonManual)
		if trade != nil {
			s.broadcastPositionClosed(trade, s.CurrentIndex)
		}
	}
	s.Status = StatusStopped
	persistProgress(ctx, repo, s)

	now := time.Now().UTC()
	_ = repo.UpdateSessionStatus(ctx, s.SessionID, string(StatusStopped), nil, &now)

	if s.StopAckConnID != "" {
		s.Hub.Ack(s.StopAckConnID, events.CommandStop, nil)
	}
}

// StopFromDB handles a stop command (or a status query) that targets a
// session whose in-memory runtime is no longer present (spec §4.6.5). It is
// idempotent: a session already completed returns its existing result
// without rewriting anything; otherwise it rebuilds terminal stats from the
// persisted trade log (the equity curve is deliberately left null, a
// reconstruction is not attempted) and marks the session completed.
func StopFromDB(ctx context.Context, repo *database.Repository, sessionID uuid.UUID) (*TerminalSummary, error) {
	row, err := repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if row.Status == string(StatusCompleted) {
		res, err := repo.GetResultBySession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return &TerminalSummary{
			ResultID:        res.ID,
			FinalEquity:     res.FinalEquity,
			TotalPnL:        res.TotalPnL,
			TotalPnLPercent: res.TotalPnLPercent,
			TotalTrades:     res.TotalTrades,
			WinRate:         res.WinRate,
			ForcedStop:      res.ForcedStop,
			AutoStop:        res.AutoStop,
		}, nil
	}

	trades, err := repo.ListTrades(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var runtimeStats struct {
		CurrentEquity float64
	}
	_ = json.Unmarshal(row.RuntimeStats, &runtimeStats)

	res, err := result.Reconstruct(ctx, repo, sessionID, runtimeStats.CurrentEquity, trades, true)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := repo.UpdateSessionStatus(ctx, sessionID, string(StatusCompleted), nil, &now); err != nil {
		return nil, err
	}

	return &TerminalSummary{
		ResultID:        res.ID,
		FinalEquity:     res.FinalEquity,
		TotalPnL:        res.TotalPnL,
		TotalPnLPercent: res.TotalPnLPercent,
		TotalTrades:     res.TotalTrades,
		WinRate:         res.WinRate,
		ForcedStop:      true,
	}, nil
}
