package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tradingagent/internal/apperr"
)

// SessionRow is the persisted view of a TestSession (spec §6).
type SessionRow struct {
	ID              uuid.UUID
	AgentID         uuid.UUID
	Status          string
	SessionType     string // "backtest" | "forward"
	Config          json.RawMessage
	RuntimeStats    json.RawMessage
	CurrentIndex    int
	TotalCandles    *int
	PendingPosition json.RawMessage
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// TradeRow is the persisted view of a Trade (spec §3).
type TradeRow struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	Side       string
	EntryPrice float64
	ExitPrice  float64
	Size       float64
	PnL        float64
	PnLPercent float64
	EntryTime  time.Time
	ExitTime   time.Time
	Reason     string
	Leverage   int
}

// AiThoughtRow is one decision-journal entry (spec §6 "AiThought").
type AiThoughtRow struct {
	ID              uuid.UUID
	SessionID       uuid.UUID
	CandleIndex     int
	Timestamp       time.Time
	Candle          json.RawMessage
	Indicators      json.RawMessage
	Reasoning       string
	Decision        json.RawMessage
	OrderData       json.RawMessage
	CouncilStage1   json.RawMessage
	CouncilStage2   json.RawMessage
	CouncilMetadata json.RawMessage
}

// ResultRow is the persisted terminal Result (spec §8).
type ResultRow struct {
	ID               uuid.UUID
	SessionID        uuid.UUID
	FinalEquity      float64
	TotalPnL         float64
	TotalPnLPercent  float64
	TotalTrades      int
	WinRate          float64
	ForcedStop       bool
	AutoStop         bool
	EquityCurve      json.RawMessage
	CreatedAt        time.Time
}

// Repository performs CRUD against the tables RunMigrations creates. Each
// method takes its own context and acquires its own connection from the
// pool for the duration of the call, matching spec §5's "a long-running
// runtime must not hold a single connection across its entire lifetime."
type Repository struct {
	db *DB
}

// NewRepository builds a Repository over an open DB.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// InsertSession writes a new session row.
func (r *Repository) InsertSession(ctx context.Context, s SessionRow) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO sessions (id, agent_id, status, session_type, config, runtime_stats, current_index, total_candles, pending_position, created_at, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		s.ID, s.AgentID, s.Status, s.SessionType, s.Config, s.RuntimeStats, s.CurrentIndex, s.TotalCandles, s.PendingPosition, s.CreatedAt, s.StartedAt, s.CompletedAt)
	return err
}

// UpdateSessionProgress persists the current index, runtime stats, and
// pending-position snapshot. Called every full step and every 20
// fast-forward candles (spec §4.6.1, §5 "Runtime-stat flushes").
func (r *Repository) UpdateSessionProgress(ctx context.Context, sessionID uuid.UUID, currentIndex int, runtimeStats, pendingPosition json.RawMessage) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE sessions SET current_index=$2, runtime_stats=$3, pending_position=$4 WHERE id=$1`,
		sessionID, currentIndex, runtimeStats, pendingPosition)
	return err
}

// UpdateSessionStatus transitions a session's persisted status, stamping
// started_at/completed_at as appropriate.
func (r *Repository) UpdateSessionStatus(ctx context.Context, sessionID uuid.UUID, status string, startedAt, completedAt *time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE sessions SET status=$2, started_at=COALESCE($3, started_at), completed_at=COALESCE($4, completed_at) WHERE id=$1`,
		sessionID, status, startedAt, completedAt)
	return err
}

// GetSession loads a session row by id, used by the stop-from-DB recovery
// path (spec §4.6.5).
func (r *Repository) GetSession(ctx context.Context, sessionID uuid.UUID) (*SessionRow, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, agent_id, status, session_type, config, runtime_stats, current_index, total_candles, pending_position, created_at, started_at, completed_at
		FROM sessions WHERE id=$1`, sessionID)

	var s SessionRow
	err := row.Scan(&s.ID, &s.AgentID, &s.Status, &s.SessionType, &s.Config, &s.RuntimeStats, &s.CurrentIndex, &s.TotalCandles, &s.PendingPosition, &s.CreatedAt, &s.StartedAt, &s.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, apperr.NewNotFound("session", sessionID.String())
	}
	if err != nil {
		return nil, apperr.NewTransport("database", err)
	}
	return &s, nil
}

// InsertTrade writes a closed Trade row.
func (r *Repository) InsertTrade(ctx context.Context, t TradeRow) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trades (id, session_id, side, entry_price, exit_price, size, pnl, pnl_percent, entry_time, exit_time, reason, leverage)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.SessionID, t.Side, t.EntryPrice, t.ExitPrice, t.Size, t.PnL, t.PnLPercent, t.EntryTime, t.ExitTime, t.Reason, t.Leverage)
	return err
}

// ListTrades returns every trade recorded for a session, ordered by exit
// time, used to rebuild terminal stats in the stop-from-DB path.
func (r *Repository) ListTrades(ctx context.Context, sessionID uuid.UUID) ([]TradeRow, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, session_id, side, entry_price, exit_price, size, pnl, pnl_percent, entry_time, exit_time, reason, leverage
		FROM trades WHERE session_id=$1 ORDER BY exit_time ASC`, sessionID)
	if err != nil {
		return nil, apperr.NewTransport("database", err)
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var t TradeRow
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Side, &t.EntryPrice, &t.ExitPrice, &t.Size, &t.PnL, &t.PnLPercent, &t.EntryTime, &t.ExitTime, &t.Reason, &t.Leverage); err != nil {
			return nil, apperr.NewTransport("database", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertAiThought writes one decision-journal entry.
func (r *Repository) InsertAiThought(ctx context.Context, a AiThoughtRow) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO ai_thoughts (id, session_id, candle_index, timestamp, candle, indicators, reasoning, decision, order_data, council_stage1, council_stage2, council_metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.SessionID, a.CandleIndex, a.Timestamp, a.Candle, a.Indicators, a.Reasoning, a.Decision, a.OrderData, a.CouncilStage1, a.CouncilStage2, a.CouncilMetadata)
	return err
}

// InsertAiThoughts writes a batch of journal entries in one round trip
// (spec §4.6.6 "Write all journaled decision entries to persistence").
func (r *Repository) InsertAiThoughts(ctx context.Context, entries []AiThoughtRow) error {
	batch := &pgx.Batch{}
	for _, a := range entries {
		batch.Queue(`
			INSERT INTO ai_thoughts (id, session_id, candle_index, timestamp, candle, indicators, reasoning, decision, order_data, council_stage1, council_stage2, council_metadata)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			a.ID, a.SessionID, a.CandleIndex, a.Timestamp, a.Candle, a.Indicators, a.Reasoning, a.Decision, a.OrderData, a.CouncilStage1, a.CouncilStage2, a.CouncilMetadata)
	}
	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return apperr.NewTransport("database", err)
		}
	}
	return nil
}

// InsertResult writes the terminal Result row. Spec §9 Open Question (b):
// finalization always produces a persisted Result id, never a placeholder.
func (r *Repository) InsertResult(ctx context.Context, res ResultRow) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO results (id, session_id, final_equity, total_pnl, total_pnl_percent, total_trades, win_rate, forced_stop, auto_stop, equity_curve, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		res.ID, res.SessionID, res.FinalEquity, res.TotalPnL, res.TotalPnLPercent, res.TotalTrades, res.WinRate, res.ForcedStop, res.AutoStop, res.EquityCurve, res.CreatedAt)
	return err
}

// GetResultBySession returns the Result already written for a session, if
// any (spec §4.6.5: "if completed returns the pre-existing result id").
func (r *Repository) GetResultBySession(ctx context.Context, sessionID uuid.UUID) (*ResultRow, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, session_id, final_equity, total_pnl, total_pnl_percent, total_trades, win_rate, forced_stop, auto_stop, equity_curve, created_at
		FROM results WHERE session_id=$1`, sessionID)

	var res ResultRow
	err := row.Scan(&res.ID, &res.SessionID, &res.FinalEquity, &res.TotalPnL, &res.TotalPnLPercent, &res.TotalTrades, &res.WinRate, &res.ForcedStop, &res.AutoStop, &res.EquityCurve, &res.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, apperr.NewNotFound("result", sessionID.String())
	}
	if err != nil {
		return nil, apperr.NewTransport("database", err)
	}
	return &res, nil
}
