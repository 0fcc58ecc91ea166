package session

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"tradingagent/internal/database"
	"tradingagent/internal/llm"
)

// appendJournal records one decision for later persistence (spec §4.6.6
// "Write all journaled decision entries to persistence").
func (s *State) appendJournal(entry JournalEntry) {
	s.Journal = append(s.Journal, entry)
}

// flushJournal persists everything accumulated so far and clears it, called
// at finalization (spec §4.6.6).
func flushJournal(ctx context.Context, repo *database.Repository, sessionID uuid.UUID, entries []JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]database.AiThoughtRow, 0, len(entries))
	for _, e := range entries {
		row, err := journalRow(sessionID, e)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return repo.InsertAiThoughts(ctx, rows)
}

func journalRow(sessionID uuid.UUID, e JournalEntry) (database.AiThoughtRow, error) {
	candleJSON, err := json.Marshal(e.Candle)
	if err != nil {
		return database.AiThoughtRow{}, err
	}
	indicatorsJSON, err := json.Marshal(e.Indicators)
	if err != nil {
		return database.AiThoughtRow{}, err
	}
	decisionJSON, err := json.Marshal(e.Decision)
	if err != nil {
		return database.AiThoughtRow{}, err
	}

	var orderJSON json.RawMessage
	if e.Decision.Action == llm.ActionLong || e.Decision.Action == llm.ActionShort {
		orderJSON, err = json.Marshal(map[string]interface{}{
			"entry_price":       e.Decision.EntryPrice,
			"stop_loss_price":   e.Decision.StopLoss,
			"take_profit_price": e.Decision.TakeProfit,
			"size_percentage":   e.Decision.SizePercent,
			"leverage":          e.Decision.Leverage,
		})
		if err != nil {
			return database.AiThoughtRow{}, err
		}
	}

	var metaJSON json.RawMessage
	if deliberation, ok := e.Decision.Context["council_deliberation"]; ok {
		if blob, err := json.Marshal(deliberation); err == nil {
			metaJSON = blob
		}
	}

	return database.AiThoughtRow{
		ID:              uuid.New(),
		SessionID:       sessionID,
		CandleIndex:     e.CandleIndex,
		Timestamp:       e.Timestamp,
		Candle:          candleJSON,
		Indicators:      indicatorsJSON,
		Reasoning:       e.Reasoning,
		Decision:        decisionJSON,
		OrderData:       orderJSON,
		CouncilMetadata: metaJSON,
	}, nil
}
