package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"tradingagent/internal/candle"
	"tradingagent/internal/llm"
)

func TestJournalRow_IncludesOrderDataForLongAndShort(t *testing.T) {
	entry := float64(100)
	sl := float64(98)
	e := JournalEntry{
		CandleIndex: 5,
		Timestamp:   time.Now(),
		Candle:      candle.Candle{Close: 100},
		Indicators:  map[string]*float64{"rsi": &entry},
		Reasoning:   "breakout",
		Decision: llm.Decision{
			Action:      llm.ActionLong,
			EntryPrice:  &entry,
			StopLoss:    &sl,
			SizePercent: 0.1,
			Leverage:    2,
		},
	}

	row, err := journalRow(uuid.New(), e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.OrderData == nil {
		t.Fatal("expected order data to be populated for a LONG decision")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(row.OrderData, &decoded); err != nil {
		t.Fatalf("expected order data to be valid JSON: %v", err)
	}
	if decoded["leverage"].(float64) != 2 {
		t.Errorf("expected leverage 2 in order data, got %v", decoded["leverage"])
	}
}

func TestJournalRow_OmitsOrderDataForHoldAndClose(t *testing.T) {
	for _, action := range []llm.Action{llm.ActionHold, llm.ActionClose} {
		e := JournalEntry{
			Decision: llm.Decision{Action: action},
		}
		row, err := journalRow(uuid.New(), e)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if row.OrderData != nil {
			t.Errorf("expected no order data for action %v, got %s", action, row.OrderData)
		}
	}
}

func TestJournalRow_IncludesCouncilMetadataWhenPresent(t *testing.T) {
	e := JournalEntry{
		Decision: llm.Decision{
			Action: llm.ActionHold,
			Context: map[string]interface{}{
				"council_deliberation": map[string]interface{}{"stage": 3},
			},
		},
	}
	row, err := journalRow(uuid.New(), e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.CouncilMetadata == nil {
		t.Fatal("expected council metadata to be populated when present in the decision context")
	}
}

func TestJournalRow_NoMetadataWhenAbsent(t *testing.T) {
	e := JournalEntry{Decision: llm.Decision{Action: llm.ActionHold}}
	row, err := journalRow(uuid.New(), e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.CouncilMetadata != nil {
		t.Error("expected no council metadata when the decision context omits it")
	}
}

func TestAppendJournal_AccumulatesEntries(t *testing.T) {
	s := &State{}
	s.appendJournal(JournalEntry{CandleIndex: 1})
	s.appendJournal(JournalEntry{CandleIndex: 2})
	if len(s.Journal) != 2 {
		t.Fatalf("expected 2 journal entries, got %d", len(s.Journal))
	}
}
