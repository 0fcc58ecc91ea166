package llm

import "tradingagent/internal/candle"

// Action is one of the four decision outcomes.
type Action string

const (
	ActionLong  Action = "LONG"
	ActionShort Action = "SHORT"
	ActionClose Action = "CLOSE"
	ActionHold  Action = "HOLD"
)

var validActions = map[Action]bool{
	ActionLong: true, ActionShort: true, ActionClose: true, ActionHold: true,
}

// Decision is the LLM's (or council's) structured output for one candle.
type Decision struct {
	Action        Action
	Reasoning     string
	EntryPrice    *float64
	StopLoss      *float64
	TakeProfit    *float64
	SizePercent   float64
	Leverage      int
	CandleIndex   *int
	Context       map[string]interface{}
}

// LeveragePolicy carries the allow flag and cap embedded in the decision
// context object the prompt restates (spec §4.3).
type LeveragePolicy struct {
	Allow bool
	Cap   int
}

// DecideRequest bundles everything decide() needs to build its prompt.
type DecideRequest struct {
	Candle          candle.Candle
	Indicators      map[string]*float64
	Position        *PositionSnapshot
	Equity          float64
	RecentCandles   []candle.Candle
	RecentIndicators []map[string]*float64
	Leverage        LeveragePolicy
	Mode            string
	StrategyPrompt  string
}

// PositionSnapshot is the serialized open-position view handed to the LLM.
type PositionSnapshot struct {
	Side       string
	EntryPrice float64
	Size       float64
	StopLoss   *float64
	TakeProfit *float64
	Leverage   int
	UnrealizedPnL float64
}

// HoldDecision builds a diagnostic HOLD — the contract decide() falls back
// to on any unrecoverable failure (spec §4.3: "must never raise").
func HoldDecision(reason string) Decision {
	return Decision{
		Action:      ActionHold,
		Reasoning:   reason,
		SizePercent: 0,
		Leverage:    1,
	}
}
