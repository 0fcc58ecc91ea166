package session

import "tradingagent/internal/position"

const closeReasonAIDecision = position.ReasonAIDecision

func sideOf(action string) position.Side {
	switch action {
	case "LONG", "long":
		return position.Long
	default:
		return position.Short
	}
}
