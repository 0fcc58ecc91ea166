package llm

import (
	"encoding/json"
	"strings"

	"tradingagent/internal/apperr"
)

// rawDecision is the wire shape of the strict JSON schema (spec §6).
type rawDecision struct {
	Action          string   `json:"action"`
	Reasoning       string   `json:"reasoning"`
	EntryPrice      *float64 `json:"entry_price"`
	StopLossPrice   *float64 `json:"stop_loss_price"`
	TakeProfitPrice *float64 `json:"take_profit_price"`
	SizePercentage  *float64 `json:"size_percentage"`
	Leverage        *float64 `json:"leverage"` // accept a float (e.g. 2.0) per spec boundary behavior
}

// ExtractBalancedJSON returns the outermost balanced {...} substring in s,
// stripping a surrounding markdown code fence first if present.
func ExtractBalancedJSON(s string) (string, bool) {
	s = stripMarkdownFence(s)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func stripMarkdownFence(s string) string {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```json")
		t = strings.TrimPrefix(t, "```")
		if idx := strings.LastIndex(t, "```"); idx >= 0 {
			t = t[:idx]
		}
	}
	return t
}

// ParseDecision tolerantly decodes an LLM response into a Decision, per
// spec §4.3 "Response parsing" and §9's enumerated boundary tolerances.
func ParseDecision(raw string, leverage LeveragePolicy) (Decision, error) {
	jsonStr, ok := ExtractBalancedJSON(raw)
	if !ok {
		return Decision{}, apperr.NewDecisionParse("no balanced JSON object found", raw)
	}

	var rd rawDecision
	if err := json.Unmarshal([]byte(jsonStr), &rd); err != nil {
		return Decision{}, apperr.NewDecisionParse("invalid JSON: "+err.Error(), raw)
	}

	if rd.Action == "" || rd.Reasoning == "" {
		return Decision{}, apperr.NewDecisionParse("missing required action/reasoning", raw)
	}

	action := Action(strings.ToUpper(rd.Action))
	if !validActions[action] {
		return Decision{}, apperr.NewDecisionParse("unrecognized action: "+rd.Action, raw)
	}

	sizePct := 0.0
	if rd.SizePercentage != nil {
		sizePct = clamp(*rd.SizePercentage, 0, 1)
	}

	lev := 1
	if rd.Leverage != nil {
		lev = int(*rd.Leverage + 0.5) // tolerate a float like 2.0
		if lev < 1 {
			lev = 1
		}
		if lev > 5 {
			lev = 5
		}
	}
	if !leverage.Allow {
		lev = 1
	} else if leverage.Cap > 0 && lev > leverage.Cap {
		lev = leverage.Cap
	}

	return Decision{
		Action:      action,
		Reasoning:   rd.Reasoning,
		EntryPrice:  rd.EntryPrice,
		StopLoss:    rd.StopLossPrice,
		TakeProfit:  rd.TakeProfitPrice,
		SizePercent: sizePct,
		Leverage:    lev,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
