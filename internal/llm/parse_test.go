package llm

import "testing"

func TestExtractBalancedJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantOk  bool
	}{
		{
			name:   "plain object",
			in:     `{"action":"HOLD","reasoning":"ok"}`,
			want:   `{"action":"HOLD","reasoning":"ok"}`,
			wantOk: true,
		},
		{
			name:   "wrapped in prose",
			in:     `Here is my decision:\n{"action":"LONG","reasoning":"go"}\nThanks.`,
			want:   `{"action":"LONG","reasoning":"go"}`,
			wantOk: true,
		},
		{
			name:   "nested braces",
			in:     `{"action":"HOLD","reasoning":"x","context":{"a":1}}`,
			want:   `{"action":"HOLD","reasoning":"x","context":{"a":1}}`,
			wantOk: true,
		},
		{
			name:   "braces inside a string literal",
			in:     `{"action":"HOLD","reasoning":"looks like {not json}"}`,
			want:   `{"action":"HOLD","reasoning":"looks like {not json}"}`,
			wantOk: true,
		},
		{
			name:   "markdown fence",
			in:     "```json\n{\"action\":\"HOLD\",\"reasoning\":\"x\"}\n```",
			want:   `{"action":"HOLD","reasoning":"x"}`,
			wantOk: true,
		},
		{
			name:   "no object",
			in:     "no json here",
			wantOk: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractBalancedJSON(tt.in)
			if ok != tt.wantOk {
				t.Fatalf("expected ok=%v, got %v (got=%q)", tt.wantOk, ok, got)
			}
			if ok && got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestParseDecision_ValidActions(t *testing.T) {
	policy := LeveragePolicy{Allow: true, Cap: 5}
	for _, action := range []string{"LONG", "short", "Close", "HOLD"} {
		raw := `{"action":"` + action + `","reasoning":"test","size_percentage":0.2,"leverage":2}`
		d, err := ParseDecision(raw, policy)
		if err != nil {
			t.Fatalf("action=%s: unexpected error: %v", action, err)
		}
		if d.Leverage != 2 {
			t.Errorf("action=%s: expected leverage 2, got %d", action, d.Leverage)
		}
	}
}

func TestParseDecision_RejectsInvalidAction(t *testing.T) {
	raw := `{"action":"SELL_EVERYTHING","reasoning":"panic"}`
	_, err := ParseDecision(raw, LeveragePolicy{Allow: true, Cap: 5})
	if err == nil {
		t.Fatal("expected an error for an action outside the four-value enum")
	}
}

func TestParseDecision_RejectsMissingFields(t *testing.T) {
	raw := `{"reasoning":"no action field"}`
	_, err := ParseDecision(raw, LeveragePolicy{Allow: true, Cap: 5})
	if err == nil {
		t.Fatal("expected an error for a missing action field")
	}
}

// TestParseDecision_BoundaryTolerances pins the enumerated §9 boundary
// behaviors: a float leverage of 2.0 is accepted as 2, and a null
// size_percentage becomes 0.0.
func TestParseDecision_BoundaryTolerances(t *testing.T) {
	raw := `{"action":"LONG","reasoning":"x","leverage":2.0,"size_percentage":null}`
	d, err := ParseDecision(raw, LeveragePolicy{Allow: true, Cap: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Leverage != 2 {
		t.Errorf("expected float leverage 2.0 to coerce to int 2, got %d", d.Leverage)
	}
	if d.SizePercent != 0 {
		t.Errorf("expected a null size_percentage to become 0.0, got %v", d.SizePercent)
	}
}

func TestParseDecision_LeverageForcedToOneWhenDisallowed(t *testing.T) {
	raw := `{"action":"LONG","reasoning":"x","leverage":4}`
	d, err := ParseDecision(raw, LeveragePolicy{Allow: false, Cap: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Leverage != 1 {
		t.Errorf("expected leverage forced to 1 when context disallows leverage, got %d", d.Leverage)
	}
}

func TestParseDecision_LeverageClampedToCap(t *testing.T) {
	raw := `{"action":"LONG","reasoning":"x","leverage":5}`
	d, err := ParseDecision(raw, LeveragePolicy{Allow: true, Cap: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Leverage != 3 {
		t.Errorf("expected leverage clamped to cap 3, got %d", d.Leverage)
	}
}

func TestParseDecision_SizePercentageClamped(t *testing.T) {
	raw := `{"action":"LONG","reasoning":"x","size_percentage":1.5}`
	d, err := ParseDecision(raw, LeveragePolicy{Allow: true, Cap: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.SizePercent != 1.0 {
		t.Errorf("expected size_percentage clamped to 1.0, got %v", d.SizePercent)
	}
}
