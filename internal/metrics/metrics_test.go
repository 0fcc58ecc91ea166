package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, r *Registry, name string) []*dto.Metric {
	t.Helper()
	families, err := r.Registerer().Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()
		}
	}
	return nil
}

func TestRegistry_RecordDecisionIncrementsByAction(t *testing.T) {
	r := New()
	r.RecordDecision("long")
	r.RecordDecision("long")
	r.RecordDecision("hold")

	metrics := gather(t, r, "tradingagent_decisions_total")
	if len(metrics) != 2 {
		t.Fatalf("expected 2 distinct action label series, got %d", len(metrics))
	}
	for _, m := range metrics {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "action" && lp.GetValue() == "long" {
				if m.GetCounter().GetValue() != 2 {
					t.Errorf("expected 2 long decisions, got %v", m.GetCounter().GetValue())
				}
			}
		}
	}
}

func TestRegistry_RecordTradeSplitsWinLossAndExitReason(t *testing.T) {
	r := New()
	r.RecordTrade(true, "take_profit", "long")
	r.RecordTrade(false, "stop_loss", "short")

	trades := gather(t, r, "tradingagent_trades_total")
	if len(trades) != 2 {
		t.Fatalf("expected win and loss series, got %d", len(trades))
	}

	exits := gather(t, r, "tradingagent_exit_reasons_total")
	if len(exits) != 2 {
		t.Fatalf("expected 2 exit-reason series, got %d", len(exits))
	}
}

func TestRegistry_SetEquityAndDrawdownGauges(t *testing.T) {
	r := New()
	r.SetEquity(10250.5)
	r.SetMaxDrawdownPct(-4.2)

	equity := gather(t, r, "tradingagent_equity_usd")
	if len(equity) != 1 || equity[0].GetGauge().GetValue() != 10250.5 {
		t.Fatalf("expected equity gauge 10250.5, got %+v", equity)
	}
	drawdown := gather(t, r, "tradingagent_max_drawdown_pct")
	if len(drawdown) != 1 || drawdown[0].GetGauge().GetValue() != -4.2 {
		t.Fatalf("expected drawdown gauge -4.2, got %+v", drawdown)
	}
}

func TestRegistry_RecordBreakerTripIncrementsByService(t *testing.T) {
	r := New()
	r.RecordBreakerTrip("anthropic")
	r.RecordBreakerTrip("anthropic")
	r.RecordBreakerTrip("openai")

	trips := gather(t, r, "tradingagent_circuit_breaker_trips_total")
	if len(trips) != 2 {
		t.Fatalf("expected 2 service series, got %d", len(trips))
	}
}
