// Package metrics exposes the engine's Prometheus counters and gauges,
// grounded on the teacher's own metrics.go ("bot_orders_total",
// "bot_decisions_total", "bot_equity_usd", "bot_exit_reasons_total") but
// registered on an instance-owned registry instead of the package-global
// init() the teacher uses, so multiple Runtimes (and tests) don't collide on
// a shared default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the engine's metric collectors and the Prometheus
// registry they're bound to.
type Registry struct {
	reg *prometheus.Registry

	decisions   *prometheus.CounterVec
	trades      *prometheus.CounterVec
	exitReasons *prometheus.CounterVec
	equity      prometheus.Gauge
	drawdownPct prometheus.Gauge
	breakerTrip *prometheus.CounterVec
}

// New builds a Registry with all collectors registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingagent_decisions_total",
			Help: "Decisions taken by action (long|short|close|hold)",
		}, []string{"action"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingagent_trades_total",
			Help: "Closed trades by result",
		}, []string{"result"}),
		exitReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingagent_exit_reasons_total",
			Help: "Closed trades by close reason and side",
		}, []string{"reason", "side"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradingagent_equity_usd",
			Help: "Current session equity in USD",
		}),
		drawdownPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradingagent_max_drawdown_pct",
			Help: "Max drawdown percent observed this session (negative)",
		}),
		breakerTrip: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingagent_circuit_breaker_trips_total",
			Help: "Circuit breaker trips by service",
		}, []string{"service"}),
	}
	r.reg.MustRegister(r.decisions, r.trades, r.exitReasons, r.equity, r.drawdownPct, r.breakerTrip)
	return r
}

// Registerer exposes the underlying registry for an HTTP /metrics handler.
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }

// RecordDecision increments the decision counter for the given action label
// ("long", "short", "close", "hold" — already-lowercased by the caller).
func (r *Registry) RecordDecision(action string) {
	r.decisions.WithLabelValues(action).Inc()
}

// RecordTrade increments the trade-result counter ("win" or "loss") and the
// per-reason/side exit counter.
func (r *Registry) RecordTrade(won bool, reason, side string) {
	result := "loss"
	if won {
		result = "win"
	}
	r.trades.WithLabelValues(result).Inc()
	r.exitReasons.WithLabelValues(reason, side).Inc()
}

// SetEquity updates the current-equity gauge.
func (r *Registry) SetEquity(v float64) { r.equity.Set(v) }

// SetMaxDrawdownPct updates the max-drawdown gauge.
func (r *Registry) SetMaxDrawdownPct(v float64) { r.drawdownPct.Set(v) }

// RecordBreakerTrip increments the circuit-breaker trip counter for service.
func (r *Registry) RecordBreakerTrip(service string) {
	r.breakerTrip.WithLabelValues(service).Inc()
}
