// Package indicator implements the engine's Indicator Pipeline (C1):
// pre-computes a fixed catalog of technical indicators over a candle
// series and exposes point lookups plus readiness queries. Grounded on
// internal/strategy/indicators.go's from-scratch math, generalized into a
// name-keyed series map, with readiness/custom-rule semantics resolved by
// original_source's indicator_calculator.py and custom_indicator_engine.py.
package indicator

import (
	"math"

	"tradingagent/internal/apperr"
	"tradingagent/internal/candle"
)

// Pipeline exposes values_at/readiness queries over one candle sequence.
type Pipeline struct {
	candles []candle.Candle
	mode    Mode
	enabled []string
	series  map[string][]float64
	custom  *customEngine
}

// New constructs a Pipeline. enabledNames may use aliases; they are
// expanded and validated against the mode whitelist before computation.
func New(candles []candle.Candle, enabledNames []string, mode Mode, rules []CustomRule) (*Pipeline, error) {
	expanded := ExpandNames(enabledNames)
	for _, name := range expanded {
		if !AllowedInMode(mode, name) {
			return nil, apperr.NewValidation("enabled_indicators", "indicator "+name+" not permitted in mode "+string(mode))
		}
	}

	p := &Pipeline{
		candles: candles,
		mode:    mode,
		enabled: expanded,
		series:  make(map[string][]float64, len(expanded)),
	}
	p.compute()

	if len(rules) > 0 {
		eng, err := newCustomEngine(rules, p.series)
		if err != nil {
			return nil, err
		}
		p.custom = eng
		for _, r := range rules {
			p.series[r.Name] = eng.evaluate(r.Name, len(candles))
			p.enabled = append(p.enabled, r.Name)
		}
	}

	return p, nil
}

func (p *Pipeline) compute() {
	cs := p.candles
	cl := closes(cs)
	for _, name := range p.enabled {
		switch name {
		case RSI:
			p.series[RSI] = seriesRSI(cl, 14)
		case Stochastic:
			st := seriesStochastic(cs, 14)
			p.series[Stochastic] = st.K
		case CCI:
			p.series[CCI] = seriesCCI(cs, 20)
		case ROC:
			p.series[ROC] = seriesROC(cl, 10)
		case AwesomeOsc:
			p.series[AwesomeOsc] = seriesAwesomeOscillator(cs)
		case MACD:
			p.series[MACD] = seriesMACD(cl).Line
		case EMA20:
			p.series[EMA20] = seriesEMA(cl, 20)
		case EMA50:
			p.series[EMA50] = seriesEMA(cl, 50)
		case EMA200:
			p.series[EMA200] = seriesEMA(cl, 200)
		case SMA20:
			p.series[SMA20] = seriesSMA(cl, 20)
		case SMA50:
			p.series[SMA50] = seriesSMA(cl, 50)
		case SMA200:
			p.series[SMA200] = seriesSMA(cl, 200)
		case ADX:
			p.series[ADX] = seriesADX(cs, 14)
		case PSAR:
			p.series[PSAR] = seriesParabolicSAR(cs)
		case BollingerMid:
			p.series[BollingerMid] = seriesBollingerMiddle(cl, 20)
		case ATR:
			p.series[ATR] = seriesATR(cs, 14)
		case KeltnerMid:
			p.series[KeltnerMid] = seriesKeltnerMiddle(cs, 20)
		case DonchianMid:
			p.series[DonchianMid] = seriesDonchianMiddle(cs, 20)
		case OBV:
			p.series[OBV] = seriesOBV(cs)
		case VWAP:
			p.series[VWAP] = seriesVWAP(cs)
		case MFI:
			p.series[MFI] = seriesMFI(cs, 14)
		case CMF:
			p.series[CMF] = seriesCMF(cs, 20)
		case AD:
			p.series[AD] = seriesAD(cs)
		case Supertrend:
			p.series[Supertrend] = seriesSupertrend(cs, 10, 3)
		case IchimokuTenkan:
			p.series[IchimokuTenkan] = seriesIchimokuConversion(cs, 9)
		case ZScore20:
			p.series[ZScore20] = seriesZScore(cl, 20)
		}
	}
}

// ValuesAt returns the indicator map for candle index i. A nil value means
// the indicator surfaced NaN (insufficient history or division by zero) —
// never substituted with 0 (spec §4.1 "Numeric semantics").
func (p *Pipeline) ValuesAt(i int) map[string]*float64 {
	out := make(map[string]*float64, len(p.enabled))
	for _, name := range p.enabled {
		s := p.series[name]
		if i < 0 || i >= len(s) || math.IsNaN(s[i]) {
			out[name] = nil
			continue
		}
		v := s[i]
		out[name] = &v
	}
	return out
}

// IsReady reports whether the fraction of non-null indicators at i meets
// threshold.
func (p *Pipeline) IsReady(i int, threshold float64) bool {
	if len(p.enabled) == 0 {
		return true
	}
	nonNull := 0
	for _, name := range p.enabled {
		s := p.series[name]
		if i >= 0 && i < len(s) && !math.IsNaN(s[i]) {
			nonNull++
		}
	}
	return float64(nonNull)/float64(len(p.enabled)) >= threshold
}

// ReadyCount reports how many of the enabled indicators have a non-null
// value at i, alongside the total enabled count, for the indicator_readiness
// broadcast (spec §3).
func (p *Pipeline) ReadyCount(i int) (ready, total int) {
	total = len(p.enabled)
	for _, name := range p.enabled {
		s := p.series[name]
		if i >= 0 && i < len(s) && !math.IsNaN(s[i]) {
			ready++
		}
	}
	return ready, total
}

// FirstReadyIndex returns the first candle index meeting the readiness
// threshold, or len(candles) if none does.
func (p *Pipeline) FirstReadyIndex(threshold float64) int {
	for i := range p.candles {
		if p.IsReady(i, threshold) {
			return i
		}
	}
	return len(p.candles)
}

// EnabledNames returns the (alias-expanded, custom-rule-included) indicator
// names this pipeline computes.
func (p *Pipeline) EnabledNames() []string {
	out := make([]string, len(p.enabled))
	copy(out, p.enabled)
	return out
}

// ValueAt returns a single named series value, used by force-decision and
// low-volatility-skip checks (e.g. reading ATR directly).
func (p *Pipeline) ValueAt(name string, i int) (float64, bool) {
	s, ok := p.series[name]
	if !ok || i < 0 || i >= len(s) || math.IsNaN(s[i]) {
		return 0, false
	}
	return s[i], true
}
