package indicator

import (
	"math"

	"tradingagent/internal/candle"
)

// Every series* function below returns a slice the same length as candles,
// with math.NaN() at indices lacking sufficient history. NaN is preserved
// through arithmetic and only collapsed to a JSON null at the pipeline
// boundary (spec §4.1 "Numeric semantics"), matching the teacher's own
// hand-rolled indicator math in internal/strategy/indicators.go — no
// third-party TA library exists anywhere in the retrieved pack, so this
// stays on plain float64 arithmetic by design, not by omission.

func nanSeries(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

func closes(candles []candle.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func seriesSMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 {
		return out
	}
	start := 0
	for start < len(values) && math.IsNaN(values[start]) {
		start++
	}
	sum := 0.0
	for i := start; i < len(values); i++ {
		sum += values[i]
		if i-start >= period {
			sum -= values[i-period]
		}
		if i-start >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

func seriesEMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) == 0 {
		return out
	}
	k := 2.0 / (float64(period) + 1.0)
	seed := seriesSMA(values, period)
	var prev float64
	started := false
	for i, v := range values {
		if !started {
			if math.IsNaN(seed[i]) {
				continue
			}
			prev = seed[i]
			out[i] = prev
			started = true
			continue
		}
		prev = v*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

func seriesRSI(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}
	gains := make([]float64, len(values))
	losses := make([]float64, len(values))
	for i := 1; i < len(values); i++ {
		diff := values[i] - values[i-1]
		if diff > 0 {
			gains[i] = diff
		} else {
			losses[i] = -diff
		}
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	setRSI := func(i int) {
		if avgLoss == 0 {
			out[i] = 100
			return
		}
		rs := avgGain / avgLoss
		out[i] = 100 - (100 / (1 + rs))
	}
	setRSI(period)
	for i := period + 1; i < len(values); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
		setRSI(i)
	}
	return out
}

// MACDSeries bundles MACD line, signal line and histogram, aligned series.
type MACDSeries struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

func seriesMACD(values []float64) MACDSeries {
	fast := seriesEMA(values, 12)
	slow := seriesEMA(values, 26)
	line := nanSeries(len(values))
	for i := range values {
		if !math.IsNaN(fast[i]) && !math.IsNaN(slow[i]) {
			line[i] = fast[i] - slow[i]
		}
	}
	signal := seriesEMA(replaceNaNGaps(line), 9)
	hist := nanSeries(len(values))
	for i := range values {
		if !math.IsNaN(line[i]) && !math.IsNaN(signal[i]) {
			hist[i] = line[i] - signal[i]
		}
	}
	return MACDSeries{Line: line, Signal: signal, Histogram: hist}
}

// replaceNaNGaps carries the last valid value forward over interior NaN gaps
// and leaves leading NaNs in place; seriesSMA and seriesEMA start from the
// first non-NaN value, so a NaN-prefixed series still yields values.
func replaceNaNGaps(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	var last float64
	haveLast := false
	for i, v := range out {
		if math.IsNaN(v) {
			if haveLast {
				out[i] = last
			}
			continue
		}
		last = v
		haveLast = true
	}
	return out
}

func seriesBollingerMiddle(values []float64, period int) []float64 {
	return seriesSMA(values, period)
}

func seriesATR(candles []candle.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) == 0 {
		return out
	}
	trs := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			trs[i] = c.High - c.Low
			continue
		}
		prevClose := candles[i-1].Close
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		trs[i] = tr
	}
	var sum float64
	for i := 0; i < period && i < len(trs); i++ {
		sum += trs[i]
	}
	if len(trs) < period {
		return out
	}
	avg := sum / float64(period)
	out[period-1] = avg
	for i := period; i < len(trs); i++ {
		avg = (avg*float64(period-1) + trs[i]) / float64(period)
		out[i] = avg
	}
	return out
}

type StochasticSeries struct {
	K []float64
	D []float64
}

func seriesStochastic(candles []candle.Candle, period int) StochasticSeries {
	k := nanSeries(len(candles))
	for i := range candles {
		if i < period-1 {
			continue
		}
		hh, ll := candles[i].High, candles[i].Low
		for j := i - period + 1; j <= i; j++ {
			hh = math.Max(hh, candles[j].High)
			ll = math.Min(ll, candles[j].Low)
		}
		if hh == ll {
			k[i] = 50
			continue
		}
		k[i] = (candles[i].Close - ll) / (hh - ll) * 100
	}
	d := seriesSMA(replaceNaNGaps(k), 3)
	return StochasticSeries{K: k, D: d}
}

func seriesADX(candles []candle.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if len(candles) < period+1 {
		return out
	}
	plusDM := make([]float64, len(candles))
	minusDM := make([]float64, len(candles))
	trs := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		prevClose := candles[i-1].Close
		trs[i] = math.Max(candles[i].High-candles[i].Low,
			math.Max(math.Abs(candles[i].High-prevClose), math.Abs(candles[i].Low-prevClose)))
	}
	smooth := func(vals []float64) []float64 {
		return seriesSMA(vals, period)
	}
	smoothedTR := smooth(trs)
	smoothedPlus := smooth(plusDM)
	smoothedMinus := smooth(minusDM)
	dx := nanSeries(len(candles))
	for i := range candles {
		if math.IsNaN(smoothedTR[i]) || smoothedTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothedPlus[i] / smoothedTR[i]
		minusDI := 100 * smoothedMinus[i] / smoothedTR[i]
		sum := plusDI + minusDI
		if sum == 0 {
			dx[i] = 0
			continue
		}
		dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
	}
	adx := seriesSMA(replaceNaNGaps(dx), period)
	copy(out, adx)
	return out
}

func seriesROC(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	for i := period; i < len(values); i++ {
		if values[i-period] == 0 {
			continue
		}
		out[i] = (values[i] - values[i-period]) / values[i-period] * 100
	}
	return out
}

func seriesCCI(candles []candle.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	typical := make([]float64, len(candles))
	for i, c := range candles {
		typical[i] = (c.High + c.Low + c.Close) / 3
	}
	sma := seriesSMA(typical, period)
	for i := range candles {
		if i < period-1 {
			continue
		}
		var meanDev float64
		for j := i - period + 1; j <= i; j++ {
			meanDev += math.Abs(typical[j] - sma[i])
		}
		meanDev /= float64(period)
		if meanDev == 0 {
			out[i] = 0
			continue
		}
		out[i] = (typical[i] - sma[i]) / (0.015 * meanDev)
	}
	return out
}

func seriesAwesomeOscillator(candles []candle.Candle) []float64 {
	mid := make([]float64, len(candles))
	for i, c := range candles {
		mid[i] = (c.High + c.Low) / 2
	}
	fast := seriesSMA(mid, 5)
	slow := seriesSMA(mid, 34)
	out := nanSeries(len(candles))
	for i := range candles {
		if !math.IsNaN(fast[i]) && !math.IsNaN(slow[i]) {
			out[i] = fast[i] - slow[i]
		}
	}
	return out
}

func seriesParabolicSAR(candles []candle.Candle) []float64 {
	out := nanSeries(len(candles))
	if len(candles) < 2 {
		return out
	}
	const accelStart, accelStep, accelMax = 0.02, 0.02, 0.2
	uptrend := candles[1].Close >= candles[0].Close
	af := accelStart
	var ep float64
	var sar float64
	if uptrend {
		sar = candles[0].Low
		ep = candles[0].High
	} else {
		sar = candles[0].High
		ep = candles[0].Low
	}
	out[0] = sar
	for i := 1; i < len(candles); i++ {
		prevSAR := sar
		sar = prevSAR + af*(ep-prevSAR)
		if uptrend {
			if candles[i].Low < sar {
				uptrend = false
				sar = ep
				ep = candles[i].Low
				af = accelStart
			} else {
				if candles[i].High > ep {
					ep = candles[i].High
					af = math.Min(af+accelStep, accelMax)
				}
			}
		} else {
			if candles[i].High > sar {
				uptrend = true
				sar = ep
				ep = candles[i].High
				af = accelStart
			} else {
				if candles[i].Low < ep {
					ep = candles[i].Low
					af = math.Min(af+accelStep, accelMax)
				}
			}
		}
		out[i] = sar
	}
	return out
}

func seriesKeltnerMiddle(candles []candle.Candle, period int) []float64 {
	return seriesEMA(closes(candles), period)
}

func seriesDonchianMiddle(candles []candle.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	for i := range candles {
		if i < period-1 {
			continue
		}
		hh, ll := candles[i].High, candles[i].Low
		for j := i - period + 1; j <= i; j++ {
			hh = math.Max(hh, candles[j].High)
			ll = math.Min(ll, candles[j].Low)
		}
		out[i] = (hh + ll) / 2
	}
	return out
}

func seriesOBV(candles []candle.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			out[i] = c.Volume
			continue
		}
		switch {
		case c.Close > candles[i-1].Close:
			out[i] = out[i-1] + c.Volume
		case c.Close < candles[i-1].Close:
			out[i] = out[i-1] - c.Volume
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

func seriesVWAP(candles []candle.Candle) []float64 {
	out := nanSeries(len(candles))
	var cumPV, cumVol float64
	for i, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		cumPV += typical * c.Volume
		cumVol += c.Volume
		if cumVol == 0 {
			continue
		}
		out[i] = cumPV / cumVol
	}
	return out
}

func seriesMFI(candles []candle.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	typical := make([]float64, len(candles))
	moneyFlow := make([]float64, len(candles))
	for i, c := range candles {
		typical[i] = (c.High + c.Low + c.Close) / 3
		moneyFlow[i] = typical[i] * c.Volume
	}
	for i := period; i < len(candles); i++ {
		var posFlow, negFlow float64
		for j := i - period + 1; j <= i; j++ {
			if j == 0 {
				continue
			}
			if typical[j] > typical[j-1] {
				posFlow += moneyFlow[j]
			} else if typical[j] < typical[j-1] {
				negFlow += moneyFlow[j]
			}
		}
		if negFlow == 0 {
			out[i] = 100
			continue
		}
		ratio := posFlow / negFlow
		out[i] = 100 - (100 / (1 + ratio))
	}
	return out
}

func seriesCMF(candles []candle.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	mfv := make([]float64, len(candles))
	for i, c := range candles {
		if c.High == c.Low {
			mfv[i] = 0
			continue
		}
		mfm := ((c.Close - c.Low) - (c.High - c.Close)) / (c.High - c.Low)
		mfv[i] = mfm * c.Volume
	}
	for i := period - 1; i < len(candles); i++ {
		var sumMFV, sumVol float64
		for j := i - period + 1; j <= i; j++ {
			sumMFV += mfv[j]
			sumVol += candles[j].Volume
		}
		if sumVol == 0 {
			continue
		}
		out[i] = sumMFV / sumVol
	}
	return out
}

func seriesAD(candles []candle.Candle) []float64 {
	out := make([]float64, len(candles))
	var cum float64
	for i, c := range candles {
		if c.High == c.Low {
			out[i] = cum
			continue
		}
		mfm := ((c.Close - c.Low) - (c.High - c.Close)) / (c.High - c.Low)
		cum += mfm * c.Volume
		out[i] = cum
	}
	return out
}

func seriesSupertrend(candles []candle.Candle, period int, multiplier float64) []float64 {
	out := nanSeries(len(candles))
	atr := seriesATR(candles, period)
	var prevUpper, prevLower, prevSupertrend float64
	var uptrend bool
	for i, c := range candles {
		if math.IsNaN(atr[i]) {
			continue
		}
		mid := (c.High + c.Low) / 2
		upper := mid + multiplier*atr[i]
		lower := mid - multiplier*atr[i]
		if i == 0 || math.IsNaN(out[i-1]) {
			uptrend = true
			prevUpper, prevLower = upper, lower
			prevSupertrend = lower
			out[i] = prevSupertrend
			continue
		}
		if c.Close > prevUpper {
			uptrend = true
		} else if c.Close < prevLower {
			uptrend = false
		}
		if uptrend {
			if lower < prevLower {
				lower = prevLower
			}
			prevSupertrend = lower
		} else {
			if upper > prevUpper {
				upper = prevUpper
			}
			prevSupertrend = upper
		}
		prevUpper, prevLower = upper, lower
		out[i] = prevSupertrend
	}
	return out
}

func seriesIchimokuConversion(candles []candle.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	for i := range candles {
		if i < period-1 {
			continue
		}
		hh, ll := candles[i].High, candles[i].Low
		for j := i - period + 1; j <= i; j++ {
			hh = math.Max(hh, candles[j].High)
			ll = math.Min(ll, candles[j].Low)
		}
		out[i] = (hh + ll) / 2
	}
	return out
}

func seriesZScore(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	mean := seriesSMA(values, period)
	for i := range values {
		if i < period-1 {
			continue
		}
		var variance float64
		for j := i - period + 1; j <= i; j++ {
			d := values[j] - mean[i]
			variance += d * d
		}
		stdDev := math.Sqrt(variance / float64(period))
		if stdDev == 0 {
			out[i] = 0
			continue
		}
		out[i] = (values[i] - mean[i]) / stdDev
	}
	return out
}
